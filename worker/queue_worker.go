package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"flash-queue/metrics"
	"flash-queue/model"
	"flash-queue/repository"
	"flash-queue/service"
)

// Processor decides the fate of a ticket the worker has dequeued.
type Processor interface {
	ProcessTicket(ctx context.Context, ticketID string) service.Outcome
}

type TickResult string

const (
	// TickSkipped: another holder owns the item's lock.
	TickSkipped TickResult = "skipped"
	// TickIdle: the queue was empty.
	TickIdle TickResult = "idle"
	// TickDiscarded: the popped ticket had already expired.
	TickDiscarded  TickResult = "discarded"
	TickDispatched TickResult = "dispatched"
	TickFailed     TickResult = "failed"
)

type QueueWorkerConfig struct {
	PollInterval  time.Duration
	LockTTL       time.Duration
	ProcessingTTL time.Duration
	Items         []int64
}

// QueueWorker drains the per-item FIFO queues. Any number of instances may
// run; the per-item lock keeps dequeueing for one item serialized across
// all of them.
type QueueWorker struct {
	queue     repository.QueueRepository
	tickets   repository.TicketRepository
	locks     repository.LockRepository
	processor Processor
	cfg       QueueWorkerConfig
	logger    *slog.Logger
}

func NewQueueWorker(queue repository.QueueRepository, tickets repository.TicketRepository, locks repository.LockRepository, processor Processor, cfg QueueWorkerConfig, logger *slog.Logger) *QueueWorker {
	return &QueueWorker{
		queue:     queue,
		tickets:   tickets,
		locks:     locks,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start runs one ticker loop per item until ctx is done.
func (w *QueueWorker) Start(ctx context.Context) {
	w.logger.Info("queue worker started", "items", w.cfg.Items, "interval", w.cfg.PollInterval)

	var wg sync.WaitGroup
	for _, itemID := range w.cfg.Items {
		wg.Add(1)
		go func(itemID int64) {
			defer wg.Done()
			w.run(ctx, itemID)
		}(itemID)
	}
	wg.Wait()

	w.logger.Info("queue worker stopped")
}

func (w *QueueWorker) run(ctx context.Context, itemID int64) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.Tick(ctx, itemID); err != nil && ctx.Err() == nil {
				w.logger.Error("worker tick", "item_id", itemID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Tick dequeues at most one ticket of itemID and processes it. The lock is
// held only for the pop and the two metadata writes; processing runs after
// release, so another instance may dequeue the next ticket meanwhile.
func (w *QueueWorker) Tick(ctx context.Context, itemID int64) (TickResult, error) {
	res, err := w.tick(ctx, itemID)
	metrics.WorkerTicks.WithLabelValues(string(res)).Inc()
	return res, err
}

func (w *QueueWorker) tick(ctx context.Context, itemID int64) (TickResult, error) {
	key := repository.LockKey(itemID)
	token, ok, err := w.locks.TryAcquire(ctx, key, w.cfg.LockTTL)
	if err != nil {
		return TickFailed, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return TickSkipped, nil
	}

	held := true
	unlock := func() {
		if !held {
			return
		}
		held = false
		if _, err := w.locks.Release(context.WithoutCancel(ctx), key, token); err != nil {
			w.logger.Warn("release lock", "key", key, "error", err)
		}
	}
	defer unlock()

	ticketID, found, err := w.queue.PopHead(ctx, itemID)
	if err != nil {
		return TickFailed, fmt.Errorf("pop item %d: %w", itemID, err)
	}
	if !found {
		return TickIdle, nil
	}

	// From here the ticket is out of the queue; a failure loses it.
	exists, err := w.tickets.Exists(ctx, ticketID)
	if err != nil {
		return TickFailed, fmt.Errorf("check ticket %s: %w", ticketID, err)
	}
	if !exists {
		w.logger.Debug("discard expired ticket", "ticket_id", ticketID, "item_id", itemID)
		return TickDiscarded, nil
	}

	seq, err := w.queue.NextDequeueSeq(ctx, itemID)
	if err != nil {
		return TickFailed, fmt.Errorf("dequeue seq item %d: %w", itemID, err)
	}
	if _, err := w.tickets.RefreshTTL(ctx, ticketID, w.cfg.ProcessingTTL); err != nil {
		return TickFailed, fmt.Errorf("extend ticket %s: %w", ticketID, err)
	}
	stamped, err := w.tickets.Update(ctx, ticketID, map[string]any{
		model.FieldDequeueSeq: strconv.FormatInt(seq, 10),
	})
	if err != nil {
		return TickFailed, fmt.Errorf("stamp ticket %s: %w", ticketID, err)
	}
	if !stamped {
		return TickDiscarded, nil
	}

	unlock()

	out := w.processor.ProcessTicket(ctx, ticketID)
	switch {
	case out.Skipped && out.Err != nil:
		w.logger.Warn("ticket not processed", "ticket_id", ticketID, "reason", out.Reason, "error", out.Err)
	case out.Skipped:
		w.logger.Debug("ticket not processed", "ticket_id", ticketID, "reason", out.Reason)
	}
	return TickDispatched, nil
}
