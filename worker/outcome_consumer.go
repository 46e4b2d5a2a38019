package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"flash-queue/metrics"
	"flash-queue/model"
	"flash-queue/repository"

	"github.com/go-sql-driver/mysql"
	"github.com/segmentio/kafka-go"
)

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// DeadLetterWriter parks messages the ledger could not store.
type DeadLetterWriter interface {
	PublishRaw(ctx context.Context, key, value []byte) error
}

// OutcomeConsumer copies outcome events from Kafka into the durable ledger.
// Duplicates are skipped; events that still fail after retries go to the
// dead-letter topic.
type OutcomeConsumer struct {
	Reader      MessageReader
	Ledger      repository.OutcomeLedger
	DeadLetters DeadLetterWriter

	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// NewOutcomeConsumer builds a consumer. reader may be nil when the consumer
// is only used to replay dead letters.
func NewOutcomeConsumer(reader MessageReader, ledger repository.OutcomeLedger, dlq DeadLetterWriter, logger *slog.Logger) *OutcomeConsumer {
	return &OutcomeConsumer{
		Reader:      reader,
		Ledger:      ledger,
		DeadLetters: dlq,
		logger:      logger,
		maxRetries:  3,
		retryDelay:  2 * time.Second,
	}
}

func NewOutcomeReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// Start consumes until ctx is done.
func (c *OutcomeConsumer) Start(ctx context.Context) {
	c.logger.Info("outcome consumer started")
	defer c.Reader.Close()

	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("outcome consumer stopped")
				return
			}
			c.logger.Error("read message", "error", err)
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *OutcomeConsumer) handle(ctx context.Context, m kafka.Message) {
	var ev model.OutcomeEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.TicketID == "" {
		c.logger.Error("undecodable outcome event", "offset", m.Offset, "error", err)
		c.deadLetter(ctx, m, err)
		return
	}

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		saved, err := c.Ledger.SaveOutcome(ev)
		if err == nil {
			if saved {
				metrics.OutcomesSaved.Inc()
				c.logger.Debug("outcome saved", "ticket_id", ev.TicketID, "status", ev.Status)
			} else {
				c.logger.Info("duplicate outcome skipped", "ticket_id", ev.TicketID)
			}
			return
		}

		lastErr = err
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			c.logger.Info("duplicate outcome skipped", "ticket_id", ev.TicketID)
			return
		}

		c.logger.Warn("save outcome", "ticket_id", ev.TicketID, "attempt", i+1, "max", c.maxRetries, "error", err)
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return
		}
	}

	c.logger.Error("outcome moved to dead letters", "ticket_id", ev.TicketID, "error", lastErr)
	c.deadLetter(ctx, m, lastErr)
}

func (c *OutcomeConsumer) deadLetter(ctx context.Context, m kafka.Message, cause error) {
	if c.DeadLetters == nil {
		return
	}
	if err := c.DeadLetters.PublishRaw(context.WithoutCancel(ctx), m.Key, m.Value); err != nil {
		c.logger.Error("publish dead letter", "offset", m.Offset, "cause", cause, "error", err)
	}
}

// ReplayDeadLetters re-reads the dead-letter topic from the beginning and
// feeds each message through the normal path. It returns once no message
// arrives for idle.
func (c *OutcomeConsumer) ReplayDeadLetters(ctx context.Context, reader MessageReader, idle time.Duration) int {
	defer reader.Close()
	c.logger.Info("replaying dead letters")

	replayed := 0
	for {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		m, err := reader.ReadMessage(readCtx)
		cancel()
		if err != nil {
			c.logger.Info("dead letter replay finished", "replayed", replayed)
			return replayed
		}
		c.handle(ctx, m)
		replayed++
	}
}

// NewDeadLetterReader reads topic from its first offset under its own group.
func NewDeadLetterReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
	})
}
