package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"flash-queue/apperror"
	"flash-queue/metrics"
	"flash-queue/model"
	"flash-queue/repository"

	"github.com/google/uuid"
)

// Deps are the stores and collaborators the service is wired with. They
// are constructed once at startup and shared by reference.
type Deps struct {
	Queue     repository.QueueRepository
	Tickets   repository.TicketRepository
	Markers   repository.MarkerRepository
	Catalog   repository.Catalog
	Inventory repository.Reservoir
	Orders    repository.OrderWriter
	Publisher repository.OutcomePublisher
}

type Options struct {
	// TicketTTL bounds how long a ticket survives without a status poll.
	TicketTTL time.Duration
	// ProcessingTTL is what a dequeued ticket and its marker are held for
	// while processing runs.
	ProcessingTTL time.Duration
	// ResultTTL is how long a terminal ticket stays readable.
	ResultTTL         time.Duration
	PositionScanLimit int64
}

type FlashSaleService struct {
	Deps
	opts   Options
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewFlashSaleService(deps Deps, opts Options, logger *slog.Logger) *FlashSaleService {
	if deps.Publisher == nil {
		deps.Publisher = repository.NopPublisher{}
	}
	return &FlashSaleService{
		Deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

type JoinResult struct {
	TicketID string `json:"ticketId"`
	// EnqueueSeq is 0 only when a concurrent join by the same user is
	// still being admitted; the next status poll reports the real value.
	EnqueueSeq int64 `json:"enqueueSeq"`
	Rejoined   bool  `json:"-"`
}

// JoinQueue admits userID to itemID's queue, or returns the user's live
// ticket if there already is one.
func (s *FlashSaleService) JoinQueue(ctx context.Context, userID string, itemID int64) (*JoinResult, error) {
	res, err := s.join(ctx, strings.TrimSpace(userID), itemID)
	switch {
	case err == nil && res.Rejoined:
		metrics.JoinRequests.WithLabelValues("rejoined").Inc()
	case err == nil:
		metrics.JoinRequests.WithLabelValues("created").Inc()
	case apperror.IsValidation(err), apperror.IsNotFound(err):
		metrics.JoinRequests.WithLabelValues("rejected").Inc()
	default:
		metrics.JoinRequests.WithLabelValues("failed").Inc()
	}
	return res, err
}

func (s *FlashSaleService) join(ctx context.Context, userID string, itemID int64) (*JoinResult, error) {
	if userID == "" {
		return nil, apperror.ErrInvalidUser
	}
	if itemID <= 0 {
		return nil, apperror.ErrInvalidItem
	}

	item, err := s.Catalog.GetItem(ctx, itemID)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup item %d: %w", itemID, err)
	}
	if item.Type != model.ItemTypeFlashSale {
		return nil, apperror.ErrItemNotEligible
	}

	// The ticket record and the user's active marker are written in one
	// step, so a marker whose ticket is missing is always stale. A stale
	// marker is dropped and the claim tried once more.
	for attempt := 0; attempt < 2; attempt++ {
		t := &model.Ticket{
			ID:        s.newID(),
			UserID:    userID,
			ItemID:    itemID,
			Status:    model.StatusQueued,
			CreatedAt: s.now(),
		}
		holder, created, err := s.Tickets.CreateExclusive(ctx, t, s.opts.TicketTTL)
		if err != nil {
			return nil, fmt.Errorf("create ticket: %w", err)
		}
		if created {
			return s.enqueue(ctx, t)
		}

		res, stale, err := s.rejoin(ctx, holder, userID, itemID)
		if err != nil || !stale {
			return res, err
		}
	}
	return nil, fmt.Errorf("join item %d: active marker for user %s keeps changing", itemID, userID)
}

func (s *FlashSaleService) enqueue(ctx context.Context, t *model.Ticket) (*JoinResult, error) {
	seq, err := s.Queue.AtomicEnqueue(ctx, t.ItemID, t.ID)
	if err != nil {
		// never queued: free the user, the orphan record lapses on its own
		s.dropMarker(ctx, t.ItemID, t.UserID, t.ID)
		return nil, fmt.Errorf("enqueue ticket: %w", err)
	}

	if _, err := s.Tickets.Update(ctx, t.ID, map[string]any{
		model.FieldEnqueueSeq: strconv.FormatInt(seq, 10),
	}); err != nil {
		// The ticket is in the queue already; only the stamp is missing.
		s.logger.Warn("record enqueue seq", "ticket_id", t.ID, "seq", seq, "error", err)
	}

	s.logger.Debug("ticket queued", "ticket_id", t.ID, "item_id", t.ItemID, "user_id", t.UserID, "enqueue_seq", seq)
	return &JoinResult{TicketID: t.ID, EnqueueSeq: seq}, nil
}

// rejoin returns the live ticket holder. stale reports a marker whose
// ticket is gone; the marker has been released and the caller may claim.
func (s *FlashSaleService) rejoin(ctx context.Context, holder, userID string, itemID int64) (res *JoinResult, stale bool, err error) {
	t, err := s.Tickets.Get(ctx, holder)
	switch {
	case apperror.IsNotFound(err), apperror.IsMalformed(err):
		s.dropMarker(ctx, itemID, userID, holder)
		return nil, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("read ticket %s: %w", holder, err)
	}

	if t.Status == model.StatusQueued {
		waiting, err := s.locate(ctx, t, &StatusSnapshot{})
		if err != nil {
			return nil, false, err
		}
		if waiting {
			if err := s.heartbeat(ctx, t); err != nil {
				return nil, false, err
			}
		}
	}
	return &JoinResult{TicketID: holder, EnqueueSeq: t.EnqueueSeq, Rejoined: true}, false, nil
}

func (s *FlashSaleService) dropMarker(ctx context.Context, itemID int64, userID, ticketID string) {
	if _, err := s.Markers.Release(context.WithoutCancel(ctx), itemID, userID, ticketID); err != nil {
		s.logger.Warn("release active marker", "item_id", itemID, "user_id", userID, "ticket_id", ticketID, "error", err)
	}
}

// StatusSnapshot is what a poll returns. Nil fields are unknown or not
// applicable in the current status.
type StatusSnapshot struct {
	TicketID   string       `json:"ticketId"`
	ItemID     *int64       `json:"itemId"`
	Status     model.Status `json:"status"`
	Position   *int64       `json:"position"`
	OrderID    *int64       `json:"orderId"`
	EnqueueSeq *int64       `json:"enqueueSeq"`
	DequeueSeq *int64       `json:"dequeueSeq"`
}

// GetTicketStatus reads a ticket. A poll on a ticket still waiting in the
// queue is also a heartbeat that extends the ticket and its active marker;
// a client that stops polling lets both lapse. Nothing else is extended: a
// PROCESSING ticket is bounded by the processing TTL the worker set, and a
// QUEUED ticket that has left the queue without being picked up is left to
// lapse so its user can join again.
func (s *FlashSaleService) GetTicketStatus(ctx context.Context, ticketID string) (*StatusSnapshot, error) {
	if ticketID == "" {
		return nil, apperror.New(apperror.CodeValidation, "ticket id is required")
	}

	t, err := s.Tickets.Get(ctx, ticketID)
	if apperror.IsNotFound(err) {
		return &StatusSnapshot{TicketID: ticketID, Status: model.StatusExpired}, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &StatusSnapshot{
		TicketID:   t.ID,
		ItemID:     &t.ItemID,
		Status:     t.Status,
		OrderID:    positive(t.OrderID),
		EnqueueSeq: positive(t.EnqueueSeq),
		DequeueSeq: positive(t.DequeueSeq),
	}

	switch t.Status {
	case model.StatusQueued:
		waiting, err := s.locate(ctx, t, snap)
		if err != nil {
			return nil, err
		}
		if waiting {
			if err := s.heartbeat(ctx, t); err != nil {
				return nil, err
			}
		}
	case model.StatusProcessing, model.StatusSuccess, model.StatusSoldOut, model.StatusError, model.StatusExpired:
	}
	return snap, nil
}

// locate fills in the queue position. waiting is false only when the whole
// queue was scanned without finding the ticket.
func (s *FlashSaleService) locate(ctx context.Context, t *model.Ticket, snap *StatusSnapshot) (waiting bool, err error) {
	rank, found, err := s.Queue.FindPosition(ctx, t.ItemID, t.ID, s.opts.PositionScanLimit)
	if err != nil {
		return false, fmt.Errorf("find position: %w", err)
	}
	if found {
		snap.Position = &rank
		return true, nil
	}

	n, err := s.Queue.Length(ctx, t.ItemID)
	if err != nil {
		return false, fmt.Errorf("queue length: %w", err)
	}
	// beyond the scan window
	return n > s.opts.PositionScanLimit, nil
}

func (s *FlashSaleService) heartbeat(ctx context.Context, t *model.Ticket) error {
	if _, err := s.Tickets.RefreshTTL(ctx, t.ID, s.opts.TicketTTL); err != nil {
		return fmt.Errorf("refresh ticket: %w", err)
	}
	if _, err := s.Markers.Refresh(ctx, t.ItemID, t.UserID, s.opts.TicketTTL); err != nil {
		return fmt.Errorf("refresh active marker: %w", err)
	}
	return nil
}

func positive(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}
