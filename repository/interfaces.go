package repository

import (
	"context"
	"time"

	"flash-queue/model"
)

/*
 * Redis-backed stores. Each method maps to a single atomic primitive of the
 * fast store; no operation spans two of these stores transactionally.
 */

// QueueRepository is the per-item FIFO list plus its two sequence counters.
type QueueRepository interface {
	// AtomicEnqueue increments the enqueue counter and appends ticketID to
	// the tail in one indivisible step; the returned seq is the arrival rank.
	AtomicEnqueue(ctx context.Context, itemID int64, ticketID string) (int64, error)
	PopHead(ctx context.Context, itemID int64) (string, bool, error)
	PeekHead(ctx context.Context, itemID int64) (string, bool, error)
	NextDequeueSeq(ctx context.Context, itemID int64) (int64, error)
	// FindPosition scans at most scanLimit entries from the head and returns
	// a 1-based rank. Approximate for queues longer than scanLimit.
	FindPosition(ctx context.Context, itemID int64, ticketID string, scanLimit int64) (int64, bool, error)
	Length(ctx context.Context, itemID int64) (int64, error)
}

// LockRepository is short-lived, token-based mutual exclusion.
type LockRepository interface {
	// TryAcquire makes exactly one attempt and never waits.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Release deletes the lock only if token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
}

// TicketRepository stores ticket records. Absence means EXPIRED; there is
// no delete, TTL lapse is the only destructor.
type TicketRepository interface {
	Create(ctx context.Context, t *model.Ticket, ttl time.Duration) error
	// CreateExclusive writes t only if its user holds no live ticket for
	// the item, claiming the active marker in the same step. Otherwise it
	// returns the holder's ticket id.
	CreateExclusive(ctx context.Context, t *model.Ticket, ttl time.Duration) (string, bool, error)
	Exists(ctx context.Context, ticketID string) (bool, error)
	Get(ctx context.Context, ticketID string) (*model.Ticket, error)
	// Update merges fields; returns false if the record has expired.
	Update(ctx context.Context, ticketID string, fields map[string]any) (bool, error)
	RefreshTTL(ctx context.Context, ticketID string, ttl time.Duration) (bool, error)
	SetResultTTL(ctx context.Context, ticketID string, ttl time.Duration) (bool, error)
	ListByItem(ctx context.Context, itemID int64) ([]*model.Ticket, error)
}

// MarkerRepository holds the (item, user) -> ticket pointer that keeps a
// user to one live ticket per item. It is claimed by
// TicketRepository.CreateExclusive.
type MarkerRepository interface {
	Refresh(ctx context.Context, itemID int64, userID string, ttl time.Duration) (bool, error)
	// Release deletes the marker only if it still points at ticketID.
	Release(ctx context.Context, itemID int64, userID, ticketID string) (bool, error)
}

/*
 * Collaborators. The queue depends on their contracts, not their storage.
 */

// Catalog looks up item type and price.
type Catalog interface {
	GetItem(ctx context.Context, itemID int64) (*model.Item, error)
}

// Reservoir takes stock with a single conditional decrement:
// success iff stock >= qty at the instant of the write.
type Reservoir interface {
	Reserve(ctx context.Context, itemID int64, qty int) (bool, error)
}

// OrderWriter persists an order and returns its id.
type OrderWriter interface {
	CreateOrder(ctx context.Context, userID string, itemID int64, qty int) (int64, error)
}

// OutcomePublisher announces terminal ticket transitions.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, ev model.OutcomeEvent) error
}

// OutcomeLedger records outcome events durably; duplicates are ignored.
type OutcomeLedger interface {
	SaveOutcome(ev model.OutcomeEvent) (bool, error)
}
