package repository

import (
	"context"
	"time"

	"flash-queue/apperror"
	"flash-queue/model"
)

type RedisTicketRepository struct {
	store *RedisStore
}

func NewRedisTicketRepository(store *RedisStore) *RedisTicketRepository {
	return &RedisTicketRepository{store: store}
}

func (r *RedisTicketRepository) Create(ctx context.Context, t *model.Ticket, ttl time.Duration) error {
	return r.store.HSetAll(ctx, TicketKey(t.ID), t.Fields(), ttl)
}

// CreateExclusive writes t and claims its user's active marker in one
// step. When another ticket holds the marker nothing is written and that
// ticket's id is returned with created=false.
func (r *RedisTicketRepository) CreateExclusive(ctx context.Context, t *model.Ticket, ttl time.Duration) (string, bool, error) {
	return r.store.ClaimAndWrite(ctx, ActiveKey(t.ItemID, t.UserID), t.ID, TicketKey(t.ID), t.Fields(), ttl)
}

func (r *RedisTicketRepository) Exists(ctx context.Context, ticketID string) (bool, error) {
	return r.store.Exists(ctx, TicketKey(ticketID))
}

// Get returns apperror.ErrTicketNotFound for an absent (expired) record and
// a CodeMalformedTicket error for a record that does not parse.
func (r *RedisTicketRepository) Get(ctx context.Context, ticketID string) (*model.Ticket, error) {
	fields, err := r.store.HGetAll(ctx, TicketKey(ticketID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, apperror.ErrTicketNotFound
	}
	t, err := model.TicketFromFields(fields)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeMalformedTicket, "ticket "+ticketID)
	}
	return t, nil
}

func (r *RedisTicketRepository) Update(ctx context.Context, ticketID string, fields map[string]any) (bool, error) {
	return r.store.HMerge(ctx, TicketKey(ticketID), fields)
}

// RefreshTTL only ever lengthens the remaining lifetime, so a heartbeat on
// a finished ticket does not cut its result-retention window short.
func (r *RedisTicketRepository) RefreshTTL(ctx context.Context, ticketID string, ttl time.Duration) (bool, error) {
	return r.store.ExtendTTL(ctx, TicketKey(ticketID), ttl)
}

func (r *RedisTicketRepository) SetResultTTL(ctx context.Context, ticketID string, ttl time.Duration) (bool, error) {
	return r.store.Expire(ctx, TicketKey(ticketID), ttl)
}

// ListByItem scans every ticket record and keeps the well-formed ones of
// itemID. Diagnostic path only: cost is proportional to all live tickets.
func (r *RedisTicketRepository) ListByItem(ctx context.Context, itemID int64) ([]*model.Ticket, error) {
	var out []*model.Ticket
	err := r.store.ScanKeys(ctx, ticketKeyPattern, func(key string) error {
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil // expired between SCAN and HGETALL
		}
		t, err := model.TicketFromFields(fields)
		if err != nil || t.ItemID != itemID {
			return nil
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

type RedisMarkerRepository struct {
	store *RedisStore
}

func NewRedisMarkerRepository(store *RedisStore) *RedisMarkerRepository {
	return &RedisMarkerRepository{store: store}
}

func (r *RedisMarkerRepository) Refresh(ctx context.Context, itemID int64, userID string, ttl time.Duration) (bool, error) {
	return r.store.Expire(ctx, ActiveKey(itemID, userID), ttl)
}

func (r *RedisMarkerRepository) Release(ctx context.Context, itemID int64, userID, ticketID string) (bool, error) {
	return r.store.CompareAndDelete(ctx, ActiveKey(itemID, userID), ticketID)
}
