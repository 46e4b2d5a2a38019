package model

import (
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state of a flash-sale ticket.
//
// EXPIRED is never stored: it is what a reader reports when the ticket
// record is gone from the store.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusSoldOut    Status = "SOLD_OUT"
	StatusError      Status = "ERROR"
	StatusExpired    Status = "EXPIRED"
)

// ParseStatus accepts only the states that may appear in a stored record.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusProcessing, StatusSuccess, StatusSoldOut, StatusError:
		return Status(s), nil
	case StatusExpired:
		return "", fmt.Errorf("status %s is never stored", s)
	default:
		return "", fmt.Errorf("unknown ticket status %q", s)
	}
}

// IsTerminal reports whether no further transition may leave s.
// EXPIRED counts as terminal for readers.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusSoldOut, StatusError, StatusExpired:
		return true
	case StatusQueued, StatusProcessing:
		return false
	default:
		return false
	}
}

// CanTransition enforces QUEUED -> PROCESSING -> {SUCCESS, SOLD_OUT, ERROR}.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusSuccess || next == StatusSoldOut || next == StatusError
	case StatusSuccess, StatusSoldOut, StatusError, StatusExpired:
		return false
	default:
		return false
	}
}

// Hash field names of a ticket record.
const (
	FieldTicketID   = "ticketId"
	FieldUserID     = "userId"
	FieldItemID     = "itemId"
	FieldStatus     = "status"
	FieldEnqueueSeq = "enqueueSeq"
	FieldDequeueSeq = "dequeueSeq"
	FieldOrderID    = "orderId"
	FieldCreatedAt  = "createdAt"
)

// Ticket is one user's claim on a queue slot for one scarce item.
// Zero sequence and order values mean "not assigned yet".
type Ticket struct {
	ID         string
	UserID     string
	ItemID     int64
	Status     Status
	EnqueueSeq int64
	DequeueSeq int64
	OrderID    int64
	CreatedAt  time.Time
}

// Fields renders the ticket as a hash. Unassigned numeric fields are omitted
// so that a partial record never claims a sequence of 0.
func (t *Ticket) Fields() map[string]any {
	f := map[string]any{
		FieldTicketID:  t.ID,
		FieldUserID:    t.UserID,
		FieldItemID:    strconv.FormatInt(t.ItemID, 10),
		FieldStatus:    string(t.Status),
		FieldCreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.EnqueueSeq > 0 {
		f[FieldEnqueueSeq] = strconv.FormatInt(t.EnqueueSeq, 10)
	}
	if t.DequeueSeq > 0 {
		f[FieldDequeueSeq] = strconv.FormatInt(t.DequeueSeq, 10)
	}
	if t.OrderID > 0 {
		f[FieldOrderID] = strconv.FormatInt(t.OrderID, 10)
	}
	return f
}

// TicketFromFields parses a stored hash. Identity fields (ticketId, userId,
// itemId, status) are mandatory; a record missing any of them is malformed.
func TicketFromFields(fields map[string]string) (*Ticket, error) {
	t := &Ticket{
		ID:     fields[FieldTicketID],
		UserID: fields[FieldUserID],
	}
	if t.ID == "" {
		return nil, fmt.Errorf("missing %s", FieldTicketID)
	}
	if t.UserID == "" {
		return nil, fmt.Errorf("missing %s", FieldUserID)
	}

	itemID, err := strconv.ParseInt(fields[FieldItemID], 10, 64)
	if err != nil || itemID <= 0 {
		return nil, fmt.Errorf("bad %s %q", FieldItemID, fields[FieldItemID])
	}
	t.ItemID = itemID

	if t.Status, err = ParseStatus(fields[FieldStatus]); err != nil {
		return nil, err
	}

	if t.EnqueueSeq, err = optionalInt(fields, FieldEnqueueSeq); err != nil {
		return nil, err
	}
	if t.DequeueSeq, err = optionalInt(fields, FieldDequeueSeq); err != nil {
		return nil, err
	}
	if t.OrderID, err = optionalInt(fields, FieldOrderID); err != nil {
		return nil, err
	}

	if raw := fields[FieldCreatedAt]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("bad %s %q", FieldCreatedAt, raw)
		}
		t.CreatedAt = ts
	}
	return t, nil
}

func optionalInt(fields map[string]string, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", key, raw)
	}
	return v, nil
}
