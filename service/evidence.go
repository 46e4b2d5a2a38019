package service

import (
	"context"
	"sort"
	"time"

	"flash-queue/apperror"
	"flash-queue/model"
	"flash-queue/repository"
)

const (
	DefaultWinnersLimit = 50
	MaxWinnersLimit     = 2000
)

type Winner struct {
	TicketID   string `json:"ticketId"`
	UserID     string `json:"userId"`
	ItemID     int64  `json:"itemId"`
	EnqueueSeq *int64 `json:"enqueueSeq"`
	DequeueSeq *int64 `json:"dequeueSeq"`
	OrderID    *int64 `json:"orderId"`
}

// WinnersReport lets an operator check that admission followed arrival
// order: winners sorted by dequeue seq should show non-decreasing
// enqueue seqs.
type WinnersReport struct {
	ItemID                  int64    `json:"itemId"`
	SuccessCount            int      `json:"successCount"`
	Limit                   int      `json:"limit"`
	SinceSeconds            int64    `json:"sinceSeconds"`
	EnqueueSeqNonDecreasing bool     `json:"enqueueSeqNonDecreasing"`
	Winners                 []Winner `json:"winners"`
}

// EvidenceService answers the audit query over live ticket records. Only
// records still inside their result TTL are visible.
type EvidenceService struct {
	tickets repository.TicketRepository
	now     func() time.Time
}

func NewEvidenceService(tickets repository.TicketRepository) *EvidenceService {
	return &EvidenceService{tickets: tickets, now: time.Now}
}

// ClampLimit bounds a requested page size to [1, MaxWinnersLimit].
func ClampLimit(limit int) int {
	switch {
	case limit < 1:
		return 1
	case limit > MaxWinnersLimit:
		return MaxWinnersLimit
	default:
		return limit
	}
}

// Winners lists SUCCESS tickets of itemID in dequeue order. sinceSeconds > 0
// keeps only tickets created within that window.
func (s *EvidenceService) Winners(ctx context.Context, itemID int64, limit int, sinceSeconds int64) (*WinnersReport, error) {
	if itemID <= 0 {
		return nil, apperror.ErrInvalidItem
	}
	limit = ClampLimit(limit)
	if sinceSeconds < 0 {
		sinceSeconds = 0
	}

	all, err := s.tickets.ListByItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	// compared in unix seconds; any int64 window is representable
	cutoff := s.now().Unix() - sinceSeconds

	won := make([]*model.Ticket, 0, len(all))
	for _, t := range all {
		if t.Status != model.StatusSuccess {
			continue
		}
		if sinceSeconds > 0 && (t.CreatedAt.IsZero() || t.CreatedAt.Unix() < cutoff) {
			continue
		}
		won = append(won, t)
	}

	// unstamped dequeue seqs sort last
	sort.SliceStable(won, func(i, j int) bool {
		a, b := sortSeq(won[i].DequeueSeq), sortSeq(won[j].DequeueSeq)
		if a != b {
			return a < b
		}
		return sortSeq(won[i].EnqueueSeq) < sortSeq(won[j].EnqueueSeq)
	})

	report := &WinnersReport{
		ItemID:                  itemID,
		SuccessCount:            len(won),
		Limit:                   limit,
		SinceSeconds:            sinceSeconds,
		EnqueueSeqNonDecreasing: true,
		Winners:                 make([]Winner, 0, min(limit, len(won))),
	}

	var last int64
	for _, t := range won {
		if len(report.Winners) == limit {
			break
		}
		if t.EnqueueSeq > 0 {
			if t.EnqueueSeq < last {
				report.EnqueueSeqNonDecreasing = false
			}
			last = t.EnqueueSeq
		}
		report.Winners = append(report.Winners, Winner{
			TicketID:   t.ID,
			UserID:     t.UserID,
			ItemID:     t.ItemID,
			EnqueueSeq: positive(t.EnqueueSeq),
			DequeueSeq: positive(t.DequeueSeq),
			OrderID:    positive(t.OrderID),
		})
	}
	return report, nil
}

func sortSeq(v int64) int64 {
	if v <= 0 {
		return 1<<63 - 1
	}
	return v
}
