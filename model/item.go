package model

import "time"

// ItemType separates ordinary catalog items from flash-sale items.
// Only FLASH_SALE items may be queued.
type ItemType string

const (
	ItemTypeNormal    ItemType = "NORMAL"
	ItemTypeFlashSale ItemType = "FLASH_SALE"
)

// Item is the catalog view the queue needs: type and price.
type Item struct {
	ID         int64
	Name       string
	Type       ItemType
	PriceCents int64
}

// OutcomeEvent is published once per terminal ticket transition.
type OutcomeEvent struct {
	TicketID   string    `json:"ticketId"`
	UserID     string    `json:"userId"`
	ItemID     int64     `json:"itemId"`
	Status     Status    `json:"status"`
	EnqueueSeq int64     `json:"enqueueSeq"`
	DequeueSeq int64     `json:"dequeueSeq"`
	OrderID    int64     `json:"orderId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decidedAt"`
}
