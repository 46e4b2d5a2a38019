package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flash-queue/apperror"
	"flash-queue/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FlashItem is the catalog row; stock is decremented in place.
type FlashItem struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"column:name;size:100;not null"`
	ItemType   string `gorm:"column:item_type;size:20;not null"`
	PriceCents int64  `gorm:"column:price_cents;not null"`
	Stock      int64  `gorm:"column:stock;not null"`
}

func (FlashItem) TableName() string {
	return "flash_items"
}

// FlashOrder is the single-unit order written for a winning ticket.
type FlashOrder struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:64;not null;index"`
	ItemID    int64     `gorm:"column:item_id;not null"`
	Quantity  int       `gorm:"column:quantity;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (FlashOrder) TableName() string {
	return "flash_orders"
}

// FlashOutcome is the ledger row for one terminal ticket transition.
type FlashOutcome struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	TicketID   string    `gorm:"column:ticket_id;size:64;not null;uniqueIndex"`
	UserID     string    `gorm:"column:user_id;size:64;not null"`
	ItemID     int64     `gorm:"column:item_id;not null;index"`
	Status     string    `gorm:"column:status;size:20;not null"`
	EnqueueSeq int64     `gorm:"column:enqueue_seq"`
	DequeueSeq int64     `gorm:"column:dequeue_seq"`
	OrderID    int64     `gorm:"column:order_id"`
	Reason     string    `gorm:"column:reason;size:255"`
	DecidedAt  time.Time `gorm:"column:decided_at"`
}

func (FlashOutcome) TableName() string {
	return "flash_outcomes"
}

// MySQLRepository is the catalog, the inventory reservoir, the order writer
// and the outcome ledger.
type MySQLRepository struct {
	DB *gorm.DB
}

func NewMySQLRepository(db *gorm.DB) *MySQLRepository {
	return &MySQLRepository{
		DB: db,
	}
}

func (r *MySQLRepository) Migrate() error {
	return r.DB.AutoMigrate(&FlashItem{}, &FlashOrder{}, &FlashOutcome{})
}

// SeedItem creates or overwrites a catalog row, resetting its stock.
func (r *MySQLRepository) SeedItem(ctx context.Context, item model.Item, stock int64) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&FlashItem{
		ID:         item.ID,
		Name:       item.Name,
		ItemType:   string(item.Type),
		PriceCents: item.PriceCents,
		Stock:      stock,
	}).Error
}

func (r *MySQLRepository) GetItem(ctx context.Context, itemID int64) (*model.Item, error) {
	var row FlashItem
	err := r.DB.WithContext(ctx).Where("id = ?", itemID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model.Item{
		ID:         row.ID,
		Name:       row.Name,
		Type:       model.ItemType(row.ItemType),
		PriceCents: row.PriceCents,
	}, nil
}

// Reserve is one conditional UPDATE; no read precedes it. Exactly one
// matched row means the stock was taken.
func (r *MySQLRepository) Reserve(ctx context.Context, itemID int64, qty int) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("reserve qty must be positive, got %d", qty)
	}
	result := r.DB.WithContext(ctx).Model(&FlashItem{}).
		Where("id = ? AND stock >= ?", itemID, qty).
		Update("stock", gorm.Expr("stock - ?", qty))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetStock is for gauges and tests; never use it to decide a reservation.
func (r *MySQLRepository) GetStock(ctx context.Context, itemID int64) (int64, error) {
	var row FlashItem
	err := r.DB.WithContext(ctx).Select("stock").Where("id = ?", itemID).First(&row).Error
	return row.Stock, err
}

func (r *MySQLRepository) CreateOrder(ctx context.Context, userID string, itemID int64, qty int) (int64, error) {
	order := &FlashOrder{
		UserID:   userID,
		ItemID:   itemID,
		Quantity: qty,
	}
	if err := r.DB.WithContext(ctx).Create(order).Error; err != nil {
		return 0, err
	}
	return order.ID, nil
}

// SaveOutcome inserts the ledger row, ignoring a redelivered event for the
// same ticket. Returns false when the row already existed.
func (r *MySQLRepository) SaveOutcome(ev model.OutcomeEvent) (bool, error) {
	result := r.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&FlashOutcome{
		TicketID:   ev.TicketID,
		UserID:     ev.UserID,
		ItemID:     ev.ItemID,
		Status:     string(ev.Status),
		EnqueueSeq: ev.EnqueueSeq,
		DequeueSeq: ev.DequeueSeq,
		OrderID:    ev.OrderID,
		Reason:     ev.Reason,
		DecidedAt:  ev.DecidedAt,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
