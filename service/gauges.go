package service

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"flash-queue/metrics"
	"flash-queue/repository"
)

// StockReader reads remaining stock for the gauge loop. Both inventory
// backends implement it.
type StockReader interface {
	GetStock(ctx context.Context, itemID int64) (int64, error)
}

// StartGaugeRefresher periodically publishes queue depth and remaining
// stock for items until ctx is done.
func StartGaugeRefresher(ctx context.Context, queue repository.QueueRepository, stock StockReader, items []int64, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("gauge refresher started", "items", items, "interval", interval)

	for {
		select {
		case <-ticker.C:
			RefreshGauges(ctx, queue, stock, items, logger)
		case <-ctx.Done():
			logger.Info("gauge refresher stopped")
			return
		}
	}
}

func RefreshGauges(ctx context.Context, queue repository.QueueRepository, stock StockReader, items []int64, logger *slog.Logger) {
	for _, itemID := range items {
		label := strconv.FormatInt(itemID, 10)

		depth, err := queue.Length(ctx, itemID)
		if err != nil {
			logger.Warn("read queue depth", "item_id", itemID, "error", err)
		} else {
			metrics.QueueDepth.WithLabelValues(label).Set(float64(depth))
		}

		if stock == nil {
			continue
		}
		left, err := stock.GetStock(ctx, itemID)
		if err != nil {
			logger.Warn("read stock", "item_id", itemID, "error", err)
			continue
		}
		metrics.StockLevel.WithLabelValues(label).Set(float64(left))
	}
}
