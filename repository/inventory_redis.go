package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// reserveScript subtracts ARGV[1] from the stock counter only if enough
// stock remains. Returns the new stock, or -1 when declined.
var reserveScript = redis.NewScript(`
local stock = tonumber(redis.call("GET", KEYS[1]))
local qty = tonumber(ARGV[1])
if stock and stock >= qty then
  return redis.call("DECRBY", KEYS[1], qty)
end
return -1
`)

// RedisInventoryRepository keeps per-item stock counters in Redis.
type RedisInventoryRepository struct {
	store *RedisStore
}

func NewRedisInventoryRepository(store *RedisStore) *RedisInventoryRepository {
	return &RedisInventoryRepository{store: store}
}

func (r *RedisInventoryRepository) Reserve(ctx context.Context, itemID int64, qty int) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("reserve qty must be positive, got %d", qty)
	}
	val, err := reserveScript.Run(ctx, r.store.Client, []string{StockKey(itemID)}, qty).Int64()
	if err != nil {
		return false, err
	}
	return val >= 0, nil
}

func (r *RedisInventoryRepository) SetStock(ctx context.Context, itemID int64, stock int64) error {
	return r.store.Client.Set(ctx, StockKey(itemID), stock, 0).Err()
}

// GetStock returns 0 for an item with no stock counter.
func (r *RedisInventoryRepository) GetStock(ctx context.Context, itemID int64) (int64, error) {
	val, err := r.store.Client.Get(ctx, StockKey(itemID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}
