package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// enqueueScript assigns the next enqueue sequence and appends to the list
// in one step, so list order and seq order can never disagree.
// KEYS[1] = enqueue-seq counter, KEYS[2] = queue list, ARGV[1] = ticketId
var enqueueScript = `
local seq = redis.call("INCR", KEYS[1])
redis.call("RPUSH", KEYS[2], ARGV[1])
return seq
`

type RedisQueueRepository struct {
	store *RedisStore
}

func NewRedisQueueRepository(store *RedisStore) *RedisQueueRepository {
	return &RedisQueueRepository{store: store}
}

var enqueue = redis.NewScript(enqueueScript)

func (r *RedisQueueRepository) AtomicEnqueue(ctx context.Context, itemID int64, ticketID string) (int64, error) {
	keys := []string{EnqueueSeqKey(itemID), QueueKey(itemID)}
	return enqueue.Run(ctx, r.store.Client, keys, ticketID).Int64()
}

func (r *RedisQueueRepository) PopHead(ctx context.Context, itemID int64) (string, bool, error) {
	return r.store.LPop(ctx, QueueKey(itemID))
}

func (r *RedisQueueRepository) PeekHead(ctx context.Context, itemID int64) (string, bool, error) {
	return r.store.LIndex(ctx, QueueKey(itemID), 0)
}

func (r *RedisQueueRepository) NextDequeueSeq(ctx context.Context, itemID int64) (int64, error) {
	return r.store.Incr(ctx, DequeueSeqKey(itemID))
}

func (r *RedisQueueRepository) FindPosition(ctx context.Context, itemID int64, ticketID string, scanLimit int64) (int64, bool, error) {
	if scanLimit <= 0 {
		return 0, false, nil
	}
	ids, err := r.store.LRange(ctx, QueueKey(itemID), 0, scanLimit-1)
	if err != nil {
		return 0, false, err
	}
	for i, id := range ids {
		if id == ticketID {
			return int64(i) + 1, true, nil
		}
	}
	return 0, false, nil
}

func (r *RedisQueueRepository) Length(ctx context.Context, itemID int64) (int64, error) {
	return r.store.LLen(ctx, QueueKey(itemID))
}
