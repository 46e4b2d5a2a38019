package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RedisLockRepository: SET NX PX to acquire, compare-and-delete to release.
// A holder whose TTL lapsed and whose key was re-acquired by someone else
// cannot release the new owner's lock.
type RedisLockRepository struct {
	store    *RedisStore
	newToken func() string
}

func NewRedisLockRepository(store *RedisStore) *RedisLockRepository {
	return &RedisLockRepository{
		store:    store,
		newToken: func() string { return uuid.NewString() },
	}
}

func (r *RedisLockRepository) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := r.newToken()
	ok, err := r.store.SetNX(ctx, key, token, ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (r *RedisLockRepository) Release(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return r.store.CompareAndDelete(ctx, key, token)
}
