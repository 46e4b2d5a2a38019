package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flash-queue/internal/testutils"
	"flash-queue/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireRelease(t *testing.T) {
	env := testutils.NewRedis(t)
	locks := repository.NewRedisLockRepository(repository.NewRedisStore(env.Client))
	ctx := context.Background()

	token, ok, err := locks.TryAcquire(ctx, "flash:lock:1", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = locks.TryAcquire(ctx, "flash:lock:1", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	released, err := locks.Release(ctx, "flash:lock:1", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err = locks.TryAcquire(ctx, "flash:lock:1", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "free again after release")
}

// A holder whose lock expired and was taken over cannot release the new
// owner's lock.
func TestLock_StaleHolderCannotRelease(t *testing.T) {
	env := testutils.NewRedis(t)
	locks := repository.NewRedisLockRepository(repository.NewRedisStore(env.Client))
	ctx := context.Background()

	stale, ok, err := locks.TryAcquire(ctx, "flash:lock:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	env.Server.FastForward(2 * time.Second)

	fresh, ok, err := locks.TryAcquire(ctx, "flash:lock:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := locks.Release(ctx, "flash:lock:1", stale)
	require.NoError(t, err)
	assert.False(t, released)

	val, err := env.Server.Get("flash:lock:1")
	require.NoError(t, err)
	assert.Equal(t, fresh, val)

	released, err = locks.Release(ctx, "flash:lock:1", "")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestLock_OnlyOneConcurrentWinner(t *testing.T) {
	env := testutils.NewRedis(t)
	locks := repository.NewRedisLockRepository(repository.NewRedisStore(env.Client))
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := locks.TryAcquire(ctx, "flash:lock:7", time.Second)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestLock_StoreErrorIsNotAcquisition(t *testing.T) {
	env := testutils.NewRedis(t)
	locks := repository.NewRedisLockRepository(repository.NewRedisStore(env.Client))
	env.Server.Close()

	token, ok, err := locks.TryAcquire(context.Background(), "flash:lock:1", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)
}
