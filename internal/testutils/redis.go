// Package testutils starts in-process backing services for tests.
package testutils

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// RedisEnv is a miniredis server plus a go-redis client pointed at it.
// Advance TTLs with Server.FastForward.
type RedisEnv struct {
	Server *miniredis.Miniredis
	Client *redis.Client
}

// NewRedis starts a fresh server; it is closed by t.Cleanup.
func NewRedis(t testing.TB) *RedisEnv {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:     srv.Addr(),
		PoolSize: 64,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return &RedisEnv{Server: srv, Client: client}
}
