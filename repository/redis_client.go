package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the fast-store adapter: every method is one atomic Redis
// primitive (or one Lua script, which Redis runs atomically). It is built
// once at startup and shared by reference by all Redis repositories.
type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendTTLScript raises the TTL of an existing key to at least ARGV[1] ms.
// It never shortens a TTL, never creates a key and never touches a key
// without expiry.
var extendTTLScript = redis.NewScript(`
local cur = redis.call("PTTL", KEYS[1])
if cur == -2 or cur == -1 then
  return 0
end
if cur < tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 1
`)

// hsetIfExistsScript merges ARGV pairs into the hash KEYS[1] only if the
// hash exists, so an expired record is never recreated without a TTL.
var hsetIfExistsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// claimAndWriteScript sets the marker KEYS[1] to ARGV[1] only if it is
// unset, and in the same step writes the hash KEYS[2] from the ARGV pairs
// after the TTL. Returns {1, ARGV[1]} when claimed, else {0, holder}.
var claimAndWriteScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  return {0, cur}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("HSET", KEYS[2], unpack(ARGV, 3))
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return {1, ARGV[1]}
`)

// SetNX is a conditional set with TTL.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.Client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.Client.Incr(ctx, key).Result()
}

// LPop returns ok=false when the list is empty.
func (s *RedisStore) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.Client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) LIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	v, err := s.Client.LIndex(ctx, key, index).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.Client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.Client.LLen(ctx, key).Result()
}

// HSetAll writes fields to a hash and sets its TTL in one MULTI block.
func (s *RedisStore) HSetAll(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

// HMerge merges fields into an existing hash; ok=false if the hash is gone.
func (s *RedisStore) HMerge(ctx context.Context, key string, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return s.Exists(ctx, key)
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	n, err := hsetIfExistsScript.Run(ctx, s.Client, []string{key}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimAndWrite claims markerKey for value and writes the hash fields, both
// with ttl, as one atomic step. If the marker is already held, nothing is
// written and the current holder is returned.
func (s *RedisStore) ClaimAndWrite(ctx context.Context, markerKey, value, hashKey string, fields map[string]any, ttl time.Duration) (string, bool, error) {
	args := make([]any, 0, 2+len(fields)*2)
	args = append(args, value, ttl.Milliseconds())
	for k, v := range fields {
		args = append(args, k, v)
	}
	res, err := claimAndWriteScript.Run(ctx, s.Client, []string{markerKey, hashKey}, args...).Slice()
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("claim %s: unexpected reply %v", markerKey, res)
	}
	claimed, _ := res[0].(int64)
	holder, _ := res[1].(string)
	return holder, claimed == 1, nil
}

// HGetAll returns an empty map when the hash is absent.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.Client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.Client.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire sets the TTL of an existing key; ok=false if the key is gone.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.Client.Expire(ctx, key, ttl).Result()
}

// ExtendTTL raises an existing key's TTL to at least ttl.
func (s *RedisStore) ExtendTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := extendTTLScript.Run(ctx, s.Client, []string{key}, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompareAndDelete deletes key only if it currently holds value.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.Client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ScanKeys walks keys matching pattern without blocking the server.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := s.Client.Scan(ctx, 0, pattern, 1000).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}
