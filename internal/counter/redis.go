package counter

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore is a redis-backed Store safe for multi-instance deployments.
// Bump runs as a single Lua script so the increment, the first-bump TTL
// assignment, and the over-limit rollback are atomic.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the redis key prefix (default "quotagate:counter:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore creates a redis-backed counter store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "quotagate:counter:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// bumpScript increments the key, sets the TTL only when this call created the
// window, and rolls the increment back when the result exceeds the limit.
// KEYS[1] = counter key
// ARGV[1] = ttl in milliseconds
// ARGV[2] = max (0 = unlimited)
//
// Returns {admitted(1|0), pending, pttl_ms}.
var bumpScript = goredis.NewScript(`
local key = KEYS[1]
local ttl_ms = tonumber(ARGV[1])
local max = tonumber(ARGV[2])

local pending = redis.call("INCR", key)
if pending == 1 then
    redis.call("PEXPIRE", key, ttl_ms)
end

if max > 0 and pending > max then
    pending = redis.call("DECR", key)
    local pttl = redis.call("PTTL", key)
    if pttl < 0 then
        pttl = ttl_ms
    end
    return {0, pending, pttl}
end
return {1, pending, 0}
`)

// decScript decrements the key and deletes it at zero.
// KEYS[1] = counter key
var decScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return 0
end
local pending = redis.call("DECR", key)
if pending <= 0 then
    redis.call("DEL", key)
    return 0
end
return pending
`)

func (s *RedisStore) key(key string) string {
	return s.keyPrefix + key
}

// Bump implements Store.
func (s *RedisStore) Bump(ctx context.Context, key string, ttl time.Duration, max int64) (Result, error) {
	raw, err := bumpScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds(), max).Result()
	if err != nil {
		return Result{}, fmt.Errorf("counter bump %q: %w", key, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("counter bump %q: unexpected script reply %T", key, raw)
	}
	admitted := vals[0].(int64) == 1
	pending := vals[1].(int64)
	res := Result{
		OK:        admitted,
		Pending:   pending,
		Remaining: remaining(max, pending),
	}
	if !admitted {
		res.RetryAfter = time.Duration(vals[2].(int64)) * time.Millisecond
	}
	return res, nil
}

// Dec implements Store.
func (s *RedisStore) Dec(ctx context.Context, key string) error {
	if err := decScript.Run(ctx, s.client, []string{s.key(key)}).Err(); err != nil {
		return fmt.Errorf("counter dec %q: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(key)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter get %q: %w", key, err)
	}
	return n, nil
}
