package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter shares client token buckets across replicas through Redis.
type RedisLimiter struct {
	client redis.Scripter
	rps    float64
	burst  int
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by the Redis at addr.
func NewRedisLimiter(addr, password string, db int, rps float64, burst int) *RedisLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return newRedisLimiter(rdb, rps, burst)
}

func newRedisLimiter(client redis.Scripter, rps float64, burst int) *RedisLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{client: client, rps: rps, burst: burst, prefix: "qart:ratelimit:", now: time.Now}
}

// Ping checks connectivity.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	if c, ok := l.client.(*redis.Client); ok {
		return c.Ping(ctx).Err()
	}
	return nil
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	if c, ok := l.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.rps, l.burst, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}
