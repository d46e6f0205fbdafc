package apikeys

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter decides whether one more request fits in a key's budget
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// RedisRateLimiter implements a fixed one-minute window per key in Redis so
// limits are shared across instances.
type RedisRateLimiter struct {
	redis  *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter creates a Redis-backed rate limiter
func NewRedisRateLimiter(client *redis.Client, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisRateLimiter{
		redis:  client,
		prefix: prefix,
		window: time.Minute,
		now:    time.Now,
	}
}

func (rl *RedisRateLimiter) windowKey(key string) string {
	start := rl.now().Truncate(rl.window).Unix()
	return fmt.Sprintf("%s:%s:%d", rl.prefix, key, start)
}

// Allow counts a request against key and reports whether it is within limit.
// On Redis errors it fails open and returns the error for logging.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	redisKey := rl.windowKey(key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}

// Remaining returns the requests left for key in the current window
func (rl *RedisRateLimiter) Remaining(ctx context.Context, key string, limit int) (int, error) {
	count, err := rl.redis.Get(ctx, rl.windowKey(key)).Int()
	if err == redis.Nil {
		return limit, nil
	} else if err != nil {
		return 0, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the current window of key
func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.windowKey(key)).Err()
}
