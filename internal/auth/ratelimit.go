package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter backed by Redis INCR + EXPIRE.
type RateLimiter struct {
	rdb *redis.Client
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{rdb: rdb}
}

// Allow increments the counter for (bucket, key) and reports whether the
// count stays within max for the window. The first increment sets the expiry.
func (rl *RateLimiter) Allow(ctx context.Context, bucket, key string, max int64, window time.Duration) (bool, error) {
	redisKey := fmt.Sprintf("ratelimit:%s:%s", bucket, key)

	count, err := rl.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	if count == 1 {
		if err := rl.rdb.Expire(ctx, redisKey, window).Err(); err != nil {
			return false, fmt.Errorf("setting rate limit expiry: %w", err)
		}
	}
	return count <= max, nil
}
