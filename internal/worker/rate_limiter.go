package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderRateLimiter paces provider API calls across all workers and
// processes sharing a Redis instance. One counter per grant per minute
// window; the check-and-increment runs as a single Lua script so concurrent
// workers never double-spend the budget.
//
// Without Redis the limiter degrades to always-allow; per-call delays in the
// workers still provide local pacing.
type ProviderRateLimiter struct {
	redis         *redis.Client
	ratePerMinute int
}

// NewProviderRateLimiter creates a limiter. client may be nil.
func NewProviderRateLimiter(client *redis.Client, ratePerMinute int) *ProviderRateLimiter {
	return &ProviderRateLimiter{redis: client, ratePerMinute: ratePerMinute}
}

var rateLimitScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	if current >= limit then
		return 0
	end
	current = redis.call('INCR', key)
	if current == 1 then
		redis.call('EXPIRE', key, ttl)
	end
	return 1
`)

// Allow reports whether one more call may be made for the grant in the
// current minute window. Redis errors fail open with a log line.
func (r *ProviderRateLimiter) Allow(ctx context.Context, grantID string) bool {
	if r.redis == nil || r.ratePerMinute <= 0 {
		return true
	}

	window := time.Now().Unix() / 60
	key := fmt.Sprintf("inbox-sync:rate:%s:%d", grantID, window)

	allowed, err := rateLimitScript.Run(ctx, r.redis, []string{key}, r.ratePerMinute, 120).Int()
	if err != nil {
		log.Printf("[RateLimiter] Redis error, failing open: %v", err)
		return true
	}
	return allowed == 1
}

// Wait blocks until Allow succeeds or ctx is cancelled.
func (r *ProviderRateLimiter) Wait(ctx context.Context, grantID string) error {
	for !r.Allow(ctx, grantID) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}
