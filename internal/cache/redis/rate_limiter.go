package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const minWaitPoll = 10 * time.Millisecond

// RateLimiter implements domain.RateLimiter as a sliding window over a Redis
// sorted set, evaluated atomically in Lua.
type RateLimiter struct {
	client        *Client
	slidingWindow *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		client:        c,
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

type windowResult struct {
	allowed bool
	count   int64
	retryIn time.Duration
}

func (rl *RateLimiter) take(ctx context.Context, key string, limit int, window time.Duration) (windowResult, error) {
	res, err := rl.slidingWindow.Run(ctx, rl.client.Underlying(),
		[]string{rl.client.key("ratelimit", key)},
		time.Now().UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return windowResult{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return parseWindowResult(res)
}

func parseWindowResult(res []int64) (windowResult, error) {
	if len(res) < 3 {
		return windowResult{}, fmt.Errorf("redis: rate limit: unexpected result length %d", len(res))
	}
	return windowResult{
		allowed: res[0] == 1,
		count:   res[1],
		retryIn: time.Duration(res[2]) * time.Microsecond,
	}, nil
}

// Allow reports whether a request for key fits in the window, counting it
// when it does.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.take(ctx, key, limit, window)
	if err != nil {
		return false, err
	}
	return res.allowed, nil
}

// Wait blocks until a request for key is allowed, sleeping until the oldest
// entry in the window expires between attempts.
func (rl *RateLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	for {
		res, err := rl.take(ctx, key, limit, window)
		if err != nil {
			return err
		}
		if res.allowed {
			return nil
		}

		timer := time.NewTimer(max(res.retryIn, minWaitPoll))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
