package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// unlockLua deletes a lock key only if its value still matches the caller's
// token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const defaultLockRetry = 25 * time.Millisecond

// LockManager implements domain.LockManager using SET NX with a TTL and a
// Lua-based conditional unlock. Acquire waits for a held lock until the
// context ends.
type LockManager struct {
	client   *Client
	unlockSc *redis.Script
	retry    time.Duration
}

// NewLockManager creates a LockManager that polls a held lock every retry.
// A non-positive retry uses 25ms.
func NewLockManager(c *Client, retry time.Duration) *LockManager {
	if retry <= 0 {
		retry = defaultLockRetry
	}
	return &LockManager{
		client:   c,
		unlockSc: redis.NewScript(unlockLua),
		retry:    retry,
	}
}

// Acquire obtains the lock for key with the given TTL. The returned unlock
// function is safe to call more than once. If the lock is still held when
// ctx ends, the error wraps domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.client.key("lock", key)
	rdb := lm.client.Underlying()

	for {
		ok, err := rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(lm.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("redis: acquire lock %s: %w (%w)", key, domain.ErrLockHeld, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
