package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder never releases another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// retryInterval is how often a waiting Acquire polls a held key.
const retryInterval = 25 * time.Millisecond

// Redis is a Locker shared by every instance pointed at the same Redis.
// Locks are leases: a holder that dies is evicted after ttl.
type Redis struct {
	rdb      *redis.Client
	ttl      time.Duration
	wait     time.Duration
	unlockSc *redis.Script
}

// NewRedis creates a Redis-backed Locker.
func NewRedis(rdb *redis.Client, ttl, wait time.Duration) *Redis {
	return &Redis{
		rdb:      rdb,
		ttl:      ttl,
		wait:     wait,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func redisKey(key string) string {
	return "lock:" + key
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := redisKey(key)
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.rdb.SetNX(ctx, lk, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, model.FromContext(ctx.Err())
			}
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, model.ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, model.FromContext(ctx.Err())
		case <-time.After(retryInterval):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		// Background context so release succeeds even if the caller's
		// context is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err()
	}, nil
}

// Compile-time interface checks.
var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Redis)(nil)
)
