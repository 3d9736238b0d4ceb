// Package lock provides single-writer locks scoped to one market or one
// account. Every acquisition has a bounded wait; contention past the wait
// surfaces as model.ErrBusy so callers can retry instead of blocking.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

// Locker hands out exclusive locks by key. The returned release function is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// MarketKey is the lock key guarding a market's state and trade set.
func MarketKey(id string) string { return "market:" + id }

// AccountKey is the lock key guarding a user's ledger.
func AccountKey(userID string) string { return "account:" + userID }

// AcquireAll takes the keys in the given order and returns a release that
// frees them in reverse. If any acquisition fails, the keys already held
// are released. Callers must use a consistent order (market before account).
func AcquireAll(ctx context.Context, l Locker, keys ...string) (func(), error) {
	held := make([]func(), 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, k := range keys {
		rel, err := l.Acquire(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, rel)
	}
	return release, nil
}

// Local is an in-process Locker for single-instance deployments.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates a Locker that waits at most wait for a held key.
func NewLocal(wait time.Duration) *Local {
	return &Local{
		wait:  wait,
		slots: make(map[string]*slot),
	}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		l.drop(key, s)
		return nil, model.ErrBusy
	case <-ctx.Done():
		l.drop(key, s)
		return nil, model.FromContext(ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
	}, nil
}

// drop releases one reference and forgets idle slots.
func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
