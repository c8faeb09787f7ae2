package store

import (
	"context"
	"sync"
	"time"
)

// ProcessLocker implements per-agent mutual exclusion within a single
// process. Embedded backends reuse it for AcquireAgentLock; it is not a
// distributed mutex and backends built on it must report lock_scope
// "process" from HealthCheck.
type ProcessLocker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	ch   chan struct{}
	refs int
}

// NewProcessLocker creates an empty locker.
func NewProcessLocker() *ProcessLocker {
	return &ProcessLocker{locks: make(map[string]*refLock)}
}

// Acquire blocks up to timeout for the agent lock and returns a release
// closure. The closure is idempotent.
func (l *ProcessLocker) Acquire(ctx context.Context, agentID string, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	lock := l.locks[agentID]
	if lock == nil {
		lock = &refLock{ch: make(chan struct{}, 1)}
		l.locks[agentID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, agentID)
		}
		l.mu.Unlock()
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case lock.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.ch
				release()
			})
		}, nil
	case <-timer:
		release()
		return nil, ErrLockHeld
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
