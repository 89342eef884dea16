package scheduler

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker acquires the named, non-blocking dispatch lock §4.4 step 3 calls
// for. TryLock returns (false, nil) when the lock is already held elsewhere
// — that's a normal "skip this tick" outcome, not an error.
type Locker interface {
	TryLock(ctx context.Context, name string) (acquired bool, release func(), err error)
}

// InProcessLocker is a per-process named-mutex Locker, for the in-memory
// store and single-replica deployments. Multiple replicas must use
// PostgresLocker instead to get cross-process mutual exclusion.
type InProcessLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{locks: map[string]*sync.Mutex{}}
}

func (l *InProcessLocker) TryLock(_ context.Context, name string) (bool, func(), error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return false, nil, nil
	}
	return true, m.Unlock, nil
}

// lockKey hashes a named-lock string into the int64 space
// pg_try_advisory_lock expects.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
