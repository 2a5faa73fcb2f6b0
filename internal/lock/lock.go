// Package lock serializes syncs per feed. MemoryLocker covers a single
// process; PostgresLocker extends the guarantee across processes with
// session-level advisory locks.
package lock

import (
	"context"
	"sync"

	"studiosync/internal/syncerr"
)

// Locker hands out per-key exclusive locks without blocking.
type Locker interface {
	// TryLock acquires the lock for key or returns syncerr.ErrSyncInProgress.
	// The returned func releases it and must be called exactly once.
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker is a Locker for one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, syncerr.ErrSyncInProgress
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
