package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrJobLocked is returned when another runner holds the lock for the
// same job name. The caller yields; the holder completes the work.
var ErrJobLocked = errors.New("job is locked by another runner")

// Locker serializes executions of the same job name. Different names are
// independent and may run fully in parallel. Implementations: in-process
// (here), Postgres advisory locks (storage/postgres), Redis
// (storage/redis).
type Locker interface {
	// Acquire takes the named lock, or returns ErrJobLocked if it is
	// held. The returned release function must be called exactly once.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// MemoryLocker is a process-local Locker for single-instance deployments
// and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker creates a process-local Locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, ErrJobLocked
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
	}, nil
}
