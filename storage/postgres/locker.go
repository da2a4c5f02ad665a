package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paywelt/billingcore/pkg/jobs"
)

func newID() string {
	return uuid.NewString()
}

// Locker implements jobs.Locker on PostgreSQL session advisory locks.
// The lock is held by a dedicated pooled connection and released by
// unlocking and returning the connection, so a crashed holder loses the
// lock when its session dies rather than leaving it stuck.
type Locker struct {
	pool *pgxpool.Pool
}

// NewLocker creates an advisory-lock based Locker sharing the storage pool.
func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// lockKey derives the bigint advisory lock key from the job name.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// Acquire implements jobs.Locker.
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	key := lockKey(name)
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, jobs.ErrJobLocked
	}

	release := func() {
		// Unlock on a fresh context: the job's context may already be
		// done by the time the lock is released.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, nil
}
