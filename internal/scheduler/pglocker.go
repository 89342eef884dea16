package scheduler

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker obtains a session-scoped advisory lock via
// pg_try_advisory_lock, giving cross-replica mutual exclusion for the
// scheduler's named dispatch lock.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

func (l *PostgresLocker) TryLock(ctx context.Context, name string) (bool, func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("acquire connection for lock %q: %w", name, err)
	}

	key := lockKey(name)
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return false, nil, fmt.Errorf("pg_try_advisory_lock %q: %w", name, err)
	}
	if !acquired {
		conn.Release()
		return false, nil, nil
	}

	release := func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return true, release, nil
}
