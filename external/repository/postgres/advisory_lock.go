package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock implements dispatcher.LeaderLock with
// pg_try_advisory_lock, holding one dedicated connection for the
// lifetime of the lock since advisory locks are session-scoped in
// Postgres (spec.md §5's leader election).
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

// NewAdvisoryLock hashes name to a stable int64 lock key so callers
// don't need to pick a numeric key by hand.
func NewAdvisoryLock(pool *pgxpool.Pool, name string) *AdvisoryLock {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return &AdvisoryLock{pool: pool, key: int64(h.Sum64())}
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for advisory lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	var unlocked bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&unlocked); err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}
