package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/strata/internal/shared"
)

const unlockTimeout = 5 * time.Second

// PostgresLocker uses session-level advisory locks, so workers on different
// hosts sharing one database exclude each other. Each held lock pins one
// pooled connection until it is released.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

// NewPostgresLocker connects to databaseURL and checks the connection.
func NewPostgresLocker(ctx context.Context, databaseURL string) (*PostgresLocker, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("lock: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("lock: ping postgres: %w", err)
	}
	return &PostgresLocker{pool: pool}, nil
}

// NewPostgresLockerFromPool wraps an existing pool. The caller keeps
// ownership of the pool.
func NewPostgresLockerFromPool(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// Close closes the underlying pool.
func (l *PostgresLocker) Close() {
	l.pool.Close()
}

// TryAcquire takes the advisory lock of agentID or returns ErrLockHeld.
func (l *PostgresLocker) TryAcquire(ctx context.Context, agentID string) (*Guard, error) {
	if err := shared.ValidateAgentID(agentID); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	key := advisoryKey(agentID)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock: try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, ErrLockHeld
	}

	return newGuard(agentID, func() error {
		uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		var unlocked bool
		err := conn.QueryRow(uctx, "SELECT pg_advisory_unlock($1)", key).Scan(&unlocked)
		if err != nil || !unlocked {
			// Closing the session drops every advisory lock it holds.
			_ = conn.Conn().Close(uctx)
		}
		conn.Release()
		if err != nil {
			return fmt.Errorf("lock: advisory unlock: %w", err)
		}
		return nil
	}), nil
}

// advisoryKey maps an agent id onto the bigint advisory lock space.
func advisoryKey(agentID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("strata:" + agentID))
	return int64(h.Sum64())
}
