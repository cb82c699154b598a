package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rickgao/hirestream/internal/config"
)

// Execer runs DDL. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schema holds the statements EnsureSchema applies, in order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS application_status_events (
		event_id       UUID PRIMARY KEY,
		application_id TEXT NOT NULL,
		job_id         TEXT,
		status         TEXT NOT NULL,
		received_at    TIMESTAMPTZ NOT NULL,
		payload        JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS application_status_events_application_idx
		ON application_status_events (application_id, received_at DESC)`,
}

// Connect creates a connection pool. Returns ErrDisabled when cfg is off.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the status event table and its index if missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
