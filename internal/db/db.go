package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/migrations"
)

// apiConns is the headroom kept for HTTP handlers, the event stream and the
// maintenance tick on top of the job workers.
const apiConns = 10

// poolSize returns the max and min pool sizes for the configured job concurrency.
// A sync pass holds at most one connection at a time.
func poolSize(cfg *config.Config) (maxConns, minConns int32) {
	workers := int32(max(cfg.JobConcurrency, 1))
	return workers + apiConns, min(workers, 5)
}

// NewConnection opens the PostgreSQL pool shared by the API, the job workers
// and the maintenance loop.
func NewConnection(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns, poolConfig.MinConns = poolSize(cfg)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// CloseConnection closes the given database connection pool.
func CloseConnection(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

// Migrate applies pending schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if err := migrations.Apply(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
