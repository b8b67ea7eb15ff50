package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shelfsight/insight-engine/pkg/config"
)

// Querier is the pool surface the repositories use. pgxpool.Pool satisfies
// it in production; pgxmock satisfies it in unit tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// DB wraps a pgx connection pool.
type DB struct {
	Querier
}

// NewConnection creates a new database connection pool from configuration.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 25
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Querier: pool}, nil
}

// NewFromPool wraps an existing pool (used by tests).
func NewFromPool(pool *pgxpool.Pool) *DB {
	return &DB{Querier: pool}
}

// NewFromQuerier wraps any Querier implementation (used by unit tests with
// a mocked pool).
func NewFromQuerier(q Querier) *DB {
	return &DB{Querier: q}
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Querier.Close()
}
