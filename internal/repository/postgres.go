// Package repository implements the domain repositories on PostgreSQL via pgx.
package repository

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kastoma-checkout/db"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ querier = (*pgxpool.Pool)(nil)
	_ querier = (pgx.Tx)(nil)
)

// migrationLock serializes schema setup between the server and the CLIs
// when they start against the same database.
const migrationLock = 7_261_536_401

const connectTimeout = 10 * time.Second

// NewPool creates a pgxpool.Pool that maps NUMERIC columns to
// shopspring/decimal and verifies connectivity before returning.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.ConnConfig.ConnectTimeout == 0 {
		cfg.ConnConfig.ConnectTimeout = connectTimeout
	}

	cfg.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to %s: %w", cfg.ConnConfig.Host, err)
	}

	return pool, nil
}

// RunMigrations applies the embedded schema. The schema is idempotent, and
// the statements run as one implicit transaction holding an advisory lock.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	sql := fmt.Sprintf("SELECT pg_advisory_xact_lock(%d);\n%s", migrationLock, db.Schema)
	if _, err := pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
