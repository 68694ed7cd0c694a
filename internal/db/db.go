package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

type Options struct {
	MaxConns        int32
	MaxConnLifetime time.Duration
	PingTimeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxConns:        25,
		MaxConnLifetime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Database exposes one pool two ways: pgx for the conversation store and
// database/sql for the account tables.
type Database struct {
	Pool *pgxpool.Pool
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string, opts Options) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Database{Pool: pool, Conn: stdlib.OpenDBFromPool(pool)}, nil
}

func (d *Database) Close() {
	_ = d.Conn.Close()
	d.Pool.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		password VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		record JSONB NOT NULL,
		revision BIGINT NOT NULL DEFAULT 1,
		epoch BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS conversations_updated_at_idx ON conversations (updated_at DESC)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	return Migrate(ctx, d.Pool)
}

// Migrate creates every table the server needs. It is safe to run on each
// start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, query := range migrations {
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
