package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/reviewzone/reward-fulfillment/internal/config"
)

// DB holds the database connection
type DB struct {
	Conn *sqlx.DB
}

// NewDB creates a new database connection using config and applies the
// schema migration.
func NewDB(ctx context.Context, cfg *config.Config) (*DB, error) {
	conn, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Database.Driver, err)
	}

	// Configure connection pool. SQLite allows a single writer; more than
	// one open connection just turns reservation races into SQLITE_BUSY.
	if cfg.Database.Driver == "sqlite3" {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.Database.MaxConns)
		conn.SetMaxIdleConns(cfg.Database.MinConns)
		conn.SetConnMaxLifetime(time.Hour)
	}

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Printf("Successfully connected to %s", cfg.Database.Driver)

	return &DB{
		Conn: conn,
	}, nil
}

// migrate creates the tables if they don't exist. The DDL is kept portable
// so the same repositories run against PostgreSQL and SQLite.
func migrate(ctx context.Context, conn *sqlx.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			giveaway TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			email TEXT NOT NULL,
			product_id TEXT NOT NULL REFERENCES products(id)
		)`,
		// The UNIQUE constraint on review_id is load-bearing: it is what
		// guarantees at most one reward unit is ever linked to a review,
		// even when two fulfillment attempts race past the linked-unit
		// check at the same time.
		`CREATE TABLE IF NOT EXISTS reward_units (
			id TEXT PRIMARY KEY,
			pool TEXT NOT NULL,
			code TEXT NOT NULL,
			giveaway TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Available',
			user_id TEXT,
			review_id TEXT UNIQUE,
			consumed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reward_units_selection
			ON reward_units(pool, giveaway, status)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			review_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			coupon_code TEXT,
			fail_reason TEXT,
			sent_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if err := db.Conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
