package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// DBExecutor interface for database operations (satisfied by *sqlx.DB and
// *sqlx.Tx). Queries are written with `?` placeholders and passed through
// Rebind so they run on both PostgreSQL and SQLite.
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

// Sentinel errors shared across repositories.
var (
	// ErrReviewNotFound means no review exists for the given identifier.
	ErrReviewNotFound = errors.New("review not found")

	// ErrUnitNotFound means no reward unit matched the lookup.
	ErrUnitNotFound = errors.New("reward unit not found")

	// ErrDeliveryNotFound means no delivery record exists for the review.
	ErrDeliveryNotFound = errors.New("delivery record not found")

	// ErrReviewAlreadyRewarded means a consume attempt collided with a
	// reward unit already linked to the same review.
	ErrReviewAlreadyRewarded = errors.New("review already holds a reward unit")
)

// isUniqueViolation reports whether err is a unique-constraint failure.
// Covers lib/pq ("duplicate key value violates unique constraint") and
// go-sqlite3 ("UNIQUE constraint failed").
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
