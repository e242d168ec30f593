package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reviewzone/reward-fulfillment/internal/model"
)

// RewardRepository handles reward unit data operations. It is the only
// component that transitions a unit to Consumed.
type RewardRepository struct {
}

// NewRewardRepository creates a new reward repository
func NewRewardRepository() *RewardRepository {
	return &RewardRepository{}
}

// FindCandidate returns one Available unit from the given pool for the
// giveaway. A non-empty userID restricts the search to units pre-assigned
// to that user (the coupon pool); vouchers are searched unscoped.
func (r *RewardRepository) FindCandidate(ctx context.Context, db DBExecutor, pool model.RewardPool, giveaway, userID string) (*model.RewardUnit, error) {
	query := `
		SELECT id, pool, code, giveaway, status, user_id, review_id, consumed_at
		FROM reward_units
		WHERE pool = ? AND giveaway = ? AND status = ?
	`
	args := []interface{}{pool, giveaway, model.UnitAvailable}

	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	query += `
		ORDER BY id ASC
		LIMIT 1
	`

	var unit model.RewardUnit
	if err := db.GetContext(ctx, &unit, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnitNotFound
		}
		return nil, fmt.Errorf("failed to find candidate unit: %w", err)
	}

	return &unit, nil
}

// ConsumeIfAvailable atomically transitions a unit Available→Consumed and
// links it to the review. It is a single conditional update: a concurrent
// reservation that got there first leaves zero rows affected, and the
// caller must re-run selection rather than reuse the stale candidate.
// Vouchers additionally record the consuming user; a coupon keeps the user
// it was provisioned to.
func (r *RewardRepository) ConsumeIfAvailable(ctx context.Context, db DBExecutor, unitID, reviewID, userID string, now time.Time) (bool, error) {
	query := db.Rebind(`
		UPDATE reward_units
		SET status = ?, review_id = ?, user_id = COALESCE(user_id, ?), consumed_at = ?
		WHERE id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, model.UnitConsumed, reviewID, userID, now, unitID, model.UnitAvailable)
	if err != nil {
		if isUniqueViolation(err) {
			// Another attempt already linked a unit to this review.
			return false, ErrReviewAlreadyRewarded
		}
		return false, fmt.Errorf("failed to consume reward unit: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// FindByReview returns the unit already linked to a review, if any. Retried
// fulfillments use this to resend the assigned code instead of consuming a
// second unit.
func (r *RewardRepository) FindByReview(ctx context.Context, db DBExecutor, reviewID string) (*model.RewardUnit, error) {
	query := db.Rebind(`
		SELECT id, pool, code, giveaway, status, user_id, review_id, consumed_at
		FROM reward_units
		WHERE review_id = ?
	`)

	var unit model.RewardUnit
	if err := db.GetContext(ctx, &unit, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnitNotFound
		}
		return nil, fmt.Errorf("failed to find unit by review: %w", err)
	}

	return &unit, nil
}

// GetUnit retrieves a unit by ID.
func (r *RewardRepository) GetUnit(ctx context.Context, db DBExecutor, unitID string) (*model.RewardUnit, error) {
	query := db.Rebind(`
		SELECT id, pool, code, giveaway, status, user_id, review_id, consumed_at
		FROM reward_units
		WHERE id = ?
	`)

	var unit model.RewardUnit
	if err := db.GetContext(ctx, &unit, query, unitID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnitNotFound
		}
		return nil, fmt.Errorf("failed to get reward unit: %w", err)
	}

	return &unit, nil
}

// CreateUnit stores a reward unit. Pools are provisioned by an external
// process; this exists for tests and the seeding tooling.
func (r *RewardRepository) CreateUnit(ctx context.Context, db DBExecutor, unit *model.RewardUnit) error {
	if unit.Status == "" {
		unit.Status = model.UnitAvailable
	}

	query := db.Rebind(`
		INSERT INTO reward_units (id, pool, code, giveaway, status, user_id, review_id, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := db.ExecContext(ctx, query,
		unit.ID, unit.Pool, unit.Code, unit.Giveaway, unit.Status, unit.UserID, unit.ReviewID, unit.ConsumedAt)
	if err != nil {
		return fmt.Errorf("failed to create reward unit: %w", err)
	}

	return nil
}
