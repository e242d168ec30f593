package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reviewzone/reward-fulfillment/internal/model"
)

// DeliveryRepository handles delivery record bookkeeping. Status moves only
// Pending→Sent or Pending→Failed, and Failed back to Pending on a retry;
// every transition is a conditional update so a stale writer loses cleanly.
type DeliveryRepository struct {
}

// NewDeliveryRepository creates a new delivery repository
func NewDeliveryRepository() *DeliveryRepository {
	return &DeliveryRepository{}
}

// Get retrieves the delivery record for a review.
func (r *DeliveryRepository) Get(ctx context.Context, db DBExecutor, reviewID string) (*model.DeliveryRecord, error) {
	query := db.Rebind(`
		SELECT review_id, status, coupon_code, fail_reason, sent_at, updated_at
		FROM deliveries
		WHERE review_id = ?
	`)

	var record model.DeliveryRecord
	if err := db.GetContext(ctx, &record, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get delivery record: %w", err)
	}

	return &record, nil
}

// EnsurePending creates the delivery record in Pending state, or resets an
// existing Failed record back to Pending for a retry. A Sent record is left
// untouched and returned as-is so the caller can short-circuit.
func (r *DeliveryRepository) EnsurePending(ctx context.Context, db DBExecutor, reviewID string, now time.Time) (*model.DeliveryRecord, error) {
	insert := db.Rebind(`
		INSERT INTO deliveries (review_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (review_id) DO NOTHING
	`)

	if _, err := db.ExecContext(ctx, insert, reviewID, model.DeliveryPending, now); err != nil {
		return nil, fmt.Errorf("failed to create delivery record: %w", err)
	}

	reset := db.Rebind(`
		UPDATE deliveries
		SET status = ?, fail_reason = NULL, updated_at = ?
		WHERE review_id = ? AND status = ?
	`)

	if _, err := db.ExecContext(ctx, reset, model.DeliveryPending, now, reviewID, model.DeliveryFailed); err != nil {
		return nil, fmt.Errorf("failed to reset delivery record: %w", err)
	}

	return r.Get(ctx, db, reviewID)
}

// MarkSent transitions Pending→Sent, recording the delivered code and the
// send timestamp. Succeeds only from Pending; anything else means another
// attempt already resolved the record.
func (r *DeliveryRepository) MarkSent(ctx context.Context, db DBExecutor, reviewID, code string, now time.Time) error {
	query := db.Rebind(`
		UPDATE deliveries
		SET status = ?, coupon_code = ?, fail_reason = NULL, sent_at = ?, updated_at = ?
		WHERE review_id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, model.DeliverySent, code, now, now, reviewID, model.DeliveryPending)
	if err != nil {
		return fmt.Errorf("failed to mark delivery sent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delivery record for review %s is not pending", reviewID)
	}

	return nil
}

// MarkFailed transitions Pending→Failed with the failure reason. When a
// code was already assigned to the review it is recorded too, so a retry of
// the notification step can be diagnosed against the reserved unit. An
// empty code leaves any previously recorded code in place.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, db DBExecutor, reviewID, reason, code string, now time.Time) error {
	query := db.Rebind(`
		UPDATE deliveries
		SET status = ?, fail_reason = ?, coupon_code = COALESCE(NULLIF(?, ''), coupon_code), updated_at = ?
		WHERE review_id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, model.DeliveryFailed, reason, code, now, reviewID, model.DeliveryPending)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delivery record for review %s is not pending", reviewID)
	}

	return nil
}
