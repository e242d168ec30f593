package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/reviewzone/reward-fulfillment/internal/model"
)

// ReviewRepository handles review and product reads. Both entities are
// owned by an external capture workflow; this service never mutates them.
type ReviewRepository struct {
}

// NewReviewRepository creates a new review repository
func NewReviewRepository() *ReviewRepository {
	return &ReviewRepository{}
}

// GetReviewWithProduct retrieves a review together with its product.
func (r *ReviewRepository) GetReviewWithProduct(ctx context.Context, db DBExecutor, reviewID string) (*model.Review, *model.Product, error) {
	query := db.Rebind(`
		SELECT id, user_id, email, product_id
		FROM reviews
		WHERE id = ?
	`)

	var review model.Review
	if err := db.GetContext(ctx, &review, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrReviewNotFound
		}
		return nil, nil, fmt.Errorf("failed to get review: %w", err)
	}

	query = db.Rebind(`
		SELECT id, name, giveaway
		FROM products
		WHERE id = ?
	`)

	var product model.Product
	if err := db.GetContext(ctx, &product, query, review.ProductID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("review %s references missing product %s", review.ID, review.ProductID)
		}
		return nil, nil, fmt.Errorf("failed to get product: %w", err)
	}

	return &review, &product, nil
}

// CreateProduct stores a product. Used by tests and the seeding tooling;
// provisioning is not part of the service API.
func (r *ReviewRepository) CreateProduct(ctx context.Context, db DBExecutor, product *model.Product) error {
	query := db.Rebind(`
		INSERT INTO products (id, name, giveaway)
		VALUES (?, ?, ?)
	`)

	if _, err := db.ExecContext(ctx, query, product.ID, product.Name, product.Giveaway); err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}

	return nil
}

// CreateReview stores a review. Used by tests and the seeding tooling.
func (r *ReviewRepository) CreateReview(ctx context.Context, db DBExecutor, review *model.Review) error {
	query := db.Rebind(`
		INSERT INTO reviews (id, user_id, email, product_id)
		VALUES (?, ?, ?, ?)
	`)

	if _, err := db.ExecContext(ctx, query, review.ID, review.UserID, review.Email, review.ProductID); err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}

	return nil
}
