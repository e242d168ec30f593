package allocator

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/reviewzone/reward-fulfillment/internal/metrics"
	"github.com/reviewzone/reward-fulfillment/internal/model"
	"github.com/reviewzone/reward-fulfillment/internal/repository"
)

var (
	// ErrNoneAvailable means neither pool holds a matching Available unit.
	ErrNoneAvailable = errors.New("no available coupon or voucher")

	// ErrContention means every attempt lost the reservation race to a
	// concurrent consumer.
	ErrContention = errors.New("reward reservation contention")
)

// Allocator selects and atomically reserves one reward unit for a review.
// Coupons pre-assigned to the user are taken before shared vouchers: a
// user's own coupon must not sit unused while the shared pool drains.
type Allocator struct {
	db          *sqlx.DB
	rewards     *repository.RewardRepository
	maxAttempts int
}

// New creates an allocator. maxAttempts bounds how often selection is
// re-run after a lost race.
func New(db *sqlx.DB, rewards *repository.RewardRepository, maxAttempts int) *Allocator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Allocator{
		db:          db,
		rewards:     rewards,
		maxAttempts: maxAttempts,
	}
}

// Reserve finds one Available unit for the giveaway and consumes it for the
// review. The Available→Consumed transition is a single conditional update;
// losing it restarts selection from the coupon pool because the old
// candidate is stale. On success exactly one unit is Consumed and linked to
// the review; on any failure no unit has changed state.
func (a *Allocator) Reserve(ctx context.Context, giveaway, userID, reviewID string) (*model.RewardUnit, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		unit, err := a.selectCandidate(ctx, giveaway, userID)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		ok, err := a.rewards.ConsumeIfAvailable(ctx, a.db, unit.ID, reviewID, userID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race. The candidate is stale; select again.
			metrics.RecordReservationConflict()
			continue
		}

		unit.Status = model.UnitConsumed
		unit.ReviewID = &reviewID
		unit.ConsumedAt = &now
		if unit.UserID == nil {
			unit.UserID = &userID
		}
		return unit, nil
	}

	return nil, ErrContention
}

// selectCandidate applies the pool precedence: the user's own coupons
// first, the shared voucher pool second.
func (a *Allocator) selectCandidate(ctx context.Context, giveaway, userID string) (*model.RewardUnit, error) {
	unit, err := a.rewards.FindCandidate(ctx, a.db, model.PoolCoupon, giveaway, userID)
	if err == nil {
		return unit, nil
	}
	if !errors.Is(err, repository.ErrUnitNotFound) {
		return nil, err
	}

	unit, err = a.rewards.FindCandidate(ctx, a.db, model.PoolVoucher, giveaway, "")
	if err == nil {
		return unit, nil
	}
	if !errors.Is(err, repository.ErrUnitNotFound) {
		return nil, err
	}

	return nil, ErrNoneAvailable
}
