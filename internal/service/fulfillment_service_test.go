package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewzone/reward-fulfillment/internal/allocator"
	"github.com/reviewzone/reward-fulfillment/internal/config"
	"github.com/reviewzone/reward-fulfillment/internal/database"
	"github.com/reviewzone/reward-fulfillment/internal/model"
	"github.com/reviewzone/reward-fulfillment/internal/repository"
)

type sentMail struct {
	To      string
	Subject string
	Body    string
}

// fakeSender stands in for the SMTP gateway. failuresLeft makes the next N
// sends fail, after which sends succeed. onSend, when set, runs while the
// send is in flight, before the outcome is decided.
type fakeSender struct {
	mu           sync.Mutex
	sent         []sentMail
	failuresLeft int
	onSend       func(ctx context.Context)
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) error {
	if f.onSend != nil {
		f.onSend(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("smtp 421 service not available")
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite3"
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")

	db, err := database.NewDB(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func newTestService(db *database.DB, sender *fakeSender) *FulfillmentService {
	alloc := allocator.New(db.Conn, repository.NewRewardRepository(), 3)
	return NewFulfillmentService(db.Conn, alloc, sender, 5*time.Second)
}

func seedReview(t *testing.T, db *database.DB, giveaway, userID, email string) *model.Review {
	t.Helper()
	ctx := context.Background()
	reviews := repository.NewReviewRepository()

	product := &model.Product{ID: uuid.NewString(), Name: "Test Product", Giveaway: giveaway}
	require.NoError(t, reviews.CreateProduct(ctx, db.Conn, product))

	review := &model.Review{ID: uuid.NewString(), UserID: userID, Email: email, ProductID: product.ID}
	require.NoError(t, reviews.CreateReview(ctx, db.Conn, review))
	return review
}

func seedUnit(t *testing.T, db *database.DB, pool model.RewardPool, giveaway, code string, userID *string) *model.RewardUnit {
	t.Helper()
	unit := &model.RewardUnit{
		ID:       uuid.NewString(),
		Pool:     pool,
		Code:     code,
		Giveaway: giveaway,
		UserID:   userID,
	}
	require.NoError(t, repository.NewRewardRepository().CreateUnit(context.Background(), db.Conn, unit))
	return unit
}

func TestFulfill_CouponPreferredOverVoucher(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	review := seedReview(t, db, "G1", "U1", "u1@example.com")
	coupon := seedUnit(t, db, model.PoolCoupon, "G1", "C1-CODE", &review.UserID)
	voucher := seedUnit(t, db, model.PoolVoucher, "G1", "V1-CODE", nil)

	result, err := svc.Fulfill(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, result.Status)
	assert.Equal(t, model.DeliverySent, result.Delivery.Status)
	require.NotNil(t, result.Delivery.CouponCode)
	assert.Equal(t, "C1-CODE", *result.Delivery.CouponCode)
	require.NotNil(t, result.Delivery.SentAt)

	rewards := repository.NewRewardRepository()
	got, err := rewards.GetUnit(ctx, db.Conn, coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitConsumed, got.Status)
	require.NotNil(t, got.ReviewID)
	assert.Equal(t, review.ID, *got.ReviewID)

	got, err = rewards.GetUnit(ctx, db.Conn, voucher.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, got.Status)

	require.Equal(t, 1, sender.sentCount())
	assert.Equal(t, "u1@example.com", sender.sent[0].To)
	assert.Contains(t, sender.sent[0].Body, "C1-CODE")
}

func TestFulfill_VoucherFallback(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	review := seedReview(t, db, "G1", "U1", "u1@example.com")
	voucher := seedUnit(t, db, model.PoolVoucher, "G1", "V1-CODE", nil)

	result, err := svc.Fulfill(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, result.Status)
	require.NotNil(t, result.Delivery.CouponCode)
	assert.Equal(t, "V1-CODE", *result.Delivery.CouponCode)

	got, err := repository.NewRewardRepository().GetUnit(ctx, db.Conn, voucher.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitConsumed, got.Status)
	require.NotNil(t, got.ReviewID)
	assert.Equal(t, review.ID, *got.ReviewID)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "U1", *got.UserID)
}

func TestFulfill_PoolExhausted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	review := seedReview(t, db, "G1", "U1", "u1@example.com")
	other := seedUnit(t, db, model.PoolVoucher, "G2", "OTHER-CODE", nil)

	result, err := svc.Fulfill(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, model.DeliveryFailed, result.Delivery.Status)
	require.NotNil(t, result.Delivery.FailReason)
	assert.Equal(t, model.ReasonNoneAvailable, *result.Delivery.FailReason)

	// no notification, no unit mutated
	assert.Equal(t, 0, sender.sentCount())
	got, err := repository.NewRewardRepository().GetUnit(ctx, db.Conn, other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, got.Status)
}

func TestFulfill_ReviewNotFound(t *testing.T) {
	db := setupTestDB(t)
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	_, err := svc.Fulfill(context.Background(), "no-such-review")
	assert.ErrorIs(t, err, repository.ErrReviewNotFound)

	// no review means no delivery record to update
	_, err = svc.Delivery(context.Background(), "no-such-review")
	assert.ErrorIs(t, err, repository.ErrDeliveryNotFound)
	assert.Equal(t, 0, sender.sentCount())
}

func TestFulfill_IdempotentAfterSent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	review := seedReview(t, db, "G1", "U1", "u1@example.com")
	seedUnit(t, db, model.PoolCoupon, "G1", "C1-CODE", &review.UserID)
	spare := seedUnit(t, db, model.PoolVoucher, "G1", "V1-CODE", nil)

	first, err := svc.Fulfill(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFulfilled, first.Status)

	second, err := svc.Fulfill(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, second.Status)
	assert.Equal(t, model.DeliverySent, second.Delivery.Status)
	assert.Equal(t, *first.Delivery.CouponCode, *second.Delivery.CouponCode)
	require.NotNil(t, first.Delivery.SentAt)
	require.NotNil(t, second.Delivery.SentAt)
	assert.Equal(t, first.Delivery.SentAt.Unix(), second.Delivery.SentAt.Unix())

	// no second reservation, no second mail
	assert.Equal(t, 1, sender.sentCount())
	got, err := repository.NewRewardRepository().GetUnit(ctx, db.Conn, spare.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, got.Status)
}

func TestFulfill_NotificationFailurePreservesReservation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sender := &fakeSender{failuresLeft: 1}
	svc := newTestService(db, sender)

	review := seedReview(t, db, "G1", "U1", "u1@example.com")
	coupon := seedUnit(t, db, model.PoolCoupon, "G1", "C1-CODE", &review.UserID)
	spare := seedUnit(t, db, model.PoolVoucher, "G1", "V1-CODE", nil)

	result, err := svc.Fulfill(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.Delivery.FailReason)
	assert.True(t, strings.HasPrefix(*result.Delivery.FailReason, model.ReasonNotificationFailed))
	require.NotNil(t, result.Delivery.CouponCode)
	assert.Equal(t, "C1-CODE", *result.Delivery.CouponCode)

	// the consumed unit is not released back to the pool
	rewards := repository.NewRewardRepository()
	got, err := rewards.GetUnit(ctx, db.Conn, coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitConsumed, got.Status)
	require.NotNil(t, got.ReviewID)
	assert.Equal(t, review.ID, *got.ReviewID)

	// the retry resends the already reserved code instead of consuming a
	// second unit
	retry, err := svc.Fulfill(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, retry.Status)
	assert.Equal(t, "C1-CODE", *retry.Delivery.CouponCode)
	assert.Equal(t, 1, sender.sentCount())

	got, err = rewards.GetUnit(ctx, db.Conn, spare.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, got.Status)
}

func TestFulfill_CancellationAfterReservationKeepsUnit(t *testing.T) {
	db := setupTestDB(t)
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	review := seedReview(t, db, "G1", "U1", "u1@example.com")
	coupon := seedUnit(t, db, model.PoolCoupon, "G1", "C1-CODE", &review.UserID)
	spare := seedUnit(t, db, model.PoolVoucher, "G1", "V1-CODE", nil)

	// The caller gives up while the notification is in flight, after the
	// reservation has committed.
	ctx, cancel := context.WithCancel(context.Background())
	sender.onSend = func(sendCtx context.Context) {
		cancel()
		<-sendCtx.Done()
	}

	result, err := svc.Fulfill(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, model.DeliveryFailed, result.Delivery.Status)
	require.NotNil(t, result.Delivery.FailReason)
	assert.True(t, strings.HasPrefix(*result.Delivery.FailReason, model.ReasonNotificationFailed))

	// Cancellation only stops progress: the reservation is never undone.
	rewards := repository.NewRewardRepository()
	got, err := rewards.GetUnit(context.Background(), db.Conn, coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitConsumed, got.Status)
	require.NotNil(t, got.ReviewID)
	assert.Equal(t, review.ID, *got.ReviewID)

	// The delivery record survived the cancelled request context.
	record, err := svc.Delivery(context.Background(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, record.Status)

	// A fresh attempt resends the reserved code without a new allocation.
	sender.onSend = nil
	retry, err := svc.Fulfill(context.Background(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, retry.Status)
	require.NotNil(t, retry.Delivery.CouponCode)
	assert.Equal(t, "C1-CODE", *retry.Delivery.CouponCode)

	got, err = rewards.GetUnit(context.Background(), db.Conn, spare.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, got.Status)
}

func TestFulfill_CancellationBeforeReservation(t *testing.T) {
	db := setupTestDB(t)
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	review := seedReview(t, db, "G1", "U1", "u1@example.com")
	coupon := seedUnit(t, db, model.PoolCoupon, "G1", "C1-CODE", &review.UserID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Fulfill(ctx, review.ID)
	require.Error(t, err)

	// Nothing was reserved and nothing was sent.
	got, err := repository.NewRewardRepository().GetUnit(context.Background(), db.Conn, coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, got.Status)
	assert.Equal(t, 0, sender.sentCount())
}

func TestFulfill_LostSentTransitionReportsStoredStatus(t *testing.T) {
	db := setupTestDB(t)
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	review := seedReview(t, db, "G1", "U1", "u1@example.com")
	seedUnit(t, db, model.PoolCoupon, "G1", "C1-CODE", &review.UserID)

	// While the send is in flight, a concurrent resolver marks the record
	// Failed; this attempt's Pending→Sent transition must lose, and the
	// result must report the stored status rather than claim success.
	deliveries := repository.NewDeliveryRepository()
	sender.onSend = func(context.Context) {
		err := deliveries.MarkFailed(context.Background(), db.Conn, review.ID,
			model.ReasonContention, "", time.Now().UTC())
		require.NoError(t, err)
	}

	result, err := svc.Fulfill(context.Background(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, model.DeliveryFailed, result.Delivery.Status)
	require.NotNil(t, result.Delivery.FailReason)
	assert.Equal(t, model.ReasonContention, *result.Delivery.FailReason)
}

func TestFulfill_ConcurrentCallersSingleUnit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sender := &fakeSender{}
	svc := newTestService(db, sender)

	reviewA := seedReview(t, db, "G1", "U1", "u1@example.com")
	reviewB := seedReview(t, db, "G1", "U2", "u2@example.com")
	seedUnit(t, db, model.PoolVoucher, "G1", "V1-CODE", nil)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i, id := range []string{reviewA.ID, reviewB.ID} {
		wg.Add(1)
		go func(i int, reviewID string) {
			defer wg.Done()
			results[i], errs[i] = svc.Fulfill(ctx, reviewID)
		}(i, id)
	}
	wg.Wait()

	var fulfilled int
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Status == StatusFulfilled {
			fulfilled++
		} else {
			require.NotNil(t, results[i].Delivery.FailReason)
			reason := *results[i].Delivery.FailReason
			assert.True(t, reason == model.ReasonNoneAvailable || reason == model.ReasonContention,
				"unexpected failure reason %q", reason)
		}
	}
	assert.Equal(t, 1, fulfilled, "exactly one caller may consume the single unit")
	assert.Equal(t, 1, sender.sentCount())

	var consumed int
	require.NoError(t, db.Conn.GetContext(ctx, &consumed,
		db.Conn.Rebind(`SELECT COUNT(*) FROM reward_units WHERE status = ?`), model.UnitConsumed))
	assert.Equal(t, 1, consumed)
}
