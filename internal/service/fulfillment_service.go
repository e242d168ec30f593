package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/reviewzone/reward-fulfillment/internal/allocator"
	"github.com/reviewzone/reward-fulfillment/internal/mailer"
	"github.com/reviewzone/reward-fulfillment/internal/metrics"
	"github.com/reviewzone/reward-fulfillment/internal/model"
	"github.com/reviewzone/reward-fulfillment/internal/repository"
)

// Fulfillment outcome statuses returned to the caller.
const (
	StatusFulfilled = "Fulfilled"
	StatusFailed    = "Failed"
)

// Result is the caller-visible outcome of one fulfillment attempt. The
// delivery record always reflects the same outcome.
type Result struct {
	Status   string                `json:"status"`
	Delivery *model.DeliveryRecord `json:"delivery"`
}

// FulfillmentService is the top-level workflow: load the review, reserve a
// reward unit, send the notification, and resolve the delivery record.
type FulfillmentService struct {
	db          *sqlx.DB
	reviews     *repository.ReviewRepository
	rewards     *repository.RewardRepository
	deliveries  *repository.DeliveryRepository
	alloc       *allocator.Allocator
	sender      mailer.Sender
	sendTimeout time.Duration
}

// NewFulfillmentService creates the orchestrator with direct DB access.
func NewFulfillmentService(db *sqlx.DB, alloc *allocator.Allocator, sender mailer.Sender, sendTimeout time.Duration) *FulfillmentService {
	return &FulfillmentService{
		db:          db,
		reviews:     repository.NewReviewRepository(),
		rewards:     repository.NewRewardRepository(),
		deliveries:  repository.NewDeliveryRepository(),
		alloc:       alloc,
		sender:      sender,
		sendTimeout: sendTimeout,
	}
}

// Fulfill runs the reward workflow for one review. It is safe to call
// repeatedly: a review already Sent returns the prior result without
// consuming another unit or resending, and a review whose notification
// failed retries only the send with the code already reserved for it.
//
// repository.ErrReviewNotFound is returned when the review does not exist;
// in that case there is no delivery record to update. Every other outcome
// is resolved into the delivery record before returning.
func (s *FulfillmentService) Fulfill(ctx context.Context, reviewID string) (*Result, error) {
	start := time.Now()
	outcome := "failed"
	defer func() {
		metrics.RecordFulfillDuration(outcome, time.Since(start).Seconds())
	}()

	review, product, err := s.reviews.GetReviewWithProduct(ctx, s.db, reviewID)
	if err != nil {
		return nil, err
	}

	// Idempotent short-circuit: a review already rewarded and notified is
	// done, whoever asks.
	record, err := s.deliveries.Get(ctx, s.db, reviewID)
	if err != nil && !errors.Is(err, repository.ErrDeliveryNotFound) {
		return nil, err
	}
	if record != nil && record.Status == model.DeliverySent {
		outcome = "already_sent"
		return &Result{Status: StatusFulfilled, Delivery: record}, nil
	}

	record, err = s.deliveries.EnsurePending(ctx, s.db, reviewID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if record.Status == model.DeliverySent {
		// A concurrent attempt finished between the check and the reset.
		outcome = "already_sent"
		return &Result{Status: StatusFulfilled, Delivery: record}, nil
	}

	unit, err := s.resolveUnit(ctx, review, product)
	if err != nil {
		return s.resolveAllocationFailure(ctx, reviewID, err)
	}

	subject, body := rewardMessage(unit.Code)
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	err = s.sender.Send(sendCtx, review.Email, subject, body)
	cancel()
	if err != nil {
		// The unit stays Consumed and linked: releasing it would let a
		// retry spend a second code on the same review. Only the
		// notification step is retryable from here.
		log.Printf("Failed to send reward notification for review %s: %v", reviewID, err)
		reason := fmt.Sprintf("%s: %v", model.ReasonNotificationFailed, err)
		return s.failDelivery(ctx, reviewID, reason, unit.Code)
	}

	if err := s.deliveries.MarkSent(ctx, s.db, reviewID, unit.Code, time.Now().UTC()); err != nil {
		// Lost the Pending→Sent transition to a concurrent attempt; the
		// stored record is authoritative either way.
		log.Printf("Delivery record for review %s resolved concurrently: %v", reviewID, err)
	}

	record, err = s.deliveries.Get(ctx, s.db, reviewID)
	if err != nil {
		return nil, err
	}
	if record.Status != model.DeliverySent {
		// The concurrent resolver recorded a failure; report what the
		// store says, not what this attempt hoped for.
		return &Result{Status: StatusFailed, Delivery: record}, nil
	}

	outcome = "fulfilled"
	return &Result{Status: StatusFulfilled, Delivery: record}, nil
}

// Delivery returns the delivery record for a review, for operators and the
// polling client.
func (s *FulfillmentService) Delivery(ctx context.Context, reviewID string) (*model.DeliveryRecord, error) {
	return s.deliveries.Get(ctx, s.db, reviewID)
}

// resolveUnit returns the reward unit for the review: the one already
// linked to it when this is a retry, otherwise a fresh reservation. The
// allocator is never invoked for a review that already holds a unit.
func (s *FulfillmentService) resolveUnit(ctx context.Context, review *model.Review, product *model.Product) (*model.RewardUnit, error) {
	unit, err := s.rewards.FindByReview(ctx, s.db, review.ID)
	if err == nil {
		return unit, nil
	}
	if !errors.Is(err, repository.ErrUnitNotFound) {
		return nil, err
	}

	unit, err = s.alloc.Reserve(ctx, product.Giveaway, review.UserID, review.ID)
	if errors.Is(err, repository.ErrReviewAlreadyRewarded) {
		// A concurrent attempt linked a unit to this review first; reuse it.
		return s.rewards.FindByReview(ctx, s.db, review.ID)
	}
	return unit, err
}

// resolveAllocationFailure maps an allocation error onto the delivery
// record so the audit trail always carries the outcome.
func (s *FulfillmentService) resolveAllocationFailure(ctx context.Context, reviewID string, err error) (*Result, error) {
	switch {
	case errors.Is(err, allocator.ErrNoneAvailable):
		return s.failDelivery(ctx, reviewID, model.ReasonNoneAvailable, "")
	case errors.Is(err, allocator.ErrContention):
		return s.failDelivery(ctx, reviewID, model.ReasonContention, "")
	default:
		reason := fmt.Sprintf("%s: %v", model.ReasonInternal, err)
		if _, failErr := s.failDelivery(ctx, reviewID, reason, ""); failErr != nil {
			log.Printf("Failed to record delivery failure for review %s: %v", reviewID, failErr)
		}
		return nil, err
	}
}

// failDelivery marks the delivery Failed and returns the failed result.
// The write is detached from the caller's context: the delivery record is
// the audit trail, and a cancelled request must still leave its outcome
// behind.
func (s *FulfillmentService) failDelivery(ctx context.Context, reviewID, reason, code string) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.deliveries.MarkFailed(ctx, s.db, reviewID, reason, code, time.Now().UTC()); err != nil {
		log.Printf("Failed to mark delivery failed for review %s: %v", reviewID, err)
	}

	record, err := s.deliveries.Get(ctx, s.db, reviewID)
	if err != nil {
		return nil, err
	}

	return &Result{Status: StatusFailed, Delivery: record}, nil
}

// rewardMessage composes the notification content. Rendering is fixed; real
// templating belongs to a mail platform, not this workflow.
func rewardMessage(code string) (subject, body string) {
	subject = "Your Review Reward"
	body = fmt.Sprintf(
		"<h1>Thank you for your review!</h1><p>Here's your reward coupon code: %s</p>",
		code,
	)
	return subject, body
}
