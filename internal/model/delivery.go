package model

import (
	"time"
)

// Delivery status values. A record only moves Pending→Sent or
// Pending→Failed; a retry resets Failed back to Pending.
const (
	DeliveryPending = "Pending"
	DeliverySent    = "Sent"
	DeliveryFailed  = "Failed"
)

// Failure reasons recorded on a delivery record.
const (
	ReasonNoneAvailable      = "none_available"
	ReasonContention         = "contention"
	ReasonNotificationFailed = "notification_failed"
	ReasonInternal           = "internal"
)

// DeliveryRecord tracks the notification lifecycle for one review. It is
// the audit trail of the fulfillment workflow: every outcome after the
// review was resolved ends up here.
type DeliveryRecord struct {
	ReviewID   string     `db:"review_id" json:"review_id"`
	Status     string     `db:"status" json:"status"`
	CouponCode *string    `db:"coupon_code" json:"coupon_code,omitempty"`
	FailReason *string    `db:"fail_reason" json:"fail_reason,omitempty"`
	SentAt     *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}
