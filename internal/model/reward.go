package model

import (
	"time"
)

// RewardPool discriminates the two reward pools. They share one shape and
// one table; only selection scoping differs (coupons are pre-assigned to a
// user, vouchers are shared).
type RewardPool string

const (
	PoolCoupon  RewardPool = "coupon"
	PoolVoucher RewardPool = "voucher"
)

// Reward unit status values.
const (
	UnitAvailable = "Available"
	UnitConsumed  = "Consumed"
)

// RewardUnit represents a single-use reward code in the database.
type RewardUnit struct {
	ID         string     `db:"id" json:"id"`
	Pool       RewardPool `db:"pool" json:"pool"`
	Code       string     `db:"code" json:"code"`
	Giveaway   string     `db:"giveaway" json:"giveaway"`
	Status     string     `db:"status" json:"status"`
	UserID     *string    `db:"user_id" json:"user_id,omitempty"`
	ReviewID   *string    `db:"review_id" json:"review_id,omitempty"`
	ConsumedAt *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
}
