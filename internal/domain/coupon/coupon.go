package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no coupon exists for a code.
	ErrNotFound = errors.New("coupon not found")
	// ErrNotRedeemable is returned by Redeem when the conditional increment
	// matched no row: the coupon is inactive, outside its window, or has no
	// remaining uses at write time.
	ErrNotRedeemable = errors.New("coupon cannot be redeemed")
)

// Reasons reported by Explain. They describe why CanApply is false and are
// meant for building user-facing messages.
var (
	ErrCouponInactive    = errors.New("coupon is not active")
	ErrCouponNotStarted  = errors.New("coupon is not valid yet")
	ErrCouponExpired     = errors.New("coupon expired")
	ErrMinOrderNotMet    = errors.New("minimum order amount not met")
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	ErrNegativeCartTotal = errors.New("cart total must not be negative")
)

// Coupon is a percentage discount with eligibility constraints.
type Coupon struct {
	Code            string
	Description     string
	DiscountPercent decimal.Decimal
	MinOrderAmount  decimal.Decimal
	MaxDiscount     decimal.NullDecimal
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	UsageLimit      *int
	UsedCount       int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NormalizeCode trims surrounding whitespace and upper-cases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsExpired reports whether now is past ValidUntil.
func (c *Coupon) IsExpired(now time.Time) bool {
	return c.ValidUntil != nil && now.After(*c.ValidUntil)
}

// IsValid reports whether the coupon is active and now falls inside the
// inclusive [ValidFrom, ValidUntil] window.
func (c *Coupon) IsValid(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	return !c.IsExpired(now)
}

// IsUsageLimitReached reports whether every allowed redemption is used.
func (c *Coupon) IsUsageLimitReached() bool {
	return c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit
}

// RemainingUses returns how many redemptions are left, or -1 when unlimited.
func (c *Coupon) RemainingUses() int {
	if c.UsageLimit == nil {
		return -1
	}
	if left := *c.UsageLimit - c.UsedCount; left > 0 {
		return left
	}
	return 0
}

// amountPlaces is the number of decimal places stored for percentages and
// amounts.
const amountPlaces = 2

func tooPrecise(d decimal.Decimal) bool {
	return !d.Equal(d.Round(amountPlaces))
}

// Validate checks the administrative invariants of a coupon definition.
func (c *Coupon) Validate() error {
	switch {
	case c.Code == "":
		return errors.New("code is required")
	case c.Code != NormalizeCode(c.Code):
		return errors.Errorf("code %q is not normalized", c.Code)
	case c.DiscountPercent.IsNegative() || c.DiscountPercent.GreaterThan(hundred):
		return errors.New("discount percent must be within [0, 100]")
	case c.MinOrderAmount.IsNegative():
		return errors.New("minimum order amount must not be negative")
	case c.MaxDiscount.Valid && c.MaxDiscount.Decimal.IsNegative():
		return errors.New("max discount must not be negative")
	case c.UsageLimit != nil && *c.UsageLimit < 0:
		return errors.New("usage limit must not be negative")
	case c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom):
		return errors.New("valid until precedes valid from")
	case tooPrecise(c.DiscountPercent), tooPrecise(c.MinOrderAmount),
		c.MaxDiscount.Valid && tooPrecise(c.MaxDiscount.Decimal):
		return errors.Errorf("amounts allow at most %d decimal places", amountPlaces)
	}
	return nil
}

// Repository provides lookup and mutation of coupons. Codes passed in are
// already normalized.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// Redeem increments UsedCount by one only if the coupon is still
	// redeemable at write time, and returns the updated coupon. It returns
	// ErrNotRedeemable when the guarded update matched nothing.
	Redeem(ctx context.Context, code string, now time.Time) (*Coupon, error)
	Upsert(ctx context.Context, c *Coupon) error
}
