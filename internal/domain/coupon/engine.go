package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Explain returns the first reason the coupon does not apply to cartTotal at
// now, or nil when it applies. Checks run in a fixed order: negative total,
// active flag, validity window, minimum order amount, usage limit.
func Explain(c *Coupon, cartTotal decimal.Decimal, now time.Time) error {
	switch {
	case cartTotal.IsNegative():
		return ErrNegativeCartTotal
	case !c.IsActive:
		return ErrCouponInactive
	case c.ValidFrom != nil && now.Before(*c.ValidFrom):
		return ErrCouponNotStarted
	case c.IsExpired(now):
		return ErrCouponExpired
	case cartTotal.LessThan(c.MinOrderAmount):
		return ErrMinOrderNotMet
	case c.IsUsageLimitReached():
		return ErrUsageLimitReached
	}
	return nil
}

// CanApply reports whether the coupon applies to cartTotal at now. It has no
// side effects and never fails.
func CanApply(c *Coupon, cartTotal decimal.Decimal, now time.Time) bool {
	return Explain(c, cartTotal, now) == nil
}

// ComputeDiscount returns cartTotal × DiscountPercent / 100 rounded to whole
// currency units, half away from zero, then capped by MaxDiscount and clamped
// to [0, cartTotal]. Callers check CanApply first.
func ComputeDiscount(c *Coupon, cartTotal decimal.Decimal) decimal.Decimal {
	if !cartTotal.IsPositive() {
		return decimal.Zero
	}

	amount := cartTotal.Mul(c.DiscountPercent).Div(hundred).Round(0)
	if c.MaxDiscount.Valid && amount.GreaterThan(c.MaxDiscount.Decimal) {
		amount = c.MaxDiscount.Decimal
	}
	if amount.GreaterThan(cartTotal) {
		amount = cartTotal
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// Quote is the outcome of previewing a coupon against a cart total.
type Quote struct {
	Coupon   *Coupon
	Discount decimal.Decimal
	// Reason is nil when the coupon applies.
	Reason error
}

// Applies reports whether the quoted coupon applies.
func (q *Quote) Applies() bool {
	return q.Reason == nil
}

// Engine combines coupon lookup, eligibility and redemption.
type Engine struct {
	repo Repository
	now  func() time.Time
}

// NewEngine creates an Engine backed by the given Repository.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Lookup normalizes code and fetches the coupon. It returns ErrNotFound when
// the code is unknown.
func (e *Engine) Lookup(ctx context.Context, code string) (*Coupon, error) {
	c, err := e.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	return c, nil
}

// Quote looks the coupon up and computes the discount it would grant for
// cartTotal without redeeming it.
func (e *Engine) Quote(ctx context.Context, code string, cartTotal decimal.Decimal) (*Quote, error) {
	c, err := e.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	q := &Quote{Coupon: c, Discount: decimal.Zero}
	if q.Reason = Explain(c, cartTotal, e.now()); q.Reason == nil {
		q.Discount = ComputeDiscount(c, cartTotal)
	}
	return q, nil
}

// Redeem consumes one use of the coupon. The increment is guarded in storage,
// so concurrent redemptions never exceed the usage limit.
func (e *Engine) Redeem(ctx context.Context, code string) (*Coupon, error) {
	c, err := e.repo.Redeem(ctx, NormalizeCode(code), e.now())
	if err != nil {
		if errors.Is(err, ErrNotRedeemable) {
			return nil, ErrNotRedeemable
		}
		return nil, errors.Wrap(err, "redeem coupon")
	}
	return c, nil
}

// Save validates and persists a coupon definition.
func (e *Engine) Save(ctx context.Context, c *Coupon) error {
	c.Code = NormalizeCode(c.Code)
	if err := c.Validate(); err != nil {
		return &InvalidCouponError{Err: err}
	}
	if err := e.repo.Upsert(ctx, c); err != nil {
		return errors.Wrap(err, "save coupon")
	}
	return nil
}

// InvalidCouponError wraps a coupon definition that failed validation.
type InvalidCouponError struct {
	Err error
}

func (e *InvalidCouponError) Error() string {
	return "invalid coupon: " + e.Err.Error()
}

func (e *InvalidCouponError) Unwrap() error {
	return e.Err
}
