package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/pharmacy-api/internal/domain/coupon"
)

// couponMessage turns a coupon rejection into a customer-facing sentence.
func couponMessage(err error) string {
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		return "Invalid coupon code"
	case errors.Is(err, coupon.ErrCouponInactive):
		return "This coupon is no longer active"
	case errors.Is(err, coupon.ErrCouponNotStarted):
		return "This coupon is not valid yet"
	case errors.Is(err, coupon.ErrCouponExpired):
		return "This coupon has expired"
	case errors.Is(err, coupon.ErrMinOrderNotMet):
		return "Your order does not meet the minimum amount for this coupon"
	case errors.Is(err, coupon.ErrUsageLimitReached):
		return "This coupon has reached its usage limit"
	case errors.Is(err, coupon.ErrNegativeCartTotal):
		return "Cart total must not be negative"
	default:
		return "This coupon cannot be applied"
	}
}

// ValidateCoupon handles POST /api/coupons/validate. It previews the
// discount without redeeming the coupon.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var (
		code      string
		cartTotal decimal.Decimal
		hasTotal  bool
	)
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			code, err = d.Str()
		case "cartTotal":
			cartTotal, err = decodeMoney(d)
			hasTotal = true
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if coupon.NormalizeCode(code) == "" {
		fail(w, r, badRequest("code is required"))
		return
	}
	if !hasTotal || cartTotal.IsNegative() {
		fail(w, r, badRequest("cartTotal must be a non-negative number"))
		return
	}

	discount := decimal.Zero
	var reason error
	q, err := h.coupons.Quote(r.Context(), code, cartTotal)
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		reason = err
	case err != nil:
		fail(w, r, errors.Wrap(err, "quote coupon"))
		return
	default:
		reason = q.Reason
		discount = q.Discount
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("valid", func(e *jx.Encoder) { e.Bool(reason == nil) })
			e.Field("code", func(e *jx.Encoder) { e.Str(coupon.NormalizeCode(code)) })
			e.Field("discount", func(e *jx.Encoder) { encodeMoney(e, discount) })
			e.Field("total", func(e *jx.Encoder) { encodeMoney(e, cartTotal.Sub(discount)) })
			if reason != nil {
				e.Field("reason", func(e *jx.Encoder) { e.Str(couponMessage(reason)) })
			}
		})
	})
}

// UpsertCoupon handles POST /api/admin/coupons.
func (h *Handler) UpsertCoupon(w http.ResponseWriter, r *http.Request) {
	c := &coupon.Coupon{IsActive: true}
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			c.Code, err = d.Str()
		case "description":
			c.Description, err = decodeOptStr(d)
		case "discountPercent":
			c.DiscountPercent, err = decodeMoney(d)
		case "minOrderAmount":
			c.MinOrderAmount, err = decodeMoney(d)
		case "maxDiscount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			c.MaxDiscount.Decimal, err = decodeMoney(d)
			c.MaxDiscount.Valid = err == nil
		case "validFrom":
			c.ValidFrom, err = decodeOptTime(d)
		case "validUntil":
			c.ValidUntil, err = decodeOptTime(d)
		case "usageLimit":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var n int
			n, err = d.Int()
			c.UsageLimit = &n
		case "isActive":
			c.IsActive, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	if err := h.coupons.Save(r.Context(), c); err != nil {
		var invalid *coupon.InvalidCouponError
		if errors.As(err, &invalid) {
			fail(w, r, unprocessable(invalid.Err.Error()))
			return
		}
		fail(w, r, errors.Wrap(err, "save coupon"))
		return
	}
	if key, ok := APIKeyFromContext(r.Context()); ok {
		zctx.From(r.Context()).Info("Coupon saved",
			zap.String("code", c.Code),
			zap.String("key_id", key.ID),
		)
	}
	now := h.coupons.Now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCoupon(e, c, now) })
}

// GetCoupon handles GET /api/admin/coupons/{code}.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.Lookup(r.Context(), chi.URLParam(r, "code"))
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		fail(w, r, notFound("coupon not found"))
		return
	case err != nil:
		fail(w, r, errors.Wrap(err, "get coupon"))
		return
	}
	now := h.coupons.Now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCoupon(e, c, now) })
}

func decodeOptTime(d *jx.Decoder) (*time.Time, error) {
	s, err := decodeOptStr(d)
	if err != nil || s == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeCoupon writes the admin view, including fields derived at now.
// remainingUses is null for unlimited coupons.
func encodeCoupon(e *jx.Encoder, c *coupon.Coupon, now time.Time) {
	optTime := func(name string, t *time.Time) {
		e.Field(name, func(e *jx.Encoder) {
			if t == nil {
				e.Null()
				return
			}
			encodeTime(e, *t)
		})
	}
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(c.Code) })
		e.Field("description", func(e *jx.Encoder) { e.Str(c.Description) })
		e.Field("discountPercent", func(e *jx.Encoder) { e.Num(jx.Num(c.DiscountPercent.String())) })
		e.Field("minOrderAmount", func(e *jx.Encoder) { encodeMoney(e, c.MinOrderAmount) })
		e.Field("maxDiscount", func(e *jx.Encoder) {
			if !c.MaxDiscount.Valid {
				e.Null()
				return
			}
			encodeMoney(e, c.MaxDiscount.Decimal)
		})
		optTime("validFrom", c.ValidFrom)
		optTime("validUntil", c.ValidUntil)
		e.Field("usageLimit", func(e *jx.Encoder) {
			if c.UsageLimit == nil {
				e.Null()
				return
			}
			e.Int(*c.UsageLimit)
		})
		e.Field("usedCount", func(e *jx.Encoder) { e.Int(c.UsedCount) })
		e.Field("isActive", func(e *jx.Encoder) { e.Bool(c.IsActive) })
		e.Field("isExpired", func(e *jx.Encoder) { e.Bool(c.IsExpired(now)) })
		e.Field("isValid", func(e *jx.Encoder) { e.Bool(c.IsValid(now)) })
		e.Field("isUsageLimitReached", func(e *jx.Encoder) { e.Bool(c.IsUsageLimitReached()) })
		e.Field("remainingUses", func(e *jx.Encoder) {
			if n := c.RemainingUses(); n >= 0 {
				e.Int(n)
				return
			}
			e.Null()
		})
	})
}
