package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pharmacy-api/internal/domain/coupon"
)

const couponColumns = `code, description, discount_percent, min_order_amount, max_discount,
	valid_from, valid_until, usage_limit, used_count, is_active, created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	// The WHERE clause repeats the eligibility rules so the increment is
	// skipped when the coupon stopped being redeemable after it was read.
	redeemCouponSQL = `UPDATE coupons SET used_count = used_count + 1, updated_at = now()
		WHERE code = $1
		  AND is_active
		  AND (valid_from IS NULL OR valid_from <= $2)
		  AND (valid_until IS NULL OR valid_until >= $2)
		  AND (usage_limit IS NULL OR used_count < usage_limit)
		RETURNING ` + couponColumns

	upsertCouponSQL = `INSERT INTO coupons (code, description, discount_percent, min_order_amount,
		max_discount, valid_from, valid_until, usage_limit, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description,
			discount_percent = EXCLUDED.discount_percent,
			min_order_amount = EXCLUDED.min_order_amount,
			max_discount = EXCLUDED.max_discount,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			usage_limit = EXCLUDED.usage_limit,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		RETURNING used_count, created_at, updated_at`

	listCouponCodesSQL = `SELECT code FROM coupons`
)

var couponCopyColumns = []string{
	"code", "description", "discount_percent", "min_order_amount", "max_discount",
	"valid_from", "valid_until", "usage_limit", "is_active",
}

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its normalized code.
// Returns coupon.ErrNotFound when no coupon matches.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// Redeem increments used_count by one when the coupon is still redeemable at
// now. Returns coupon.ErrNotRedeemable when the guarded update matches no row.
func (r *CouponRepository) Redeem(ctx context.Context, code string, now time.Time) (*coupon.Coupon, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, redeemCouponSQL, code, now)
	if err != nil {
		return nil, fmt.Errorf("redeeming coupon %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotRedeemable
		}
		return nil, fmt.Errorf("redeeming coupon %q: %w", code, err)
	}
	return &c, nil
}

// Upsert creates or replaces a coupon definition. used_count is preserved.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	err := conn(ctx, r.pool).QueryRow(ctx, upsertCouponSQL,
		c.Code, c.Description, c.DiscountPercent, c.MinOrderAmount, c.MaxDiscount,
		c.ValidFrom, c.ValidUntil, c.UsageLimit, c.IsActive,
	).Scan(&c.UsedCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting coupon %q: %w", c.Code, err)
	}
	return nil
}

// ListCodes returns every stored coupon code.
func (r *CouponRepository) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listCouponCodesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupon codes: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing coupon codes: %w", err)
	}
	return codes, nil
}

// BulkInsert copies coupons that are known not to exist yet. A duplicate code
// aborts the whole copy.
func (r *CouponRepository) BulkInsert(ctx context.Context, coupons []coupon.Coupon) (int64, error) {
	n, err := conn(ctx, r.pool).CopyFrom(ctx, pgx.Identifier{"coupons"}, couponCopyColumns,
		pgx.CopyFromSlice(len(coupons), func(i int) ([]any, error) {
			c := coupons[i]
			return []any{
				c.Code, c.Description, c.DiscountPercent, c.MinOrderAmount, c.MaxDiscount,
				c.ValidFrom, c.ValidUntil, c.UsageLimit, c.IsActive,
			}, nil
		}),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("copying coupons: duplicate code: %w", err)
		}
		return 0, fmt.Errorf("copying coupons: %w", err)
	}
	return n, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c          coupon.Coupon
		usageLimit *int32
		usedCount  int32
	)
	err := row.Scan(
		&c.Code, &c.Description, &c.DiscountPercent, &c.MinOrderAmount, &c.MaxDiscount,
		&c.ValidFrom, &c.ValidUntil, &usageLimit, &usedCount, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if usageLimit != nil {
		v := int(*usageLimit)
		c.UsageLimit = &v
	}
	c.UsedCount = int(usedCount)
	return c, err
}
