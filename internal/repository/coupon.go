package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT code, name, description, discount_type, discount_value,
		minimum_order_amount, maximum_discount_amount, usage_limit, usage_count,
		is_active, valid_from, valid_until
		FROM coupons WHERE code = UPPER($1)`

	upsertCouponSQL = `INSERT INTO coupons (code, name, description, discount_type, discount_value,
		minimum_order_amount, maximum_discount_amount, usage_limit, is_active, valid_from, valid_until)
		VALUES (UPPER($1), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type, discount_value = EXCLUDED.discount_value,
			minimum_order_amount = EXCLUDED.minimum_order_amount,
			maximum_discount_amount = EXCLUDED.maximum_discount_amount,
			usage_limit = EXCLUDED.usage_limit, is_active = EXCLUDED.is_active,
			valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until,
			updated_at = NOW()`

	// Increment only while the coupon is still redeemable. Concurrent
	// redemptions serialize on the row lock and re-evaluate the predicate.
	redeemCouponSQL = `UPDATE coupons SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE code = UPPER($1)
			AND is_active
			AND valid_from <= NOW()
			AND (valid_until IS NULL OR valid_until >= NOW())
			AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING code`

	insertCouponUsageSQL = `INSERT INTO coupon_usages (coupon_code, order_id, user_id, discount_amount)
		VALUES ($1, $2, $3, $4)`

	couponUsageOncePerOrder = "coupon_usages_once_per_order"
)

var (
	_ coupon.Repository = (*CouponRepository)(nil)
	_ coupon.Redeemer   = (*CouponRepository)(nil)
)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its code, case-insensitively.
// Returns coupon.ErrNotFound when no coupon exists.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
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

// Upsert inserts or replaces a coupon definition. The usage counter is
// preserved on update.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	_, err := r.pool.Exec(ctx, upsertCouponSQL,
		strings.TrimSpace(c.Code), c.Name, c.Description, string(c.DiscountType), c.DiscountValue,
		c.MinimumOrderAmount, c.MaximumDiscountAmount, c.UsageLimit,
		c.IsActive, c.ValidFrom, c.ValidUntil,
	)
	if err != nil {
		return fmt.Errorf("upserting coupon %q: %w", c.Code, err)
	}
	return nil
}

// Redeem records a redemption in its own transaction.
func (r *CouponRepository) Redeem(ctx context.Context, rd coupon.Redemption) error {
	return WithTx(ctx, r.pool, DefaultTxOptions(), func(tx pgx.Tx) error {
		return redeemCoupon(ctx, tx, rd)
	})
}

// redeemCoupon increments the usage counter if the coupon is still below its
// limit and records the usage row. It must run inside a transaction so that a
// duplicate usage rolls back the increment.
func redeemCoupon(ctx context.Context, q querier, rd coupon.Redemption) error {
	var code string
	err := q.QueryRow(ctx, redeemCouponSQL, rd.Code).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("redeem %q: %w", rd.Code, coupon.ErrUsageLimitReached)
		}
		return fmt.Errorf("redeem %q: %w", rd.Code, err)
	}

	if _, err := q.Exec(ctx, insertCouponUsageSQL, code, rd.OrderID, rd.UserID, rd.Discount); err != nil {
		if isUniqueViolation(err, couponUsageOncePerOrder) {
			return fmt.Errorf("redeem %q for order %q: %w", code, rd.OrderID, coupon.ErrAlreadyRedeemed)
		}
		return fmt.Errorf("recording usage of %q: %w", code, err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		usageLimit   *int32
		usageCount   int32
	)
	err := row.Scan(
		&c.Code, &c.Name, &c.Description, &discountType, &c.DiscountValue,
		&c.MinimumOrderAmount, &c.MaximumDiscountAmount, &usageLimit, &usageCount,
		&c.IsActive, &c.ValidFrom, &c.ValidUntil,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	if usageLimit != nil {
		limit := int(*usageLimit)
		c.UsageLimit = &limit
	}
	c.UsageCount = int(usageCount)
	return c, err
}
