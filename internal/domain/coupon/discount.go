package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// IsValid reports whether the coupon can be applied at the given moment.
func (c *Coupon) IsValid(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if now.Before(c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return false
	}
	return true
}

// Discount calculates the discount for an order amount. Invalid coupons and
// orders below the minimum amount yield zero. The result never exceeds
// orderAmount and is rounded half-up to cents.
func (c *Coupon) Discount(orderAmount decimal.Decimal, now time.Time) decimal.Decimal {
	if !c.IsValid(now) {
		return decimal.Zero
	}
	if c.MinimumOrderAmount.Valid && orderAmount.LessThan(c.MinimumOrderAmount.Decimal) {
		return decimal.Zero
	}

	var raw decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		raw = orderAmount.Mul(c.DiscountValue).Div(hundred)
	case DiscountFixedAmount:
		raw = c.DiscountValue
	default:
		return decimal.Zero
	}

	if c.MaximumDiscountAmount.Valid {
		raw = decimal.Min(raw, c.MaximumDiscountAmount.Decimal)
	}
	raw = decimal.Min(raw, orderAmount)
	if raw.IsNegative() {
		return decimal.Zero
	}

	return raw.Round(2)
}
