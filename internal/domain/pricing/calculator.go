package pricing

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
)

// Config holds the externally supplied pricing parameters.
type Config struct {
	// FreeShippingThreshold defaults to DefaultFreeShippingThreshold when
	// unset. A zero threshold makes every order ship free.
	FreeShippingThreshold decimal.NullDecimal
	// TaxRate is a percentage, e.g. 8.25.
	TaxRate decimal.Decimal
	// DefaultShippingMethod is used when a request names none.
	DefaultShippingMethod ShippingMethod
}

// Calculator assembles order totals. It holds no mutable state and never
// modifies the coupons passed to it.
type Calculator struct {
	cfg       Config
	threshold decimal.Decimal
	now       func() time.Time
}

// NewCalculator creates a Calculator, filling defaults for unset config fields.
func NewCalculator(cfg Config) *Calculator {
	threshold := DefaultFreeShippingThreshold
	if cfg.FreeShippingThreshold.Valid {
		threshold = cfg.FreeShippingThreshold.Decimal
	}
	if cfg.DefaultShippingMethod == "" {
		cfg.DefaultShippingMethod = ShippingStandard
	}
	return &Calculator{cfg: cfg, threshold: threshold, now: time.Now}
}

// TaxRate returns the configured tax rate.
func (c *Calculator) TaxRate() decimal.Decimal {
	return c.cfg.TaxRate
}

// ShippingMethod resolves the method to charge, applying the configured default.
func (c *Calculator) ShippingMethod(m ShippingMethod) ShippingMethod {
	m = m.Normalize()
	if m == "" {
		return c.cfg.DefaultShippingMethod
	}
	return m
}

// Shipping returns the shipping cost for subtotal using the configured threshold.
func (c *Calculator) Shipping(subtotal decimal.Decimal, method ShippingMethod) decimal.Decimal {
	return ShippingCost(subtotal, c.threshold, c.ShippingMethod(method))
}

// Assemble computes the totals for items with an optional coupon. Discount,
// shipping and tax are all computed against the undiscounted subtotal; the
// total is clamped at zero and must not exceed MaxAmount.
func (c *Calculator) Assemble(
	items []LineItem,
	cp *coupon.Coupon,
	method ShippingMethod,
	taxRate decimal.Decimal,
) (Totals, error) {
	if len(items) == 0 {
		return Totals{}, ErrEmptyOrder
	}

	subtotal, err := Subtotal(items)
	if err != nil {
		return Totals{}, err
	}

	discount := decimal.Zero
	if cp != nil {
		discount = cp.Discount(subtotal, c.now())
	}

	shipping := c.Shipping(subtotal, method)
	tax := Tax(subtotal, taxRate)

	total := subtotal.Add(shipping).Add(tax).Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	if total.GreaterThan(MaxAmount) {
		return Totals{}, errors.Wrapf(ErrAmountTooLarge, "total %s", total)
	}

	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Tax:      tax,
		Total:    Round2(total),
	}, nil
}
