// Package pricing computes order totals: line subtotals, coupon discount,
// shipping, tax and the grand total. All arithmetic uses decimal values and
// every monetary result is rounded half-up to cents.
package pricing

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyOrder is returned when totals are requested for no line items.
	ErrEmptyOrder = errors.New("order must contain at least one item")
	// ErrInvalidQuantity is matched by InvalidQuantityError.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrAmountTooLarge is returned when a line or order amount exceeds MaxAmount.
	ErrAmountTooLarge = errors.New("amount exceeds the supported maximum")
)

// MaxQuantity is the largest quantity accepted on one line.
const MaxQuantity = 10_000

// MaxAmount is the largest storable money amount, NUMERIC(10, 2).
var MaxAmount = decimal.RequireFromString("99999999.99")

// InvalidQuantityError reports the offending line item.
type InvalidQuantityError struct {
	Index    int
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	if e.Quantity > MaxQuantity {
		return fmt.Sprintf("line %d: quantity must be at most %d, got %d", e.Index, MaxQuantity, e.Quantity)
	}
	return fmt.Sprintf("line %d: quantity must be at least 1, got %d", e.Index, e.Quantity)
}

// ValidQuantity reports whether q is within 1..MaxQuantity.
func ValidQuantity(q int) bool {
	return q >= 1 && q <= MaxQuantity
}

// Is makes errors.Is(err, ErrInvalidQuantity) match.
func (e *InvalidQuantityError) Is(target error) bool {
	return target == ErrInvalidQuantity
}

// LineItem is a resolved unit price and the requested quantity.
type LineItem struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// Total returns the line total rounded to cents.
func (l LineItem) Total() decimal.Decimal {
	return Round2(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
}

// Totals is the computed money breakdown of an order.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// ShippingMethod names a flat-rate shipping option.
type ShippingMethod string

const (
	ShippingStandard      ShippingMethod = "standard"
	ShippingExpress       ShippingMethod = "express"
	ShippingOvernight     ShippingMethod = "overnight"
	ShippingInternational ShippingMethod = "international"
)

var shippingRates = map[ShippingMethod]decimal.Decimal{
	ShippingStandard:      decimal.RequireFromString("5.99"),
	ShippingExpress:       decimal.RequireFromString("12.99"),
	ShippingOvernight:     decimal.RequireFromString("24.99"),
	ShippingInternational: decimal.RequireFromString("15.99"),
}

// DefaultFreeShippingThreshold is the subtotal at which shipping becomes free.
var DefaultFreeShippingThreshold = decimal.RequireFromString("100.00")

// Normalize lower-cases and trims the method name.
func (m ShippingMethod) Normalize() ShippingMethod {
	return ShippingMethod(strings.ToLower(strings.TrimSpace(string(m))))
}

// IsKnownShippingMethod reports whether m has its own rate. Unknown methods are
// charged at the standard rate.
func IsKnownShippingMethod(m ShippingMethod) bool {
	_, ok := shippingRates[m.Normalize()]
	return ok
}

var hundred = decimal.NewFromInt(100)

// Round2 rounds d to cents, half away from zero (half-up for non-negative amounts).
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Subtotal sums the line totals. Each line is rounded before summation.
func Subtotal(items []LineItem) (decimal.Decimal, error) {
	sum := decimal.Zero
	for i, item := range items {
		if !ValidQuantity(item.Quantity) {
			return decimal.Zero, &InvalidQuantityError{Index: i, Quantity: item.Quantity}
		}
		sum = sum.Add(item.Total())
	}
	if sum.GreaterThan(MaxAmount) {
		return decimal.Zero, errors.Wrapf(ErrAmountTooLarge, "subtotal %s", sum)
	}
	return Round2(sum), nil
}

// Tax returns amount * ratePercent / 100, rounded to cents.
func Tax(amount, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.IsZero() {
		return decimal.Zero
	}
	return Round2(amount.Mul(ratePercent).Div(hundred))
}

// ShippingCost returns the flat rate for method, or zero once subtotal reaches
// threshold. Unknown methods fall back to the standard rate.
func ShippingCost(subtotal, threshold decimal.Decimal, method ShippingMethod) decimal.Decimal {
	if subtotal.GreaterThanOrEqual(threshold) {
		return decimal.Zero
	}
	if rate, ok := shippingRates[method.Normalize()]; ok {
		return rate
	}
	return shippingRates[ShippingStandard]
}
