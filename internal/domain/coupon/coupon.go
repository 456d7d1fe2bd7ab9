package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the order amount.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixedAmount takes a fixed monetary amount off the order.
	DiscountFixedAmount DiscountType = "fixed_amount"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixedAmount
}

var (
	// ErrNotFound is returned when no coupon exists for a code.
	ErrNotFound = errors.New("coupon not found")
	// ErrUsageLimitReached is returned when a redemption would push a coupon
	// past its usage limit, or the coupon was deactivated in the meantime.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrAlreadyRedeemed is returned when the coupon was already redeemed for the order.
	ErrAlreadyRedeemed = errors.New("coupon already redeemed for order")
)

// Coupon is a snapshot of a discount coupon as stored. Calculations only ever
// read it; usage is recorded through Repository.Redeem.
type Coupon struct {
	Code        string
	Name        string
	Description string

	DiscountType  DiscountType
	DiscountValue decimal.Decimal

	// MinimumOrderAmount and MaximumDiscountAmount are optional (Valid=false when unset).
	MinimumOrderAmount    decimal.NullDecimal
	MaximumDiscountAmount decimal.NullDecimal

	// UsageLimit is nil for unlimited coupons.
	UsageLimit *int
	UsageCount int

	IsActive   bool
	ValidFrom  time.Time
	ValidUntil *time.Time
}

// Redemption is the commit intent produced when an order applies a coupon.
// Storage executes it at most once per order.
type Redemption struct {
	Code     string
	OrderID  string
	UserID   string
	Discount decimal.Decimal
}

// Repository provides lookup and mutation of coupons.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	Upsert(ctx context.Context, c *Coupon) error
}

// Redeemer records a redemption. Implementations must increment the usage
// counter only if it is still below the limit, in a single atomic step, and
// must reject a second redemption for the same order.
type Redeemer interface {
	Redeem(ctx context.Context, r Redemption) error
}
