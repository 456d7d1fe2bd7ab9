package pricing

import (
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func nd(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(v))
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "expected %s, got %s", want, got)
}

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestCalculator(cfg Config) *Calculator {
	c := NewCalculator(cfg)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestSubtotal(t *testing.T) {
	tests := []struct {
		name    string
		items   []LineItem
		want    string
		wantErr bool
	}{
		{name: "empty", items: nil, want: "0"},
		{name: "single line", items: []LineItem{{UnitPrice: d("25.00"), Quantity: 2}}, want: "50.00"},
		{
			name: "lines rounded before summing",
			items: []LineItem{
				{UnitPrice: d("0.333"), Quantity: 3}, // 0.999 -> 1.00
				{UnitPrice: d("0.333"), Quantity: 3},
			},
			want: "2.00",
		},
		{
			name: "multiple lines",
			items: []LineItem{
				{UnitPrice: d("9.99"), Quantity: 3},
				{UnitPrice: d("0.01"), Quantity: 1},
			},
			want: "29.98",
		},
		{name: "zero quantity", items: []LineItem{{UnitPrice: d("1"), Quantity: 0}}, wantErr: true},
		{name: "negative quantity", items: []LineItem{{UnitPrice: d("1"), Quantity: -2}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Subtotal(tt.items)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidQuantity)
				var qErr *InvalidQuantityError
				require.ErrorAs(t, err, &qErr)
				assert.Equal(t, 0, qErr.Index)
				return
			}
			require.NoError(t, err)
			assertMoney(t, tt.want, got)
		})
	}
}

func TestShippingCost(t *testing.T) {
	threshold := DefaultFreeShippingThreshold

	tests := []struct {
		subtotal string
		method   ShippingMethod
		want     string
	}{
		{"100.00", ShippingStandard, "0.00"},
		{"99.99", ShippingStandard, "5.99"},
		{"150.00", ShippingOvernight, "0.00"},
		{"10.00", ShippingExpress, "12.99"},
		{"10.00", ShippingOvernight, "24.99"},
		{"10.00", ShippingInternational, "15.99"},
		{"10.00", "EXPRESS", "12.99"},
		{"10.00", " Overnight ", "24.99"},
		{"10.00", "carrier-pigeon", "5.99"},
		{"10.00", "", "5.99"},
	}

	for _, tt := range tests {
		t.Run(string(tt.method)+"@"+tt.subtotal, func(t *testing.T) {
			assertMoney(t, tt.want, ShippingCost(d(tt.subtotal), threshold, tt.method))
		})
	}
}

func TestIsKnownShippingMethod(t *testing.T) {
	assert.True(t, IsKnownShippingMethod("Express"))
	assert.True(t, IsKnownShippingMethod(ShippingInternational))
	assert.False(t, IsKnownShippingMethod("drone"))
	assert.False(t, IsKnownShippingMethod(""))
}

func TestTax(t *testing.T) {
	tests := []struct {
		amount string
		rate   string
		want   string
	}{
		{"33.33", "6.75", "2.25"}, // 2.249775
		{"50.00", "8.25", "4.13"}, // 4.125
		{"100.00", "0", "0.00"},
		{"100.00", "10", "10.00"},
		{"19.99", "7", "1.40"}, // 1.3993
		{"100.00", "-5", "-5.00"},
	}

	for _, tt := range tests {
		t.Run(tt.amount+"@"+tt.rate, func(t *testing.T) {
			assertMoney(t, tt.want, Tax(d(tt.amount), d(tt.rate)))
		})
	}
}

func TestCalculator_Assemble(t *testing.T) {
	pct20Capped := &coupon.Coupon{
		Code:                  "PCT20",
		DiscountType:          coupon.DiscountPercentage,
		DiscountValue:         d("20"),
		MaximumDiscountAmount: decimal.NewNullDecimal(d("10.00")),
		IsActive:              true,
		ValidFrom:             fixedNow.Add(-time.Hour),
	}
	fixed500 := &coupon.Coupon{
		Code:          "HUGE",
		DiscountType:  coupon.DiscountFixedAmount,
		DiscountValue: d("500"),
		IsActive:      true,
		ValidFrom:     fixedNow.Add(-time.Hour),
	}

	tests := []struct {
		name     string
		items    []LineItem
		coupon   *coupon.Coupon
		method   ShippingMethod
		taxRate  string
		want     Totals
		wantErr  error
	}{
		{
			name:    "no coupon below free shipping",
			items:   []LineItem{{UnitPrice: d("25.00"), Quantity: 2}},
			method:  ShippingStandard,
			taxRate: "8.25",
			want: Totals{
				Subtotal: d("50.00"),
				Discount: d("0.00"),
				Shipping: d("5.99"),
				Tax:      d("4.13"),
				Total:    d("60.12"),
			},
		},
		{
			name:    "capped percentage coupon with free shipping",
			items:   []LineItem{{UnitPrice: d("50.00"), Quantity: 2}},
			coupon:  pct20Capped,
			method:  ShippingExpress,
			taxRate: "10",
			want: Totals{
				Subtotal: d("100.00"),
				Discount: d("10.00"),
				Shipping: d("0.00"),
				// tax is computed on the undiscounted subtotal
				Tax:   d("10.00"),
				Total: d("100.00"),
			},
		},
		{
			name:    "discount equal to subtotal leaves shipping and tax",
			items:   []LineItem{{UnitPrice: d("10.00"), Quantity: 1}},
			coupon:  fixed500,
			method:  ShippingStandard,
			taxRate: "0",
			want: Totals{
				Subtotal: d("10.00"),
				Discount: d("10.00"),
				Shipping: d("5.99"),
				Tax:      d("0.00"),
				Total:    d("5.99"),
			},
		},
		{
			name:    "negative tax rate cannot push total below zero",
			items:   []LineItem{{UnitPrice: d("10.00"), Quantity: 1}},
			coupon:  fixed500,
			method:  ShippingStandard,
			taxRate: "-100",
			want: Totals{
				Subtotal: d("10.00"),
				Discount: d("10.00"),
				Shipping: d("5.99"),
				Tax:      d("-10.00"),
				Total:    d("0.00"),
			},
		},
		{
			name:    "unknown method falls back to standard rate",
			items:   []LineItem{{UnitPrice: d("1.00"), Quantity: 1}},
			method:  "teleport",
			taxRate: "0",
			want: Totals{
				Subtotal: d("1.00"),
				Discount: d("0"),
				Shipping: d("5.99"),
				Tax:      d("0"),
				Total:    d("6.99"),
			},
		},
		{
			name:    "empty order",
			items:   nil,
			wantErr: ErrEmptyOrder,
		},
		{
			name:    "invalid quantity",
			items:   []LineItem{{UnitPrice: d("1.00"), Quantity: 0}},
			wantErr: ErrInvalidQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCalculator(Config{})
			got, err := c.Assemble(tt.items, tt.coupon, tt.method, d(orZero(tt.taxRate)))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assertMoney(t, tt.want.Subtotal.String(), got.Subtotal)
			assertMoney(t, tt.want.Discount.String(), got.Discount)
			assertMoney(t, tt.want.Shipping.String(), got.Shipping)
			assertMoney(t, tt.want.Tax.String(), got.Tax)
			assertMoney(t, tt.want.Total.String(), got.Total)
		})
	}
}

func TestCalculator_AssembleIsIdempotent(t *testing.T) {
	limit := 3
	cp := &coupon.Coupon{
		Code:          "SAVE5",
		DiscountType:  coupon.DiscountFixedAmount,
		DiscountValue: d("5"),
		UsageLimit:    &limit,
		UsageCount:    2,
		IsActive:      true,
		ValidFrom:     fixedNow.Add(-time.Hour),
	}
	items := []LineItem{{UnitPrice: d("12.34"), Quantity: 3}}
	c := newTestCalculator(Config{TaxRate: d("7.5")})

	first, err := c.Assemble(items, cp, ShippingStandard, c.TaxRate())
	require.NoError(t, err)
	second, err := c.Assemble(items, cp, ShippingStandard, c.TaxRate())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, cp.UsageCount)
}

func TestCalculator_TotalInvariant(t *testing.T) {
	c := newTestCalculator(Config{})
	prices := []string{"0.01", "3.33", "19.99", "49.995", "120.00"}
	rates := []string{"0", "6.75", "8.25", "21"}
	coupons := []*coupon.Coupon{
		nil,
		{DiscountType: coupon.DiscountPercentage, DiscountValue: d("15"), IsActive: true},
		{DiscountType: coupon.DiscountFixedAmount, DiscountValue: d("1000"), IsActive: true},
	}

	for _, p := range prices {
		for _, r := range rates {
			for _, cp := range coupons {
				got, err := c.Assemble([]LineItem{{UnitPrice: d(p), Quantity: 3}}, cp, ShippingExpress, d(r))
				require.NoError(t, err)

				assert.False(t, got.Total.IsNegative())
				assert.True(t, got.Discount.LessThanOrEqual(got.Subtotal))
				want := got.Subtotal.Add(got.Shipping).Add(got.Tax).Sub(got.Discount)
				assert.True(t, want.Equal(got.Total), "total %s != %s", got.Total, want)
			}
		}
	}
}

func TestCalculator_Defaults(t *testing.T) {
	c := NewCalculator(Config{})
	assert.Equal(t, ShippingStandard, c.ShippingMethod(""))
	assert.Equal(t, ShippingExpress, c.ShippingMethod(" Express"))
	assertMoney(t, "0", c.Shipping(d("100"), ""))

	assertMoney(t, "5.99", c.Shipping(d("99.99"), ""))

	c = NewCalculator(Config{FreeShippingThreshold: nd("50"), DefaultShippingMethod: ShippingExpress})
	assertMoney(t, "12.99", c.Shipping(d("49.99"), ""))
	assertMoney(t, "0", c.Shipping(d("50"), ""))
}

func TestCalculator_ZeroThresholdShipsFree(t *testing.T) {
	c := NewCalculator(Config{FreeShippingThreshold: nd("0")})
	assertMoney(t, "0", c.Shipping(d("50.00"), ShippingStandard))
	assertMoney(t, "0", c.Shipping(d("0.01"), ShippingOvernight))

	got, err := c.Assemble([]LineItem{{UnitPrice: d("10.00"), Quantity: 1}}, nil, ShippingExpress, decimal.Zero)
	require.NoError(t, err)
	assertMoney(t, "0", got.Shipping)
	assertMoney(t, "10.00", got.Total)
}

func TestQuantityAndAmountLimits(t *testing.T) {
	_, err := Subtotal([]LineItem{{UnitPrice: d("1.00"), Quantity: MaxQuantity}})
	require.NoError(t, err)

	_, err = Subtotal([]LineItem{{UnitPrice: d("1.00"), Quantity: MaxQuantity + 1}})
	var qe *InvalidQuantityError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, MaxQuantity+1, qe.Quantity)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Equal(t, "line 0: quantity must be at most 10000, got 10001", err.Error())

	_, err = Subtotal([]LineItem{{UnitPrice: d("99999999.99"), Quantity: 2}})
	require.ErrorIs(t, err, ErrAmountTooLarge)

	c := newTestCalculator(Config{TaxRate: d("10")})
	_, err = c.Assemble([]LineItem{{UnitPrice: d("99999999.00"), Quantity: 1}}, nil, ShippingStandard, c.TaxRate())
	require.ErrorIs(t, err, ErrAmountTooLarge)
}

func TestInvalidQuantityError(t *testing.T) {
	err := error(&InvalidQuantityError{Index: 2, Quantity: -1})
	assert.True(t, errors.Is(err, ErrInvalidQuantity))
	assert.Equal(t, "line 2: quantity must be at least 1, got -1", err.Error())
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
