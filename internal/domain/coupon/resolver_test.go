package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCouponRepo struct {
	coupon   *Coupon
	err      error
	lastCode string
}

func (m *mockCouponRepo) FindByCode(_ context.Context, code string) (*Coupon, error) {
	m.lastCode = code
	return m.coupon, m.err
}

func (m *mockCouponRepo) Upsert(_ context.Context, _ *Coupon) error {
	return nil
}

func newTestResolver(repo Repository) *Resolver {
	r := NewResolver(repo)
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestResolver_Resolve(t *testing.T) {
	t.Run("empty code skips lookup", func(t *testing.T) {
		repo := &mockCouponRepo{}
		got, err := newTestResolver(repo).Resolve(context.Background(), "   ")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Empty(t, repo.lastCode)
	})

	t.Run("unknown code is ignored", func(t *testing.T) {
		repo := &mockCouponRepo{err: ErrNotFound}
		got, err := newTestResolver(repo).Resolve(context.Background(), "BOGUS")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("known code returns snapshot", func(t *testing.T) {
		c := activeCoupon(DiscountPercentage, "10")
		repo := &mockCouponRepo{coupon: c}
		got, err := newTestResolver(repo).Resolve(context.Background(), " SAVE10 ")
		require.NoError(t, err)
		assert.Same(t, c, got)
		assert.Equal(t, "SAVE10", repo.lastCode)
	})

	t.Run("invalid coupon still returned", func(t *testing.T) {
		c := activeCoupon(DiscountPercentage, "10")
		c.IsActive = false
		got, err := newTestResolver(&mockCouponRepo{coupon: c}).Resolve(context.Background(), "OFF")
		require.NoError(t, err)
		assert.Same(t, c, got)
	})

	t.Run("storage error propagates", func(t *testing.T) {
		repo := &mockCouponRepo{err: errors.New("connection reset")}
		_, err := newTestResolver(repo).Resolve(context.Background(), "SAVE10")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lookup coupon")
	})
}

func TestResolver_Check(t *testing.T) {
	expired := fixedNow.Add(-time.Minute)

	tests := []struct {
		name       string
		repo       *mockCouponRepo
		wantValid  bool
		wantReason string
		wantErr    bool
	}{
		{
			name:      "valid coupon",
			repo:      &mockCouponRepo{coupon: activeCoupon(DiscountFixedAmount, "5")},
			wantValid: true,
		},
		{
			name:       "missing coupon",
			repo:       &mockCouponRepo{err: ErrNotFound},
			wantReason: "coupon does not exist",
		},
		{
			name: "expired coupon",
			repo: &mockCouponRepo{coupon: func() *Coupon {
				c := activeCoupon(DiscountFixedAmount, "5")
				c.ValidUntil = &expired
				return c
			}()},
			wantReason: "coupon is not valid or has expired",
		},
		{
			name:    "storage error",
			repo:    &mockCouponRepo{err: errors.New("timeout")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newTestResolver(tt.repo).Check(context.Background(), "CODE")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, got.Valid)
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}
