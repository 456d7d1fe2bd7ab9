package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// CheckResult is the outcome of checking a coupon code without applying it.
type CheckResult struct {
	Valid  bool
	Coupon *Coupon
	Reason string
}

// Resolver looks up coupons for the checkout workflow.
type Resolver struct {
	repo Repository
	now  func() time.Time
}

// NewResolver creates a Resolver backed by the given Repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// Resolve returns the coupon snapshot for code. An empty or unknown code is not
// an error: it yields a nil coupon, so checkout proceeds without a discount.
func (r *Resolver) Resolve(ctx context.Context, code string) (*Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}

	c, err := r.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			zctx.From(ctx).Warn("Unknown coupon code ignored", zap.String("coupon", code))
			return nil, nil
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if !c.IsValid(r.now()) {
		zctx.From(ctx).Info("Coupon not currently valid",
			zap.String("coupon", c.Code),
			zap.Bool("active", c.IsActive),
			zap.Int("uses", c.UsageCount),
		)
	}

	return c, nil
}

// Check reports whether code refers to a currently valid coupon.
func (r *Resolver) Check(ctx context.Context, code string) (CheckResult, error) {
	c, err := r.repo.FindByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CheckResult{Reason: "coupon does not exist"}, nil
		}
		return CheckResult{}, errors.Wrap(err, "lookup coupon")
	}

	if !c.IsValid(r.now()) {
		return CheckResult{Coupon: c, Reason: "coupon is not valid or has expired"}, nil
	}

	return CheckResult{Valid: true, Coupon: c}, nil
}
