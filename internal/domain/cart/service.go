package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
)

// Orders prices and places orders for a cart.
type Orders interface {
	Quote(ctx context.Context, req order.QuoteRequest) (*order.Quote, error)
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
}

// View is a cart with its current pricing.
type View struct {
	Cart
	// Quote is nil when the cart is empty or cannot be priced.
	Quote *order.Quote
	// Problem explains why a non-empty cart cannot be priced, e.g. an item
	// went out of stock after it was added.
	Problem error
}

// Service implements cart operations.
type Service struct {
	carts  Repository
	orders Orders
	now    func() time.Time
}

// NewService creates a cart service.
func NewService(carts Repository, orders Orders) *Service {
	return &Service{carts: carts, orders: orders, now: time.Now}
}

// Get returns the customer's cart priced with the given coupon and shipping
// method. Catalog changes that make the cart unsellable are reported in
// View.Problem rather than failing the call.
func (s *Service) Get(ctx context.Context, customerID, couponCode string, method pricing.ShippingMethod) (*View, error) {
	c, err := s.load(ctx, customerID)
	if err != nil {
		return nil, err
	}
	v := &View{Cart: *c}
	if len(c.Items) == 0 {
		return v, nil
	}

	q, err := s.orders.Quote(ctx, order.QuoteRequest{
		Items:          itemRequests(c.Items),
		CouponCode:     couponCode,
		ShippingMethod: method,
	})
	switch {
	case err == nil:
		v.Quote = q
	case isItemProblem(err):
		v.Problem = err
	default:
		return nil, errors.Wrap(err, "quote cart")
	}
	return v, nil
}

// AddItem adds quantity units of a product or variant, merging with an
// existing line. The merged line must be sellable.
func (s *Service) AddItem(ctx context.Context, customerID string, req order.ItemRequest) (*View, error) {
	if req.Quantity < 1 {
		return nil, &pricing.InvalidQuantityError{Quantity: req.Quantity}
	}
	c, err := s.load(ctx, customerID)
	if err != nil {
		return nil, err
	}

	merged := req
	merged.Quantity += c.Quantity(req.ProductID, req.VariantID)
	if err := s.check(ctx, merged); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.carts.AddItem(ctx, customerID, Item{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
		AddedAt:   now,
		UpdatedAt: now,
	}); err != nil {
		return nil, errors.Wrap(err, "add cart item")
	}

	zctx.From(ctx).Debug("Cart item added",
		zap.String("product_id", req.ProductID),
		zap.String("variant_id", req.VariantID),
		zap.Int("quantity", merged.Quantity),
	)
	return s.Get(ctx, customerID, "", "")
}

// UpdateItem sets the quantity of an existing line. A quantity of zero or
// less removes it.
func (s *Service) UpdateItem(ctx context.Context, customerID string, req order.ItemRequest) (*View, error) {
	if req.Quantity <= 0 {
		return s.RemoveItem(ctx, customerID, req.ProductID, req.VariantID)
	}
	c, err := s.load(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if c.Quantity(req.ProductID, req.VariantID) == 0 {
		return nil, ErrItemNotFound
	}
	if err := s.check(ctx, req); err != nil {
		return nil, err
	}

	if err := s.carts.SetQuantity(ctx, customerID, Item{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
		UpdatedAt: s.now(),
	}); err != nil {
		return nil, errors.Wrap(err, "update cart item")
	}
	return s.Get(ctx, customerID, "", "")
}

// RemoveItem deletes a line.
func (s *Service) RemoveItem(ctx context.Context, customerID, productID, variantID string) (*View, error) {
	if err := s.carts.RemoveItem(ctx, customerID, productID, variantID); err != nil {
		return nil, errors.Wrap(err, "remove cart item")
	}
	return s.Get(ctx, customerID, "", "")
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context, customerID string) (*View, error) {
	if err := s.carts.Clear(ctx, customerID); err != nil {
		return nil, errors.Wrap(err, "clear cart")
	}
	return &View{Cart: Cart{CustomerID: customerID}}, nil
}

// Checkout places an order for the cart contents and empties the cart. Items
// in req are ignored. A replayed idempotency key returns the earlier order
// and leaves the cart untouched.
func (s *Service) Checkout(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error) {
	c, err := s.load(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	// With a key the order service may still replay an earlier checkout.
	if len(c.Items) == 0 && req.IdempotencyKey == "" {
		return nil, ErrEmpty
	}

	req.Items = itemRequests(c.Items)
	res, err := s.orders.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, pricing.ErrEmptyOrder) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	if res.Replayed {
		return res, nil
	}

	// The order stands even if the cart survives.
	if err := s.carts.Clear(ctx, req.CustomerID); err != nil {
		zctx.From(ctx).Warn("Cart not cleared after checkout",
			zap.String("order_id", res.Order.ID),
			zap.Error(err),
		)
	}
	return res, nil
}

func (s *Service) load(ctx context.Context, customerID string) (*Cart, error) {
	items, err := s.carts.Items(ctx, customerID)
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	return &Cart{CustomerID: customerID, Items: items}, nil
}

// check prices a single line so that unknown products, inactive variants,
// quantity limits and stock are enforced when the cart changes.
func (s *Service) check(ctx context.Context, line order.ItemRequest) error {
	_, err := s.orders.Quote(ctx, order.QuoteRequest{Items: []order.ItemRequest{line}})
	return err
}

func itemRequests(items []Item) []order.ItemRequest {
	out := make([]order.ItemRequest, len(items))
	for i, it := range items {
		out[i] = order.ItemRequest{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity}
	}
	return out
}

// isItemProblem reports errors caused by the cart contents rather than by
// the service.
func isItemProblem(err error) bool {
	var (
		qty       *pricing.InvalidQuantityError
		noProduct *order.ProductNotFoundError
		noVariant *order.VariantNotFoundError
		noStock   *order.InsufficientStockError
	)
	return errors.As(err, &qty) ||
		errors.As(err, &noProduct) ||
		errors.As(err, &noVariant) ||
		errors.As(err, &noStock) ||
		errors.Is(err, pricing.ErrAmountTooLarge)
}
