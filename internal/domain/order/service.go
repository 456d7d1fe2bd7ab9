package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
	"github.com/xenking/kastoma-checkout/internal/domain/product"
)

const instrumentationName = "github.com/xenking/kastoma-checkout/internal/domain/order"

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ProductNotFoundError indicates a requested product does not exist or is not
// for sale.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// VariantNotFoundError indicates a requested variant does not exist for its product.
type VariantNotFoundError struct {
	ProductID string
	VariantID string
}

func (e *VariantNotFoundError) Error() string {
	return fmt.Sprintf("variant %s of product %s not found", e.VariantID, e.ProductID)
}

// InsufficientStockError reports a stock pool that cannot cover the order.
type InsufficientStockError struct {
	ProductID string
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("only %d of variant %s of product %s in stock, %d requested",
			e.Available, e.VariantID, e.ProductID, e.Requested)
	}
	return fmt.Sprintf("only %d of product %s in stock, %d requested", e.Available, e.ProductID, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// CouponResolver turns a customer-supplied code into a coupon snapshot.
// Unknown codes resolve to nil without error.
type CouponResolver interface {
	Resolve(ctx context.Context, code string) (*coupon.Coupon, error)
}

// IdempotencyStore caches the order created for an idempotency key. Keys
// are scoped to the customer that sent them.
type IdempotencyStore interface {
	// Lookup returns the order ID stored for key, or "" when there is none.
	Lookup(ctx context.Context, customerID, key string) (string, error)
	Remember(ctx context.Context, customerID, key, orderID string) error
}

// EventType names an order lifecycle notification.
type EventType string

const (
	EventOrderCreated  EventType = "order.created"
	EventStatusChanged EventType = "order.status_changed"
)

// Event is published after an order change is committed.
type Event struct {
	Type           EventType
	Order          *Order
	PreviousStatus Status
	OccurredAt     time.Time
}

// Publisher delivers order events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// ItemRequest is a requested order line.
type ItemRequest struct {
	ProductID string
	VariantID string
	Quantity  int
}

// QuoteRequest holds the input for pricing an order without placing it.
type QuoteRequest struct {
	Items          []ItemRequest
	CouponCode     string
	ShippingMethod pricing.ShippingMethod
}

// Quote is a priced but unplaced order.
type Quote struct {
	Items          []Item
	ShippingMethod pricing.ShippingMethod
	// CouponCode is set only when the coupon produced a discount.
	CouponCode string
	Totals     pricing.Totals
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Items          []ItemRequest
	CouponCode     string
	ShippingMethod pricing.ShippingMethod

	CustomerID      string
	CustomerEmail   string
	CustomerPhone   string
	ShippingAddress Address
	BillingAddress  Address
	Notes           string
	IdempotencyKey  string
}

// PlaceOrderResult holds the output of a placed order.
type PlaceOrderResult struct {
	Order *Order
	// Replayed is true when the idempotency key matched an earlier order.
	Replayed bool
}

// Options carries the optional collaborators of Service.
type Options struct {
	Idempotency    IdempotencyStore
	Events         Publisher
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Service implements the checkout and order-management workflows.
type Service struct {
	products product.Repository
	coupons  CouponResolver
	orders   Repository
	calc     *pricing.Calculator
	idem     IdempotencyStore
	events   Publisher

	tracer      trace.Tracer
	placed      metric.Int64Counter
	redemptions metric.Int64Counter
	transitions metric.Int64Counter

	now   func() time.Time
	newID func() string
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	coupons CouponResolver,
	orders Repository,
	calc *pricing.Calculator,
	opts Options,
) (*Service, error) {
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = metricnoop.NewMeterProvider()
	}

	s := &Service{
		products: products,
		coupons:  coupons,
		orders:   orders,
		calc:     calc,
		idem:     opts.Idempotency,
		events:   opts.Events,
		tracer:   opts.TracerProvider.Tracer(instrumentationName),
		now:      time.Now,
		newID:    uuid.NewString,
	}

	meter := opts.MeterProvider.Meter(instrumentationName)
	var err error
	if s.placed, err = meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders placed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.placed counter")
	}
	if s.redemptions, err = meter.Int64Counter("coupons.redeemed",
		metric.WithDescription("Coupon redemptions committed with an order"),
	); err != nil {
		return nil, errors.Wrap(err, "coupons.redeemed counter")
	}
	if s.transitions, err = meter.Int64Counter("orders.status_transitions",
		metric.WithDescription("Order status changes"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.status_transitions counter")
	}

	return s, nil
}

// Quote prices the request. It never records coupon usage, so repeated calls
// with the same input give the same totals.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	ctx, span := s.tracer.Start(ctx, "order.Quote")
	defer span.End()

	q, _, err := s.price(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return q, nil
}

// PlaceOrder prices the request and persists a pending order. A coupon that
// yields a discount is redeemed in the same transaction as the order insert.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer span.End()

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.replay(ctx, req.CustomerID, key)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if existing != nil {
			span.SetAttributes(attribute.Bool("order.replayed", true))
			return &PlaceOrderResult{Order: existing, Replayed: true}, nil
		}
	}

	q, cp, err := s.price(ctx, QuoteRequest{
		Items:          req.Items,
		CouponCode:     req.CouponCode,
		ShippingMethod: req.ShippingMethod,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := s.now()
	o := &Order{
		ID:              s.newID(),
		Number:          NewNumber(now),
		CustomerID:      req.CustomerID,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		Status:          StatusPending,
		Items:           q.Items,
		CouponCode:      q.CouponCode,
		ShippingMethod:  q.ShippingMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Subtotal:        q.Totals.Subtotal,
		Discount:        q.Totals.Discount,
		Shipping:        q.Totals.Shipping,
		Tax:             q.Totals.Tax,
		Total:           q.Totals.Total,
		Notes:           req.Notes,
		IdempotencyKey:  key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if o.BillingAddress.IsZero() {
		o.BillingAddress = o.ShippingAddress
	}

	var redemption *coupon.Redemption
	if q.CouponCode != "" {
		redemption = &coupon.Redemption{
			Code:     cp.Code,
			OrderID:  o.ID,
			UserID:   req.CustomerID,
			Discount: q.Totals.Discount,
		}
	}

	if err := s.orders.Create(ctx, o, redemption); err != nil {
		if key != "" && errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Lost a race with a concurrent request carrying the same key.
			existing, ferr := s.orders.FindByIdempotencyKey(ctx, req.CustomerID, key)
			if ferr != nil {
				return nil, errors.Wrap(ferr, "find order by idempotency key")
			}
			if existing.CustomerID != req.CustomerID {
				return nil, errors.Errorf("idempotency key %q owned by another customer", key)
			}
			return &PlaceOrderResult{Order: existing, Replayed: true}, nil
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrap(err, "create order")
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID), zap.String("order_number", o.Number))
	lg.Info("Order placed",
		zap.Stringer("total", o.Total),
		zap.String("coupon", o.CouponCode),
		zap.Int("items", o.ItemCount()),
	)

	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.Bool("order.coupon_applied", redemption != nil),
	)
	s.placed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("coupon_applied", redemption != nil)))
	if redemption != nil {
		s.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("coupon", redemption.Code)))
	}

	if key != "" && s.idem != nil {
		if err := s.idem.Remember(ctx, req.CustomerID, key, o.ID); err != nil {
			lg.Warn("Failed to cache idempotency key", zap.Error(err))
		}
	}
	s.publish(ctx, Event{Type: EventOrderCreated, Order: o, OccurredAt: now})

	return &PlaceOrderResult{Order: o}, nil
}

// Get returns a single order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", id)
	}
	return o, nil
}

// List returns orders newest first. Limit defaults to 20 and is capped at 100.
func (s *Service) List(ctx context.Context, params ListParams) ([]Order, error) {
	if params.Limit <= 0 {
		params.Limit = defaultListLimit
	}
	if params.Limit > maxListLimit {
		params.Limit = maxListLimit
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if params.Status != "" && !params.Status.Valid() {
		return nil, errors.Wrapf(ErrUnknownStatus, "%q", params.Status)
	}

	orders, err := s.orders.List(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// UpdateStatus moves an order along the status table. notes, when non-empty,
// replace the internal notes.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status, notes string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateStatus",
		trace.WithAttributes(attribute.String("order.id", id), attribute.String("order.status", string(to))),
	)
	defer span.End()

	if !to.Valid() {
		return nil, errors.Wrapf(ErrUnknownStatus, "%q", to)
	}

	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(o.Status, to); err != nil {
		return nil, err
	}
	if notes != "" {
		o.InternalNotes = notes
	}

	if err := s.transition(ctx, o, to); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return o, nil
}

// Cancel cancels an order on the customer's behalf. Only pending and
// confirmed orders qualify.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Cancel", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanBeCancelled(o.Status) {
		return nil, errors.Wrapf(ErrNotCancellable, "status %s", o.Status)
	}

	if err := s.transition(ctx, o, StatusCancelled); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return o, nil
}

// AddTracking attaches shipment tracking to an order. A missing delivery
// estimate is derived from the shipping method in business days.
func (s *Service) AddTracking(ctx context.Context, id string, t Tracking) (*Order, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusCancelled || o.Status == StatusRefunded {
		return nil, errors.Wrapf(ErrNotTrackable, "status %s", o.Status)
	}

	if t.EstimatedDelivery == nil {
		from := s.now()
		if o.ShippedAt != nil {
			from = *o.ShippedAt
		}
		eta := EstimateDelivery(from, string(o.ShippingMethod))
		t.EstimatedDelivery = &eta
	}

	if err := s.orders.SetTracking(ctx, o.ID, t); err != nil {
		return nil, errors.Wrap(err, "set tracking")
	}
	o.Tracking = &t

	zctx.From(ctx).Info("Tracking added",
		zap.String("order_id", o.ID),
		zap.String("carrier", t.Carrier),
		zap.String("tracking_number", t.Number),
	)
	return o, nil
}

func (s *Service) transition(ctx context.Context, o *Order, to Status) error {
	from := o.Status
	now := s.now()
	o.setStatus(to, now)

	if err := s.orders.UpdateStatus(ctx, StatusChange{Order: o, From: from}); err != nil {
		return errors.Wrap(err, "update status")
	}

	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	s.publish(ctx, Event{Type: EventStatusChanged, Order: o, PreviousStatus: from, OccurredAt: now})
	return nil
}

func (s *Service) publish(ctx context.Context, e Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, e); err != nil {
		zctx.From(ctx).Warn("Failed to publish order event",
			zap.String("event", string(e.Type)),
			zap.String("order_id", e.Order.ID),
			zap.Error(err),
		)
	}
}

// replay returns the order customerID previously created with key, or nil.
// An order owned by anyone else is never replayed.
func (s *Service) replay(ctx context.Context, customerID, key string) (*Order, error) {
	if s.idem != nil {
		id, err := s.idem.Lookup(ctx, customerID, key)
		switch {
		case err != nil:
			zctx.From(ctx).Warn("Idempotency cache lookup failed", zap.Error(err))
		case id != "":
			o, err := s.orders.FindByID(ctx, id)
			switch {
			case err == nil && o.CustomerID == customerID:
				return o, nil
			case err == nil:
				zctx.From(ctx).Warn("Idempotency cache points at another customer's order",
					zap.String("order_id", id),
				)
			case !errors.Is(err, ErrNotFound):
				return nil, errors.Wrap(err, "find replayed order")
			}
		}
	}

	o, err := s.orders.FindByIdempotencyKey(ctx, customerID, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find order by idempotency key")
	}
	if o.CustomerID != customerID {
		return nil, nil
	}
	return o, nil
}

// price resolves catalog prices and the coupon, then assembles totals.
func (s *Service) price(ctx context.Context, req QuoteRequest) (*Quote, *coupon.Coupon, error) {
	items, err := s.resolveItems(ctx, req.Items)
	if err != nil {
		return nil, nil, err
	}

	cp, err := s.coupons.Resolve(ctx, req.CouponCode)
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolve coupon")
	}

	method := s.calc.ShippingMethod(req.ShippingMethod)
	if !pricing.IsKnownShippingMethod(method) {
		zctx.From(ctx).Warn("Unknown shipping method charged at standard rate",
			zap.String("shipping_method", string(method)),
		)
	}

	lines := make([]pricing.LineItem, len(items))
	for i, it := range items {
		lines[i] = pricing.LineItem{UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}

	totals, err := s.calc.Assemble(lines, cp, method, s.calc.TaxRate())
	if err != nil {
		return nil, nil, err
	}

	q := &Quote{
		Items:          items,
		ShippingMethod: method,
		Totals:         totals,
	}
	if cp != nil && totals.Discount.IsPositive() {
		q.CouponCode = cp.Code
	}
	return q, cp, nil
}

// resolveItems validates the requested lines and captures catalog data.
func (s *Service) resolveItems(ctx context.Context, reqs []ItemRequest) ([]Item, error) {
	if len(reqs) == 0 {
		return nil, pricing.ErrEmptyOrder
	}

	productIDs := make([]string, 0, len(reqs))
	var variantIDs []string
	for i, r := range reqs {
		if !pricing.ValidQuantity(r.Quantity) {
			return nil, &pricing.InvalidQuantityError{Index: i, Quantity: r.Quantity}
		}
		productIDs = append(productIDs, r.ProductID)
		if r.VariantID != "" {
			variantIDs = append(variantIDs, r.VariantID)
		}
	}

	fetched, err := s.products.GetByIDs(ctx, productIDs)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	productMap := make(map[string]*product.Product, len(fetched))
	for i := range fetched {
		productMap[fetched[i].ID] = &fetched[i]
	}

	variantMap := map[string]*product.Variant{}
	if len(variantIDs) > 0 {
		variants, err := s.products.GetVariantsByIDs(ctx, variantIDs)
		if err != nil {
			return nil, errors.Wrap(err, "get variants")
		}
		for i := range variants {
			variantMap[variants[i].ID] = &variants[i]
		}
	}

	items := make([]Item, len(reqs))
	for i, r := range reqs {
		p, ok := productMap[r.ProductID]
		if !ok || !p.IsActive {
			return nil, &ProductNotFoundError{ProductID: r.ProductID}
		}

		it := Item{
			ProductID:   p.ID,
			ProductName: p.Name,
			SKU:         p.SKU,
			UnitPrice:   p.Price,
			Quantity:    r.Quantity,
		}
		if r.VariantID != "" {
			v, ok := variantMap[r.VariantID]
			if !ok || v.ProductID != p.ID || !v.IsActive {
				return nil, &VariantNotFoundError{ProductID: p.ID, VariantID: r.VariantID}
			}
			it.VariantID = v.ID
			it.ProductName = p.Name + " - " + v.Name
			it.SKU = v.SKU
			it.UnitPrice = v.EffectivePrice(p)
		}
		it.Total = pricing.LineItem{UnitPrice: it.UnitPrice, Quantity: it.Quantity}.Total()
		items[i] = it
	}

	// The repository re-checks atomically when the order is stored.
	for _, line := range StockDemand(items) {
		p := productMap[line.ProductID]
		if p.AllowBackorder {
			continue
		}
		available := p.Stock
		if line.VariantID != "" {
			available = variantMap[line.VariantID].Stock
		}
		if line.Quantity > available {
			return nil, &InsufficientStockError{
				ProductID: line.ProductID,
				VariantID: line.VariantID,
				Requested: line.Quantity,
				Available: max(available, 0),
			}
		}
	}

	return items, nil
}
