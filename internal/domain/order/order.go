package order

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrConcurrentUpdate is returned when the stored status changed between
	// read and write.
	ErrConcurrentUpdate = errors.New("order was modified concurrently")
	// ErrNotCancellable is returned when a customer cancels an order past confirmation.
	ErrNotCancellable = errors.New("order can no longer be cancelled")
	// ErrNotTrackable is returned when tracking is added to a closed order.
	ErrNotTrackable = errors.New("order cannot receive tracking")
	// ErrDuplicateIdempotencyKey is returned by Repository.Create when another
	// order of the same customer already holds the key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	// ErrInsufficientStock is matched by InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Order is a placed order with its frozen pricing.
type Order struct {
	ID             string
	Number         string
	CustomerID     string
	CustomerEmail  string
	CustomerPhone  string
	Status         Status
	Items          []Item
	CouponCode     string
	ShippingMethod pricing.ShippingMethod

	ShippingAddress Address
	BillingAddress  Address

	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal

	Notes          string
	InternalNotes  string
	IdempotencyKey string
	Tracking       *Tracking

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
}

// Item is an order line with the product data captured at purchase time.
type Item struct {
	ProductID   string
	VariantID   string
	ProductName string
	SKU         string
	UnitPrice   decimal.Decimal
	Quantity    int
	Total       decimal.Decimal
}

// StockLine is the quantity an order takes from one stock pool: the variant
// when set, otherwise the product.
type StockLine struct {
	ProductID string
	VariantID string
	Quantity  int
}

// StockDemand sums item quantities per stock pool. Lines are sorted so that
// concurrent writers lock stock rows in the same order.
func StockDemand(items []Item) []StockLine {
	index := make(map[StockLine]int, len(items))
	var lines []StockLine
	for _, it := range items {
		k := StockLine{ProductID: it.ProductID, VariantID: it.VariantID}
		i, ok := index[k]
		if !ok {
			i = len(lines)
			index[k] = i
			lines = append(lines, k)
		}
		lines[i].Quantity += it.Quantity
	}
	slices.SortFunc(lines, func(a, b StockLine) int {
		return cmp.Or(cmp.Compare(a.ProductID, b.ProductID), cmp.Compare(a.VariantID, b.VariantID))
	})
	return lines
}

// Address is a postal address.
type Address struct {
	FirstName  string
	LastName   string
	Company    string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// IsZero reports whether no address field is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Tracking holds carrier shipment details.
type Tracking struct {
	Number            string
	Carrier           string
	URL               string
	EstimatedDelivery *time.Time
}

// ItemCount returns the total quantity across all lines.
func (o *Order) ItemCount() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// Totals returns the order's money breakdown.
func (o *Order) Totals() pricing.Totals {
	return pricing.Totals{
		Subtotal: o.Subtotal,
		Discount: o.Discount,
		Shipping: o.Shipping,
		Tax:      o.Tax,
		Total:    o.Total,
	}
}

// setStatus moves o to status to at time at, recording the first-entry
// timestamp for that status. Existing timestamps are never overwritten.
func (o *Order) setStatus(to Status, at time.Time) {
	o.Status = to
	o.UpdatedAt = at

	var stamp **time.Time
	switch to {
	case StatusConfirmed:
		stamp = &o.ConfirmedAt
	case StatusShipped:
		stamp = &o.ShippedAt
	case StatusDelivered:
		stamp = &o.DeliveredAt
	case StatusCancelled:
		stamp = &o.CancelledAt
	}
	if stamp != nil && *stamp == nil {
		t := at
		*stamp = &t
	}
}

// ListParams filters order listing. Results are newest first.
type ListParams struct {
	CustomerID string
	Status     Status
	Limit      int
	Offset     int
}

// StatusChange is a compare-and-set status write: it applies only if the
// stored status still equals From.
type StatusChange struct {
	Order *Order
	From  Status
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores o and, when redemption is non-nil, redeems the coupon in
	// the same transaction. Either both happen or neither does.
	Create(ctx context.Context, o *Order, redemption *coupon.Redemption) error
	FindByID(ctx context.Context, id string) (*Order, error)
	// FindByIdempotencyKey returns the order customerID created with key.
	FindByIdempotencyKey(ctx context.Context, customerID, key string) (*Order, error)
	List(ctx context.Context, params ListParams) ([]Order, error)
	// UpdateStatus persists status, timestamps and notes of change.Order.
	// It returns ErrConcurrentUpdate when the stored status is not change.From.
	UpdateStatus(ctx context.Context, change StatusChange) error
	SetTracking(ctx context.Context, id string, t Tracking) error
}
