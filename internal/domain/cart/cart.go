// Package cart keeps each customer's shopping cart and turns it into an order.
package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrItemNotFound is returned when a line is not in the cart.
	ErrItemNotFound = errors.New("item not found in cart")
	// ErrEmpty is returned when checking out a cart without items.
	ErrEmpty = errors.New("cart is empty")
)

// Item is a cart line. A product appears once per variant; VariantID is
// empty for the product itself.
type Item struct {
	ProductID string
	VariantID string
	Quantity  int
	AddedAt   time.Time
	UpdatedAt time.Time
}

// Cart is the set of lines a customer intends to buy.
type Cart struct {
	CustomerID string
	Items      []Item
}

// ItemCount returns the total number of units in the cart.
func (c *Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// Quantity returns the quantity of the given line, 0 when absent.
func (c *Cart) Quantity(productID, variantID string) int {
	for _, it := range c.Items {
		if it.ProductID == productID && it.VariantID == variantID {
			return it.Quantity
		}
	}
	return 0
}

// Repository persists carts.
type Repository interface {
	// Items returns the customer's lines, oldest first.
	Items(ctx context.Context, customerID string) ([]Item, error)
	// AddItem adds it.Quantity to the line, creating it when absent.
	AddItem(ctx context.Context, customerID string, it Item) error
	// SetQuantity overwrites the quantity of an existing line.
	SetQuantity(ctx context.Context, customerID string, it Item) error
	RemoveItem(ctx context.Context, customerID, productID, variantID string) error
	Clear(ctx context.Context, customerID string) error
}
