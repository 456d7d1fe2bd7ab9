package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kastoma-checkout/internal/domain/cart"
)

const (
	listCartItemsSQL = `SELECT product_id, variant_id, quantity, added_at, updated_at
		FROM cart_items WHERE customer_id = $1
		ORDER BY added_at, product_id, variant_id`

	addCartItemSQL = `INSERT INTO cart_items (customer_id, product_id, variant_id, quantity, added_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (customer_id, product_id, variant_id) DO UPDATE SET
			quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`

	setCartItemSQL = `UPDATE cart_items SET quantity = $4, updated_at = $5
		WHERE customer_id = $1 AND product_id = $2 AND variant_id = $3`

	removeCartItemSQL = `DELETE FROM cart_items
		WHERE customer_id = $1 AND product_id = $2 AND variant_id = $3`

	clearCartSQL = `DELETE FROM cart_items WHERE customer_id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL. A line
// without a variant is stored with an empty variant_id so that it takes
// part in the primary key.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Items returns the customer's cart lines, oldest first.
func (r *CartRepository) Items(ctx context.Context, customerID string) ([]cart.Item, error) {
	rows, err := r.pool.Query(ctx, listCartItemsSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("listing cart of %q: %w", customerID, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Item, error) {
		var (
			it  cart.Item
			qty int32
		)
		err := row.Scan(&it.ProductID, &it.VariantID, &qty, &it.AddedAt, &it.UpdatedAt)
		it.Quantity = int(qty)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing cart of %q: %w", customerID, err)
	}
	return items, nil
}

// AddItem inserts the line or adds to its quantity in one statement.
func (r *CartRepository) AddItem(ctx context.Context, customerID string, it cart.Item) error {
	_, err := r.pool.Exec(ctx, addCartItemSQL,
		customerID, it.ProductID, it.VariantID, it.Quantity, it.AddedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("adding %q to cart of %q: %w", it.ProductID, customerID, err)
	}
	return nil
}

// SetQuantity overwrites the quantity of an existing line.
func (r *CartRepository) SetQuantity(ctx context.Context, customerID string, it cart.Item) error {
	tag, err := r.pool.Exec(ctx, setCartItemSQL,
		customerID, it.ProductID, it.VariantID, it.Quantity, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating %q in cart of %q: %w", it.ProductID, customerID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrItemNotFound
	}
	return nil
}

// RemoveItem deletes a line.
func (r *CartRepository) RemoveItem(ctx context.Context, customerID, productID, variantID string) error {
	tag, err := r.pool.Exec(ctx, removeCartItemSQL, customerID, productID, variantID)
	if err != nil {
		return fmt.Errorf("removing %q from cart of %q: %w", productID, customerID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrItemNotFound
	}
	return nil
}

// Clear deletes every line of the customer's cart.
func (r *CartRepository) Clear(ctx context.Context, customerID string) error {
	if _, err := r.pool.Exec(ctx, clearCartSQL, customerID); err != nil {
		return fmt.Errorf("clearing cart of %q: %w", customerID, err)
	}
	return nil
}
