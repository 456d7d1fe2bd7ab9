package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xenking/kastoma-checkout/internal/domain/order"
)

// Backorder products never block an order. Their stock floors at zero and
// is not restored on cancellation.
const (
	reserveProductStockSQL = `UPDATE products
		SET stock = GREATEST(stock - $2, 0), updated_at = NOW()
		WHERE id = $1 AND (allow_backorder OR stock >= $2)`

	reserveVariantStockSQL = `UPDATE product_variants v
		SET stock = GREATEST(v.stock - $3, 0)
		FROM products p
		WHERE v.id = $2 AND v.product_id = $1 AND p.id = v.product_id
			AND (p.allow_backorder OR v.stock >= $3)`

	releaseProductStockSQL = `UPDATE products
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1 AND NOT allow_backorder`

	releaseVariantStockSQL = `UPDATE product_variants v
		SET stock = v.stock + $3
		FROM products p
		WHERE v.id = $2 AND v.product_id = $1 AND p.id = v.product_id
			AND NOT p.allow_backorder`

	productStockSQL = `SELECT stock FROM products WHERE id = $1`
	variantStockSQL = `SELECT stock FROM product_variants WHERE id = $1`
)

// reserveStock takes the items out of stock. A pool that cannot cover its
// line fails the whole order with *order.InsufficientStockError.
func reserveStock(ctx context.Context, q querier, items []order.Item) error {
	for _, line := range order.StockDemand(items) {
		var (
			tag pgconn.CommandTag
			err error
		)
		if line.VariantID == "" {
			tag, err = q.Exec(ctx, reserveProductStockSQL, line.ProductID, line.Quantity)
		} else {
			tag, err = q.Exec(ctx, reserveVariantStockSQL, line.ProductID, line.VariantID, line.Quantity)
		}
		if err != nil {
			return fmt.Errorf("reserving stock of %q: %w", line.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return shortage(ctx, q, line)
		}
	}
	return nil
}

// releaseStock puts the items back into stock.
func releaseStock(ctx context.Context, q querier, items []order.Item) error {
	for _, line := range order.StockDemand(items) {
		var err error
		if line.VariantID == "" {
			_, err = q.Exec(ctx, releaseProductStockSQL, line.ProductID, line.Quantity)
		} else {
			_, err = q.Exec(ctx, releaseVariantStockSQL, line.ProductID, line.VariantID, line.Quantity)
		}
		if err != nil {
			return fmt.Errorf("releasing stock of %q: %w", line.ProductID, err)
		}
	}
	return nil
}

func shortage(ctx context.Context, q querier, line order.StockLine) error {
	sql, id := productStockSQL, line.ProductID
	if line.VariantID != "" {
		sql, id = variantStockSQL, line.VariantID
	}
	var available int32
	if err := q.QueryRow(ctx, sql, id).Scan(&available); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("reading stock of %q: %w", id, err)
	}
	return &order.InsufficientStockError{
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Requested: line.Quantity,
		Available: int(available),
	}
}
