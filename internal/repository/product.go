package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kastoma-checkout/internal/domain/product"
)

const (
	productColumns = `id, sku, name, price, category, is_active, stock, allow_backorder`

	listProductsSQL = `SELECT ` + productColumns + ` FROM products
		WHERE ($1 = '' OR category = $1) AND (NOT $2 OR is_active)
		ORDER BY name, id
		LIMIT $3 OFFSET $4`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	getVariantsByIDsSQL = `SELECT id, product_id, sku, name, price, is_active, stock
		FROM product_variants WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, sku, name, price, category, is_active, stock, allow_backorder)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku, name = EXCLUDED.name, price = EXCLUDED.price,
			category = EXCLUDED.category, is_active = EXCLUDED.is_active,
			stock = EXCLUDED.stock, allow_backorder = EXCLUDED.allow_backorder, updated_at = NOW()`

	upsertVariantSQL = `INSERT INTO product_variants (id, product_id, sku, name, price, is_active, stock)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id, sku = EXCLUDED.sku, name = EXCLUDED.name,
			price = EXCLUDED.price, is_active = EXCLUDED.is_active, stock = EXCLUDED.stock`
)

const maxProductPage = 500

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns catalog products ordered by name.
func (r *ProductRepository) List(ctx context.Context, params product.ListParams) ([]product.Product, error) {
	limit := params.Limit
	if limit <= 0 || limit > maxProductPage {
		limit = maxProductPage
	}
	rows, err := r.pool.Query(ctx, listProductsSQL, params.Category, params.ActiveOnly, limit, max(params.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetVariantsByIDs returns variants matching any of the given IDs.
func (r *ProductRepository) GetVariantsByIDs(ctx context.Context, ids []string) ([]product.Variant, error) {
	rows, err := r.pool.Query(ctx, getVariantsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting variants by ids: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (product.Variant, error) {
		var (
			v     product.Variant
			stock int32
		)
		err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.Price, &v.IsActive, &stock)
		v.Stock = int(stock)
		return v, err
	})
}

// Upsert inserts or replaces a product.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	_, err := r.pool.Exec(ctx, upsertProductSQL,
		p.ID, p.SKU, p.Name, p.Price, p.Category, p.IsActive, p.Stock, p.AllowBackorder,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// UpsertVariant inserts or replaces a product variant.
func (r *ProductRepository) UpsertVariant(ctx context.Context, v *product.Variant) error {
	_, err := r.pool.Exec(ctx, upsertVariantSQL,
		v.ID, v.ProductID, v.SKU, v.Name, v.Price, v.IsActive, v.Stock,
	)
	if err != nil {
		return fmt.Errorf("upserting variant %q: %w", v.ID, err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p     product.Product
		stock int32
	)
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Category, &p.IsActive, &stock, &p.AllowBackorder)
	p.Stock = int(stock)
	return p, err
}
