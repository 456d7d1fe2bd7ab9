package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrVariantNotFound is returned when a requested variant does not exist.
	ErrVariantNotFound = errors.New("product variant not found")
)

// Product is a sellable catalog entry. Stock counts units on hand for
// orders without a variant; AllowBackorder lets orders exceed it.
type Product struct {
	ID             string
	SKU            string
	Name           string
	Price          decimal.Decimal
	Category       string
	IsActive       bool
	Stock          int
	AllowBackorder bool
}

// InStock reports whether the product can be ordered at all.
func (p *Product) InStock() bool {
	return p.Stock > 0 || p.AllowBackorder
}

// Variant is a purchasable option of a product. A variant without its own
// price sells at the product price.
type Variant struct {
	ID        string
	ProductID string
	SKU       string
	Name      string
	Price     decimal.NullDecimal
	IsActive  bool
	Stock     int
}

// EffectivePrice returns the variant price when set, otherwise p.Price.
func (v *Variant) EffectivePrice(p *Product) decimal.Decimal {
	if v.Price.Valid {
		return v.Price.Decimal
	}
	return p.Price
}

// ListParams filters catalog listing.
type ListParams struct {
	Category   string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Repository defines catalog persistence.
type Repository interface {
	List(ctx context.Context, params ListParams) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	// GetByIDs returns the products found; missing IDs are silently skipped.
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	// GetVariantsByIDs returns the variants found; missing IDs are silently skipped.
	GetVariantsByIDs(ctx context.Context, ids []string) ([]Variant, error)
	Upsert(ctx context.Context, p *Product) error
	UpsertVariant(ctx context.Context, v *Variant) error
}
