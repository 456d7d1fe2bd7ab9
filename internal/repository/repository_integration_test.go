//go:build integration

package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kastoma-checkout/internal/domain/auth"
	"github.com/xenking/kastoma-checkout/internal/domain/cart"
	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/product"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kastoma",
				"POSTGRES_PASSWORD": "kastoma",
				"POSTGRES_DB":       "kastoma",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://kastoma:kastoma@%s:%s/kastoma?sslmode=disable", host, port.Port())
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func seedCatalog(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	products := NewProductRepository(pool)

	require.NoError(t, products.Upsert(ctx, &product.Product{
		ID: "p1", SKU: "WID-1", Name: "Widget", Price: decimal.RequireFromString("25.00"),
		Category: "tools", IsActive: true, Stock: 1000,
	}))
	require.NoError(t, products.UpsertVariant(ctx, &product.Variant{
		ID: "p1-red", ProductID: "p1", SKU: "WID-1-RED", Name: "Red",
		Price: decimal.NewNullDecimal(decimal.RequireFromString("27.50")), IsActive: true, Stock: 100,
	}))
	require.NoError(t, products.Upsert(ctx, &product.Product{
		ID: "scarce", SKU: "SCA-1", Name: "Scarce", Price: decimal.RequireFromString("10.00"),
		IsActive: true, Stock: 3,
	}))
	require.NoError(t, products.Upsert(ctx, &product.Product{
		ID: "preorder", SKU: "PRE-1", Name: "Preorder", Price: decimal.RequireFromString("10.00"),
		IsActive: true, AllowBackorder: true,
	}))
}

func newOrder(key string) *order.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &order.Order{
		ID:             uuid.NewString(),
		Number:         order.NewNumber(now),
		CustomerID:     "key-1",
		CustomerEmail:  "buyer@example.com",
		Status:         order.StatusPending,
		ShippingMethod: "standard",
		ShippingAddress: order.Address{
			FirstName: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		Items: []order.Item{{
			ProductID: "p1", ProductName: "Widget", SKU: "WID-1",
			UnitPrice: decimal.RequireFromString("25.00"), Quantity: 2,
			Total: decimal.RequireFromString("50.00"),
		}},
		Subtotal:       decimal.RequireFromString("50.00"),
		Discount:       decimal.RequireFromString("5.00"),
		Shipping:       decimal.RequireFromString("5.99"),
		Tax:            decimal.Zero,
		Total:          decimal.RequireFromString("50.99"),
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestRepositories(t *testing.T) {
	pool := setupPostgres(t)
	seedCatalog(t, pool)
	ctx := context.Background()

	coupons := NewCouponRepository(pool)
	orders := NewOrderRepository(pool)

	limit := 2
	require.NoError(t, coupons.Upsert(ctx, &coupon.Coupon{
		Code: "save5", Name: "Five off", DiscountType: coupon.DiscountFixedAmount,
		DiscountValue: decimal.RequireFromString("5"), UsageLimit: &limit,
		IsActive: true, ValidFrom: time.Now().Add(-time.Hour),
	}))

	t.Run("coupon lookup is case insensitive", func(t *testing.T) {
		c, err := coupons.FindByCode(ctx, "Save5")
		require.NoError(t, err)
		assert.Equal(t, "SAVE5", c.Code)
		require.NotNil(t, c.UsageLimit)
		assert.Equal(t, 2, *c.UsageLimit)
		assert.False(t, c.MinimumOrderAmount.Valid)

		_, err = coupons.FindByCode(ctx, "nope")
		require.ErrorIs(t, err, coupon.ErrNotFound)
	})

	t.Run("concurrent redemptions respect usage limit", func(t *testing.T) {
		const attempts = 6
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			rejected int
		)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o := newOrder("")
				err := orders.Create(ctx, o, &coupon.Redemption{
					Code: "SAVE5", OrderID: o.ID, UserID: "key-1", Discount: o.Discount,
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, coupon.ErrUsageLimitReached):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 2, ok)
		assert.Equal(t, attempts-2, rejected)

		c, err := coupons.FindByCode(ctx, "SAVE5")
		require.NoError(t, err)
		assert.Equal(t, 2, c.UsageCount)

		var usages int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM coupon_usages WHERE coupon_code = 'SAVE5'`).Scan(&usages))
		assert.Equal(t, 2, usages)
	})

	t.Run("stock is reserved atomically and released on cancel", func(t *testing.T) {
		products := NewProductRepository(pool)
		scarceOrder := func() *order.Order {
			o := newOrder("")
			o.Items = []order.Item{{
				ProductID: "scarce", ProductName: "Scarce", SKU: "SCA-1",
				UnitPrice: decimal.RequireFromString("10.00"), Quantity: 1, Total: decimal.RequireFromString("10.00"),
			}}
			return o
		}

		const attempts = 5
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			placed  []*order.Order
			shorted int
		)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o := scarceOrder()
				err := orders.Create(ctx, o, nil)
				mu.Lock()
				defer mu.Unlock()
				var sErr *order.InsufficientStockError
				switch {
				case err == nil:
					placed = append(placed, o)
				case errors.As(err, &sErr):
					shorted++
					assert.Equal(t, 0, sErr.Available)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.Len(t, placed, 3)
		assert.Equal(t, attempts-3, shorted)

		p, err := products.GetByID(ctx, "scarce")
		require.NoError(t, err)
		assert.Equal(t, 0, p.Stock)

		cancelled := placed[0]
		now := time.Now().UTC().Truncate(time.Microsecond)
		cancelled.Status = order.StatusCancelled
		cancelled.CancelledAt = &now
		require.NoError(t, orders.UpdateStatus(ctx, order.StatusChange{Order: cancelled, From: order.StatusPending}))

		p, err = products.GetByID(ctx, "scarce")
		require.NoError(t, err)
		assert.Equal(t, 1, p.Stock)

		variant := newOrder("")
		variant.Items[0].VariantID = "p1-red"
		variant.Items[0].Quantity = 101
		err = orders.Create(ctx, variant, nil)
		require.ErrorIs(t, err, order.ErrInsufficientStock)
		_, err = orders.FindByID(ctx, variant.ID)
		require.ErrorIs(t, err, order.ErrNotFound)

		backorder := newOrder("")
		backorder.Items[0].ProductID = "preorder"
		backorder.Items[0].Quantity = 7
		require.NoError(t, orders.Create(ctx, backorder, nil))
		p, err = products.GetByID(ctx, "preorder")
		require.NoError(t, err)
		assert.Equal(t, 0, p.Stock)
	})

	t.Run("second redemption for one order is rejected", func(t *testing.T) {
		require.NoError(t, coupons.Upsert(ctx, &coupon.Coupon{
			Code: "MANY", DiscountType: coupon.DiscountPercentage,
			DiscountValue: decimal.RequireFromString("10"), IsActive: true, ValidFrom: time.Now().Add(-time.Hour),
		}))
		o := newOrder("")
		rd := coupon.Redemption{Code: "MANY", OrderID: o.ID, Discount: decimal.RequireFromString("5.00")}
		require.NoError(t, orders.Create(ctx, o, &rd))

		err := coupons.Redeem(ctx, rd)
		require.ErrorIs(t, err, coupon.ErrAlreadyRedeemed)

		c, err := coupons.FindByCode(ctx, "MANY")
		require.NoError(t, err)
		assert.Equal(t, 1, c.UsageCount)
	})

	t.Run("order round trip", func(t *testing.T) {
		o := newOrder("idem-1")
		o.Items = append(o.Items, order.Item{
			ProductID: "p1", VariantID: "p1-red", ProductName: "Widget - Red", SKU: "WID-1-RED",
			UnitPrice: decimal.RequireFromString("27.50"), Quantity: 1, Total: decimal.RequireFromString("27.50"),
		})
		require.NoError(t, orders.Create(ctx, o, nil))

		got, err := orders.FindByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.Number, got.Number)
		assert.Equal(t, order.StatusPending, got.Status)
		assert.Equal(t, o.ShippingAddress, got.ShippingAddress)
		assert.True(t, o.Total.Equal(got.Total))
		require.Len(t, got.Items, 2)
		assert.Equal(t, "p1-red", got.Items[1].VariantID)
		assert.Nil(t, got.Tracking)

		byKey, err := orders.FindByIdempotencyKey(ctx, o.CustomerID, "idem-1")
		require.NoError(t, err)
		assert.Equal(t, o.ID, byKey.ID)

		dup := newOrder("idem-1")
		err = orders.Create(ctx, dup, nil)
		require.ErrorIs(t, err, order.ErrDuplicateIdempotencyKey)

		// The same key from another customer is a different request.
		other := newOrder("idem-1")
		other.CustomerID = "key-2"
		require.NoError(t, orders.Create(ctx, other, nil))
		_, err = orders.FindByIdempotencyKey(ctx, "key-3", "idem-1")
		require.ErrorIs(t, err, order.ErrNotFound)
		byKey, err = orders.FindByIdempotencyKey(ctx, "key-2", "idem-1")
		require.NoError(t, err)
		assert.Equal(t, other.ID, byKey.ID)

		_, err = orders.FindByID(ctx, "missing")
		require.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("status compare and set", func(t *testing.T) {
		o := newOrder("")
		require.NoError(t, orders.Create(ctx, o, nil))

		now := time.Now().UTC().Truncate(time.Microsecond)
		o.Status = order.StatusConfirmed
		o.ConfirmedAt = &now
		o.UpdatedAt = now
		require.NoError(t, orders.UpdateStatus(ctx, order.StatusChange{Order: o, From: order.StatusPending}))

		// A writer that still believes the order is pending loses.
		stale := *o
		stale.Status = order.StatusCancelled
		err := orders.UpdateStatus(ctx, order.StatusChange{Order: &stale, From: order.StatusPending})
		require.ErrorIs(t, err, order.ErrConcurrentUpdate)

		got, err := orders.FindByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusConfirmed, got.Status)
		require.NotNil(t, got.ConfirmedAt)
		assert.True(t, now.Equal(*got.ConfirmedAt))

		missing := *o
		missing.ID = "missing"
		err = orders.UpdateStatus(ctx, order.StatusChange{Order: &missing, From: order.StatusConfirmed})
		require.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("tracking and listing", func(t *testing.T) {
		o := newOrder("")
		o.CustomerID = "key-list"
		require.NoError(t, orders.Create(ctx, o, nil))

		eta := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Microsecond)
		require.NoError(t, orders.SetTracking(ctx, o.ID, order.Tracking{
			Number: "1Z999", Carrier: "UPS", URL: "https://ups.example/1Z999", EstimatedDelivery: &eta,
		}))
		require.ErrorIs(t, orders.SetTracking(ctx, "missing", order.Tracking{Number: "x"}), order.ErrNotFound)

		list, err := orders.List(ctx, order.ListParams{CustomerID: "key-list", Limit: 10})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.NotNil(t, list[0].Tracking)
		assert.Equal(t, "UPS", list[0].Tracking.Carrier)
		assert.Len(t, list[0].Items, 1)

		pending, err := orders.List(ctx, order.ListParams{Status: order.StatusRefunded, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("api keys", func(t *testing.T) {
		keys := NewAPIKeyRepository(pool)
		require.NoError(t, keys.Create(ctx, &auth.APIKeyInfo{
			ID: "k1", KeyHash: "abc123", Name: "storefront", Scopes: []string{auth.ScopeCreateOrder},
		}))

		got, err := keys.FindByHash(ctx, "abc123")
		require.NoError(t, err)
		assert.True(t, got.HasScope(auth.ScopeCreateOrder))

		_, err = keys.FindByHash(ctx, "nope")
		require.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("variants", func(t *testing.T) {
		products := NewProductRepository(pool)
		vs, err := products.GetVariantsByIDs(ctx, []string{"p1-red", "missing"})
		require.NoError(t, err)
		require.Len(t, vs, 1)
		assert.True(t, vs[0].Price.Valid)
		assert.Positive(t, vs[0].Stock)

		list, err := products.List(ctx, product.ListParams{Category: "tools", ActiveOnly: true})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("cart lines merge and are scoped per customer", func(t *testing.T) {
		carts := NewCartRepository(pool)
		now := time.Now().UTC().Truncate(time.Microsecond)
		add := func(customer, productID, variantID string, qty int) {
			require.NoError(t, carts.AddItem(ctx, customer, cart.Item{
				ProductID: productID, VariantID: variantID, Quantity: qty, AddedAt: now, UpdatedAt: now,
			}))
		}
		add("alice", "p1", "", 1)
		add("alice", "p1", "", 2)
		add("alice", "p1", "p1-red", 1)
		add("bob", "p1", "", 5)

		items, err := carts.Items(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "", items[0].VariantID)
		assert.Equal(t, 3, items[0].Quantity)
		assert.Equal(t, "p1-red", items[1].VariantID)

		require.NoError(t, carts.SetQuantity(ctx, "alice", cart.Item{ProductID: "p1", VariantID: "p1-red", Quantity: 4, UpdatedAt: now}))
		require.ErrorIs(t, carts.SetQuantity(ctx, "alice", cart.Item{ProductID: "scarce", Quantity: 1, UpdatedAt: now}), cart.ErrItemNotFound)

		require.NoError(t, carts.RemoveItem(ctx, "alice", "p1", ""))
		require.ErrorIs(t, carts.RemoveItem(ctx, "alice", "p1", ""), cart.ErrItemNotFound)

		items, err = carts.Items(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 4, items[0].Quantity)

		require.NoError(t, carts.Clear(ctx, "alice"))
		items, err = carts.Items(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, items)

		items, err = carts.Items(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 5, items[0].Quantity)
	})
}
