//go:build integration

package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kastoma-checkout/internal/domain/auth"
	"github.com/xenking/kastoma-checkout/internal/domain/cart"
	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
	"github.com/xenking/kastoma-checkout/internal/domain/product"
	"github.com/xenking/kastoma-checkout/internal/events"
	"github.com/xenking/kastoma-checkout/internal/handler"
	"github.com/xenking/kastoma-checkout/internal/repository"
)

const (
	itPepper     = "integration-pepper"
	itStoreKey   = "store-key"
	itStaffKey   = "staff-key"
	itCouponOnce = "ONCE"
)

func startServer(t *testing.T) *httptest.Server {
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

	pool, err := repository.NewPool(ctx, fmt.Sprintf("postgres://kastoma:kastoma@%s:%s/kastoma?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, repository.RunMigrations(ctx, pool))

	products := repository.NewProductRepository(pool)
	coupons := repository.NewCouponRepository(pool)
	keys := repository.NewAPIKeyRepository(pool)

	require.NoError(t, products.Upsert(ctx, &product.Product{
		ID: "mug", SKU: "MUG-1", Name: "Mug", Price: decimal.RequireFromString("40.00"), Category: "home", IsActive: true, Stock: 10,
	}))
	require.NoError(t, products.Upsert(ctx, &product.Product{
		ID: "tray", SKU: "TRAY-1", Name: "Tray", Price: decimal.RequireFromString("15.00"), Category: "home", IsActive: true, Stock: 5,
	}))
	limit := 1
	for _, c := range []coupon.Coupon{
		{Code: "FIVEOFF", DiscountType: coupon.DiscountFixedAmount, DiscountValue: decimal.NewFromInt(5),
			MinimumOrderAmount: decimal.NewNullDecimal(decimal.NewFromInt(30))},
		{Code: itCouponOnce, DiscountType: coupon.DiscountPercentage, DiscountValue: decimal.NewFromInt(10), UsageLimit: &limit},
	} {
		c.IsActive = true
		c.ValidFrom = time.Now().Add(-time.Hour)
		require.NoError(t, coupons.Upsert(ctx, &c))
	}
	for key, scope := range map[string]string{itStoreKey: auth.ScopeCreateOrder, itStaffKey: auth.ScopeManageOrders} {
		require.NoError(t, keys.Create(ctx, &auth.APIKeyInfo{
			ID: key, KeyHash: handler.HashKey([]byte(itPepper), key), Name: key, Scopes: []string{scope},
		}))
	}

	resolver := coupon.NewResolver(coupons)
	svc, err := order.NewService(products, resolver, repository.NewOrderRepository(pool),
		pricing.NewCalculator(pricing.Config{}), order.Options{Events: events.Nop{}})
	require.NoError(t, err)

	h := handler.New(products, resolver, svc, cart.NewService(repository.NewCartRepository(pool), svc))
	srv := httptest.NewServer(h.Routes(handler.NewAuthenticator(keys, []byte(itPepper))))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, key, body string, headers ...string) (int, http.Header, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(handler.APIKeyHeader, key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, resp.Header, out
}

func orderBody(coupon string) string {
	return fmt.Sprintf(`{
		"items": [{"product_id": "mug", "quantity": 2}],
		"coupon_code": %q,
		"customer_email": "buyer@example.com",
		"shipping_address": {
			"first_name": "Ada", "address_line1": "1 Main St", "city": "Springfield",
			"postal_code": "12345", "country": "US"
		}
	}`, coupon)
}

func TestCheckoutEndToEnd(t *testing.T) {
	srv := startServer(t)

	t.Run("quote does not consume coupon", func(t *testing.T) {
		for range 3 {
			status, _, body := call(t, srv, http.MethodPost, "/orders/quote", itStoreKey,
				`{"items": [{"product_id": "mug", "quantity": 1}], "coupon_code": "once"}`)
			require.Equal(t, http.StatusOK, status, body)
		}
	})

	var placedID string
	t.Run("place order with idempotency key", func(t *testing.T) {
		status, hdr, body := call(t, srv, http.MethodPost, "/orders", itStoreKey, orderBody("fiveoff"),
			handler.IdempotencyKeyHeader, "checkout-1")
		require.Equal(t, http.StatusCreated, status, body)
		assert.Empty(t, hdr.Get(handler.IdempotencyReplayedHeader))
		assert.Equal(t, "80.00", body["subtotal"])
		assert.Equal(t, "5.00", body["discount_amount"])
		assert.Equal(t, "pending", body["status"])
		placedID, _ = body["id"].(string)
		require.NotEmpty(t, placedID)

		status, hdr, body = call(t, srv, http.MethodPost, "/orders", itStoreKey, orderBody("fiveoff"),
			handler.IdempotencyKeyHeader, "checkout-1")
		require.Equal(t, http.StatusOK, status, body)
		assert.Equal(t, "true", hdr.Get(handler.IdempotencyReplayedHeader))
		assert.Equal(t, placedID, body["id"])
	})

	t.Run("usage limit is enforced at commit", func(t *testing.T) {
		status, _, body := call(t, srv, http.MethodPost, "/orders", itStoreKey, orderBody(itCouponOnce))
		require.Equal(t, http.StatusCreated, status, body)

		status, _, body = call(t, srv, http.MethodPost, "/orders", itStoreKey, orderBody(itCouponOnce))
		assert.Equal(t, http.StatusConflict, status, body)
	})

	t.Run("staff drive status transitions", func(t *testing.T) {
		path := "/orders/" + placedID + "/status"

		status, _, body := call(t, srv, http.MethodPatch, path, itStoreKey, `{"status": "confirmed"}`)
		require.Equal(t, http.StatusForbidden, status, body)

		status, _, body = call(t, srv, http.MethodPatch, path, itStaffKey, `{"status": "confirmed"}`)
		require.Equal(t, http.StatusOK, status, body)
		assert.Equal(t, "confirmed", body["status"])

		status, _, body = call(t, srv, http.MethodPatch, path, itStaffKey, `{"status": "delivered"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, status, body)
	})

	t.Run("customer cancels own order once", func(t *testing.T) {
		status, _, body := call(t, srv, http.MethodPost, "/orders", itStoreKey, orderBody(""))
		require.Equal(t, http.StatusCreated, status, body)
		id, _ := body["id"].(string)

		status, _, body = call(t, srv, http.MethodPost, "/orders/"+id+"/cancel", itStoreKey, "")
		require.Equal(t, http.StatusOK, status, body)
		assert.Equal(t, "cancelled", body["status"])

		status, _, body = call(t, srv, http.MethodPost, "/orders/"+id+"/cancel", itStoreKey, "")
		assert.Equal(t, http.StatusUnprocessableEntity, status, body)
	})

	// Two orders of two mugs are live; the cancelled one went back to stock.
	t.Run("orders cannot exceed stock", func(t *testing.T) {
		over := strings.Replace(orderBody(""), `"quantity": 2`, `"quantity": 7`, 1)
		status, _, body := call(t, srv, http.MethodPost, "/orders", itStoreKey, over)
		require.Equal(t, http.StatusUnprocessableEntity, status, body)
		assert.Contains(t, body["message"], "only 6 of product mug in stock")

		exact := strings.Replace(orderBody(""), `"quantity": 2`, `"quantity": 6`, 1)
		status, _, body = call(t, srv, http.MethodPost, "/orders", itStoreKey, exact)
		require.Equal(t, http.StatusCreated, status, body)

		status, _, body = call(t, srv, http.MethodGet, "/products/mug", "", "")
		require.Equal(t, http.StatusOK, status, body)
		assert.Equal(t, false, body["in_stock"])
	})
}

func TestCartCheckoutEndToEnd(t *testing.T) {
	srv := startServer(t)
	const checkout = `{
		"customer_email": "buyer@example.com",
		"shipping_address": {
			"first_name": "Ada", "address_line1": "1 Main St", "city": "Springfield",
			"postal_code": "12345", "country": "US"
		}
	}`

	status, _, body := call(t, srv, http.MethodPost, "/cart/checkout", itStoreKey, checkout)
	require.Equal(t, http.StatusUnprocessableEntity, status, body)

	for range 2 {
		status, _, body = call(t, srv, http.MethodPost, "/cart/items", itStoreKey, `{"product_id": "tray", "quantity": 2}`)
		require.Equal(t, http.StatusOK, status, body)
	}
	assert.EqualValues(t, 4, body["item_count"])
	quote, _ := body["quote"].(map[string]any)
	require.NotNil(t, quote, body)
	assert.Equal(t, "60.00", quote["subtotal"])

	status, _, body = call(t, srv, http.MethodPost, "/cart/items", itStoreKey, `{"product_id": "tray", "quantity": 2}`)
	require.Equal(t, http.StatusUnprocessableEntity, status, body)
	assert.Contains(t, body["message"], "only 5 of product tray in stock")

	status, _, body = call(t, srv, http.MethodGet, "/cart", itStaffKey, "")
	require.Equal(t, http.StatusForbidden, status, body)

	status, _, body = call(t, srv, http.MethodPost, "/cart/checkout", itStoreKey, checkout,
		handler.IdempotencyKeyHeader, "cart-1")
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "60.00", body["subtotal"])
	orderID := body["id"]

	status, _, body = call(t, srv, http.MethodGet, "/cart", itStoreKey, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 0, body["item_count"])

	// A retried checkout returns the same order even though the cart is gone.
	status, _, body = call(t, srv, http.MethodPost, "/cart/checkout", itStoreKey, checkout,
		handler.IdempotencyKeyHeader, "cart-1")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, orderID, body["id"])

	status, _, body = call(t, srv, http.MethodGet, "/products/tray", "", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["in_stock"])
}
