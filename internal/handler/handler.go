// Package handler exposes the checkout API over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/kastoma-checkout/internal/domain/auth"
	"github.com/xenking/kastoma-checkout/internal/domain/cart"
	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
	"github.com/xenking/kastoma-checkout/internal/domain/product"
)

// OrderService is the order workflow used by the handlers. *order.Service
// implements it.
type OrderService interface {
	Quote(ctx context.Context, req order.QuoteRequest) (*order.Quote, error)
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	List(ctx context.Context, params order.ListParams) ([]order.Order, error)
	UpdateStatus(ctx context.Context, id string, to order.Status, notes string) (*order.Order, error)
	Cancel(ctx context.Context, id string) (*order.Order, error)
	AddTracking(ctx context.Context, id string, t order.Tracking) (*order.Order, error)
}

// CartService manages the caller's cart. *cart.Service implements it.
type CartService interface {
	Get(ctx context.Context, customerID, couponCode string, method pricing.ShippingMethod) (*cart.View, error)
	AddItem(ctx context.Context, customerID string, req order.ItemRequest) (*cart.View, error)
	UpdateItem(ctx context.Context, customerID string, req order.ItemRequest) (*cart.View, error)
	RemoveItem(ctx context.Context, customerID, productID, variantID string) (*cart.View, error)
	Clear(ctx context.Context, customerID string) (*cart.View, error)
	Checkout(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
}

type cartChange func(ctx context.Context, customerID string, req order.ItemRequest) (*cart.View, error)

// CouponChecker answers the validate-coupon endpoint. *coupon.Resolver
// implements it.
type CouponChecker interface {
	Check(ctx context.Context, code string) (coupon.CheckResult, error)
}

var (
	_ OrderService = (*order.Service)(nil)
	_ CartService  = (*cart.Service)(nil)
)

// Handler serves the /api routes.
type Handler struct {
	products product.Repository
	coupons  CouponChecker
	orders   OrderService
	carts    CartService
	validate *validator.Validate
	now      func() time.Time
}

// New creates a Handler.
func New(products product.Repository, coupons CouponChecker, orders OrderService, carts CartService) *Handler {
	return &Handler{
		products: products,
		coupons:  coupons,
		orders:   orders,
		carts:    carts,
		validate: newValidator(),
		now:      time.Now,
	}
}

// Routes returns the API router. Catalog and coupon lookups are public;
// order and cart routes require an API key.
func (h *Handler) Routes(sec *Authenticator) chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/products", h.listProducts)
	r.Get("/products/{productID}", h.getProduct)
	r.Post("/coupons/validate", h.validateCoupon)

	r.Group(func(r chi.Router) {
		r.Use(sec.Require(auth.ScopeCreateOrder, auth.ScopeManageOrders))
		r.Post("/orders/quote", h.quoteOrder)
		r.Post("/orders", h.placeOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{orderID}", h.getOrder)
		r.Post("/orders/{orderID}/cancel", h.cancelOrder)
	})

	r.Group(func(r chi.Router) {
		r.Use(sec.Require(auth.ScopeCreateOrder))
		r.Get("/cart", h.getCart)
		r.Delete("/cart", h.clearCart)
		r.Post("/cart/items", h.addCartItem)
		r.Patch("/cart/items", h.updateCartItem)
		r.Delete("/cart/items", h.removeCartItem)
		r.Post("/cart/checkout", h.checkoutCart)
	})

	r.Group(func(r chi.Router) {
		r.Use(sec.Require(auth.ScopeManageOrders))
		r.Patch("/orders/{orderID}/status", h.updateOrderStatus)
		r.Put("/orders/{orderID}/tracking", h.setOrderTracking)
	})

	return r
}
