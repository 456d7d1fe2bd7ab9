package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kastoma-checkout/internal/domain/auth"
	"github.com/xenking/kastoma-checkout/internal/domain/cart"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
)

// Every cart route works on the caller's own cart; the API key ID is the
// customer.

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v, err := h.carts.Get(r.Context(), auth.FromContext(r.Context()).ID,
		q.Get("coupon_code"), pricing.ShippingMethod(q.Get("shipping_method")))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, v)
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	h.changeCartItem(w, r, h.carts.AddItem)
}

func (h *Handler) updateCartItem(w http.ResponseWriter, r *http.Request) {
	h.changeCartItem(w, r, h.carts.UpdateItem)
}

func (h *Handler) changeCartItem(w http.ResponseWriter, r *http.Request, apply cartChange) {
	var in itemInput
	if err := decodeBody(r, in.decodeField); err != nil {
		fail(w, r, err)
		return
	}
	if err := h.validate.Struct(&in); err != nil {
		fail(w, r, badRequest("%s", validationMessage(err)))
		return
	}

	v, err := apply(r.Context(), auth.FromContext(r.Context()).ID, order.ItemRequest{
		ProductID: in.ProductID,
		VariantID: in.VariantID,
		Quantity:  in.Quantity,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, v)
}

func (h *Handler) removeCartItem(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID := q.Get("product_id")
	if productID == "" {
		fail(w, r, badRequest("product_id is required"))
		return
	}
	v, err := h.carts.RemoveItem(r.Context(), auth.FromContext(r.Context()).ID, productID, q.Get("variant_id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, v)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	v, err := h.carts.Clear(r.Context(), auth.FromContext(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, v)
}

// checkoutCart places an order for the cart. The body is an order placement
// whose items, if any, are ignored.
func (h *Handler) checkoutCart(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var in placeOrderInput
	if err := decodeBody(r, in.decodeField); err != nil {
		fail(w, r, err)
		return
	}
	in.Items = nil
	if err := h.validate.Struct(&in); err != nil {
		fail(w, r, badRequest("%s", validationMessage(err)))
		return
	}

	caller := auth.FromContext(r.Context())
	res, err := h.carts.Checkout(r.Context(), in.request(caller.ID, key))
	if err != nil {
		fail(w, r, err)
		return
	}
	writePlaced(w, r, caller, res)
}

func writeCart(w http.ResponseWriter, v *cart.View) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, v) })
}
