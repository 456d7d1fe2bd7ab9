package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kastoma-checkout/internal/domain/auth"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
)

const (
	// IdempotencyKeyHeader makes order placement safe to retry.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyReplayedHeader is "true" when the response is an earlier order.
	IdempotencyReplayedHeader = "Idempotency-Replayed"

	maxIdempotencyKeyLen = 255
)

// canAccess reports whether the caller may see o. Order managers see every
// order, other keys only their own.
func canAccess(k *auth.APIKeyInfo, o *order.Order) bool {
	return k.HasScope(auth.ScopeManageOrders) || o.CustomerID == k.ID
}

func (h *Handler) quoteOrder(w http.ResponseWriter, r *http.Request) {
	var in quoteInput
	if err := decodeBody(r, in.decodeField); err != nil {
		fail(w, r, err)
		return
	}
	if err := h.validate.Struct(&in); err != nil {
		fail(w, r, badRequest("%s", validationMessage(err)))
		return
	}

	q, err := h.orders.Quote(r.Context(), order.QuoteRequest{
		Items:          itemRequests(in.Items),
		CouponCode:     in.CouponCode,
		ShippingMethod: pricing.ShippingMethod(in.ShippingMethod),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeQuote(e, q) })
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
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
	if err := h.validate.Struct(&in); err != nil {
		fail(w, r, badRequest("%s", validationMessage(err)))
		return
	}

	caller := auth.FromContext(r.Context())
	res, err := h.orders.PlaceOrder(r.Context(), in.request(caller.ID, key))
	if err != nil {
		fail(w, r, err)
		return
	}
	writePlaced(w, r, caller, res)
}

func idempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLen {
		return "", badRequest("%s must be at most %d characters", IdempotencyKeyHeader, maxIdempotencyKeyLen)
	}
	return key, nil
}

// writePlaced answers 201 for a new order and 200 for a replay. A replayed
// order the caller cannot see is reported as missing.
func writePlaced(w http.ResponseWriter, r *http.Request, caller *auth.APIKeyInfo, res *order.PlaceOrderResult) {
	status := http.StatusCreated
	if res.Replayed {
		if !canAccess(caller, res.Order) {
			fail(w, r, order.ErrNotFound)
			return
		}
		status = http.StatusOK
		w.Header().Set(IdempotencyReplayedHeader, "true")
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodeOrder(e, res.Order) })
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	q := r.URL.Query()
	params := order.ListParams{Limit: limit, Offset: offset}

	if s := q.Get("status"); s != "" {
		st, err := order.ParseStatus(s)
		if err != nil {
			fail(w, r, err)
			return
		}
		params.Status = st
	}

	k := auth.FromContext(r.Context())
	if k.HasScope(auth.ScopeManageOrders) {
		params.CustomerID = q.Get("customer_id")
	} else {
		params.CustomerID = k.ID
	}

	orders, err := h.orders.List(r.Context(), params)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range orders {
			encodeOrder(e, &orders[i])
		}
		e.ArrEnd()
	})
}

// visibleOrder loads the order named in the path, hiding orders the caller
// does not own behind a 404.
func (h *Handler) visibleOrder(r *http.Request) (*order.Order, error) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		return nil, err
	}
	if !canAccess(auth.FromContext(r.Context()), o) {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.visibleOrder(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.visibleOrder(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	o, err = h.orders.Cancel(r.Context(), o.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var in statusInput
	if err := decodeBody(r, in.decodeField); err != nil {
		fail(w, r, err)
		return
	}
	if err := h.validate.Struct(&in); err != nil {
		fail(w, r, badRequest("%s", validationMessage(err)))
		return
	}
	to, err := order.ParseStatus(in.Status)
	if err != nil {
		fail(w, r, err)
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "orderID"), to, in.Notes)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) setOrderTracking(w http.ResponseWriter, r *http.Request) {
	var in trackingInput
	if err := decodeBody(r, in.decodeField); err != nil {
		fail(w, r, err)
		return
	}
	if err := h.validate.Struct(&in); err != nil {
		fail(w, r, badRequest("%s", validationMessage(err)))
		return
	}

	t := order.Tracking{Number: in.Number, Carrier: in.Carrier, URL: in.URL}
	if in.EstimatedDelivery != "" {
		// Format already checked by the datetime validator.
		eta, _ := time.Parse(time.DateOnly, in.EstimatedDelivery)
		t.EstimatedDelivery = &eta
	}

	o, err := h.orders.AddTracking(r.Context(), chi.URLParam(r, "orderID"), t)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}
