package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kastoma-checkout/internal/domain/product"
)

// pageParams reads limit and offset query parameters.
func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, badRequest("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, badRequest("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	products, err := h.products.List(r.Context(), product.ListParams{
		Category:   r.URL.Query().Get("category"),
		ActiveOnly: true,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		fail(w, r, errors.Wrap(err, "list products"))
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range products {
			encodeProduct(e, &products[i])
		}
		e.ArrEnd()
	})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.GetByID(r.Context(), chi.URLParam(r, "productID"))
	if err == nil && !p.IsActive {
		err = product.ErrNotFound
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeProduct(e, p) })
}

// validateCoupon reports whether a code is currently usable and, when an
// order amount is given, the discount it would yield. It never records usage.
func (h *Handler) validateCoupon(w http.ResponseWriter, r *http.Request) {
	var in couponInput
	if err := decodeBody(r, in.decodeField); err != nil {
		fail(w, r, err)
		return
	}
	if err := h.validate.Struct(&in); err != nil {
		fail(w, r, badRequest("%s", validationMessage(err)))
		return
	}

	res, err := h.coupons.Check(r.Context(), in.Code)
	if err != nil {
		fail(w, r, errors.Wrap(err, "check coupon"))
		return
	}

	var discount *decimal.Decimal
	if res.Valid && in.OrderAmount != "" {
		amount, err := decimal.NewFromString(in.OrderAmount)
		if err != nil {
			fail(w, r, badRequest("order_amount must be a decimal number"))
			return
		}
		d := res.Coupon.Discount(amount, h.now())
		discount = &d
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCouponCheck(e, res, discount) })
}
