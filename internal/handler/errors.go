package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kastoma-checkout/internal/domain/cart"
	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
	"github.com/xenking/kastoma-checkout/internal/domain/product"
)

// errorStatus maps domain errors to a status code and a client message.
// Unknown errors are 500 and are not echoed.
func errorStatus(err error) (int, string) {
	var (
		badReq     *badRequestError
		qty        *pricing.InvalidQuantityError
		noProduct  *order.ProductNotFoundError
		noVariant  *order.VariantNotFoundError
		noStock    *order.InsufficientStockError
		transition *order.InvalidTransitionError
	)
	switch {
	case errors.As(err, &badReq):
		return http.StatusBadRequest, badReq.Error()
	case errors.Is(err, order.ErrUnknownStatus):
		return http.StatusBadRequest, order.ErrUnknownStatus.Error()

	case errors.Is(err, pricing.ErrEmptyOrder):
		return http.StatusUnprocessableEntity, pricing.ErrEmptyOrder.Error()
	case errors.Is(err, cart.ErrEmpty):
		return http.StatusUnprocessableEntity, cart.ErrEmpty.Error()
	case errors.As(err, &qty):
		return http.StatusUnprocessableEntity, qty.Error()
	case errors.Is(err, pricing.ErrAmountTooLarge):
		return http.StatusUnprocessableEntity, pricing.ErrAmountTooLarge.Error()
	case errors.As(err, &noProduct):
		return http.StatusUnprocessableEntity, noProduct.Error()
	case errors.As(err, &noVariant):
		return http.StatusUnprocessableEntity, noVariant.Error()
	case errors.As(err, &noStock):
		return http.StatusUnprocessableEntity, noStock.Error()
	case errors.As(err, &transition):
		return http.StatusUnprocessableEntity, transition.Error()
	case errors.Is(err, order.ErrNotCancellable):
		return http.StatusUnprocessableEntity, order.ErrNotCancellable.Error()
	case errors.Is(err, order.ErrNotTrackable):
		return http.StatusUnprocessableEntity, order.ErrNotTrackable.Error()

	case errors.Is(err, coupon.ErrUsageLimitReached):
		return http.StatusConflict, coupon.ErrUsageLimitReached.Error()
	case errors.Is(err, coupon.ErrAlreadyRedeemed):
		return http.StatusConflict, coupon.ErrAlreadyRedeemed.Error()
	case errors.Is(err, order.ErrConcurrentUpdate):
		return http.StatusConflict, order.ErrConcurrentUpdate.Error()

	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, order.ErrNotFound.Error()
	case errors.Is(err, cart.ErrItemNotFound):
		return http.StatusNotFound, cart.ErrItemNotFound.Error()
	case errors.Is(err, product.ErrNotFound):
		return http.StatusNotFound, product.ErrNotFound.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// fail writes the error response for err, logging server-side failures.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	writeError(w, status, msg)
}
