package handler

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kastoma-checkout/internal/domain/cart"
	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
	"github.com/xenking/kastoma-checkout/internal/domain/product"
	"github.com/xenking/kastoma-checkout/pkg/httpmiddleware"
)

const maxBodyBytes = 1 << 20

// badRequestError marks malformed input; it maps to 400.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// decodeBody reads the JSON object in r.Body, calling field for every key.
// Unknown keys are skipped.
func decodeBody(r *http.Request, field func(d *jx.Decoder, key string) error) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if len(b) > maxBodyBytes {
		return badRequest("request body too large")
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return badRequest("request body is empty")
	}
	if err := jx.DecodeBytes(b).Obj(field); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// str decodes a string, accepting null as "".
func str(d *jx.Decoder, dst *string) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	v, err := d.Str()
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// numStr decodes a JSON number or numeric string into its textual form so
// money never passes through float64.
func numStr(d *jx.Decoder, dst *string) error {
	switch d.Next() {
	case jx.Null:
		return d.Null()
	case jx.String:
		return str(d, dst)
	default:
		n, err := d.Num()
		if err != nil {
			return err
		}
		*dst = n.String()
		return nil
	}
}

func (in *itemInput) decodeField(d *jx.Decoder, key string) error {
	switch key {
	case "product_id":
		return str(d, &in.ProductID)
	case "variant_id":
		return str(d, &in.VariantID)
	case "quantity":
		v, err := d.Int()
		in.Quantity = v
		return err
	default:
		return d.Skip()
	}
}

func decodeItems(d *jx.Decoder, dst *[]itemInput) error {
	return d.Arr(func(d *jx.Decoder) error {
		var it itemInput
		if err := d.Obj(it.decodeField); err != nil {
			return err
		}
		*dst = append(*dst, it)
		return nil
	})
}

func decodeAddress(d *jx.Decoder, a *addressInput) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "first_name":
			return str(d, &a.FirstName)
		case "last_name":
			return str(d, &a.LastName)
		case "company":
			return str(d, &a.Company)
		case "address_line1":
			return str(d, &a.Line1)
		case "address_line2":
			return str(d, &a.Line2)
		case "city":
			return str(d, &a.City)
		case "state":
			return str(d, &a.State)
		case "postal_code":
			return str(d, &a.PostalCode)
		case "country":
			return str(d, &a.Country)
		default:
			return d.Skip()
		}
	})
}

func (in *quoteInput) decodeField(d *jx.Decoder, key string) error {
	switch key {
	case "items":
		return decodeItems(d, &in.Items)
	case "coupon_code":
		return str(d, &in.CouponCode)
	case "shipping_method":
		return str(d, &in.ShippingMethod)
	default:
		return d.Skip()
	}
}

func (in *placeOrderInput) decodeField(d *jx.Decoder, key string) error {
	switch key {
	case "items":
		return decodeItems(d, &in.Items)
	case "coupon_code":
		return str(d, &in.CouponCode)
	case "shipping_method":
		return str(d, &in.ShippingMethod)
	case "customer_email":
		return str(d, &in.Email)
	case "customer_phone":
		return str(d, &in.Phone)
	case "shipping_address":
		return decodeAddress(d, &in.ShippingAddress)
	case "billing_address":
		if d.Next() == jx.Null {
			return d.Null()
		}
		in.BillingAddress = new(addressInput)
		return decodeAddress(d, in.BillingAddress)
	case "notes":
		return str(d, &in.Notes)
	default:
		return d.Skip()
	}
}

func (in *statusInput) decodeField(d *jx.Decoder, key string) error {
	switch key {
	case "status":
		return str(d, &in.Status)
	case "notes":
		return str(d, &in.Notes)
	default:
		return d.Skip()
	}
}

func (in *trackingInput) decodeField(d *jx.Decoder, key string) error {
	switch key {
	case "tracking_number":
		return str(d, &in.Number)
	case "carrier":
		return str(d, &in.Carrier)
	case "tracking_url":
		return str(d, &in.URL)
	case "estimated_delivery":
		return str(d, &in.EstimatedDelivery)
	default:
		return d.Skip()
	}
}

func (in *couponInput) decodeField(d *jx.Decoder, key string) error {
	switch key {
	case "code":
		return str(d, &in.Code)
	case "order_amount":
		return numStr(d, &in.OrderAmount)
	default:
		return d.Skip()
	}
}

// Responses.

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	httpmiddleware.WriteError(w, status, message)
}

func money(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Str(v.StringFixed(2))
}

func timestamp(e *jx.Encoder, field string, t *time.Time) {
	e.FieldStart(field)
	if t == nil {
		e.Null()
		return
	}
	e.Str(t.UTC().Format(time.RFC3339))
}

func optStr(e *jx.Encoder, field, v string) {
	if v == "" {
		return
	}
	e.FieldStart(field)
	e.Str(v)
}

func encodeProduct(e *jx.Encoder, p *product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("sku")
	e.Str(p.SKU)
	e.FieldStart("name")
	e.Str(p.Name)
	money(e, "price", p.Price)
	optStr(e, "category", p.Category)
	e.FieldStart("in_stock")
	e.Bool(p.InStock())
	e.ObjEnd()
}

func encodeTotals(e *jx.Encoder, t pricing.Totals) {
	money(e, "subtotal", t.Subtotal)
	money(e, "discount_amount", t.Discount)
	money(e, "shipping_cost", t.Shipping)
	money(e, "tax_amount", t.Tax)
	money(e, "total", t.Total)
}

func encodeItems(e *jx.Encoder, items []order.Item) {
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		optStr(e, "variant_id", it.VariantID)
		e.FieldStart("product_name")
		e.Str(it.ProductName)
		e.FieldStart("sku")
		e.Str(it.SKU)
		money(e, "unit_price", it.UnitPrice)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		money(e, "total_price", it.Total)
		e.ObjEnd()
	}
	e.ArrEnd()
}

func encodeQuote(e *jx.Encoder, q *order.Quote) {
	e.ObjStart()
	encodeItems(e, q.Items)
	e.FieldStart("shipping_method")
	e.Str(string(q.ShippingMethod))
	optStr(e, "coupon_code", q.CouponCode)
	encodeTotals(e, q.Totals)
	e.ObjEnd()
}

func encodeCart(e *jx.Encoder, v *cart.View) {
	e.ObjStart()
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range v.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		optStr(e, "variant_id", it.VariantID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		timestamp(e, "added_at", &it.AddedAt)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("item_count")
	e.Int(v.ItemCount())

	e.FieldStart("quote")
	if v.Quote == nil {
		e.Null()
	} else {
		encodeQuote(e, v.Quote)
	}
	if v.Problem != nil {
		e.FieldStart("problem")
		e.Str(v.Problem.Error())
	}
	e.ObjEnd()
}

func encodeAddress(e *jx.Encoder, field string, a order.Address) {
	e.FieldStart(field)
	e.ObjStart()
	e.FieldStart("first_name")
	e.Str(a.FirstName)
	e.FieldStart("last_name")
	e.Str(a.LastName)
	optStr(e, "company", a.Company)
	e.FieldStart("address_line1")
	e.Str(a.Line1)
	optStr(e, "address_line2", a.Line2)
	e.FieldStart("city")
	e.Str(a.City)
	optStr(e, "state", a.State)
	e.FieldStart("postal_code")
	e.Str(a.PostalCode)
	e.FieldStart("country")
	e.Str(a.Country)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("order_number")
	e.Str(o.Number)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("customer_email")
	e.Str(o.CustomerEmail)
	optStr(e, "customer_phone", o.CustomerPhone)
	encodeItems(e, o.Items)
	e.FieldStart("item_count")
	e.Int(o.ItemCount())
	optStr(e, "coupon_code", o.CouponCode)
	e.FieldStart("shipping_method")
	e.Str(string(o.ShippingMethod))
	encodeTotals(e, o.Totals())
	encodeAddress(e, "shipping_address", o.ShippingAddress)
	encodeAddress(e, "billing_address", o.BillingAddress)
	optStr(e, "notes", o.Notes)

	e.FieldStart("tracking")
	if t := o.Tracking; t == nil {
		e.Null()
	} else {
		e.ObjStart()
		e.FieldStart("tracking_number")
		e.Str(t.Number)
		e.FieldStart("carrier")
		e.Str(t.Carrier)
		optStr(e, "tracking_url", t.URL)
		timestamp(e, "estimated_delivery", t.EstimatedDelivery)
		e.ObjEnd()
	}

	timestamp(e, "created_at", &o.CreatedAt)
	timestamp(e, "updated_at", &o.UpdatedAt)
	timestamp(e, "confirmed_at", o.ConfirmedAt)
	timestamp(e, "shipped_at", o.ShippedAt)
	timestamp(e, "delivered_at", o.DeliveredAt)
	timestamp(e, "cancelled_at", o.CancelledAt)
	e.ObjEnd()
}

func encodeCouponCheck(e *jx.Encoder, res coupon.CheckResult, discount *decimal.Decimal) {
	e.ObjStart()
	e.FieldStart("valid")
	e.Bool(res.Valid)
	optStr(e, "reason", res.Reason)
	if c := res.Coupon; c != nil && res.Valid {
		e.FieldStart("code")
		e.Str(c.Code)
		optStr(e, "name", c.Name)
		e.FieldStart("discount_type")
		e.Str(string(c.DiscountType))
		e.FieldStart("discount_value")
		e.Str(c.DiscountValue.String())
		if c.MinimumOrderAmount.Valid {
			money(e, "minimum_order_amount", c.MinimumOrderAmount.Decimal)
		}
		if c.MaximumDiscountAmount.Valid {
			money(e, "maximum_discount_amount", c.MaximumDiscountAmount.Decimal)
		}
		if discount != nil {
			money(e, "discount_amount", *discount)
		}
	}
	e.ObjEnd()
}
