// Package events publishes order lifecycle notifications to RabbitMQ.
package events

import (
	"context"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/kastoma-checkout/internal/domain/order"
)

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

var _ order.Publisher = Nop{}

// Publish implements order.Publisher.
func (Nop) Publish(context.Context, order.Event) error { return nil }

// Encode renders e as the JSON message body.
func Encode(e order.Event) []byte {
	o := e.Order

	var w jx.Writer
	w.ObjStart()
	w.FieldStart("type")
	w.Str(string(e.Type))
	w.Comma()
	w.FieldStart("occurred_at")
	w.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	w.Comma()
	w.FieldStart("order_id")
	w.Str(o.ID)
	w.Comma()
	w.FieldStart("order_number")
	w.Str(o.Number)
	w.Comma()
	w.FieldStart("customer_email")
	w.Str(o.CustomerEmail)
	w.Comma()
	w.FieldStart("status")
	w.Str(string(o.Status))
	if e.PreviousStatus != "" {
		w.Comma()
		w.FieldStart("previous_status")
		w.Str(string(e.PreviousStatus))
	}
	w.Comma()
	w.FieldStart("total")
	w.Str(o.Total.StringFixed(2))
	if o.CouponCode != "" {
		w.Comma()
		w.FieldStart("coupon_code")
		w.Str(o.CouponCode)
	}
	w.ObjEnd()
	return w.Buf
}
