package events

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kastoma-checkout/internal/domain/order"
)

func TestEncode(t *testing.T) {
	at := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
	o := &order.Order{
		ID:            "o1",
		Number:        "202512345678",
		CustomerEmail: "buyer@example.com",
		Status:        order.StatusPending,
		Total:         decimal.RequireFromString("60.1"),
		CouponCode:    "SAVE5",
	}

	t.Run("created", func(t *testing.T) {
		got := Encode(order.Event{Type: order.EventOrderCreated, Order: o, OccurredAt: at})
		assert.JSONEq(t, `{
			"type": "order.created",
			"occurred_at": "2025-06-16T10:00:00Z",
			"order_id": "o1",
			"order_number": "202512345678",
			"customer_email": "buyer@example.com",
			"status": "pending",
			"total": "60.10",
			"coupon_code": "SAVE5"
		}`, string(got))
	})

	t.Run("status changed", func(t *testing.T) {
		shipped := *o
		shipped.Status = order.StatusShipped
		shipped.CouponCode = ""
		got := Encode(order.Event{
			Type:           order.EventStatusChanged,
			Order:          &shipped,
			PreviousStatus: order.StatusProcessing,
			OccurredAt:     at,
		})
		assert.JSONEq(t, `{
			"type": "order.status_changed",
			"occurred_at": "2025-06-16T10:00:00Z",
			"order_id": "o1",
			"order_number": "202512345678",
			"customer_email": "buyer@example.com",
			"status": "shipped",
			"previous_status": "processing",
			"total": "60.10"
		}`, string(got))
	})
}

func TestNop(t *testing.T) {
	require.NoError(t, Nop{}.Publish(context.Background(), order.Event{}))
}
