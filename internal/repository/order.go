package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
)

const (
	orderColumns = `id, order_number, customer_id, customer_email, customer_phone, status,
		coupon_code, shipping_method, shipping_address, billing_address,
		subtotal, discount_amount, shipping_cost, tax_amount, total_amount,
		notes, internal_notes, COALESCE(idempotency_key, ''),
		tracking_number, tracking_carrier, tracking_url, estimated_delivery,
		created_at, updated_at, confirmed_at, shipped_at, delivered_at, cancelled_at`

	createOrderSQL = `INSERT INTO orders (id, order_number, customer_id, customer_email, customer_phone,
		status, coupon_code, shipping_method, shipping_address, billing_address,
		subtotal, discount_amount, shipping_cost, tax_amount, total_amount,
		notes, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`

	createOrderItemSQL = `INSERT INTO order_items (order_id, line_no, product_id, variant_id,
		product_name, sku, unit_price, quantity, total_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByIdempotencyKeySQL = `SELECT ` + orderColumns + ` FROM orders WHERE customer_id = $1 AND idempotency_key = $2`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE ($1 = '' OR customer_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`

	getOrderItemsSQL = `SELECT order_id, product_id, COALESCE(variant_id, ''), product_name, sku,
		unit_price, quantity, total_price
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY order_id, line_no`

	// Timestamps only move from NULL to a value.
	updateOrderStatusSQL = `UPDATE orders SET
			status = $3,
			internal_notes = $4,
			updated_at = $5,
			confirmed_at = COALESCE(confirmed_at, $6),
			shipped_at = COALESCE(shipped_at, $7),
			delivered_at = COALESCE(delivered_at, $8),
			cancelled_at = COALESCE(cancelled_at, $9)
		WHERE id = $1 AND status = $2`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	setTrackingSQL = `UPDATE orders SET
			tracking_number = $2, tracking_carrier = $3, tracking_url = $4,
			estimated_delivery = $5, updated_at = NOW()
		WHERE id = $1`

	ordersIdempotencyKeyUnique = "orders_customer_idempotency_key"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
	tx   TxOptions
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool, tx: DefaultTxOptions()}
}

// Create inserts the order, its items and the optional coupon redemption in
// one transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, rd *coupon.Redemption) error {
	shipTo := encodeAddress(o.ShippingAddress)
	billTo := encodeAddress(o.BillingAddress)

	err := WithTx(ctx, r.pool, r.tx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createOrderSQL,
			o.ID, o.Number, o.CustomerID, o.CustomerEmail, o.CustomerPhone,
			string(o.Status), o.CouponCode, string(o.ShippingMethod), shipTo, billTo,
			o.Subtotal, o.Discount, o.Shipping, o.Tax, o.Total,
			o.Notes, nullString(o.IdempotencyKey), o.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, ordersIdempotencyKeyUnique) {
				return order.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("inserting order: %w", err)
		}

		batch := &pgx.Batch{}
		for i, it := range o.Items {
			batch.Queue(createOrderItemSQL,
				o.ID, i+1, it.ProductID, nullString(it.VariantID),
				it.ProductName, it.SKU, it.UnitPrice, it.Quantity, it.Total,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting order items: %w", err)
		}

		if err := reserveStock(ctx, tx, o.Items); err != nil {
			return err
		}

		if rd != nil {
			return redeemCoupon(ctx, tx, *rd)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// FindByID returns the order with its items.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (*order.Order, error) {
	return r.findOne(ctx, getOrderByIDSQL, id)
}

// FindByIdempotencyKey returns the order customerID created with key.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, customerID, key string) (*order.Order, error) {
	return r.findOne(ctx, getOrderByIdempotencyKeySQL, customerID, key)
}

func (r *OrderRepository) findOne(ctx context.Context, sql string, args ...any) (*order.Order, error) {
	arg := args[len(args)-1]
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}

	orders := []order.Order{o}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// List returns orders newest first.
func (r *OrderRepository) List(ctx context.Context, params order.ListParams) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL,
		params.CustomerID, string(params.Status), params.Limit, params.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// UpdateStatus writes the status change if the stored status is still
// change.From. Cancelling an order returns its items to stock.
func (r *OrderRepository) UpdateStatus(ctx context.Context, change order.StatusChange) error {
	o := change.Order
	return WithTx(ctx, r.pool, r.tx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateOrderStatusSQL,
			o.ID, string(change.From), string(o.Status), o.InternalNotes, o.UpdatedAt,
			o.ConfirmedAt, o.ShippedAt, o.DeliveredAt, o.CancelledAt,
		)
		if err != nil {
			return fmt.Errorf("updating status of order %q: %w", o.ID, err)
		}
		if tag.RowsAffected() == 1 {
			if o.Status == order.StatusCancelled && change.From != order.StatusCancelled {
				return releaseStock(ctx, tx, o.Items)
			}
			return nil
		}

		var exists bool
		if err := tx.QueryRow(ctx, orderExistsSQL, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("checking order %q: %w", o.ID, err)
		}
		if !exists {
			return order.ErrNotFound
		}
		return order.ErrConcurrentUpdate
	})
}

// SetTracking stores shipment tracking details.
func (r *OrderRepository) SetTracking(ctx context.Context, id string, t order.Tracking) error {
	tag, err := r.pool.Exec(ctx, setTrackingSQL, id, t.Number, t.Carrier, t.URL, t.EstimatedDelivery)
	if err != nil {
		return fmt.Errorf("setting tracking for order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) attachItems(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := r.pool.Query(ctx, getOrderItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("getting order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			it      order.Item
			qty     int32
		)
		if err := rows.Scan(
			&orderID, &it.ProductID, &it.VariantID, &it.ProductName, &it.SKU,
			&it.UnitPrice, &qty, &it.Total,
		); err != nil {
			return fmt.Errorf("scanning order item: %w", err)
		}
		it.Quantity = int(qty)
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, it)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading order items: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                      order.Order
		status, method         string
		shipTo, billTo         []byte
		trackNo, carrier, link string
		eta                    *time.Time
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.CustomerID, &o.CustomerEmail, &o.CustomerPhone, &status,
		&o.CouponCode, &method, &shipTo, &billTo,
		&o.Subtotal, &o.Discount, &o.Shipping, &o.Tax, &o.Total,
		&o.Notes, &o.InternalNotes, &o.IdempotencyKey,
		&trackNo, &carrier, &link, &eta,
		&o.CreatedAt, &o.UpdatedAt, &o.ConfirmedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt,
	)
	if err != nil {
		return o, err
	}

	o.Status = order.Status(status)
	o.ShippingMethod = pricing.ShippingMethod(method)
	if trackNo != "" || carrier != "" || link != "" {
		o.Tracking = &order.Tracking{Number: trackNo, Carrier: carrier, URL: link, EstimatedDelivery: eta}
	}
	if o.ShippingAddress, err = decodeAddress(shipTo); err != nil {
		return o, fmt.Errorf("decoding shipping address: %w", err)
	}
	if o.BillingAddress, err = decodeAddress(billTo); err != nil {
		return o, fmt.Errorf("decoding billing address: %w", err)
	}
	return o, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// encodeAddress renders a as a JSON object, omitting empty fields.
func encodeAddress(a order.Address) []byte {
	var e jx.Encoder
	e.ObjStart()
	field := func(name, v string) {
		if v == "" {
			return
		}
		e.FieldStart(name)
		e.Str(v)
	}
	field("first_name", a.FirstName)
	field("last_name", a.LastName)
	field("company", a.Company)
	field("line1", a.Line1)
	field("line2", a.Line2)
	field("city", a.City)
	field("state", a.State)
	field("postal_code", a.PostalCode)
	field("country", a.Country)
	e.ObjEnd()
	return e.Bytes()
}

func decodeAddress(data []byte) (order.Address, error) {
	var a order.Address
	if len(data) == 0 {
		return a, nil
	}
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var dst *string
		switch key {
		case "first_name":
			dst = &a.FirstName
		case "last_name":
			dst = &a.LastName
		case "company":
			dst = &a.Company
		case "line1":
			dst = &a.Line1
		case "line2":
			dst = &a.Line2
		case "city":
			dst = &a.City
		case "state":
			dst = &a.State
		case "postal_code":
			dst = &a.PostalCode
		case "country":
			dst = &a.Country
		default:
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return errors.Wrap(err, key)
		}
		*dst = v
		return nil
	})
	return a, err
}
