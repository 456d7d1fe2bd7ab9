package events

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/xenking/kastoma-checkout/internal/domain/order"
)

// DefaultExchange is the topic exchange order events are published to.
const DefaultExchange = "kastoma.orders"

var _ order.Publisher = (*Publisher)(nil)

// Publisher sends order events to a topic exchange. The routing key is the
// event type, e.g. "order.created".
type Publisher struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// Dial connects to the broker at url and declares the exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}

	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends e as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, e order.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := Encode(e)

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Publish(
		p.exchange,
		string(e.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.Order.ID + ":" + string(e.Type) + ":" + string(e.Order.Status),
			Timestamp:    e.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "publish %s", e.Type)
	}

	zctx.From(ctx).Debug("Published order event",
		zap.String("event", string(e.Type)),
		zap.String("order_id", e.Order.ID),
	)
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if err := p.ch.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close channel"))
	}
	if err := p.conn.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close connection"))
	}
	return errors.Join(errs...)
}
