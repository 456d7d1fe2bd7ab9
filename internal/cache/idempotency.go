// Package cache provides the redis-backed idempotency store for checkout.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kastoma-checkout/internal/domain/order"
)

var _ order.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore maps idempotency keys to order IDs in redis.
type IdempotencyStore struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewIdempotencyStore creates a store. Keys expire after ttl.
func NewIdempotencyStore(client redis.UniversalClient, namespace string, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, namespace: namespace, ttl: ttl}
}

// NewClient connects to redis at addr and verifies the connection.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return client, nil
}

// Lookup returns the order ID customerID stored under key, or "" when absent.
func (s *IdempotencyStore) Lookup(ctx context.Context, customerID, key string) (string, error) {
	id, err := s.client.Get(ctx, s.key(customerID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get idempotency key")
	}
	return id, nil
}

// Remember stores orderID for the customer's key unless the key is already set.
func (s *IdempotencyStore) Remember(ctx context.Context, customerID, key, orderID string) error {
	if err := s.client.SetNX(ctx, s.key(customerID, key), orderID, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "set idempotency key")
	}
	return nil
}

// Keys are scoped per customer. The customer ID is length-prefixed so that
// ("a:b", "c") and ("a", "b:c") never collide.
func (s *IdempotencyStore) key(customerID, k string) string {
	return fmt.Sprintf("%s:idempotency:%d:%s:%s", s.namespace, len(customerID), customerID, k)
}
