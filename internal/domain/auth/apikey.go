// Package auth models API key identities and their permissions.
package auth

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// Scopes granted to API keys.
const (
	// ScopeCreateOrder allows quoting and placing orders and cancelling them.
	ScopeCreateOrder = "create_order"
	// ScopeManageOrders allows listing all orders and driving their status.
	ScopeManageOrders = "manage_orders"
)

// ErrNotFound is returned when no active key matches a hash.
var ErrNotFound = errors.New("api key not found")

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key was granted scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
	Create(ctx context.Context, key *APIKeyInfo) error
}

type ctxKey struct{}

// WithKey returns a context carrying the authenticated key.
func WithKey(ctx context.Context, k *APIKeyInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, k)
}

// FromContext returns the authenticated key, or nil.
func FromContext(ctx context.Context) *APIKeyInfo {
	k, _ := ctx.Value(ctxKey{}).(*APIKeyInfo)
	return k
}
