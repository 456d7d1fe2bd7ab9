package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kastoma-checkout/internal/domain/auth"
)

// APIKeyHeader carries the raw API key.
const APIKeyHeader = "X-API-Key"

// HashKey returns the hex HMAC-SHA256 of key under pepper, as stored in
// api_keys.key_hash.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator resolves API keys to identities.
type Authenticator struct {
	keys   auth.Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator with the given key repository
// and HMAC pepper.
func NewAuthenticator(keys auth.Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

var errUnauthorized = errors.New("unauthorized")

func (a *Authenticator) authenticate(r *http.Request) (*auth.APIKeyInfo, error) {
	raw := r.Header.Get(APIKeyHeader)
	if raw == "" {
		return nil, errUnauthorized
	}
	mac := hmac.New(sha256.New, a.pepper)
	mac.Write([]byte(raw))
	sum := mac.Sum(nil)

	info, err := a.keys.FindByHash(r.Context(), hex.EncodeToString(sum))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, errUnauthorized
		}
		return nil, errors.Wrap(err, "find api key")
	}

	// The lookup is by hash already; compare again in constant time so a
	// repository returning the wrong row cannot authenticate.
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(sum, stored) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}

// Require authenticates the request and admits keys holding any of scopes.
func (a *Authenticator) Require(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := a.authenticate(r)
			switch {
			case errors.Is(err, errUnauthorized):
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			case err != nil:
				zctx.From(r.Context()).Error("Authentication failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			if !slices.ContainsFunc(scopes, info.HasScope) {
				writeError(w, http.StatusForbidden, "api key lacks required scope")
				return
			}

			ctx := zctx.With(auth.WithKey(r.Context(), info), zap.String("api_key", info.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
