package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsRequest(method, origin string, header map[string]string) *http.Request {
	r := httptest.NewRequest(method, "/api/orders", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	return r
}

func TestCORS(t *testing.T) {
	preflight := map[string]string{
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "Content-Type, X-API-Key",
	}

	t.Run("wildcard actual request", func(t *testing.T) {
		h := CORS(CORSConfig{ExposeHeaders: []string{"X-Request-ID"}})(okHandler())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, corsRequest(http.MethodGet, "https://shop.example", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "X-Request-ID", w.Header().Get("Access-Control-Expose-Headers"))
		assert.Empty(t, w.Header().Values("Vary"))
	})

	t.Run("preflight echoes requested headers", func(t *testing.T) {
		h := CORS(CORSConfig{MaxAge: 600})(okHandler())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, corsRequest(http.MethodOptions, "https://shop.example", preflight))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "GET, POST, PATCH, DELETE, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type, X-API-Key", w.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("listed origin keeps configured spelling", func(t *testing.T) {
		h := CORS(CORSConfig{
			AllowOrigins:     []string{"https://Shop.example"},
			AllowHeaders:     []string{"Content-Type"},
			AllowCredentials: true,
		})(okHandler())

		w := httptest.NewRecorder()
		h.ServeHTTP(w, corsRequest(http.MethodOptions, "https://shop.example", preflight))
		assert.Equal(t, "https://Shop.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, w.Header().Values("Vary"), "Access-Control-Request-Method")
	})

	t.Run("unlisted origin", func(t *testing.T) {
		h := CORS(CORSConfig{AllowOrigins: []string{"https://shop.example"}})(okHandler())

		w := httptest.NewRecorder()
		h.ServeHTTP(w, corsRequest(http.MethodOptions, "https://evil.example", preflight))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

		w = httptest.NewRecorder()
		h.ServeHTTP(w, corsRequest(http.MethodGet, "https://evil.example", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, []string{"Origin"}, w.Header().Values("Vary"))
	})

	t.Run("credentials disable wildcard", func(t *testing.T) {
		h := CORS(CORSConfig{AllowOrigins: []string{"*"}, AllowCredentials: true})(okHandler())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, corsRequest(http.MethodGet, "https://shop.example", nil))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origin", func(t *testing.T) {
		h := CORS(CORSConfig{AllowOrigins: []string{"https://shop.example"}})(okHandler())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, corsRequest(http.MethodGet, "", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"Origin"}, w.Header().Values("Vary"))
	})
}
