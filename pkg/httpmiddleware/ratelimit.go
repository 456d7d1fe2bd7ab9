package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether the request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// KeyFunc extracts the limit key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
	// Limiter defaults to an in-process sliding window.
	Limiter Limiter
}

// RateLimit enforces cfg.Max requests per cfg.Window per key, answering 429
// when exceeded. Every response carries the X-RateLimit-* headers. If the
// limiter itself fails the request is let through.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewSlidingWindow(cfg.Max, cfg.Window)
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			d, err := cfg.Limiter.Allow(r.Context(), cfg.KeyFunc(r), now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := max(d.ResetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SlidingWindow is an in-process Limiter. It approximates a sliding window
// by weighting the previous fixed window's count by its remaining overlap.
type SlidingWindow struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*windowCounts
}

type windowCounts struct {
	prev      float64
	curr      float64
	currStart time.Time
}

var _ Limiter = (*SlidingWindow)(nil)

// NewSlidingWindow returns a SlidingWindow allowing limit requests per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{max: limit, window: window, windows: make(map[string]*windowCounts)}
}

// Allow implements Limiter.
func (s *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.windows[key]
	if !ok {
		c = &windowCounts{currStart: now}
		s.windows[key] = c
	}
	if now.Sub(c.currStart) >= s.window {
		if now.Sub(c.currStart) >= 2*s.window {
			c.prev = 0
		} else {
			c.prev = c.curr
		}
		c.curr = 0
		c.currStart = now.Truncate(s.window)
	}

	overlap := max(1-now.Sub(c.currStart).Seconds()/s.window.Seconds(), 0)
	count := c.prev*overlap + c.curr
	d := Decision{ResetAt: c.currStart.Add(s.window)}
	if count >= float64(s.max) {
		return d, nil
	}

	c.curr++
	d.Allowed = true
	d.Remaining = max(int(float64(s.max)-count-1), 0)
	return d, nil
}

// Sweep drops keys idle for two windows.
func (s *SlidingWindow) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, c := range s.windows {
		if now.Sub(c.currStart) >= 2*s.window {
			delete(s.windows, key)
		}
	}
}

// StartSweeper runs Sweep every two windows until ctx is done.
func (s *SlidingWindow) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * s.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}

// RedisWindow is a fixed-window Limiter shared by every API replica.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
	max    int
	window time.Duration
}

var _ Limiter = (*RedisWindow)(nil)

// NewRedisWindow returns a RedisWindow storing counters under prefix.
func NewRedisWindow(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix, max: limit, window: window}
}

func (l *RedisWindow) key(key string, start time.Time) string {
	return l.prefix + ":ratelimit:" + key + ":" + strconv.FormatInt(start.Unix(), 10)
}

// Allow implements Limiter.
func (l *RedisWindow) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	start := now.Truncate(l.window)
	k := l.key(key, start)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, errors.Wrap(err, "incr rate limit counter")
	}

	count := int(incr.Val())
	return Decision{
		Allowed:   count <= l.max,
		Remaining: max(l.max-count, 0),
		ResetAt:   start.Add(l.window),
	}, nil
}
