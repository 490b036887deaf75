// Package middleware holds HTTP middleware shared by the API routes.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/metrics"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Defaults for the inbound limiter.
const (
	DefaultWindow = 60 * time.Second
	DefaultLimit  = 100
)

// RateLimitConfig tunes a RateLimiter.
type RateLimitConfig struct {
	Window     time.Duration
	Limit      int
	TrustProxy bool
}

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window request counter keyed by client address.
// It is process-local; instances do not share counts.
type RateLimiter struct {
	mu         sync.Mutex
	windows    map[string]*window
	window     time.Duration
	limit      int
	trustProxy bool
	now        func() time.Time
	logger     *zap.Logger
}

// NewRateLimiter constructs a RateLimiter. Zero values fall back to defaults.
func NewRateLimiter(cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		windows:    make(map[string]*window),
		window:     cfg.Window,
		limit:      cfg.Limit,
		trustProxy: cfg.TrustProxy,
		now:        time.Now,
		logger:     logger,
	}
}

// Allow counts one request for key. It returns scraper.ErrTooManyRequests
// once the count within the current window exceeds the limit.
func (l *RateLimiter) Allow(key string) error {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.window)}
		return nil
	}
	w.count++
	if w.count > l.limit {
		return scraper.ErrTooManyRequests
	}
	return nil
}

// RetryAfter reports how long key must wait for its window to reset.
func (l *RateLimiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		return 0
	}
	if d := w.resetAt.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Evict drops expired windows and returns how many were removed.
func (l *RateLimiter) Evict() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked clients.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Middleware rejects requests over the limit with 429 before they reach next.
// With TrustProxy set the client address is taken from forwarding headers.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if err := l.Allow(key); err != nil {
			metrics.ObserveRateLimited()
			l.logger.Warn("rate limit exceeded", zap.String("client", key), zap.String("path", r.URL.Path))
			code, msg := scraper.HTTPStatus(err)
			retry := int(l.RetryAfter(key).Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
				l.logger.Error("write JSON failed", zap.Error(err))
			}
			return
		}
		next.ServeHTTP(w, r)
	}))
	if l.trustProxy {
		h = chimw.RealIP(h)
	}
	return h
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
