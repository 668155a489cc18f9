// Package middleware provides HTTP middleware components for the API
// server.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines a fixed-window rate limit.
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per
	// window. Must be > 0.
	RequestsPerWindow int
	// WindowDuration is the time window for the rate limit. Must be > 0.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// defaultTrackLimit is the ingestion endpoint's rate limit: 300 requests
// per minute per client IP.
var defaultTrackLimit = RateLimitConfig{
	RequestsPerWindow: 300,
	WindowDuration:    time.Minute,
}

// DefaultTrackLimit returns a copy of the ingestion rate limit config.
func DefaultTrackLimit() RateLimitConfig {
	return defaultTrackLimit
}

// RateLimitStore defines the interface for rate limit state storage,
// allowing different backends (in-memory, Redis).
type RateLimitStore interface {
	// Allow checks if a request from the given key should be allowed.
	// It returns whether the request is allowed, the number of requests
	// remaining in the current window, and the seconds until the current
	// window resets. resetIn is always positive and doubles as the
	// Retry-After value when the request is blocked.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining, resetIn int)
}

// window is the fixed-window counter state for one key.
type window struct {
	count    int
	resetsAt time.Time
}

// InMemoryRateLimitStore implements RateLimitStore with an in-memory
// fixed-window counter per key. Thread-safe.
//
// The store is local to one process: a multi-instance deployment gets
// per-instance limits, so N instances admit up to N times the configured
// rate. Use the Redis store when that matters.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window)}
}

// Allow implements the RateLimitStore interface.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	w, exists := s.windows[key]
	if !exists || now.After(w.resetsAt) {
		w = &window{count: 0, resetsAt: now.Add(config.WindowDuration)}
		s.windows[key] = w
	}

	resetIn := secondsUntil(w.resetsAt, now)
	if w.count < config.RequestsPerWindow {
		w.count++
		return true, config.RequestsPerWindow - w.count, resetIn
	}
	return false, 0, resetIn
}

// secondsUntil reports the whole seconds from now until t, never less
// than 1 so Retry-After and reset headers stay usable.
func secondsUntil(t, now time.Time) int {
	s := int(t.Sub(now).Seconds())
	if s <= 0 {
		return 1
	}
	return s
}

// Cleanup removes expired windows to bound memory. Call periodically at a
// multiple of the longest configured WindowDuration.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, w := range s.windows {
		if now.After(w.resetsAt) {
			delete(s.windows, key)
		}
	}
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc returns a KeyFunc that uses the client's IP address,
// preferring proxy headers over the socket address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			// RemoteAddr might not have a port
			return r.RemoteAddr
		}
		return host
	}
}

// RateLimiter is a middleware that enforces the fixed-window limit.
// Blocked requests get HTTP 429 with Retry-After; every response, allowed
// or not, carries the X-RateLimit-Limit/Remaining/Reset headers so
// clients can pace themselves before hitting the wall. Events behind a
// 429 are never silently dropped; the caller is expected to retry the
// batch after the indicated delay.
// Metrics may be nil when the caller does not collect them.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed, remaining, resetIn := store.Allow(r.Context(), key, config)

			if metrics != nil {
				metrics.IncRateLimitRequests(r.URL.Path)
			}

			resetAt := time.Now().Add(time.Duration(resetIn) * time.Second).Unix()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

			if !allowed {
				if metrics != nil {
					metrics.IncRateLimitBlocked(r.URL.Path)
				}
				ctx := SetErrorCode(r.Context(), "rate_limited")
				r = r.WithContext(ctx)
				UpdateResponseContext(w, ctx)

				w.Header().Set("Retry-After", strconv.Itoa(resetIn))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Too many requests, retry after the indicated delay",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
