package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements per-key fixed-window rate limiting. Keys are
// peer IDs; each peer gets its own budget per window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	window time.Duration
	sweep  time.Duration
	now    func() time.Time
}

type bucket struct {
	count    int
	windowAt time.Time
}

// NewRateLimiter creates an empty RateLimiter with one-minute windows.
// Call Run to evict stale buckets in the background.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		window:  time.Minute,
		sweep:   5 * time.Minute,
		now:     time.Now,
	}
}

// Run evicts buckets idle for two windows, once per sweep interval, until
// ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// Allow checks if the key is within limit for the current window.
// A limit <= 0 disables limiting.
func (rl *RateLimiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowAt) >= rl.window {
		rl.buckets[key] = &bucket{count: 1, windowAt: now}
		return true
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-2 * rl.window)
	for k, b := range rl.buckets {
		if b.windowAt.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// withPeerRateLimit wraps a peer-authenticated handler with per-peer
// limiting. Exchange and confirm share one budget.
func (s *Server) withPeerRateLimit(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer := peerFromContext(r.Context())
		if peer == nil {
			handler(w, r)
			return
		}
		if !s.rateLimiter.Allow(peer.ID, s.config.RateLimitSync) {
			s.metrics.RateLimited.WithLabelValues(peer.Nickname).Inc()
			logFor(r.Context()).Warn("rate limit exceeded", "ip", clientIP(r))
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		handler(w, r)
	}
}

// clientIP extracts the client IP from the request, checking X-Forwarded-For first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
