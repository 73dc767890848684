package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter caps requests per key with a fixed counting window. It is
// deliberately coarse: the only mount point is the handshake endpoint,
// where a per-IP cap is enough to blunt credential hammering.
type RateLimiter struct {
	mu     sync.Mutex
	visits map[string]*visit
	logger *slog.Logger
	done   chan struct{}
	rate   int
	window time.Duration
}

type visit struct {
	windowStart time.Time
	lastSeen    time.Time
	count       int
}

// NewRateLimiter allows rate requests per window for each key and starts
// a goroutine that evicts idle entries. Stop it when done.
func NewRateLimiter(rate int, window time.Duration, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		visits: make(map[string]*visit),
		logger: logger,
		done:   make(chan struct{}),
		rate:   rate,
		window: window,
	}
	go rl.evictLoop()
	return rl
}

// Allow reports whether the key may proceed and records the attempt.
// A fresh window opens once the current one has fully elapsed.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visits[key]
	if !ok || now.Sub(v.windowStart) >= rl.window {
		v = &visit{windowStart: now}
		rl.visits[key] = v
	}
	v.lastSeen = now

	if v.count >= rl.rate {
		return false
	}
	v.count++
	return true
}

// Stop terminates the eviction goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * rl.window)
			rl.mu.Lock()
			for key, v := range rl.visits {
				if v.lastSeen.Before(cutoff) {
					delete(rl.visits, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// RateLimitMiddleware rejects clients that exceed rate requests per
// window with 429, keyed by client IP. Established sessions ride the
// upgraded connection and never pass through here again.
func RateLimitMiddleware(rate int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate, window, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)
			if limiter.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("rate limit exceeded",
				"ip", ip,
				"method", r.Method,
				"path", r.URL.Path,
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded, please try again later"}`))
		})
	}
}

// getClientIP resolves the client address, honoring proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the originating client.
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
