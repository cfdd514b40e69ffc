package shield

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule is a fixed-window request budget per client.
type Rule struct {
	Max    int
	Window time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces a Rule per client IP. Buckets live in memory and
// expired ones are collected as new requests arrive.
type RateLimiter struct {
	rule Rule
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy bool
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

// NewRateLimiter creates a limiter. A rule with Max <= 0 allows everything.
func NewRateLimiter(rule Rule) *RateLimiter {
	if rule.Window <= 0 {
		rule.Window = time.Minute
	}
	return &RateLimiter{rule: rule, now: time.Now, buckets: make(map[string]*bucket)}
}

// Allow records a request from key and reports whether it is within budget.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.rule.Max <= 0 {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastGC) > rl.rule.Window {
		for k, b := range rl.buckets {
			if now.After(b.resetAt) {
				delete(rl.buckets, k)
			}
		}
		rl.lastGC = now
	}

	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rl.rule.Window)}
		return true
	}
	b.count++
	return b.count <= rl.rule.Max
}

// Middleware answers 429 with a JSON error once a client exceeds the rule.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, rl.TrustProxy)
		if rl.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.rule.Window.Seconds())))
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// ClientIP returns the client address, from the first X-Forwarded-For hop
// when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
