package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RealIP extracts the client's real IP address, preferring Cloudflare's
// CF-Connecting-IP header, then X-Forwarded-For, and falling back to RemoteAddr.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Policy allows Max events per key in a fixed Window that starts with the
// key's first event.
type Policy struct {
	Max    int
	Window time.Duration
}

var (
	// BootstrapPolicy caps family creation per IP.
	BootstrapPolicy = Policy{Max: 10, Window: time.Hour}
	// AuthFailurePolicy caps bad bearer tokens per IP.
	AuthFailurePolicy = Policy{Max: 10, Window: 15 * time.Minute}
)

type window struct {
	count  int
	resets time.Time
}

// RateLimiter counts events per key in memory. Keys are namespaced by the
// caller ("auth:<ip>", "bootstrap:<ip>").
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// open returns key's live window, starting a new one when none is live.
func (rl *RateLimiter) open(key string, p Policy, now time.Time) *window {
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resets) {
		w = &window{resets: now.Add(p.Window)}
		rl.windows[key] = w
	}
	return w
}

// Hit counts an event and reports whether it fits p. When it does not,
// retryAfter is the time left in the window.
func (rl *RateLimiter) Hit(key string, p Policy) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.open(key, p, now)
	w.count++
	if w.count > p.Max {
		return false, w.resets.Sub(now)
	}
	return true, 0
}

// Fail records a failed attempt for key.
func (rl *RateLimiter) Fail(key string, p Policy) {
	rl.Hit(key, p)
}

// Blocked reports whether key has used up p in its current window, without
// counting an event.
func (rl *RateLimiter) Blocked(key string, p Policy) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resets) || w.count < p.Max {
		return false, 0
	}
	return true, w.resets.Sub(now)
}

// Cleanup drops windows that have ended.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if !now.Before(w.resets) {
			delete(rl.windows, key)
		}
	}
}

func tooManyRequests(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, msg)
}

// RateLimit returns middleware that applies p to every request under the
// key keyFunc derives.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string, p Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, retryAfter := limiter.Hit(keyFunc(r), p); !ok {
				tooManyRequests(w, retryAfter, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
