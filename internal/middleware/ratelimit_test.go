package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeClock lets tests move a limiter's time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter()
	rl.now = clock.now
	return rl, clock
}

func TestFailuresBlockUntilWindowEnds(t *testing.T) {
	rl, clock := newTestLimiter()
	p := Policy{Max: 3, Window: 15 * time.Minute}

	for i := 0; i < p.Max; i++ {
		if blocked, _ := rl.Blocked("auth:203.0.113.9", p); blocked {
			t.Fatalf("blocked after %d failures, limit is %d", i, p.Max)
		}
		rl.Fail("auth:203.0.113.9", p)
		clock.advance(time.Minute)
	}

	blocked, retryAfter := rl.Blocked("auth:203.0.113.9", p)
	if !blocked {
		t.Fatal("should be blocked once the limit is used up")
	}
	// The window opened at the first failure, three minutes ago.
	if retryAfter != 12*time.Minute {
		t.Errorf("retryAfter = %v, want 12m", retryAfter)
	}
	if blocked, _ := rl.Blocked("auth:198.51.100.7", p); blocked {
		t.Error("another IP should not be blocked")
	}

	clock.advance(retryAfter)
	if blocked, _ := rl.Blocked("auth:203.0.113.9", p); blocked {
		t.Error("should be unblocked when the window ends")
	}
}

func TestBlockedDoesNotCount(t *testing.T) {
	rl, _ := newTestLimiter()
	p := Policy{Max: 1, Window: time.Minute}

	for range 5 {
		rl.Blocked("auth:ip", p)
	}
	if blocked, _ := rl.Blocked("auth:ip", p); blocked {
		t.Error("checking alone must not block")
	}
	rl.Fail("auth:ip", p)
	if blocked, _ := rl.Blocked("auth:ip", p); !blocked {
		t.Error("one failure should block a limit of 1")
	}
}

func TestHitReportsRetryAfter(t *testing.T) {
	rl, clock := newTestLimiter()
	p := Policy{Max: 2, Window: time.Hour}

	for i := 0; i < p.Max; i++ {
		if ok, _ := rl.Hit("bootstrap:ip", p); !ok {
			t.Fatalf("hit %d should fit", i+1)
		}
	}
	clock.advance(20 * time.Minute)
	ok, retryAfter := rl.Hit("bootstrap:ip", p)
	if ok {
		t.Fatal("third hit should be refused")
	}
	if retryAfter != 40*time.Minute {
		t.Errorf("retryAfter = %v, want 40m", retryAfter)
	}

	clock.advance(40 * time.Minute)
	if ok, _ := rl.Hit("bootstrap:ip", p); !ok {
		t.Error("a new window should admit the hit")
	}
}

func TestCleanupDropsEndedWindows(t *testing.T) {
	rl, clock := newTestLimiter()

	rl.Fail("auth:old", Policy{Max: 5, Window: time.Minute})
	rl.Fail("auth:new", Policy{Max: 5, Window: time.Hour})
	clock.advance(2 * time.Minute)
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.windows["auth:old"]; ok {
		t.Error("ended window should have been dropped")
	}
	if _, ok := rl.windows["auth:new"]; !ok {
		t.Error("live window should remain")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter()
	byIP := func(r *http.Request) string { return "bootstrap:" + RealIP(r) }
	handler := RateLimit(rl, byIP, Policy{Max: 2, Window: time.Hour})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	post := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/families", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := post("203.0.113.9:1000"); rec.Code != http.StatusCreated {
			t.Errorf("request %d: status = %d, want 201", i+1, rec.Code)
		}
	}
	rec := post("203.0.113.9:1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-After = %q, want 3600", got)
	}
	if rec := post("198.51.100.7:1000"); rec.Code != http.StatusCreated {
		t.Errorf("other IP: status = %d, want 201", rec.Code)
	}
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"cloudflare", map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1", "1.1.1.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "2.2.2.2, 10.0.0.1"}, "3.3.3.3:1", "2.2.2.2"},
		{"remote addr", nil, "3.3.3.3:1", "3.3.3.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := RealIP(req); got != tt.want {
				t.Errorf("RealIP = %q, want %q", got, tt.want)
			}
		})
	}
}
