package shield

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/vigie/kit"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if _, err := io.ReadAll(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	io.WriteString(w, kit.GetRequestID(r.Context()))
})

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(APIHeaders())(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"Content-Security-Policy", "X-Frame-Options", "X-Content-Type-Options", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	if rec.Code != http.StatusOK {
		t.Errorf("small body: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("far too large")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	h := RequestID(nil)(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "abc" || rec.Body.String() != "abc" {
		t.Errorf("propagation: header %q body %q", rec.Header().Get("X-Request-ID"), rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Body.String() == "" {
		t.Error("no generated id")
	}
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	// WHAT: Max requests per window per client, then 429 until reset.
	// WHY: Manual checks cost a fetch against someone else's site.
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(Rule{Max: 2, Window: time.Minute})
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("within budget denied")
	}
	if rl.Allow("a") {
		t.Fatal("over budget allowed")
	}
	if !rl.Allow("b") {
		t.Fatal("clients share a bucket")
	}
	now = now.Add(61 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("window did not reset")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(Rule{Max: 1, Window: time.Minute})
	h := rl.Middleware(ok)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != want {
			t.Fatalf("request %d: %d, want %d", i, rec.Code, want)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "60" {
			t.Errorf("Retry-After: %q", rec.Header().Get("Retry-After"))
		}
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(r, false); got != "10.0.0.1" {
		t.Errorf("untrusted: %s", got)
	}
	if got := ClientIP(r, true); got != "203.0.113.9" {
		t.Errorf("trusted: %s", got)
	}
}
