package fetch

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/vigie/horosafe"
	"github.com/hazyhaar/vigie/retry"
)

func newTestFetcher(cfg Config) *Fetcher {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond}
	}
	f := New(cfg)
	f.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f
}

func TestFetch_TransientThenSuccess(t *testing.T) {
	// WHAT: N-1 transient failures then success yields the Nth body and N attempts.
	// WHY: Attempt counts are reported and must be exact.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "third time lucky")
	}))
	defer srv.Close()

	res, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Content != "third time lucky" {
		t.Errorf("content: %q", res.Content)
	}
	if res.Attempts != 3 || calls.Load() != 3 {
		t.Errorf("attempts: result %d, server %d, want 3", res.Attempts, calls.Load())
	}
}

func TestFetch_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(Config{Retry: retry.Policy{MaxAttempts: 3}})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want TransientError", err)
	}
	if te.Attempts != 3 || calls.Load() != 3 || te.StatusCode != 429 {
		t.Fatalf("attempts %d, calls %d, status %d", te.Attempts, calls.Load(), te.StatusCode)
	}
}

func TestFetch_4xxTerminal(t *testing.T) {
	// WHAT: A 404 is not retried.
	// WHY: Non-transient failures are terminal for the cycle.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	var tm *TerminalError
	if !errors.As(err, &tm) {
		t.Fatalf("got %v, want TerminalError", err)
	}
	if tm.StatusCode != 404 || tm.Attempts != 1 || calls.Load() != 1 {
		t.Fatalf("status %d, attempts %d, calls %d", tm.StatusCode, tm.Attempts, calls.Load())
	}
}

func TestFetch_MalformedURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com/", "://nope", "http:///nohost"} {
		_, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{URL: u})
		var tm *TerminalError
		if !errors.As(err, &tm) {
			t.Errorf("%q: got %v, want TerminalError", u, err)
		}
	}
}

func TestFetch_BlockPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := newTestFetcher(Config{BlockPrivate: true}).Fetch(context.Background(), Request{URL: srv.URL})
	if !errors.Is(err, horosafe.ErrSSRF) {
		t.Fatalf("got %v, want ErrSSRF", err)
	}
}

func TestFetch_RedirectLoop(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(Config{MaxRedirects: 3}).Fetch(context.Background(), Request{URL: srv.URL})
	var tm *TerminalError
	if !errors.As(err, &tm) || !errors.Is(err, errTooManyRedirects) {
		t.Fatalf("got %v, want terminal redirect error", err)
	}
}

func TestFetch_Gzip(t *testing.T) {
	// WHAT: gzip bodies are decoded transparently.
	// WHY: Downstream diffing needs text, not compressed bytes.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Errorf("Accept-Encoding: %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		zw := gzip.NewWriter(w)
		io.WriteString(zw, "compressed hello")
		zw.Close()
	}))
	defer srv.Close()

	res, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "compressed hello" {
		t.Fatalf("content: %q", res.Content)
	}
}

func TestFetch_Deflate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "deflate")
		zw := zlib.NewWriter(w)
		io.WriteString(zw, "zlib hello")
		zw.Close()
	}))
	defer srv.Close()

	res, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "zlib hello" {
		t.Fatalf("content: %q", res.Content)
	}
}

func TestFetch_CorruptGzipTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Encoding", "gzip")
		io.WriteString(w, "definitely not gzip")
	}))
	defer srv.Close()

	_, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	var tm *TerminalError
	if !errors.As(err, &tm) || calls.Load() != 1 {
		t.Fatalf("got %v after %d calls, want TerminalError after 1", err, calls.Load())
	}
}

func TestFetch_CharsetAndLineEndings(t *testing.T) {
	// WHAT: Latin-1 is converted to UTF-8; BOM and CRLF are normalized.
	// WHY: Encoding noise must not register as content change.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
		w.Write([]byte("caf\xe9\r\nna\xefve\r\n"))
	}))
	defer srv.Close()

	res, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "café\nnaïve\n" {
		t.Fatalf("content: %q", res.Content)
	}
}

func TestFetch_JSONReindent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "\uFEFF"+`{"a":1,"b":[true]}`)
	}))
	defer srv.Close()

	res, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	want := "{\n    \"a\": 1,\n    \"b\": [\n        true\n    ]\n}"
	if res.Content != want {
		t.Fatalf("content:\n%s\nwant:\n%s", res.Content, want)
	}
}

func TestFetch_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write(bytes.Repeat([]byte("x"), 1000))
	}))
	defer srv.Close()

	res, err := newTestFetcher(Config{MaxBytes: 100}).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) != 100 || !res.Truncated {
		t.Fatalf("len %d truncated %v", len(res.Content), res.Truncated)
	}
}

func TestFetch_RequestShape(t *testing.T) {
	// WHAT: Method, headers and body are sent as configured.
	// WHY: Static credentials pass through headers.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer t0k" ||
			string(body) != `{"q":1}` || r.Header.Get("User-Agent") != "vigie/1.0" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	_, err := newTestFetcher(Config{}).Fetch(context.Background(), Request{
		URL:     srv.URL,
		Method:  http.MethodPost,
		Headers: map[string]string{"Authorization": "Bearer t0k"},
		Body:    `{"q":1}`,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFetch_PerAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		io.WriteString(w, "fast")
	}))
	defer srv.Close()

	res, err := newTestFetcher(Config{Timeout: 100 * time.Millisecond}).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts: %d", res.Attempts)
	}
}

func TestFetch_ParentCancelAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestFetcher(Config{}).Fetch(ctx, Request{URL: srv.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}
