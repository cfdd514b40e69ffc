// Package fetch retrieves the current content of a watched URL.
//
// Transient failures are retried with exponential backoff and jitter;
// terminal ones are returned after a single attempt. Bodies are decoded
// (gzip, deflate), converted to UTF-8, stripped of a BOM, normalized to LF
// line endings and, for JSON, re-indented so line diffs stay readable.
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/vigie/horosafe"
	"github.com/hazyhaar/vigie/retry"
)

// Request describes what to fetch.
type Request struct {
	URL     string
	Method  string // default GET
	Headers map[string]string
	Body    string
}

// Result contains the normalized content of a successful fetch.
type Result struct {
	Content     string
	StatusCode  int
	ContentType string
	Attempts    int
	Duration    time.Duration
	Truncated   bool
}

// Config configures the Fetcher.
type Config struct {
	Timeout      time.Duration // per attempt. Default: 30s.
	MaxBytes     int64         // decoded body cap. Default: 10 MiB.
	MaxRedirects int           // Default: 5.
	UserAgent    string        // Default: "vigie/1.0".
	// BlockPrivate rejects URLs and redirects resolving to private or
	// loopback addresses.
	BlockPrivate bool
	Retry        retry.Policy // Default: 4 attempts, 1s base, 30s cap, 0.2 jitter.
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "vigie/1.0"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

var errBlocked = errors.New("redirect target blocked")

// Fetcher performs HTTP fetches. It holds no per-request state and is safe
// for concurrent use.
type Fetcher struct {
	client *http.Client
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		// Compression is negotiated and decoded explicitly.
		t.DisableCompression = true
		transport = t
	}
	f := &Fetcher{config: cfg, sleep: retry.Sleep}
	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("%w (%d)", errTooManyRedirects, len(via))
			}
			if cfg.BlockPrivate {
				if err := horosafe.ValidateURL(req.URL.String()); err != nil {
					return fmt.Errorf("%w: %w", errBlocked, err)
				}
			}
			return nil
		},
	}
	return f
}

// Fetch retrieves req.URL. Errors are *TransientError or *TerminalError;
// both report the number of attempts made.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if _, err := horosafe.CheckScheme(req.URL); err != nil {
		return nil, &TerminalError{URL: req.URL, Err: err}
	}
	if f.config.BlockPrivate {
		if err := horosafe.ValidateURL(req.URL); err != nil {
			return nil, &TerminalError{URL: req.URL, Err: err}
		}
	}

	log := f.config.Logger.With("url", req.URL)
	var res *Result
	attempts, err := retry.Do(ctx, f.config.Retry, IsTransient,
		func(ctx context.Context, _ int) error {
			r, err := f.once(ctx, req)
			if err != nil {
				return err
			}
			res = r
			return nil
		},
		retry.WithSleep(f.sleep),
		retry.OnRetry(func(attempt int, wait time.Duration, err error) {
			log.Warn("fetch: retrying", "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		var te *TransientError
		var tm *TerminalError
		switch {
		case errors.As(err, &te):
			te.Attempts = attempts
		case errors.As(err, &tm):
			tm.Attempts = attempts
		}
		return nil, err
	}
	res.Attempts = attempts
	res.Duration = time.Since(start)
	if res.Truncated {
		log.Warn("fetch: body truncated", "max_bytes", f.config.MaxBytes)
	}
	return res, nil
}

func (f *Fetcher) once(ctx context.Context, req Request) (*Result, error) {
	actx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, method, req.URL, body)
	if err != nil {
		return nil, &TerminalError{URL: req.URL, Err: err}
	}
	hreq.Header.Set("User-Agent", f.config.UserAgent)
	hreq.Header.Set("Accept-Encoding", "gzip, deflate")
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, classify(req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, statusError(req.URL, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	content, truncated, err := f.readBody(resp, ct)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:     normalize(content, ct),
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Truncated:   truncated,
	}, nil
}

// readBody decodes Content-Encoding, caps the decoded size and converts
// textual bodies to UTF-8.
func (f *Fetcher) readBody(resp *http.Response, contentType string) (string, bool, error) {
	url := resp.Request.URL.String()
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", false, decodeError(url, err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		dr, err := newDeflateReader(resp.Body)
		if err != nil {
			return "", false, decodeError(url, err)
		}
		defer dr.Close()
		r = dr
	default:
		return "", false, &TerminalError{URL: url, Err: fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))}
	}

	raw, err := io.ReadAll(io.LimitReader(r, f.config.MaxBytes+1))
	if err != nil {
		return "", false, decodeError(url, err)
	}
	truncated := int64(len(raw)) > f.config.MaxBytes
	if truncated {
		raw = raw[:f.config.MaxBytes]
	}

	if !isText(contentType) {
		return string(raw), truncated, nil
	}
	cr, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		// Unknown label: keep the bytes, repaired to valid UTF-8.
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError)), truncated, nil
	}
	text, err := io.ReadAll(cr)
	if err != nil {
		return "", truncated, &TerminalError{URL: url, Err: fmt.Errorf("charset decode: %w", err)}
	}
	return string(text), truncated, nil
}

// newDeflateReader accepts both zlib-wrapped and raw deflate streams; servers
// disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	buf := make([]byte, 2)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	mr := io.MultiReader(bytes.NewReader(buf[:n]), r)
	if n == 2 && buf[0]&0x0f == 8 && (uint16(buf[0])<<8|uint16(buf[1]))%31 == 0 {
		return zlib.NewReader(mr)
	}
	return flate.NewReader(mr), nil
}

// decodeError separates corrupt encodings (terminal) from connection errors
// while streaming the body (transient).
func decodeError(url string, err error) error {
	var corrupt flate.CorruptInputError
	if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, zlib.ErrHeader) || errors.Is(err, zlib.ErrChecksum) ||
		errors.As(err, &corrupt) {
		return &TerminalError{URL: url, Err: fmt.Errorf("decode body: %w", err)}
	}
	return &TransientError{URL: url, Err: fmt.Errorf("read body: %w", err)}
}

func isText(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		return true
	}
	for _, s := range []string{"text/", "json", "xml", "javascript", "html"} {
		if strings.Contains(ct, s) {
			return true
		}
	}
	return false
}

// normalize strips a BOM, converts CRLF and CR to LF and re-indents JSON.
func normalize(s, contentType string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if strings.Contains(strings.ToLower(contentType), "json") {
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(s), "", "    "); err == nil {
			return buf.String()
		}
	}
	return s
}
