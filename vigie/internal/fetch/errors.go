package fetch

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
)

// TransientError is a failure worth retrying: network errors, timeouts,
// 5xx, 408 and 429. Returned after the attempt budget is spent.
type TransientError struct {
	URL        string
	StatusCode int // 0 for transport errors
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("fetch %s: %v (after %d attempt(s))", e.URL, e.Err, e.Attempts)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError is a failure retrying cannot fix: other 4xx, malformed or
// blocked URL, TLS verification, redirect loop, undecodable body.
type TerminalError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TerminalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

var errTooManyRedirects = errors.New("too many redirects")

func statusError(url string, code int) error {
	err := fmt.Errorf("http %d %s", code, http.StatusText(code))
	if code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return &TransientError{URL: url, StatusCode: code, Err: err}
	}
	return &TerminalError{URL: url, StatusCode: code, Err: err}
}

// classify wraps a transport error from http.Client.Do.
func classify(url string, err error) error {
	var (
		unknownAuth  x509.UnknownAuthorityError
		hostname     x509.HostnameError
		invalid      x509.CertificateInvalidError
		verification *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &unknownAuth), errors.As(err, &hostname),
		errors.As(err, &invalid), errors.As(err, &verification):
		return &TerminalError{URL: url, Err: err}
	case errors.Is(err, errTooManyRedirects), errors.Is(err, errBlocked):
		return &TerminalError{URL: url, Err: err}
	}
	return &TransientError{URL: url, Err: err}
}
