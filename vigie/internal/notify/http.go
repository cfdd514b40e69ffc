package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

var defaultClient = &http.Client{Timeout: 15 * time.Second}

// post sends body and maps the outcome to ErrSendFailed. 4xx other than 429
// is permanent; 429, 5xx and transport errors are retryable.
func post(ctx context.Context, client *http.Client, ch Channel, url, contentType string, headers map[string]string, body []byte) error {
	fail := func(code int, permanent bool, cause error) error {
		return &ErrSendFailed{Channel: ch.Name(), Platform: ch.Platform(), StatusCode: code, Permanent: permanent, Cause: cause}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fail(0, true, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "vigie/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fail(0, false, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fail(resp.StatusCode, false, fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	default:
		return fail(resp.StatusCode, true, fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}
}
