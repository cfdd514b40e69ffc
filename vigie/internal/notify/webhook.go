package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hazyhaar/vigie/horosafe"
	"github.com/hazyhaar/vigie/vigie/internal/diff"
)

// WebhookConfig is the per-channel settings for generic JSON webhooks.
type WebhookConfig struct {
	URL string `json:"url"`
	// Secret signs the body: X-Signature-256: sha256=<hex HMAC-SHA256>.
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookFactory returns a Factory for webhook channels.
//
// Settings example:
//
//	{"url": "https://hooks.example.com/vigie", "secret": "hmac_key"}
func WebhookFactory() Factory {
	return func(name string, settings json.RawMessage) (Channel, error) {
		var cfg WebhookConfig
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, fmt.Errorf("webhook: parse settings: %w", err)
		}
		if _, err := horosafe.CheckScheme(cfg.URL); err != nil {
			return nil, fmt.Errorf("webhook: url: %w", err)
		}
		return &webhookChannel{name: name, config: cfg, client: defaultClient}, nil
	}
}

type webhookChannel struct {
	name   string
	config WebhookConfig
	client *http.Client
}

func (c *webhookChannel) Name() string     { return c.name }
func (c *webhookChannel) Platform() string { return "webhook" }

// webhookBody is the JSON contract of webhook deliveries.
type webhookBody struct {
	*Event
	Heading  string         `json:"title"`
	Added    int            `json:"added,omitempty"`
	Removed  int            `json:"removed,omitempty"`
	Patch    string         `json:"diff,omitempty"`
	Segments []diff.Segment `json:"segments,omitempty"`
}

func (c *webhookChannel) Render(ev *Event) (*Payload, error) {
	b := webhookBody{Event: ev, Heading: ev.Title()}
	if ev.Diff != nil {
		b.Added, b.Removed = ev.Diff.Added, ev.Diff.Removed
		b.Patch = ev.Unified()
		b.Segments = ev.Diff.Segments
	}
	body, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return &Payload{ContentType: "application/json", Subject: ev.Title(), Body: body}, nil
}

func (c *webhookChannel) Send(ctx context.Context, p *Payload) error {
	headers := make(map[string]string, len(c.config.Headers)+1)
	for k, v := range c.config.Headers {
		headers[k] = v
	}
	if c.config.Secret != "" {
		headers["X-Signature-256"] = Sign([]byte(c.config.Secret), p.Body)
	}
	return post(ctx, c.client, c, c.config.URL, p.ContentType, headers, p.Body)
}

// Sign returns the X-Signature-256 header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
