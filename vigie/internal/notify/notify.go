// Package notify delivers watch events (changes, failures, startup reports)
// to notification channels.
//
// A Channel is one configured destination: it renders an Event into a
// platform payload and sends it. Variants are registered by type name:
//
//	discord   webhook or bot REST API, embed with a diff block
//	telegram  Bot API sendMessage, HTML with a <pre> diff
//	webhook   JSON event POST, optional HMAC-SHA256 signature
//	email     SMTP, multipart text + HTML from a template
//
// The Dispatcher renders each event once per channel and sends to all
// channels concurrently, retrying each independently. A failing channel
// never delays or fails another.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/vigie/idgen"
	"github.com/hazyhaar/vigie/vigie/internal/diff"
)

// NewEventID generates event ids ("evt_" + UUIDv7).
var NewEventID = idgen.Prefixed("evt_", idgen.Default)

// Kind is the type of an event.
type Kind string

const (
	KindChanged Kind = "changed"
	KindFailed  Kind = "failed"
	KindStartup Kind = "startup"
)

// Event is a notification-worthy occurrence. It is created per cycle and
// discarded after dispatch.
type Event struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	WatchID    string     `json:"watch_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	URL        string     `json:"url,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
	Diff       *diff.Diff `json:"-"`
	// Context is the number of context lines around changes in hunks.
	Context int `json:"-"`
	// PreviousHash identifies the fingerprint the change was detected against.
	PreviousHash string   `json:"previous_hash,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	URLs         []string `json:"urls,omitempty"`
}

// Title is the one-line summary shared by every renderer.
func (e *Event) Title() string {
	switch e.Kind {
	case KindChanged:
		return "Changes in " + e.label()
	case KindFailed:
		return "Check failed for " + e.label()
	case KindStartup:
		return "Startup report"
	}
	return string(e.Kind)
}

func (e *Event) label() string {
	if e.Name != "" {
		return e.Name
	}
	if e.URL != "" {
		return e.URL
	}
	return e.WatchID
}

// Unified returns the event's diff in unified format, or "".
func (e *Event) Unified() string {
	if e.Diff == nil {
		return ""
	}
	return e.Diff.Unified(e.Context)
}

// Payload is a rendered, ready-to-send message.
type Payload struct {
	ContentType string
	Subject     string
	Body        []byte
}

// Channel is one notification destination.
type Channel interface {
	// Name is the channel's configured identifier.
	Name() string
	// Platform is the variant type ("discord", "email", ...).
	Platform() string
	// Render builds the platform payload for ev.
	Render(ev *Event) (*Payload, error)
	// Send delivers a rendered payload once. Retrying is the caller's job.
	Send(ctx context.Context, p *Payload) error
}

// Factory builds a Channel from its name and JSON settings.
type Factory func(name string, settings json.RawMessage) (Channel, error)

// Spec describes a configured channel.
type Spec struct {
	Name     string
	Type     string
	Settings json.RawMessage
}

// DefaultFactories returns the built-in channel variants.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		"discord":  DiscordFactory(),
		"telegram": TelegramFactory(),
		"webhook":  WebhookFactory(),
		"email":    EmailFactory(),
	}
}
