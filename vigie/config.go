package vigie

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/vigie/horosafe"
	"github.com/hazyhaar/vigie/vigie/internal/diff"
	"github.com/hazyhaar/vigie/vigie/internal/notify"
	"github.com/hazyhaar/vigie/vigie/internal/pipeline"
	"github.com/hazyhaar/vigie/vigie/internal/scheduler"
)

// Config is the whole configuration file.
type Config struct {
	StateDB  string `yaml:"state_db"`
	LogLevel string `yaml:"log_level"`
	// Heartbeat is the liveness row interval. 0 disables it.
	Heartbeat time.Duration `yaml:"heartbeat"`
	// Retention bounds the age of metrics and heartbeat rows.
	Retention time.Duration   `yaml:"retention"`
	HTTP      HTTPConfig      `yaml:"http"`
	Fetch     RetryConfig     `yaml:"fetch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`
	API       APIConfig       `yaml:"api"`
	Channels  []ChannelConfig `yaml:"channels"`
	Watches   []WatchConfig   `yaml:"watches"`
}

// HTTPConfig configures the fetcher's HTTP client.
type HTTPConfig struct {
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"` // per attempt
	MaxBytes     int64         `yaml:"max_bytes"`
	MaxRedirects int           `yaml:"max_redirects"`
	BlockPrivate bool          `yaml:"block_private"`
}

// RetryConfig is a bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      float64       `yaml:"jitter"`
}

// SchedulerConfig configures cycle scheduling.
type SchedulerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	// Jitter is the default per-watch jitter fraction.
	Jitter *float64 `yaml:"jitter"`
}

// NotifyConfig configures delivery.
type NotifyConfig struct {
	RetryConfig   `yaml:",inline"`
	StartupReport *bool `yaml:"startup_report"`
	FailureAlerts *bool `yaml:"failure_alerts"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Listen       string `yaml:"listen"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	MCP          bool   `yaml:"mcp"`
	// CheckRateLimit caps manual checks per client per minute. Negative
	// disables the cap.
	CheckRateLimit int  `yaml:"check_rate_limit"`
	TrustProxy     bool `yaml:"trust_proxy"`
}

// ChannelConfig is one notification channel. Keys other than name and type
// are the channel's settings.
type ChannelConfig struct {
	Name     string
	Type     string
	Settings json.RawMessage
}

// UnmarshalYAML splits name and type from the settings.
func (c *ChannelConfig) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return err
	}
	c.Name, _ = m["name"].(string)
	c.Type, _ = m["type"].(string)
	delete(m, "name")
	delete(m, "type")
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("channel %q: %w", c.Name, err)
	}
	c.Settings = b
	return nil
}

// WatchConfig is one watch definition.
type WatchConfig struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name,omitempty"`
	URL          string            `yaml:"url" json:"url"`
	Method       string            `yaml:"method" json:"method"`
	Headers      map[string]string `yaml:"headers" json:"-"`
	Body         string            `yaml:"body" json:"-"`
	Interval     time.Duration     `yaml:"interval" json:"interval"`
	Jitter       *float64          `yaml:"jitter" json:"jitter"`
	Stagger      time.Duration     `yaml:"stagger" json:"stagger,omitempty"`
	Enabled      *bool             `yaml:"enabled" json:"enabled"`
	Narrow       NarrowConfig      `yaml:"narrow" json:"narrow,omitzero"`
	Render       string            `yaml:"render" json:"render"`
	Ignore       IgnoreConfig      `yaml:"ignore" json:"ignore,omitzero"`
	ContextLines *int              `yaml:"context_lines" json:"context_lines"`
	Channels     []string          `yaml:"channels" json:"channels"`
}

// NarrowConfig restricts comparison to part of the content.
type NarrowConfig struct {
	Pattern  string `yaml:"pattern" json:"pattern,omitempty"`
	Selector string `yaml:"selector" json:"selector,omitempty"`
}

// IgnoreConfig masks noise before the change decision.
type IgnoreConfig struct {
	Whitespace *bool    `yaml:"whitespace" json:"whitespace,omitempty"`
	Patterns   []string `yaml:"patterns" json:"patterns,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (w *WatchConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

func ptr[T any](v T) *T { return &v }

func (c *Config) defaults() {
	if c.StateDB == "" {
		c.StateDB = "data/vigie.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = "vigie/1.0"
	}
	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.HTTP.MaxBytes <= 0 {
		c.HTTP.MaxBytes = 10 << 20
	}
	if c.HTTP.MaxRedirects <= 0 {
		c.HTTP.MaxRedirects = 5
	}
	if c.Fetch.MaxAttempts <= 0 {
		c.Fetch = RetryConfig{MaxAttempts: 4, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second, Jitter: 0.2}
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = 8
	}
	if c.Scheduler.GracePeriod <= 0 {
		c.Scheduler.GracePeriod = 15 * time.Second
	}
	if c.Scheduler.Jitter == nil {
		c.Scheduler.Jitter = ptr(0.1)
	}
	if c.Notify.MaxAttempts <= 0 {
		c.Notify.RetryConfig = RetryConfig{MaxAttempts: 3, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second, Jitter: 0.2}
	}
	if c.API.CheckRateLimit == 0 {
		c.API.CheckRateLimit = 30
	}
	if c.Notify.StartupReport == nil {
		c.Notify.StartupReport = ptr(true)
	}
	if c.Notify.FailureAlerts == nil {
		c.Notify.FailureAlerts = ptr(true)
	}
	for i := range c.Watches {
		w := &c.Watches[i]
		if w.ID == "" && w.URL != "" {
			sum := sha256.Sum256([]byte(w.URL))
			w.ID = "w_" + hex.EncodeToString(sum[:6])
		}
		if w.Method == "" {
			w.Method = "GET"
		}
		if w.Jitter == nil {
			w.Jitter = ptr(*c.Scheduler.Jitter)
		}
		if w.Enabled == nil {
			w.Enabled = ptr(true)
		}
		if w.Render == "" {
			w.Render = string(diff.RenderRaw)
		}
		if w.ContextLines == nil {
			w.ContextLines = ptr(3)
		}
	}
}

// compiled is a validated configuration ready to install.
type compiled struct {
	pipeline  map[string]pipeline.Watch
	scheduled []scheduler.Watch
	channels  []notify.Spec
}

// Validate fills defaults and checks the whole configuration, reporting
// every problem at once. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	_, err := c.compile(notify.NewDispatcher())
	return err
}

// compile validates channels against d's registered variants.
func (c *Config) compile(d *notify.Dispatcher) (*compiled, error) {
	c.defaults()
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	out := &compiled{pipeline: make(map[string]pipeline.Watch, len(c.Watches))}

	channelNames := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if err := horosafe.ValidateIdentifier(ch.Name); err != nil {
			add("channel %q: name: %w", ch.Name, err)
			continue
		}
		if channelNames[ch.Name] {
			add("channel %q: duplicate name", ch.Name)
			continue
		}
		channelNames[ch.Name] = true
		out.channels = append(out.channels, notify.Spec{Name: ch.Name, Type: ch.Type, Settings: ch.Settings})
	}
	if err := d.Validate(out.channels); err != nil {
		add("%w", err)
	}

	if s := c.Scheduler.Jitter; *s < 0 || *s > 1 {
		add("scheduler.jitter %v: want a fraction in [0, 1]", *s)
	}

	for i := range c.Watches {
		w := &c.Watches[i]
		where := fmt.Sprintf("watch %q", w.ID)
		if w.ID == "" {
			where = fmt.Sprintf("watch #%d", i+1)
		}
		if err := horosafe.ValidateIdentifier(w.ID); err != nil {
			add("%s: id: %w", where, err)
		}
		if _, dup := out.pipeline[w.ID]; dup {
			add("%s: duplicate id", where)
		}
		if w.URL == "" {
			add("%s: url is required", where)
		} else if _, err := horosafe.CheckScheme(w.URL); err != nil {
			add("%s: url: %w", where, err)
		}
		if w.Interval <= 0 {
			add("%s: interval must be positive", where)
		}
		if *w.Jitter < 0 || *w.Jitter > 1 {
			add("%s: jitter %v: want a fraction in [0, 1]", where, *w.Jitter)
		}
		if w.Stagger < 0 {
			add("%s: stagger must not be negative", where)
		}
		if *w.ContextLines < 0 {
			add("%s: context_lines must not be negative", where)
		}
		for _, name := range w.Channels {
			if !channelNames[name] {
				add("%s: unknown channel %q", where, name)
			}
		}

		engine, err := diff.Compile(diff.Rules{
			NarrowPattern: w.Narrow.Pattern,
			Selector:      w.Narrow.Selector,
			Render:        diff.Render(w.Render),
			Domain:        domainOf(w.URL),
			Ignore:        diff.Ignore{Whitespace: w.Ignore.Whitespace, Patterns: w.Ignore.Patterns},
		})
		if err != nil {
			add("%s: %w", where, err)
		}

		out.pipeline[w.ID] = pipeline.Watch{
			ID:           w.ID,
			Name:         w.Name,
			URL:          w.URL,
			Method:       w.Method,
			Headers:      w.Headers,
			Body:         w.Body,
			Engine:       engine,
			Channels:     w.Channels,
			ContextLines: *w.ContextLines,
		}
		out.scheduled = append(out.scheduled, scheduler.Watch{
			ID:          w.ID,
			Interval:    w.Interval,
			Jitter:      *w.Jitter,
			Stagger:     w.Stagger,
			Enabled:     w.IsEnabled(),
			Fingerprint: fingerprint(w),
		})
	}

	if c.API.PasswordHash != "" && c.API.Username == "" {
		add("api.username is required with api.password_hash")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return out, nil
}

// fingerprint identifies a watch definition, secrets included, so any edit
// restarts its runner.
func fingerprint(w *WatchConfig) string {
	b, _ := json.Marshal(struct {
		*WatchConfig
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}{w, w.Headers, w.Body})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references. Other uses of '$' (regex anchors)
// are left alone. Undefined variables are an error.
func expandEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return []byte(v)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: undefined environment variables: %v", ErrInvalidConfig, missing)
	}
	return out, nil
}

// ParseConfig expands ${VAR} references, decodes YAML and validates.
func ParseConfig(data []byte) (*Config, error) {
	cfg, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(data []byte) (*Config, error) {
	data, err := expandEnv(data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// LoadConfig reads and parses the file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vigie: read config: %w", err)
	}
	return ParseConfig(data)
}
