package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// discordDescriptionLimit is Discord's cap on an embed description.
const discordDescriptionLimit = 4096

// DiscordConfig is the per-channel settings for Discord.
type DiscordConfig struct {
	// WebhookURL posts through an incoming webhook. Takes precedence over
	// the bot settings.
	WebhookURL string `json:"webhook_url,omitempty"`
	// BotToken and ChannelID post through the REST API as a bot.
	BotToken  string `json:"bot_token,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	// APIBase overrides https://discord.com/api/v10 (tests, proxies).
	APIBase  string `json:"api_base,omitempty"`
	Username string `json:"username,omitempty"`
}

// DiscordFactory returns a Factory for Discord channels.
//
// Settings example:
//
//	{"webhook_url": "https://discord.com/api/webhooks/123/abc"}
//	{"bot_token": "MTk...", "channel_id": "123456789"}
func DiscordFactory() Factory {
	return func(name string, settings json.RawMessage) (Channel, error) {
		var cfg DiscordConfig
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, fmt.Errorf("discord: parse settings: %w", err)
		}
		if cfg.WebhookURL == "" && (cfg.BotToken == "" || cfg.ChannelID == "") {
			return nil, fmt.Errorf("discord: webhook_url or bot_token+channel_id is required")
		}
		if cfg.APIBase == "" {
			cfg.APIBase = "https://discord.com/api/v10"
		}
		cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
		return &discordChannel{name: name, config: cfg, client: defaultClient}, nil
	}
}

type discordChannel struct {
	name   string
	config DiscordConfig
	client *http.Client
}

func (c *discordChannel) Name() string     { return c.name }
func (c *discordChannel) Platform() string { return "discord" }

type discordEmbed struct {
	Title       string `json:"title"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type discordMessage struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (c *discordChannel) Render(ev *Event) (*Payload, error) {
	embed := discordEmbed{Title: truncateRunes(ev.Title(), 256), URL: ev.URL}
	if !ev.DetectedAt.IsZero() {
		embed.Timestamp = ev.DetectedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}

	switch ev.Kind {
	case KindChanged:
		embed.Color = 0x3498db
		head := summary(ev) + "\n"
		const fence = "```diff\n\n```"
		body := fitLines(ev.Unified(), discordDescriptionLimit-len([]rune(head))-len(fence), escapeFence)
		embed.Description = head + "```diff\n" + escapeFence(body) + "\n```"
	case KindFailed:
		embed.Color = 0xe74c3c
		embed.Description = truncateRunes(summary(ev), discordDescriptionLimit)
	default:
		embed.Color = 0x2ecc71
		embed.Description = fitLines(summary(ev), discordDescriptionLimit, nil)
	}

	body, err := json.Marshal(discordMessage{Username: c.config.Username, Embeds: []discordEmbed{embed}})
	if err != nil {
		return nil, err
	}
	return &Payload{ContentType: "application/json", Subject: ev.Title(), Body: body}, nil
}

func (c *discordChannel) Send(ctx context.Context, p *Payload) error {
	if c.config.WebhookURL != "" {
		return post(ctx, c.client, c, c.config.WebhookURL, p.ContentType, nil, p.Body)
	}
	url := fmt.Sprintf("%s/channels/%s/messages", c.config.APIBase, c.config.ChannelID)
	return post(ctx, c.client, c, url, p.ContentType,
		map[string]string{"Authorization": "Bot " + c.config.BotToken}, p.Body)
}

// escapeFence breaks backtick runs with a zero-width joiner so page content
// cannot close the code block.
func escapeFence(s string) string {
	return strings.ReplaceAll(s, "`", "`\u200d")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
