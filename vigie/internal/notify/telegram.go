package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// telegramTextLimit is the Bot API cap on message text.
const telegramTextLimit = 4096

// TelegramConfig is the per-channel settings for Telegram.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	// APIBase overrides https://api.telegram.org (tests, local Bot API server).
	APIBase string `json:"api_base,omitempty"`
}

// TelegramFactory returns a Factory for Telegram channels.
//
// Settings example:
//
//	{"bot_token": "123:ABC", "chat_id": "-100123456"}
func TelegramFactory() Factory {
	return func(name string, settings json.RawMessage) (Channel, error) {
		var cfg TelegramConfig
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, fmt.Errorf("telegram: parse settings: %w", err)
		}
		if cfg.BotToken == "" || cfg.ChatID == "" {
			return nil, fmt.Errorf("telegram: bot_token and chat_id are required")
		}
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.telegram.org"
		}
		cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
		return &telegramChannel{name: name, config: cfg, client: defaultClient}, nil
	}
}

type telegramChannel struct {
	name   string
	config TelegramConfig
	client *http.Client
}

func (c *telegramChannel) Name() string     { return c.name }
func (c *telegramChannel) Platform() string { return "telegram" }

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (c *telegramChannel) Render(ev *Event) (*Payload, error) {
	var sb strings.Builder
	sb.WriteString("<b>")
	sb.WriteString(html.EscapeString(ev.Title()))
	sb.WriteString("</b>\n")
	head := sb.String()

	var text string
	switch ev.Kind {
	case KindChanged:
		head += html.EscapeString(summary(ev)) + "\n"
		const pre = "<pre></pre>"
		body := fitLines(ev.Unified(), telegramTextLimit-len([]rune(head))-len(pre), html.EscapeString)
		text = head + "<pre>" + html.EscapeString(body) + "</pre>"
	default:
		text = head + html.EscapeString(fitLines(summary(ev), telegramTextLimit-len([]rune(head)), html.EscapeString))
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:                c.config.ChatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return nil, err
	}
	return &Payload{ContentType: "application/json", Subject: ev.Title(), Body: body}, nil
}

func (c *telegramChannel) Send(ctx context.Context, p *Payload) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.config.APIBase, c.config.BotToken)
	return post(ctx, c.client, c, url, p.ContentType, nil, p.Body)
}
