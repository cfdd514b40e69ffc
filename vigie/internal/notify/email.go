package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// EmailConfig is the per-channel settings for SMTP delivery.
type EmailConfig struct {
	Host     string `json:"smtp_host"`
	Port     int    `json:"smtp_port,omitempty"` // Default: 587.
	Username string `json:"smtp_username,omitempty"`
	Password string `json:"smtp_password,omitempty"`
	// UseTLS selects implicit TLS on port 465 and STARTTLS otherwise.
	// Default: true.
	UseTLS        *bool    `json:"smtp_use_tls,omitempty"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	// Template is a path to an html/template file replacing the default
	// body. It receives an emailData value.
	Template string `json:"template,omitempty"`
	// TimeoutSeconds bounds one SMTP session. Default: 30.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// EmailFactory returns a Factory for SMTP channels.
//
// Settings example:
//
//	{"smtp_host": "smtp.example.com", "smtp_port": 587, "smtp_username": "bot",
//	 "smtp_password": "${SMTP_PASSWORD}", "from": "vigie@example.com", "to": ["ops@example.com"]}
func EmailFactory() Factory {
	return func(name string, settings json.RawMessage) (Channel, error) {
		var cfg EmailConfig
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, fmt.Errorf("email: parse settings: %w", err)
		}
		if cfg.Host == "" {
			return nil, fmt.Errorf("email: smtp_host is required")
		}
		if cfg.Port == 0 {
			cfg.Port = 587
		}
		if cfg.UseTLS == nil {
			on := true
			cfg.UseTLS = &on
		}
		if cfg.TimeoutSeconds <= 0 {
			cfg.TimeoutSeconds = 30
		}
		from, err := mail.ParseAddress(cfg.From)
		if err != nil {
			return nil, fmt.Errorf("email: from: %w", err)
		}
		if len(cfg.To) == 0 {
			return nil, fmt.Errorf("email: at least one recipient is required")
		}
		var to []*mail.Address
		for _, t := range cfg.To {
			a, err := mail.ParseAddress(t)
			if err != nil {
				return nil, fmt.Errorf("email: to %q: %w", t, err)
			}
			to = append(to, a)
		}

		tmpl := defaultEmailTemplate
		if cfg.Template != "" {
			src, err := os.ReadFile(cfg.Template)
			if err != nil {
				return nil, fmt.Errorf("email: read template: %w", err)
			}
			tmpl, err = template.New("email").Funcs(emailFuncs).Parse(string(src))
			if err != nil {
				return nil, fmt.Errorf("email: parse template: %w", err)
			}
		}
		return &emailChannel{name: name, config: cfg, from: from, to: to, tmpl: tmpl, sanitizer: emailPolicy()}, nil
	}
}

type emailChannel struct {
	name      string
	config    EmailConfig
	from      *mail.Address
	to        []*mail.Address
	tmpl      *template.Template
	sanitizer *bluemonday.Policy
}

func (c *emailChannel) Name() string     { return c.name }
func (c *emailChannel) Platform() string { return "email" }

// emailPolicy keeps the markup email templates use (tables, inline styles,
// classes) and drops scripts, forms and event handlers.
func emailPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	p.AllowStyles("color", "background-color", "font-family", "font-size",
		"font-weight", "white-space", "padding", "margin", "border",
		"border-collapse", "text-align", "width").Globally()
	p.AllowAttrs("cellpadding", "cellspacing", "border", "width").OnElements("table")
	return p
}

func (c *emailChannel) Render(ev *Event) (*Payload, error) {
	subject := c.config.SubjectPrefix + ev.Title()

	var htmlBody bytes.Buffer
	if err := c.tmpl.Execute(&htmlBody, newEmailData(ev)); err != nil {
		return nil, fmt.Errorf("email: render template: %w", err)
	}
	safe := c.sanitizer.SanitizeBytes(htmlBody.Bytes())

	text := summary(ev)
	if u := ev.Unified(); u != "" {
		text += "\n\n" + u
	}

	msg, err := c.buildMessage(subject, text, safe)
	if err != nil {
		return nil, err
	}
	return &Payload{ContentType: "message/rfc822", Subject: subject, Body: msg}, nil
}

func (c *emailChannel) buildMessage(subject, text string, htmlBody []byte) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	recipients := make([]string, len(c.to))
	for i, a := range c.to {
		recipients[i] = a.String()
	}
	h := []string{
		"From: " + c.from.String(),
		"To: " + strings.Join(recipients, ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", subject),
		"Date: " + time.Now().Format(time.RFC1123Z),
		"Message-ID: " + messageID(c.from.Address),
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=" + mw.Boundary(),
	}
	var out bytes.Buffer
	out.WriteString(strings.Join(h, "\r\n"))
	out.WriteString("\r\n\r\n")

	for _, part := range []struct {
		ctype string
		body  []byte
	}{
		{"text/plain; charset=utf-8", []byte(text)},
		{"text/html; charset=utf-8", wrapHTML(htmlBody)},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		w.Write(crlf(part.body))
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	out.Write(buf.Bytes())
	return out.Bytes(), nil
}

func wrapHTML(body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"></head><body>\n")
	b.Write(body)
	b.WriteString("\n</body></html>\n")
	return b.Bytes()
}

// crlf normalizes line endings for SMTP DATA.
func crlf(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}

func messageID(from string) string {
	domain := "vigie.local"
	if i := strings.LastIndexByte(from, '@'); i >= 0 {
		domain = from[i+1:]
	}
	var r [12]byte
	rand.Read(r[:])
	return "<" + hex.EncodeToString(r[:]) + "@" + domain + ">"
}

func (c *emailChannel) Send(ctx context.Context, p *Payload) error {
	fail := func(permanent bool, err error) error {
		return &ErrSendFailed{Channel: c.name, Platform: "email", Permanent: permanent, Cause: err}
	}

	deadline := time.Now().Add(time.Duration(c.config.TimeoutSeconds) * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	tlsConfig := &tls.Config{ServerName: c.config.Host}
	dialer := &net.Dialer{Deadline: deadline}

	var conn net.Conn
	var err error
	if *c.config.UseTLS && c.config.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fail(false, fmt.Errorf("dial %s: %w", addr, err))
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	client, err := smtp.NewClient(conn, c.config.Host)
	if err != nil {
		conn.Close()
		return fail(false, fmt.Errorf("smtp greeting: %w", err))
	}
	defer client.Close()

	if *c.config.UseTLS && c.config.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fail(true, errors.New("server does not support STARTTLS"))
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fail(false, fmt.Errorf("starttls: %w", err))
		}
	}
	if c.config.Username != "" {
		auth := smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
		if err := client.Auth(auth); err != nil {
			return fail(smtpPermanent(err), fmt.Errorf("auth: %w", err))
		}
	}

	if err := client.Mail(c.from.Address); err != nil {
		return fail(smtpPermanent(err), fmt.Errorf("mail from: %w", err))
	}
	for _, to := range c.to {
		if err := client.Rcpt(to.Address); err != nil {
			return fail(smtpPermanent(err), fmt.Errorf("rcpt %s: %w", to.Address, err))
		}
	}
	w, err := client.Data()
	if err != nil {
		return fail(smtpPermanent(err), fmt.Errorf("data: %w", err))
	}
	if _, err := w.Write(p.Body); err != nil {
		return fail(false, fmt.Errorf("write body: %w", err))
	}
	if err := w.Close(); err != nil {
		return fail(smtpPermanent(err), fmt.Errorf("end data: %w", err))
	}
	// The message is accepted once DATA completes.
	client.Quit()
	return nil
}

// smtpPermanent reports 5xx replies, which retrying will not fix.
func smtpPermanent(err error) bool {
	var tp *textproto.Error
	return errors.As(err, &tp) && tp.Code >= 500
}
