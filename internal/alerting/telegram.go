package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures the Bot API channel.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration // per request, default 10s
	APIURL   string        // defaults to the public Bot API
	// MessagesPerSecond caps sends to one chat. Default 1.
	MessagesPerSecond float64
	// MaxRetryAfter bounds how long a 429 retry_after is honoured.
	// Default 5s; longer waits fail the alert.
	MaxRetryAfter time.Duration
}

// TelegramAlerter posts alerts to a Telegram chat.
type TelegramAlerter struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewTelegramAlerter creates a Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultTelegramAPI
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 1
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = 5 * time.Second
	}
	return &TelegramAlerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 3),
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Alert posts the alert. Info alerts are delivered silently.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, telegramMessage{
		Text:                t.render(severity, message, fields...),
		DisableNotification: severity == SeverityInfo,
	})
}

// SendSummary posts the end-of-run summary as preformatted text.
func (t *TelegramAlerter) SendSummary(ctx context.Context, s RunSummary) error {
	return t.send(ctx, telegramMessage{Text: "<pre>" + html.EscapeString(s.Text()) + "</pre>"})
}

// send posts msg, waiting out one 429 when the server asks for a short
// pause.
func (t *TelegramAlerter) send(ctx context.Context, msg telegramMessage) error {
	msg.ChatID = t.cfg.ChatID
	msg.ParseMode = "HTML"
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limit: %w", err)
		}
		resp, status, err := t.post(ctx, body)
		if err != nil {
			return err
		}
		if resp.OK {
			return nil
		}
		wait := time.Duration(resp.Parameters.RetryAfter) * time.Second
		if status != http.StatusTooManyRequests || attempt > 0 || wait > t.cfg.MaxRetryAfter {
			return fmt.Errorf("telegram API error (http %d): %s", status, resp.Description)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *TelegramAlerter) post(ctx context.Context, body []byte) (telegramResponse, int, error) {
	var out telegramResponse
	url := t.cfg.APIURL + "/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return out, 0, fmt.Errorf("send request: %w", redactToken(err, t.cfg.BotToken))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, resp.StatusCode, fmt.Errorf("parse response (http %d): %w", resp.StatusCode, err)
	}
	return out, resp.StatusCode, nil
}

// render builds the HTML body: severity header, the event name when a
// Notifier attached one, the message, then the remaining fields.
func (t *TelegramAlerter) render(severity Severity, message string, fields ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>[%s]</b>", severity.Emoji(), severity.String())

	rest := make([]any, 0, len(fields))
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok && k == "event" {
			fmt.Fprintf(&b, " <code>%s</code>", html.EscapeString(fmt.Sprint(fields[i+1])))
			continue
		}
		rest = append(rest, fields[i], fields[i+1])
	}
	b.WriteString("\n")
	b.WriteString(html.EscapeString(message))

	if details := FormatFields(rest...); details != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(details))
	}
	fmt.Fprintf(&b, "\n\n<i>%s</i>", time.Now().UTC().Format(time.DateTime+" MST"))
	return b.String()
}

func redactToken(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}
