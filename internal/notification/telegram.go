package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// markdownV2Specials must be backslash-escaped in MarkdownV2 text.
const markdownV2Specials = "_*[]()~`>#+-=|{}.!"

var levelIcon = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

// TelegramNotifier posts alerts to a chat through the Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
}

type telegramResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramNotifier creates a notifier for chatID using botToken.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client: resty.New().
			SetBaseURL(telegramAPI).
			SetTimeout(10 * time.Second),
	}
}

// WithBaseURL points the notifier at another Bot API host (tests).
func (t *TelegramNotifier) WithBaseURL(url string) *TelegramNotifier {
	t.client.SetBaseURL(url)
	return t
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	icon, ok := levelIcon[alert.Level]
	if !ok {
		icon = levelIcon[AlertInfo]
	}
	text := icon + " *" + escapeMarkdown(alert.Title) + "*\n\n" + escapeMarkdown(alert.Message)

	var result telegramResult
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "MarkdownV2",
		}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if !resp.IsSuccess() {
		if result.Description != "" {
			return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), result.Description)
		}
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode())
	}
	return nil
}

func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(markdownV2Specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
