package alert

import (
	"context"
	"fmt"
	"time"

	"mm_backtest/pkg/webhook"
)

const telegramAPIBase = "https://api.telegram.org"

type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *webhook.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   webhook.NewClient(5 * time.Second),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, p Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch p.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, p.Level, p.Title, p.Message)
	if len(p.Fields) > 0 {
		text += "\n"
		for k, v := range p.Fields {
			text += fmt.Sprintf("\n- *%s*: %s", k, v)
		}
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	if _, err := t.client.PostJSON(ctx, endpoint, payload); err != nil {
		return fmt.Errorf("telegram api: %w", err)
	}
	return nil
}
