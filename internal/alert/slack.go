package alert

import (
	"context"
	"fmt"
	"time"

	"mm_backtest/pkg/webhook"
)

type SlackChannel struct {
	webhookURL string
	client     *webhook.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     webhook.NewClient(5 * time.Second),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, p Payload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f" // Green (Info)
	switch p.Level {
	case Warning:
		color = "#ffcc00" // Yellow
	case Error:
		color = "#ff0000" // Red
	case Critical:
		color = "#8b0000" // Dark Red
	}

	// Format fields
	var fields []map[string]interface{}
	for k, v := range p.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", p.Level, p.Title),
				"text":    p.Message,
				"fields":  fields,
				"ts":      p.Timestamp.Unix(),
				"footer":  "mm_backtest",
			},
		},
	}

	if _, err := s.client.PostJSON(ctx, s.webhookURL, payload); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
