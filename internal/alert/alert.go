// Package alert delivers batch outcome notifications to external channels.
package alert

import (
	"context"
	"sync"
	"time"

	"mm_backtest/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is a single notification.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel is a delivery target for notifications.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Manager fans a notification out to every registered channel.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	timeout  time.Duration
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		timeout:  10 * time.Second,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify sends to all channels and waits until every delivery attempt has
// finished. The process exits shortly after a batch completes, so returning
// before delivery would drop the notification.
func (m *Manager) Notify(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		return
	}

	m.logger.Info("Sending notification", "title", title, "level", level)

	var wg sync.WaitGroup
	for _, ch := range m.channels {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send notification", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	wg.Wait()
}
