package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"mm_backtest/internal/core"
)

type mockChannel struct {
	name     string
	sent     []Payload
	sendFunc func(ctx context.Context, p Payload) error
	mu       sync.Mutex
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, p)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, p)
	}
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Payload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestManager_Notify(t *testing.T) {
	mgr := NewManager(&mockLogger{})

	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}

	mgr.AddChannel(ch1)
	mgr.AddChannel(ch2)

	mgr.Notify(context.Background(), "Test Alert", "This is a test", Info, map[string]string{"key": "value"})

	// Notify waits for delivery, so no sleep is needed before asserting.
	sent1 := ch1.getSent()
	sent2 := ch2.getSent()

	if len(sent1) != 1 {
		t.Errorf("Expected ch1 to receive 1 notification, got %d", len(sent1))
	}
	if len(sent2) != 1 {
		t.Errorf("Expected ch2 to receive 1 notification, got %d", len(sent2))
	}

	payload := sent1[0]
	if payload.Title != "Test Alert" {
		t.Errorf("Expected title 'Test Alert', got '%s'", payload.Title)
	}
	if payload.Level != Info {
		t.Errorf("Expected level INFO, got %s", payload.Level)
	}
	if payload.Fields["key"] != "value" {
		t.Errorf("Expected field key=value, got %s", payload.Fields["key"])
	}
}

func TestManager_NotifyChannelError(t *testing.T) {
	mgr := NewManager(&mockLogger{})

	failing := &mockChannel{
		name: "failing",
		sendFunc: func(ctx context.Context, p Payload) error {
			return errors.New("delivery failed")
		},
	}
	healthy := &mockChannel{name: "healthy"}

	mgr.AddChannel(failing)
	mgr.AddChannel(healthy)

	mgr.Notify(context.Background(), "Batch failed", "2 of 5 securities failed", Error, nil)

	if len(healthy.getSent()) != 1 {
		t.Errorf("Expected healthy channel to receive the notification despite the failing one")
	}
}

func TestManager_NotifyNoChannels(t *testing.T) {
	mgr := NewManager(&mockLogger{})
	// Must not panic or block.
	mgr.Notify(context.Background(), "Nobody listening", "noop", Info, nil)
}

func TestSlackChannel_Send(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode slack payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL)
	err := ch.Send(context.Background(), Payload{
		Level:   Error,
		Title:   "Batch failed",
		Message: "1 of 3 securities failed",
		Fields:  map[string]string{"run_id": "abc"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	attachments, ok := got["attachments"].([]interface{})
	if !ok || len(attachments) != 1 {
		t.Fatalf("Expected 1 attachment, got %v", got["attachments"])
	}
	att := attachments[0].(map[string]interface{})
	if att["footer"] != "mm_backtest" {
		t.Errorf("Expected footer mm_backtest, got %v", att["footer"])
	}
	if att["pretext"] != "[ERROR] Batch failed" {
		t.Errorf("Unexpected pretext: %v", att["pretext"])
	}
	if att["color"] != "#ff0000" {
		t.Errorf("Expected red attachment for ERROR, got %v", att["color"])
	}
}

func TestSlackChannel_EmptyURL(t *testing.T) {
	ch := NewSlackChannel("")
	if err := ch.Send(context.Background(), Payload{Title: "ignored"}); err != nil {
		t.Errorf("Expected nil for unconfigured channel, got %v", err)
	}
}

func TestTelegramChannel_Send(t *testing.T) {
	var gotPath string
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode telegram payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewTelegramChannel("test-token", "42")
	ch.apiBase = server.URL

	err := ch.Send(context.Background(), Payload{
		Level:   Critical,
		Title:   "Batch aborted",
		Message: "runner error",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotPath != "/bottest-token/sendMessage" {
		t.Errorf("Unexpected request path: %s", gotPath)
	}
	if got["chat_id"] != "42" {
		t.Errorf("Expected chat_id 42, got %v", got["chat_id"])
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "[CRITICAL] Batch aborted") {
		t.Errorf("Expected text to carry level and title, got %q", text)
	}
}

func TestTelegramChannel_Unconfigured(t *testing.T) {
	ch := NewTelegramChannel("", "")
	if err := ch.Send(context.Background(), Payload{Title: "ignored"}); err != nil {
		t.Errorf("Expected nil for unconfigured channel, got %v", err)
	}
}
