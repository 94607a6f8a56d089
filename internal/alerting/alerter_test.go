package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityInfo, "INFO"},
		{SeverityWarning, "WARNING"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeverity_Emoji(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityInfo, "ℹ️"},
		{SeverityWarning, "⚠️"},
		{SeverityHigh, "🔴"},
		{SeverityCritical, "🚨"},
		{Severity(99), "❓"},
	}

	for _, tt := range tests {
		t.Run(tt.severity.String(), func(t *testing.T) {
			if got := tt.severity.Emoji(); got != tt.want {
				t.Errorf("Severity.Emoji() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatFields(t *testing.T) {
	tests := []struct {
		name   string
		fields []any
		want   string
	}{
		{
			name:   "empty fields",
			fields: nil,
			want:   "",
		},
		{
			name:   "single field",
			fields: []any{"key", "value"},
			want:   "• key: value",
		},
		{
			name:   "multiple fields",
			fields: []any{"key1", "value1", "key2", 123},
			want:   "• key1: value1\n• key2: 123",
		},
		{
			name:   "odd number of fields",
			fields: []any{"key1", "value1", "orphan"},
			want:   "• key1: value1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatFields(tt.fields...); got != tt.want {
				t.Errorf("FormatFields() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		event AlertEvent
		want  Severity
	}{
		{EventKillSwitch, SeverityCritical},
		{EventDataGap, SeverityCritical},
		{EventReconciliationConflict, SeverityHigh},
		{EventOrderRejected, SeverityWarning},
		{EventStrategyError, SeverityWarning},
		{EventConnectionLost, SeverityWarning},
		{EventConnectionRestored, SeverityInfo},
		{EventEngineStarted, SeverityInfo},
		{EventEngineStopped, SeverityInfo},
		{AlertEvent("unknown"), SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			if got := EventSeverity(tt.event); got != tt.want {
				t.Errorf("EventSeverity(%s) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestParseEvent(t *testing.T) {
	for _, e := range AllEvents {
		got, err := ParseEvent(string(e))
		if err != nil || got != e {
			t.Errorf("ParseEvent(%q) = %v, %v", e, got, err)
		}
	}
	if _, err := ParseEvent("order_filled"); err == nil {
		t.Error("ParseEvent(order_filled) expected error")
	}
}

func TestNotifier(t *testing.T) {
	mock := NewMockAlerter()
	n := NewNotifier(mock, []AlertEvent{EventKillSwitch}, nil)
	ctx := context.Background()

	n.Notify(ctx, EventOrderRejected, "order rejected")
	if mock.Count() != 0 {
		t.Fatalf("disabled event delivered: %d alerts", mock.Count())
	}

	n.Notify(ctx, EventKillSwitch, "kill switch tripped", "drawdown", "0.2")
	last := mock.LastAlert()
	if last == nil || last.Severity != SeverityCritical {
		t.Fatalf("last alert = %+v, want critical", last)
	}
	if len(last.Fields) < 2 || last.Fields[0] != "event" || last.Fields[1] != "kill_switch" {
		t.Errorf("fields = %v, want event first", last.Fields)
	}

	all := NewNotifier(mock, nil, nil)
	all.Notify(ctx, EventEngineStarted, "started")
	if mock.Count() != 2 {
		t.Errorf("empty event list should enable all, got %d alerts", mock.Count())
	}

	var nilNotifier *Notifier
	nilNotifier.Notify(ctx, EventKillSwitch, "dropped")
}

func TestNotifier_DeliveryFailureIsSwallowed(t *testing.T) {
	n := NewNotifier(failingAlerter{}, nil, nil)
	n.Notify(context.Background(), EventDataGap, "gap")
}

type failingAlerter struct{}

func (failingAlerter) Name() string { return "failing" }

func (failingAlerter) Alert(context.Context, Severity, string, ...any) error {
	return errors.New("unreachable")
}

func TestTelegramAlerter(t *testing.T) {
	var got telegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramAlerter(TelegramConfig{BotToken: "T0K", ChatID: "42", APIURL: srv.URL})
	if err := tg.Alert(context.Background(), SeverityWarning, "order <o1> rejected", "reason", "margin"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if path != "/botT0K/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if got.ChatID != "42" || got.ParseMode != "HTML" {
		t.Errorf("message = %+v", got)
	}
	if !strings.Contains(got.Text, "order &lt;o1&gt; rejected") || !strings.Contains(got.Text, "reason: margin") {
		t.Errorf("text not escaped or missing fields: %q", got.Text)
	}

	s := NewRunSummary("live run", time.Time{}, time.Time{}, decimal.NewFromInt(100), decimal.NewFromInt(110), decimal.Zero, decimal.Zero, 1, 1, 0)
	if err := tg.SendSummary(context.Background(), s); err != nil {
		t.Fatalf("SendSummary() error = %v", err)
	}
	if !strings.HasPrefix(got.Text, "<pre>=== live run ===") {
		t.Errorf("summary text = %q", got.Text)
	}
}

func TestTelegramAlerter_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegramAlerter(TelegramConfig{BotToken: "x", ChatID: "1", APIURL: srv.URL})
	err := tg.Alert(context.Background(), SeverityInfo, "hi")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("Alert() error = %v, want API description", err)
	}
}

func TestTelegramAlerter_EventHeaderAndSilentInfo(t *testing.T) {
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramAlerter(TelegramConfig{BotToken: "x", ChatID: "1", APIURL: srv.URL})
	if err := tg.Alert(context.Background(), SeverityInfo, "filled", "event", "order_filled", "qty", 2); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if !got.DisableNotification {
		t.Error("info alert should be silent")
	}
	if !strings.Contains(got.Text, "<code>order_filled</code>") || strings.Contains(got.Text, "event: order_filled") {
		t.Errorf("event not rendered as header: %q", got.Text)
	}
	if !strings.Contains(got.Text, "qty: 2") {
		t.Errorf("fields missing: %q", got.Text)
	}

	if err := tg.Alert(context.Background(), SeverityCritical, "kill switch"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if got.DisableNotification {
		t.Error("critical alert should notify")
	}
}

func TestTelegramAlerter_RetryAfter(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests","parameters":{"retry_after":0}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramAlerter(TelegramConfig{BotToken: "x", ChatID: "1", APIURL: srv.URL, MessagesPerSecond: 100})
	if err := tg.Alert(context.Background(), SeverityHigh, "rejected"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestTelegramAlerter_RetryAfterTooLong(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests","parameters":{"retry_after":60}}`))
	}))
	defer srv.Close()

	tg := NewTelegramAlerter(TelegramConfig{BotToken: "x", ChatID: "1", APIURL: srv.URL})
	err := tg.Alert(context.Background(), SeverityHigh, "rejected")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("Alert() error = %v, want 429 failure", err)
	}
}

func TestMockAlerter(t *testing.T) {
	mock := NewMockAlerter()
	ctx := context.Background()

	// Initially empty
	if mock.Count() != 0 {
		t.Errorf("expected 0 alerts, got %d", mock.Count())
	}

	// Send alert
	err := mock.Alert(ctx, SeverityInfo, "test message", "key", "value")
	if err != nil {
		t.Fatalf("Alert() error = %v", err)
	}

	// Check count
	if mock.Count() != 1 {
		t.Errorf("expected 1 alert, got %d", mock.Count())
	}

	// Check last alert
	last := mock.LastAlert()
	if last == nil {
		t.Fatal("expected last alert, got nil")
	}
	if last.Severity != SeverityInfo {
		t.Errorf("expected SeverityInfo, got %v", last.Severity)
	}
	if last.Message != "test message" {
		t.Errorf("expected 'test message', got %q", last.Message)
	}

	// Check contains
	if !mock.HasAlertContaining("test") {
		t.Error("expected to have alert containing 'test'")
	}
	if mock.HasAlertContaining("nonexistent") {
		t.Error("did not expect alert containing 'nonexistent'")
	}

	// Check severity
	if !mock.HasAlertWithSeverity(SeverityInfo) {
		t.Error("expected to have alert with SeverityInfo")
	}
	if mock.HasAlertWithSeverity(SeverityCritical) {
		t.Error("did not expect alert with SeverityCritical")
	}

	// Clear
	mock.Clear()
	if mock.Count() != 0 {
		t.Errorf("expected 0 alerts after clear, got %d", mock.Count())
	}
}

func TestConsoleAlerter(t *testing.T) {
	alerter := NewConsoleAlerter(nil)

	if alerter.Name() != "console" {
		t.Errorf("expected name 'console', got %q", alerter.Name())
	}

	// Should not error
	err := alerter.Alert(context.Background(), SeverityInfo, "test")
	if err != nil {
		t.Errorf("Alert() error = %v", err)
	}
}

func TestMultiAlerter(t *testing.T) {
	mock1 := NewMockAlerter()
	mock2 := NewMockAlerter()

	multi := NewMultiAlerter(nil, mock1, mock2)

	if multi.Name() != "multi" {
		t.Errorf("expected name 'multi', got %q", multi.Name())
	}

	// Send alert
	err := multi.Alert(context.Background(), SeverityWarning, "broadcast")
	if err != nil {
		t.Fatalf("Alert() error = %v", err)
	}

	// Both should receive
	if mock1.Count() != 1 {
		t.Errorf("mock1: expected 1 alert, got %d", mock1.Count())
	}
	if mock2.Count() != 1 {
		t.Errorf("mock2: expected 1 alert, got %d", mock2.Count())
	}

	// Add another alerter
	mock3 := NewMockAlerter()
	multi.AddAlerter(mock3)

	// Send another alert
	_ = multi.Alert(context.Background(), SeverityHigh, "another")

	if mock3.Count() != 1 {
		t.Errorf("mock3: expected 1 alert, got %d", mock3.Count())
	}
}

func TestMultiAlerter_AlertEvent(t *testing.T) {
	mock := NewMockAlerter()
	multi := NewMultiAlerter(nil, mock)

	err := multi.AlertEvent(context.Background(), EventKillSwitch, "Kill switch triggered")
	if err != nil {
		t.Fatalf("AlertEvent() error = %v", err)
	}

	last := mock.LastAlert()
	if last == nil {
		t.Fatal("expected alert, got nil")
	}
	if last.Severity != SeverityCritical {
		t.Errorf("expected SeverityCritical, got %v", last.Severity)
	}
	if !mock.HasEvent(EventKillSwitch) {
		t.Errorf("event field missing: %v", last.Fields)
	}
}

func TestMultiAlerter_PartialFailure(t *testing.T) {
	mock := NewMockAlerter()
	multi := NewMultiAlerter(nil, failingAlerter{}, mock)

	err := multi.Alert(context.Background(), SeverityHigh, "fill")
	if err == nil || !strings.Contains(err.Error(), "failing: unreachable") {
		t.Errorf("Alert() error = %v, want tagged channel failure", err)
	}
	if mock.Count() != 1 {
		t.Errorf("healthy channel got %d alerts, want 1", mock.Count())
	}
	if multi.Len() != 2 {
		t.Errorf("Len() = %d, want 2", multi.Len())
	}
}

func TestSeverityLevel(t *testing.T) {
	if SeverityCritical.Level() != slog.LevelError || SeverityInfo.Level() != slog.LevelInfo {
		t.Error("severity levels not mapped")
	}
}
