package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlert is one captured alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// Event returns the "event" field a Notifier attaches, or "".
func (a MockAlert) Event() AlertEvent {
	for i := 0; i+1 < len(a.Fields); i += 2 {
		if k, ok := a.Fields[i].(string); ok && k == "event" {
			if v, ok := a.Fields[i+1].(string); ok {
				return AlertEvent(v)
			}
		}
	}
	return ""
}

// MockAlerter captures alerts for tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
}

// NewMockAlerter creates an empty capture.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

// Name returns the name of the alerter.
func (m *MockAlerter) Name() string {
	return "mock"
}

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{Severity: severity, Message: message, Fields: fields})
	return nil
}

// Alerts returns a copy of everything captured.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}

// Clear drops captured alerts.
func (m *MockAlerter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}

// Count returns the number of captured alerts.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func (m *MockAlerter) matches(match func(MockAlert) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if match(a) {
			return true
		}
	}
	return false
}

// HasAlertWithSeverity reports whether any alert had severity.
func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	return m.matches(func(a MockAlert) bool { return a.Severity == severity })
}

// HasAlertContaining reports whether any message contains substr.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	return m.matches(func(a MockAlert) bool { return strings.Contains(a.Message, substr) })
}

// HasEvent reports whether event was delivered.
func (m *MockAlerter) HasEvent(event AlertEvent) bool {
	return m.matches(func(a MockAlert) bool { return a.Event() == event })
}

// LastAlert returns the newest alert, or nil.
func (m *MockAlerter) LastAlert() *MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return nil
	}
	last := m.alerts[len(m.alerts)-1]
	return &last
}
