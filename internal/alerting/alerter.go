// Package alerting sends operator notifications for live runs.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	EventEngineStarted          AlertEvent = "engine_started"
	EventEngineStopped          AlertEvent = "engine_stopped"
	EventOrderRejected          AlertEvent = "order_rejected"
	EventReconciliationConflict AlertEvent = "reconciliation_conflict"
	EventDataGap                AlertEvent = "data_gap"
	EventKillSwitch             AlertEvent = "kill_switch"
	EventStrategyError          AlertEvent = "strategy_error"
	EventConnectionLost         AlertEvent = "connection_lost"
	EventConnectionRestored     AlertEvent = "connection_restored"
)

// AllEvents lists every event, in the order config validation reports them.
var AllEvents = []AlertEvent{
	EventEngineStarted,
	EventEngineStopped,
	EventOrderRejected,
	EventReconciliationConflict,
	EventDataGap,
	EventKillSwitch,
	EventStrategyError,
	EventConnectionLost,
	EventConnectionRestored,
}

// ParseEvent validates an event name.
func ParseEvent(s string) (AlertEvent, error) {
	for _, e := range AllEvents {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown alert event %q", s)
}

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventKillSwitch, EventDataGap:
		return SeverityCritical
	case EventReconciliationConflict:
		return SeverityHigh
	case EventOrderRejected, EventStrategyError, EventConnectionLost:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Notifier sends events to an alerter, skipping events not enabled. A nil
// *Notifier drops everything.
type Notifier struct {
	alerter Alerter
	enabled map[AlertEvent]bool
	logger  *slog.Logger
}

// NewNotifier creates a notifier. An empty events list enables all events.
func NewNotifier(alerter Alerter, events []AlertEvent, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{alerter: alerter, logger: logger}
	if len(events) > 0 {
		n.enabled = make(map[AlertEvent]bool, len(events))
		for _, e := range events {
			n.enabled[e] = true
		}
	}
	return n
}

// Notify sends event with its default severity. Delivery failures are
// logged, never returned: alerts must not stop trading.
func (n *Notifier) Notify(ctx context.Context, event AlertEvent, message string, fields ...any) {
	if n == nil || n.alerter == nil {
		return
	}
	if n.enabled != nil && !n.enabled[event] {
		return
	}
	fields = append([]any{"event", string(event)}, fields...)
	if err := n.alerter.Alert(ctx, EventSeverity(event), message, fields...); err != nil {
		n.logger.Warn("alert delivery failed", "event", event, "alerter", n.alerter.Name(), "err", err)
	}
}
