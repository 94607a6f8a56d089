package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MultiAlerter fans an alert out to every channel at once, so one slow
// channel does not delay the others.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a fan-out over alerters.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{alerters: alerters, logger: logger}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Len returns the number of channels.
func (m *MultiAlerter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerters)
}

// Alert delivers to every channel and waits for all of them. Failures are
// joined, each tagged with its channel name.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := append([]Alerter(nil), m.alerters...)
	m.mu.RUnlock()

	errs := make([]error, len(alerters))
	var wg sync.WaitGroup
	for i, a := range alerters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alert channel failed", "alerter", a.Name(), "severity", severity.String(), "err", err)
				errs[i] = fmt.Errorf("%s: %w", a.Name(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// AlertEvent sends event at its default severity, tagged like Notifier does.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	fields = append([]any{"event", string(event)}, fields...)
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}
