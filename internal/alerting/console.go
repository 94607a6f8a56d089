package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to a logger, at a level matching the
// severity.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter. Nil uses slog.Default.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger.With("alert", true)}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs the alert. It never fails.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	args := append([]any{"severity", severity.String()}, fields...)
	c.logger.Log(ctx, severity.Level(), message, args...)
	return nil
}

// Level maps a severity to the slog level it is logged at.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh, SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
