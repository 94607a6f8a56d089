package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the trading system.
var (
	// Risk errors
	ErrKillSwitchActive      = errors.New("kill switch active: system in safe mode")
	ErrExposureLimitExceeded = errors.New("exposure limit exceeded")
	ErrLeverageExceeded      = errors.New("leverage limit exceeded")
	ErrInsufficientEquity    = errors.New("insufficient equity for position size")

	// Order errors
	ErrInvalidOrder            = errors.New("invalid order")
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderFinal              = errors.New("order already in terminal state")
	ErrDuplicateOrder          = errors.New("duplicate order id")
	ErrOrderRejectedByExchange = errors.New("order rejected by exchange")
	ErrQueueFull               = errors.New("fill queue full")

	// Communication errors
	ErrTransientComm  = errors.New("transient communication error")
	ErrConnectionLost = errors.New("connection lost")

	// State errors
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrEngineStopped          = errors.New("engine stopped")

	// Data errors
	ErrDataGap          = errors.New("candle stream gap")
	ErrInvalidData      = errors.New("invalid market data")
	ErrDataUnavailable  = errors.New("market data unavailable")
	ErrInvalidTimeframe = errors.New("invalid timeframe")

	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// TransientCommError is a timeout or 5xx that survived every retry.
type TransientCommError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientCommError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientCommError) Unwrap() error { return e.Err }

func (e *TransientCommError) Is(target error) bool { return target == ErrTransientComm }

// OrderRejectedError is a non-retryable venue rejection.
type OrderRejectedError struct {
	ClientOrderID string
	StatusCode    int
	Reason        string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order %s rejected (%d): %s", e.ClientOrderID, e.StatusCode, e.Reason)
}

func (e *OrderRejectedError) Is(target error) bool { return target == ErrOrderRejectedByExchange }

// ReconciliationConflictError reports a remote fill count behind the local one.
type ReconciliationConflictError struct {
	ClientOrderID string
	LocalFilled   decimal.Decimal
	RemoteFilled  decimal.Decimal
	Detail        string
}

func (e *ReconciliationConflictError) Error() string {
	msg := fmt.Sprintf("reconciliation conflict on %s: local filled %s, remote filled %s",
		e.ClientOrderID, e.LocalFilled, e.RemoteFilled)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ReconciliationConflictError) Is(target error) bool {
	return target == ErrReconciliationConflict
}

// DataGapError is fatal for the run that observes it.
type DataGapError struct {
	Symbol   string
	Previous time.Time
	Current  time.Time
	Expected time.Duration
}

func (e *DataGapError) Error() string {
	if !e.Current.After(e.Previous) {
		return fmt.Sprintf("%s: non-monotonic candle %s after %s", e.Symbol, e.Current, e.Previous)
	}
	return fmt.Sprintf("%s: gap of %s between %s and %s (timeframe %s)",
		e.Symbol, e.Current.Sub(e.Previous), e.Previous, e.Current, e.Expected)
}

func (e *DataGapError) Is(target error) bool { return target == ErrDataGap }
