// Package risk tracks positions, balance and PnL, and gates new orders.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// HighWaterMark tracks peak equity and the deepest drawdown seen from it.
// Thread-safe for concurrent access.
type HighWaterMark struct {
	mu          sync.RWMutex
	peak        decimal.Decimal
	current     decimal.Decimal
	maxDrawdown decimal.Decimal
}

// NewHighWaterMark creates a mark anchored at the initial equity.
func NewHighWaterMark(initialEquity decimal.Decimal) *HighWaterMark {
	return &HighWaterMark{
		peak:    initialEquity,
		current: initialEquity,
	}
}

// Update records equity. Returns true if a new peak was set.
func (h *HighWaterMark) Update(equity decimal.Decimal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = equity
	if equity.GreaterThan(h.peak) {
		h.peak = equity
		return true
	}

	if dd := drawdown(h.peak, equity); dd.GreaterThan(h.maxDrawdown) {
		h.maxDrawdown = dd
	}
	return false
}

// Current returns the last recorded equity.
func (h *HighWaterMark) Current() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Peak returns the high water mark.
func (h *HighWaterMark) Peak() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peak
}

// Drawdown returns (peak - current) / peak; 0.15 means 15%.
func (h *HighWaterMark) Drawdown() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return drawdown(h.peak, h.current)
}

// MaxDrawdown returns the deepest drawdown observed since creation or Reset.
func (h *HighWaterMark) MaxDrawdown() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxDrawdown
}

// Reset re-anchors the mark at equity and clears the drawdown history.
func (h *HighWaterMark) Reset(equity decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peak = equity
	h.current = equity
	h.maxDrawdown = decimal.Zero
}

// Snapshot returns current, peak and drawdown under one lock.
func (h *HighWaterMark) Snapshot() (current, peak, dd decimal.Decimal) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.peak, drawdown(h.peak, h.current)
}

func drawdown(peak, current decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || current.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(current).Div(peak)
}
