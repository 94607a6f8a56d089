package metrics

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Recorder writes to the package vectors. Every method is a no-op on a nil
// *Recorder, so backtests can pass nil and stay free of shared state.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// OrderUpdated counts an order state transition.
func (r *Recorder) OrderUpdated(o types.Order) {
	if r == nil {
		return
	}
	OrdersTotal.WithLabelValues(o.Kind.String(), strings.ToLower(o.Status.String())).Inc()
}

// FillApplied counts a fill.
func (r *Recorder) FillApplied(f types.Fill) {
	if r == nil {
		return
	}
	FillsTotal.WithLabelValues(f.Symbol, strings.ToLower(f.Side.String())).Inc()
}

// DuplicateFill counts an ignored fill event.
func (r *Recorder) DuplicateFill(types.FillEvent) {
	if r == nil {
		return
	}
	DuplicateFillsTotal.Inc()
}

// Conflict counts a reconciliation conflict.
func (r *Recorder) Conflict(*types.ReconciliationConflictError) {
	if r == nil {
		return
	}
	ReconciliationConflictsTotal.Inc()
}

// RecordRetry counts a retried venue call. op is "submit", "cancel", ...
func (r *Recorder) RecordRetry(op string) {
	if r == nil {
		return
	}
	SubmitRetriesTotal.WithLabelValues(op).Inc()
}

// RecordStrategyError counts a failed strategy cycle.
func (r *Recorder) RecordStrategyError(strategy string) {
	if r == nil {
		return
	}
	StrategyErrorsTotal.WithLabelValues(strategy).Inc()
}

// RecordCandle counts a processed candle.
func (r *Recorder) RecordCandle(symbol string) {
	if r == nil {
		return
	}
	CandlesTotal.WithLabelValues(symbol).Inc()
}

// RecordDataGap counts a stream gap.
func (r *Recorder) RecordDataGap(symbol string) {
	if r == nil {
		return
	}
	DataGapsTotal.WithLabelValues(symbol).Inc()
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	if r == nil {
		return
	}
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordHyperoptRun counts a finished parameter set.
func (r *Recorder) RecordHyperoptRun() {
	if r == nil {
		return
	}
	HyperoptRunsTotal.Inc()
}

// RecordPosition publishes one symbol's position.
func (r *Recorder) RecordPosition(p types.Position) {
	if r == nil {
		return
	}
	PositionQty.WithLabelValues(p.Symbol).Set(p.NetQty.InexactFloat64())
	RealizedPnL.WithLabelValues(p.Symbol).Set(p.RealizedPnL.InexactFloat64())
	UnrealizedPnL.WithLabelValues(p.Symbol).Set(p.UnrealizedPnL.InexactFloat64())
}

// RecordAccount records balance, equity and drawdown.
func (r *Recorder) RecordAccount(balance, equity, drawdown decimal.Decimal) {
	if r == nil {
		return
	}
	Balance.Set(balance.InexactFloat64())
	Equity.Set(equity.InexactFloat64())
	Drawdown.Set(drawdown.InexactFloat64())
}

// RecordActiveOrders sets the open order gauge.
func (r *Recorder) RecordActiveOrders(n int) {
	if r == nil {
		return
	}
	ActiveOrders.Set(float64(n))
}

// RecordAdapterStatus records execution stream connectivity.
func (r *Recorder) RecordAdapterStatus(connected bool) {
	if r == nil {
		return
	}
	AdapterConnected.Set(boolGauge(connected))
}

// RecordKillSwitch records kill switch state.
func (r *Recorder) RecordKillSwitch(active bool) {
	if r == nil {
		return
	}
	KillSwitchActive.Set(boolGauge(active))
}

// RecordSubmitLatency observes one submit.
func (r *Recorder) RecordSubmitLatency(d time.Duration) {
	if r == nil {
		return
	}
	SubmitLatency.Observe(d.Seconds())
}

// RecordStrategyLatency records strategy computation latency.
func (r *Recorder) RecordStrategyLatency(strategy string, d time.Duration) {
	if r == nil {
		return
	}
	StrategyLatency.WithLabelValues(strategy).Observe(d.Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
