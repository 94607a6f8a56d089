// Package backtest replays historical candles through the same session the
// live loop uses, against the simulated adapter.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/adapter"
	"github.com/tathienbao/quant-runner/internal/alerting"
	"github.com/tathienbao/quant-runner/internal/engine"
	"github.com/tathienbao/quant-runner/internal/execution"
	"github.com/tathienbao/quant-runner/internal/observer"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
)

// ProgressUpdate contains info for UI updates
type ProgressUpdate struct {
	Bar       int
	TotalBars int
	Candle    types.Candle
	Equity    decimal.Decimal
	Drawdown  decimal.Decimal
	Position  decimal.Decimal
	Trades    int
	WinRate   decimal.Decimal
}

// ProgressCallback is called on each bar for UI updates
type ProgressCallback func(update ProgressUpdate)

// Config holds backtest configuration.
type Config struct {
	Session engine.SessionConfig
	Sim     adapter.SimConfig
	// Seed makes client order ids reproducible; runs with the same seed and
	// candles produce identical orders.
	Seed         string
	StartTime    time.Time
	EndTime      time.Time
	RiskFreeRate decimal.Decimal // annual
	Logger       *slog.Logger
}

// DefaultConfig returns a frictionless backtest that flattens at the end.
func DefaultConfig() Config {
	sess := engine.DefaultSessionConfig()
	sess.CandleClock = true
	sess.CancelOrdersOnStop = true
	sess.ClosePositionsAtEnd = true
	return Config{
		Session: sess,
		Sim:     adapter.DefaultSimConfig(),
		Seed:    "backtest",
	}
}

// Result holds backtest results.
type Result struct {
	Strategy       string
	StartBalance   decimal.Decimal
	EndBalance     decimal.Decimal
	TotalReturn    decimal.Decimal // As ratio (0.15 = 15%)
	MaxDrawdown    decimal.Decimal // As ratio
	TradeCount     int
	Wins           int
	Losses         int
	WinRate        decimal.Decimal // As ratio
	ProfitFactor   decimal.Decimal // Gross profit / Gross loss
	Sharpe         decimal.Decimal
	Fees           decimal.Decimal
	Orders         int
	Fills          int
	Candles        int
	StrategyErrors int
	Trades         []types.Trade
	EquityCurve    []EquityPoint
}

// EquityPoint represents equity at a point in time.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
	Drawdown  decimal.Decimal
}

// Runner executes one backtest. A Runner is single use and owns all of its
// mutable state, so several can run in parallel over the same candles.
type Runner struct {
	cfg      Config
	feed     observer.CandleFeed
	strategy strategy.Strategy
	logger   *slog.Logger

	progressCb ProgressCallback
	totalBars  int
}

// NewRunner creates a new backtest runner.
func NewRunner(cfg Config, feed observer.CandleFeed, strat strategy.Strategy) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		feed:     feed,
		strategy: strat,
		logger:   logger,
	}
}

// SetProgressCallback sets a callback for UI updates
func (r *Runner) SetProgressCallback(cb ProgressCallback) {
	r.progressCb = cb
}

// SetTotalBars sets the expected total number of bars (for progress display)
func (r *Runner) SetTotalBars(total int) {
	r.totalBars = total
}

// Run replays the configured symbol. A gap or invalid candle aborts the run
// with that error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	sim := adapter.NewSimulatedAdapter(r.cfg.Sim, r.logger)
	defer sim.Close()

	var (
		orders = make(map[string]struct{})
		fills  int
		curve  []EquityPoint
		bars   int
	)
	counter := execution.ListenerFuncs{
		Order: func(o types.Order) { orders[o.ClientOrderID] = struct{}{} },
		Fill:  func(types.Fill) { fills++ },
	}

	var session *engine.Session
	hook := func(c types.Candle, snap types.EquitySnapshot) {
		curve = append(curve, EquityPoint{Timestamp: snap.Timestamp, Equity: snap.Equity, Drawdown: snap.Drawdown})
		bars++
		if r.progressCb == nil {
			return
		}
		stats := session.Tracker().Stats()
		r.progressCb(ProgressUpdate{
			Bar:       bars,
			TotalBars: r.totalBars,
			Candle:    c,
			Equity:    snap.Equity,
			Drawdown:  snap.Drawdown,
			Position:  session.Tracker().Position(c.Symbol).NetQty,
			Trades:    stats.TradeCount,
			WinRate:   stats.WinRate(),
		})
	}

	session = engine.NewSession(r.cfg.Session, sim, r.strategy,
		engine.WithLogger(r.logger),
		engine.WithIDGenerator(execution.NewSequenceGenerator("bt", r.cfg.Seed)),
		engine.WithListener(counter),
		engine.WithCandleHook(hook),
	)
	if err := session.Start(ctx); err != nil {
		return nil, err
	}

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	candles, err := r.feed.Subscribe(feedCtx, r.cfg.Session.Symbol)
	if err != nil {
		return nil, fmt.Errorf("subscribe to feed: %w", err)
	}

	for c := range candles {
		if !r.cfg.StartTime.IsZero() && c.OpenTime.Before(r.cfg.StartTime) {
			continue
		}
		if !r.cfg.EndTime.IsZero() && c.OpenTime.After(r.cfg.EndTime) {
			break
		}
		if err := session.OnCandle(ctx, c); err != nil {
			return nil, fmt.Errorf("backtest %s: %w", r.strategy.Name(), err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := session.Shutdown(ctx); err != nil {
		return nil, fmt.Errorf("backtest shutdown: %w", err)
	}
	if snap, ok := finalPoint(session, curve); ok {
		curve = append(curve, snap)
	}

	res := r.result(session, curve)
	res.Orders = len(orders)
	res.Fills = fills
	return res, nil
}

// finalPoint records the equity after closing positions when it differs from
// the last candle's.
func finalPoint(s *engine.Session, curve []EquityPoint) (EquityPoint, bool) {
	if len(curve) == 0 {
		return EquityPoint{}, false
	}
	last := curve[len(curve)-1]
	snap := s.Tracker().Snapshot(last.Timestamp)
	if snap.Equity.Equal(last.Equity) {
		return EquityPoint{}, false
	}
	return EquityPoint{Timestamp: snap.Timestamp, Equity: snap.Equity, Drawdown: snap.Drawdown}, true
}

func (r *Runner) result(s *engine.Session, curve []EquityPoint) *Result {
	tr := s.Tracker()
	stats := tr.Stats()
	start := tr.StartingBalance()
	end := tr.Equity()

	totalReturn := decimal.Zero
	if start.IsPositive() {
		totalReturn = end.Sub(start).Div(start)
	}

	res := &Result{
		Strategy:       r.strategy.Name(),
		StartBalance:   start,
		EndBalance:     end,
		TotalReturn:    totalReturn,
		MaxDrawdown:    stats.MaxDrawdown,
		TradeCount:     stats.TradeCount,
		Wins:           stats.Wins,
		Losses:         stats.Losses,
		WinRate:        stats.WinRate(),
		ProfitFactor:   stats.ProfitFactor,
		Fees:           stats.Fees,
		Candles:        s.Candles(),
		StrategyErrors: s.StrategyErrors(),
		Trades:         tr.Trades(),
		EquityCurve:    curve,
	}
	if dd := NewMetrics(res, r.cfg.RiskFreeRate).MaxDrawdown(); dd.GreaterThan(res.MaxDrawdown) {
		res.MaxDrawdown = dd
	}
	res.Sharpe = NewMetrics(res, r.cfg.RiskFreeRate).SharpeRatio()
	return res
}

// RunSummary converts the result for printing or sending.
func (r *Result) RunSummary(label string) alerting.RunSummary {
	var start, end time.Time
	if n := len(r.EquityCurve); n > 0 {
		start, end = r.EquityCurve[0].Timestamp, r.EquityCurve[n-1].Timestamp
	}
	s := alerting.NewRunSummary(label, start, end,
		r.StartBalance, r.EndBalance, r.MaxDrawdown, r.Fees,
		r.TradeCount, r.Wins, r.Losses,
	)
	s.Orders = r.Orders
	s.Fills = r.Fills
	return s
}
