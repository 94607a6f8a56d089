package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/adapter"
	"github.com/tathienbao/quant-runner/internal/alerting"
	"github.com/tathienbao/quant-runner/internal/execution"
	"github.com/tathienbao/quant-runner/internal/metrics"
	"github.com/tathienbao/quant-runner/internal/observer"
	"github.com/tathienbao/quant-runner/internal/risk"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
)

// SessionConfig holds the per-run settings shared by every mode.
type SessionConfig struct {
	Symbol     string
	Timeframe  time.Duration
	MaxGapBars int

	// WarmupBars is the history length required before the strategy runs.
	WarmupBars int
	// HistoryBars caps the window handed to the strategy. Zero keeps all.
	HistoryBars int

	StartingBalance decimal.Decimal
	Execution       execution.Config
	Risk            risk.Config
	Sizer           risk.LotSizer

	CancelOrdersOnStop  bool
	ClosePositionsAtEnd bool

	// CandleClock drives order timestamps and expiry from candle close
	// times instead of the wall clock.
	CandleClock bool
}

// DefaultSessionConfig returns defaults for a 1m BTCUSD run.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Symbol:             "BTCUSD",
		Timeframe:          time.Minute,
		WarmupBars:         1,
		HistoryBars:        500,
		StartingBalance:    decimal.NewFromInt(10000),
		Execution:          execution.DefaultConfig(),
		Risk:               risk.DefaultConfig(),
		Sizer:              risk.DefaultLotSizer(),
		CancelOrdersOnStop: true,
	}
}

// CandleHook runs at the end of every accepted candle with the account
// state after that candle.
type CandleHook func(c types.Candle, snap types.EquitySnapshot)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder records metrics. A nil recorder records nothing.
func WithRecorder(r *metrics.Recorder) SessionOption {
	return func(s *Session) { s.recorder = r }
}

// WithNotifier sends alert events.
func WithNotifier(n *alerting.Notifier) SessionOption {
	return func(s *Session) { s.notifier = n }
}

// WithListener adds an execution listener, e.g. the journal.
func WithListener(l execution.Listener) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithIDGenerator sets the client order id source.
func WithIDGenerator(g execution.IDGenerator) SessionOption {
	return func(s *Session) { s.ids = g }
}

// WithCandleHook adds a hook run after each candle.
func WithCandleHook(h CandleHook) SessionOption {
	return func(s *Session) {
		if h != nil {
			s.hooks = append(s.hooks, h)
		}
	}
}

// Session is one run: a single execution engine, adapter, tracker, guard,
// strategy and sequencer, driven one event at a time.
//
// A Session is not safe for concurrent use. Its engine and tracker may be
// read from other goroutines.
type Session struct {
	cfg       SessionConfig
	logger    *slog.Logger
	adapter   adapter.Adapter
	strategy  strategy.Strategy
	exec      *execution.Engine
	tracker   *risk.Tracker
	guard     *risk.Guard
	seq       *observer.Sequencer
	recorder  *metrics.Recorder
	notifier  *alerting.Notifier
	ids       execution.IDGenerator
	listeners []execution.Listener
	hooks     []CandleHook

	fills   <-chan types.FillEvent
	history []types.Candle
	last    types.Candle
	clock   time.Time

	// Collected by listener callbacks, handled once the engine call returns.
	rejected  []types.Order
	conflicts []*types.ReconciliationConflictError
	flattened []string
	killed    string

	stopping       bool
	candles        int
	strategyErrors int
}

// NewSession wires a run around adapter a and strategy strat.
func NewSession(cfg SessionConfig, a adapter.Adapter, strat strategy.Strategy, opts ...SessionOption) *Session {
	s := &Session{
		cfg:      cfg,
		logger:   slog.Default(),
		adapter:  a,
		strategy: strat,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("symbol", cfg.Symbol, "strategy", strat.Name())

	s.tracker = risk.NewTracker(cfg.StartingBalance, s.logger)
	s.guard = risk.NewGuard(cfg.Risk, s.tracker, s.logger)
	s.guard.OnKill(func(reason string) { s.killed = reason })
	s.seq = observer.NewSequencer(cfg.Timeframe, cfg.MaxGapBars)

	execOpts := []execution.Option{
		execution.WithLogger(s.logger),
		execution.WithIDGenerator(s.ids),
		execution.WithListener(sessionListener{s}),
	}
	if s.recorder != nil {
		execOpts = append(execOpts, execution.WithListener(s.recorder))
	}
	for _, l := range s.listeners {
		execOpts = append(execOpts, execution.WithListener(l))
	}
	if cfg.CandleClock {
		execOpts = append(execOpts, execution.WithClock(func() time.Time { return s.clock }))
	}
	s.exec = execution.NewEngine(cfg.Execution, a, execOpts...)
	return s
}

// Start subscribes to the adapter's fill stream.
func (s *Session) Start(ctx context.Context) error {
	fills, err := s.adapter.SubscribeFills(ctx)
	if err != nil {
		return fmt.Errorf("subscribe fills: %w", err)
	}
	s.fills = fills
	return nil
}

// Fills returns the subscribed fill channel, nil before Start.
func (s *Session) Fills() <-chan types.FillEvent { return s.fills }

// Restore loads journaled orders and positions after a restart. Reconcile
// should follow.
func (s *Session) Restore(orders []types.Order, positions []types.Position) {
	s.exec.Restore(orders)
	for _, p := range positions {
		s.tracker.Restore(p)
	}
}

// OnCandle runs one step of the loop. The returned error is fatal for the
// run: a data gap, malformed candle or an adapter that cannot take the
// candle. Everything else is logged, counted and alerted.
func (s *Session) OnCandle(ctx context.Context, c types.Candle) error {
	if err := c.Validate(); err != nil {
		s.recorder.RecordError("invalid_candle")
		return err
	}
	if err := s.seq.Check(c); err != nil {
		s.recorder.RecordDataGap(c.Symbol)
		s.notifier.Notify(ctx, alerting.EventDataGap, "candle stream gap", "symbol", c.Symbol, "err", err)
		return err
	}
	s.last = c
	s.candles++
	s.clock = c.OpenTime
	if c.Timeframe > 0 {
		s.clock = c.CloseTime()
	}

	if err := s.adapter.OnCandle(ctx, c); err != nil {
		if !errors.Is(err, types.ErrQueueFull) {
			return fmt.Errorf("adapter candle: %w", err)
		}
		s.drain(ctx)
		if err := s.adapter.OnCandle(ctx, c); err != nil {
			return fmt.Errorf("adapter candle: %w", err)
		}
	}
	s.drain(ctx)

	if err := s.exec.OnCandle(ctx, c); err != nil {
		s.logger.Warn("engine candle step", "err", err)
		s.recorder.RecordError("engine_candle")
	}
	s.settle(ctx)

	s.tracker.Mark(c.Symbol, c.Close)
	s.guard.Observe()
	s.settle(ctx)

	s.history = append(s.history, c)
	if n := s.cfg.HistoryBars; n > 0 && len(s.history) > 2*n {
		s.history = append([]types.Candle(nil), s.history[len(s.history)-n:]...)
	}

	if !s.stopping && s.candles >= s.cfg.WarmupBars {
		s.execute(ctx, s.invoke(ctx), c.Close)
	}

	snap := s.tracker.Snapshot(s.clock)
	s.recorder.RecordCandle(c.Symbol)
	s.recorder.RecordAccount(snap.Balance, snap.Equity, snap.Drawdown)
	s.recorder.RecordPosition(s.tracker.Position(c.Symbol))
	s.recorder.RecordActiveOrders(len(s.exec.OpenOrders()))
	for _, h := range s.hooks {
		h(c, snap)
	}
	return nil
}

// OnFill applies one adapter event.
func (s *Session) OnFill(ctx context.Context, ev types.FillEvent) error {
	err := s.exec.OnFillEvent(ctx, ev)
	s.settle(ctx)
	if err != nil {
		s.recorder.RecordError("fill_event")
		return fmt.Errorf("fill event: %w", err)
	}
	return nil
}

// Reconcile merges the adapter's view of every open order.
func (s *Session) Reconcile(ctx context.Context) error {
	err := s.exec.Reconcile(ctx)
	s.settle(ctx)
	return err
}

// Shutdown stops new submissions. Depending on config it cancels open
// orders and flattens positions; adapters that can settle immediately fill
// the closing orders at the last close.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.stopping {
		return nil
	}
	s.stopping = true

	var errs []error
	if s.cfg.CancelOrdersOnStop || s.cfg.ClosePositionsAtEnd {
		n, err := s.exec.CancelAll(ctx, "")
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel all: %w", err))
		}
		s.logger.Info("orders cancelled at stop", "count", n)
	}

	if s.cfg.ClosePositionsAtEnd {
		settler, canSettle := s.adapter.(adapter.Settler)
		for _, pos := range s.tracker.Positions() {
			in, ok := strategy.ClosePosition(pos)
			if !ok {
				continue
			}
			in.ClientIntentID = fmt.Sprintf("close-%s-%d", pos.Symbol, s.clock.UnixMilli())
			if _, err := s.exec.Submit(ctx, in); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", pos.Symbol, err))
				continue
			}
			if canSettle {
				price, ok := s.tracker.LastPrice(pos.Symbol)
				if !ok {
					price = s.last.Close
				}
				if err := settler.Settle(ctx, pos.Symbol, price); err != nil {
					errs = append(errs, fmt.Errorf("settle %s: %w", pos.Symbol, err))
				}
			}
		}
		s.drain(ctx)
	}
	s.settle(ctx)
	s.exec.Stop()
	return errors.Join(errs...)
}

// Execution returns the order engine.
func (s *Session) Execution() *execution.Engine { return s.exec }

// Tracker returns the position tracker.
func (s *Session) Tracker() *risk.Tracker { return s.tracker }

// Guard returns the pre-trade guard.
func (s *Session) Guard() *risk.Guard { return s.guard }

// Strategy returns the strategy.
func (s *Session) Strategy() strategy.Strategy { return s.strategy }

// Candles returns the number of candles accepted.
func (s *Session) Candles() int { return s.candles }

// StrategyErrors returns the number of strategy cycles that failed.
func (s *Session) StrategyErrors() int { return s.strategyErrors }

// LastCandle returns the newest accepted candle.
func (s *Session) LastCandle() (types.Candle, bool) {
	return s.last, s.candles > 0
}

func (s *Session) invoke(ctx context.Context) []types.TradeIntent {
	timer := metrics.NewTimer()
	window := s.history
	if n := s.cfg.HistoryBars; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	intents, err := strategy.Invoke(ctx, s.strategy, window, s.tracker.Position(s.last.Symbol))
	s.recorder.RecordStrategyLatency(s.strategy.Name(), timer.Elapsed())
	if err != nil {
		s.strategyErrors++
		s.logger.Error("strategy failed, cycle skipped", "err", err)
		s.recorder.RecordStrategyError(s.strategy.Name())
		s.notifier.Notify(ctx, alerting.EventStrategyError, "strategy failed", "err", err)
		return nil
	}
	return intents
}

// execute routes a cycle's intents. lot carries the size of an auto-sized
// entry to the zero-qty exits that follow it.
func (s *Session) execute(ctx context.Context, intents []types.TradeIntent, last decimal.Decimal) {
	lot := decimal.Zero
	for _, in := range intents {
		switch in.Action {
		case types.ActionCancel:
			if _, err := s.exec.CancelIntent(ctx, in.TargetIntentID); err != nil &&
				!errors.Is(err, types.ErrOrderNotFound) && !errors.Is(err, types.ErrOrderFinal) {
				s.logger.Warn("cancel failed", "intent_id", in.TargetIntentID, "err", err)
			}
		case types.ActionCancelAll:
			if _, err := s.exec.CancelAll(ctx, in.Symbol); err != nil {
				s.logger.Warn("cancel all failed", "err", err)
			}
		default:
			lot = s.place(ctx, in, last, lot)
		}
		s.settle(ctx)
	}
}

func (s *Session) place(ctx context.Context, in types.TradeIntent, last, lot decimal.Decimal) decimal.Decimal {
	price := referencePrice(in, last)
	if !in.Quantity.IsPositive() {
		var sized decimal.Decimal
		in.Quantity, sized = s.size(in, price, lot)
		if sized.IsPositive() {
			lot = sized
		}
		if !in.Quantity.IsPositive() {
			s.logger.Debug("intent skipped, zero size", "intent_id", in.ClientIntentID, "kind", in.Kind)
			return lot
		}
	}

	if err := s.guard.Check(in, price); err != nil {
		s.logger.Warn("intent blocked by risk", "intent_id", in.ClientIntentID, "err", err)
		s.recorder.RecordError("risk_rejected")
		return lot
	}

	timer := metrics.NewTimer()
	id, err := s.exec.Submit(ctx, in)
	s.recorder.RecordSubmitLatency(timer.Elapsed())
	if err != nil {
		if errors.Is(err, types.ErrEngineStopped) {
			return lot
		}
		s.logger.Warn("submit failed", "intent_id", in.ClientIntentID, "client_order_id", id, "err", err)
		s.recorder.RecordError("submit")
	}
	return lot
}

// size fills in a zero quantity. Entries get a lot from the sizer plus
// whatever closes an opposite position; exits take the entry lot from the
// same cycle, or the whole position.
func (s *Session) size(in types.TradeIntent, price, lot decimal.Decimal) (qty, sized decimal.Decimal) {
	pos := s.tracker.Position(in.Symbol)
	if in.ReduceOnly {
		if lot.IsPositive() {
			return lot, decimal.Zero
		}
		return pos.NetQty.Abs(), decimal.Zero
	}

	sized = s.cfg.Sizer.Clamp(s.cfg.Sizer.Lot(s.tracker.Balance(), price), s.cfg.Risk.MaxPositionQty)
	qty = sized
	if !in.Kind.IsTriggered() && pos.NetQty.Sign() == -in.Side.Sign().Sign() {
		qty = qty.Add(pos.NetQty.Abs())
	}
	return qty, sized
}

func referencePrice(in types.TradeIntent, last decimal.Decimal) decimal.Decimal {
	switch {
	case in.Price.IsPositive():
		return in.Price
	case in.TriggerPrice.IsPositive():
		return in.TriggerPrice
	default:
		return last
	}
}

// drain applies every fill event already queued without blocking.
func (s *Session) drain(ctx context.Context) {
	for s.fills != nil {
		select {
		case ev, ok := <-s.fills:
			if !ok {
				s.fills = nil
				return
			}
			if err := s.OnFill(ctx, ev); err != nil {
				s.logger.Warn("fill event ignored", "client_order_id", ev.ClientOrderID, "err", err)
			}
		default:
			return
		}
	}
}

// settle handles what listener callbacks collected during the last engine
// call: alerts, the kill switch and cancelling exits of flattened positions.
func (s *Session) settle(ctx context.Context) {
	for _, o := range s.rejected {
		s.notifier.Notify(ctx, alerting.EventOrderRejected, "order rejected",
			"client_order_id", o.ClientOrderID,
			"kind", o.Kind,
			"unconfirmed", o.Unconfirmed,
			"reason", o.RejectReason,
		)
	}
	s.rejected = s.rejected[:0]

	for _, c := range s.conflicts {
		s.notifier.Notify(ctx, alerting.EventReconciliationConflict, "reconciliation conflict",
			"client_order_id", c.ClientOrderID,
			"local_filled", c.LocalFilled,
			"remote_filled", c.RemoteFilled,
		)
	}
	s.conflicts = s.conflicts[:0]

	if s.killed != "" {
		reason := s.killed
		s.killed = ""
		s.recorder.RecordKillSwitch(true)
		s.notifier.Notify(ctx, alerting.EventKillSwitch, "kill switch tripped",
			"reason", reason,
			"equity", s.tracker.Equity().StringFixed(2),
			"drawdown", s.tracker.Drawdown().StringFixed(4),
		)
		n, err := s.exec.CancelWhere(ctx, func(o types.Order) bool { return !o.ReduceOnly })
		if err != nil {
			s.logger.Warn("kill switch cancel failed", "err", err)
		}
		s.logger.Warn("entries cancelled by kill switch", "count", n)
	}

	for len(s.flattened) > 0 {
		sym := s.flattened[0]
		s.flattened = s.flattened[1:]
		n, err := s.exec.CancelWhere(ctx, func(o types.Order) bool {
			return o.Symbol == sym && o.ReduceOnly
		})
		if err != nil {
			s.logger.Warn("exit cancel failed", "err", err)
		}
		if n > 0 {
			s.logger.Info("position flat, exits cancelled", "count", n)
		}
	}
}

// sessionListener feeds engine events into the tracker. It runs inside
// engine calls, so anything that calls back into the engine is deferred
// to settle.
type sessionListener struct{ s *Session }

func (l sessionListener) OrderUpdated(o types.Order) {
	if o.Status == types.OrderStatusRejected {
		l.s.rejected = append(l.s.rejected, o)
	}
}

func (l sessionListener) FillApplied(f types.Fill) {
	s := l.s
	before := s.tracker.Position(f.Symbol)
	realized := s.tracker.Apply(f)
	after := s.tracker.Position(f.Symbol)

	s.logger.Info("fill applied",
		"client_order_id", f.ClientOrderID,
		"side", f.Side,
		"qty", f.Qty,
		"price", f.Price,
		"net_qty", after.NetQty,
		"realized_pnl", realized,
	)
	if !before.IsFlat() && after.IsFlat() {
		s.flattened = append(s.flattened, f.Symbol)
	}
}

func (l sessionListener) DuplicateFill(ev types.FillEvent) {
	l.s.logger.Debug("duplicate fill ignored", "client_order_id", ev.ClientOrderID, "cumulative_qty", ev.CumulativeQty)
}

func (l sessionListener) Conflict(err *types.ReconciliationConflictError) {
	l.s.conflicts = append(l.s.conflicts, err)
}

var (
	_ execution.Listener        = sessionListener{}
	_ execution.AnomalyListener = sessionListener{}
)
