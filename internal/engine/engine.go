// Package engine runs strategies against an execution engine, one event at
// a time, for live and paper trading.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/quant-runner/internal/alerting"
	"github.com/tathienbao/quant-runner/internal/metrics"
	"github.com/tathienbao/quant-runner/internal/observer"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Config holds live loop configuration.
type Config struct {
	Symbol string
	// ReconcileInterval triggers a periodic reconcile. Zero disables it;
	// reconnects always reconcile.
	ReconcileInterval time.Duration
	// HealthInterval is how often adapter connectivity is sampled.
	HealthInterval time.Duration
	// MaxCandleAge marks the loop unhealthy when no candle arrived for
	// this long. Zero disables the check.
	MaxCandleAge    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		Symbol:            "BTCUSD",
		ReconcileInterval: time.Minute,
		HealthInterval:    5 * time.Second,
		MaxCandleAge:      3 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}

// connectivity is implemented by adapters with a connection to watch.
type connectivity interface {
	Connected() bool
}

// Engine is the live loop. A single goroutine consumes candles, fills,
// reconnect signals and timers, so the session never sees concurrent calls.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	feed     observer.CandleFeed
	session  *Session
	notifier *alerting.Notifier
	recorder *metrics.Recorder

	mu      sync.RWMutex
	running bool
	err     error

	lastCandle atomic.Int64 // unix nanos of the last candle received
	connected  atomic.Bool

	done   chan struct{}
	exited chan struct{}
}

// NewEngine creates a live loop over feed and session.
func NewEngine(
	cfg Config,
	feed observer.CandleFeed,
	session *Session,
	notifier *alerting.Notifier,
	recorder *metrics.Recorder,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		feed:     feed,
		session:  session,
		notifier: notifier,
		recorder: recorder,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	e.connected.Store(true)
	return e
}

// RegisterHealth adds adapter connectivity and candle freshness checks.
func (e *Engine) RegisterHealth(srv *metrics.Server) {
	srv.RegisterHealthCheck("adapter", metrics.ConnectedCheck(e.connected.Load))
	if e.cfg.MaxCandleAge > 0 {
		srv.RegisterHealthCheck("candles", metrics.FreshnessCheck(e.LastCandleAt, e.cfg.MaxCandleAge))
	}
}

// Start subscribes to fills and candles, reconciles any restored orders and
// starts the loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("starting trading engine",
		"symbol", e.cfg.Symbol,
		"strategy", e.session.Strategy().Name(),
		"adapter", e.session.adapter.Name(),
		"feed", e.feed.Name(),
	)

	// The fill stream outlives ctx so closing orders can settle during Stop.
	if err := e.session.Start(context.WithoutCancel(ctx)); err != nil {
		e.setStopped()
		return err
	}

	candles, err := e.feed.Subscribe(ctx, e.cfg.Symbol)
	if err != nil {
		e.setStopped()
		return fmt.Errorf("subscribe candles: %w", err)
	}

	if err := e.session.Reconcile(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("startup reconcile incomplete", "err", err)
	}

	go e.loop(ctx, candles)

	e.notifier.Notify(ctx, alerting.EventEngineStarted, "Trading engine started",
		"symbol", e.cfg.Symbol,
		"strategy", e.session.Strategy().Name(),
	)
	return nil
}

func (e *Engine) loop(ctx context.Context, candles <-chan types.Candle) {
	defer close(e.exited)

	e.logger.Info("trading loop started")

	// Calls made from here outlive ctx so an order in flight at shutdown
	// still gets its answer; the engine's submit timeout bounds them.
	opCtx := context.WithoutCancel(ctx)

	fills := e.session.Fills()
	reconnects := e.session.adapter.Reconnects()

	var reconcileC, healthC <-chan time.Time
	if e.cfg.ReconcileInterval > 0 {
		t := time.NewTicker(e.cfg.ReconcileInterval)
		defer t.Stop()
		reconcileC = t.C
	}
	if _, ok := e.session.adapter.(connectivity); ok && e.cfg.HealthInterval > 0 {
		t := time.NewTicker(e.cfg.HealthInterval)
		defer t.Stop()
		healthC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("trading loop stopped: context cancelled")
			return
		case <-e.done:
			e.logger.Info("trading loop stopped: shutdown requested")
			return

		case c, ok := <-candles:
			if !ok {
				if ctx.Err() == nil {
					e.fail(fmt.Errorf("%w: candle feed closed", types.ErrDataUnavailable))
				}
				return
			}
			e.lastCandle.Store(time.Now().UnixNano())
			if err := e.session.OnCandle(opCtx, c); err != nil {
				e.fail(err)
				return
			}

		case ev, ok := <-fills:
			if !ok {
				e.logger.Warn("fill stream closed")
				fills = nil
				continue
			}
			if err := e.session.OnFill(opCtx, ev); err != nil {
				e.logger.Warn("fill event ignored", "client_order_id", ev.ClientOrderID, "err", err)
			}

		case <-reconnects:
			e.logger.Info("execution stream resumed, reconciling")
			e.setConnected(ctx, true)
			e.reconcile(opCtx)

		case <-reconcileC:
			e.reconcile(opCtx)

		case <-healthC:
			e.setConnected(ctx, e.session.adapter.(connectivity).Connected())
		}
	}
}

func (e *Engine) reconcile(ctx context.Context) {
	if err := e.session.Reconcile(ctx); err != nil {
		e.logger.Warn("reconcile incomplete", "err", err)
		e.recorder.RecordError("reconcile")
	}
}

func (e *Engine) setConnected(ctx context.Context, up bool) {
	if e.connected.Swap(up) == up {
		return
	}
	e.recorder.RecordAdapterStatus(up)
	if up {
		e.notifier.Notify(ctx, alerting.EventConnectionRestored, "execution stream restored")
		return
	}
	e.logger.Warn("execution stream disconnected")
	e.notifier.Notify(ctx, alerting.EventConnectionLost, "execution stream disconnected")
}

func (e *Engine) fail(err error) {
	e.logger.Error("trading loop stopped on fatal error", "err", err)
	e.recorder.RecordError("fatal")
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// Done is closed when the loop exits, on Stop or on a fatal error.
func (e *Engine) Done() <-chan struct{} { return e.exited }

// Err returns the fatal error that ended the loop, if any.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Stop ends the loop, then shuts the session down: new submissions stop,
// orders are cancelled and positions closed per config, and fills keep
// draining until nothing is open or the shutdown timeout passes.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("stopping trading engine")

	close(e.done)
	<-e.exited

	if e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := e.session.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.session.cfg.ClosePositionsAtEnd {
		e.settle(ctx)
	}

	if err := e.session.adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close adapter: %w", err))
	}
	if err := e.feed.Close(); err != nil {
		e.logger.Warn("failed to close feed", "err", err)
	}

	tr := e.session.Tracker()
	e.notifier.Notify(ctx, alerting.EventEngineStopped, "Trading engine stopped",
		"equity", tr.Equity().StringFixed(2),
		"open_orders", len(e.session.Execution().OpenOrders()),
	)

	e.logger.Info("trading engine stopped")
	return errors.Join(errs...)
}

// settle applies fills for orders still open after shutdown began.
func (e *Engine) settle(ctx context.Context) {
	fills := e.session.Fills()
	for fills != nil && len(e.session.Execution().OpenOrders()) > 0 {
		select {
		case <-ctx.Done():
			e.logger.Warn("shutdown timeout, orders still open", "count", len(e.session.Execution().OpenOrders()))
			return
		case ev, ok := <-fills:
			if !ok {
				return
			}
			if err := e.session.OnFill(ctx, ev); err != nil {
				e.logger.Warn("fill event ignored", "client_order_id", ev.ClientOrderID, "err", err)
			}
		}
	}
}

func (e *Engine) setStopped() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// IsRunning returns true if engine is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// LastCandleAt returns when the last candle arrived, zero before the first.
func (e *Engine) LastCandleAt() time.Time {
	n := e.lastCandle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Session returns the underlying session.
func (e *Engine) Session() *Session { return e.session }
