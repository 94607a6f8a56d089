package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tathienbao/quant-runner/internal/adapter"
	"github.com/tathienbao/quant-runner/internal/alerting"
	"github.com/tathienbao/quant-runner/internal/broker/paper"
	"github.com/tathienbao/quant-runner/internal/execution"
	"github.com/tathienbao/quant-runner/internal/metrics"
	"github.com/tathienbao/quant-runner/internal/risk"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
)

// chanFeed hands the test's candles to the engine.
type chanFeed struct {
	ch     chan types.Candle
	closed atomic.Bool
}

func newChanFeed() *chanFeed {
	return &chanFeed{ch: make(chan types.Candle, 16)}
}

func (f *chanFeed) Subscribe(context.Context, string) (<-chan types.Candle, error) {
	return f.ch, nil
}

func (f *chanFeed) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *chanFeed) Name() string { return "chan" }

type liveRig struct {
	engine   *Engine
	exchange *paper.Exchange
	adapter  *adapter.LiveAdapter
	feed     *chanFeed
	strat    *scriptStrategy
	alerts   *alerting.MockAlerter
}

type rigOptions struct {
	engine  func(*Config)
	session func(*SessionConfig)
	live    func(*adapter.LiveConfig)
	paper   func(*paper.Config)
}

func newLiveRig(t *testing.T, step func(n int) []types.TradeIntent, o rigOptions) *liveRig {
	t.Helper()

	pcfg := paper.DefaultConfig()
	pcfg.Slippage = dec("0")
	pcfg.Fee = dec("0")
	if o.paper != nil {
		o.paper(&pcfg)
	}
	x := paper.NewExchange(pcfg, nil)

	lcfg := adapter.DefaultLiveConfig()
	lcfg.RateLimit = 0
	lcfg.CallTimeout = time.Second
	lcfg.Backoff = adapter.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond, Factor: 2, MaxAttempts: 3}
	if o.live != nil {
		o.live(&lcfg)
	}
	la := adapter.NewLiveAdapter(x, lcfg, nil)

	scfg := DefaultSessionConfig()
	scfg.Risk = risk.Config{}
	if o.session != nil {
		o.session(&scfg)
	}
	strat := &scriptStrategy{step: step}
	alerts := alerting.NewMockAlerter()
	notifier := alerting.NewNotifier(alerts, nil, nil)
	sess := NewSession(scfg, la, strat,
		WithNotifier(notifier),
		WithIDGenerator(execution.NewSequenceGenerator("live", "seed")),
	)

	ecfg := DefaultConfig()
	ecfg.ReconcileInterval = 0
	ecfg.HealthInterval = 10 * time.Millisecond
	ecfg.ShutdownTimeout = 2 * time.Second
	if o.engine != nil {
		o.engine(&ecfg)
	}
	feed := newChanFeed()
	e := NewEngine(ecfg, feed, sess, notifier, nil, nil)

	r := &liveRig{engine: e, exchange: x, adapter: la, feed: feed, strat: strat, alerts: alerts}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return r
}

func (r *liveRig) start(t *testing.T) {
	t.Helper()
	if err := r.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "stream connected", r.adapter.Connected)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func restingBid(n int) []types.TradeIntent {
	if n != 1 {
		return nil
	}
	return []types.TradeIntent{withID(strategy.Limit("BTCUSD", types.Buy, dec("1"), dec("100")), "bid")}
}

func (r *liveRig) orderStatus(intentID string) func() types.OrderStatus {
	return func() types.OrderStatus {
		o, ok := orderByIntent(r.engine.Session(), intentID)
		if !ok {
			return types.OrderStatusPending
		}
		return o.Status
	}
}

func TestEngine_StartStop(t *testing.T) {
	r := newLiveRig(t, nil, rigOptions{})

	if r.engine.IsRunning() {
		t.Error("engine should not be running before Start")
	}
	r.start(t)
	if !r.engine.IsRunning() {
		t.Error("engine should be running after Start")
	}
	if !r.alerts.HasAlertContaining("started") {
		t.Error("expected start alert")
	}

	if err := r.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.engine.IsRunning() {
		t.Error("engine should not be running after Stop")
	}
	if !r.alerts.HasAlertContaining("stopped") {
		t.Error("expected stop alert")
	}
	if !r.feed.closed.Load() {
		t.Error("feed should be closed")
	}
	select {
	case <-r.engine.Done():
	default:
		t.Error("Done should be closed after Stop")
	}
	if err := r.engine.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after clean stop", err)
	}

	// Second stop is a no-op.
	if err := r.engine.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestEngine_StartTwice(t *testing.T) {
	r := newLiveRig(t, nil, rigOptions{})
	r.start(t)

	if err := r.engine.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestEngine_LimitFillsThroughStream(t *testing.T) {
	r := newLiveRig(t, restingBid, rigOptions{})
	r.start(t)

	r.feed.ch <- flat(0, "101")
	status := r.orderStatus("bid")
	waitFor(t, "bid resting", func() bool { return status() == types.OrderStatusSubmitted })

	r.exchange.UpdatePrice("BTCUSD", dec("99"))

	tr := r.engine.Session().Tracker()
	waitFor(t, "long 1", func() bool { return tr.Position("BTCUSD").NetQty.Equal(dec("1")) })

	pos := tr.Position("BTCUSD")
	if !pos.AvgEntryPrice.Equal(dec("100")) {
		t.Errorf("avg entry = %s, want limit price 100", pos.AvgEntryPrice)
	}
	if status() != types.OrderStatusFilled {
		t.Errorf("status = %s, want FILLED", status())
	}
	if r.engine.LastCandleAt().IsZero() {
		t.Error("LastCandleAt should be set after a candle")
	}
}

func TestEngine_DataGapStopsLoop(t *testing.T) {
	r := newLiveRig(t, nil, rigOptions{})
	r.start(t)

	r.feed.ch <- flat(0, "100")
	r.feed.ch <- flat(2, "100")

	select {
	case <-r.engine.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not exit on gap")
	}
	if err := r.engine.Err(); !errors.Is(err, types.ErrDataGap) {
		t.Errorf("Err() = %v, want ErrDataGap", err)
	}
	if !r.alerts.HasAlertContaining("gap") {
		t.Error("expected data gap alert")
	}
	if err := r.engine.Stop(context.Background()); err != nil {
		t.Errorf("Stop() after fatal error = %v", err)
	}
}

func TestEngine_FeedClosedIsFatal(t *testing.T) {
	r := newLiveRig(t, nil, rigOptions{})
	r.start(t)

	close(r.feed.ch)

	select {
	case <-r.engine.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not exit when the feed closed")
	}
	if err := r.engine.Err(); !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("Err() = %v, want ErrDataUnavailable", err)
	}
}

func TestEngine_ContextCancelledIsNotFatal(t *testing.T) {
	r := newLiveRig(t, nil, rigOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.engine.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cancel()

	select {
	case <-r.engine.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not exit on cancel")
	}
	if err := r.engine.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestEngine_StopCancelsOpenOrders(t *testing.T) {
	r := newLiveRig(t, restingBid, rigOptions{})
	r.start(t)

	r.feed.ch <- flat(0, "101")
	status := r.orderStatus("bid")
	waitFor(t, "bid resting", func() bool { return status() == types.OrderStatusSubmitted })

	o, _ := orderByIntent(r.engine.Session(), "bid")
	if err := r.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	rep, err := r.exchange.QueryOrder(context.Background(), o.ClientOrderID)
	if err != nil {
		t.Fatalf("QueryOrder() error = %v", err)
	}
	if rep.Status != types.OrderStatusCancelled {
		t.Errorf("exchange status = %s, want CANCELLED", rep.Status)
	}
	if got := status(); got != types.OrderStatusCancelled {
		t.Errorf("local status = %s, want CANCELLED", got)
	}
}

func TestEngine_StopKeepsOrdersWhenConfigured(t *testing.T) {
	r := newLiveRig(t, restingBid, rigOptions{
		session: func(c *SessionConfig) { c.CancelOrdersOnStop = false },
	})
	r.start(t)

	r.feed.ch <- flat(0, "101")
	status := r.orderStatus("bid")
	waitFor(t, "bid resting", func() bool { return status() == types.OrderStatusSubmitted })

	o, _ := orderByIntent(r.engine.Session(), "bid")
	if err := r.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	rep, err := r.exchange.QueryOrder(context.Background(), o.ClientOrderID)
	if err != nil {
		t.Fatalf("QueryOrder() error = %v", err)
	}
	if rep.Status != types.OrderStatusSubmitted {
		t.Errorf("exchange status = %s, want order left resting", rep.Status)
	}
}

func TestEngine_HealthFollowsStream(t *testing.T) {
	r := newLiveRig(t, nil, rigOptions{
		live: func(c *adapter.LiveConfig) { c.Backoff.Base, c.Backoff.Cap = time.Hour, time.Hour },
	})
	srv := metrics.NewServer(metrics.DefaultServerConfig(), nil)
	r.engine.RegisterHealth(srv)
	r.start(t)

	code := func() int {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		return rec.Code
	}
	waitFor(t, "healthy", func() bool { return code() == http.StatusOK })

	r.exchange.DropStream()

	waitFor(t, "unhealthy", func() bool { return code() == http.StatusServiceUnavailable })
	waitFor(t, "disconnect alert", func() bool { return r.alerts.HasAlertContaining("disconnected") })
}

func TestEngine_StaleCandlesUnhealthy(t *testing.T) {
	r := newLiveRig(t, nil, rigOptions{
		engine: func(c *Config) { c.MaxCandleAge = 20 * time.Millisecond },
	})
	srv := metrics.NewServer(metrics.DefaultServerConfig(), nil)
	r.engine.RegisterHealth(srv)
	r.start(t)

	r.feed.ch <- flat(0, "100")
	waitFor(t, "candle received", func() bool { return !r.engine.LastCandleAt().IsZero() })

	time.Sleep(50 * time.Millisecond)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health = %d, want 503 with stale candles", rec.Code)
	}
}
