package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/quant-runner/internal/adapter"
	"github.com/tathienbao/quant-runner/internal/risk"
	"github.com/tathienbao/quant-runner/internal/types"
)

var (
	d  = decimal.RequireFromString
	t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

// stubAdapter acknowledges everything and never fills on its own.
type stubAdapter struct {
	mu        sync.Mutex
	submits   []types.Order
	cancels   []string
	amends    []types.Order
	submitErr error
	cancelErr error
	reports   map[string]types.OrderReport
	next      int
}

var _ adapter.Adapter = (*stubAdapter)(nil)

func newStub() *stubAdapter {
	return &stubAdapter{reports: make(map[string]types.OrderReport)}
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) SubmitOrder(_ context.Context, o types.Order) (types.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, o)
	if s.submitErr != nil {
		return types.Ack{}, s.submitErr
	}
	s.next++
	return types.Ack{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("ex-%d", s.next),
		Status:          types.OrderStatusSubmitted,
	}, nil
}

func (s *stubAdapter) CancelOrder(_ context.Context, id string) (types.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, id)
	if s.cancelErr != nil {
		return types.Ack{}, s.cancelErr
	}
	return types.Ack{ClientOrderID: id, Status: types.OrderStatusCancelled}, nil
}

func (s *stubAdapter) AmendOrder(_ context.Context, o types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amends = append(s.amends, o)
	return nil
}

func (s *stubAdapter) QueryOrders(_ context.Context, ids []string) ([]types.OrderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.OrderReport, 0, len(ids))
	for _, id := range ids {
		rep, ok := s.reports[id]
		if !ok {
			out = append(out, types.OrderReport{ClientOrderID: id})
			continue
		}
		rep.ClientOrderID = id
		rep.Found = true
		out = append(out, rep)
	}
	return out, nil
}

func (s *stubAdapter) SubscribeFills(context.Context) (<-chan types.FillEvent, error) {
	ch := make(chan types.FillEvent)
	close(ch)
	return ch, nil
}

func (s *stubAdapter) Reconnects() <-chan struct{} { return nil }
func (s *stubAdapter) OnCandle(context.Context, types.Candle) error { return nil }
func (s *stubAdapter) Close() error { return nil }

type recorder struct {
	orders    []types.Order
	fills     []types.Fill
	dups      int
	conflicts int
}

func (r *recorder) OrderUpdated(o types.Order) { r.orders = append(r.orders, o) }
func (r *recorder) FillApplied(f types.Fill) { r.fills = append(r.fills, f) }
func (r *recorder) DuplicateFill(types.FillEvent) { r.dups++ }
func (r *recorder) Conflict(*types.ReconciliationConflictError) { r.conflicts++ }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T, a adapter.Adapter, cfg Config) (*Engine, *recorder, *fakeClock) {
	t.Helper()
	rec := &recorder{}
	clock := &fakeClock{now: t0}
	e := NewEngine(cfg, a,
		WithIDGenerator(NewSequenceGenerator("", t.Name())),
		WithClock(clock.Now),
		WithListener(rec),
	)
	return e, rec, clock
}

func market(side types.OrderSide, qty string) types.TradeIntent {
	return types.TradeIntent{Symbol: "BTCUSD", Side: side, Kind: types.KindMarket, Quantity: d(qty)}
}

func candle(i int, o, h, l, c string) types.Candle {
	return types.Candle{
		Symbol:    "BTCUSD",
		OpenTime:  t0.Add(time.Duration(i) * time.Minute),
		Open:      d(o),
		High:      d(h),
		Low:       d(l),
		Close:     d(c),
		Volume:    d("1000"),
		Timeframe: time.Minute,
	}
}

func fillEv(id, qty, price, cum, avg string) types.FillEvent {
	return types.FillEvent{
		ClientOrderID: id,
		Symbol:        "BTCUSD",
		FillQty:       d(qty),
		FillPrice:     d(price),
		CumulativeQty: d(cum),
		AvgPrice:      d(avg),
		Timestamp:     t0,
	}
}

func TestEngine_SubmitAssignsIDBeforeAdapterCall(t *testing.T) {
	stub := newStub()
	e, rec, _ := newTestEngine(t, stub, DefaultConfig())

	id, err := e.Submit(context.Background(), market(types.Buy, "1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, stub.submits, 1)
	assert.Equal(t, id, stub.submits[0].ClientOrderID)
	assert.Equal(t, types.OrderStatusPending, stub.submits[0].Status)

	o, ok := e.Order(id)
	require.True(t, ok)
	assert.Equal(t, types.OrderStatusSubmitted, o.Status)
	assert.Equal(t, "ex-1", o.ExchangeOrderID)
	assert.Equal(t, t0, o.CreatedAt)

	require.Len(t, rec.orders, 2)
	assert.Equal(t, types.OrderStatusPending, rec.orders[0].Status)
	assert.Equal(t, types.OrderStatusSubmitted, rec.orders[1].Status)
}

func TestEngine_DuplicateIntentSubmitsOnce(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())

	in := market(types.Buy, "1")
	in.ClientIntentID = "breakout-1700000000000-0"

	first, err := e.Submit(context.Background(), in)
	require.NoError(t, err)
	second, err := e.Submit(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, stub.submits, 1)
	assert.Len(t, e.ActiveOrders(), 1)
}

func TestEngine_SubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		intent types.TradeIntent
	}{
		{"zero qty", types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindMarket}},
		{"no symbol", types.TradeIntent{Side: types.Buy, Kind: types.KindMarket, Quantity: d("1")}},
		{"no side", types.TradeIntent{Symbol: "BTCUSD", Kind: types.KindMarket, Quantity: d("1")}},
		{"limit without price", types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindLimit, Quantity: d("1")}},
		{"stop without trigger", types.TradeIntent{Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindStopLoss, Quantity: d("1")}},
		{"tp without trigger", types.TradeIntent{Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindTakeProfit, Quantity: d("1")}},
		{"trailing without offset", types.TradeIntent{Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindTrailingStop, Quantity: d("1"), TriggerPrice: d("95")}},
		{"trailing without price", types.TradeIntent{Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindTrailingStop, Quantity: d("1"), TrailOffset: d("5")}},
		{"iceberg visible above qty", types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindIceberg, Quantity: d("1"), Price: d("100"), IcebergVisibleQty: d("2")}},
		{"iceberg without visible", types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindIceberg, Quantity: d("1"), Price: d("100")}},
		{"unknown kind", types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: 99, Quantity: d("1")}},
		{"cancel action", types.TradeIntent{Symbol: "BTCUSD", Action: types.ActionCancel, TargetIntentID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub()
			e, _, _ := newTestEngine(t, stub, DefaultConfig())
			_, err := e.Submit(context.Background(), tt.intent)
			require.ErrorIs(t, err, types.ErrInvalidOrder)
			assert.Empty(t, stub.submits)
			assert.Empty(t, e.ActiveOrders())
		})
	}
}

func TestEngine_FilledQtyMonotonicAndCapped(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, market(types.Buy, "1"))
	require.NoError(t, err)

	var events []types.FillEvent
	cum := decimal.Zero
	for _, q := range []string{"0.1", "0.25", "0.15", "0.3", "0.2"} {
		cum = cum.Add(d(q))
		ev := fillEv(id, q, "100", cum.String(), "100")
		events = append(events, ev, ev)
	}
	events = append(events, fillEv(id, "0.5", "100", "1.5", "100")) // overfill

	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

	prev := decimal.Zero
	for _, ev := range events {
		require.NoError(t, e.OnFillEvent(ctx, ev))
		o, _ := e.Order(id)
		assert.True(t, o.FilledQty.GreaterThanOrEqual(prev), "filled went from %s to %s", prev, o.FilledQty)
		assert.True(t, o.FilledQty.LessThanOrEqual(o.RequestedQty))
		prev = o.FilledQty
	}
	o, _ := e.Order(id)
	assert.True(t, o.FilledQty.Equal(d("1")))
	assert.Equal(t, types.OrderStatusFilled, o.Status)
}

func TestEngine_RedeliveredFillIsNoop(t *testing.T) {
	stub := newStub()
	tracker := risk.NewTracker(d("10000"), nil)
	e, rec, _ := newTestEngine(t, stub, DefaultConfig())
	e.listeners = append(e.listeners, ListenerFuncs{Fill: func(f types.Fill) { tracker.Apply(f) }})
	ctx := context.Background()

	id, err := e.Submit(ctx, market(types.Buy, "1"))
	require.NoError(t, err)

	ev := fillEv(id, "0.5", "100", "0.5", "100")
	require.NoError(t, e.OnFillEvent(ctx, ev))
	orderBefore, _ := e.Order(id)
	posBefore := tracker.Position("BTCUSD")

	require.NoError(t, e.OnFillEvent(ctx, ev))
	orderAfter, _ := e.Order(id)
	posAfter := tracker.Position("BTCUSD")

	assert.Equal(t, orderBefore, orderAfter)
	assert.Equal(t, posBefore, posAfter)
	assert.Len(t, rec.fills, 1)
	assert.Equal(t, 1, rec.dups)
	assert.True(t, posAfter.NetQty.Equal(d("0.5")))
}

func TestEngine_SkippedEventIsReconstructed(t *testing.T) {
	stub := newStub()
	e, rec, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, market(types.Buy, "1"))
	require.NoError(t, err)

	require.NoError(t, e.OnFillEvent(ctx, fillEv(id, "0.5", "100", "0.5", "100")))
	// The 0.25 @ 104 event at cumulative 0.75 never arrives.
	require.NoError(t, e.OnFillEvent(ctx, fillEv(id, "0.25", "104", "1", "102")))

	require.Len(t, rec.fills, 2)
	assert.True(t, rec.fills[1].Qty.Equal(d("0.5")))
	assert.True(t, rec.fills[1].Price.Equal(d("104")), "price %s", rec.fills[1].Price)

	o, _ := e.Order(id)
	assert.True(t, o.AvgFillPrice.Equal(d("102")))
	assert.Equal(t, types.OrderStatusFilled, o.Status)
}

func TestEngine_FinalEventWithoutFullFill(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, market(types.Buy, "1"))
	require.NoError(t, err)
	require.NoError(t, e.OnFillEvent(ctx, fillEv(id, "0.4", "100", "0.4", "100")))

	final := fillEv(id, "0", "0", "0.4", "100")
	final.IsFinal = true
	final.Status = types.OrderStatusExpired
	require.NoError(t, e.OnFillEvent(ctx, final))

	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusExpired, o.Status)
	assert.True(t, o.FilledQty.Equal(d("0.4")))
}

func TestEngine_FillForUnknownOrder(t *testing.T) {
	e, _, _ := newTestEngine(t, newStub(), DefaultConfig())
	err := e.OnFillEvent(context.Background(), fillEv("ghost", "1", "100", "1", "100"))
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestEngine_CancelPendingIsLocal(t *testing.T) {
	stub := newStub()
	stub.submitErr = context.Canceled
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	in := types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindLimit, Quantity: d("1"), Price: d("99")}
	id, err := e.Submit(ctx, in)
	require.ErrorIs(t, err, context.Canceled)
	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusPending, o.Status)

	ack, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, ack.Status)
	assert.Empty(t, stub.cancels)

	_, err = e.Cancel(ctx, id)
	assert.ErrorIs(t, err, types.ErrOrderFinal)
	_, err = e.Cancel(ctx, "ghost")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestEngine_CancelSubmitted(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	in := types.TradeIntent{ClientIntentID: "grid-1", Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindLimit, Quantity: d("1"), Price: d("99")}
	id, err := e.Submit(ctx, in)
	require.NoError(t, err)

	_, err = e.CancelIntent(ctx, "grid-1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, stub.cancels)

	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusCancelled, o.Status)
	assert.Empty(t, e.OpenOrders())
}

func TestEngine_RejectedByExchange(t *testing.T) {
	stub := newStub()
	stub.submitErr = &types.OrderRejectedError{StatusCode: 422, Reason: "min notional"}
	e, _, _ := newTestEngine(t, stub, DefaultConfig())

	id, err := e.Submit(context.Background(), market(types.Buy, "1"))
	require.ErrorIs(t, err, types.ErrOrderRejectedByExchange)

	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusRejected, o.Status)
	assert.Equal(t, "min notional", o.RejectReason)
	assert.False(t, o.Unconfirmed)
}

func TestEngine_ExhaustedRetriesThenFillRevives(t *testing.T) {
	stub := newStub()
	stub.submitErr = &types.TransientCommError{Op: "submit", Attempts: 5, Err: errors.New("http 503")}
	e, rec, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, market(types.Buy, "1"))
	require.ErrorIs(t, err, types.ErrTransientComm)

	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusRejected, o.Status)
	assert.True(t, o.Unconfirmed)

	require.NoError(t, e.OnFillEvent(ctx, fillEv(id, "1", "101", "1", "101")))
	o, _ = e.Order(id)
	assert.Equal(t, types.OrderStatusFilled, o.Status)
	assert.False(t, o.Unconfirmed)
	require.Len(t, rec.fills, 1)
	assert.True(t, rec.fills[0].Price.Equal(d("101")))
}

func TestEngine_ReconcileMonotonic(t *testing.T) {
	setup := func(t *testing.T) (*Engine, *stubAdapter, *recorder, string) {
		stub := newStub()
		e, rec, _ := newTestEngine(t, stub, DefaultConfig())
		id, err := e.Submit(context.Background(), market(types.Buy, "1"))
		require.NoError(t, err)
		require.NoError(t, e.OnFillEvent(context.Background(), fillEv(id, "0.4", "100", "0.4", "100")))
		return e, stub, rec, id
	}

	t.Run("remote ahead is applied", func(t *testing.T) {
		e, stub, rec, id := setup(t)
		stub.reports[id] = types.OrderReport{Status: types.OrderStatusPartiallyFilled, FilledQty: d("0.6"), AvgFillPrice: d("100.5")}

		require.NoError(t, e.Reconcile(context.Background()))
		o, _ := e.Order(id)
		assert.True(t, o.FilledQty.Equal(d("0.6")))
		assert.Equal(t, types.OrderStatusPartiallyFilled, o.Status)
		require.Len(t, rec.fills, 2)
		assert.True(t, rec.fills[1].Qty.Equal(d("0.2")))
		assert.True(t, rec.fills[1].Price.Equal(d("101.5")))
	})

	t.Run("remote behind is a conflict", func(t *testing.T) {
		e, stub, rec, id := setup(t)
		stub.reports[id] = types.OrderReport{Status: types.OrderStatusPartiallyFilled, FilledQty: d("0.2"), AvgFillPrice: d("100")}

		err := e.Reconcile(context.Background())
		require.ErrorIs(t, err, types.ErrReconciliationConflict)
		var conflict *types.ReconciliationConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, id, conflict.ClientOrderID)

		o, _ := e.Order(id)
		assert.True(t, o.FilledQty.Equal(d("0.4")))
		assert.True(t, o.Flagged)
		assert.Equal(t, 1, rec.conflicts)
		assert.Len(t, rec.fills, 1)
	})
}

func TestEngine_ReconcileAdoptsRemoteTerminal(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, types.TradeIntent{Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindLimit, Quantity: d("1"), Price: d("105")})
	require.NoError(t, err)
	stub.reports[id] = types.OrderReport{Status: types.OrderStatusCancelled}

	require.NoError(t, e.Reconcile(ctx))
	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusCancelled, o.Status)
	assert.Empty(t, e.OpenOrders())
}

func TestEngine_ReconcileResubmitsUnknownPending(t *testing.T) {
	stub := newStub()
	stub.submitErr = context.DeadlineExceeded
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, market(types.Buy, "1"))
	require.Error(t, err)

	stub.submitErr = nil
	require.NoError(t, e.Reconcile(ctx))

	require.Len(t, stub.submits, 2)
	assert.Equal(t, id, stub.submits[0].ClientOrderID)
	assert.Equal(t, id, stub.submits[1].ClientOrderID)
	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusSubmitted, o.Status)
}

func TestEngine_ReconcileRevivesUnconfirmed(t *testing.T) {
	stub := newStub()
	stub.submitErr = &types.TransientCommError{Op: "submit", Attempts: 5, Err: errors.New("timeout")}
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, _ := e.Submit(ctx, market(types.Buy, "1"))
	stub.reports[id] = types.OrderReport{ExchangeOrderID: "ex-late", Status: types.OrderStatusSubmitted}

	require.NoError(t, e.Reconcile(ctx))
	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusSubmitted, o.Status)
	assert.False(t, o.Unconfirmed)
	assert.Equal(t, "ex-late", o.ExchangeOrderID)
}

func TestEngine_ReconcileConfirmsNeverLanded(t *testing.T) {
	stub := newStub()
	stub.submitErr = &types.TransientCommError{Op: "submit", Attempts: 5, Err: errors.New("timeout")}
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, _ := e.Submit(ctx, market(types.Buy, "1"))
	require.NoError(t, e.Reconcile(ctx))

	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusRejected, o.Status)
	assert.False(t, o.Unconfirmed)
	assert.Len(t, stub.submits, 1)
}

func TestEngine_TrailingStopMonotonic(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, e.OnCandle(ctx, candle(0, "100", "100", "100", "100")))
	id, err := e.Submit(ctx, types.TradeIntent{
		Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindTrailingStop,
		Quantity: d("1"), TrailOffset: d("5"),
	})
	require.NoError(t, err)
	o, _ := e.Order(id)
	assert.True(t, o.TriggerPrice.Equal(d("95")))

	highs := []string{"102", "101", "106", "99", "106.5"}
	want := []string{"97", "97", "101", "101", "101.5"}
	prev := o.TriggerPrice
	for i, h := range highs {
		require.NoError(t, e.OnCandle(ctx, candle(i+1, "98", h, "97", "98")))
		o, _ = e.Order(id)
		assert.True(t, o.TriggerPrice.GreaterThanOrEqual(prev), "trigger fell from %s to %s", prev, o.TriggerPrice)
		assert.True(t, o.TriggerPrice.Equal(d(want[i])), "candle %d: trigger %s, want %s", i+1, o.TriggerPrice, want[i])
		prev = o.TriggerPrice
	}
	require.Len(t, stub.amends, 3)
	assert.True(t, stub.amends[2].TriggerPrice.Equal(d("101.5")))
}

func TestEngine_TrailingBuyStopOnlyFalls(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, types.TradeIntent{
		Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindTrailingStop,
		Quantity: d("1"), TrailOffset: d("2"), TriggerPrice: d("105"),
	})
	require.NoError(t, err)

	for i, low := range []string{"101", "104", "99"} {
		require.NoError(t, e.OnCandle(ctx, candle(i+1, "102", "106", low, "102")))
	}
	o, _ := e.Order(id)
	assert.True(t, o.TriggerPrice.Equal(d("101")))
}

func drainInto(t *testing.T, ctx context.Context, e *Engine, fills <-chan types.FillEvent) {
	t.Helper()
	for {
		select {
		case ev := <-fills:
			require.NoError(t, e.OnFillEvent(ctx, ev))
		default:
			return
		}
	}
}

func TestEngine_IcebergExhaustion(t *testing.T) {
	sim := adapter.NewSimulatedAdapter(adapter.DefaultSimConfig(), nil)
	fills, err := sim.SubscribeFills(context.Background())
	require.NoError(t, err)
	e, rec, _ := newTestEngine(t, sim, DefaultConfig())
	ctx := context.Background()

	parent, err := e.Submit(ctx, types.TradeIntent{
		Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindIceberg,
		Quantity: d("1"), Price: d("100"), IcebergVisibleQty: d("0.3"),
	})
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		require.NoError(t, sim.OnCandle(ctx, candle(i, "101", "102", "99", "100")))
		drainInto(t, ctx, e, fills)
		require.NoError(t, e.OnCandle(ctx, candle(i, "101", "102", "99", "100")))
	}

	p, _ := e.Order(parent)
	require.Equal(t, types.OrderStatusFilled, p.Status)
	assert.Equal(t, 4, p.ChildSeq)

	sum := decimal.Zero
	var sizes []string
	for n := 1; n <= p.ChildSeq; n++ {
		c, ok := e.Order(fmt.Sprintf("%s.%d", parent, n))
		require.True(t, ok)
		assert.Equal(t, parent, c.ParentID)
		assert.Equal(t, types.OrderStatusFilled, c.Status)
		sum = sum.Add(c.FilledQty)
		sizes = append(sizes, c.RequestedQty.String())
	}
	assert.True(t, sum.Equal(p.RequestedQty), "children sum %s", sum)
	assert.True(t, p.FilledQty.Equal(p.RequestedQty))
	assert.Equal(t, []string{"0.3", "0.3", "0.3", "0.1"}, sizes)
	assert.Len(t, rec.fills, 4)
}

func TestEngine_IcebergCancelCancelsLiveChild(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	parent, err := e.Submit(ctx, types.TradeIntent{
		Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindIceberg,
		Quantity: d("2"), Price: d("110"), IcebergVisibleQty: d("0.5"),
	})
	require.NoError(t, err)
	child := parent + ".1"
	require.Len(t, stub.submits, 1)
	assert.Equal(t, child, stub.submits[0].ClientOrderID)
	assert.Equal(t, types.KindLimit, stub.submits[0].Kind)

	p, _ := e.Order(parent)
	assert.Equal(t, types.OrderStatusSubmitted, p.Status)

	_, err = e.Cancel(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, []string{child}, stub.cancels)

	c, _ := e.Order(child)
	p, _ = e.Order(parent)
	assert.Equal(t, types.OrderStatusCancelled, c.Status)
	assert.Equal(t, types.OrderStatusCancelled, p.Status)
}

func TestEngine_IcebergChildRejectionEndsParent(t *testing.T) {
	stub := newStub()
	stub.submitErr = &types.OrderRejectedError{StatusCode: 400, Reason: "price band"}
	e, _, _ := newTestEngine(t, stub, DefaultConfig())

	parent, err := e.Submit(context.Background(), types.TradeIntent{
		Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindIceberg,
		Quantity: d("1"), Price: d("100"), IcebergVisibleQty: d("0.5"),
	})
	require.Error(t, err)

	p, _ := e.Order(parent)
	assert.Equal(t, types.OrderStatusRejected, p.Status)
	assert.Equal(t, "price band", p.RejectReason)
}

func TestEngine_TriggerOrdersExpireAfterSession(t *testing.T) {
	stub := newStub()
	cfg := DefaultConfig()
	cfg.Expiry.TriggerSession = time.Hour
	e, _, clock := newTestEngine(t, stub, cfg)
	ctx := context.Background()

	id, err := e.Submit(ctx, types.TradeIntent{Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindStopLoss, Quantity: d("1"), TriggerPrice: d("90")})
	require.NoError(t, err)
	mkt, err := e.Submit(ctx, market(types.Buy, "1"))
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	require.NoError(t, e.OnCandle(ctx, candle(1, "100", "100", "100", "100")))
	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusSubmitted, o.Status)

	clock.Advance(time.Minute)
	require.NoError(t, e.OnCandle(ctx, candle(2, "100", "100", "100", "100")))
	o, _ = e.Order(id)
	assert.Equal(t, types.OrderStatusExpired, o.Status)
	assert.Equal(t, []string{id}, stub.cancels)

	m, _ := e.Order(mkt)
	assert.Equal(t, types.OrderStatusSubmitted, m.Status, "market orders never expire")
}

func TestEngine_PartialFillAtTTLIsCancelled(t *testing.T) {
	stub := newStub()
	cfg := DefaultConfig()
	cfg.Expiry.LimitTTL = 10 * time.Minute
	e, _, clock := newTestEngine(t, stub, cfg)
	ctx := context.Background()

	id, err := e.Submit(ctx, types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindLimit, Quantity: d("1"), Price: d("99")})
	require.NoError(t, err)
	require.NoError(t, e.OnFillEvent(ctx, fillEv(id, "0.3", "99", "0.3", "99")))

	clock.Advance(10 * time.Minute)
	require.NoError(t, e.OnCandle(ctx, candle(1, "100", "100", "100", "100")))

	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusCancelled, o.Status)
	assert.True(t, o.FilledQty.Equal(d("0.3")))
}

func TestEngine_ExpireAfterOverridesPolicy(t *testing.T) {
	stub := newStub()
	e, _, clock := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, types.TradeIntent{
		Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindLimit,
		Quantity: d("1"), Price: d("99"), ExpireAfter: 3 * time.Minute,
	})
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	require.NoError(t, e.OnCandle(ctx, candle(1, "100", "100", "100", "100")))
	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusExpired, o.Status)
}

func TestEngine_EvictsTerminalAfterWindow(t *testing.T) {
	stub := newStub()
	cfg := DefaultConfig()
	cfg.ReconcileWindow = time.Minute
	e, _, clock := newTestEngine(t, stub, cfg)
	ctx := context.Background()

	in := market(types.Buy, "1")
	in.ClientIntentID = "once"
	id, err := e.Submit(ctx, in)
	require.NoError(t, err)
	fill := fillEv(id, "1", "100", "1", "100")
	fill.Timestamp = clock.Now()
	require.NoError(t, e.OnFillEvent(ctx, fill))

	clock.Advance(30 * time.Second)
	require.NoError(t, e.OnCandle(ctx, candle(1, "100", "100", "100", "100")))
	assert.Len(t, e.ActiveOrders(), 1, "still inside the window")
	assert.Empty(t, e.OpenOrders())

	clock.Advance(30 * time.Second)
	require.NoError(t, e.OnCandle(ctx, candle(2, "100", "100", "100", "100")))
	assert.Empty(t, e.ActiveOrders())

	again, err := e.Submit(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
}

func TestEngine_RestoreKeepsIntentIdempotency(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())

	e.Restore([]types.Order{{
		ClientOrderID: "restored-1",
		IntentID:      "sma_cross-1-0",
		Symbol:        "BTCUSD",
		Kind:          types.KindLimit,
		Side:          types.Buy,
		RequestedQty:  d("1"),
		FilledQty:     d("0.25"),
		AvgFillPrice:  d("99"),
		Price:         d("99"),
		Status:        types.OrderStatusPartiallyFilled,
		CreatedAt:     t0,
		LastUpdateAt:  t0,
	}})

	in := types.TradeIntent{ClientIntentID: "sma_cross-1-0", Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindLimit, Quantity: d("1"), Price: d("99")}
	id, err := e.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "restored-1", id)
	assert.Empty(t, stub.submits)

	stub.reports["restored-1"] = types.OrderReport{Status: types.OrderStatusFilled, FilledQty: d("1"), AvgFillPrice: d("99")}
	require.NoError(t, e.Reconcile(context.Background()))
	o, _ := e.Order("restored-1")
	assert.Equal(t, types.OrderStatusFilled, o.Status)
}

func TestEngine_StopRejectsNewSubmissions(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	id, err := e.Submit(ctx, types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindLimit, Quantity: d("1"), Price: d("99")})
	require.NoError(t, err)

	e.Stop()
	assert.True(t, e.Stopped())
	_, err = e.Submit(ctx, market(types.Buy, "1"))
	assert.ErrorIs(t, err, types.ErrEngineStopped)

	n, err := e.CancelAll(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	o, _ := e.Order(id)
	assert.Equal(t, types.OrderStatusCancelled, o.Status)
}

func TestEngine_CancelWhereSkipsOtherOrders(t *testing.T) {
	stub := newStub()
	e, _, _ := newTestEngine(t, stub, DefaultConfig())
	ctx := context.Background()

	keep, _ := e.Submit(ctx, types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindLimit, Quantity: d("1"), Price: d("99")})
	exit, _ := e.Submit(ctx, types.TradeIntent{Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindStopLoss, Quantity: d("1"), TriggerPrice: d("90"), ReduceOnly: true})

	n, err := e.CancelWhere(ctx, func(o types.Order) bool { return o.ReduceOnly })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, _ := e.Order(keep)
	assert.Equal(t, types.OrderStatusSubmitted, o.Status)
	o, _ = e.Order(exit)
	assert.Equal(t, types.OrderStatusCancelled, o.Status)
}

func TestSequenceGenerator_Deterministic(t *testing.T) {
	a := NewSequenceGenerator("bt-", "seed")
	b := NewSequenceGenerator("bt-", "seed")
	c := NewSequenceGenerator("bt-", "other")

	for i := 0; i < 5; i++ {
		ida, idb, idc := a.NewID(), b.NewID(), c.NewID()
		assert.Equal(t, ida, idb)
		assert.NotEqual(t, ida, idc)
		assert.Contains(t, ida, "bt-")
	}
	assert.NotEqual(t, UUIDGenerator{}.NewID(), UUIDGenerator{}.NewID())
}

func TestEngine_SimulatedRunIsDeterministic(t *testing.T) {
	run := func() []types.Order {
		cfg := adapter.DefaultSimConfig()
		cfg.Slippage = d("0.25")
		cfg.VolumeParticipation = d("0.0005")
		sim := adapter.NewSimulatedAdapter(cfg, nil)
		fills, _ := sim.SubscribeFills(context.Background())
		e, _, clock := newTestEngine(t, sim, DefaultConfig())
		ctx := context.Background()

		_, err := e.Submit(ctx, market(types.Buy, "1.2"))
		require.NoError(t, err)
		_, err = e.Submit(ctx, types.TradeIntent{Symbol: "BTCUSD", Side: types.Sell, Kind: types.KindTrailingStop, Quantity: d("1"), TrailOffset: d("3"), TriggerPrice: d("95")})
		require.NoError(t, err)
		_, err = e.Submit(ctx, types.TradeIntent{Symbol: "BTCUSD", Side: types.Buy, Kind: types.KindIceberg, Quantity: d("0.9"), Price: d("99"), IcebergVisibleQty: d("0.4")})
		require.NoError(t, err)

		bars := [][4]string{
			{"100", "103", "99", "102"},
			{"102", "106", "101", "105"},
			{"105", "105", "98", "99"},
			{"99", "100", "97", "98"},
			{"98", "101", "96", "100"},
		}
		for i, b := range bars {
			clock.Advance(time.Minute)
			c := candle(i+1, b[0], b[1], b[2], b[3])
			require.NoError(t, sim.OnCandle(ctx, c))
			drainInto(t, ctx, e, fills)
			require.NoError(t, e.OnCandle(ctx, c))
		}
		return e.ActiveOrders()
	}
	assert.Equal(t, run(), run())
}
