// Package paper provides an in-memory exchange for paper trading and
// fault-injection tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/broker"
	"github.com/tathienbao/quant-runner/internal/risk"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Config holds paper exchange configuration.
type Config struct {
	StartingBalance decimal.Decimal
	Slippage        decimal.Decimal // fraction of price, adverse
	Fee             decimal.Decimal // fraction of notional
	FillSlice       decimal.Decimal // max qty per fill, zero fills the remainder
	QueueSize       int             // per-subscriber event buffer
}

// DefaultConfig returns default paper trading config.
func DefaultConfig() Config {
	return Config{
		StartingBalance: decimal.NewFromInt(10000),
		Slippage:        decimal.NewFromFloat(0.0005),
		Fee:             decimal.NewFromFloat(0.001),
		QueueSize:       256,
	}
}

type order struct {
	req     broker.OrderRequest
	side    types.OrderSide
	kind    types.OrderKind
	trigger decimal.Decimal
	report  types.OrderReport
}

type subscriber struct {
	ch   chan types.FillEvent
	drop chan struct{}
}

// Exchange implements broker.Venue in memory. Orders match against prices
// pushed through UpdatePrice in submission order.
type Exchange struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	state atomic.Int32

	mu      sync.Mutex
	orders  map[string]*order
	seq     []string
	prices  map[string]decimal.Decimal
	nextID  int64
	tracker *risk.Tracker

	faultMu    sync.Mutex
	failN      int
	failErr    error
	loseAckN   int
	duplicateN int
	reorderN   int
	held       []types.FillEvent

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

var _ broker.Venue = (*Exchange)(nil)

// NewExchange creates a paper exchange.
func NewExchange(cfg Config, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Exchange{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		orders:  make(map[string]*order),
		prices:  make(map[string]decimal.Decimal),
		tracker: risk.NewTracker(cfg.StartingBalance, logger),
		subs:    make(map[int]*subscriber),
	}
}

// WithClock replaces the timestamp source.
func (x *Exchange) WithClock(now func() time.Time) *Exchange {
	x.now = now
	return x
}

func (x *Exchange) Name() string { return "paper" }

// State returns the execution stream state.
func (x *Exchange) State() broker.ConnectionState {
	return broker.ConnectionState(x.state.Load())
}

// FailNext makes the next n order calls fail without reaching the book.
// A nil err fails with a 503.
func (x *Exchange) FailNext(n int, err error) {
	if err == nil {
		err = broker.Classify("paper", "", http.StatusServiceUnavailable, errors.New("injected"))
	}
	x.faultMu.Lock()
	x.failN, x.failErr = n, err
	x.faultMu.Unlock()
}

// LoseNextAck makes the next n placements land on the book while the caller
// sees a timeout.
func (x *Exchange) LoseNextAck(n int) {
	x.faultMu.Lock()
	x.loseAckN = n
	x.faultMu.Unlock()
}

// DuplicateNext delivers each of the next n events twice.
func (x *Exchange) DuplicateNext(n int) {
	x.faultMu.Lock()
	x.duplicateN = n
	x.faultMu.Unlock()
}

// ReorderNext holds back the next n events and releases each after the
// event that follows it.
func (x *Exchange) ReorderNext(n int) {
	x.faultMu.Lock()
	x.reorderN = n
	x.faultMu.Unlock()
}

// DropStream disconnects every execution stream. Events published before
// the subscriber reconnects are lost.
func (x *Exchange) DropStream() {
	x.subsMu.Lock()
	for id, s := range x.subs {
		close(s.drop)
		delete(x.subs, id)
	}
	x.subsMu.Unlock()
	x.state.Store(int32(broker.StateDisconnected))
}

func (x *Exchange) injected() error {
	x.faultMu.Lock()
	defer x.faultMu.Unlock()
	if x.failN > 0 {
		x.failN--
		return x.failErr
	}
	return nil
}

// PlaceOrder rests an order on the book.
func (x *Exchange) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*types.OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := x.injected(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, &types.OrderRejectedError{ClientOrderID: req.ClientOrderID, StatusCode: http.StatusBadRequest, Reason: err.Error()}
	}
	side, _ := types.ParseOrderSide(req.Side)
	kind, _ := types.ParseOrderKind(req.Kind)
	if kind == types.KindIceberg {
		return nil, &types.OrderRejectedError{ClientOrderID: req.ClientOrderID, StatusCode: http.StatusUnprocessableEntity, Reason: broker.ErrUnsupported.Error()}
	}

	x.mu.Lock()
	if _, ok := x.orders[req.ClientOrderID]; ok {
		x.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", broker.ErrDuplicateOrder, req.ClientOrderID)
	}
	x.nextID++
	o := &order{
		req:     req,
		side:    side,
		kind:    kind,
		trigger: req.TriggerPrice,
		report: types.OrderReport{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: fmt.Sprintf("PAPER-%d", x.nextID),
			Status:          types.OrderStatusSubmitted,
			UpdatedAt:       x.now(),
			Found:           true,
		},
	}
	x.orders[req.ClientOrderID] = o
	x.seq = append(x.seq, req.ClientOrderID)
	rep := o.report
	x.mu.Unlock()

	x.logger.Debug("paper order accepted",
		"client_order_id", req.ClientOrderID,
		"exchange_order_id", rep.ExchangeOrderID,
		"kind", req.Kind,
		"side", req.Side,
		"qty", req.Qty,
	)

	x.faultMu.Lock()
	lose := x.loseAckN > 0
	if lose {
		x.loseAckN--
	}
	x.faultMu.Unlock()
	if lose {
		return nil, broker.Classify("place", req.ClientOrderID, 0, context.DeadlineExceeded)
	}
	return &rep, nil
}

// CancelOrder cancels a resting order and publishes a final event.
func (x *Exchange) CancelOrder(ctx context.Context, clientOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := x.injected(); err != nil {
		return err
	}
	x.mu.Lock()
	o, ok := x.orders[clientOrderID]
	if !ok {
		x.mu.Unlock()
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, clientOrderID)
	}
	if o.report.Status.IsFinal() {
		x.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", types.ErrOrderFinal, clientOrderID, o.report.Status)
	}
	o.report.Status = types.OrderStatusCancelled
	o.report.UpdatedAt = x.now()
	ev := x.eventLocked(o, decimal.Zero, decimal.Zero, decimal.Zero)
	x.mu.Unlock()

	x.publish(ev)
	return nil
}

// AmendOrder moves the trigger of a resting trigger order.
func (x *Exchange) AmendOrder(ctx context.Context, clientOrderID string, trigger decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := x.injected(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, clientOrderID)
	}
	if o.report.Status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", types.ErrOrderFinal, clientOrderID, o.report.Status)
	}
	if !o.kind.IsTriggered() || !trigger.IsPositive() {
		return &types.OrderRejectedError{ClientOrderID: clientOrderID, StatusCode: http.StatusBadRequest, Reason: "amend requires a trigger order and a positive trigger"}
	}
	o.trigger = trigger
	o.report.UpdatedAt = x.now()
	return nil
}

// QueryOrder returns the exchange's view of an order.
func (x *Exchange) QueryOrder(ctx context.Context, clientOrderID string) (*types.OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrOrderNotFound, clientOrderID)
	}
	rep := o.report
	return &rep, nil
}

// StreamExecutions delivers events until ctx is done or DropStream is called.
func (x *Exchange) StreamExecutions(ctx context.Context, onConnect func(), onEvent func(types.FillEvent)) error {
	s := &subscriber{
		ch:   make(chan types.FillEvent, x.cfg.QueueSize),
		drop: make(chan struct{}),
	}
	x.subsMu.Lock()
	id := x.nextSub
	x.nextSub++
	x.subs[id] = s
	x.subsMu.Unlock()
	x.state.Store(int32(broker.StateConnected))
	onConnect()

	defer func() {
		x.subsMu.Lock()
		delete(x.subs, id)
		x.subsMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.drop:
			// Flush what was queued before the drop.
			for {
				select {
				case ev := <-s.ch:
					onEvent(ev)
				default:
					return fmt.Errorf("paper stream: %w", types.ErrConnectionLost)
				}
			}
		case ev := <-s.ch:
			onEvent(ev)
		}
	}
}

// UpdatePrice matches resting orders for symbol against price.
func (x *Exchange) UpdatePrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	var events []types.FillEvent

	x.mu.Lock()
	x.prices[symbol] = price
	x.tracker.Mark(symbol, price)
	live := x.seq[:0]
	for _, id := range x.seq {
		o := x.orders[id]
		if o.report.Status.IsFinal() {
			continue
		}
		if o.req.Symbol == symbol {
			if px, ok := x.matchPrice(o, price); ok {
				events = append(events, x.fillLocked(o, px))
			}
		}
		if !o.report.Status.IsFinal() {
			live = append(live, id)
		}
	}
	x.seq = live
	x.mu.Unlock()

	for _, ev := range events {
		x.publish(ev)
	}
}

// LastPrice returns the last price pushed for symbol.
func (x *Exchange) LastPrice(symbol string) (decimal.Decimal, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.prices[symbol]
	return p, ok
}

// Positions returns the exchange-side account positions.
func (x *Exchange) Positions() []types.Position {
	return x.tracker.Positions()
}

// Equity returns balance plus unrealized PnL at the last prices.
func (x *Exchange) Equity() decimal.Decimal {
	return x.tracker.Equity()
}

func (x *Exchange) matchPrice(o *order, p decimal.Decimal) (decimal.Decimal, bool) {
	buy := o.side == types.Buy
	switch o.kind {
	case types.KindMarket:
		return x.slip(p, buy), true
	case types.KindLimit:
		if (buy && p.LessThanOrEqual(o.req.Price)) || (!buy && p.GreaterThanOrEqual(o.req.Price)) {
			return o.req.Price, true
		}
	case types.KindStopLoss, types.KindTrailingStop:
		if (buy && p.GreaterThanOrEqual(o.trigger)) || (!buy && p.LessThanOrEqual(o.trigger)) {
			return x.slip(p, buy), true
		}
	case types.KindTakeProfit:
		if (buy && p.LessThanOrEqual(o.trigger)) || (!buy && p.GreaterThanOrEqual(o.trigger)) {
			return x.slip(p, buy), true
		}
	}
	return decimal.Zero, false
}

func (x *Exchange) slip(p decimal.Decimal, buy bool) decimal.Decimal {
	adj := p.Mul(x.cfg.Slippage)
	if buy {
		return p.Add(adj)
	}
	return p.Sub(adj)
}

func (x *Exchange) fillLocked(o *order, price decimal.Decimal) types.FillEvent {
	rep := &o.report
	qty := o.req.Qty.Sub(rep.FilledQty)
	if x.cfg.FillSlice.IsPositive() && qty.GreaterThan(x.cfg.FillSlice) {
		qty = x.cfg.FillSlice
	}
	total := rep.FilledQty.Add(qty)
	rep.AvgFillPrice = rep.AvgFillPrice.Mul(rep.FilledQty).Add(price.Mul(qty)).Div(total)
	rep.FilledQty = total
	if total.Equal(o.req.Qty) {
		rep.Status = types.OrderStatusFilled
	} else {
		rep.Status = types.OrderStatusPartiallyFilled
	}
	rep.UpdatedAt = x.now()
	fee := qty.Mul(price).Mul(x.cfg.Fee)

	x.tracker.Apply(types.Fill{
		ClientOrderID: o.req.ClientOrderID,
		Symbol:        o.req.Symbol,
		Side:          o.side,
		Qty:           qty,
		Price:         price,
		Fee:           fee,
		Timestamp:     rep.UpdatedAt,
	})
	x.logger.Debug("paper fill",
		"client_order_id", o.req.ClientOrderID,
		"qty", qty,
		"price", price,
		"cumulative_qty", total,
	)
	return x.eventLocked(o, qty, price, fee)
}

func (x *Exchange) eventLocked(o *order, qty, price, fee decimal.Decimal) types.FillEvent {
	rep := o.report
	return types.FillEvent{
		ClientOrderID:   rep.ClientOrderID,
		ExchangeOrderID: rep.ExchangeOrderID,
		Symbol:          o.req.Symbol,
		FillQty:         qty,
		FillPrice:       price,
		CumulativeQty:   rep.FilledQty,
		AvgPrice:        rep.AvgFillPrice,
		Fee:             fee,
		Timestamp:       rep.UpdatedAt,
		IsFinal:         rep.Status.IsFinal(),
		Status:          rep.Status,
	}
}

// publish applies the delivery faults then fans out to subscribers. A full
// subscriber buffer drops the event; reconciliation recovers it.
func (x *Exchange) publish(ev types.FillEvent) {
	out := []types.FillEvent{ev}

	x.faultMu.Lock()
	if x.reorderN > 0 && len(x.held) == 0 {
		x.reorderN--
		x.held = append(x.held, ev)
		out = nil
	} else if len(x.held) > 0 {
		out = append(out, x.held...)
		x.held = nil
	}
	if x.duplicateN > 0 && len(out) > 0 {
		x.duplicateN--
		out = append(out, out[0])
	}
	x.faultMu.Unlock()

	x.subsMu.Lock()
	defer x.subsMu.Unlock()
	for _, e := range out {
		for _, s := range x.subs {
			select {
			case s.ch <- e:
			default:
				x.logger.Warn("paper event dropped, subscriber full", "client_order_id", e.ClientOrderID)
			}
		}
	}
}
