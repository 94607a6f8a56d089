package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// SimConfig holds configuration for the simulated adapter.
type SimConfig struct {
	Slippage            decimal.Decimal // adverse absolute offset on market and triggered fills
	TakerFee            decimal.Decimal // rate on notional for market and triggered fills
	MakerFee            decimal.Decimal // rate on notional for limit fills
	VolumeParticipation decimal.Decimal // max share of candle volume per order per candle; zero means unlimited
	QueueSize           int
}

// DefaultSimConfig returns a frictionless simulator.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Slippage:  decimal.Zero,
		TakerFee:  decimal.Zero,
		MakerFee:  decimal.Zero,
		QueueSize: 1024,
	}
}

// SimulatedAdapter fills orders against candles. It is a deterministic
// function of the submitted orders and the candle sequence: an order placed
// after candle T is resolvable only by candles opening after T.
type SimulatedAdapter struct {
	cfg    SimConfig
	logger *slog.Logger

	mu       sync.Mutex
	orders   map[string]*simOrder // every order ever accepted
	resting  []string             // submission order
	clock    time.Time            // open time of the last processed candle
	nextID   int64
	fills    chan types.FillEvent
	closed   bool
	closeOne sync.Once
}

type simOrder struct {
	order       types.Order
	placedAfter time.Time
	filled      decimal.Decimal
	notional    decimal.Decimal
	triggered   bool
	status      types.OrderStatus
	updatedAt   time.Time
}

var (
	_ Adapter = (*SimulatedAdapter)(nil)
	_ Settler = (*SimulatedAdapter)(nil)
)

// NewSimulatedAdapter creates a simulator.
func NewSimulatedAdapter(cfg SimConfig, logger *slog.Logger) *SimulatedAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &SimulatedAdapter{
		cfg:    cfg,
		logger: logger,
		orders: make(map[string]*simOrder),
		fills:  make(chan types.FillEvent, cfg.QueueSize),
	}
}

// Name returns "simulated".
func (s *SimulatedAdapter) Name() string { return "simulated" }

// SubmitOrder accepts an order for matching from the next candle on.
func (s *SimulatedAdapter) SubmitOrder(_ context.Context, o types.Order) (types.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.Ack{}, types.ErrEngineStopped
	}

	// Idempotency: the same id acknowledges the existing order.
	if existing, ok := s.orders[o.ClientOrderID]; ok {
		return s.ackLocked(existing), nil
	}

	if reason := simReject(o); reason != "" {
		return types.Ack{}, &types.OrderRejectedError{ClientOrderID: o.ClientOrderID, StatusCode: 400, Reason: reason}
	}

	s.nextID++
	o.ExchangeOrderID = fmt.Sprintf("sim-%d", s.nextID)
	so := &simOrder{
		order:       o,
		placedAfter: s.clock,
		status:      types.OrderStatusSubmitted,
		updatedAt:   s.clock,
	}
	s.orders[o.ClientOrderID] = so
	s.resting = append(s.resting, o.ClientOrderID)

	s.logger.Debug("sim order accepted",
		"client_order_id", o.ClientOrderID,
		"kind", o.Kind,
		"side", o.Side,
		"qty", o.RequestedQty,
	)
	return s.ackLocked(so), nil
}

// CancelOrder removes a resting order.
func (s *SimulatedAdapter) CancelOrder(_ context.Context, id string) (types.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, ok := s.orders[id]
	if !ok {
		return types.Ack{}, fmt.Errorf("%w: %s", types.ErrOrderNotFound, id)
	}
	if so.status.IsFinal() {
		return s.ackLocked(so), fmt.Errorf("%w: %s is %s", types.ErrOrderFinal, id, so.status)
	}
	so.status = types.OrderStatusCancelled
	so.updatedAt = s.clock
	s.removeRestingLocked(id)
	return s.ackLocked(so), nil
}

// AmendOrder updates the trigger of a resting order.
func (s *SimulatedAdapter) AmendOrder(_ context.Context, o types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, ok := s.orders[o.ClientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, o.ClientOrderID)
	}
	if so.status.IsFinal() {
		return fmt.Errorf("%w: %s", types.ErrOrderFinal, o.ClientOrderID)
	}
	so.order.TriggerPrice = o.TriggerPrice
	return nil
}

// QueryOrders reports the simulator's view.
func (s *SimulatedAdapter) QueryOrders(_ context.Context, ids []string) ([]types.OrderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.OrderReport, 0, len(ids))
	for _, id := range ids {
		so, ok := s.orders[id]
		if !ok {
			out = append(out, types.OrderReport{ClientOrderID: id})
			continue
		}
		out = append(out, types.OrderReport{
			ClientOrderID:   id,
			ExchangeOrderID: so.order.ExchangeOrderID,
			Status:          so.status,
			FilledQty:       so.filled,
			AvgFillPrice:    so.avgPrice(),
			UpdatedAt:       so.updatedAt,
			Found:           true,
		})
	}
	return out, nil
}

// SubscribeFills returns the bounded fill queue.
func (s *SimulatedAdapter) SubscribeFills(context.Context) (<-chan types.FillEvent, error) {
	return s.fills, nil
}

// Reconnects returns nil: the simulator never disconnects.
func (s *SimulatedAdapter) Reconnects() <-chan struct{} { return nil }

// OnCandle resolves resting orders for the candle's symbol. Fills are queued
// only if the queue can take all of them; otherwise nothing changes and
// ErrQueueFull is returned.
func (s *SimulatedAdapter) OnCandle(_ context.Context, c types.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrEngineStopped
	}

	type match struct {
		so        *simOrder
		qty       decimal.Decimal
		price     decimal.Decimal
		fee       decimal.Decimal
		triggered bool
	}
	var matches []match

	for _, id := range s.resting {
		so := s.orders[id]
		if so.order.Symbol != c.Symbol || !c.OpenTime.After(so.placedAfter) {
			continue
		}
		price, triggered, ok := s.matchPrice(so, c)
		if !ok {
			continue
		}
		qty := s.fillQty(so, c)
		if !qty.IsPositive() {
			// Triggered but no volume: stays triggered for the next candle.
			if triggered && !so.triggered {
				matches = append(matches, match{so: so, triggered: true})
			}
			continue
		}
		rate := s.cfg.TakerFee
		if so.order.Kind == types.KindLimit || so.order.Kind == types.KindIceberg {
			rate = s.cfg.MakerFee
		}
		matches = append(matches, match{
			so:        so,
			qty:       qty,
			price:     price,
			fee:       qty.Mul(price).Mul(rate),
			triggered: triggered,
		})
	}

	events := 0
	for _, m := range matches {
		if m.qty.IsPositive() {
			events++
		}
	}
	if free := cap(s.fills) - len(s.fills); events > free {
		return fmt.Errorf("%w: %d fills, %d free", types.ErrQueueFull, events, free)
	}

	for _, m := range matches {
		so := m.so
		if m.triggered {
			so.triggered = true
		}
		if !m.qty.IsPositive() {
			continue
		}
		s.fillLocked(so, m.qty, m.price, m.fee, c.OpenTime)
	}

	s.compactLocked()
	if c.OpenTime.After(s.clock) {
		s.clock = c.OpenTime
	}
	return nil
}

// Settle fills every resting market order for symbol at price, adjusted
// for slippage, without waiting for another candle. A run uses it to flatten
// positions after the last candle.
func (s *SimulatedAdapter) Settle(_ context.Context, symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrEngineStopped
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: settle price %s", types.ErrInvalidData, price)
	}

	var due []*simOrder
	for _, id := range s.resting {
		so := s.orders[id]
		if so.order.Symbol == symbol && so.order.Kind == types.KindMarket {
			due = append(due, so)
		}
	}
	if free := cap(s.fills) - len(s.fills); len(due) > free {
		return fmt.Errorf("%w: %d fills, %d free", types.ErrQueueFull, len(due), free)
	}

	for _, so := range due {
		px := price.Add(s.cfg.Slippage)
		if so.order.Side == types.Sell {
			px = price.Sub(s.cfg.Slippage)
		}
		qty := so.order.RequestedQty.Sub(so.filled)
		s.fillLocked(so, qty, px, qty.Mul(px).Mul(s.cfg.TakerFee), s.clock)
	}
	s.compactLocked()
	return nil
}

// Close closes the fill queue.
func (s *SimulatedAdapter) Close() error {
	s.closeOne.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.fills)
		s.mu.Unlock()
	})
	return nil
}

// Resting returns the number of orders still resting.
func (s *SimulatedAdapter) Resting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resting)
}

// matchPrice decides whether the candle reaches the order and at what price.
// triggered reports a stop or take-profit firing on this candle.
func (s *SimulatedAdapter) matchPrice(so *simOrder, c types.Candle) (price decimal.Decimal, triggered, ok bool) {
	o := so.order
	buy := o.Side == types.Buy
	adverse := s.cfg.Slippage
	if !buy {
		adverse = adverse.Neg()
	}

	switch o.Kind {
	case types.KindMarket:
		return c.Open.Add(adverse), false, true

	case types.KindLimit, types.KindIceberg:
		if buy && c.Low.LessThanOrEqual(o.Price) {
			return o.Price, false, true
		}
		if !buy && c.High.GreaterThanOrEqual(o.Price) {
			return o.Price, false, true
		}
		return decimal.Zero, false, false

	case types.KindStopLoss, types.KindTrailingStop, types.KindTakeProfit:
		if so.triggered {
			// Fired earlier but volume-capped: the rest goes at market.
			return c.Open.Add(adverse), false, true
		}
		if !triggerTouched(o, c) {
			return decimal.Zero, false, false
		}
		return o.TriggerPrice.Add(adverse), true, true
	}
	return decimal.Zero, false, false
}

// triggerTouched: stops fire on adverse moves, take-profits on favorable ones.
func triggerTouched(o types.Order, c types.Candle) bool {
	buy := o.Side == types.Buy
	if o.Kind == types.KindTakeProfit {
		buy = !buy
	}
	if buy {
		return c.High.GreaterThanOrEqual(o.TriggerPrice)
	}
	return c.Low.LessThanOrEqual(o.TriggerPrice)
}

func (s *SimulatedAdapter) fillQty(so *simOrder, c types.Candle) decimal.Decimal {
	remaining := so.order.RequestedQty.Sub(so.filled)
	if !s.cfg.VolumeParticipation.IsPositive() {
		return remaining
	}
	return decimal.Min(remaining, c.Volume.Mul(s.cfg.VolumeParticipation))
}

// fillLocked books qty at price and queues the event. The caller has
// checked queue capacity.
func (s *SimulatedAdapter) fillLocked(so *simOrder, qty, price, fee decimal.Decimal, ts time.Time) {
	so.filled = so.filled.Add(qty)
	so.notional = so.notional.Add(qty.Mul(price))
	so.updatedAt = ts

	final := so.filled.GreaterThanOrEqual(so.order.RequestedQty)
	so.status = types.OrderStatusPartiallyFilled
	if final {
		so.status = types.OrderStatusFilled
	}

	s.fills <- types.FillEvent{
		ClientOrderID:   so.order.ClientOrderID,
		ExchangeOrderID: so.order.ExchangeOrderID,
		Symbol:          so.order.Symbol,
		FillQty:         qty,
		FillPrice:       price,
		CumulativeQty:   so.filled,
		AvgPrice:        so.avgPrice(),
		Fee:             fee,
		Timestamp:       ts,
		IsFinal:         final,
		Status:          so.status,
	}
}

func (s *SimulatedAdapter) ackLocked(so *simOrder) types.Ack {
	return types.Ack{
		ClientOrderID:   so.order.ClientOrderID,
		ExchangeOrderID: so.order.ExchangeOrderID,
		Status:          so.status,
		Timestamp:       s.clock,
	}
}

func (s *SimulatedAdapter) removeRestingLocked(id string) {
	for i, rid := range s.resting {
		if rid == id {
			s.resting = append(s.resting[:i], s.resting[i+1:]...)
			return
		}
	}
}

func (s *SimulatedAdapter) compactLocked() {
	kept := s.resting[:0]
	for _, id := range s.resting {
		if !s.orders[id].status.IsFinal() {
			kept = append(kept, id)
		}
	}
	s.resting = kept
}

func (so *simOrder) avgPrice() decimal.Decimal {
	if !so.filled.IsPositive() {
		return decimal.Zero
	}
	return so.notional.Div(so.filled)
}

func simReject(o types.Order) string {
	switch {
	case o.ClientOrderID == "":
		return "client_order_id required"
	case !o.RequestedQty.IsPositive():
		return "qty must be positive"
	}
	switch o.Kind {
	case types.KindMarket:
	case types.KindLimit, types.KindIceberg:
		if !o.Price.IsPositive() {
			return "limit price must be positive"
		}
	case types.KindStopLoss, types.KindTakeProfit, types.KindTrailingStop:
		if !o.TriggerPrice.IsPositive() {
			return "trigger price must be positive"
		}
	default:
		return "unknown order kind"
	}
	return ""
}
