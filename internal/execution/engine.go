// Package execution owns every order from intent to terminal state and
// reconciles adapter events against that state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/adapter"
	"github.com/tathienbao/quant-runner/internal/types"
)

// ExpiryPolicy controls time-in-force. Zero durations mean no expiry.
type ExpiryPolicy struct {
	LimitTTL       time.Duration
	TriggerSession time.Duration
}

// Config holds configuration for the execution engine.
type Config struct {
	// ReconcileWindow is how long terminal orders stay in the active set.
	ReconcileWindow time.Duration
	Expiry          ExpiryPolicy
	// SubmitTimeout bounds each adapter call. Zero means the caller's ctx only.
	SubmitTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileWindow: 5 * time.Minute,
		Expiry: ExpiryPolicy{
			LimitTTL:       0,
			TriggerSession: 24 * time.Hour,
		},
		SubmitTimeout: 10 * time.Second,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithIDGenerator sets the client order id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithClock replaces the wall clock, e.g. with candle time in backtests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithListener registers a listener. Listeners run in registration order.
func WithListener(l Listener) Option {
	return func(e *Engine) {
		if l != nil {
			e.listeners = append(e.listeners, l)
		}
	}
}

// Engine is the order state machine.
//
// Mutating calls (Submit, Cancel, OnFillEvent, OnCandle, Reconcile, Restore)
// are serialized; reads may run concurrently from other goroutines.
type Engine struct {
	cfg       Config
	adapter   adapter.Adapter
	ids       IDGenerator
	now       func() time.Time
	logger    *slog.Logger
	listeners []Listener

	op sync.Mutex // serializes mutations, held across adapter calls

	mu        sync.RWMutex
	orders    map[string]*types.Order
	intents   map[string]string // client intent id -> client order id
	lastPrice map[string]decimal.Decimal
	stopped   bool
}

// NewEngine creates an execution engine bound to one adapter.
func NewEngine(cfg Config, a adapter.Adapter, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		adapter:   a,
		ids:       UUIDGenerator{},
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
		orders:    make(map[string]*types.Order),
		intents:   make(map[string]string),
		lastPrice: make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit turns a place intent into an order and sends it. The client order
// id is returned even when the adapter rejects; the rejection is also
// recorded on the order.
func (e *Engine) Submit(ctx context.Context, intent types.TradeIntent) (string, error) {
	e.op.Lock()
	defer e.op.Unlock()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", types.ErrEngineStopped
	}
	if intent.ClientIntentID != "" {
		if id, ok := e.intents[intent.ClientIntentID]; ok {
			e.mu.Unlock()
			e.logger.Debug("duplicate intent ignored", "intent_id", intent.ClientIntentID, "client_order_id", id)
			return id, nil
		}
	}

	o, err := e.orderFromIntentLocked(intent)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	e.orders[o.ClientOrderID] = o
	if intent.ClientIntentID != "" {
		e.intents[intent.ClientIntentID] = o.ClientOrderID
	}
	snapshot := *o
	e.mu.Unlock()

	e.logger.Info("order created",
		"client_order_id", o.ClientOrderID,
		"symbol", o.Symbol,
		"kind", o.Kind,
		"side", o.Side,
		"qty", o.RequestedQty,
	)
	e.emitOrder(snapshot)

	if o.Kind == types.KindIceberg {
		return o.ClientOrderID, e.submitChild(ctx, o.ClientOrderID)
	}
	return o.ClientOrderID, e.send(ctx, o.ClientOrderID)
}

// Cancel cancels an order. Pending orders never reached the adapter and
// are cancelled locally.
func (e *Engine) Cancel(ctx context.Context, id string) (types.Ack, error) {
	e.op.Lock()
	defer e.op.Unlock()
	return e.cancel(ctx, id, types.OrderStatusCancelled)
}

// CancelIntent cancels the order created from a client intent id.
func (e *Engine) CancelIntent(ctx context.Context, intentID string) (types.Ack, error) {
	e.mu.RLock()
	id, ok := e.intents[intentID]
	e.mu.RUnlock()
	if !ok {
		return types.Ack{}, fmt.Errorf("%w: intent %s", types.ErrOrderNotFound, intentID)
	}
	return e.Cancel(ctx, id)
}

// CancelWhere cancels every open top-level order accepted by match. Iceberg
// children are cancelled through their parent. It returns the number of
// orders cancelled and the joined errors.
func (e *Engine) CancelWhere(ctx context.Context, match func(types.Order) bool) (int, error) {
	e.op.Lock()
	defer e.op.Unlock()

	var ids []string
	for _, o := range e.OpenOrders() {
		if o.IsChild() || !match(o) {
			continue
		}
		ids = append(ids, o.ClientOrderID)
	}

	n := 0
	var errs []error
	for _, id := range ids {
		if _, err := e.cancel(ctx, id, types.OrderStatusCancelled); err != nil {
			if errors.Is(err, types.ErrOrderFinal) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// CancelAll cancels every open order for symbol; an empty symbol means all.
func (e *Engine) CancelAll(ctx context.Context, symbol string) (int, error) {
	return e.CancelWhere(ctx, func(o types.Order) bool {
		return symbol == "" || o.Symbol == symbol
	})
}

// OnFillEvent applies a raw adapter event. Events at or below the order's
// filled quantity are no-ops, so redelivery and reordering are harmless.
func (e *Engine) OnFillEvent(ctx context.Context, ev types.FillEvent) error {
	e.op.Lock()
	defer e.op.Unlock()
	return e.applyEvent(ctx, ev)
}

// ActiveOrders returns a snapshot of the active set, including terminal
// orders still inside the reconciliation window.
func (e *Engine) ActiveOrders() []types.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	sortOrders(out)
	return out
}

// OpenOrders returns the non-terminal orders.
func (e *Engine) OpenOrders() []types.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []types.Order
	for _, o := range e.orders {
		if !o.Status.IsFinal() {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out
}

// Order returns a copy of one order.
func (e *Engine) Order(id string) (types.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// LastPrice returns the last close seen for symbol.
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.lastPrice[symbol]
	return p, ok
}

// OnCandle updates the last price, moves trailing triggers, expires orders
// and evicts terminal orders whose window has closed. A moved trigger is
// pushed to the adapter and applies from the next candle.
func (e *Engine) OnCandle(ctx context.Context, c types.Candle) error {
	e.op.Lock()
	defer e.op.Unlock()

	now := e.now()
	e.mu.Lock()
	e.lastPrice[c.Symbol] = c.Close

	var amends []types.Order
	var expired []string
	for _, o := range e.sortedLocked() {
		if o.Symbol != c.Symbol || o.Status.IsFinal() || o.Flagged {
			continue
		}
		if o.Kind == types.KindTrailingStop && trail(o, c) {
			o.LastUpdateAt = now
			amends = append(amends, *o)
		}
		if !o.IsChild() && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt) {
			expired = append(expired, o.ClientOrderID)
		}
	}
	e.evictLocked(now)
	e.mu.Unlock()

	var errs []error
	for _, o := range amends {
		e.logger.Debug("trailing trigger moved", "client_order_id", o.ClientOrderID, "trigger", o.TriggerPrice)
		e.emitOrder(o)
		if o.Status == types.OrderStatusPending {
			continue
		}
		cctx, cancel := e.callCtx(ctx)
		err := e.adapter.AmendOrder(cctx, o)
		cancel()
		if err != nil && !errors.Is(err, types.ErrOrderFinal) {
			e.logger.Warn("amend failed", "client_order_id", o.ClientOrderID, "err", err)
			errs = append(errs, fmt.Errorf("amend %s: %w", o.ClientOrderID, err))
		}
	}
	for _, id := range expired {
		e.logger.Info("order expired", "client_order_id", id)
		if _, err := e.cancel(ctx, id, types.OrderStatusExpired); err != nil && !errors.Is(err, types.ErrOrderFinal) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reconcile queries the adapter for every open or unconfirmed order and
// merges the answers. Progress only moves forward: a higher remote fill is
// applied, a lower one flags the order and is returned as a conflict.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.op.Lock()
	defer e.op.Unlock()

	e.mu.RLock()
	var ids []string
	for _, o := range e.sortedLocked() {
		if o.Kind == types.KindIceberg {
			continue // parents never reach the adapter
		}
		if !o.Status.IsFinal() || o.Unconfirmed {
			ids = append(ids, o.ClientOrderID)
		}
	}
	e.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}

	cctx, cancel := e.callCtx(ctx)
	reports, err := e.adapter.QueryOrders(cctx, ids)
	cancel()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	e.logger.Info("reconciling orders", "count", len(reports))
	var errs []error
	for _, rep := range reports {
		if err := e.reconcileOne(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore loads orders from the journal after a restart. Reconcile should
// follow so the venue's view is merged in.
func (e *Engine) Restore(orders []types.Order) {
	e.op.Lock()
	defer e.op.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range orders {
		cp := o
		e.orders[cp.ClientOrderID] = &cp
		if cp.IntentID != "" && !cp.IsChild() {
			e.intents[cp.IntentID] = cp.ClientOrderID
		}
	}
	e.logger.Info("orders restored", "count", len(orders))
}

// Stop rejects further submissions. Cancels, fills and reconciliation keep
// working so in-flight orders can settle.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}

// Stopped reports whether Stop was called.
func (e *Engine) Stopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

func (e *Engine) orderFromIntentLocked(intent types.TradeIntent) (*types.Order, error) {
	if intent.Action != types.ActionPlace {
		return nil, fmt.Errorf("%w: %s intent cannot be submitted", types.ErrInvalidOrder, intent.Action)
	}
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	trigger := intent.TriggerPrice
	if intent.Kind == types.KindTrailingStop && !trigger.IsPositive() {
		last, ok := e.lastPrice[intent.Symbol]
		if !ok {
			return nil, fmt.Errorf("%w: trailing stop on %s needs a trigger or a last price", types.ErrInvalidOrder, intent.Symbol)
		}
		if intent.Side == types.Sell {
			trigger = last.Sub(intent.TrailOffset)
		} else {
			trigger = last.Add(intent.TrailOffset)
		}
		if !trigger.IsPositive() {
			return nil, fmt.Errorf("%w: trail offset %s too wide for price %s", types.ErrInvalidOrder, intent.TrailOffset, last)
		}
	}

	now := e.now()
	o := &types.Order{
		ClientOrderID: e.ids.NewID(),
		IntentID:      intent.ClientIntentID,
		Symbol:        intent.Symbol,
		Kind:          intent.Kind,
		Side:          intent.Side,
		RequestedQty:  intent.Quantity,
		Price:         intent.Price,
		TriggerPrice:  trigger,
		TrailOffset:   intent.TrailOffset,
		VisibleQty:    intent.IcebergVisibleQty,
		Status:        types.OrderStatusPending,
		ReduceOnly:    intent.ReduceOnly,
		CreatedAt:     now,
		LastUpdateAt:  now,
	}
	if ttl := e.ttl(intent); ttl > 0 {
		o.ExpiresAt = now.Add(ttl)
	}
	return o, nil
}

func validateIntent(in types.TradeIntent) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", types.ErrInvalidOrder, fmt.Sprintf(format, args...))
	}
	switch {
	case in.Symbol == "":
		return bad("symbol required")
	case in.Side != types.Buy && in.Side != types.Sell:
		return bad("side %d", in.Side)
	case !in.Quantity.IsPositive():
		return bad("qty %s must be positive", in.Quantity)
	}

	switch in.Kind {
	case types.KindMarket:
	case types.KindLimit:
		if !in.Price.IsPositive() {
			return bad("limit needs a positive price")
		}
	case types.KindStopLoss, types.KindTakeProfit:
		if !in.TriggerPrice.IsPositive() {
			return bad("%s needs a positive trigger", in.Kind)
		}
	case types.KindTrailingStop:
		if !in.TrailOffset.IsPositive() {
			return bad("trailing stop needs a positive offset")
		}
	case types.KindIceberg:
		if !in.Price.IsPositive() {
			return bad("iceberg needs a positive price")
		}
		if !in.IcebergVisibleQty.IsPositive() || in.IcebergVisibleQty.GreaterThan(in.Quantity) {
			return bad("iceberg visible qty %s not in (0, %s]", in.IcebergVisibleQty, in.Quantity)
		}
	default:
		return bad("unknown kind %d", in.Kind)
	}
	return nil
}

func (e *Engine) ttl(in types.TradeIntent) time.Duration {
	if in.ExpireAfter > 0 {
		return in.ExpireAfter
	}
	switch {
	case in.Kind == types.KindLimit || in.Kind == types.KindIceberg:
		return e.cfg.Expiry.LimitTTL
	case in.Kind.IsTriggered():
		return e.cfg.Expiry.TriggerSession
	}
	return 0
}

// send submits an order that is already in the book and records the answer.
// Errors that leave the outcome unknown keep the order Pending so Reconcile
// can re-submit it under the same id.
func (e *Engine) send(ctx context.Context, id string) error {
	e.mu.RLock()
	o := e.orders[id]
	snapshot := *o
	e.mu.RUnlock()

	start := time.Now()
	cctx, cancel := e.callCtx(ctx)
	ack, err := e.adapter.SubmitOrder(cctx, snapshot)
	cancel()

	var rejected *types.OrderRejectedError
	e.mu.Lock()
	switch {
	case err == nil:
		if ack.ExchangeOrderID != "" {
			o.ExchangeOrderID = ack.ExchangeOrderID
		}
		if o.Status == types.OrderStatusPending {
			o.Status = types.OrderStatusSubmitted
		}
		o.Unconfirmed = false
	case errors.As(err, &rejected):
		o.Status = types.OrderStatusRejected
		o.RejectReason = rejected.Reason
	case errors.Is(err, types.ErrTransientComm):
		o.Status = types.OrderStatusRejected
		o.Unconfirmed = true
		o.RejectReason = err.Error()
	default:
		e.mu.Unlock()
		e.logger.Warn("submit outcome unknown, order left pending", "client_order_id", id, "err", err)
		return fmt.Errorf("submit %s: %w", id, err)
	}
	o.LastUpdateAt = e.now()
	updated := []types.Order{*o}
	var next string
	if o.IsChild() {
		if p, more := e.parentOnChildLocked(o, decimal.Zero, decimal.Zero); p != nil {
			updated = append(updated, *p)
			if more {
				next = p.ClientOrderID
			}
		}
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("order rejected",
			"client_order_id", id,
			"unconfirmed", updated[0].Unconfirmed,
			"err", err,
		)
	} else {
		e.logger.Debug("order acknowledged",
			"client_order_id", id,
			"exchange_order_id", ack.ExchangeOrderID,
			"latency", time.Since(start),
		)
	}
	for _, u := range updated {
		e.emitOrder(u)
	}
	if next != "" {
		if serr := e.submitChild(ctx, next); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return fmt.Errorf("submit %s: %w", id, err)
	}
	return nil
}

// submitChild places the next iceberg slice of parentID.
func (e *Engine) submitChild(ctx context.Context, parentID string) error {
	e.mu.Lock()
	p, ok := e.orders[parentID]
	if !ok || p.Status.IsFinal() || !p.RemainingQty().IsPositive() {
		e.mu.Unlock()
		return nil
	}
	p.ChildSeq++
	now := e.now()
	child := &types.Order{
		ClientOrderID: fmt.Sprintf("%s.%d", p.ClientOrderID, p.ChildSeq),
		ParentID:      p.ClientOrderID,
		IntentID:      p.IntentID,
		Symbol:        p.Symbol,
		Kind:          types.KindLimit,
		Side:          p.Side,
		RequestedQty:  decimal.Min(p.VisibleQty, p.RemainingQty()),
		Price:         p.Price,
		Status:        types.OrderStatusPending,
		ReduceOnly:    p.ReduceOnly,
		CreatedAt:     now,
		LastUpdateAt:  now,
	}
	e.orders[child.ClientOrderID] = child
	snapshot := *child
	e.mu.Unlock()

	e.logger.Debug("iceberg slice", "parent_id", parentID, "client_order_id", child.ClientOrderID, "qty", child.RequestedQty)
	e.emitOrder(snapshot)
	return e.send(ctx, child.ClientOrderID)
}

// cancel moves an order to terminal (Cancelled or Expired). Expiry after a
// partial fill ends as Cancelled.
func (e *Engine) cancel(ctx context.Context, id string, terminal types.OrderStatus) (types.Ack, error) {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return types.Ack{}, fmt.Errorf("%w: %s", types.ErrOrderNotFound, id)
	}
	if o.Status.IsFinal() && !o.Unconfirmed {
		ack := ackOf(*o)
		e.mu.Unlock()
		return ack, fmt.Errorf("%w: %s is %s", types.ErrOrderFinal, id, o.Status)
	}
	if terminal == types.OrderStatusExpired && o.FilledQty.IsPositive() {
		terminal = types.OrderStatusCancelled
	}

	switch {
	case o.Kind == types.KindIceberg:
		child := e.liveChildLocked(o)
		e.mu.Unlock()
		if child != "" {
			if _, err := e.cancel(ctx, child, terminal); err != nil && !errors.Is(err, types.ErrOrderFinal) {
				return types.Ack{}, err
			}
		}
		e.mu.Lock()

	case o.Status == types.OrderStatusPending:
		// Never acknowledged; nothing to tell the adapter.

	default:
		e.mu.Unlock()
		cctx, cancel := e.callCtx(ctx)
		ack, err := e.adapter.CancelOrder(cctx, id)
		cancel()
		switch {
		case err == nil:
		case o.Unconfirmed && errors.Is(err, types.ErrOrderNotFound):
			// The rejected submit never landed: the rejection stands.
			e.mu.Lock()
			o.Unconfirmed = false
			o.LastUpdateAt = e.now()
			snapshot := *o
			e.mu.Unlock()
			e.emitOrder(snapshot)
			return ackOf(snapshot), nil
		default:
			return ack, fmt.Errorf("cancel %s: %w", id, err)
		}
		e.mu.Lock()
	}

	var updated []types.Order
	if !o.Status.IsFinal() || o.Unconfirmed {
		o.Status = terminal
		o.Unconfirmed = false
		o.LastUpdateAt = e.now()
		updated = append(updated, *o)
		if o.IsChild() {
			if p, _ := e.parentOnChildLocked(o, decimal.Zero, decimal.Zero); p != nil {
				updated = append(updated, *p)
			}
		}
	}
	ack := ackOf(*o)
	e.mu.Unlock()

	e.logger.Info("order cancelled", "client_order_id", id, "status", ack.Status)
	for _, u := range updated {
		e.emitOrder(u)
	}
	return ack, nil
}

// applyEvent merges one fill event. CumulativeQty keys de-duplication: only
// the part above the order's filled quantity is new.
func (e *Engine) applyEvent(ctx context.Context, ev types.FillEvent) error {
	e.mu.Lock()
	o, ok := e.orders[ev.ClientOrderID]
	if !ok || o.Kind == types.KindIceberg {
		e.mu.Unlock()
		e.logger.Warn("fill for unknown order", "client_order_id", ev.ClientOrderID, "cumulative_qty", ev.CumulativeQty)
		return fmt.Errorf("%w: fill for %s", types.ErrOrderNotFound, ev.ClientOrderID)
	}
	if ev.CumulativeQty.IsNegative() || (ev.CumulativeQty.IsZero() && ev.FillQty.IsPositive()) {
		e.mu.Unlock()
		return fmt.Errorf("%w: fill for %s without cumulative qty", types.ErrInvalidData, ev.ClientOrderID)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	cum := ev.CumulativeQty
	if cum.GreaterThan(o.RequestedQty) {
		e.logger.Warn("overfill clamped", "client_order_id", o.ClientOrderID, "cumulative_qty", cum, "requested_qty", o.RequestedQty)
		cum = o.RequestedQty
	}

	var fill *types.Fill
	delta := cum.Sub(o.FilledQty)
	price := decimal.Zero
	changed := false

	if delta.IsPositive() {
		price = deltaPrice(*o, ev, cum, delta)
		o.AvgFillPrice = weightedAvg(o.AvgFillPrice, o.FilledQty, price, delta)
		o.FilledQty = cum
		if ev.ExchangeOrderID != "" {
			o.ExchangeOrderID = ev.ExchangeOrderID
		}
		switch {
		case o.FilledQty.Equal(o.RequestedQty):
			o.Status = types.OrderStatusFilled
		case !o.Status.IsFinal() || o.Unconfirmed:
			o.Status = types.OrderStatusPartiallyFilled
		}
		if o.Unconfirmed {
			e.logger.Info("unconfirmed order revived by fill", "client_order_id", o.ClientOrderID)
			o.Unconfirmed = false
		}
		fee := ev.Fee
		fill = &types.Fill{
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Qty:           delta,
			Price:         price,
			Fee:           fee,
			Timestamp:     ts,
			CumulativeQty: cum,
		}
		changed = true
	}

	if ev.IsFinal && (!o.Status.IsFinal() || o.Unconfirmed) && o.FilledQty.LessThan(o.RequestedQty) {
		st := ev.Status
		if !st.IsFinal() || st == types.OrderStatusFilled {
			st = types.OrderStatusCancelled
		}
		o.Status = st
		o.Unconfirmed = false
		changed = true
	}

	if !changed {
		e.mu.Unlock()
		e.logger.Debug("duplicate fill ignored", "client_order_id", ev.ClientOrderID, "cumulative_qty", ev.CumulativeQty)
		e.emitDuplicate(ev)
		return nil
	}

	o.LastUpdateAt = ts
	updated := []types.Order{*o}
	var next string
	if o.IsChild() {
		if p, more := e.parentOnChildLocked(o, delta, price); p != nil {
			updated = append(updated, *p)
			if more {
				next = p.ClientOrderID
			}
		}
	}
	e.mu.Unlock()

	if fill != nil {
		e.logger.Info("fill applied",
			"client_order_id", fill.ClientOrderID,
			"symbol", fill.Symbol,
			"side", fill.Side,
			"qty", fill.Qty,
			"price", fill.Price,
			"filled_qty", updated[0].FilledQty,
		)
		e.emitFill(*fill)
	}
	for _, u := range updated {
		e.emitOrder(u)
	}
	if next != "" {
		return e.submitChild(ctx, next)
	}
	return nil
}

// deltaPrice prices the newly filled quantity. When the event covers exactly
// the delta its own price is used; otherwise earlier events were skipped and
// the price is recovered from the cumulative average.
func deltaPrice(o types.Order, ev types.FillEvent, cum, delta decimal.Decimal) decimal.Decimal {
	if delta.Equal(ev.FillQty) && ev.FillPrice.IsPositive() {
		return ev.FillPrice
	}
	if ev.AvgPrice.IsPositive() {
		notional := cum.Mul(ev.AvgPrice).Sub(o.FilledQty.Mul(o.AvgFillPrice))
		if notional.IsPositive() {
			return notional.Div(delta)
		}
		return ev.AvgPrice
	}
	return ev.FillPrice
}

func weightedAvg(avg, qty, price, delta decimal.Decimal) decimal.Decimal {
	total := qty.Add(delta)
	if !total.IsPositive() {
		return decimal.Zero
	}
	if qty.IsZero() {
		return price
	}
	return avg.Mul(qty).Add(price.Mul(delta)).Div(total)
}

// parentOnChildLocked rolls a child's progress into its iceberg parent. more
// reports that the child filled completely and another slice is due.
func (e *Engine) parentOnChildLocked(child *types.Order, delta, price decimal.Decimal) (p *types.Order, more bool) {
	p, ok := e.orders[child.ParentID]
	if !ok {
		return nil, false
	}
	if delta.IsPositive() {
		p.AvgFillPrice = weightedAvg(p.AvgFillPrice, p.FilledQty, price, delta)
		p.FilledQty = p.FilledQty.Add(delta)
	}

	open := !p.Status.IsFinal() || p.Unconfirmed
	switch {
	case p.FilledQty.Equal(p.RequestedQty):
		p.Status = types.OrderStatusFilled
		p.Unconfirmed = false
	case !open:
	case child.Status == types.OrderStatusFilled:
		p.Status = types.OrderStatusPartiallyFilled
		p.Unconfirmed = false
		more = true
	case child.Status.IsFinal():
		st := child.Status
		if st == types.OrderStatusExpired && p.FilledQty.IsPositive() {
			st = types.OrderStatusCancelled
		}
		p.Status = st
		p.Unconfirmed = child.Unconfirmed
		p.RejectReason = child.RejectReason
	case child.Status == types.OrderStatusPartiallyFilled:
		p.Status = types.OrderStatusPartiallyFilled
		p.Unconfirmed = false
	case child.Status == types.OrderStatusSubmitted && p.Status == types.OrderStatusPending:
		p.Status = types.OrderStatusSubmitted
	}
	if child.ExchangeOrderID != "" {
		p.ExchangeOrderID = child.ExchangeOrderID
	}
	p.LastUpdateAt = child.LastUpdateAt
	return p, more
}

func (e *Engine) liveChildLocked(p *types.Order) string {
	if p.ChildSeq == 0 {
		return ""
	}
	id := fmt.Sprintf("%s.%d", p.ClientOrderID, p.ChildSeq)
	if c, ok := e.orders[id]; ok && (!c.Status.IsFinal() || c.Unconfirmed) {
		return id
	}
	return ""
}

func (e *Engine) reconcileOne(ctx context.Context, rep types.OrderReport) error {
	e.mu.RLock()
	o, ok := e.orders[rep.ClientOrderID]
	var local types.Order
	if ok {
		local = *o
	}
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	if !rep.Found {
		switch {
		case local.Status == types.OrderStatusPending:
			e.logger.Info("re-submitting pending order", "client_order_id", local.ClientOrderID)
			return e.send(ctx, local.ClientOrderID)
		case local.Unconfirmed:
			e.logger.Info("unconfirmed order never reached venue", "client_order_id", local.ClientOrderID)
			e.mu.Lock()
			o.Unconfirmed = false
			o.LastUpdateAt = e.now()
			snapshot := *o
			e.mu.Unlock()
			e.emitOrder(snapshot)
		default:
			e.logger.Warn("open order unknown to venue", "client_order_id", local.ClientOrderID, "status", local.Status)
		}
		return nil
	}

	if rep.FilledQty.LessThan(local.FilledQty) {
		conflict := &types.ReconciliationConflictError{
			ClientOrderID: local.ClientOrderID,
			LocalFilled:   local.FilledQty,
			RemoteFilled:  rep.FilledQty,
			Detail:        "remote fill count behind local",
		}
		e.mu.Lock()
		o.Flagged = true
		o.LastUpdateAt = e.now()
		snapshot := *o
		e.mu.Unlock()
		e.logger.Error("reconciliation conflict",
			"client_order_id", local.ClientOrderID,
			"local_filled", local.FilledQty,
			"remote_filled", rep.FilledQty,
		)
		e.emitOrder(snapshot)
		e.emitConflict(conflict)
		return conflict
	}

	if rep.FilledQty.GreaterThan(local.FilledQty) || rep.Status.IsFinal() {
		return e.applyEvent(ctx, types.FillEvent{
			ClientOrderID:   local.ClientOrderID,
			ExchangeOrderID: rep.ExchangeOrderID,
			Symbol:          local.Symbol,
			FillQty:         rep.FilledQty.Sub(local.FilledQty),
			CumulativeQty:   rep.FilledQty,
			AvgPrice:        rep.AvgFillPrice,
			Timestamp:       rep.UpdatedAt,
			IsFinal:         rep.Status.IsFinal(),
			Status:          rep.Status,
		})
	}

	// Same fill count, venue still working the order.
	e.mu.Lock()
	changed := false
	if local.Unconfirmed {
		o.Unconfirmed = false
		o.Status = types.OrderStatusSubmitted
		if rep.Status == types.OrderStatusPartiallyFilled && o.FilledQty.IsPositive() {
			o.Status = types.OrderStatusPartiallyFilled
		}
		changed = true
	} else if rep.Status.Rank() > o.Status.Rank() && rep.Status != types.OrderStatusPartiallyFilled {
		o.Status = rep.Status
		changed = true
	}
	if rep.ExchangeOrderID != "" && o.ExchangeOrderID != rep.ExchangeOrderID {
		o.ExchangeOrderID = rep.ExchangeOrderID
		changed = true
	}
	if !changed {
		e.mu.Unlock()
		return nil
	}
	o.LastUpdateAt = e.now()
	updated := []types.Order{*o}
	if o.IsChild() {
		if p, _ := e.parentOnChildLocked(o, decimal.Zero, decimal.Zero); p != nil {
			updated = append(updated, *p)
		}
	}
	e.mu.Unlock()
	e.logger.Info("order state merged from venue", "client_order_id", local.ClientOrderID, "status", updated[0].Status)
	for _, u := range updated {
		e.emitOrder(u)
	}
	return nil
}

// trail moves a trailing trigger toward the candle's favorable extreme. A
// sell stop protects a long and only rises; a buy stop only falls.
func trail(o *types.Order, c types.Candle) bool {
	if o.Side == types.Sell {
		candidate := c.High.Sub(o.TrailOffset)
		if candidate.GreaterThan(o.TriggerPrice) {
			o.TriggerPrice = candidate
			return true
		}
		return false
	}
	candidate := c.Low.Add(o.TrailOffset)
	if candidate.IsPositive() && candidate.LessThan(o.TriggerPrice) {
		o.TriggerPrice = candidate
		return true
	}
	return false
}

func (e *Engine) evictLocked(now time.Time) {
	for id, o := range e.orders {
		if !o.Status.IsFinal() || o.Unconfirmed {
			continue
		}
		if now.Sub(o.LastUpdateAt) < e.cfg.ReconcileWindow {
			continue
		}
		delete(e.orders, id)
		if o.IntentID != "" && e.intents[o.IntentID] == id {
			delete(e.intents, o.IntentID)
		}
	}
}

func (e *Engine) sortedLocked() []*types.Order {
	out := make([]*types.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return orderLess(out[i], out[j])
	})
	return out
}

func sortOrders(orders []types.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orderLess(&orders[i], &orders[j])
	})
}

func orderLess(a, b *types.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ClientOrderID < b.ClientOrderID
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.SubmitTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.SubmitTimeout)
}

func ackOf(o types.Order) types.Ack {
	return types.Ack{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          o.Status,
		Timestamp:       o.LastUpdateAt,
	}
}

func (e *Engine) emitOrder(o types.Order) {
	for _, l := range e.listeners {
		l.OrderUpdated(o)
	}
}

func (e *Engine) emitFill(f types.Fill) {
	for _, l := range e.listeners {
		l.FillApplied(f)
	}
}

func (e *Engine) emitDuplicate(ev types.FillEvent) {
	for _, l := range e.listeners {
		if al, ok := l.(AnomalyListener); ok {
			al.DuplicateFill(ev)
		}
	}
}

func (e *Engine) emitConflict(err *types.ReconciliationConflictError) {
	for _, l := range e.listeners {
		if al, ok := l.(AnomalyListener); ok {
			al.Conflict(err)
		}
	}
}
