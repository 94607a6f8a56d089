// Package alpaca adapts the Alpaca trading API to broker.Venue.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/broker"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Config holds Alpaca credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // paper: https://paper-api.alpaca.markets
}

// tradingAPI is the subset of *alpaca.Client the venue uses.
type tradingAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	ReplaceOrder(orderID string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	StreamTradeUpdates(ctx context.Context, handler func(alpaca.TradeUpdate), req alpaca.StreamTradeUpdatesRequest) error
}

// leg is one Alpaca order behind an engine order. Replacing an order
// creates a new leg; base carries the fills of the legs it replaced.
type leg struct {
	origin   string
	alpacaID string
	clientID string
	base     decimal.Decimal
}

// Venue implements broker.Venue against Alpaca.
type Venue struct {
	api    tradingAPI
	logger *slog.Logger

	mu      sync.Mutex
	current map[string]*leg // engine client id -> live leg
	alias   map[string]*leg // alpaca client id -> leg
}

var _ broker.Venue = (*Venue)(nil)

// New creates an Alpaca venue.
func New(cfg Config, logger *slog.Logger) *Venue {
	return newVenue(alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	}), logger)
}

func newVenue(api tradingAPI, logger *slog.Logger) *Venue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Venue{
		api:     api,
		logger:  logger,
		current: make(map[string]*leg),
		alias:   make(map[string]*leg),
	}
}

func (v *Venue) Name() string { return "alpaca" }

// PlaceOrder maps the request onto an Alpaca order. Trailing stops are sent
// as plain stops; the engine moves the trigger with AmendOrder.
func (v *Venue) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*types.OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, &types.OrderRejectedError{ClientOrderID: req.ClientOrderID, StatusCode: http.StatusBadRequest, Reason: err.Error()}
	}
	preq, err := placeRequest(req)
	if err != nil {
		return nil, err
	}
	o, err := v.api.PlaceOrder(preq)
	if err != nil {
		return nil, classify("place", req.ClientOrderID, err)
	}
	v.track(req.ClientOrderID, o, decimal.Zero)
	return v.report(req.ClientOrderID, o, decimal.Zero), nil
}

func placeRequest(req broker.OrderRequest) (alpaca.PlaceOrderRequest, error) {
	side, _ := types.ParseOrderSide(req.Side)
	kind, _ := types.ParseOrderKind(req.Kind)
	qty := req.Qty
	p := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
	}
	if side == types.Sell {
		p.Side = alpaca.Sell
	}
	switch kind {
	case types.KindMarket:
		p.Type = alpaca.Market
	case types.KindLimit:
		price := req.Price
		p.Type = alpaca.Limit
		p.LimitPrice = &price
	case types.KindStopLoss, types.KindTrailingStop:
		trigger := req.TriggerPrice
		p.Type = alpaca.Stop
		p.StopPrice = &trigger
	case types.KindTakeProfit:
		trigger := req.TriggerPrice
		p.Type = alpaca.Limit
		p.LimitPrice = &trigger
	default:
		return p, &types.OrderRejectedError{ClientOrderID: req.ClientOrderID, StatusCode: http.StatusUnprocessableEntity, Reason: broker.ErrUnsupported.Error()}
	}
	return p, nil
}

// CancelOrder cancels the live leg of an order.
func (v *Venue) CancelOrder(ctx context.Context, clientOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := v.resolve(clientOrderID)
	if err != nil {
		return err
	}
	if err := v.api.CancelOrder(l.alpacaID); err != nil {
		return classify("cancel", clientOrderID, err)
	}
	return nil
}

// AmendOrder replaces the order with a new trigger. Fills on the new leg
// keep reporting under the original client id.
func (v *Venue) AmendOrder(ctx context.Context, clientOrderID string, trigger decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := v.resolve(clientOrderID)
	if err != nil {
		return err
	}
	cur, err := v.api.GetOrderByClientOrderID(l.clientID)
	if err != nil {
		return classify("amend", clientOrderID, err)
	}
	if isTerminal(cur.Status) {
		return fmt.Errorf("%w: %s is %s", types.ErrOrderFinal, clientOrderID, cur.Status)
	}

	rreq := alpaca.ReplaceOrderRequest{}
	if cur.Type == alpaca.Limit {
		rreq.LimitPrice = &trigger
	} else {
		rreq.StopPrice = &trigger
	}
	o, err := v.api.ReplaceOrder(l.alpacaID, rreq)
	if err != nil {
		return classify("amend", clientOrderID, err)
	}
	v.track(clientOrderID, o, l.base.Add(cur.FilledQty))
	v.logger.Debug("alpaca order replaced",
		"client_order_id", clientOrderID,
		"alpaca_client_id", o.ClientOrderID,
		"trigger", trigger,
	)
	return nil
}

// QueryOrder reports the live leg's state under the original id.
func (v *Venue) QueryOrder(ctx context.Context, clientOrderID string) (*types.OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	l, ok := v.current[clientOrderID]
	v.mu.Unlock()

	lookup := clientOrderID
	base := decimal.Zero
	if ok {
		lookup = l.clientID
		base = l.base
	}
	o, err := v.api.GetOrderByClientOrderID(lookup)
	if err != nil {
		return nil, classify("query", clientOrderID, err)
	}
	if !ok {
		v.track(clientOrderID, o, decimal.Zero)
	}
	return v.report(clientOrderID, o, base), nil
}

// StreamExecutions forwards Alpaca trade updates as fill events.
func (v *Venue) StreamExecutions(ctx context.Context, onConnect func(), onEvent func(types.FillEvent)) error {
	onConnect()
	err := v.api.StreamTradeUpdates(ctx, func(u alpaca.TradeUpdate) {
		if ev, ok := v.event(u); ok {
			onEvent(ev)
		}
	}, alpaca.StreamTradeUpdatesRequest{})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: alpaca trade updates: %v", types.ErrConnectionLost, err)
	}
	return ctx.Err()
}

func (v *Venue) event(u alpaca.TradeUpdate) (types.FillEvent, bool) {
	v.mu.Lock()
	l, ok := v.alias[u.Order.ClientOrderID]
	v.mu.Unlock()
	origin := u.Order.ClientOrderID
	base := decimal.Zero
	if ok {
		origin = l.origin
		base = l.base
	}

	ev := types.FillEvent{
		ClientOrderID:   origin,
		ExchangeOrderID: u.Order.ID,
		Symbol:          u.Order.Symbol,
		CumulativeQty:   base.Add(u.Order.FilledQty),
		Timestamp:       u.At,
	}
	// The Alpaca average covers this leg only.
	if base.IsZero() && u.Order.FilledAvgPrice != nil {
		ev.AvgPrice = *u.Order.FilledAvgPrice
	}

	switch u.Event {
	case "fill", "partial_fill":
		if u.Qty != nil {
			ev.FillQty = *u.Qty
		}
		if u.Price != nil {
			ev.FillPrice = *u.Price
		}
		ev.IsFinal = u.Event == "fill"
		ev.Status = types.OrderStatusPartiallyFilled
		if ev.IsFinal {
			ev.Status = types.OrderStatusFilled
		}
	case "canceled", "done_for_day":
		ev.IsFinal, ev.Status = true, types.OrderStatusCancelled
	case "expired":
		ev.IsFinal, ev.Status = true, types.OrderStatusExpired
	case "rejected":
		ev.IsFinal, ev.Status = true, types.OrderStatusRejected
	default:
		// new, accepted, replaced and pending_* carry no execution.
		return ev, false
	}
	return ev, true
}

func (v *Venue) track(origin string, o *alpaca.Order, base decimal.Decimal) {
	l := &leg{origin: origin, alpacaID: o.ID, clientID: o.ClientOrderID, base: base}
	v.mu.Lock()
	v.current[origin] = l
	v.alias[o.ClientOrderID] = l
	v.mu.Unlock()
}

func (v *Venue) resolve(clientOrderID string) (*leg, error) {
	v.mu.Lock()
	l, ok := v.current[clientOrderID]
	v.mu.Unlock()
	if ok {
		return l, nil
	}
	o, err := v.api.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, classify("lookup", clientOrderID, err)
	}
	v.track(clientOrderID, o, decimal.Zero)
	return v.resolve(clientOrderID)
}

func (v *Venue) report(origin string, o *alpaca.Order, base decimal.Decimal) *types.OrderReport {
	rep := &types.OrderReport{
		ClientOrderID:   origin,
		ExchangeOrderID: o.ID,
		Status:          statusOf(o.Status),
		FilledQty:       base.Add(o.FilledQty),
		UpdatedAt:       o.UpdatedAt,
		Found:           true,
	}
	if base.IsZero() && o.FilledAvgPrice != nil {
		rep.AvgFillPrice = *o.FilledAvgPrice
	}
	return rep
}

func statusOf(s string) types.OrderStatus {
	switch s {
	case "partially_filled":
		return types.OrderStatusPartiallyFilled
	case "filled":
		return types.OrderStatusFilled
	case "canceled", "done_for_day", "replaced":
		return types.OrderStatusCancelled
	case "expired":
		return types.OrderStatusExpired
	case "rejected", "suspended":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusSubmitted
	}
}

func isTerminal(s string) bool {
	return statusOf(s).IsFinal()
}

// classify maps SDK errors onto the venue taxonomy. Alpaca answers a reused
// client_order_id with 422.
func classify(op, id string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnprocessableEntity && strings.Contains(apiErr.Message, "client_order_id") {
			return fmt.Errorf("%w: %s", broker.ErrDuplicateOrder, id)
		}
		return broker.Classify(op, id, apiErr.StatusCode, errors.New(apiErr.Message))
	}
	return broker.Classify(op, id, 0, err)
}
