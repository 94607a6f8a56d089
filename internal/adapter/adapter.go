// Package adapter turns engine orders into venue or simulator actions and
// delivers the resulting fill events.
package adapter

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Adapter is the single contract the execution engine talks to. One
// implementation is chosen per run.
type Adapter interface {
	Name() string

	// SubmitOrder places order under its ClientOrderID. Re-submitting an id
	// the adapter already knows acknowledges the existing order.
	SubmitOrder(ctx context.Context, order types.Order) (types.Ack, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, clientOrderID string) (types.Ack, error)

	// AmendOrder pushes a new trigger price for a resting order.
	AmendOrder(ctx context.Context, order types.Order) error

	// QueryOrders returns the adapter's view of each id, Found=false for
	// ids it has never seen.
	QueryOrders(ctx context.Context, ids []string) ([]types.OrderReport, error)

	// SubscribeFills returns the fill event channel. Events may arrive out
	// of order or more than once. The channel closes when the adapter does.
	SubscribeFills(ctx context.Context) (<-chan types.FillEvent, error)

	// Reconnects fires after the fill stream resumes from a disconnect.
	// Nil for adapters that never disconnect.
	Reconnects() <-chan struct{}

	// OnCandle lets a simulated adapter resolve resting orders. Live
	// adapters ignore it.
	OnCandle(ctx context.Context, candle types.Candle) error

	Close() error
}

// Settler is implemented by adapters that can fill resting market orders
// immediately at a given price, as a backtest needs after its last candle.
type Settler interface {
	Settle(ctx context.Context, symbol string, price decimal.Decimal) error
}
