// Package persistence journals orders, fills, positions and results so a
// live run can be restored after a restart.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Repository defines the interface for state persistence.
type Repository interface {
	// Order operations
	SaveOrder(ctx context.Context, order types.Order) error
	GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error)
	GetOpenOrders(ctx context.Context) ([]types.Order, error)

	// Fill operations. A fill already stored for the same order and
	// cumulative quantity is ignored.
	SaveFill(ctx context.Context, fill types.Fill) (bool, error)
	GetFills(ctx context.Context, clientOrderID string) ([]types.Fill, error)

	// Position operations
	SavePosition(ctx context.Context, position types.Position) error
	GetPositions(ctx context.Context) ([]types.Position, error)

	// Trade operations
	SaveTrade(ctx context.Context, trade types.Trade) error
	GetTrades(ctx context.Context, from, to time.Time) ([]types.Trade, error)
	GetTradesBySymbol(ctx context.Context, symbol string, limit int) ([]types.Trade, error)

	// Equity operations
	SaveEquitySnapshot(ctx context.Context, snapshot types.EquitySnapshot) error
	GetLatestEquitySnapshot(ctx context.Context) (*types.EquitySnapshot, error)
	GetEquityHistory(ctx context.Context, from, to time.Time) ([]types.EquitySnapshot, error)

	// Hyperopt operations
	SaveHyperoptResult(ctx context.Context, result HyperoptResult) error
	GetHyperoptResults(ctx context.Context, runID string) ([]HyperoptResult, error)

	// State operations
	SaveState(ctx context.Context, state RunState) error
	GetState(ctx context.Context) (*RunState, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// HyperoptResult is one ranked parameter set of a search.
type HyperoptResult struct {
	ID           int64
	RunID        string
	Rank         int
	Strategy     string
	Params       map[string]float64
	Objective    string
	Score        decimal.Decimal
	TotalReturn  decimal.Decimal
	MaxDrawdown  decimal.Decimal
	WinRate      decimal.Decimal
	ProfitFactor decimal.Decimal
	Sharpe       decimal.Decimal
	Trades       int
	CreatedAt    time.Time
}

// RunState is the account state needed to resume a live run.
type RunState struct {
	LastUpdated      time.Time
	Balance          decimal.Decimal
	Equity           decimal.Decimal
	HighWaterMark    decimal.Decimal
	KillSwitchActive bool
	KillReason       string
	LastCandle       time.Time
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
}
