// Package strategy implements trading strategies.
package strategy

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Strategy turns the candle history and current position into trade intents.
// Implementations must not retain or mutate their inputs; the same inputs
// must always produce the same intents.
type Strategy interface {
	// OnCandle is called once per closed candle. candles[len(candles)-1] is
	// the newest. Returns nil or an empty slice if there is nothing to do.
	OnCandle(ctx context.Context, candles []types.Candle, pos types.Position) ([]types.TradeIntent, error)

	// Name returns the strategy identifier.
	Name() string
}

// PanicError wraps a recovered strategy panic.
type PanicError struct {
	Strategy string
	Value    any
	Stack    string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("strategy %s panicked: %v", e.Strategy, e.Value)
}

// Invoke calls s.OnCandle, converting a panic into an error. On any error the
// returned intents are nil. Intents without a ClientIntentID get a stable one
// derived from the strategy name, the newest candle and the intent index.
func Invoke(ctx context.Context, s Strategy, candles []types.Candle, pos types.Position) (intents []types.TradeIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intents = nil
			err = &PanicError{Strategy: s.Name(), Value: r, Stack: string(debug.Stack())}
		}
	}()

	if len(candles) == 0 {
		return nil, nil
	}

	intents, err = s.OnCandle(ctx, candles, pos)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.Name(), err)
	}

	last := candles[len(candles)-1]
	for i := range intents {
		if intents[i].ClientIntentID == "" {
			intents[i].ClientIntentID = fmt.Sprintf("%s-%d-%d", s.Name(), last.OpenTime.UnixMilli(), i)
		}
		if intents[i].Symbol == "" {
			intents[i].Symbol = last.Symbol
		}
	}
	return intents, nil
}

// Params are numeric strategy parameters, as tuned by hyperopt.
type Params map[string]float64

// Int returns the named parameter rounded to int, or def.
func (p Params) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(v + 0.5)
	}
	return def
}

// Decimal returns the named parameter, or def.
func (p Params) Decimal(name string, def string) decimal.Decimal {
	if v, ok := p[name]; ok {
		return decimal.NewFromFloat(v)
	}
	return decimal.RequireFromString(def)
}

// Clone returns an independent copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String renders params in key order, e.g. "fast=5,slow=20".
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, p[k]))
	}
	return strings.Join(parts, ",")
}

// Factory builds a fresh strategy instance.
type Factory func(Params) (Strategy, error)

// Registry maps strategy names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("channel_breakout", func(p Params) (Strategy, error) { return NewBreakout(BreakoutConfigFromParams(p)), nil })
	r.Register("sma_cross", func(p Params) (Strategy, error) {
		s, err := NewSMACross(SMACrossConfigFromParams(p))
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	r.Register("meanrev", func(p Params) (Strategy, error) { return NewMeanReversion(MeanRevConfigFromParams(p)), nil })
	r.Register("grid", func(p Params) (Strategy, error) { return NewGrid(GridConfigFromParams(p)), nil })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New builds the named strategy.
func (r *Registry) New(name string, params Params) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownStrategy, name)
	}
	return f(params)
}

// Names lists registered strategies.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MultiStrategy combines multiple strategies.
type MultiStrategy struct {
	strategies []Strategy
	name       string
}

// NewMultiStrategy creates a strategy that runs multiple sub-strategies.
func NewMultiStrategy(name string, strategies ...Strategy) *MultiStrategy {
	return &MultiStrategy{
		strategies: strategies,
		name:       name,
	}
}

// OnCandle runs every sub-strategy; a failing one contributes nothing.
func (m *MultiStrategy) OnCandle(ctx context.Context, candles []types.Candle, pos types.Position) ([]types.TradeIntent, error) {
	var all []types.TradeIntent
	var errs []string

	for _, s := range m.strategies {
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		intents, err := Invoke(ctx, s, candles, pos)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		all = append(all, intents...)
	}

	if len(all) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("all sub-strategies failed: %s", strings.Join(errs, "; "))
	}
	return all, nil
}

// Name returns the multi-strategy name.
func (m *MultiStrategy) Name() string {
	return m.name
}
