package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
	"github.com/tathienbao/quant-runner/pkg/indicator"
)

// MeanRevConfig holds configuration for the mean reversion strategy.
type MeanRevConfig struct {
	Period      int             // Window for mean and StdDev
	EntryStdDev decimal.Decimal // Number of StdDevs from mean to enter (e.g., 2.0)
	MinStdDev   decimal.Decimal // Minimum StdDev to trade at all
	Qty         decimal.Decimal
	Exits       ExitConfig
}

// DefaultMeanRevConfig returns sensible defaults.
func DefaultMeanRevConfig() MeanRevConfig {
	return MeanRevConfig{
		Period:      20,
		EntryStdDev: decimal.RequireFromString("2.0"),
		MinStdDev:   decimal.Zero,
		Qty:         decimal.NewFromInt(1),
	}
}

// MeanRevConfigFromParams reads period, entry_std, min_std and qty plus exit params.
func MeanRevConfigFromParams(p Params) MeanRevConfig {
	cfg := DefaultMeanRevConfig()
	cfg.Period = p.Int("period", cfg.Period)
	cfg.EntryStdDev = p.Decimal("entry_std", "2.0")
	cfg.MinStdDev = p.Decimal("min_std", "0")
	cfg.Qty = p.Decimal("qty", "1")
	cfg.Exits = ExitConfigFromParams(p)
	return cfg
}

// MeanReversion fades moves outside a StdDev band around the mean.
// Enters LONG below mean - k*StdDev, SHORT above mean + k*StdDev, and
// flattens once close crosses back over the mean.
type MeanReversion struct {
	cfg MeanRevConfig
}

// NewMeanReversion creates a new mean reversion strategy.
func NewMeanReversion(cfg MeanRevConfig) *MeanReversion {
	if cfg.Period < 2 {
		cfg.Period = 2
	}
	return &MeanReversion{cfg: cfg}
}

// OnCandle compares the newest close with bands built from the prior window.
func (m *MeanReversion) OnCandle(_ context.Context, candles []types.Candle, pos types.Position) ([]types.TradeIntent, error) {
	if len(candles) < m.cfg.Period+1 {
		return nil, nil
	}

	upper, mean, lower, ok := m.Bands(candles[:len(candles)-1])
	if !ok {
		return nil, nil
	}
	last := candles[len(candles)-1]

	switch pos.Side() {
	case types.SideLong:
		if last.Close.GreaterThanOrEqual(mean) {
			return closeAll(pos), nil
		}
	case types.SideShort:
		if last.Close.LessThanOrEqual(mean) {
			return closeAll(pos), nil
		}
	default:
		if last.Close.LessThan(lower) {
			return Reverse(pos, last.Symbol, types.Buy, m.cfg.Qty, last.Close, m.cfg.Exits.ForCandles(candles)), nil
		}
		if last.Close.GreaterThan(upper) {
			return Reverse(pos, last.Symbol, types.Sell, m.cfg.Qty, last.Close, m.cfg.Exits.ForCandles(candles)), nil
		}
	}
	return nil, nil
}

// Bands returns the upper band, mean and lower band over the last Period closes.
func (m *MeanReversion) Bands(candles []types.Candle) (upper, mean, lower decimal.Decimal, ok bool) {
	closes := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	sd, mean, ok := indicator.StdDevOf(closes, m.cfg.Period)
	if !ok || sd.LessThan(m.cfg.MinStdDev) || sd.IsZero() {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	dev := sd.Mul(m.cfg.EntryStdDev)
	return mean.Add(dev), mean, mean.Sub(dev), true
}

// Name returns the strategy name.
func (m *MeanReversion) Name() string {
	return "meanrev"
}

func closeAll(pos types.Position) []types.TradeIntent {
	out := []types.TradeIntent{CancelAll(pos.Symbol)}
	if in, ok := ClosePosition(pos); ok {
		out = append(out, in)
	}
	return out
}
