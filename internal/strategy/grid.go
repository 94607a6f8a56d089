package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// GridConfig holds configuration for the grid/rebound strategy.
type GridConfig struct {
	Levels       int             // Number of resting levels below (or above) price
	SpacingPct   decimal.Decimal // Distance between levels as ratio of price (0.002 = 0.2%)
	ReboundPct   decimal.Decimal // Take profit distance above average entry
	RebalanceBar int             // Re-anchor the ladder every N bars
	Qty          decimal.Decimal // Per-level quantity
	VisibleQty   decimal.Decimal // Per-level visible slice; zero or >= Qty means plain limit
	Short        bool            // Sell rallies instead of buying dips
}

// DefaultGridConfig returns sensible defaults for intraday timeframes.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		Levels:       3,
		SpacingPct:   decimal.RequireFromString("0.002"),
		ReboundPct:   decimal.RequireFromString("0.003"),
		RebalanceBar: 10,
		Qty:          decimal.NewFromInt(1),
	}
}

// GridConfigFromParams reads levels, spacing_pct, rebound_pct, rebalance, qty, visible and short.
func GridConfigFromParams(p Params) GridConfig {
	cfg := DefaultGridConfig()
	cfg.Levels = p.Int("levels", cfg.Levels)
	cfg.SpacingPct = p.Decimal("spacing_pct", "0.002")
	cfg.ReboundPct = p.Decimal("rebound_pct", "0.003")
	cfg.RebalanceBar = p.Int("rebalance", cfg.RebalanceBar)
	cfg.Qty = p.Decimal("qty", "1")
	cfg.VisibleQty = p.Decimal("visible", "0")
	cfg.Short = p.Int("short", 0) == 1
	return cfg
}

// Grid rests a ladder of limit orders away from price and takes profit on a
// small rebound from the average entry. The ladder is rebuilt every
// RebalanceBar candles, cancelling whatever still rests.
type Grid struct {
	cfg GridConfig
}

// NewGrid creates a new grid strategy.
func NewGrid(cfg GridConfig) *Grid {
	if cfg.Levels < 1 {
		cfg.Levels = 1
	}
	if cfg.RebalanceBar < 1 {
		cfg.RebalanceBar = 1
	}
	return &Grid{cfg: cfg}
}

// OnCandle rebuilds the ladder on rebalance bars.
func (g *Grid) OnCandle(_ context.Context, candles []types.Candle, pos types.Position) ([]types.TradeIntent, error) {
	if len(candles)%g.cfg.RebalanceBar != 0 {
		return nil, nil
	}

	last := candles[len(candles)-1]
	entry, exit := types.Buy, types.Sell
	if g.cfg.Short {
		entry, exit = types.Sell, types.Buy
	}

	out := []types.TradeIntent{CancelAll(last.Symbol)}
	one := decimal.NewFromInt(1)

	for i := 1; i <= g.cfg.Levels; i++ {
		offset := g.cfg.SpacingPct.Mul(decimal.NewFromInt(int64(i)))
		price := last.Close.Mul(one.Sub(offset))
		if g.cfg.Short {
			price = last.Close.Mul(one.Add(offset))
		}

		var in types.TradeIntent
		if g.cfg.VisibleQty.IsPositive() && g.cfg.VisibleQty.LessThan(g.cfg.Qty) {
			in = Iceberg(last.Symbol, entry, g.cfg.Qty, price, g.cfg.VisibleQty)
		} else {
			in = Limit(last.Symbol, entry, g.cfg.Qty, price)
		}
		in.Tag = fmt.Sprintf("L%d", i)
		out = append(out, in)
	}

	held := (entry == types.Buy && pos.NetQty.IsPositive()) || (entry == types.Sell && pos.NetQty.IsNegative())
	if held {
		target := pos.AvgEntryPrice.Mul(one.Add(g.cfg.ReboundPct))
		if g.cfg.Short {
			target = pos.AvgEntryPrice.Mul(one.Sub(g.cfg.ReboundPct))
		}
		tp := Limit(last.Symbol, exit, pos.NetQty.Abs(), target)
		tp.ReduceOnly = true
		tp.Tag = "tp"
		out = append(out, tp)
	}

	return out, nil
}

// Name returns the strategy name.
func (g *Grid) Name() string {
	return "grid"
}
