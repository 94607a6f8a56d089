package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
	"github.com/tathienbao/quant-runner/pkg/indicator"
)

// BreakoutConfig holds configuration for the channel breakout strategy.
type BreakoutConfig struct {
	LookbackBars   int             // Number of bars to look back for high/low
	BreakoutBuffer decimal.Decimal // Buffer above/below range (as ratio of range width)
	Qty            decimal.Decimal // Zero means sized by the run loop
	Exits          ExitConfig
}

// DefaultBreakoutConfig returns sensible defaults.
func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{
		LookbackBars:   20,
		BreakoutBuffer: decimal.Zero,
		Qty:            decimal.NewFromInt(1),
	}
}

// BreakoutConfigFromParams reads lookback, buffer and qty plus exit params.
func BreakoutConfigFromParams(p Params) BreakoutConfig {
	cfg := DefaultBreakoutConfig()
	cfg.LookbackBars = p.Int("lookback", cfg.LookbackBars)
	cfg.BreakoutBuffer = p.Decimal("buffer", "0")
	cfg.Qty = p.Decimal("qty", "1")
	cfg.Exits = ExitConfigFromParams(p)
	return cfg
}

// Breakout is a stop-and-reverse channel breakout.
// Goes LONG when close breaks above the highest high of the previous N bars.
// Goes SHORT when close breaks below the lowest low of the previous N bars.
type Breakout struct {
	cfg BreakoutConfig
}

// NewBreakout creates a new breakout strategy.
func NewBreakout(cfg BreakoutConfig) *Breakout {
	if cfg.LookbackBars < 1 {
		cfg.LookbackBars = 1
	}
	return &Breakout{cfg: cfg}
}

// OnCandle evaluates the newest candle against the prior channel.
func (b *Breakout) OnCandle(_ context.Context, candles []types.Candle, pos types.Position) ([]types.TradeIntent, error) {
	n := b.cfg.LookbackBars
	if len(candles) < n+1 {
		return nil, nil
	}

	prior := candles[len(candles)-1-n : len(candles)-1]
	highs := make([]decimal.Decimal, len(prior))
	lows := make([]decimal.Decimal, len(prior))
	for i, c := range prior {
		highs[i] = c.High
		lows[i] = c.Low
	}
	rangeHigh, _ := indicator.Highest(highs, n)
	rangeLow, _ := indicator.Lowest(lows, n)

	buffer := rangeHigh.Sub(rangeLow).Mul(b.cfg.BreakoutBuffer)
	breakoutHigh := rangeHigh.Add(buffer)
	breakoutLow := rangeLow.Sub(buffer)

	last := candles[len(candles)-1]
	switch {
	case last.Close.GreaterThan(breakoutHigh) && pos.Side() != types.SideLong:
		return Reverse(pos, last.Symbol, types.Buy, b.cfg.Qty, last.Close, b.cfg.Exits.ForCandles(candles)), nil
	case last.Close.LessThan(breakoutLow) && pos.Side() != types.SideShort:
		return Reverse(pos, last.Symbol, types.Sell, b.cfg.Qty, last.Close, b.cfg.Exits.ForCandles(candles)), nil
	}
	return nil, nil
}

// Name returns the strategy name.
func (b *Breakout) Name() string {
	return "channel_breakout"
}
