package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
	"github.com/tathienbao/quant-runner/pkg/indicator"
)

// SMACrossConfig holds the two moving-average periods.
type SMACrossConfig struct {
	Fast  int
	Slow  int
	Qty   decimal.Decimal
	Exits ExitConfig
}

// SMACrossConfigFromParams reads fast, slow and qty plus exit params.
func SMACrossConfigFromParams(p Params) SMACrossConfig {
	return SMACrossConfig{
		Fast:  p.Int("fast", 9),
		Slow:  p.Int("slow", 21),
		Qty:   p.Decimal("qty", "1"),
		Exits: ExitConfigFromParams(p),
	}
}

// SMACross is a stop-and-reverse moving-average crossover.
type SMACross struct {
	cfg SMACrossConfig
}

// NewSMACross validates periods.
func NewSMACross(cfg SMACrossConfig) (*SMACross, error) {
	if cfg.Fast < 1 || cfg.Slow <= cfg.Fast {
		return nil, fmt.Errorf("%w: sma_cross needs 0 < fast < slow, got %d/%d", types.ErrInvalidConfig, cfg.Fast, cfg.Slow)
	}
	return &SMACross{cfg: cfg}, nil
}

// OnCandle fires when the fast average crosses the slow one on this candle.
func (s *SMACross) OnCandle(_ context.Context, candles []types.Candle, pos types.Position) ([]types.TradeIntent, error) {
	if len(candles) < s.cfg.Slow+1 {
		return nil, nil
	}

	closes := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	prevFast, _ := indicator.SMAOf(closes[:len(closes)-1], s.cfg.Fast)
	prevSlow, _ := indicator.SMAOf(closes[:len(closes)-1], s.cfg.Slow)
	fast, _ := indicator.SMAOf(closes, s.cfg.Fast)
	slow, _ := indicator.SMAOf(closes, s.cfg.Slow)

	last := candles[len(candles)-1]
	switch {
	case prevFast.LessThanOrEqual(prevSlow) && fast.GreaterThan(slow) && pos.Side() != types.SideLong:
		return Reverse(pos, last.Symbol, types.Buy, s.cfg.Qty, last.Close, s.cfg.Exits.ForCandles(candles)), nil
	case prevFast.GreaterThanOrEqual(prevSlow) && fast.LessThan(slow) && pos.Side() != types.SideShort:
		return Reverse(pos, last.Symbol, types.Sell, s.cfg.Qty, last.Close, s.cfg.Exits.ForCandles(candles)), nil
	}
	return nil, nil
}

// Name returns the strategy name.
func (s *SMACross) Name() string {
	return "sma_cross"
}
