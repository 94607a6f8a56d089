package risk

import (
	"github.com/shopspring/decimal"
)

// LotSizer computes the default order size when a strategy leaves it open.
//
// Formula:
//
//	notional = balance * leverage * pct
//	lot      = floor(notional / price / step) * step
type LotSizer struct {
	Leverage decimal.Decimal // account leverage, 1 for cash
	Pct      decimal.Decimal // share of buying power per entry, e.g. 0.95
	Step     decimal.Decimal // lot increment, e.g. 0.001; zero means no rounding
	MinQty   decimal.Decimal // lots below this are zero
}

// DefaultLotSizer spends 95% of cash at 1x in 0.001 steps.
func DefaultLotSizer() LotSizer {
	return LotSizer{
		Leverage: decimal.NewFromInt(1),
		Pct:      decimal.RequireFromString("0.95"),
		Step:     decimal.RequireFromString("0.001"),
	}
}

// Lot returns the quantity to trade at price. Returns zero for
// non-positive inputs or when the result is below MinQty.
func (s LotSizer) Lot(balance, price decimal.Decimal) decimal.Decimal {
	if !balance.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	lev := s.Leverage
	if !lev.IsPositive() {
		lev = decimal.NewFromInt(1)
	}
	if !s.Pct.IsPositive() {
		return decimal.Zero
	}

	qty := balance.Mul(lev).Mul(s.Pct).Div(price)
	if s.Step.IsPositive() {
		qty = qty.Div(s.Step).Floor().Mul(s.Step)
	}

	if qty.IsNegative() || qty.LessThan(s.MinQty) {
		return decimal.Zero
	}
	return qty
}

// Clamp caps qty at max. A zero max means no cap.
func (s LotSizer) Clamp(qty, max decimal.Decimal) decimal.Decimal {
	if max.IsPositive() && qty.GreaterThan(max) {
		return max
	}
	return qty
}
