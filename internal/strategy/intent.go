package strategy

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
	"github.com/tathienbao/quant-runner/pkg/indicator"
)

// Market builds a market order intent.
func Market(symbol string, side types.OrderSide, qty decimal.Decimal) types.TradeIntent {
	return types.TradeIntent{Symbol: symbol, Side: side, Kind: types.KindMarket, Quantity: qty}
}

// Limit builds a resting limit order intent.
func Limit(symbol string, side types.OrderSide, qty, price decimal.Decimal) types.TradeIntent {
	return types.TradeIntent{Symbol: symbol, Side: side, Kind: types.KindLimit, Quantity: qty, Price: price}
}

// StopLoss builds a protective stop. Side is the closing side.
func StopLoss(symbol string, side types.OrderSide, qty, trigger decimal.Decimal) types.TradeIntent {
	return types.TradeIntent{Symbol: symbol, Side: side, Kind: types.KindStopLoss, Quantity: qty, TriggerPrice: trigger, ReduceOnly: true}
}

// TakeProfit builds a profit target. Side is the closing side.
func TakeProfit(symbol string, side types.OrderSide, qty, trigger decimal.Decimal) types.TradeIntent {
	return types.TradeIntent{Symbol: symbol, Side: side, Kind: types.KindTakeProfit, Quantity: qty, TriggerPrice: trigger, ReduceOnly: true}
}

// TrailingStop builds a trailing stop. A zero trigger lets the engine seed it
// from the last price.
func TrailingStop(symbol string, side types.OrderSide, qty, offset, trigger decimal.Decimal) types.TradeIntent {
	return types.TradeIntent{Symbol: symbol, Side: side, Kind: types.KindTrailingStop, Quantity: qty, TrailOffset: offset, TriggerPrice: trigger, ReduceOnly: true}
}

// Iceberg builds a limit order released in visible slices.
func Iceberg(symbol string, side types.OrderSide, qty, price, visible decimal.Decimal) types.TradeIntent {
	return types.TradeIntent{Symbol: symbol, Side: side, Kind: types.KindIceberg, Quantity: qty, Price: price, IcebergVisibleQty: visible}
}

// CancelIntent cancels the orders created from another intent.
func CancelIntent(target string) types.TradeIntent {
	return types.TradeIntent{Action: types.ActionCancel, TargetIntentID: target}
}

// CancelAll cancels every open order for symbol.
func CancelAll(symbol string) types.TradeIntent {
	return types.TradeIntent{Symbol: symbol, Action: types.ActionCancelAll}
}

// ClosePosition flattens pos with a reduce-only market order.
func ClosePosition(pos types.Position) (types.TradeIntent, bool) {
	if pos.IsFlat() {
		return types.TradeIntent{}, false
	}
	side := types.Sell
	if pos.NetQty.IsNegative() {
		side = types.Buy
	}
	in := Market(pos.Symbol, side, pos.NetQty.Abs())
	in.ReduceOnly = true
	in.Tag = "close"
	return in, true
}

// ExitConfig attaches protective orders to entries.
type ExitConfig struct {
	StopPct     decimal.Decimal // stop distance as ratio of entry
	TakePct     decimal.Decimal // target distance as ratio of entry
	TrailOffset decimal.Decimal // absolute trailing distance

	// StopATR sets the stop StopATR average true ranges from entry,
	// replacing StopPct once resolved by ForCandles.
	StopATR   decimal.Decimal
	ATRPeriod int

	stopDistance decimal.Decimal
}

// ExitConfigFromParams reads stop_pct, tp_pct, trail_offset, stop_atr and
// atr_period.
func ExitConfigFromParams(p Params) ExitConfig {
	return ExitConfig{
		StopPct:     p.Decimal("stop_pct", "0"),
		TakePct:     p.Decimal("tp_pct", "0"),
		TrailOffset: p.Decimal("trail_offset", "0"),
		StopATR:     p.Decimal("stop_atr", "0"),
		ATRPeriod:   p.Int("atr_period", 14),
	}
}

// ForCandles resolves an ATR stop against the window. Without StopATR, or
// with too few bars for the ATR, the config is returned unchanged.
func (e ExitConfig) ForCandles(candles []types.Candle) ExitConfig {
	if !e.StopATR.IsPositive() {
		return e
	}
	highs := make([]decimal.Decimal, len(candles))
	lows := make([]decimal.Decimal, len(candles))
	closes := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	atr, ok := indicator.ATROf(highs, lows, closes, e.ATRPeriod)
	if !ok || !atr.IsPositive() {
		return e
	}
	e.stopDistance = atr.Mul(e.StopATR)
	return e
}

// Exits returns the protective intents for a fresh entry of qty at ref.
func (e ExitConfig) Exits(symbol string, entry types.OrderSide, qty, ref decimal.Decimal) []types.TradeIntent {
	var out []types.TradeIntent
	one := decimal.NewFromInt(1)
	closing := entry.Opposite()

	switch {
	case e.stopDistance.IsPositive():
		trigger := ref.Sub(e.stopDistance)
		if entry == types.Sell {
			trigger = ref.Add(e.stopDistance)
		}
		in := StopLoss(symbol, closing, qty, trigger)
		in.Tag = "sl"
		out = append(out, in)
	case e.StopPct.IsPositive():
		trigger := ref.Mul(one.Sub(e.StopPct))
		if entry == types.Sell {
			trigger = ref.Mul(one.Add(e.StopPct))
		}
		in := StopLoss(symbol, closing, qty, trigger)
		in.Tag = "sl"
		out = append(out, in)
	}
	if e.TakePct.IsPositive() {
		trigger := ref.Mul(one.Add(e.TakePct))
		if entry == types.Sell {
			trigger = ref.Mul(one.Sub(e.TakePct))
		}
		in := TakeProfit(symbol, closing, qty, trigger)
		in.Tag = "tp"
		out = append(out, in)
	}
	if e.TrailOffset.IsPositive() {
		trigger := ref.Sub(e.TrailOffset)
		if entry == types.Sell {
			trigger = ref.Add(e.TrailOffset)
		}
		in := TrailingStop(symbol, closing, qty, e.TrailOffset, trigger)
		in.Tag = "trail"
		out = append(out, in)
	}
	return out
}

// Reverse returns the intents that move pos to a fresh qty position on side:
// cancel resting orders, one market order covering the flip, then exits.
// A zero qty is left for the run loop to size, flip included.
func Reverse(pos types.Position, symbol string, side types.OrderSide, qty, ref decimal.Decimal, exits ExitConfig) []types.TradeIntent {
	size := qty
	if qty.IsPositive() && ((side == types.Buy && pos.NetQty.IsNegative()) || (side == types.Sell && pos.NetQty.IsPositive())) {
		size = size.Add(pos.NetQty.Abs())
	}

	out := []types.TradeIntent{CancelAll(symbol)}
	entry := Market(symbol, side, size)
	entry.Tag = "entry"
	out = append(out, entry)
	return append(out, exits.Exits(symbol, side, qty, ref)...)
}
