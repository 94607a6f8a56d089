package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/quant-runner/internal/types"
)

func place(side types.OrderSide, qty string) types.TradeIntent {
	return types.TradeIntent{Symbol: "BTCUSD", Side: side, Kind: types.KindMarket, Quantity: d(qty)}
}

func TestGuard_MaxPositionQty(t *testing.T) {
	tr := NewTracker(d("100000"), nil)
	g := NewGuard(Config{MaxPositionQty: d("2")}, tr, nil)

	require.NoError(t, g.Check(place(types.Buy, "2"), d("100")))
	tr.Apply(fill(types.Buy, "2", "100"))

	err := g.Check(place(types.Buy, "0.1"), d("100"))
	assert.ErrorIs(t, err, types.ErrExposureLimitExceeded)

	// A flip to short 2 stays within the limit.
	assert.NoError(t, g.Check(place(types.Sell, "4"), d("100")))
	assert.ErrorIs(t, g.Check(place(types.Sell, "4.5"), d("100")), types.ErrExposureLimitExceeded)
}

func TestGuard_MaxLeverage(t *testing.T) {
	tr := NewTracker(d("1000"), nil)
	g := NewGuard(Config{MaxLeverage: d("2")}, tr, nil)

	assert.NoError(t, g.Check(place(types.Buy, "20"), d("100")))
	err := g.Check(place(types.Buy, "21"), d("100"))
	assert.ErrorIs(t, err, types.ErrLeverageExceeded)

	tr.Apply(fill(types.Buy, "15", "100"))
	assert.ErrorIs(t, g.Check(place(types.Buy, "6"), d("100")), types.ErrLeverageExceeded)
	// Reducing always lowers leverage.
	assert.NoError(t, g.Check(place(types.Sell, "10"), d("100")))
}

func TestGuard_KillSwitchLatchesOnDrawdown(t *testing.T) {
	tr := NewTracker(d("1000"), nil)
	g := NewGuard(Config{MaxDrawdownPct: d("0.2")}, tr, nil)

	var reasons []string
	g.OnKill(func(r string) { reasons = append(reasons, r) })

	tr.Apply(fill(types.Buy, "10", "100"))
	tr.Mark("BTCUSD", d("79"))

	err := g.Check(place(types.Buy, "1"), d("79"))
	assert.True(t, errors.Is(err, types.ErrKillSwitchActive))
	assert.True(t, g.Active())
	require.Len(t, reasons, 1)

	exit := place(types.Sell, "10")
	exit.ReduceOnly = true
	assert.NoError(t, g.Check(exit, d("79")))
	assert.NoError(t, g.Check(types.TradeIntent{Action: types.ActionCancelAll, Symbol: "BTCUSD"}, decimal.Zero))

	// Recovery does not release the latch.
	tr.Mark("BTCUSD", d("100"))
	assert.ErrorIs(t, g.Check(place(types.Buy, "1"), d("100")), types.ErrKillSwitchActive)
	assert.Len(t, reasons, 1)

	g.Reset()
	assert.False(t, g.Active())
	assert.NoError(t, g.Check(place(types.Buy, "1"), d("100")))
}

func TestGuard_ManualTrip(t *testing.T) {
	g := NewGuard(DefaultConfig(), NewTracker(d("1000"), nil), nil)
	g.Trip("operator")
	assert.ErrorIs(t, g.Check(place(types.Buy, "1"), d("1")), types.ErrKillSwitchActive)
}

func TestGuard_ObserveTripsWithoutIntent(t *testing.T) {
	tr := NewTracker(d("1000"), nil)
	g := NewGuard(Config{MaxDrawdownPct: d("0.1")}, tr, nil)

	tr.Apply(fill(types.Buy, "10", "100"))
	tr.Mark("BTCUSD", d("95"))
	assert.False(t, g.Observe())
	assert.Empty(t, g.Reason())

	tr.Mark("BTCUSD", d("89"))
	assert.True(t, g.Observe())
	assert.Contains(t, g.Reason(), "drawdown")
}
