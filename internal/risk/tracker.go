package risk

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Stats summarises closed trades and the equity curve.
type Stats struct {
	TradeCount   int
	Wins         int
	Losses       int
	GrossProfit  decimal.Decimal
	GrossLoss    decimal.Decimal // positive number
	ProfitFactor decimal.Decimal // zero when there are no losses
	RealizedPnL  decimal.Decimal
	Fees         decimal.Decimal
	MaxDrawdown  decimal.Decimal
}

// WinRate returns wins / trades, or zero.
func (s Stats) WinRate() decimal.Decimal {
	if s.TradeCount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(s.TradeCount)))
}

// Tracker holds per-symbol positions and the account balance. Positions are
// changed only by Apply. Thread-safe for concurrent access.
type Tracker struct {
	mu sync.RWMutex

	startBalance decimal.Decimal
	balance      decimal.Decimal // start + realized - fees
	positions    map[string]*types.Position
	marks        map[string]decimal.Decimal
	hwm          *HighWaterMark
	trades       []types.Trade
	stats        Stats

	logger *slog.Logger
}

// NewTracker creates a tracker with a starting cash balance.
func NewTracker(startingBalance decimal.Decimal, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		startBalance: startingBalance,
		balance:      startingBalance,
		positions:    make(map[string]*types.Position),
		marks:        make(map[string]decimal.Decimal),
		hwm:          NewHighWaterMark(startingBalance),
		logger:       logger,
	}
}

// Apply books a fill and returns the PnL it realized, before fees.
//
// A fill against the position closes min(|net|, qty) at the average entry
// price; any remainder opens a fresh position at the fill price. A fill in the
// same direction re-weights the average entry.
func (t *Tracker) Apply(f types.Fill) decimal.Decimal {
	if !f.Qty.IsPositive() {
		return decimal.Zero
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.position(f.Symbol)
	net := pos.NetQty
	signed := f.SignedQty()
	realized := decimal.Zero

	switch {
	case net.IsZero():
		pos.NetQty = signed
		pos.AvgEntryPrice = f.Price
		pos.OpenedAt = f.Timestamp

	case net.Sign() == signed.Sign():
		absNet := net.Abs()
		cost := absNet.Mul(pos.AvgEntryPrice).Add(f.Qty.Mul(f.Price))
		pos.NetQty = net.Add(signed)
		pos.AvgEntryPrice = cost.Div(absNet.Add(f.Qty))

	default:
		closed := decimal.Min(net.Abs(), f.Qty)
		direction := decimal.NewFromInt(int64(net.Sign()))
		realized = f.Price.Sub(pos.AvgEntryPrice).Mul(closed).Mul(direction)

		closeFee := f.Fee
		if closed.LessThan(f.Qty) {
			closeFee = f.Fee.Mul(closed).Div(f.Qty)
		}
		t.recordTrade(pos, f, closed, realized, closeFee)

		remainder := f.Qty.Sub(closed)
		switch {
		case remainder.IsPositive():
			pos.NetQty = remainder.Mul(f.Side.Sign())
			pos.AvgEntryPrice = f.Price
			pos.OpenedAt = f.Timestamp
			t.logger.Info("position flipped",
				"symbol", f.Symbol,
				"closed_qty", closed,
				"net_qty", pos.NetQty,
				"avg_entry_price", pos.AvgEntryPrice,
				"realized_pnl", realized,
			)
		default:
			pos.NetQty = net.Add(signed)
			if pos.NetQty.IsZero() {
				pos.AvgEntryPrice = decimal.Zero
				pos.OpenedAt = time.Time{}
			}
		}
	}

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Fees = pos.Fees.Add(f.Fee)
	t.balance = t.balance.Add(realized).Sub(f.Fee)
	t.stats.RealizedPnL = t.stats.RealizedPnL.Add(realized)
	t.stats.Fees = t.stats.Fees.Add(f.Fee)

	if _, ok := t.marks[f.Symbol]; !ok {
		t.marks[f.Symbol] = f.Price
	}
	t.revalueLocked(f.Symbol)
	t.hwm.Update(t.equityLocked())

	return realized
}

// Mark revalues the symbol's position at price and updates the equity peak.
func (t *Tracker) Mark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.marks[symbol] = price
	t.revalueLocked(symbol)
	t.hwm.Update(t.equityLocked())
}

// Position returns a snapshot of the symbol's position. Unknown symbols are flat.
func (t *Tracker) Position(symbol string) types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.positions[symbol]; ok {
		return *p
	}
	return types.Position{Symbol: symbol}
}

// Positions returns every symbol ever traded, sorted by symbol.
func (t *Tracker) Positions() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Restore replaces a position, e.g. from the journal after a restart.
func (t *Tracker) Restore(pos types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := pos
	t.positions[pos.Symbol] = &p
	if pos.AvgEntryPrice.IsPositive() {
		t.marks[pos.Symbol] = pos.AvgEntryPrice
	}
}

// UnrealizedPnL values the symbol's position at mark without storing it.
func (t *Tracker) UnrealizedPnL(symbol string, mark decimal.Decimal) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.positions[symbol]
	if !ok {
		return decimal.Zero
	}
	return unrealized(*p, mark)
}

// Balance returns cash: starting balance plus realized PnL minus fees.
func (t *Tracker) Balance() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balance
}

// Equity returns balance plus unrealized PnL at the last marks.
func (t *Tracker) Equity() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.equityLocked()
}

// Exposure returns the gross notional of all positions at the last marks.
func (t *Tracker) Exposure() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.exposureLocked()
}

// Leverage returns exposure / equity, or zero when equity is not positive.
func (t *Tracker) Leverage() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	eq := t.equityLocked()
	if !eq.IsPositive() {
		return decimal.Zero
	}
	return t.exposureLocked().Div(eq)
}

// LastPrice returns the last mark for symbol.
func (t *Tracker) LastPrice(symbol string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.marks[symbol]
	return p, ok
}

// Drawdown returns the current drawdown from the equity peak.
func (t *Tracker) Drawdown() decimal.Decimal {
	return t.hwm.Drawdown()
}

// Snapshot returns the account state stamped with ts.
func (t *Tracker) Snapshot(ts time.Time) types.EquitySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, peak, dd := t.hwm.Snapshot()
	return types.EquitySnapshot{
		Timestamp:     ts,
		Balance:       t.balance,
		Equity:        t.equityLocked(),
		HighWaterMark: peak,
		Drawdown:      dd,
	}
}

// Stats returns trade statistics.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.stats
	s.MaxDrawdown = t.hwm.MaxDrawdown()
	if s.GrossLoss.IsPositive() {
		s.ProfitFactor = s.GrossProfit.Div(s.GrossLoss)
	}
	return s
}

// Trades returns a copy of the closed trades in booking order.
func (t *Tracker) Trades() []types.Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Trade, len(t.trades))
	copy(out, t.trades)
	return out
}

// StartingBalance returns the balance the tracker was created with.
func (t *Tracker) StartingBalance() decimal.Decimal {
	return t.startBalance
}

func (t *Tracker) position(symbol string) *types.Position {
	p, ok := t.positions[symbol]
	if !ok {
		p = &types.Position{Symbol: symbol}
		t.positions[symbol] = p
	}
	return p
}

func (t *Tracker) recordTrade(pos *types.Position, f types.Fill, qty, pnl, fee decimal.Decimal) {
	seq := len(t.trades) + 1
	tr := types.Trade{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d", f.Symbol, f.ClientOrderID, seq))).String(),
		Symbol:     f.Symbol,
		Side:       pos.Side(),
		Qty:        qty,
		EntryPrice: pos.AvgEntryPrice,
		ExitPrice:  f.Price,
		EntryTime:  pos.OpenedAt,
		ExitTime:   f.Timestamp,
		PnL:        pnl,
		Fees:       fee,
	}
	t.trades = append(t.trades, tr)

	t.stats.TradeCount++
	switch pnl.Sign() {
	case 1:
		t.stats.Wins++
		t.stats.GrossProfit = t.stats.GrossProfit.Add(pnl)
	case -1:
		t.stats.Losses++
		t.stats.GrossLoss = t.stats.GrossLoss.Add(pnl.Neg())
	}
}

func (t *Tracker) revalueLocked(symbol string) {
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.UnrealizedPnL = unrealized(*p, t.marks[symbol])
}

func (t *Tracker) equityLocked() decimal.Decimal {
	eq := t.balance
	for _, p := range t.positions {
		eq = eq.Add(p.UnrealizedPnL)
	}
	return eq
}

func (t *Tracker) exposureLocked() decimal.Decimal {
	total := decimal.Zero
	for sym, p := range t.positions {
		price, ok := t.marks[sym]
		if !ok {
			price = p.AvgEntryPrice
		}
		total = total.Add(p.NetQty.Abs().Mul(price))
	}
	return total
}

func unrealized(p types.Position, mark decimal.Decimal) decimal.Decimal {
	if p.NetQty.IsZero() || !mark.IsPositive() {
		return decimal.Zero
	}
	return mark.Sub(p.AvgEntryPrice).Mul(p.NetQty)
}
