package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/tathienbao/quant-runner/internal/execution"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Book is the position and trade state the journal copies after each fill.
type Book interface {
	Position(symbol string) types.Position
	Trades() []types.Trade
}

// KillSwitch reports the guard state saved with the run state.
type KillSwitch interface {
	Active() bool
	Reason() string
}

// Journal writes engine events to a Repository as they happen. It is an
// execution listener plus a candle hook and runs on the session goroutine.
// Write errors are logged and counted; they never stop the run.
type Journal struct {
	repo   Repository
	book   Book
	guard  KillSwitch
	logger *slog.Logger

	// bounds each write
	timeout time.Duration

	prior       RunState
	savedTrades int
	errors      int
}

var _ execution.Listener = (*Journal)(nil)

// NewJournal creates a journal over repo. book is read after each fill.
func NewJournal(repo Repository, book Book, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		repo:    repo,
		book:    book,
		logger:  logger.With("component", "journal"),
		timeout: 5 * time.Second,
	}
}

// SetBook sets the position source, for journals created before the
// session that owns the tracker.
func (j *Journal) SetBook(book Book) { j.book = book }

// SetKillSwitch includes the guard state in saved run state.
func (j *Journal) SetKillSwitch(k KillSwitch) { j.guard = k }

// Resume carries the trade counts of a previous run into saved state. The
// restored book starts with no trades of its own.
func (j *Journal) Resume(prev *RunState) {
	if prev != nil {
		j.prior = *prev
	}
}

// Errors returns the number of failed writes.
func (j *Journal) Errors() int { return j.errors }

// OrderUpdated stores the order's new state.
func (j *Journal) OrderUpdated(o types.Order) {
	ctx, cancel := j.ctx()
	defer cancel()
	j.check("save order", j.repo.SaveOrder(ctx, o), "client_order_id", o.ClientOrderID)
}

// FillApplied stores the fill, the symbol's position and any trades the
// fill closed.
func (j *Journal) FillApplied(f types.Fill) {
	ctx, cancel := j.ctx()
	defer cancel()

	inserted, err := j.repo.SaveFill(ctx, f)
	j.check("save fill", err, "client_order_id", f.ClientOrderID)
	if err == nil && !inserted {
		j.logger.Debug("fill already journaled", "client_order_id", f.ClientOrderID, "cumulative_qty", f.CumulativeQty)
	}
	if j.book == nil {
		return
	}

	j.check("save position", j.repo.SavePosition(ctx, j.book.Position(f.Symbol)), "symbol", f.Symbol)

	trades := j.book.Trades()
	for j.savedTrades < len(trades) {
		t := trades[j.savedTrades]
		if err := j.repo.SaveTrade(ctx, t); err != nil {
			j.check("save trade", err, "trade_id", t.ID)
			return
		}
		j.savedTrades++
	}
}

// OnCandle stores the equity snapshot and run state. Its signature matches
// the session's candle hook.
func (j *Journal) OnCandle(c types.Candle, snap types.EquitySnapshot) {
	ctx, cancel := j.ctx()
	defer cancel()

	j.check("save equity", j.repo.SaveEquitySnapshot(ctx, snap))

	state := RunState{
		LastUpdated:   time.Now().UTC(),
		Balance:       snap.Balance,
		Equity:        snap.Equity,
		HighWaterMark: snap.HighWaterMark,
		LastCandle:    c.OpenTime,
		TotalTrades:   j.prior.TotalTrades,
		WinningTrades: j.prior.WinningTrades,
		LosingTrades:  j.prior.LosingTrades,
	}
	if j.guard != nil {
		state.KillSwitchActive = j.guard.Active()
		state.KillReason = j.guard.Reason()
	}
	if j.book != nil {
		for _, t := range j.book.Trades() {
			state.TotalTrades++
			if t.NetPnL().IsPositive() {
				state.WinningTrades++
			} else {
				state.LosingTrades++
			}
		}
	}
	j.check("save state", j.repo.SaveState(ctx, state))
}

func (j *Journal) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), j.timeout)
}

func (j *Journal) check(op string, err error, attrs ...any) {
	if err == nil {
		return
	}
	j.errors++
	j.logger.Error(op+" failed", append(attrs, "err", err)...)
}

// Recovery is what a restarted run loads before reconciling.
type Recovery struct {
	Orders    []types.Order
	Positions []types.Position
	State     *RunState
}

// Recover reads the open orders, positions and run state left by a
// previous run. State is nil on a fresh database.
func Recover(ctx context.Context, repo Repository) (Recovery, error) {
	var rec Recovery
	var err error

	if rec.Orders, err = repo.GetOpenOrders(ctx); err != nil {
		return Recovery{}, err
	}
	if rec.Positions, err = repo.GetPositions(ctx); err != nil {
		return Recovery{}, err
	}
	if rec.State, err = repo.GetState(ctx); err != nil {
		return Recovery{}, err
	}
	return rec, nil
}
