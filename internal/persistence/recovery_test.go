package persistence_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/adapter"
	"github.com/tathienbao/quant-runner/internal/engine"
	"github.com/tathienbao/quant-runner/internal/execution"
	"github.com/tathienbao/quant-runner/internal/persistence"
	"github.com/tathienbao/quant-runner/internal/risk"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
)

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func candle(i int, price int64) types.Candle {
	p := decimal.NewFromInt(price)
	return types.Candle{
		Symbol:    "BTCUSD",
		OpenTime:  start.Add(time.Duration(i) * time.Minute),
		Open:      p,
		High:      p.Add(decimal.NewFromInt(1)),
		Low:       p.Sub(decimal.NewFromInt(1)),
		Close:     p,
		Volume:    decimal.NewFromInt(1000),
		Timeframe: time.Minute,
	}
}

// scripted returns the intents listed for each call, by call number.
type scripted struct {
	plan  map[int][]types.TradeIntent
	calls int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) OnCandle(context.Context, []types.Candle, types.Position) ([]types.TradeIntent, error) {
	s.calls++
	return s.plan[s.calls], nil
}

func openRepo(t *testing.T, path string) *persistence.SQLiteRepository {
	t.Helper()
	repo, err := persistence.NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	return repo
}

func newSession(t *testing.T, sim *adapter.SimulatedAdapter, strat strategy.Strategy, j *persistence.Journal, seed string) *engine.Session {
	t.Helper()
	cfg := engine.DefaultSessionConfig()
	cfg.Risk = risk.Config{}
	cfg.CandleClock = true
	cfg.CancelOrdersOnStop = false

	s := engine.NewSession(cfg, sim, strat,
		engine.WithIDGenerator(execution.NewSequenceGenerator("rt", seed)),
		engine.WithListener(j),
		engine.WithCandleHook(j.OnCandle),
	)
	j.SetBook(s.Tracker())
	j.SetKillSwitch(s.Guard())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func feed(t *testing.T, s *engine.Session, from int, prices ...int64) {
	t.Helper()
	for i, p := range prices {
		if err := s.OnCandle(context.Background(), candle(from+i, p)); err != nil {
			t.Fatalf("candle %d: %v", from+i, err)
		}
	}
}

func TestJournal_RecordsRoundTrip(t *testing.T) {
	repo := openRepo(t, filepath.Join(t.TempDir(), "journal.db"))
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	one := decimal.NewFromInt(1)
	strat := &scripted{plan: map[int][]types.TradeIntent{
		1: {strategy.Market("BTCUSD", types.Buy, one)},
		3: {strategy.Market("BTCUSD", types.Sell, one)},
	}}
	j := persistence.NewJournal(repo, nil, nil)
	s := newSession(t, adapter.NewSimulatedAdapter(adapter.DefaultSimConfig(), nil), strat, j, "round-trip")

	// Buy fills at 101, sell at 103.
	feed(t, s, 0, 100, 101, 102, 103, 104)

	if j.Errors() != 0 {
		t.Fatalf("journal errors = %d", j.Errors())
	}

	open, err := repo.GetOpenOrders(ctx)
	if err != nil {
		t.Fatalf("get open orders: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}

	trades, err := repo.GetTradesBySymbol(ctx, "BTCUSD", 10)
	if err != nil {
		t.Fatalf("get trades: %v", err)
	}
	if len(trades) != 1 || !trades[0].PnL.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("trades = %+v, want one trade with PnL 2", trades)
	}

	positions, err := repo.GetPositions(ctx)
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].NetQty.IsZero() || !positions[0].RealizedPnL.Equal(decimal.NewFromInt(2)) {
		t.Errorf("positions = %+v, want flat BTCUSD with realized 2", positions)
	}

	history, err := repo.GetEquityHistory(ctx, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("get equity history: %v", err)
	}
	if len(history) != 5 {
		t.Errorf("equity snapshots = %d, want 5", len(history))
	}

	state, err := repo.GetState(ctx)
	if err != nil || state == nil {
		t.Fatalf("get state = %+v, %v", state, err)
	}
	if state.TotalTrades != 1 || state.WinningTrades != 1 || !state.Balance.Equal(decimal.NewFromInt(10002)) {
		t.Errorf("state = %+v", state)
	}
	if !state.LastCandle.Equal(start.Add(4 * time.Minute)) {
		t.Errorf("LastCandle = %v", state.LastCandle)
	}
}

func TestJournal_RestartResumesOpenOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()
	one := decimal.NewFromInt(1)

	// The simulator outlives both runs, standing in for the venue.
	venue := adapter.NewSimulatedAdapter(adapter.DefaultSimConfig(), nil)

	// First run: buy 1, then rest a take-profit that is not reached.
	repo := openRepo(t, path)
	first := &scripted{plan: map[int][]types.TradeIntent{
		1: {strategy.Market("BTCUSD", types.Buy, one)},
		2: {strategy.TakeProfit("BTCUSD", types.Sell, one, decimal.NewFromInt(110))},
	}}
	j1 := persistence.NewJournal(repo, nil, nil)
	s1 := newSession(t, venue, first, j1, "run-1")
	feed(t, s1, 0, 100, 101, 102)
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Second run: restore from the journal and reconcile.
	repo = openRepo(t, path)
	defer func() { _ = repo.Close() }()

	rec, err := persistence.Recover(ctx, repo)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(rec.Orders) != 1 || rec.Orders[0].Kind != types.KindTakeProfit {
		t.Fatalf("recovered orders = %+v, want the take-profit", rec.Orders)
	}
	if len(rec.Positions) != 1 || !rec.Positions[0].NetQty.Equal(one) {
		t.Fatalf("recovered positions = %+v, want long 1", rec.Positions)
	}
	if rec.State == nil || !rec.State.LastCandle.Equal(start.Add(2*time.Minute)) {
		t.Fatalf("recovered state = %+v", rec.State)
	}

	j2 := persistence.NewJournal(repo, nil, nil)
	j2.Resume(rec.State)
	s2 := newSession(t, venue, &scripted{}, j2, "run-2")
	s2.Restore(rec.Orders, rec.Positions)
	if err := s2.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := s2.Tracker().Position("BTCUSD").NetQty; !got.Equal(one) {
		t.Fatalf("restored position = %s, want 1", got)
	}

	// Price reaches the target: the restored take-profit closes the position.
	feed(t, s2, 3, 105, 111, 112)

	if got := s2.Tracker().Position("BTCUSD").NetQty; !got.IsZero() {
		t.Errorf("position after take-profit = %s, want flat", got)
	}
	stored, err := repo.GetOrder(ctx, rec.Orders[0].ClientOrderID)
	if err != nil || stored == nil {
		t.Fatalf("get order = %v, %v", stored, err)
	}
	if stored.Status != types.OrderStatusFilled {
		t.Errorf("take-profit status = %s, want FILLED", stored.Status)
	}
	if j2.Errors() != 0 {
		t.Errorf("journal errors = %d", j2.Errors())
	}
}
