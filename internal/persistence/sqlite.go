package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite. Decimals are stored as
// TEXT so no precision is lost.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	// Run migrations
	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			client_order_id TEXT PRIMARY KEY,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			intent_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			side TEXT NOT NULL,
			requested_qty TEXT NOT NULL,
			filled_qty TEXT NOT NULL DEFAULT '0',
			avg_fill_price TEXT NOT NULL DEFAULT '0',
			price TEXT NOT NULL DEFAULT '0',
			trigger_price TEXT NOT NULL DEFAULT '0',
			trail_offset TEXT NOT NULL DEFAULT '0',
			visible_qty TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			final INTEGER NOT NULL DEFAULT 0,
			reduce_only INTEGER NOT NULL DEFAULT 0,
			unconfirmed INTEGER NOT NULL DEFAULT 0,
			flagged INTEGER NOT NULL DEFAULT 0,
			child_seq INTEGER NOT NULL DEFAULT 0,
			reject_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_update_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(final, unconfirmed)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_intent ON orders(intent_id)`,

		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_order_id TEXT NOT NULL,
			cumulative_qty TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty TEXT NOT NULL,
			price TEXT NOT NULL,
			fee TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			UNIQUE(client_order_id, cumulative_qty)
		)`,

		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			net_qty TEXT NOT NULL,
			avg_entry_price TEXT NOT NULL,
			realized_pl TEXT NOT NULL DEFAULT '0',
			unrealized_pl TEXT NOT NULL DEFAULT '0',
			fees TEXT NOT NULL DEFAULT '0',
			opened_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			qty TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_time DATETIME NOT NULL,
			pnl TEXT NOT NULL,
			fees TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time)`,

		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			balance TEXT NOT NULL,
			equity TEXT NOT NULL,
			high_water_mark TEXT NOT NULL,
			drawdown TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_timestamp ON equity_snapshots(timestamp)`,

		`CREATE TABLE IF NOT EXISTS hyperopt_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			rank INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			params TEXT NOT NULL,
			objective TEXT NOT NULL,
			score TEXT NOT NULL,
			total_return TEXT NOT NULL,
			max_drawdown TEXT NOT NULL,
			win_rate TEXT NOT NULL,
			profit_factor TEXT NOT NULL,
			sharpe TEXT NOT NULL,
			trades INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hyperopt_run ON hyperopt_results(run_id, rank)`,

		`CREATE TABLE IF NOT EXISTS run_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_updated DATETIME NOT NULL,
			balance TEXT NOT NULL,
			equity TEXT NOT NULL,
			high_water_mark TEXT NOT NULL,
			kill_switch_active INTEGER NOT NULL DEFAULT 0,
			kill_reason TEXT NOT NULL DEFAULT '',
			last_candle DATETIME NOT NULL,
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			losing_trades INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

const orderColumns = `client_order_id, exchange_order_id, parent_id, intent_id, symbol, kind, side,
	requested_qty, filled_qty, avg_fill_price, price, trigger_price, trail_offset, visible_qty,
	status, reduce_only, unconfirmed, flagged, child_seq, reject_reason, created_at, last_update_at, expires_at`

// SaveOrder inserts or replaces the order keyed by client order id.
func (r *SQLiteRepository) SaveOrder(ctx context.Context, o types.Order) error {
	query := `INSERT INTO orders (` + orderColumns + `, final)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			trigger_price = excluded.trigger_price,
			status = excluded.status,
			final = excluded.final,
			unconfirmed = excluded.unconfirmed,
			flagged = excluded.flagged,
			child_seq = excluded.child_seq,
			reject_reason = excluded.reject_reason,
			last_update_at = excluded.last_update_at,
			expires_at = excluded.expires_at`

	_, err := r.db.ExecContext(ctx, query,
		o.ClientOrderID,
		o.ExchangeOrderID,
		o.ParentID,
		o.IntentID,
		o.Symbol,
		o.Kind.String(),
		o.Side.String(),
		o.RequestedQty.String(),
		o.FilledQty.String(),
		o.AvgFillPrice.String(),
		o.Price.String(),
		o.TriggerPrice.String(),
		o.TrailOffset.String(),
		o.VisibleQty.String(),
		o.Status.String(),
		boolToInt(o.ReduceOnly),
		boolToInt(o.Unconfirmed),
		boolToInt(o.Flagged),
		o.ChildSeq,
		o.RejectReason,
		o.CreatedAt.UTC(),
		o.LastUpdateAt.UTC(),
		o.ExpiresAt.UTC(),
		boolToInt(o.Status.IsFinal()),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ClientOrderID, err)
	}

	return nil
}

// GetOrder returns the order, or nil if it was never saved.
func (r *SQLiteRepository) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE client_order_id = ?`

	rows, err := r.db.QueryContext(ctx, query, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orders, err := scanOrders(rows)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return &orders[0], nil
}

// GetOpenOrders returns orders that are not final, plus rejected orders whose
// submission was never confirmed either way.
func (r *SQLiteRepository) GetOpenOrders(ctx context.Context) ([]types.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE final = 0 OR unconfirmed = 1 ORDER BY created_at, client_order_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]types.Order, error) {
	var orders []types.Order
	for rows.Next() {
		var o types.Order
		var kind, side, status string
		var reqQty, filledQty, avgPrice, price, trigger, trail, visible string
		var reduceOnly, unconfirmed, flagged int

		if err := rows.Scan(
			&o.ClientOrderID, &o.ExchangeOrderID, &o.ParentID, &o.IntentID, &o.Symbol, &kind, &side,
			&reqQty, &filledQty, &avgPrice, &price, &trigger, &trail, &visible,
			&status, &reduceOnly, &unconfirmed, &flagged, &o.ChildSeq, &o.RejectReason,
			&o.CreatedAt, &o.LastUpdateAt, &o.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		var err error
		if o.Kind, err = types.ParseOrderKind(kind); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ClientOrderID, err)
		}
		if o.Side, err = types.ParseOrderSide(side); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ClientOrderID, err)
		}
		if o.Status, err = types.ParseOrderStatus(status); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ClientOrderID, err)
		}

		o.RequestedQty = parseDecimal(reqQty)
		o.FilledQty = parseDecimal(filledQty)
		o.AvgFillPrice = parseDecimal(avgPrice)
		o.Price = parseDecimal(price)
		o.TriggerPrice = parseDecimal(trigger)
		o.TrailOffset = parseDecimal(trail)
		o.VisibleQty = parseDecimal(visible)
		o.ReduceOnly = reduceOnly == 1
		o.Unconfirmed = unconfirmed == 1
		o.Flagged = flagged == 1
		o.ExpiresAt = zeroIfEpoch(o.ExpiresAt)

		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// SaveFill stores a fill once per (client order id, cumulative qty). It
// reports whether a row was written.
func (r *SQLiteRepository) SaveFill(ctx context.Context, f types.Fill) (bool, error) {
	query := `INSERT OR IGNORE INTO fills
		(client_order_id, cumulative_qty, symbol, side, qty, price, fee, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		f.ClientOrderID,
		f.CumulativeQty.String(),
		f.Symbol,
		f.Side.String(),
		f.Qty.String(),
		f.Price.String(),
		f.Fee.String(),
		f.Timestamp.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	return n == 1, nil
}

// GetFills returns an order's fills in arrival order.
func (r *SQLiteRepository) GetFills(ctx context.Context, clientOrderID string) ([]types.Fill, error) {
	query := `SELECT client_order_id, cumulative_qty, symbol, side, qty, price, fee, timestamp
		FROM fills WHERE client_order_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fills []types.Fill
	for rows.Next() {
		var f types.Fill
		var cum, side, qty, price, fee string

		if err := rows.Scan(&f.ClientOrderID, &cum, &f.Symbol, &side, &qty, &price, &fee, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var err error
		if f.Side, err = types.ParseOrderSide(side); err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.ClientOrderID, err)
		}
		f.CumulativeQty = parseDecimal(cum)
		f.Qty = parseDecimal(qty)
		f.Price = parseDecimal(price)
		f.Fee = parseDecimal(fee)

		fills = append(fills, f)
	}

	return fills, rows.Err()
}

// SavePosition stores the latest state of a symbol's position. A flat
// position is kept so its realized PnL survives.
func (r *SQLiteRepository) SavePosition(ctx context.Context, p types.Position) error {
	query := `INSERT OR REPLACE INTO positions
		(symbol, net_qty, avg_entry_price, realized_pl, unrealized_pl, fees, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`

	_, err := r.db.ExecContext(ctx, query,
		p.Symbol,
		p.NetQty.String(),
		p.AvgEntryPrice.String(),
		p.RealizedPnL.String(),
		p.UnrealizedPnL.String(),
		p.Fees.String(),
		p.OpenedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}

	return nil
}

// GetPositions returns every stored position, flat ones included.
func (r *SQLiteRepository) GetPositions(ctx context.Context) ([]types.Position, error) {
	query := `SELECT symbol, net_qty, avg_entry_price, realized_pl, unrealized_pl, fees, opened_at
		FROM positions ORDER BY symbol`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []types.Position
	for rows.Next() {
		var p types.Position
		var netQty, entry, realized, unrealized, fees string

		if err := rows.Scan(&p.Symbol, &netQty, &entry, &realized, &unrealized, &fees, &p.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		p.NetQty = parseDecimal(netQty)
		p.AvgEntryPrice = parseDecimal(entry)
		p.RealizedPnL = parseDecimal(realized)
		p.UnrealizedPnL = parseDecimal(unrealized)
		p.Fees = parseDecimal(fees)
		p.OpenedAt = zeroIfEpoch(p.OpenedAt)

		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// SaveTrade saves a completed trade. Saving the same trade id twice is a no-op.
func (r *SQLiteRepository) SaveTrade(ctx context.Context, trade types.Trade) error {
	query := `INSERT OR IGNORE INTO trades
		(id, symbol, side, qty, entry_price, exit_price, entry_time, exit_time, pnl, fees)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		trade.ID,
		trade.Symbol,
		trade.Side,
		trade.Qty.String(),
		trade.EntryPrice.String(),
		trade.ExitPrice.String(),
		trade.EntryTime.UTC(),
		trade.ExitTime.UTC(),
		trade.PnL.String(),
		trade.Fees.String(),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	return nil
}

// GetTrades returns trades in a time range.
func (r *SQLiteRepository) GetTrades(ctx context.Context, from, to time.Time) ([]types.Trade, error) {
	query := `SELECT id, symbol, side, qty, entry_price, exit_price, entry_time, exit_time, pnl, fees
		FROM trades WHERE exit_time BETWEEN ? AND ? ORDER BY exit_time DESC`

	rows, err := r.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return r.scanTrades(rows)
}

// GetTradesBySymbol returns trades for a symbol.
func (r *SQLiteRepository) GetTradesBySymbol(ctx context.Context, symbol string, limit int) ([]types.Trade, error) {
	query := `SELECT id, symbol, side, qty, entry_price, exit_price, entry_time, exit_time, pnl, fees
		FROM trades WHERE symbol = ? ORDER BY exit_time DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades by symbol: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return r.scanTrades(rows)
}

func (r *SQLiteRepository) scanTrades(rows *sql.Rows) ([]types.Trade, error) {
	var trades []types.Trade
	for rows.Next() {
		var t types.Trade
		var qty, entryPrice, exitPrice, pnl, fees string

		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &qty, &entryPrice, &exitPrice, &t.EntryTime, &t.ExitTime, &pnl, &fees); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		t.Qty = parseDecimal(qty)
		t.EntryPrice = parseDecimal(entryPrice)
		t.ExitPrice = parseDecimal(exitPrice)
		t.PnL = parseDecimal(pnl)
		t.Fees = parseDecimal(fees)

		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// SaveEquitySnapshot saves an equity snapshot.
func (r *SQLiteRepository) SaveEquitySnapshot(ctx context.Context, s types.EquitySnapshot) error {
	query := `INSERT INTO equity_snapshots (timestamp, balance, equity, high_water_mark, drawdown)
		VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		s.Timestamp.UTC(),
		s.Balance.String(),
		s.Equity.String(),
		s.HighWaterMark.String(),
		s.Drawdown.String(),
	)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}

	return nil
}

// GetLatestEquitySnapshot returns the most recent equity snapshot.
func (r *SQLiteRepository) GetLatestEquitySnapshot(ctx context.Context) (*types.EquitySnapshot, error) {
	query := `SELECT timestamp, balance, equity, high_water_mark, drawdown
		FROM equity_snapshots ORDER BY timestamp DESC, id DESC LIMIT 1`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query equity snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snaps, err := scanSnapshots(rows)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

// GetEquityHistory returns equity snapshots in a time range.
func (r *SQLiteRepository) GetEquityHistory(ctx context.Context, from, to time.Time) ([]types.EquitySnapshot, error) {
	query := `SELECT timestamp, balance, equity, high_water_mark, drawdown
		FROM equity_snapshots WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query equity history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanSnapshots(rows)
}

func scanSnapshots(rows *sql.Rows) ([]types.EquitySnapshot, error) {
	var snapshots []types.EquitySnapshot
	for rows.Next() {
		var s types.EquitySnapshot
		var balance, equity, hwm, dd string

		if err := rows.Scan(&s.Timestamp, &balance, &equity, &hwm, &dd); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		s.Balance = parseDecimal(balance)
		s.Equity = parseDecimal(equity)
		s.HighWaterMark = parseDecimal(hwm)
		s.Drawdown = parseDecimal(dd)

		snapshots = append(snapshots, s)
	}

	return snapshots, rows.Err()
}

// SaveHyperoptResult appends one ranked result.
func (r *SQLiteRepository) SaveHyperoptResult(ctx context.Context, h HyperoptResult) error {
	params, err := json.Marshal(h.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	query := `INSERT INTO hyperopt_results
		(run_id, rank, strategy, params, objective, score, total_return, max_drawdown, win_rate, profit_factor, sharpe, trades, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		h.RunID,
		h.Rank,
		h.Strategy,
		string(params),
		h.Objective,
		h.Score.String(),
		h.TotalReturn.String(),
		h.MaxDrawdown.String(),
		h.WinRate.String(),
		h.ProfitFactor.String(),
		h.Sharpe.String(),
		h.Trades,
		h.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert hyperopt result: %w", err)
	}

	return nil
}

// GetHyperoptResults returns a search's results best first. An empty runID
// returns every search.
func (r *SQLiteRepository) GetHyperoptResults(ctx context.Context, runID string) ([]HyperoptResult, error) {
	query := `SELECT id, run_id, rank, strategy, params, objective, score, total_return, max_drawdown, win_rate, profit_factor, sharpe, trades, created_at
		FROM hyperopt_results WHERE ? = '' OR run_id = ? ORDER BY run_id, rank`

	rows, err := r.db.QueryContext(ctx, query, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("query hyperopt results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []HyperoptResult
	for rows.Next() {
		var h HyperoptResult
		var params, score, ret, dd, winRate, pf, sharpe string

		if err := rows.Scan(&h.ID, &h.RunID, &h.Rank, &h.Strategy, &params, &h.Objective, &score, &ret, &dd, &winRate, &pf, &sharpe, &h.Trades, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &h.Params); err != nil {
			return nil, fmt.Errorf("decode params of result %d: %w", h.ID, err)
		}

		h.Score = parseDecimal(score)
		h.TotalReturn = parseDecimal(ret)
		h.MaxDrawdown = parseDecimal(dd)
		h.WinRate = parseDecimal(winRate)
		h.ProfitFactor = parseDecimal(pf)
		h.Sharpe = parseDecimal(sharpe)

		results = append(results, h)
	}

	return results, rows.Err()
}

// SaveState saves the run state.
func (r *SQLiteRepository) SaveState(ctx context.Context, state RunState) error {
	query := `INSERT OR REPLACE INTO run_state
		(id, last_updated, balance, equity, high_water_mark, kill_switch_active, kill_reason, last_candle, total_trades, winning_trades, losing_trades)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		state.LastUpdated.UTC(),
		state.Balance.String(),
		state.Equity.String(),
		state.HighWaterMark.String(),
		boolToInt(state.KillSwitchActive),
		state.KillReason,
		state.LastCandle.UTC(),
		state.TotalTrades,
		state.WinningTrades,
		state.LosingTrades,
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	return nil
}

// GetState returns the saved run state, or nil if none was saved.
func (r *SQLiteRepository) GetState(ctx context.Context) (*RunState, error) {
	query := `SELECT last_updated, balance, equity, high_water_mark, kill_switch_active, kill_reason, last_candle, total_trades, winning_trades, losing_trades
		FROM run_state WHERE id = 1`

	var state RunState
	var balance, equity, hwm string
	var killSwitch int

	err := r.db.QueryRowContext(ctx, query).Scan(
		&state.LastUpdated,
		&balance,
		&equity,
		&hwm,
		&killSwitch,
		&state.KillReason,
		&state.LastCandle,
		&state.TotalTrades,
		&state.WinningTrades,
		&state.LosingTrades,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	state.Balance = parseDecimal(balance)
	state.Equity = parseDecimal(equity)
	state.HighWaterMark = parseDecimal(hwm)
	state.KillSwitchActive = killSwitch == 1
	state.LastCandle = zeroIfEpoch(state.LastCandle)

	return &state, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseDecimal reads a stored decimal. Columns are written from
// decimal.String, so a parse failure means a hand-edited row and reads as zero.
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// zeroIfEpoch maps the stored zero time back to time.Time{}.
func zeroIfEpoch(t time.Time) time.Time {
	if t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
