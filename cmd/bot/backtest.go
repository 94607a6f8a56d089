package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tathienbao/quant-runner/internal/backtest"
	"github.com/tathienbao/quant-runner/internal/config"
	"github.com/tathienbao/quant-runner/internal/observer"
	"github.com/tathienbao/quant-runner/internal/persistence"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
	"github.com/tathienbao/quant-runner/internal/ui"
)

func cmdBacktest(args []string) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	dataPath := fs.String("data", "", "CSV file to replay (default: data.csv, then the parquet store)")
	strategyName := fs.String("strategy", "", "Strategy name, overrides the config")
	showUI := fs.Bool("ui", false, "Draw a live chart while replaying")
	renderEvery := fs.Int("render-every", 10, "Redraw the chart every n bars")
	_ = fs.Parse(args)

	cfg, logger := setup(*configPath)
	if *strategyName != "" {
		cfg.Strategy.Name = *strategyName
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	candles, err := loadCandles(cfg, *dataPath)
	if err != nil {
		fatal(logger, "failed to load candles", err)
	}
	reportGaps(logger, candles, cfg.Timeframe())

	strat, err := strategy.NewRegistry().New(cfg.Strategy.Name, cfg.StrategyParams())
	if err != nil {
		fatal(logger, "failed to create strategy", err)
	}

	btCfg := cfg.ToBacktestConfig()
	btCfg.Logger = logger
	runner := backtest.NewRunner(btCfg, observer.NewMemoryFeed(candles), strat)
	runner.SetTotalBars(len(candles))

	var display *ui.BacktestUI
	if *showUI && ui.IsTerminal() {
		display = ui.NewBacktestUI(btCfg.Session.StartingBalance)
		display.SetRenderEvery(*renderEvery)
		runner.SetProgressCallback(display.Update)
		display.Start()
	}

	logger.Info("starting backtest",
		"symbol", cfg.Market.Symbol,
		"strategy", strat.Name(),
		"candles", len(candles),
		"balance", btCfg.Session.StartingBalance,
	)

	result, err := runner.Run(ctx)
	if display != nil {
		display.Stop()
	}
	if err != nil {
		fatal(logger, "backtest failed", err)
	}

	printBacktestResults(result, cfg, btCfg.RiskFreeRate)
}

func printBacktestResults(result *backtest.Result, cfg *config.Config, riskFree decimal.Decimal) {
	summary := result.RunSummary(fmt.Sprintf("BACKTEST %s %s", cfg.Market.Symbol, result.Strategy))
	fmt.Println()
	fmt.Print(summary.Text())
	if result.StrategyErrors > 0 {
		fmt.Printf("Strategy errors: %d\n", result.StrategyErrors)
	}

	m := backtest.NewMetrics(result, riskFree)
	fmt.Println("\n=== PERFORMANCE METRICS ===")
	fmt.Printf("Sharpe Ratio:     %.2f\n", m.SharpeRatio().InexactFloat64())
	fmt.Printf("Sortino Ratio:    %.2f\n", m.SortinoRatio().InexactFloat64())
	fmt.Printf("Calmar Ratio:     %.2f\n", m.CalmarRatio().InexactFloat64())
	fmt.Printf("Profit Factor:    %.2f\n", m.ProfitFactor().InexactFloat64())
	fmt.Printf("Expectancy:       %.2f\n", m.Expectancy().InexactFloat64())
	fmt.Printf("Avg Win:          %.2f\n", m.AverageWin().InexactFloat64())
	fmt.Printf("Avg Loss:         %.2f\n", m.AverageLoss().InexactFloat64())
}

func cmdHyperopt(args []string) {
	fs := flag.NewFlagSet("hyperopt", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	dataPath := fs.String("data", "", "CSV file to replay (default: data.csv, then the parquet store)")
	workers := fs.Int("workers", 0, "Parallel backtests, overrides the config")
	top := fs.Int("top", 10, "Results to print")
	_ = fs.Parse(args)

	cfg, logger := setup(*configPath)
	if *workers > 0 {
		cfg.Hyperopt.Workers = *workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	candles, err := loadCandles(cfg, *dataPath)
	if err != nil {
		fatal(logger, "failed to load candles", err)
	}
	reportGaps(logger, candles, cfg.Timeframe())

	runID := time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	hoCfg := cfg.ToHyperoptConfig(runID)
	hoCfg.Backtest.Logger = quiet(logger)
	h := backtest.NewHyperopt(hoCfg, strategy.NewRegistry(), logger)

	if cfg.Persistence.Enabled {
		repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			fatal(logger, "failed to open journal", err)
		}
		defer func() { _ = repo.Close() }()
		h.SetJournal(repo)
	}

	logger.Info("starting hyperopt",
		"run_id", runID,
		"strategy", hoCfg.Strategy,
		"grid_points", len(hoCfg.Grid.Expand()),
		"workers", hoCfg.Workers,
		"objective", hoCfg.Objective,
	)

	trials, err := h.Run(ctx, candles)
	if err != nil {
		fatal(logger, "hyperopt failed", err)
	}
	printTrials(runID, hoCfg.Objective, trials, *top)
}

func printTrials(runID string, objective backtest.Objective, trials []backtest.Trial, top int) {
	fmt.Printf("\n=== HYPEROPT %s (%s) ===\n", runID, objective)
	fmt.Printf("%-5s %-12s %-10s %-10s %-8s %-7s %s\n", "Rank", "Score", "Return%", "MaxDD%", "Win%", "Trades", "Params")
	hundred := decimal.NewFromInt(100)
	for i, tr := range trials {
		if i >= top {
			break
		}
		r := tr.Result
		fmt.Printf("%-5d %-12s %-10s %-10s %-8s %-7d %s\n",
			i+1,
			tr.Score.StringFixed(4),
			r.TotalReturn.Mul(hundred).StringFixed(2),
			r.MaxDrawdown.Mul(hundred).StringFixed(2),
			r.WinRate.Mul(hundred).StringFixed(1),
			r.TradeCount,
			tr.Params,
		)
	}
}

// loadCandles reads the replay series: an explicit CSV path, the
// configured CSV, or the parquet store, in that order.
func loadCandles(cfg *config.Config, path string) ([]types.Candle, error) {
	if path == "" {
		path = cfg.Data.CSV
	}
	tf := cfg.Timeframe()
	var (
		candles []types.Candle
		err     error
	)
	switch {
	case path != "" && strings.HasSuffix(strings.ToLower(path), ".parquet"):
		return nil, fmt.Errorf("%w: point data.parquet_dir at the store directory instead of %s", types.ErrInvalidConfig, path)
	case path != "":
		candles, err = observer.NewCSVFeed(path, cfg.Market.Symbol, tf).Candles()
	case cfg.Data.ParquetDir != "":
		start, end := cfg.DataWindow()
		candles, err = observer.NewParquetStore(cfg.Data.ParquetDir).ReadCandles(cfg.Market.Symbol, tf, start, end)
	default:
		return nil, fmt.Errorf("%w: no data source, pass --data or set data.csv or data.parquet_dir", types.ErrInvalidConfig)
	}
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s", types.ErrDataUnavailable, cfg.Market.Symbol)
	}
	return candles, nil
}

func reportGaps(logger *slog.Logger, candles []types.Candle, tf time.Duration) {
	r := observer.CheckCandles(candles, tf)
	if r.Missing > 0 || r.Duplicates > 0 {
		logger.Warn("candle series has holes",
			"start", r.Start,
			"end", r.End,
			"missing", r.Missing,
			"duplicates", r.Duplicates,
		)
	}
}

// quiet raises the level for the per-trial runners so a search logs its
// progress, not every fill of every trial.
func quiet(logger *slog.Logger) *slog.Logger {
	return slog.New(levelHandler{Handler: logger.Handler(), min: slog.LevelWarn})
}

type levelHandler struct {
	slog.Handler
	min slog.Level
}

func (h levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min && h.Handler.Enabled(ctx, l)
}

func (h levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h levelHandler) WithGroup(name string) slog.Handler {
	return levelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
