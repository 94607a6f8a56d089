package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"

	"github.com/tathienbao/quant-runner/internal/adapter"
	"github.com/tathienbao/quant-runner/internal/alerting"
	"github.com/tathienbao/quant-runner/internal/broker"
	"github.com/tathienbao/quant-runner/internal/broker/alpaca"
	"github.com/tathienbao/quant-runner/internal/broker/paper"
	"github.com/tathienbao/quant-runner/internal/broker/rest"
	"github.com/tathienbao/quant-runner/internal/config"
	"github.com/tathienbao/quant-runner/internal/engine"
	"github.com/tathienbao/quant-runner/internal/metrics"
	"github.com/tathienbao/quant-runner/internal/observer"
	"github.com/tathienbao/quant-runner/internal/persistence"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
)

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	replay := fs.String("replay", "", "Replay candles from this CSV file instead of polling (paper mode only)")
	_ = fs.Parse(args)

	cfg, logger := setup(*configPath)
	switch {
	case cfg.Mode == config.ModeBacktest:
		fatal(logger, "cannot run", errors.New("config mode is backtest, use the backtest command"))
	case cfg.Mode == config.ModeLive && *replay != "":
		fatal(logger, "cannot run", errors.New("--replay is paper mode only"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runTrading(ctx, cfg, *replay, logger); err != nil {
		fatal(logger, "run failed", err)
	}
}

// runTrading wires the live loop and blocks until ctx is cancelled or the
// loop stops on a fatal error.
func runTrading(ctx context.Context, cfg *config.Config, replay string, logger *slog.Logger) error {
	logger.Info("quant-runner starting",
		"version", Version,
		"mode", cfg.Mode,
		"venue", cfg.Venue.Type,
		"symbol", cfg.Market.Symbol,
		"timeframe", cfg.Market.Timeframe,
		"strategy", cfg.Strategy.Name,
	)

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg.Profiling, cfg.Mode)
		if err != nil {
			return fmt.Errorf("start profiler: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	var (
		recorder *metrics.Recorder
		srv      *metrics.Server
	)
	if cfg.Metrics.Enabled {
		metrics.SetBuildInfo(Version, GitCommit, BuildTime)
		recorder = metrics.NewRecorder()
		srv = metrics.NewServer(cfg.ToServerConfig(), logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", "err", err)
			}
		}()
	}

	notifier, telegram := newNotifier(cfg, logger)

	strat, err := strategy.NewRegistry().New(cfg.Strategy.Name, cfg.StrategyParams())
	if err != nil {
		return err
	}

	venue, push := newVenue(cfg, logger)
	ad := adapter.NewLiveAdapter(venue, cfg.ToLiveConfig(), logger, adapter.WithRetryHook(recorder.RecordRetry))

	feed, err := newTradingFeed(cfg, replay, logger)
	if err != nil {
		return err
	}
	if push != nil {
		feed = &priceFeed{CandleFeed: feed, push: push, logger: logger}
	}

	sessCfg := cfg.ToSessionConfig()
	opts := []engine.SessionOption{
		engine.WithLogger(logger),
		engine.WithRecorder(recorder),
		engine.WithNotifier(notifier),
		engine.WithIDGenerator(cfg.IDGenerator()),
	}

	var (
		journal *persistence.Journal
		rec     persistence.Recovery
	)
	if cfg.Persistence.Enabled {
		repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			return err
		}
		defer func() { _ = repo.Close() }()

		if rec, err = persistence.Recover(ctx, repo); err != nil {
			return fmt.Errorf("recover journal: %w", err)
		}
		if rec.State != nil {
			logger.Info("resuming from journal",
				"open_orders", len(rec.Orders),
				"positions", len(rec.Positions),
				"balance", rec.State.Balance,
				"last_candle", rec.State.LastCandle,
			)
			if rec.State.Balance.IsPositive() {
				sessCfg.StartingBalance = rec.State.Balance
			}
		}

		journal = persistence.NewJournal(repo, nil, logger)
		journal.Resume(rec.State)
		opts = append(opts, engine.WithListener(journal), engine.WithCandleHook(journal.OnCandle))
	}

	session := engine.NewSession(sessCfg, ad, strat, opts...)
	if journal != nil {
		journal.SetBook(session.Tracker())
		journal.SetKillSwitch(session.Guard())
	}
	if rec.State != nil && rec.State.KillSwitchActive {
		session.Guard().Trip(rec.State.KillReason)
	}
	session.Restore(rec.Orders, rec.Positions)

	eng := engine.NewEngine(cfg.ToEngineConfig(), feed, session, notifier, recorder, logger)
	if srv != nil {
		eng.RegisterHealth(srv)
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-eng.Done():
	}

	// ctx may be cancelled already; Stop bounds itself by the shutdown timeout.
	stopErr := eng.Stop(context.Background())

	summary := tradingSummary(cfg, session)
	fmt.Print(summary.Text())
	if telegram != nil {
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := telegram.SendSummary(sendCtx, summary); err != nil {
			logger.Warn("failed to send run summary", "err", err)
		}
		cancel()
	}
	if journal != nil && journal.Errors() > 0 {
		logger.Warn("journal write errors during run", "count", journal.Errors())
	}

	runErr := eng.Err()
	if replay != "" && errors.Is(runErr, types.ErrDataUnavailable) {
		// A replay ends when its file does.
		runErr = nil
	}
	logger.Info("quant-runner shutdown complete")
	return errors.Join(runErr, stopErr)
}

// pricePush forwards a candle close to a venue that matches on pushed
// prices.
type pricePush func(ctx context.Context, symbol string, price decimal.Decimal) error

// newVenue builds the configured venue. Sandbox venues also return the
// function that feeds them prices.
func newVenue(cfg *config.Config, logger *slog.Logger) (broker.Venue, pricePush) {
	switch cfg.Venue.Type {
	case config.VenueAlpaca:
		return alpaca.New(cfg.ToAlpacaConfig(), logger), nil
	case config.VenueSandbox:
		x := paper.NewExchange(cfg.ToPaperConfig(), logger)
		return x, func(_ context.Context, symbol string, price decimal.Decimal) error {
			x.UpdatePrice(symbol, price)
			return nil
		}
	default:
		client := rest.NewClient(cfg.ToRESTConfig(), logger)
		if cfg.Mode == config.ModePaper {
			// A remote sandbox server has no market data of its own.
			return client, client.UpdatePrice
		}
		return client, nil
	}
}

// newTradingFeed polls Alpaca for bars, or replays a CSV file.
func newTradingFeed(cfg *config.Config, replay string, logger *slog.Logger) (observer.CandleFeed, error) {
	if replay != "" {
		candles, err := observer.NewCSVFeed(replay, cfg.Market.Symbol, cfg.Timeframe()).Candles()
		if err != nil {
			return nil, err
		}
		logger.Info("replaying candles", "file", replay, "count", len(candles))
		return observer.NewMemoryFeed(candles), nil
	}
	if cfg.Venue.APIKey == "" {
		return nil, fmt.Errorf("%w: venue.api_key is required for market data", types.ErrInvalidConfig)
	}
	source := observer.NewAlpacaBarSource(cfg.Venue.APIKey, cfg.Venue.APISecret, cfg.Venue.DataURL, cfg.Venue.DataFeed)
	return observer.NewPollingFeed(source, cfg.Timeframe(), cfg.PollInterval(), logger), nil
}

// priceFeed pushes each candle's close to the venue before the session
// sees the candle, so paper orders match against the same prices.
type priceFeed struct {
	observer.CandleFeed
	push   pricePush
	logger *slog.Logger
}

func (f *priceFeed) Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error) {
	in, err := f.CandleFeed.Subscribe(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(chan types.Candle)
	go func() {
		defer close(out)
		for c := range in {
			if err := f.push(ctx, c.Symbol, c.Close); err != nil {
				f.logger.Warn("price push failed", "symbol", c.Symbol, "err", err)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// newNotifier builds the alert fan-out. The Telegram alerter is returned
// separately for the end-of-run summary.
func newNotifier(cfg *config.Config, logger *slog.Logger) (*alerting.Notifier, *alerting.TelegramAlerter) {
	if !cfg.Alerting.Enabled {
		return nil, nil
	}
	multi := alerting.NewMultiAlerter(logger)
	var telegram *alerting.TelegramAlerter
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			telegram = alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			})
			multi.AddAlerter(telegram)
		case "console":
			multi.AddAlerter(alerting.NewConsoleAlerter(logger))
		}
	}
	return alerting.NewNotifier(multi, cfg.AlertEvents(), logger), telegram
}

func startProfiler(cfg config.ProfilingConfig, mode string) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags: map[string]string{
			"mode": mode,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

func tradingSummary(cfg *config.Config, s *engine.Session) alerting.RunSummary {
	tr := s.Tracker()
	stats := tr.Stats()

	var start, end time.Time
	if trades := tr.Trades(); len(trades) > 0 {
		start, end = trades[0].EntryTime, trades[len(trades)-1].ExitTime
	}
	summary := alerting.NewRunSummary(
		fmt.Sprintf("%s %s %s", cfg.Mode, cfg.Market.Symbol, cfg.Strategy.Name),
		start, end,
		tr.StartingBalance(), tr.Equity(), stats.MaxDrawdown, stats.Fees,
		stats.TradeCount, stats.Wins, stats.Losses,
	)
	summary.KillSwitch = s.Guard().Active()
	for _, p := range tr.Positions() {
		if !p.IsFlat() {
			summary.OpenPositions++
		}
	}
	return summary
}
