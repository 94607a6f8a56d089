package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tathienbao/quant-runner/internal/broker/paper"
	"github.com/tathienbao/quant-runner/internal/broker/rest"
	"github.com/tathienbao/quant-runner/internal/config"
	"github.com/tathienbao/quant-runner/internal/observer"
	"github.com/tathienbao/quant-runner/internal/types"
	"github.com/tathienbao/quant-runner/internal/ui"
)

// fetchChunk bounds one market-data request.
const fetchChunk = 7 * 24 * time.Hour

func cmdFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	startFlag := fs.String("start", "", "First day to fetch, YYYY-MM-DD (default: data.start)")
	endFlag := fs.String("end", "", "Day after the last to fetch, YYYY-MM-DD (default: data.end, then now)")
	out := fs.String("out", "", "Parquet store directory (default: data.parquet_dir)")
	_ = fs.Parse(args)

	cfg, logger := setup(*configPath)
	if *startFlag != "" {
		cfg.Data.Start = *startFlag
	}
	if *endFlag != "" {
		cfg.Data.End = *endFlag
	}
	if *out != "" {
		cfg.Data.ParquetDir = *out
	}
	if err := cfg.Validate(); err != nil {
		fatal(logger, "invalid fetch options", err)
	}

	start, end := cfg.DataWindow()
	switch {
	case start.IsZero():
		fatal(logger, "invalid fetch options", errors.New("--start or data.start is required"))
	case cfg.Data.ParquetDir == "":
		fatal(logger, "invalid fetch options", errors.New("--out or data.parquet_dir is required"))
	case cfg.Venue.APIKey == "":
		fatal(logger, "invalid fetch options", errors.New("venue.api_key is required for market data"))
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := observer.NewAlpacaBarSource(cfg.Venue.APIKey, cfg.Venue.APISecret, cfg.Venue.DataURL, cfg.Venue.DataFeed)
	candles, err := fetchBars(ctx, source, cfg.Market.Symbol, cfg.Timeframe(), start, end)
	if err != nil {
		fatal(logger, "fetch failed", err)
	}
	if len(candles) == 0 {
		fatal(logger, "fetch failed", fmt.Errorf("%w: no bars for %s", types.ErrDataUnavailable, cfg.Market.Symbol))
	}
	reportGaps(logger, candles, cfg.Timeframe())

	store := observer.NewParquetStore(cfg.Data.ParquetDir)
	if err := store.WriteCandles(cfg.Market.Symbol, cfg.Timeframe(), candles); err != nil {
		fatal(logger, "write failed", err)
	}
	logger.Info("bars stored",
		"symbol", cfg.Market.Symbol,
		"count", len(candles),
		"path", store.Path(cfg.Market.Symbol, cfg.Timeframe()),
	)
}

// fetchBars pages through [start, end) a chunk at a time.
func fetchBars(ctx context.Context, source observer.BarSource, symbol string, tf time.Duration, start, end time.Time) ([]types.Candle, error) {
	total := int(end.Sub(start)/fetchChunk) + 1
	var out []types.Candle
	for i, from := 0, start; from.Before(end); i, from = i+1, from.Add(fetchChunk) {
		to := from.Add(fetchChunk)
		if to.After(end) {
			to = end
		}
		bars, err := source.Bars(ctx, symbol, tf, from, to)
		if err != nil {
			return nil, fmt.Errorf("bars %s..%s: %w", from.Format(time.DateOnly), to.Format(time.DateOnly), err)
		}
		out = append(out, bars...)
		ui.ProgressLine(os.Stderr, i+1, total, fmt.Sprintf("%s %d bars", symbol, len(out)))
	}
	fmt.Fprintln(os.Stderr)
	return out, nil
}

func cmdConvert(args []string) {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	in := fs.String("in", "", "CSV file to convert (default: data.csv)")
	out := fs.String("out", "", "Parquet store directory (default: data.parquet_dir)")
	_ = fs.Parse(args)

	cfg, logger := setup(*configPath)
	if *in == "" {
		*in = cfg.Data.CSV
	}
	if *out == "" {
		*out = cfg.Data.ParquetDir
	}
	if *in == "" || *out == "" {
		fatal(logger, "invalid convert options", errors.New("--in and --out are required"))
	}

	candles, err := observer.NewCSVFeed(*in, cfg.Market.Symbol, cfg.Timeframe()).Candles()
	if err != nil {
		fatal(logger, "read failed", err)
	}
	reportGaps(logger, candles, cfg.Timeframe())

	store := observer.NewParquetStore(*out)
	if err := store.WriteCandles(cfg.Market.Symbol, cfg.Timeframe(), candles); err != nil {
		fatal(logger, "write failed", err)
	}
	logger.Info("candles converted",
		"from", *in,
		"to", store.Path(cfg.Market.Symbol, cfg.Timeframe()),
		"count", len(candles),
	)
}

func cmdSandbox(args []string) {
	fs := flag.NewFlagSet("sandbox", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	addr := fs.String("addr", ":8080", "Listen address")
	_ = fs.Parse(args)

	cfg, logger := setup(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serveSandbox(ctx, cfg, *addr, logger); err != nil {
		fatal(logger, "sandbox failed", err)
	}
}

// serveSandbox runs the paper exchange behind the REST venue protocol until
// ctx is done. Requests must be signed when venue credentials are set.
func serveSandbox(ctx context.Context, cfg *config.Config, addr string, logger *slog.Logger) error {
	x := paper.NewExchange(cfg.ToPaperConfig(), logger)

	var opts []rest.HandlerOption
	if cfg.Venue.APIKey != "" {
		opts = append(opts, rest.WithAuth(cfg.Venue.APIKey, cfg.Venue.APISecret))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           rest.NewHandler(x, logger, opts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("sandbox exchange listening", "addr", addr, "auth", cfg.Venue.APIKey != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	logger.Info("sandbox exchange stopping", "equity", x.Equity().StringFixed(2))
	return srv.Shutdown(shutdownCtx)
}
