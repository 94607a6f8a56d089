// Package main is the entry point for the quant runner.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tathienbao/quant-runner/internal/config"
)

// Version information (set by build flags).
var (
	Version   = "0.5.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "backtest":
		cmdBacktest(os.Args[2:])
	case "hyperopt":
		cmdHyperopt(os.Args[2:])
	case "fetch":
		cmdFetch(os.Args[2:])
	case "convert":
		cmdConvert(os.Args[2:])
	case "sandbox":
		cmdSandbox(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Quant Runner - order execution and reconciliation for algo strategies

Usage:
  quant-runner <command> [options]

Commands:
  run        Trade live or on paper against the configured venue
  backtest   Replay historical candles through the simulator
  hyperopt   Backtest a parameter grid and rank the results
  fetch      Download bars from Alpaca into the parquet store
  convert    Convert a CSV candle file into the parquet store
  sandbox    Serve the paper exchange over the REST venue protocol
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  quant-runner run --config config.yaml
  quant-runner backtest --config config.yaml --data data/BTCUSD_1m.csv --ui
  quant-runner hyperopt --config config.yaml --workers 8
  quant-runner fetch --config config.yaml --start 2024-01-01 --end 2024-02-01
  quant-runner sandbox --config config.yaml --addr :8080

Use "quant-runner <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("quant-runner version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Mode:             %s\n", cfg.Mode)
	fmt.Printf("  Symbol:           %s (%s)\n", cfg.Market.Symbol, cfg.Market.Timeframe)
	fmt.Printf("  Strategy:         %s %v\n", cfg.Strategy.Name, cfg.Strategy.Params)
	fmt.Printf("  Venue:            %s\n", cfg.Venue.Type)
	fmt.Printf("  Starting balance: %.2f\n", cfg.Account.StartingBalance)
	fmt.Printf("  Max drawdown:     %.1f%%\n", cfg.Risk.MaxDrawdownPct*100)
	fmt.Printf("  Max position:     %g\n", cfg.Risk.MaxPositionQty)
	fmt.Printf("  Journal:          %t\n", cfg.Persistence.Enabled)
}

// setup loads the config and installs its logger as the default. Logs go
// to stderr so reports on stdout stay clean.
func setup(configPath string) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "err", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
