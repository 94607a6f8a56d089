// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tathienbao/quant-runner/internal/adapter"
	"github.com/tathienbao/quant-runner/internal/alerting"
	"github.com/tathienbao/quant-runner/internal/backtest"
	"github.com/tathienbao/quant-runner/internal/broker/alpaca"
	"github.com/tathienbao/quant-runner/internal/broker/paper"
	"github.com/tathienbao/quant-runner/internal/broker/rest"
	"github.com/tathienbao/quant-runner/internal/engine"
	"github.com/tathienbao/quant-runner/internal/execution"
	"github.com/tathienbao/quant-runner/internal/metrics"
	"github.com/tathienbao/quant-runner/internal/observer"
	"github.com/tathienbao/quant-runner/internal/risk"
	"github.com/tathienbao/quant-runner/internal/strategy"
	"github.com/tathienbao/quant-runner/internal/types"
)

// Run modes.
const (
	ModeLive     = "live"
	ModePaper    = "paper"
	ModeBacktest = "backtest"
)

// Venue types.
const (
	VenueREST    = "rest"
	VenueAlpaca  = "alpaca"
	VenueSandbox = "sandbox"
)

// Config represents the full application configuration.
type Config struct {
	Mode        string            `yaml:"mode"`
	Market      MarketConfig      `yaml:"market"`
	Account     AccountConfig     `yaml:"account"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
	Live        LiveConfig        `yaml:"live"`
	Venue       VenueConfig       `yaml:"venue"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Hyperopt    HyperoptConfig    `yaml:"hyperopt"`
	Data        DataConfig        `yaml:"data"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Logging     LoggingConfig     `yaml:"logging"`
	Profiling   ProfilingConfig   `yaml:"profiling"`
}

// MarketConfig holds the traded symbol and bar size.
type MarketConfig struct {
	Symbol     string `yaml:"symbol"`
	Timeframe  string `yaml:"timeframe"`
	MaxGapBars int    `yaml:"max_gap_bars"`
}

// AccountConfig holds account-related settings.
type AccountConfig struct {
	StartingBalance float64 `yaml:"starting_balance"`
	Leverage        float64 `yaml:"leverage"`
}

// RiskConfig holds pre-trade limits and lot sizing.
type RiskConfig struct {
	MaxPositionQty float64 `yaml:"max_position_qty"`
	MaxLeverage    float64 `yaml:"max_leverage"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
	LotPct         float64 `yaml:"lot_pct"`
	LotStep        float64 `yaml:"lot_step"`
}

// ExecutionConfig holds execution engine settings.
type ExecutionConfig struct {
	ReconcileWindow  string `yaml:"reconcile_window"`
	LimitTTL         string `yaml:"limit_ttl"`
	TriggerSession   string `yaml:"trigger_session"`
	ClientIDPrefix   string `yaml:"client_id_prefix"`
	QueueSize        int    `yaml:"queue_size"`
	SubmitTimeoutSec int    `yaml:"submit_timeout_sec"`
}

// SimulatorConfig holds the backtest fill model.
type SimulatorConfig struct {
	Slippage            float64 `yaml:"slippage"`
	TakerFee            float64 `yaml:"taker_fee"`
	MakerFee            float64 `yaml:"maker_fee"`
	VolumeParticipation float64 `yaml:"volume_participation"`
}

// LiveConfig holds venue retry and polling settings.
type LiveConfig struct {
	RetryBaseMs        int     `yaml:"retry_base_ms"`
	RetryCapMs         int     `yaml:"retry_cap_ms"`
	RetryMaxAttempts   int     `yaml:"retry_max_attempts"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	PollIntervalSec    int     `yaml:"poll_interval_sec"`
	ReconcileSec       int     `yaml:"reconcile_sec"`
}

// VenueConfig selects and addresses the exchange.
type VenueConfig struct {
	Type      string `yaml:"type"` // rest | alpaca | sandbox
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	DataURL   string `yaml:"data_url"`
	DataFeed  string `yaml:"data_feed"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// StrategyConfig names the strategy and its parameters.
type StrategyConfig struct {
	Name       string             `yaml:"name"`
	Params     map[string]float64 `yaml:"params"`
	WarmupBars int                `yaml:"warmup_bars"`
}

// HyperoptConfig holds the parameter search.
type HyperoptConfig struct {
	Grid      map[string][]float64 `yaml:"grid"`
	Workers   int                  `yaml:"workers"`
	Objective string               `yaml:"objective"`
}

// DataConfig locates historical candles.
type DataConfig struct {
	CSV        string `yaml:"csv"`
	ParquetDir string `yaml:"parquet_dir"`
	Start      string `yaml:"start"` // RFC 3339 or 2006-01-02
	End        string `yaml:"end"`
}

// PersistenceConfig holds journal settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec          int   `yaml:"timeout_sec"`
	CancelOrdersOnStop  *bool `yaml:"cancel_orders_on_stop"`
	ClosePositionsAtEnd bool  `yaml:"close_positions_at_end"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// ProfilingConfig holds continuous profiling settings.
type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ServerAddress   string `yaml:"server_address"`
	ApplicationName string `yaml:"application_name"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment variables
// are expanded before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate fills defaults and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	c.applyDefaults()

	switch c.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		errs = append(errs, fmt.Sprintf("mode %q must be live, paper or backtest", c.Mode))
	}

	// Market validation
	if c.Market.Symbol == "" {
		errs = append(errs, "market.symbol is required")
	}
	if _, err := observer.ParseTimeframe(c.Market.Timeframe); err != nil {
		errs = append(errs, fmt.Sprintf("market.timeframe: %v", err))
	}
	if c.Market.MaxGapBars < 0 {
		errs = append(errs, "market.max_gap_bars must not be negative")
	}

	// Account validation
	if c.Account.StartingBalance <= 0 {
		errs = append(errs, "account.starting_balance must be positive")
	}
	if c.Account.Leverage <= 0 {
		errs = append(errs, "account.leverage must be positive")
	}

	// Risk validation
	if c.Risk.MaxPositionQty < 0 {
		errs = append(errs, "risk.max_position_qty must not be negative")
	}
	if c.Risk.MaxLeverage < 0 {
		errs = append(errs, "risk.max_leverage must not be negative")
	}
	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct >= 1 {
		errs = append(errs, "risk.max_drawdown_pct must be between 0 and 1")
	}
	if c.Risk.LotPct <= 0 || c.Risk.LotPct > 1 {
		errs = append(errs, "risk.lot_pct must be between 0 and 1")
	}
	if c.Risk.LotStep < 0 {
		errs = append(errs, "risk.lot_step must not be negative")
	}

	// Execution validation
	for _, f := range []struct{ name, value string }{
		{"execution.reconcile_window", c.Execution.ReconcileWindow},
		{"execution.limit_ttl", c.Execution.LimitTTL},
		{"execution.trigger_session", c.Execution.TriggerSession},
	} {
		if _, err := parseDuration(f.value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f.name, err))
		}
	}
	if c.Execution.QueueSize <= 0 {
		errs = append(errs, "execution.queue_size must be positive")
	}

	// Simulator validation
	if c.Simulator.Slippage < 0 || c.Simulator.TakerFee < 0 || c.Simulator.MakerFee < 0 {
		errs = append(errs, "simulator slippage and fees must not be negative")
	}
	if c.Simulator.VolumeParticipation < 0 || c.Simulator.VolumeParticipation > 1 {
		errs = append(errs, "simulator.volume_participation must be between 0 and 1")
	}

	// Live validation
	if c.Live.RetryMaxAttempts < 1 {
		errs = append(errs, "live.retry_max_attempts must be at least 1")
	}
	if c.Live.RetryCapMs < c.Live.RetryBaseMs {
		errs = append(errs, "live.retry_cap_ms must not be below live.retry_base_ms")
	}

	// Venue validation
	if c.Mode == ModeLive || c.Mode == ModePaper {
		switch c.Venue.Type {
		case VenueSandbox:
		case VenueREST:
			if c.Venue.BaseURL == "" {
				errs = append(errs, "venue.base_url is required for rest")
			}
		case VenueAlpaca:
			if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
				errs = append(errs, "venue.api_key and venue.api_secret are required for alpaca")
			}
		default:
			errs = append(errs, fmt.Sprintf("venue.type %q must be rest, alpaca or sandbox", c.Venue.Type))
		}
	}

	// Strategy validation
	if c.Strategy.Name == "" {
		errs = append(errs, "strategy.name is required")
	}
	if c.Strategy.WarmupBars < 0 {
		errs = append(errs, "strategy.warmup_bars must not be negative")
	}

	// Hyperopt validation
	if _, err := backtest.ParseObjective(c.Hyperopt.Objective); err != nil {
		errs = append(errs, fmt.Sprintf("hyperopt.objective %q is unknown", c.Hyperopt.Objective))
	}
	for name, values := range c.Hyperopt.Grid {
		if len(values) == 0 {
			errs = append(errs, fmt.Sprintf("hyperopt.grid.%s has no values", name))
		}
	}

	// Data validation
	start, errStart := parseDate(c.Data.Start)
	if errStart != nil {
		errs = append(errs, fmt.Sprintf("data.start: %v", errStart))
	}
	end, errEnd := parseDate(c.Data.End)
	if errEnd != nil {
		errs = append(errs, fmt.Sprintf("data.end: %v", errEnd))
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		errs = append(errs, "data.end must be after data.start")
	}

	// Persistence validation
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	// Alerting validation
	for _, e := range c.Alerting.Events {
		if e == "all" {
			continue
		}
		if _, err := alerting.ParseEvent(e); err != nil {
			errs = append(errs, fmt.Sprintf("alerting.events: %v", err))
		}
	}
	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console":
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram needs bot_token and chat_id", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type %q", i, ch.Type))
		}
	}

	// Logging validation
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level: %v", err))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, "logging.format must be json or text")
	}

	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		errs = append(errs, "profiling.server_address is required when profiling is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBacktest
	}
	if c.Market.Timeframe == "" {
		c.Market.Timeframe = "1m"
	}
	if c.Account.Leverage == 0 {
		c.Account.Leverage = 1
	}
	if c.Risk.LotPct == 0 {
		c.Risk.LotPct = 0.95
	}
	if c.Execution.ReconcileWindow == "" {
		c.Execution.ReconcileWindow = "5m"
	}
	if c.Execution.TriggerSession == "" {
		c.Execution.TriggerSession = "24h"
	}
	if c.Execution.QueueSize == 0 {
		c.Execution.QueueSize = 1024
	}
	if c.Execution.SubmitTimeoutSec <= 0 {
		c.Execution.SubmitTimeoutSec = 10
	}
	if c.Live.RetryBaseMs <= 0 {
		c.Live.RetryBaseMs = 250
	}
	if c.Live.RetryCapMs <= 0 {
		c.Live.RetryCapMs = 5000
	}
	if c.Live.RetryMaxAttempts == 0 {
		c.Live.RetryMaxAttempts = 5
	}
	if c.Live.PollIntervalSec <= 0 {
		c.Live.PollIntervalSec = 5
	}
	if c.Live.ReconcileSec == 0 {
		c.Live.ReconcileSec = 60
	}
	if c.Venue.Type == "" {
		c.Venue.Type = VenueSandbox
	}
	if c.Venue.DataFeed == "" {
		c.Venue.DataFeed = "iex"
	}
	if c.Hyperopt.Workers <= 0 {
		c.Hyperopt.Workers = 1
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
		if c.Mode == ModeBacktest {
			c.Logging.Format = "text"
		}
	}
	if c.Profiling.ApplicationName == "" {
		c.Profiling.ApplicationName = "quant-runner"
	}
}

// Timeframe returns the parsed bar size.
func (c *Config) Timeframe() time.Duration {
	tf, _ := observer.ParseTimeframe(c.Market.Timeframe)
	return tf
}

// ToSessionConfig converts to engine.SessionConfig.
func (c *Config) ToSessionConfig() engine.SessionConfig {
	cfg := engine.DefaultSessionConfig()
	cfg.Symbol = c.Market.Symbol
	cfg.Timeframe = c.Timeframe()
	cfg.MaxGapBars = c.Market.MaxGapBars
	cfg.WarmupBars = c.Strategy.WarmupBars
	cfg.StartingBalance = decimal.NewFromFloat(c.Account.StartingBalance)
	cfg.Execution = c.ToExecutionConfig()
	cfg.Risk = c.ToRiskConfig()
	cfg.Sizer = c.ToSizer()
	cfg.CancelOrdersOnStop = c.CancelOrdersOnStop()
	cfg.ClosePositionsAtEnd = c.Shutdown.ClosePositionsAtEnd
	return cfg
}

// ToEngineConfig converts to the live loop's engine.Config.
func (c *Config) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Symbol = c.Market.Symbol
	cfg.ReconcileInterval = time.Duration(c.Live.ReconcileSec) * time.Second
	if c.Live.ReconcileSec < 0 {
		cfg.ReconcileInterval = 0
	}
	// Three bars plus a poll without a candle is stale.
	cfg.MaxCandleAge = 3*c.Timeframe() + c.PollInterval()
	cfg.ShutdownTimeout = c.ShutdownTimeout()
	return cfg
}

// ToExecutionConfig converts to execution.Config.
func (c *Config) ToExecutionConfig() execution.Config {
	window, _ := parseDuration(c.Execution.ReconcileWindow)
	ttl, _ := parseDuration(c.Execution.LimitTTL)
	session, _ := parseDuration(c.Execution.TriggerSession)
	return execution.Config{
		ReconcileWindow: window,
		Expiry: execution.ExpiryPolicy{
			LimitTTL:       ttl,
			TriggerSession: session,
		},
		SubmitTimeout: time.Duration(c.Execution.SubmitTimeoutSec) * time.Second,
	}
}

// IDGenerator returns the live client order id source.
func (c *Config) IDGenerator() execution.IDGenerator {
	return execution.UUIDGenerator{Prefix: c.Execution.ClientIDPrefix}
}

// ToRiskConfig converts to risk.Config.
func (c *Config) ToRiskConfig() risk.Config {
	return risk.Config{
		MaxPositionQty: decimal.NewFromFloat(c.Risk.MaxPositionQty),
		MaxLeverage:    decimal.NewFromFloat(c.Risk.MaxLeverage),
		MaxDrawdownPct: decimal.NewFromFloat(c.Risk.MaxDrawdownPct),
	}
}

// ToSizer converts to risk.LotSizer.
func (c *Config) ToSizer() risk.LotSizer {
	s := risk.DefaultLotSizer()
	s.Leverage = decimal.NewFromFloat(c.Account.Leverage)
	s.Pct = decimal.NewFromFloat(c.Risk.LotPct)
	if c.Risk.LotStep > 0 {
		s.Step = decimal.NewFromFloat(c.Risk.LotStep)
	}
	return s
}

// ToSimulatorConfig converts to adapter.SimConfig.
func (c *Config) ToSimulatorConfig() adapter.SimConfig {
	return adapter.SimConfig{
		Slippage:            decimal.NewFromFloat(c.Simulator.Slippage),
		TakerFee:            decimal.NewFromFloat(c.Simulator.TakerFee),
		MakerFee:            decimal.NewFromFloat(c.Simulator.MakerFee),
		VolumeParticipation: decimal.NewFromFloat(c.Simulator.VolumeParticipation),
		QueueSize:           c.Execution.QueueSize,
	}
}

// ToLiveConfig converts to adapter.LiveConfig.
func (c *Config) ToLiveConfig() adapter.LiveConfig {
	cfg := adapter.DefaultLiveConfig()
	cfg.Backoff = adapter.Backoff{
		Base:        time.Duration(c.Live.RetryBaseMs) * time.Millisecond,
		Cap:         time.Duration(c.Live.RetryCapMs) * time.Millisecond,
		Factor:      2,
		MaxAttempts: c.Live.RetryMaxAttempts,
	}
	cfg.RateLimit = c.Live.RateLimitPerSecond
	cfg.QueueSize = c.Execution.QueueSize
	cfg.CallTimeout = time.Duration(c.Execution.SubmitTimeoutSec) * time.Second
	return cfg
}

// ToPaperConfig converts to the sandbox exchange's config. The simulator
// fees apply; paper slippage is a fraction of price.
func (c *Config) ToPaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	cfg.StartingBalance = decimal.NewFromFloat(c.Account.StartingBalance)
	cfg.Fee = decimal.NewFromFloat(c.Simulator.TakerFee)
	return cfg
}

// ToRESTConfig converts to the REST venue client config.
func (c *Config) ToRESTConfig() rest.Config {
	cfg := rest.DefaultConfig()
	cfg.BaseURL = c.Venue.BaseURL
	cfg.WSURL = c.Venue.WSURL
	cfg.APIKey = c.Venue.APIKey
	cfg.APISecret = c.Venue.APISecret
	return cfg
}

// ToAlpacaConfig converts to the Alpaca venue config.
func (c *Config) ToAlpacaConfig() alpaca.Config {
	return alpaca.Config{
		APIKey:    c.Venue.APIKey,
		APISecret: c.Venue.APISecret,
		BaseURL:   c.Venue.BaseURL,
	}
}

// ToBacktestConfig converts to backtest.Config. Backtests always use the
// candle clock and flatten at the end.
func (c *Config) ToBacktestConfig() backtest.Config {
	cfg := backtest.DefaultConfig()
	cfg.Session = c.ToSessionConfig()
	cfg.Session.CandleClock = true
	cfg.Session.CancelOrdersOnStop = true
	cfg.Session.ClosePositionsAtEnd = true
	cfg.Sim = c.ToSimulatorConfig()
	cfg.StartTime, _ = parseDate(c.Data.Start)
	cfg.EndTime, _ = parseDate(c.Data.End)
	return cfg
}

// ToHyperoptConfig converts to backtest.HyperoptConfig.
func (c *Config) ToHyperoptConfig(runID string) backtest.HyperoptConfig {
	objective, _ := backtest.ParseObjective(c.Hyperopt.Objective)
	return backtest.HyperoptConfig{
		RunID:     runID,
		Strategy:  c.Strategy.Name,
		Base:      c.StrategyParams(),
		Grid:      backtest.Grid(c.Hyperopt.Grid),
		Workers:   c.Hyperopt.Workers,
		Objective: objective,
		Backtest:  c.ToBacktestConfig(),
	}
}

// ToServerConfig converts to metrics.ServerConfig.
func (c *Config) ToServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Port = c.Metrics.Port
	cfg.MetricsPath = c.Metrics.Path
	return cfg
}

// StrategyParams returns a copy of the strategy parameters.
func (c *Config) StrategyParams() strategy.Params {
	return strategy.Params(c.Strategy.Params).Clone()
}

// AlertEvents returns the events to pass to alerting.NewNotifier. Nil
// enables every event. Callers check Alerting.Enabled first.
func (c *Config) AlertEvents() []alerting.AlertEvent {
	var out []alerting.AlertEvent
	for _, e := range c.Alerting.Events {
		if e == "all" {
			return nil
		}
		if ev, err := alerting.ParseEvent(e); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event alerting.AlertEvent) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == string(event) || e == "all" {
			return true
		}
	}
	return false
}

// CancelOrdersOnStop defaults to true when unset.
func (c *Config) CancelOrdersOnStop() bool {
	return c.Shutdown.CancelOrdersOnStop == nil || *c.Shutdown.CancelOrdersOnStop
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// PollInterval returns the live candle polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Live.PollIntervalSec) * time.Second
}

// DataWindow returns the configured data range; zero times are open ends.
func (c *Config) DataWindow() (start, end time.Time) {
	start, _ = parseDate(c.Data.Start)
	end, _ = parseDate(c.Data.End)
	return start, end
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
