package observer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// BarSource fetches historical bars for a window.
type BarSource interface {
	Bars(ctx context.Context, symbol string, timeframe time.Duration, start, end time.Time) ([]types.Candle, error)
}

// PollingFeed turns a BarSource into a live stream of closed candles.
// Each bar is emitted once, in open-time order.
type PollingFeed struct {
	source    BarSource
	timeframe time.Duration
	interval  time.Duration
	lookback  int
	now       func() time.Time
	logger    *slog.Logger
}

// PollingOption configures a PollingFeed.
type PollingOption func(*PollingFeed)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) PollingOption {
	return func(f *PollingFeed) { f.now = now }
}

// WithLookback sets how many bars the first poll backfills.
func WithLookback(bars int) PollingOption {
	return func(f *PollingFeed) { f.lookback = bars }
}

// NewPollingFeed creates a live feed polling source every interval.
func NewPollingFeed(source BarSource, timeframe, interval time.Duration, logger *slog.Logger, opts ...PollingOption) *PollingFeed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &PollingFeed{
		source:    source,
		timeframe: timeframe,
		interval:  interval,
		lookback:  100,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe starts polling until ctx is cancelled.
func (f *PollingFeed) Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error) {
	if f.interval <= 0 || f.timeframe <= 0 {
		return nil, fmt.Errorf("%w: poll interval %s, timeframe %s", types.ErrInvalidConfig, f.interval, f.timeframe)
	}

	ch := make(chan types.Candle, 100)

	go func() {
		defer close(ch)

		var last time.Time
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			last = f.poll(ctx, symbol, last, ch)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch, nil
}

// poll emits bars newer than last and returns the new watermark.
func (f *PollingFeed) poll(ctx context.Context, symbol string, last time.Time, ch chan<- types.Candle) time.Time {
	now := f.now()
	start := last.Add(f.timeframe)
	if last.IsZero() {
		start = now.Add(-time.Duration(f.lookback) * f.timeframe)
	}

	candles, err := f.source.Bars(ctx, symbol, f.timeframe, start, now)
	if err != nil {
		f.logger.Warn("poll bars failed", "symbol", symbol, "err", err)
		return last
	}

	for _, c := range candles {
		if !c.OpenTime.After(last) || c.CloseTime().After(now) {
			continue
		}
		select {
		case <-ctx.Done():
			return last
		case ch <- c:
			last = c.OpenTime
		}
	}
	return last
}

// Close is a no-op; cancel the subscription context to stop polling.
func (f *PollingFeed) Close() error { return nil }

// Name returns the feed identifier.
func (f *PollingFeed) Name() string { return "polling" }

// AlpacaBarSource reads bars from the Alpaca market-data API.
type AlpacaBarSource struct {
	client *marketdata.Client
	feed   marketdata.Feed
}

// NewAlpacaBarSource creates a source. dataURL may be empty for the default endpoint.
func NewAlpacaBarSource(apiKey, apiSecret, dataURL, feed string) *AlpacaBarSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaBarSource{client: marketdata.NewClient(opts), feed: marketdata.Feed(feed)}
}

// Bars fetches [start, end) bars for symbol.
func (s *AlpacaBarSource) Bars(ctx context.Context, symbol string, timeframe time.Duration, start, end time.Time) ([]types.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tf, err := alpacaTimeFrame(timeframe)
	if err != nil {
		return nil, err
	}

	bars, err := s.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
		Feed:      s.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}

	out := make([]types.Candle, 0, len(bars))
	for _, b := range bars {
		out = append(out, types.Candle{
			Symbol:    strings.ToUpper(symbol),
			OpenTime:  b.Timestamp.UTC(),
			Open:      decimal.NewFromFloat(b.Open),
			High:      decimal.NewFromFloat(b.High),
			Low:       decimal.NewFromFloat(b.Low),
			Close:     decimal.NewFromFloat(b.Close),
			Volume:    decimal.NewFromInt(int64(b.Volume)),
			Timeframe: timeframe,
		})
	}
	return out, nil
}

func alpacaTimeFrame(d time.Duration) (marketdata.TimeFrame, error) {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return marketdata.NewTimeFrame(int(d/(24*time.Hour)), marketdata.Day), nil
	case d >= time.Hour && d%time.Hour == 0:
		return marketdata.NewTimeFrame(int(d/time.Hour), marketdata.Hour), nil
	case d >= time.Minute && d%time.Minute == 0:
		return marketdata.NewTimeFrame(int(d/time.Minute), marketdata.Min), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("%w: %s not supported by alpaca", types.ErrInvalidTimeframe, d)
	}
}
