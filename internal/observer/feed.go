// Package observer produces ordered candle streams from historical stores and live sources.
package observer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tathienbao/quant-runner/internal/types"
)

// CandleFeed defines the interface for candle sources.
// Implementations can be live feeds or historical data.
type CandleFeed interface {
	// Subscribe starts receiving candles for a symbol.
	// The channel is closed when the context is cancelled or the feed ends.
	Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error)

	// Close shuts down the feed and releases resources.
	Close() error

	// Name returns the feed identifier (e.g., "csv", "parquet", "alpaca").
	Name() string
}

// Collect drains a feed into a slice. Intended for finite historical feeds.
func Collect(ctx context.Context, feed CandleFeed, symbol string) ([]types.Candle, error) {
	ch, err := feed.Subscribe(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var out []types.Candle
	for c := range ch {
		out = append(out, c)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// Sequencer enforces the stream ordering invariant. It is not safe for
// concurrent use; each run owns one.
type Sequencer struct {
	Timeframe  time.Duration
	MaxGapBars int // 0 or 1 means no missing bars allowed

	last time.Time
	seen bool
}

// NewSequencer creates a sequencer for one stream.
func NewSequencer(timeframe time.Duration, maxGapBars int) *Sequencer {
	return &Sequencer{Timeframe: timeframe, MaxGapBars: maxGapBars}
}

// Check accepts the candle or returns a *types.DataGapError.
func (s *Sequencer) Check(c types.Candle) error {
	if !s.seen {
		s.seen = true
		s.last = c.OpenTime
		return nil
	}

	if !c.OpenTime.After(s.last) {
		return &types.DataGapError{Symbol: c.Symbol, Previous: s.last, Current: c.OpenTime, Expected: s.Timeframe}
	}

	if s.Timeframe > 0 {
		allowed := s.MaxGapBars
		if allowed < 1 {
			allowed = 1
		}
		if c.OpenTime.Sub(s.last) > s.Timeframe*time.Duration(allowed) {
			return &types.DataGapError{Symbol: c.Symbol, Previous: s.last, Current: c.OpenTime, Expected: s.Timeframe}
		}
	}

	s.last = c.OpenTime
	return nil
}

// Last returns the open time of the last accepted candle.
func (s *Sequencer) Last() (time.Time, bool) {
	return s.last, s.seen
}

// GapReport summarises a historical series without rejecting it.
type GapReport struct {
	Start      time.Time
	End        time.Time
	Interval   time.Duration
	Missing    int
	Duplicates int
}

// CheckCandles scans a series for missing and duplicate bars.
func CheckCandles(candles []types.Candle, timeframe time.Duration) GapReport {
	var r GapReport
	if len(candles) == 0 {
		return r
	}
	r.Start = candles[0].OpenTime
	r.End = candles[len(candles)-1].OpenTime
	r.Interval = timeframe
	if r.Interval <= 0 && len(candles) > 1 {
		r.Interval = candles[1].OpenTime.Sub(candles[0].OpenTime)
	}
	if r.Interval <= 0 {
		return r
	}

	for i := 1; i < len(candles); i++ {
		diff := candles[i].OpenTime.Sub(candles[i-1].OpenTime)
		switch {
		case diff <= 0:
			r.Duplicates++
		case diff > r.Interval:
			r.Missing += int(diff/r.Interval) - 1
		}
	}
	return r
}

// ParseTimeframe parses "1m", "5m", "1h", "4h", "1d" and Go durations.
func ParseTimeframe(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", types.ErrInvalidTimeframe)
	}

	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", types.ErrInvalidTimeframe, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidTimeframe, s)
	}
	return d, nil
}

// FormatTimeframe is the inverse of ParseTimeframe for whole units.
func FormatTimeframe(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}
