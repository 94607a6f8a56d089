package observer

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

// CSVFeed provides historical candles from a CSV file.
type CSVFeed struct {
	filePath  string
	symbol    string
	timeframe time.Duration
	candles   []types.Candle
	loaded    bool
}

// NewCSVFeed creates a new feed from a CSV file.
// CSV format: timestamp,open,high,low,close[,volume]
// Timestamp format: 2006-01-02 15:04:05, RFC3339, Unix seconds or Unix milliseconds.
func NewCSVFeed(filePath, symbol string, timeframe time.Duration) *CSVFeed {
	return &CSVFeed{
		filePath:  filePath,
		symbol:    symbol,
		timeframe: timeframe,
	}
}

// Subscribe streams the file's candles in order.
// The channel will close when all data has been sent or context is cancelled.
func (f *CSVFeed) Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error) {
	if !f.loaded {
		if err := f.load(); err != nil {
			return nil, err
		}
	}
	return streamCandles(ctx, f.candles, symbol), nil
}

// Close releases resources.
func (f *CSVFeed) Close() error {
	f.candles = nil
	f.loaded = false
	return nil
}

// Name returns the feed identifier.
func (f *CSVFeed) Name() string {
	return "csv"
}

// Candles loads (if needed) and returns the parsed series.
func (f *CSVFeed) Candles() ([]types.Candle, error) {
	if !f.loaded {
		if err := f.load(); err != nil {
			return nil, err
		}
	}
	return f.candles, nil
}

func (f *CSVFeed) load() error {
	file, err := os.Open(f.filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	candles, err := ParseCSV(file, f.symbol, f.timeframe)
	if err != nil {
		return fmt.Errorf("parse csv: %w", err)
	}

	f.candles = candles
	f.loaded = true
	return nil
}

// ParseCSV parses candles from a CSV reader. A header row is skipped.
// Rows are sorted by open time; malformed rows are skipped.
func ParseCSV(r io.Reader, symbol string, timeframe time.Duration) ([]types.Candle, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var candles []types.Candle
	lineNum := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		lineNum++

		if lineNum == 1 && isHeader(record) {
			continue
		}
		if len(record) < 5 {
			continue
		}

		c, err := parseRecord(record, symbol, timeframe)
		if err != nil {
			continue
		}
		candles = append(candles, c)
	}

	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})
	return candles, nil
}

func parseRecord(record []string, symbol string, timeframe time.Duration) (types.Candle, error) {
	c := types.Candle{Symbol: symbol, Timeframe: timeframe}

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return c, fmt.Errorf("parse timestamp: %w", err)
	}
	c.OpenTime = ts

	fields := []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close}
	for i, dst := range fields {
		v, err := decimal.NewFromString(strings.TrimSpace(record[i+1]))
		if err != nil {
			return c, fmt.Errorf("parse column %d: %w", i+1, err)
		}
		*dst = v
	}

	if len(record) > 5 {
		if vol, err := decimal.NewFromString(strings.TrimSpace(record[5])); err == nil {
			c.Volume = vol
		}
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// parseTimestamp tries multiple timestamp formats. All results are UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Values past year 2286 in seconds are treated as milliseconds.
		if n > 1e10 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
		"01/02/2006 15:04:05",
		"01/02/2006",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unknown timestamp format: %s", s)
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(record[0])) {
	case "timestamp", "time", "date", "datetime", "open_time":
		return true
	}
	return false
}

func streamCandles(ctx context.Context, candles []types.Candle, symbol string) <-chan types.Candle {
	ch := make(chan types.Candle, 100)

	go func() {
		defer close(ch)
		for _, c := range candles {
			if symbol != "" && c.Symbol != symbol {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()

	return ch
}

// MemoryFeed provides candles from an in-memory slice.
type MemoryFeed struct {
	candles []types.Candle
}

// NewMemoryFeed creates a feed from pre-loaded candles.
func NewMemoryFeed(candles []types.Candle) *MemoryFeed {
	return &MemoryFeed{candles: candles}
}

// Subscribe starts sending candles from memory.
func (f *MemoryFeed) Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error) {
	return streamCandles(ctx, f.candles, symbol), nil
}

// Close is a no-op for memory feed.
func (f *MemoryFeed) Close() error {
	return nil
}

// Name returns the feed identifier.
func (f *MemoryFeed) Name() string {
	return "memory"
}

// Add appends a candle to the feed.
func (f *MemoryFeed) Add(c types.Candle) {
	f.candles = append(f.candles, c)
}

// Candles returns the underlying slice.
func (f *MemoryFeed) Candles() []types.Candle {
	return f.candles
}
