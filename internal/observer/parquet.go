package observer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/quant-runner/internal/types"
)

var _ CandleFeed = (*ParquetFeed)(nil)

// CandleRecord is the on-disk parquet schema for one candle.
type CandleRecord struct {
	Symbol    string  `parquet:"symbol"`
	OpenTime  int64   `parquet:"open_time,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
	Timeframe int64   `parquet:"timeframe_sec"`
}

// ParquetStore keeps one file per symbol and timeframe:
//
//	<DataDir>/<SYMBOL>/<timeframe>.parquet
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a store rooted at dataDir.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// Path returns the file holding symbol/timeframe.
func (s *ParquetStore) Path(symbol string, timeframe time.Duration) string {
	return filepath.Join(s.DataDir, strings.ToUpper(symbol), FormatTimeframe(timeframe)+".parquet")
}

// WriteCandles merges candles into the symbol's file. Existing bars with the
// same open time are replaced.
func (s *ParquetStore) WriteCandles(symbol string, timeframe time.Duration, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	path := s.Path(symbol, timeframe)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	merged := make(map[int64]CandleRecord)
	if existing, err := parquet.ReadFile[CandleRecord](path); err == nil {
		for _, r := range existing {
			merged[r.OpenTime] = r
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	for _, c := range candles {
		r := toRecord(c)
		r.Symbol = strings.ToUpper(symbol)
		r.Timeframe = int64(timeframe / time.Second)
		merged[r.OpenTime] = r
	}

	records := make([]CandleRecord, 0, len(merged))
	for _, r := range merged {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].OpenTime < records[j].OpenTime })

	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadCandles returns candles in [start, end). Zero bounds are open.
func (s *ParquetStore) ReadCandles(symbol string, timeframe time.Duration, start, end time.Time) ([]types.Candle, error) {
	path := s.Path(symbol, timeframe)
	records, err := parquet.ReadFile[CandleRecord](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].OpenTime < records[j].OpenTime })

	out := make([]types.Candle, 0, len(records))
	for _, r := range records {
		c := fromRecord(r, timeframe)
		if !start.IsZero() && c.OpenTime.Before(start) {
			continue
		}
		if !end.IsZero() && !c.OpenTime.Before(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func toRecord(c types.Candle) CandleRecord {
	return CandleRecord{
		Symbol:   c.Symbol,
		OpenTime: c.OpenTime.UnixMilli(),
		Open:     c.Open.InexactFloat64(),
		High:     c.High.InexactFloat64(),
		Low:      c.Low.InexactFloat64(),
		Close:    c.Close.InexactFloat64(),
		Volume:   c.Volume.InexactFloat64(),
	}
}

func fromRecord(r CandleRecord, timeframe time.Duration) types.Candle {
	if r.Timeframe > 0 {
		timeframe = time.Duration(r.Timeframe) * time.Second
	}
	return types.Candle{
		Symbol:    r.Symbol,
		OpenTime:  time.UnixMilli(r.OpenTime).UTC(),
		Open:      decimal.NewFromFloat(r.Open),
		High:      decimal.NewFromFloat(r.High),
		Low:       decimal.NewFromFloat(r.Low),
		Close:     decimal.NewFromFloat(r.Close),
		Volume:    decimal.NewFromFloat(r.Volume),
		Timeframe: timeframe,
	}
}

// ParquetFeed replays a stored range.
type ParquetFeed struct {
	store     *ParquetStore
	timeframe time.Duration
	start     time.Time
	end       time.Time
}

// NewParquetFeed creates a feed over store for [start, end).
func NewParquetFeed(store *ParquetStore, timeframe time.Duration, start, end time.Time) *ParquetFeed {
	return &ParquetFeed{store: store, timeframe: timeframe, start: start, end: end}
}

// Subscribe loads the range and streams it.
func (f *ParquetFeed) Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error) {
	candles, err := f.store.ReadCandles(symbol, f.timeframe, f.start, f.end)
	if err != nil {
		return nil, err
	}
	return streamCandles(ctx, candles, ""), nil
}

// Close is a no-op.
func (f *ParquetFeed) Close() error { return nil }

// Name returns the feed identifier.
func (f *ParquetFeed) Name() string { return "parquet" }
