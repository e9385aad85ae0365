package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"perotation/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ ValuationStore = (*ParquetStore)(nil)
var _ ReferenceStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore, ValuationStore and ReferenceStore using
// Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	Amount    float64 `parquet:"amount"`
}

// ValuationRecord is the Parquet schema for one row of a valuation snapshot.
type ValuationRecord struct {
	Symbol string   `parquet:"symbol"`
	PE     *float64 `parquet:"pe,optional"`
}

// InstrumentRecord is the Parquet schema for instrument reference data.
type InstrumentRecord struct {
	Symbol   string `parquet:"symbol"`
	Name     string `parquet:"name"`
	ListDate int64  `parquet:"list_date,timestamp(millisecond)"` // Unix ms
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
//
// Existing rows for the same timestamp are replaced.
func (s *ParquetStore) WriteBars(_ context.Context, market domain.Market, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.Year()}
		groups[k] = append(groups[k], toBarRecord(b))
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("reading bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range. Years without a file are skipped.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, market, year))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s/%d: %w", symbol, year, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, fromBarRecord(r))
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market domain.Market) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(market), "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// HasBars reports whether a bar file exists for symbol in every year of
// [startYear, endYear].
func (s *ParquetStore) HasBars(symbol string, market domain.Market, startYear, endYear int) bool {
	if startYear > endYear {
		return false
	}
	for year := startYear; year <= endYear; year++ {
		if _, err := os.Stat(s.barPath(symbol, market, year)); err != nil {
			return false
		}
	}
	return true
}

func toBarRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.UnixMilli(),
		Open:      b.Open.InexactFloat64(),
		High:      b.High.InexactFloat64(),
		Low:       b.Low.InexactFloat64(),
		Close:     b.Close.InexactFloat64(),
		Volume:    b.Volume,
		Amount:    b.Amount.InexactFloat64(),
	}
}

func fromBarRecord(r BarRecord) domain.Bar {
	return domain.Bar{
		Symbol:    r.Symbol,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Open:      decimal.NewFromFloat(r.Open),
		High:      decimal.NewFromFloat(r.High),
		Low:       decimal.NewFromFloat(r.Low),
		Close:     decimal.NewFromFloat(r.Close),
		Volume:    r.Volume,
		Amount:    decimal.NewFromFloat(r.Amount),
	}
}

// ---------------------------------------------------------------------------
// ValuationStore implementation
// ---------------------------------------------------------------------------

// WriteValuations writes the snapshot for date to
// <DataDir>/<market>/valuation/<YYYYMMDD>.parquet, replacing any previous
// snapshot for that day.
func (s *ParquetStore) WriteValuations(_ context.Context, market domain.Market, date time.Time, rows []domain.Valuation) error {
	records := make([]ValuationRecord, 0, len(rows))
	for _, v := range rows {
		rec := ValuationRecord{Symbol: v.Symbol}
		if !math.IsNaN(v.PE) && !math.IsInf(v.PE, 0) {
			pe := v.PE
			rec.PE = &pe
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Symbol < records[j].Symbol })

	if err := writeParquetFile(s.valuationPath(market, date), records); err != nil {
		return fmt.Errorf("writing valuations for %s: %w", date.Format("20060102"), err)
	}
	return nil
}

// ReadValuations reads the snapshot for date.
func (s *ParquetStore) ReadValuations(_ context.Context, market domain.Market, date time.Time) (map[string]float64, error) {
	records, err := readParquetFile[ValuationRecord](s.valuationPath(market, date))
	if err != nil {
		return nil, fmt.Errorf("valuations for %s: %w", date.Format("20060102"), err)
	}
	out := make(map[string]float64, len(records))
	for _, r := range records {
		if r.PE == nil {
			out[r.Symbol] = math.NaN()
			continue
		}
		out[r.Symbol] = *r.PE
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// ReferenceStore implementation
// ---------------------------------------------------------------------------

// WriteInstruments replaces the instrument list of market.
func (s *ParquetStore) WriteInstruments(_ context.Context, market domain.Market, instruments []domain.Instrument) error {
	records := make([]InstrumentRecord, 0, len(instruments))
	for _, in := range instruments {
		records = append(records, InstrumentRecord{
			Symbol:   in.Symbol,
			Name:     in.Name,
			ListDate: in.ListDate.UnixMilli(),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Symbol < records[j].Symbol })
	return writeParquetFile(s.instrumentsPath(market), records)
}

// ReadInstruments returns the stored instrument list sorted by symbol.
func (s *ParquetStore) ReadInstruments(_ context.Context, market domain.Market) ([]domain.Instrument, error) {
	records, err := readParquetFile[InstrumentRecord](s.instrumentsPath(market))
	if err != nil {
		return nil, fmt.Errorf("instruments for %s: %w", market, err)
	}
	out := make([]domain.Instrument, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Instrument{
			Symbol:   r.Symbol,
			Name:     r.Name,
			ListDate: time.UnixMilli(r.ListDate).UTC(),
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, market domain.Market, year int) string {
	return filepath.Join(s.DataDir, string(market), "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// valuationPath: <dataDir>/<market>/valuation/<YYYYMMDD>.parquet
func (s *ParquetStore) valuationPath(market domain.Market, date time.Time) string {
	return filepath.Join(s.DataDir, string(market), "valuation", date.Format("20060102")+".parquet")
}

// instrumentsPath: <dataDir>/<market>/reference/instruments.parquet
func (s *ParquetStore) instrumentsPath(market domain.Market) string {
	return filepath.Join(s.DataDir, string(market), "reference", "instruments.parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes records to a temporary file and renames it into
// place so concurrent readers never see a partial file.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.parquet")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := parquet.Write(tmp, records); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// readParquetFile returns ErrNotFound when path does not exist.
func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
