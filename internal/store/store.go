// Package store defines storage interfaces for persisting and retrieving
// market data (bars, valuations, instrument reference data) and backtest
// run results.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"perotation/internal/domain"
)

// ErrNotFound is returned when the requested data has never been stored.
var ErrNotFound = errors.New("not found in store")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars under the given market.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// ValuationStore persists one valuation snapshot per market and trading day.
type ValuationStore interface {
	// WriteValuations replaces the snapshot for date.
	WriteValuations(ctx context.Context, market domain.Market, date time.Time, rows []domain.Valuation) error

	// ReadValuations returns the PE of every instrument in the snapshot for
	// date. Null metrics are NaN. ErrNotFound if no snapshot was stored.
	ReadValuations(ctx context.Context, market domain.Market, date time.Time) (map[string]float64, error)
}

// ReferenceStore persists instrument reference data.
type ReferenceStore interface {
	WriteInstruments(ctx context.Context, market domain.Market, instruments []domain.Instrument) error
	ReadInstruments(ctx context.Context, market domain.Market) ([]domain.Instrument, error)
}

// RunRecord is the persisted outcome of one backtest run.
type RunRecord struct {
	ID          int64
	Strategy    string
	Cohort      int
	Trial       int
	Seed        uint64
	PrepSeconds float64
	FeedSeconds float64
	RunSeconds  float64
	FinalValue  decimal.Decimal
	Stuck       int
	Err         string // empty for successful runs
	CreatedAt   time.Time
}

// RunStore persists backtest run results.
type RunStore interface {
	// SaveRun inserts a run and returns its assigned ID.
	SaveRun(ctx context.Context, run RunRecord) (int64, error)

	// ListRuns returns all runs ordered by ID.
	ListRuns(ctx context.Context) ([]RunRecord, error)

	Close() error
}
