package cn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"perotation/internal/domain"
	"perotation/internal/store"
)

// InstrumentSource lists the instruments currently listed on the market.
type InstrumentSource interface {
	StockBasic(ctx context.Context) ([]domain.Instrument, error)
}

// Universe returns the sorted symbols listed strictly before before. The
// instrument list is read from refs and fetched from src (then stored) only
// when refs has none. src may be nil for offline runs.
func Universe(ctx context.Context, src InstrumentSource, refs store.ReferenceStore, before time.Time) ([]string, error) {
	instruments, err := refs.ReadInstruments(ctx, domain.MarketCN)
	if errors.Is(err, store.ErrNotFound) {
		if src == nil {
			return nil, fmt.Errorf("no instrument list stored and no source configured: %w", err)
		}
		instruments, err = src.StockBasic(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching instruments: %w", err)
		}
		if err := refs.WriteInstruments(ctx, domain.MarketCN, instruments); err != nil {
			return nil, fmt.Errorf("caching instruments: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	var out []string
	for _, in := range instruments {
		if in.ListDate.Before(before) {
			out = append(out, in.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}
