package cn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"perotation/internal/domain"
	"perotation/internal/store"
	"perotation/internal/strategy"
	"perotation/internal/util"
)

// Compile-time interface check.
var _ strategy.ValuationSource = (*ValuationCache)(nil)

// ValuationFetcher downloads the valuation snapshot of one trading day.
type ValuationFetcher interface {
	DailyBasic(ctx context.Context, date time.Time) ([]domain.Valuation, error)
}

// ValuationCache serves valuation snapshots read-through: memory, then the
// valuation store, then the fetcher (whose result is stored). Snapshots are
// immutable once loaded, so one cache is shared by every backtest worker.
type ValuationCache struct {
	fetcher ValuationFetcher // may be nil for offline runs
	store   store.ValuationStore
	log     *slog.Logger

	mem   sync.Map // date key -> map[string]float64
	group singleflight.Group
}

// NewValuationCache creates a ValuationCache. fetcher may be nil, in which
// case snapshots missing from the store are unavailable.
func NewValuationCache(fetcher ValuationFetcher, s store.ValuationStore, logger *slog.Logger) *ValuationCache {
	return &ValuationCache{
		fetcher: fetcher,
		store:   s,
		log:     logger.With("component", "valuation-cache"),
	}
}

// Valuations returns the PE snapshot for date. Any failure to obtain a
// non-empty snapshot is reported as strategy.ErrDataUnavailable. The
// returned map must not be modified.
func (c *ValuationCache) Valuations(ctx context.Context, date time.Time) (map[string]float64, error) {
	key := date.Format(tushareDate)
	if v, ok := c.mem.Load(key); ok {
		return v.(map[string]float64), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, date)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", strategy.ErrDataUnavailable, key, err)
	}
	values := v.(map[string]float64)
	c.mem.Store(key, values)
	return values, nil
}

func (c *ValuationCache) load(ctx context.Context, date time.Time) (map[string]float64, error) {
	values, err := c.store.ReadValuations(ctx, domain.MarketCN, date)
	if err == nil {
		if len(values) == 0 {
			return nil, errors.New("empty snapshot on disk")
		}
		return values, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if c.fetcher == nil {
		return nil, store.ErrNotFound
	}

	rows, err := c.fetcher.DailyBasic(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("provider returned no rows")
	}
	if err := c.store.WriteValuations(ctx, domain.MarketCN, date, rows); err != nil {
		c.log.Warn("caching valuations failed", "date", date.Format(tushareDate), "err", err)
	}

	values = make(map[string]float64, len(rows))
	for _, r := range rows {
		values[r.Symbol] = r.PE
	}
	return values, nil
}

// Prefetch loads the snapshots of dates with up to workers concurrent
// fetches. Dates that cannot be loaded are logged and counted; Prefetch
// only fails on context cancellation.
func (c *ValuationCache) Prefetch(ctx context.Context, dates []time.Time, workers int, progress bool) (failed int, err error) {
	bar := util.NewProgressBar(len(dates), "valuation prefetch", progress)
	defer bar.Finish()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(max(workers, 1))
	for _, d := range dates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer bar.Add(1)
			if _, err := c.Valuations(ctx, d); err != nil {
				c.log.Warn("prefetch failed", "date", d.Format(tushareDate), "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed, ctx.Err()
}
