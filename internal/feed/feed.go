// Package feed turns stored daily bars into a chronological stream of
// trading days for the backtester.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"perotation/internal/domain"
	"perotation/internal/store"
	"perotation/internal/strategy"
	"perotation/internal/util"
)

// Compile-time interface check.
var _ strategy.BarFeed = (*Feed)(nil)

// loadWorkers bounds concurrent symbol reads.
const loadWorkers = 8

// Feed is an in-memory, day-ordered bar feed. A Feed is not safe for
// concurrent use; give each backtest its own Cursor.
type Feed struct {
	days []domain.Bars
	pos  int
}

// New builds a Feed from bars of any symbols and days. Days are the union
// of bar dates; each day carries only the instruments with a bar that day.
func New(bars []domain.Bar) *Feed {
	byDay := make(map[time.Time][]domain.Bar)
	for _, b := range bars {
		d := util.DateOf(b.Timestamp)
		byDay[d] = append(byDay[d], b)
	}
	dates := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	f := &Feed{days: make([]domain.Bars, len(dates))}
	for i, d := range dates {
		f.days[i] = domain.NewBars(d, byDay[d])
	}
	return f
}

// Load reads the bars of symbols in [start, end] from s and builds a Feed.
// Symbols without stored bars are simply absent from the feed.
func Load(ctx context.Context, s store.BarStore, market domain.Market, symbols []string, start, end time.Time, progress bool) (*Feed, error) {
	bar := util.NewProgressBar(len(symbols), "data feed", progress)
	defer bar.Finish()

	var (
		mu  sync.Mutex
		all []domain.Bar
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadWorkers)
	for _, sym := range symbols {
		g.Go(func() error {
			defer bar.Add(1)
			bars, err := s.ReadBars(gctx, sym, market, start, end)
			if err != nil {
				return fmt.Errorf("loading %s: %w", sym, err)
			}
			mu.Lock()
			all = append(all, bars...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(all), nil
}

// Next returns the next trading day, or false when the feed is exhausted.
func (f *Feed) Next() (domain.Bars, bool) {
	if f.pos >= len(f.days) {
		return domain.Bars{}, false
	}
	d := f.days[f.pos]
	f.pos++
	return d, true
}

// Len returns the total number of trading days.
func (f *Feed) Len() int { return len(f.days) }

// Dates returns the trading days of the feed in order.
func (f *Feed) Dates() []time.Time {
	out := make([]time.Time, len(f.days))
	for i, d := range f.days {
		out[i] = d.Date()
	}
	return out
}

// Reset rewinds the feed to its first day.
func (f *Feed) Reset() { f.pos = 0 }

// Cursor returns an independent Feed over the same days, positioned at the
// first day. The days are shared read-only, so cursors may be used from
// different goroutines.
func (f *Feed) Cursor() *Feed { return &Feed{days: f.days} }
