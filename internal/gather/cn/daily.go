package cn

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"perotation/internal/domain"
	"perotation/internal/gather"
	"perotation/internal/store"
	"perotation/internal/util"
)

// Compile-time interface check.
var _ gather.Gatherer = (*DailyBarGatherer)(nil)

// BarSource fetches the daily bars of one symbol.
type BarSource interface {
	Daily(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// GatherStats summarises one DailyBarGatherer run.
type GatherStats struct {
	Fetched int64 // symbols written
	Empty   int64 // symbols with no bars in the window
	Failed  int64 // symbols whose fetch or write failed
	Skipped int64 // symbols already on disk
}

// DailyBarGatherer downloads the daily bars of every universe symbol that is
// not yet stored for the window.
type DailyBarGatherer struct {
	client     BarSource
	store      *store.ParquetStore
	symbols    []string
	window     gather.DateRange
	maxWorkers int
	progress   bool
	log        *slog.Logger

	stats GatherStats
}

// NewDailyBarGatherer creates a DailyBarGatherer for symbols over window.
func NewDailyBarGatherer(client BarSource, s *store.ParquetStore, symbols []string, window gather.DateRange, maxWorkers int, progress bool, logger *slog.Logger) *DailyBarGatherer {
	return &DailyBarGatherer{
		client:     client,
		store:      s,
		symbols:    symbols,
		window:     window,
		maxWorkers: max(maxWorkers, 1),
		progress:   progress,
		log:        logger.With("gatherer", "cn-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "cn-daily" }

// Stats returns the counters of the last Run.
func (g *DailyBarGatherer) Stats() GatherStats { return g.stats }

// Run fetches and stores the missing symbols. Per-symbol failures are logged
// and counted, not returned; only context cancellation aborts the run.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	key := g.window.Key()
	tracker, err := newProgressTracker(filepath.Join(g.store.DataDir, string(domain.MarketCN), "daily"), key)
	if err != nil {
		return fmt.Errorf("creating progress tracker: %w", err)
	}
	defer tracker.Close()

	g.stats = GatherStats{}
	if tracker.IsCompleted(key) {
		g.stats.Skipped = int64(len(g.symbols))
		g.log.Info("already completed", "window", key)
		return nil
	}

	var remaining []string
	for _, sym := range g.symbols {
		if tracker.IsTriedEmpty(sym) || tracker.IsFetched(sym) ||
			g.store.HasBars(sym, domain.MarketCN, g.window.Start.Year(), g.window.End.Year()) {
			g.stats.Skipped++
			continue
		}
		remaining = append(remaining, sym)
	}

	g.log.Info("starting cn-daily",
		"window", key,
		"total", len(g.symbols),
		"remaining", len(remaining),
	)
	if len(remaining) == 0 {
		return tracker.MarkCompleted(key)
	}

	symCh := make(chan string, len(remaining))
	for _, sym := range remaining {
		symCh <- sym
	}
	close(symCh)

	var (
		wg       sync.WaitGroup
		fetched  atomic.Int64
		empty    atomic.Int64
		failed   atomic.Int64
		runStart = time.Now()
		bar      = util.NewProgressBar(len(remaining), "data preparation", g.progress)
	)

	workers := min(g.maxWorkers, len(remaining))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range symCh {
				if ctx.Err() != nil {
					return
				}
				bars, err := g.client.Daily(ctx, sym, g.window.Start, g.window.End)
				bars = slices.DeleteFunc(bars, func(b domain.Bar) bool { return !g.window.Contains(b.Timestamp) })
				switch {
				case err != nil:
					g.log.Error("fetch failed", "symbol", sym, "err", err)
					failed.Add(1)
				case len(bars) == 0:
					if err := tracker.MarkEmpty(sym); err != nil {
						g.log.Error("marking empty failed", "symbol", sym, "err", err)
					}
					empty.Add(1)
				default:
					if err := g.store.WriteBars(ctx, domain.MarketCN, bars); err != nil {
						g.log.Error("writing bars failed", "symbol", sym, "err", err)
						failed.Add(1)
						break
					}
					if err := tracker.MarkFetched(sym); err != nil {
						g.log.Error("marking fetched failed", "symbol", sym, "err", err)
					}
					fetched.Add(1)
				}
				bar.Add(1)
			}
		}()
	}
	wg.Wait()
	bar.Finish()

	g.stats.Fetched = fetched.Load()
	g.stats.Empty = empty.Load()
	g.stats.Failed = failed.Load()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if g.stats.Failed == 0 {
		if err := tracker.MarkCompleted(key); err != nil {
			return fmt.Errorf("marking completed: %w", err)
		}
	}

	g.log.Info("complete",
		"fetched", g.stats.Fetched,
		"empty", g.stats.Empty,
		"failed", g.stats.Failed,
		"skipped", g.stats.Skipped,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return nil
}
