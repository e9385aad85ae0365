package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perotation/internal/broker"
	"perotation/internal/config"
	"perotation/internal/domain"
	"perotation/internal/feed"
	"perotation/internal/store"
	"perotation/internal/strategy"
	"perotation/internal/strategy/builtins"
)

// Data holds the read-only inputs shared by every run.
type Data struct {
	Bars       store.BarStore
	Valuations strategy.ValuationSource
	Universe   []string
	Progress   bool // show a progress bar while loading bars
}

// BacktestRunner runs the rotation strategy for one job in a fresh
// simulated account. The bar history is loaded once and shared by all jobs.
type BacktestRunner struct {
	cfg        config.BacktestConfig
	data       Data
	start, end time.Time
	log        *slog.Logger

	mu   sync.Mutex
	feed *feed.Feed
}

// NewBacktestRunner creates a BacktestRunner for cfg.
func NewBacktestRunner(cfg config.BacktestConfig, data Data, logger *slog.Logger) (*BacktestRunner, error) {
	start, end, err := cfg.Window()
	if err != nil {
		return nil, err
	}
	return &BacktestRunner{
		cfg:   cfg,
		data:  data,
		start: start,
		end:   end,
		log:   logger,
	}, nil
}

// Run executes job: data preparation, feed setup and the simulation, each
// timed separately.
func (r *BacktestRunner) Run(ctx context.Context, job Job) (Outcome, error) {
	var out Outcome

	t0 := time.Now()
	history, err := r.history(ctx)
	if err != nil {
		return out, fmt.Errorf("preparing data: %w", err)
	}
	out.PrepTime = time.Since(t0)

	t0 = time.Now()
	days := history.Cursor()
	b := broker.NewSimulatorBroker(
		decimal.NewFromFloat(r.cfg.InitialCash),
		broker.NewCommission(r.cfg.CommissionRate, r.cfg.MinCommission),
		broker.WithFillOnClose(r.cfg.FillOnClose == nil || *r.cfg.FillOnClose),
		broker.WithLogger(r.log),
	)
	rng := rand.New(rand.NewPCG(job.Seed, uint64(job.Cohort)))
	rot := builtins.NewRotation(builtins.RotationConfig{
		Cohort:               job.Cohort,
		CohortCount:          r.cfg.GroupNum,
		BuyNum:               r.cfg.BuyNum,
		RefreshRate:          r.cfg.RefreshRate,
		MaxExitRetries:       r.cfg.MaxExitRetries,
		ExitRetryBackoffDays: r.cfg.ExitRetryBackoffDays,
	}, strategy.NewSelector(r.data.Valuations, r.data.Universe, rng), r.log.With("trial", job.Trial))
	out.FeedTime = time.Since(t0)

	t0 = time.Now()
	res, err := strategy.NewBacktester(nil, r.log).Run(ctx, rot, days, b)
	if err != nil {
		return out, err
	}
	out.RunTime = time.Since(t0)

	out.Result = res
	out.FinalValue = res.FinalValue
	out.Stuck = len(rot.Stuck())
	return out, nil
}

// history loads the bar history once. A failed load is retried by the next
// job.
func (r *BacktestRunner) history(ctx context.Context) (*feed.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feed != nil {
		return r.feed, nil
	}
	f, err := feed.Load(ctx, r.data.Bars, domain.MarketCN, r.data.Universe, r.start, r.end, r.data.Progress)
	if err != nil {
		return nil, err
	}
	r.log.Info("bar history loaded", "symbols", len(r.data.Universe), "days", f.Len())
	r.feed = f
	return f, nil
}
