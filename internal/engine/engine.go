// Package engine runs many independent backtests concurrently: one per
// (cohort, trial) job, bounded by a fixed worker count, with results
// streamed back as they complete.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"perotation/internal/strategy"
)

// Job identifies one backtest: a cohort, a trial number and the seed of the
// trial's random source.
type Job struct {
	Cohort int
	Trial  int
	Seed   uint64
}

// Jobs builds the task list trial by trial, running every cohort within a
// trial before the next trial. Every job gets a distinct seed derived from
// baseSeed.
func Jobs(cohorts []int, trials int, baseSeed uint64) []Job {
	jobs := make([]Job, 0, len(cohorts)*trials)
	for trial := 0; trial < trials; trial++ {
		for _, c := range cohorts {
			jobs = append(jobs, Job{Cohort: c, Trial: trial, Seed: baseSeed + uint64(len(jobs))})
		}
	}
	return jobs
}

// Outcome is what a Runner reports for a completed job.
type Outcome struct {
	PrepTime   time.Duration
	FeedTime   time.Duration
	RunTime    time.Duration
	FinalValue decimal.Decimal
	Stuck      int
	Result     *strategy.BacktestResult
}

// RunResult pairs a job with its outcome or error.
type RunResult struct {
	Job Job
	Outcome
	Err error
}

// Runner executes one job. Implementations must not share mutable state
// between concurrent calls.
type Runner interface {
	Run(ctx context.Context, job Job) (Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job Job) (Outcome, error)

// Run calls f(ctx, job).
func (f RunnerFunc) Run(ctx context.Context, job Job) (Outcome, error) { return f(ctx, job) }

// Engine is a bounded worker pool over jobs.
type Engine struct {
	runner  Runner
	workers int
	log     *slog.Logger
}

// NewEngine creates an Engine running at most workers jobs at a time.
func NewEngine(runner Runner, workers int, logger *slog.Logger) *Engine {
	return &Engine{
		runner:  runner,
		workers: max(workers, 1),
		log:     logger.With("component", "engine"),
	}
}

// Run starts the jobs and returns a channel receiving one RunResult per
// started job; the channel is closed when all started jobs finished. A
// failing or panicking job never cancels its siblings. Cancelling ctx stops
// new jobs from starting.
func (e *Engine) Run(ctx context.Context, jobs []Job) <-chan RunResult {
	out := make(chan RunResult, len(jobs))
	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(e.workers)
		started := 0
		for _, job := range jobs {
			if ctx.Err() != nil {
				break
			}
			started++
			g.Go(func() error {
				out <- e.runOne(ctx, job)
				return nil
			})
		}
		g.Wait()

		if skipped := len(jobs) - started; skipped > 0 {
			e.log.Warn("jobs not started", "skipped", skipped, "err", ctx.Err())
		}
	}()
	return out
}

func (e *Engine) runOne(ctx context.Context, job Job) (res RunResult) {
	res.Job = job
	log := e.log.With("cohort", job.Cohort, "trial", job.Trial)
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic: %v", r)
			log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	log.Debug("job started", "seed", job.Seed)
	res.Outcome, res.Err = e.runner.Run(ctx, job)
	if res.Err != nil {
		log.Error("job failed", "err", res.Err)
		return res
	}
	log.Info("job finished",
		"final_value", res.FinalValue.StringFixed(2),
		"stuck", res.Stuck,
		"elapsed", (res.PrepTime + res.FeedTime + res.RunTime).Round(time.Millisecond),
	)
	return res
}
