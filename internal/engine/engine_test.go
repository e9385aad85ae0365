package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perotation/internal/config"
	"perotation/internal/domain"
	"perotation/internal/report"
	"perotation/internal/store"
	"perotation/internal/util"
)

func TestJobs(t *testing.T) {
	jobs := Jobs([]int{1, 2, 3, 4, 5}, 2, 100)
	if len(jobs) != 10 {
		t.Fatalf("len(Jobs) = %d, want 10", len(jobs))
	}
	if jobs[0].Trial != 0 || jobs[4].Cohort != 5 || jobs[5].Trial != 1 || jobs[5].Cohort != 1 {
		t.Errorf("jobs not in trial-major order: %+v", jobs)
	}
	seeds := make(map[uint64]bool)
	for _, j := range jobs {
		if seeds[j.Seed] {
			t.Errorf("duplicate seed %d", j.Seed)
		}
		seeds[j.Seed] = true
	}
}

func TestEngineBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int64
	runner := RunnerFunc(func(ctx context.Context, job Job) (Outcome, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return Outcome{FinalValue: decimal.NewFromInt(int64(job.Cohort))}, nil
	})

	e := NewEngine(runner, 3, util.Discard())
	got := 0
	for r := range e.Run(context.Background(), Jobs([]int{1, 2, 3, 4, 5}, 4, 1)) {
		if r.Err != nil {
			t.Errorf("job %+v failed: %v", r.Job, r.Err)
		}
		if !r.FinalValue.Equal(decimal.NewFromInt(int64(r.Job.Cohort))) {
			t.Errorf("job %+v got value %s", r.Job, r.FinalValue)
		}
		got++
	}
	if got != 20 {
		t.Errorf("received %d results, want 20", got)
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestEngineIsolatesFailures(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, job Job) (Outcome, error) {
		switch job.Cohort {
		case 2:
			return Outcome{}, errors.New("no data")
		case 3:
			var m map[string]int
			m["boom"] = 1
		}
		return Outcome{FinalValue: decimal.NewFromInt(1)}, nil
	})

	failed := make(map[int]error)
	ok := 0
	for r := range NewEngine(runner, 2, util.Discard()).Run(context.Background(), Jobs([]int{1, 2, 3, 4}, 1, 0)) {
		if r.Err != nil {
			failed[r.Job.Cohort] = r.Err
			continue
		}
		ok++
	}
	if ok != 2 || len(failed) != 2 {
		t.Fatalf("ok=%d failed=%v, want 2 and cohorts 2,3", ok, failed)
	}
	if failed[3] == nil || failed[2] == nil {
		t.Errorf("failures = %v", failed)
	}
}

func TestEngineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := RunnerFunc(func(context.Context, Job) (Outcome, error) {
		t.Error("runner called after cancellation")
		return Outcome{}, nil
	})
	n := 0
	for range NewEngine(runner, 2, util.Discard()).Run(ctx, Jobs([]int{1}, 3, 0)) {
		n++
	}
	if n != 0 {
		t.Errorf("received %d results from a cancelled run", n)
	}
}

type staticValuations map[string]float64

func (s staticValuations) Valuations(context.Context, time.Time) (map[string]float64, error) {
	return s, nil
}

type countingBars struct {
	store.BarStore
	mu    sync.Mutex
	reads int
}

func (c *countingBars) ReadBars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.BarStore.ReadBars(ctx, symbol, market, start, end)
}

func writeFlatBars(t *testing.T, ps *store.ParquetStore, symbols []string, days int) {
	t.Helper()
	px := decimal.NewFromInt(10)
	var bars []domain.Bar
	for _, sym := range symbols {
		for d := 0; d < days; d++ {
			bars = append(bars, domain.Bar{
				Symbol:    sym,
				Timestamp: time.Date(2010, 1, 4, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d),
				Open:      px, High: px, Low: px, Close: px,
				Volume: 1000,
			})
		}
	}
	if err := ps.WriteBars(context.Background(), domain.MarketCN, bars); err != nil {
		t.Fatal(err)
	}
}

func testBacktestConfig() config.BacktestConfig {
	cfg := config.Config{}
	cfg.ApplyDefaults()
	b := cfg.Backtest
	b.InitialCash = 100_000
	b.GroupNum = 1
	b.BuyNum = 2
	b.RefreshRate = 20
	b.CommissionRate = 0
	b.StartDate = "2010-01-01"
	b.EndDate = "2010-03-31"
	return b
}

func TestBacktestRunner(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	symbols := []string{"A", "B", "C"}
	writeFlatBars(t, ps, symbols, 45)
	bars := &countingBars{BarStore: ps}

	r, err := NewBacktestRunner(testBacktestConfig(), Data{
		Bars:       bars,
		Valuations: staticValuations{"A": 1, "B": 2, "C": 3},
		Universe:   symbols,
	}, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	for seed := uint64(1); seed <= 2; seed++ {
		out, err := r.Run(context.Background(), Job{Cohort: 1, Seed: seed})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if out.Result.Days != 45 {
			t.Errorf("Days = %d, want 45", out.Result.Days)
		}
		if !out.FinalValue.Equal(decimal.NewFromInt(100_000)) {
			t.Errorf("FinalValue = %s, want 100000 at flat prices without commission", out.FinalValue)
		}
		if out.Result.TotalTrades != 10 {
			t.Errorf("TotalTrades = %d, want 10 (rebalances on days 0, 20 and 40)", out.Result.TotalTrades)
		}
		if out.Stuck != 0 {
			t.Errorf("Stuck = %d, want 0", out.Stuck)
		}
	}
	if bars.reads != len(symbols) {
		t.Errorf("bar store read %d times, want %d (history shared across jobs)", bars.reads, len(symbols))
	}
}

func TestSink(t *testing.T) {
	dir := t.TempDir()
	runs, err := store.NewSQLiteStore(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer runs.Close()

	resultFile := filepath.Join(dir, "result.txt")
	sink := NewSink(resultFile, runs, "pe-rotation", util.Discard())

	results := make(chan RunResult, 2)
	results <- RunResult{
		Job:     Job{Cohort: 1, Trial: 0, Seed: 7},
		Outcome: Outcome{PrepTime: 1500 * time.Millisecond, RunTime: 2 * time.Second, FinalValue: decimal.RequireFromString("1012345.678")},
	}
	results <- RunResult{Job: Job{Cohort: 2, Trial: 0, Seed: 8}, Err: errors.New("no data")}
	close(results)

	ok, failed := sink.Drain(context.Background(), results)
	if ok != 1 || failed != 1 {
		t.Errorf("Drain = %d ok, %d failed; want 1, 1", ok, failed)
	}

	lines, _, err := report.ReadLines(resultFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("result file has %d lines, want 2", len(lines))
	}
	if lines[0].FinalValue != 1012345.68 || lines[0].PrepSeconds != 1.5 {
		t.Errorf("success line = %+v", lines[0])
	}
	if !lines[1].Failed() {
		t.Errorf("failure line = %+v", lines[1])
	}

	recs, err := runs.ListRuns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListRuns returned %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Strategy != "pe-rotation" {
			t.Errorf("record strategy = %q", rec.Strategy)
		}
		if rec.Cohort == 2 && rec.Err != "no data" {
			t.Errorf("failed record Err = %q", rec.Err)
		}
	}
}
