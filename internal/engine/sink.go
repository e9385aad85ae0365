package engine

import (
	"context"
	"log/slog"
	"time"

	"perotation/internal/report"
	"perotation/internal/store"
)

// Sink persists run results: one line in the result file per run and,
// when a run store is configured, one row per run.
type Sink struct {
	resultFile string
	runs       store.RunStore // may be nil
	strategy   string
	log        *slog.Logger
}

// NewSink creates a Sink. runs may be nil.
func NewSink(resultFile string, runs store.RunStore, strategyName string, logger *slog.Logger) *Sink {
	return &Sink{
		resultFile: resultFile,
		runs:       runs,
		strategy:   strategyName,
		log:        logger.With("component", "sink"),
	}
}

// Line converts a result into its report line.
func Line(r RunResult) report.Line {
	if r.Err != nil {
		return report.Line{Cohort: r.Job.Cohort, Err: r.Err.Error()}
	}
	return report.Line{
		Cohort:      r.Job.Cohort,
		PrepSeconds: r.PrepTime.Seconds(),
		FeedSeconds: r.FeedTime.Seconds(),
		RunSeconds:  r.RunTime.Seconds(),
		FinalValue:  r.FinalValue.InexactFloat64(),
	}
}

// Record persists one result. The result line is written first; a run
// store failure is returned after it.
func (s *Sink) Record(ctx context.Context, r RunResult) error {
	if err := report.AppendLines(s.resultFile, []report.Line{Line(r)}); err != nil {
		return err
	}
	if s.runs == nil {
		return nil
	}
	rec := store.RunRecord{
		Strategy:    s.strategy,
		Cohort:      r.Job.Cohort,
		Trial:       r.Job.Trial,
		Seed:        r.Job.Seed,
		PrepSeconds: r.PrepTime.Seconds(),
		FeedSeconds: r.FeedTime.Seconds(),
		RunSeconds:  r.RunTime.Seconds(),
		FinalValue:  r.FinalValue,
		Stuck:       r.Stuck,
		CreatedAt:   time.Now().UTC(),
	}
	if r.Err != nil {
		rec.Err = r.Err.Error()
	}
	_, err := s.runs.SaveRun(ctx, rec)
	return err
}

// Drain records every result from results until the channel closes and
// returns the number of successful and failed runs. Persistence errors are
// logged and do not stop draining.
func (s *Sink) Drain(ctx context.Context, results <-chan RunResult) (ok, failed int) {
	for r := range results {
		if r.Err != nil {
			failed++
		} else {
			ok++
		}
		if err := s.Record(ctx, r); err != nil {
			s.log.Error("recording result failed", "cohort", r.Job.Cohort, "trial", r.Job.Trial, "err", err)
		}
	}
	return ok, failed
}
