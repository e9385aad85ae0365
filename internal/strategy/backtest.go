package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perotation/internal/broker"
	"perotation/internal/domain"
)

// BarFeed yields trading days in chronological order.
type BarFeed interface {
	Next() (domain.Bars, bool)
}

// EquityPoint is the account equity at the close of one trading day.
type EquityPoint struct {
	Date   time.Time
	Equity decimal.Decimal
}

// BacktestResult holds the summary metrics produced by a backtest run.
type BacktestResult struct {
	Days         int
	InitialValue decimal.Decimal
	FinalValue   decimal.Decimal
	TotalReturn  float64
	MaxDrawdown  float64
	TotalTrades  int
	CycleErrors  int
	Equity       []EquityPoint
}

// Backtester replays a bar feed through a strategy and a broker and computes
// performance metrics.
type Backtester struct {
	registry *Registry
	log      *slog.Logger
}

// NewBacktester creates a Backtester that looks up strategies in registry.
func NewBacktester(registry *Registry, logger *slog.Logger) *Backtester {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Backtester{
		registry: registry,
		log:      logger.With("component", "backtester"),
	}
}

// RunNamed looks up the named strategy and runs it.
func (bt *Backtester) RunNamed(ctx context.Context, name string, feed BarFeed, b broker.Broker) (*BacktestResult, error) {
	strat, ok := bt.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", name, bt.registry.List())
	}
	return bt.Run(ctx, strat, feed, b)
}

// Run drives strat through every day of feed. Each day the broker sees the
// bars first, then the strategy. Strategy errors are logged and counted but
// do not stop the run; context cancellation does.
func (bt *Backtester) Run(ctx context.Context, strat Strategy, feed BarFeed, b broker.Broker) (*BacktestResult, error) {
	fills := 0
	b.Subscribe(func(_ context.Context, ev domain.OrderEvent) {
		if ev.Type == domain.OrderEventFilled {
			fills++
		}
	})
	if err := strat.Init(ctx, b); err != nil {
		return nil, fmt.Errorf("init %s: %w", strat.Name(), err)
	}

	acct, err := b.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	res := &BacktestResult{InitialValue: acct.Equity, FinalValue: acct.Equity}
	peak := acct.Equity

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, ok := feed.Next()
		if !ok {
			break
		}
		if err := b.OnBars(ctx, bars); err != nil {
			return nil, err
		}
		if err := strat.OnBars(ctx, bars); err != nil {
			res.CycleErrors++
			bt.log.Warn("strategy cycle failed", "strategy", strat.Name(),
				"date", bars.Date().Format("2006-01-02"), "error", err)
		}

		acct, err := b.GetAccount(ctx)
		if err != nil {
			return nil, err
		}
		res.Days++
		res.Equity = append(res.Equity, EquityPoint{Date: bars.Date(), Equity: acct.Equity})
		res.FinalValue = acct.Equity

		if acct.Equity.GreaterThan(peak) {
			peak = acct.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(acct.Equity).Div(peak).InexactFloat64()
			if dd > res.MaxDrawdown {
				res.MaxDrawdown = dd
			}
		}
	}

	if res.InitialValue.IsPositive() {
		res.TotalReturn = res.FinalValue.Sub(res.InitialValue).Div(res.InitialValue).InexactFloat64()
	}
	res.TotalTrades = fills
	return res, nil
}
