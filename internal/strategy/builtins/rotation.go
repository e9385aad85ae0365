// Package builtins provides the strategies that ship with the backtester.
package builtins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"perotation/internal/broker"
	"perotation/internal/domain"
	"perotation/internal/strategy"
	"perotation/internal/util"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Rotation)(nil)

// RotationName is the registry name of the Rotation strategy.
const RotationName = "pe-rotation"

// RotationConfig parameterises a Rotation.
type RotationConfig struct {
	Cohort               int // 1-based valuation cohort to trade
	CohortCount          int
	BuyNum               int // target number of holdings
	RefreshRate          int // trading days between rebalances
	MaxExitRetries       int // resubmissions of a canceled exit before giving up
	ExitRetryBackoffDays int // first resubmission delay, doubled per attempt
}

// StuckPosition is a holding whose exit could not be completed.
type StuckPosition struct {
	Symbol   string
	Qty      int64
	Attempts int
}

// Rotation periodically sells everything and buys an equal-cash basket drawn
// from one valuation cohort.
type Rotation struct {
	cfg       RotationConfig
	selector  *strategy.Selector
	log       *slog.Logger
	broker    broker.Broker
	positions *strategy.PositionTable

	counter    int // cycle counter in [0, RefreshRate)
	day        int // trading days seen
	rebalances []time.Time
	stuck      []StuckPosition
}

// NewRotation creates a Rotation choosing candidates with selector.
func NewRotation(cfg RotationConfig, selector *strategy.Selector, logger *slog.Logger) *Rotation {
	if cfg.RefreshRate < 1 {
		cfg.RefreshRate = 1
	}
	if cfg.ExitRetryBackoffDays < 1 {
		cfg.ExitRetryBackoffDays = 1
	}
	return &Rotation{
		cfg:       cfg,
		selector:  selector,
		log:       logger.With("component", "rotation", "cohort", cfg.Cohort),
		positions: strategy.NewPositionTable(),
	}
}

// Name returns "pe-rotation".
func (r *Rotation) Name() string { return RotationName }

// Init subscribes to the broker's order events.
func (r *Rotation) Init(_ context.Context, b broker.Broker) error {
	if r.selector == nil {
		return errors.New("rotation: nil selector")
	}
	r.broker = b
	b.Subscribe(r.onOrderEvent)
	return nil
}

// Positions returns the position table. Callers must not modify it.
func (r *Rotation) Positions() *strategy.PositionTable { return r.positions }

// Rebalances returns the dates on which a rebalance started.
func (r *Rotation) Rebalances() []time.Time { return r.rebalances }

// Stuck returns the positions whose exit retries were exhausted.
func (r *Rotation) Stuck() []StuckPosition { return r.stuck }

// OnBars resubmits due exits, rebalances when the cycle counter is zero,
// then advances the counter.
func (r *Rotation) OnBars(ctx context.Context, bars domain.Bars) error {
	retryErr := r.resubmitExits(ctx)

	var err error
	if r.counter == 0 {
		r.rebalances = append(r.rebalances, bars.Date())
		err = r.rebalance(ctx, bars)
	}
	r.counter = (r.counter + 1) % r.cfg.RefreshRate
	r.day++
	return errors.Join(retryErr, err)
}

func (r *Rotation) rebalance(ctx context.Context, bars domain.Bars) error {
	var errs []error
	date := bars.Date().Format("2006-01-02")

	// Liquidate.
	for _, sym := range r.positions.Symbols() {
		p, ok := r.positions.Get(sym)
		if !ok || p.Exiting() {
			continue
		}
		if p.State == strategy.PendingEntry {
			if err := r.broker.CancelOrder(ctx, p.EntryOrderID); err != nil {
				errs = append(errs, fmt.Errorf("cancel entry %s: %w", sym, err))
			}
			continue
		}
		if err := r.submitExit(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.broker.ProcessPending(ctx, domain.OrderSideSell, bars); err != nil {
		return errors.Join(append(errs, err)...)
	}

	deficit := r.cfg.BuyNum - r.positions.Len()
	if deficit <= 0 {
		r.log.Info("no free slots after liquidation", "date", date, "positions", r.positions.Len())
		return errors.Join(errs...)
	}
	cashPerSlot := strategy.SlotBudget(r.broker.Cash(), deficit)

	// Select.
	candidates, err := r.selector.Choose(ctx, bars.Date(), r.cfg.Cohort, r.cfg.CohortCount, deficit)
	if err != nil {
		errs = append(errs, fmt.Errorf("select %s: %w", date, err))
		return errors.Join(errs...)
	}
	if len(candidates) == 0 {
		r.log.Info("cohort is empty", "date", date)
	}

	// Size and submit.
	commission := r.broker.Commission()
	for _, sym := range candidates {
		if r.positions.Has(sym) {
			continue
		}
		bar, ok := bars.Get(sym)
		if !ok {
			r.log.Debug("candidate has no bar", "date", date, "symbol", sym)
			continue
		}
		price := r.broker.PendingFillPrice(bar)
		shares := strategy.MaxShares(cashPerSlot, price, commission)
		if shares == 0 {
			r.log.Debug("insufficient cash for one share", "date", date, "symbol", sym,
				"price", price.String(), "cash", cashPerSlot.StringFixed(2))
			continue
		}
		o, err := r.broker.SubmitOrder(ctx, &domain.Order{
			Symbol: sym,
			Side:   domain.OrderSideBuy,
			Type:   domain.OrderTypeMarket,
			Qty:    shares,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("buy %s: %w", sym, err))
			continue
		}
		r.positions.Add(&strategy.Position{Symbol: sym, State: strategy.PendingEntry, EntryOrderID: o.ID})
	}

	if err := r.broker.ProcessPending(ctx, domain.OrderSideBuy, bars); err != nil {
		errs = append(errs, err)
	}
	r.log.Debug("rebalanced", "date", date, "positions", r.positions.Len(),
		"cash", r.broker.Cash().StringFixed(2))
	return errors.Join(errs...)
}

// submitExit sends a good-till-canceled market sell for the whole position.
func (r *Rotation) submitExit(ctx context.Context, p *strategy.Position) error {
	o, err := r.broker.SubmitOrder(ctx, &domain.Order{
		Symbol:           p.Symbol,
		Side:             domain.OrderSideSell,
		Type:             domain.OrderTypeMarket,
		Qty:              p.Qty,
		GoodTillCanceled: true,
	})
	if err != nil {
		return fmt.Errorf("sell %s: %w", p.Symbol, err)
	}
	p.State = strategy.PendingExit
	p.ExitOrderID = o.ID
	return nil
}

// resubmitExits retries canceled exits whose backoff has elapsed.
func (r *Rotation) resubmitExits(ctx context.Context) error {
	var errs []error
	for _, sym := range r.positions.Symbols() {
		p, _ := r.positions.Get(sym)
		if !p.Exiting() || p.ExitOrderID != "" || p.Stuck || p.RetryDay > r.day {
			continue
		}
		if err := r.submitExit(ctx, p); err != nil {
			errs = append(errs, err)
			r.scheduleRetry(p)
			continue
		}
		r.log.Info("exit resubmitted", "symbol", sym, "attempt", p.ExitAttempts)
	}
	return errors.Join(errs...)
}

// scheduleRetry counts a failed exit and either schedules the next attempt
// or marks the position stuck.
func (r *Rotation) scheduleRetry(p *strategy.Position) {
	p.ExitOrderID = ""
	p.ExitAttempts++
	if p.ExitAttempts > r.cfg.MaxExitRetries {
		p.Stuck = true
		r.stuck = append(r.stuck, StuckPosition{Symbol: p.Symbol, Qty: p.Qty, Attempts: p.ExitAttempts})
		r.log.Error("exit retries exhausted, position stuck", "symbol", p.Symbol,
			"qty", p.Qty, "attempts", p.ExitAttempts)
		return
	}
	p.RetryDay = r.day + util.Backoff(r.cfg.ExitRetryBackoffDays, p.ExitAttempts-1)
	r.log.Warn("exit canceled, will resubmit", "symbol", p.Symbol,
		"attempt", p.ExitAttempts, "retry_day", p.RetryDay)
}

func (r *Rotation) onOrderEvent(_ context.Context, ev domain.OrderEvent) {
	o := ev.Order
	p, ok := r.positions.Get(o.Symbol)
	if !ok {
		return
	}
	switch {
	case o.ID == p.EntryOrderID && p.State == strategy.PendingEntry:
		if ev.Type == domain.OrderEventFilled {
			p.State = strategy.Active
			p.Qty = o.FilledQty
		} else {
			r.positions.Remove(o.Symbol)
		}
	case o.ID == p.ExitOrderID && p.Exiting():
		if ev.Type == domain.OrderEventFilled {
			r.positions.Remove(o.Symbol)
		} else {
			r.scheduleRetry(p)
		}
	}
}
