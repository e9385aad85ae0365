package builtins

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"perotation/internal/broker"
	"perotation/internal/domain"
	"perotation/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACrossName is the registry name of the SMACross strategy.
const SMACrossName = "sma-cross"

// lotSize is the board lot on the A-share market.
const lotSize = 100

// SMACross implements a simple moving average crossover strategy on one
// instrument. It buys when the short-period SMA crosses above the
// long-period SMA and sells when it crosses below.
type SMACross struct {
	instrument  string
	shortPeriod int
	longPeriod  int
	maxRetries  int
	log         *slog.Logger

	broker  broker.Broker
	closes  []decimal.Decimal // last longPeriod+1 closes
	pos     *strategy.Position
	retries int
}

// NewSMACross creates a new SMACross strategy trading instrument with the
// specified short and long moving average periods. A canceled exit is
// resubmitted at most maxExitRetries times.
func NewSMACross(instrument string, short, long, maxExitRetries int, logger *slog.Logger) *SMACross {
	return &SMACross{
		instrument:  instrument,
		shortPeriod: short,
		longPeriod:  long,
		maxRetries:  maxExitRetries,
		log:         logger.With("component", "sma-cross", "instrument", instrument),
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return SMACrossName
}

// Init subscribes to order events.
func (s *SMACross) Init(_ context.Context, b broker.Broker) error {
	if s.shortPeriod < 1 || s.longPeriod <= s.shortPeriod {
		return fmt.Errorf("sma-cross: periods must satisfy 0 < short < long, got %d/%d", s.shortPeriod, s.longPeriod)
	}
	s.broker = b
	s.closes = make([]decimal.Decimal, 0, s.longPeriod+1)
	b.Subscribe(s.onOrderEvent)
	return nil
}

// InPosition reports whether an entry or exit is outstanding or shares are held.
func (s *SMACross) InPosition() bool { return s.pos != nil }

// OnBars records the close and acts on crossovers.
func (s *SMACross) OnBars(ctx context.Context, bars domain.Bars) error {
	bar, ok := bars.Get(s.instrument)
	if !ok {
		return nil
	}
	if len(s.closes) == s.longPeriod+1 {
		s.closes = append(s.closes[:0], s.closes[1:]...)
	}
	s.closes = append(s.closes, bar.Close)

	switch {
	case s.pos == nil && s.crossAbove():
		shares := s.broker.Cash().Mul(decimal.RequireFromString("0.9")).Div(bar.Close).IntPart()
		shares = shares / lotSize * lotSize
		if shares <= 0 {
			return nil
		}
		o, err := s.broker.SubmitOrder(ctx, &domain.Order{
			Symbol:           s.instrument,
			Side:             domain.OrderSideBuy,
			Type:             domain.OrderTypeMarket,
			Qty:              shares,
			GoodTillCanceled: true,
		})
		if err != nil {
			return fmt.Errorf("enter %s: %w", s.instrument, err)
		}
		s.pos = &strategy.Position{Symbol: s.instrument, State: strategy.PendingEntry, EntryOrderID: o.ID}
	case s.pos != nil && s.pos.State == strategy.Active && s.crossBelow():
		s.retries = 0
		return s.exit(ctx)
	}
	return nil
}

func (s *SMACross) exit(ctx context.Context) error {
	o, err := s.broker.SubmitOrder(ctx, &domain.Order{
		Symbol:           s.instrument,
		Side:             domain.OrderSideSell,
		Type:             domain.OrderTypeMarket,
		Qty:              s.pos.Qty,
		GoodTillCanceled: true,
	})
	if err != nil {
		return fmt.Errorf("exit %s: %w", s.instrument, err)
	}
	s.pos.State = strategy.PendingExit
	s.pos.ExitOrderID = o.ID
	return nil
}

func (s *SMACross) onOrderEvent(ctx context.Context, ev domain.OrderEvent) {
	if s.pos == nil || ev.Order.Symbol != s.instrument {
		return
	}
	o := ev.Order
	switch {
	case o.ID == s.pos.EntryOrderID && s.pos.State == strategy.PendingEntry:
		if ev.Type == domain.OrderEventCancelled {
			s.pos = nil
			return
		}
		s.pos.State = strategy.Active
		s.pos.Qty = o.FilledQty
		s.log.Info("bought", "price", o.FilledAvgPrice.StringFixed(2), "qty", o.FilledQty,
			"commission", o.Commission.StringFixed(2), "cash", s.broker.Cash().StringFixed(2))
	case o.ID == s.pos.ExitOrderID && s.pos.State == strategy.PendingExit:
		if ev.Type == domain.OrderEventFilled {
			s.log.Info("sold", "price", o.FilledAvgPrice.StringFixed(2), "qty", o.FilledQty,
				"commission", o.Commission.StringFixed(2), "cash", s.broker.Cash().StringFixed(2))
			s.pos = nil
			return
		}
		s.retries++
		if s.retries > s.maxRetries {
			s.log.Error("exit retries exhausted", "qty", s.pos.Qty, "attempts", s.retries)
			s.pos.Stuck = true
			return
		}
		if err := s.exit(ctx); err != nil {
			s.log.Error("exit resubmission failed", "error", err)
		}
	}
}

// sma averages the n closes ending offset bars before the latest.
func (s *SMACross) sma(n, offset int) decimal.Decimal {
	end := len(s.closes) - offset
	sum := decimal.Zero
	for _, c := range s.closes[end-n : end] {
		sum = sum.Add(c)
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func (s *SMACross) ready() bool { return len(s.closes) == s.longPeriod+1 }

// crossAbove reports whether the short SMA moved from at or below the long
// SMA on the previous bar to above it on this bar.
func (s *SMACross) crossAbove() bool {
	if !s.ready() {
		return false
	}
	return s.sma(s.shortPeriod, 1).LessThanOrEqual(s.sma(s.longPeriod, 1)) &&
		s.sma(s.shortPeriod, 0).GreaterThan(s.sma(s.longPeriod, 0))
}

func (s *SMACross) crossBelow() bool {
	if !s.ready() {
		return false
	}
	return s.sma(s.shortPeriod, 1).GreaterThanOrEqual(s.sma(s.longPeriod, 1)) &&
		s.sma(s.shortPeriod, 0).LessThan(s.sma(s.longPeriod, 0))
}
