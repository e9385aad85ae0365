package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perotation/internal/broker"
	"perotation/internal/domain"
	"perotation/internal/util"
)

type sliceFeed struct {
	days []domain.Bars
	i    int
}

func (f *sliceFeed) Next() (domain.Bars, bool) {
	if f.i >= len(f.days) {
		return domain.Bars{}, false
	}
	f.i++
	return f.days[f.i-1], true
}

func closes(prices ...string) *sliceFeed {
	f := &sliceFeed{}
	for i, p := range prices {
		date := time.Date(2012, 1, 2+i, 0, 0, 0, 0, time.UTC)
		px := decimal.RequireFromString(p)
		f.days = append(f.days, domain.NewBars(date, []domain.Bar{
			{Symbol: "A", Timestamp: date, Open: px, High: px, Low: px, Close: px},
		}))
	}
	return f
}

// buyOnce buys 10 shares of A on the first day and fails on day 3.
type buyOnce struct {
	b   broker.Broker
	day int
}

func (s *buyOnce) Name() string { return "buy-once" }

func (s *buyOnce) Init(_ context.Context, b broker.Broker) error {
	s.b = b
	return nil
}

func (s *buyOnce) OnBars(ctx context.Context, bars domain.Bars) error {
	s.day++
	switch s.day {
	case 1:
		if _, err := s.b.SubmitOrder(ctx, &domain.Order{Symbol: "A", Side: domain.OrderSideBuy, Qty: 10}); err != nil {
			return err
		}
		return s.b.ProcessPending(ctx, domain.OrderSideBuy, bars)
	case 3:
		return errors.New("transient")
	}
	return nil
}

func TestBacktesterRun(t *testing.T) {
	b := broker.NewSimulatorBroker(decimal.NewFromInt(1000), nil)
	bt := NewBacktester(nil, util.Discard())

	res, err := bt.Run(context.Background(), &buyOnce{}, closes("10", "20", "5", "15"), b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Days != 4 {
		t.Errorf("Days = %d, want 4", res.Days)
	}
	// 900 cash + 10 shares at 15.
	if !res.FinalValue.Equal(decimal.NewFromInt(1050)) {
		t.Errorf("FinalValue = %s, want 1050", res.FinalValue)
	}
	if res.TotalReturn != 0.05 {
		t.Errorf("TotalReturn = %v, want 0.05", res.TotalReturn)
	}
	// Peak 1100 on day 2, trough 950 on day 3.
	want := 150.0 / 1100.0
	if diff := res.MaxDrawdown - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("MaxDrawdown = %v, want %v", res.MaxDrawdown, want)
	}
	if res.CycleErrors != 1 {
		t.Errorf("CycleErrors = %d, want 1", res.CycleErrors)
	}
	if res.TotalTrades != 1 {
		t.Errorf("TotalTrades = %d, want 1", res.TotalTrades)
	}
	if len(res.Equity) != 4 {
		t.Errorf("Equity has %d points, want 4", len(res.Equity))
	}
}

func TestBacktesterRunNamed(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&buyOnce{})
	bt := NewBacktester(reg, util.Discard())

	if _, err := bt.RunNamed(context.Background(), "missing", closes("1"), broker.NewSimulatorBroker(decimal.Zero, nil)); err == nil {
		t.Error("RunNamed with unknown strategy should fail")
	}
	res, err := bt.RunNamed(context.Background(), "buy-once", closes("10"), broker.NewSimulatorBroker(decimal.NewFromInt(100), nil))
	if err != nil {
		t.Fatalf("RunNamed: %v", err)
	}
	if res.Days != 1 {
		t.Errorf("Days = %d, want 1", res.Days)
	}
}

func TestBacktesterStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bt := NewBacktester(nil, util.Discard())
	_, err := bt.Run(ctx, &buyOnce{}, closes("10", "11"), broker.NewSimulatorBroker(decimal.NewFromInt(100), nil))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}
