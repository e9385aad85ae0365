package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"perotation/internal/broker"
)

func TestMaxSharesScenario(t *testing.T) {
	got := MaxShares(decimal.NewFromInt(1_000_000), decimal.RequireFromString("97.30"), broker.NewTradePercentage(0.003))
	// 10246 * 97.30 * 1.003 = 999926.6074; 10247 shares cost 1000024.1993.
	if got != 10246 {
		t.Errorf("MaxShares(1e6, 97.30, 0.3%%) = %d, want 10246", got)
	}
}

func TestMaxSharesEdgeCases(t *testing.T) {
	price := decimal.RequireFromString("10")
	cases := map[string]struct {
		cash string
		fee  broker.Commission
		want int64
	}{
		"zero cash":          {"0", broker.NoCommission{}, 0},
		"negative cash":      {"-5", broker.NoCommission{}, 0},
		"no commission":      {"105", broker.NoCommission{}, 10},
		"exact fit":          {"100", broker.NoCommission{}, 10},
		"min fee eats cash":  {"104", broker.NewTradePercentageWithMin(0.0003, 5), 9},
		"min fee above cash": {"4", broker.NewTradePercentageWithMin(0.0003, 5), 0},
		"fixed fee":          {"100", broker.FixedPerTrade{Amount: decimal.NewFromInt(1)}, 9},
		"nil commission":     {"99.99", nil, 9},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := MaxShares(decimal.RequireFromString(tc.cash), price, tc.fee)
			if got != tc.want {
				t.Errorf("MaxShares(%s, 10) = %d, want %d", tc.cash, got, tc.want)
			}
		})
	}

	if got := MaxShares(decimal.NewFromInt(100), decimal.Zero, nil); got != 0 {
		t.Errorf("MaxShares with zero price = %d, want 0", got)
	}
}

func TestMaxSharesIsLargestFeasible(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cash := decimal.New(rapid.Int64Range(0, 5_000_000_00).Draw(t, "cashCents"), -2)
		price := decimal.New(rapid.Int64Range(1, 500_000).Draw(t, "priceCents"), -2)
		rateBp := rapid.Int64Range(0, 100).Draw(t, "rateBp")
		minFee := rapid.Int64Range(0, 10).Draw(t, "minFee")
		fee := broker.TradePercentageWithMin{Rate: decimal.New(rateBp, -4), Min: decimal.NewFromInt(minFee)}

		s := MaxShares(cash, price, fee)
		cost := func(n int64) decimal.Decimal {
			return price.Mul(decimal.NewFromInt(n)).Add(fee.Calculate(price, n))
		}
		if s < 0 {
			t.Fatalf("negative shares %d", s)
		}
		if s > 0 && cost(s).GreaterThan(cash) {
			t.Fatalf("MaxShares(%s, %s) = %d costs %s > cash", cash, price, s, cost(s))
		}
		if !cost(s + 1).GreaterThan(cash) {
			t.Fatalf("MaxShares(%s, %s) = %d but %d also fits", cash, price, s, s+1)
		}
	})
}

func TestSlotBudget(t *testing.T) {
	if got := SlotBudget(decimal.NewFromInt(100), 3); !got.Equal(decimal.RequireFromString("33.33333333")) {
		t.Errorf("SlotBudget(100, 3) = %s, want 33.33333333", got)
	}
	if got := SlotBudget(decimal.NewFromInt(100), 0); !got.IsZero() {
		t.Errorf("SlotBudget with no slots = %s, want 0", got)
	}

	// Division to 16 digits rounds 2/3 up; the budgets must not exceed cash.
	cash := decimal.RequireFromString("2")
	if sum := SlotBudget(cash, 3).Mul(decimal.NewFromInt(3)); sum.GreaterThan(cash) {
		t.Errorf("3 budgets of 2/3 sum to %s > 2", sum)
	}

	rapid.Check(t, func(t *rapid.T) {
		cash := decimal.New(rapid.Int64Range(0, 1_000_000_000_000).Draw(t, "cashMicros"), -6)
		slots := rapid.IntRange(1, 500).Draw(t, "slots")
		b := SlotBudget(cash, slots)
		if b.IsNegative() || b.Mul(decimal.NewFromInt(int64(slots))).GreaterThan(cash) {
			t.Fatalf("SlotBudget(%s, %d) = %s overspends", cash, slots, b)
		}
	})
}
