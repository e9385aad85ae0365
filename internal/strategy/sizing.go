package strategy

import (
	"github.com/shopspring/decimal"

	"perotation/internal/broker"
)

// MaxShares returns the largest share count s >= 0 such that
// price*s + commission(price, s) <= cash. The commission must be
// non-decreasing in s. It returns 0 when cash or price is not positive.
func MaxShares(cash, price decimal.Decimal, commission broker.Commission) int64 {
	if !cash.IsPositive() || !price.IsPositive() {
		return 0
	}
	if commission == nil {
		commission = broker.NoCommission{}
	}
	fits := func(s int64) bool {
		cost := price.Mul(decimal.NewFromInt(s)).Add(commission.Calculate(price, s))
		return cost.LessThanOrEqual(cash)
	}

	ub := cash.Div(price).Floor().IntPart()
	if fits(ub) {
		return ub
	}
	var lb int64
	for lb < ub {
		mid := (lb + ub + 1) / 2
		if fits(mid) {
			lb = mid
		} else {
			ub = mid - 1
		}
	}
	return lb
}

// slotPrecision is the number of decimal places kept in a slot budget.
const slotPrecision = 8

// SlotBudget splits cash evenly over slots, truncating toward zero so the
// budgets never sum to more than cash. It returns 0 when slots < 1.
func SlotBudget(cash decimal.Decimal, slots int) decimal.Decimal {
	if slots < 1 || !cash.IsPositive() {
		return decimal.Zero
	}
	q, _ := cash.QuoRem(decimal.NewFromInt(int64(slots)), slotPrecision)
	return q
}
