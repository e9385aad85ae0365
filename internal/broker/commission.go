package broker

import "github.com/shopspring/decimal"

// Commission computes the fee charged for trading qty shares at price.
type Commission interface {
	Calculate(price decimal.Decimal, qty int64) decimal.Decimal
}

// NoCommission charges nothing.
type NoCommission struct{}

func (NoCommission) Calculate(decimal.Decimal, int64) decimal.Decimal { return decimal.Zero }

// TradePercentage charges a fraction of the traded value.
type TradePercentage struct {
	Rate decimal.Decimal
}

// NewTradePercentage returns a TradePercentage for rate (0.003 = 0.3%).
func NewTradePercentage(rate float64) TradePercentage {
	return TradePercentage{Rate: decimal.NewFromFloat(rate)}
}

func (c TradePercentage) Calculate(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty)).Mul(c.Rate)
}

// TradePercentageWithMin charges a fraction of the traded value but never
// less than Min per trade.
type TradePercentageWithMin struct {
	Rate decimal.Decimal
	Min  decimal.Decimal
}

// NewTradePercentageWithMin returns a TradePercentageWithMin.
func NewTradePercentageWithMin(rate, min float64) TradePercentageWithMin {
	return TradePercentageWithMin{Rate: decimal.NewFromFloat(rate), Min: decimal.NewFromFloat(min)}
}

func (c TradePercentageWithMin) Calculate(price decimal.Decimal, qty int64) decimal.Decimal {
	fee := price.Mul(decimal.NewFromInt(qty)).Mul(c.Rate)
	if fee.LessThan(c.Min) {
		return c.Min
	}
	return fee
}

// FixedPerTrade charges Amount per order regardless of size.
type FixedPerTrade struct {
	Amount decimal.Decimal
}

func (c FixedPerTrade) Calculate(decimal.Decimal, int64) decimal.Decimal { return c.Amount }

// NewCommission picks the model for a configured rate and minimum fee.
func NewCommission(rate, min float64) Commission {
	switch {
	case rate <= 0 && min <= 0:
		return NoCommission{}
	case min > 0:
		return NewTradePercentageWithMin(rate, min)
	default:
		return NewTradePercentage(rate)
	}
}
