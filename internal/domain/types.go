// Package domain defines the core types shared across the backtester:
// bars, orders, order events, and account snapshots.
package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketCN Market = "cn"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one daily OHLCV record for a single instrument.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64           // shares
	Amount    decimal.Decimal // traded value (CNY)
}

// Bars is the set of bars of a single trading day, keyed by symbol.
type Bars struct {
	date time.Time
	bars map[string]Bar
}

// NewBars groups the given bars under date. Bars for other days are not
// rejected; callers are expected to pass one day's bars.
func NewBars(date time.Time, bars []Bar) Bars {
	m := make(map[string]Bar, len(bars))
	for _, b := range bars {
		m[b.Symbol] = b
	}
	return Bars{date: date, bars: m}
}

// Date returns the trading day the bars belong to.
func (b Bars) Date() time.Time { return b.date }

// Get returns the bar for symbol and whether it traded that day.
func (b Bars) Get(symbol string) (Bar, bool) {
	bar, ok := b.bars[symbol]
	return bar, ok
}

// Len returns the number of instruments with a bar that day.
func (b Bars) Len() int { return len(b.bars) }

// Symbols returns the sorted symbols present that day.
func (b Bars) Symbols() []string {
	out := make([]string, 0, len(b.bars))
	for sym := range b.bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Instrument is static reference data for a tradable security.
type Instrument struct {
	Symbol   string
	Name     string
	ListDate time.Time
}

// Valuation is one instrument's PE metric on one trading day. A NaN PE is a
// null metric.
type Valuation struct {
	Symbol string
	Date   time.Time
	PE     float64
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order. Only market orders are
// simulated.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is a request to trade Qty shares of Symbol.
type Order struct {
	ID               string
	Symbol           string
	Side             OrderSide
	Type             OrderType
	Qty              int64
	GoodTillCanceled bool
	AllOrNone        bool
	Status           OrderStatus
	FilledQty        int64
	FilledAvgPrice   decimal.Decimal
	Commission       decimal.Decimal
	RejectReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsActive reports whether the order can still be filled or cancelled.
func (o *Order) IsActive() bool { return o.Status == OrderStatusAccepted }

// IsBuy reports whether the order buys shares.
func (o *Order) IsBuy() bool { return o.Side == OrderSideBuy }

// IsSell reports whether the order sells shares.
func (o *Order) IsSell() bool { return o.Side == OrderSideSell }

// OrderEventType classifies an OrderEvent.
type OrderEventType string

const (
	OrderEventFilled    OrderEventType = "filled"
	OrderEventCancelled OrderEventType = "cancelled"
)

// OrderEvent is emitted by a broker whenever an order reaches a terminal
// state. Order is a copy taken at the time of the event.
type OrderEvent struct {
	Type  OrderEventType
	Order Order
	Time  time.Time
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// Holding is the number of shares held in one instrument.
type Holding struct {
	Symbol string
	Qty    int64
}

// AccountInfo is a snapshot of the simulated account.
type AccountInfo struct {
	Cash     decimal.Decimal
	Equity   decimal.Decimal
	Holdings []Holding
}
