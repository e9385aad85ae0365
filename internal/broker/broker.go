// Package broker defines the Broker interface and the simulated broker used
// by backtests.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"perotation/internal/domain"
)

var (
	// ErrOrderRejected is returned by SubmitOrder for orders that can never
	// be filled (non-positive quantity, unknown side, selling a symbol that
	// is not held).
	ErrOrderRejected = errors.New("order rejected")

	// ErrUnknownOrder is returned by CancelOrder for IDs that are not active.
	ErrUnknownOrder = errors.New("unknown or inactive order")
)

// OrderHandler receives order events. Handlers run synchronously on the
// caller's goroutine and may submit or cancel orders.
type OrderHandler func(ctx context.Context, ev domain.OrderEvent)

// Broker abstracts order execution and account management for a backtest.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// SubmitOrder accepts an order for execution and returns the accepted
	// copy carrying its assigned ID.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder cancels an active order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// ActiveOrders returns the orders that can still fill, in submission order.
	ActiveOrders() []domain.Order

	// ProcessPending immediately tries to fill the active orders of side
	// against bars, outside the regular fill on the next bar.
	ProcessPending(ctx context.Context, side domain.OrderSide, bars domain.Bars) error

	// PendingFillPrice returns the price ProcessPending fills at for bar.
	PendingFillPrice(bar domain.Bar) decimal.Decimal

	// OnBars advances the broker to a new trading day: expires stale day
	// orders, fills what it can at the open and marks holdings to market.
	OnBars(ctx context.Context, bars domain.Bars) error

	// Cash returns the available cash.
	Cash() decimal.Decimal

	// Shares returns the number of shares held in symbol.
	Shares(symbol string) int64

	// Commission returns the commission model applied to fills.
	Commission() Commission

	// GetAccount returns a snapshot of cash, equity and holdings.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// Subscribe registers h to receive every order event.
	Subscribe(h OrderHandler)
}
