package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perotation/internal/domain"
	"perotation/internal/util"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorOption configures a SimulatorBroker.
type SimulatorOption func(*SimulatorBroker)

// WithFillOnClose makes ProcessPending fill at the current bar's close
// (true) or its open (false). The default is close.
func WithFillOnClose(onClose bool) SimulatorOption {
	return func(b *SimulatorBroker) { b.fillOnClose = onClose }
}

// WithLogger sets the logger used for fills and cancellations.
func WithLogger(logger *slog.Logger) SimulatorOption {
	return func(b *SimulatorBroker) { b.log = logger }
}

// SimulatorBroker implements the Broker interface for backtesting. It tracks
// cash, holdings and orders in memory; market orders fill at the next bar's
// open, or at once when forced through ProcessPending.
//
// A SimulatorBroker is driven by a single backtest and is not safe for
// concurrent use.
type SimulatorBroker struct {
	commission  Commission
	fillOnClose bool
	log         *slog.Logger

	cash     decimal.Decimal
	holdings map[string]int64
	prices   map[string]decimal.Decimal // last close per symbol

	orders   map[string]*domain.Order
	active   []string // active order IDs in submission order
	nextID   int
	now      time.Time
	handlers []OrderHandler
	fills    int
}

// NewSimulatorBroker creates a SimulatorBroker holding cash and no shares.
func NewSimulatorBroker(cash decimal.Decimal, commission Commission, opts ...SimulatorOption) *SimulatorBroker {
	if commission == nil {
		commission = NoCommission{}
	}
	b := &SimulatorBroker{
		commission:  commission,
		fillOnClose: true,
		log:         util.Discard(),
		cash:        cash,
		holdings:    make(map[string]int64),
		prices:      make(map[string]decimal.Decimal),
		orders:      make(map[string]*domain.Order),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Cash returns the available cash.
func (b *SimulatorBroker) Cash() decimal.Decimal { return b.cash }

// Shares returns the number of shares held in symbol.
func (b *SimulatorBroker) Shares(symbol string) int64 { return b.holdings[symbol] }

// Commission returns the commission model.
func (b *SimulatorBroker) Commission() Commission { return b.commission }

// Fills returns the number of orders filled so far.
func (b *SimulatorBroker) Fills() int { return b.fills }

// Subscribe registers h to receive every order event.
func (b *SimulatorBroker) Subscribe(h OrderHandler) {
	b.handlers = append(b.handlers, h)
}

// SubmitOrder validates the order and queues it for execution. The caller's
// order is not retained; the returned copy carries the assigned ID.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	switch {
	case order.Qty <= 0:
		return nil, fmt.Errorf("%w: %s quantity %d", ErrOrderRejected, order.Symbol, order.Qty)
	case order.Side != domain.OrderSideBuy && order.Side != domain.OrderSideSell:
		return nil, fmt.Errorf("%w: %s unknown side %q", ErrOrderRejected, order.Symbol, order.Side)
	case order.IsSell() && b.holdings[order.Symbol] == 0:
		return nil, fmt.Errorf("%w: sell %s without holding", ErrOrderRejected, order.Symbol)
	}

	b.nextID++
	o := *order
	o.ID = fmt.Sprintf("sim-%d", b.nextID)
	if o.Type == "" {
		o.Type = domain.OrderTypeMarket
	}
	o.Status = domain.OrderStatusAccepted
	o.FilledQty = 0
	o.CreatedAt = b.now
	o.UpdatedAt = b.now

	b.orders[o.ID] = &o
	b.active = append(b.active, o.ID)

	out := o
	return &out, nil
}

// CancelOrder cancels an active order and emits a cancel event.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) error {
	o, ok := b.orders[orderID]
	if !ok || !o.IsActive() {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	b.cancel(ctx, o, "canceled by strategy")
	return nil
}

// ActiveOrders returns the orders that can still fill, in submission order.
func (b *SimulatorBroker) ActiveOrders() []domain.Order {
	out := make([]domain.Order, 0, len(b.active))
	for _, id := range b.active {
		out = append(out, *b.orders[id])
	}
	return out
}

// OnBars advances the simulation to bars.Date(). Day orders accepted on an
// earlier day are canceled; the remaining orders try to fill at the open.
func (b *SimulatorBroker) OnBars(ctx context.Context, bars domain.Bars) error {
	b.now = bars.Date()
	today := util.DateOf(bars.Date())

	for _, id := range b.snapshotActive() {
		o := b.orders[id]
		if !o.IsActive() {
			continue
		}
		if !o.GoodTillCanceled && util.DateOf(o.CreatedAt).Before(today) {
			b.cancel(ctx, o, "day order expired")
			continue
		}
		bar, ok := bars.Get(o.Symbol)
		if !ok {
			continue
		}
		b.tryFill(ctx, o, bar.Open)
	}

	for _, sym := range bars.Symbols() {
		bar, _ := bars.Get(sym)
		b.prices[sym] = bar.Close
	}
	return ctx.Err()
}

// ProcessPending fills the active orders of side against the current bars,
// at the close (or open, see WithFillOnClose). Orders for symbols without a
// bar stay active.
func (b *SimulatorBroker) ProcessPending(ctx context.Context, side domain.OrderSide, bars domain.Bars) error {
	b.now = bars.Date()
	for _, id := range b.snapshotActive() {
		o := b.orders[id]
		if !o.IsActive() || o.Side != side {
			continue
		}
		bar, ok := bars.Get(o.Symbol)
		if !ok {
			continue
		}
		b.tryFill(ctx, o, b.PendingFillPrice(bar))
	}
	return ctx.Err()
}

// PendingFillPrice returns the bar's close, or its open when fills on
// close are disabled.
func (b *SimulatorBroker) PendingFillPrice(bar domain.Bar) decimal.Decimal {
	if b.fillOnClose {
		return bar.Close
	}
	return bar.Open
}

// GetAccount returns cash, holdings and equity marked at the last close.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	return &domain.AccountInfo{
		Cash:     b.cash,
		Equity:   b.Equity(),
		Holdings: b.Holdings(),
	}, nil
}

// Equity returns cash plus holdings marked at the last seen close.
func (b *SimulatorBroker) Equity() decimal.Decimal {
	equity := b.cash
	for sym, qty := range b.holdings {
		equity = equity.Add(b.prices[sym].Mul(decimal.NewFromInt(qty)))
	}
	return equity
}

// Holdings returns non-zero holdings sorted by symbol.
func (b *SimulatorBroker) Holdings() []domain.Holding {
	out := make([]domain.Holding, 0, len(b.holdings))
	for sym, qty := range b.holdings {
		out = append(out, domain.Holding{Symbol: sym, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// tryFill executes o at price. Buys that do not fit in cash stay active;
// sells larger than the holding are canceled.
func (b *SimulatorBroker) tryFill(ctx context.Context, o *domain.Order, price decimal.Decimal) {
	qty := decimal.NewFromInt(o.Qty)
	fee := b.commission.Calculate(price, o.Qty)
	value := price.Mul(qty)

	if o.IsBuy() {
		cost := value.Add(fee)
		if cost.GreaterThan(b.cash) {
			b.log.Debug("buy does not fit in cash", "symbol", o.Symbol, "qty", o.Qty,
				"cost", cost.StringFixed(2), "cash", b.cash.StringFixed(2))
			return
		}
		b.cash = b.cash.Sub(cost)
		b.holdings[o.Symbol] += o.Qty
	} else {
		if o.Qty > b.holdings[o.Symbol] {
			b.cancel(ctx, o, "not enough shares")
			return
		}
		b.cash = b.cash.Add(value).Sub(fee)
		b.holdings[o.Symbol] -= o.Qty
		if b.holdings[o.Symbol] == 0 {
			delete(b.holdings, o.Symbol)
		}
	}

	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = price
	o.Commission = fee
	o.UpdatedAt = b.now
	b.prices[o.Symbol] = price
	b.fills++
	b.removeActive(o.ID)

	b.log.Debug("order filled", "id", o.ID, "symbol", o.Symbol, "side", o.Side,
		"qty", o.Qty, "price", price.String(), "commission", fee.StringFixed(2))
	b.emit(ctx, domain.OrderEventFilled, o)
}

func (b *SimulatorBroker) cancel(ctx context.Context, o *domain.Order, reason string) {
	o.Status = domain.OrderStatusCancelled
	o.RejectReason = reason
	o.UpdatedAt = b.now
	b.removeActive(o.ID)
	b.log.Debug("order canceled", "id", o.ID, "symbol", o.Symbol, "side", o.Side, "reason", reason)
	b.emit(ctx, domain.OrderEventCancelled, o)
}

func (b *SimulatorBroker) emit(ctx context.Context, typ domain.OrderEventType, o *domain.Order) {
	ev := domain.OrderEvent{Type: typ, Order: *o, Time: b.now}
	for _, h := range b.handlers {
		h(ctx, ev)
	}
}

// snapshotActive copies the active list so handlers may submit orders while
// the caller iterates.
func (b *SimulatorBroker) snapshotActive() []string {
	return append([]string(nil), b.active...)
}

func (b *SimulatorBroker) removeActive(id string) {
	for i, a := range b.active {
		if a == id {
			b.active = append(b.active[:i], b.active[i+1:]...)
			return
		}
	}
}
