// Package strategy defines the Strategy interface for trading strategies,
// a Registry for looking them up by name, and the building blocks shared by
// the built-in strategies: position sizing, valuation-based selection, the
// position table and the backtest loop.
package strategy

import (
	"context"
	"sort"

	"perotation/internal/broker"
	"perotation/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init binds the strategy to the broker it trades through. It is called
	// once before the first OnBars.
	Init(ctx context.Context, b broker.Broker) error

	// OnBars is called once per trading day, after the broker has processed
	// the day's open. A returned error is logged by the backtester and does
	// not stop the run.
	OnBars(ctx context.Context, bars domain.Bars) error
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
