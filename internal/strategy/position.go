package strategy

import "sort"

// PositionState is the lifecycle stage of a Position.
type PositionState int

const (
	// PendingEntry: the entry order was accepted but has not filled.
	PendingEntry PositionState = iota
	// Active: the entry filled and no exit is outstanding.
	Active
	// PendingExit: an exit order is outstanding or scheduled for resubmission.
	PendingExit
)

func (s PositionState) String() string {
	switch s {
	case PendingEntry:
		return "pending-entry"
	case Active:
		return "active"
	case PendingExit:
		return "pending-exit"
	default:
		return "unknown"
	}
}

// Position tracks one held (or being bought) instrument.
type Position struct {
	Symbol       string
	State        PositionState
	Qty          int64 // filled shares
	EntryOrderID string
	ExitOrderID  string // empty while an exit waits for resubmission

	ExitAttempts int  // exit cancellations so far
	RetryDay     int  // day index on which to resubmit a canceled exit
	Stuck        bool // exit retries exhausted
}

// Exiting reports whether the position is being liquidated.
func (p *Position) Exiting() bool { return p.State == PendingExit }

// PositionTable is the set of open positions keyed by symbol. It is owned by
// a single strategy instance and is not safe for concurrent use.
type PositionTable struct {
	m map[string]*Position
}

// NewPositionTable creates an empty table.
func NewPositionTable() *PositionTable {
	return &PositionTable{m: make(map[string]*Position)}
}

// Add records p, replacing any position for the same symbol.
func (t *PositionTable) Add(p *Position) { t.m[p.Symbol] = p }

// Get returns the position for symbol.
func (t *PositionTable) Get(symbol string) (*Position, bool) {
	p, ok := t.m[symbol]
	return p, ok
}

// Has reports whether symbol has a position.
func (t *PositionTable) Has(symbol string) bool {
	_, ok := t.m[symbol]
	return ok
}

// Remove deletes the position for symbol.
func (t *PositionTable) Remove(symbol string) { delete(t.m, symbol) }

// Len returns the number of positions.
func (t *PositionTable) Len() int { return len(t.m) }

// Symbols returns the symbols with a position, sorted.
func (t *PositionTable) Symbols() []string {
	out := make([]string, 0, len(t.m))
	for sym := range t.m {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
