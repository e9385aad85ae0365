package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"
)

var (
	// ErrDataUnavailable is returned when the valuation snapshot for a date
	// cannot be obtained. It is distinct from a cohort that is merely empty.
	ErrDataUnavailable = errors.New("valuation data unavailable")

	// ErrInvalidCohort is returned for a cohort outside [1, cohortCount].
	ErrInvalidCohort = errors.New("invalid cohort")
)

// ValuationSource provides the per-instrument valuation metric as of a date.
// Null metrics may be reported as NaN or omitted.
type ValuationSource interface {
	Valuations(ctx context.Context, date time.Time) (map[string]float64, error)
}

// Rank returns the symbols of values that are in universe, sorted by
// ascending metric. NaN and infinite metrics are dropped. Ties are broken by
// symbol. A nil universe admits every symbol.
func Rank(values map[string]float64, universe map[string]struct{}) []string {
	type entry struct {
		symbol string
		value  float64
	}
	entries := make([]entry, 0, len(values))
	for sym, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if universe != nil {
			if _, ok := universe[sym]; !ok {
				continue
			}
		}
		entries = append(entries, entry{sym, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].value != entries[j].value {
			return entries[i].value < entries[j].value
		}
		return entries[i].symbol < entries[j].symbol
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.symbol
	}
	return out
}

// Partition cuts ranked into cohortCount contiguous slices of
// len(ranked)/cohortCount symbols and returns slice cohort (1-based). The
// len(ranked)%cohortCount symbols at the tail belong to no cohort.
func Partition(ranked []string, cohort, cohortCount int) ([]string, error) {
	if cohortCount < 1 || cohort < 1 || cohort > cohortCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidCohort, cohort, cohortCount)
	}
	n := len(ranked) / cohortCount
	return ranked[n*(cohort-1) : n*cohort], nil
}

// Selector picks purchase candidates from one valuation cohort.
type Selector struct {
	source   ValuationSource
	universe map[string]struct{}
	rng      *rand.Rand
}

// NewSelector creates a Selector over universe. An empty universe admits
// every symbol in the valuation snapshot. rng drives sampling and must not
// be shared with other goroutines.
func NewSelector(source ValuationSource, universe []string, rng *rand.Rand) *Selector {
	s := &Selector{source: source, rng: rng}
	if len(universe) > 0 {
		s.universe = make(map[string]struct{}, len(universe))
		for _, sym := range universe {
			s.universe[sym] = struct{}{}
		}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Cohort returns the ranked slice for cohort on date, before sampling.
func (s *Selector) Cohort(ctx context.Context, date time.Time, cohort, cohortCount int) ([]string, error) {
	values, err := s.source.Valuations(ctx, date)
	if err != nil {
		if errors.Is(err, ErrDataUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, date.Format("2006-01-02"), err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot for %s", ErrDataUnavailable, date.Format("2006-01-02"))
	}
	return Partition(Rank(values, s.universe), cohort, cohortCount)
}

// Choose returns up to target symbols from cohort on date: the whole cohort
// when it has at most target members, otherwise a uniform sample of target
// members without replacement.
func (s *Selector) Choose(ctx context.Context, date time.Time, cohort, cohortCount, target int) ([]string, error) {
	slice, err := s.Cohort(ctx, date, cohort, cohortCount)
	if err != nil {
		return nil, err
	}
	if target < 0 {
		target = 0
	}
	if len(slice) <= target {
		return append([]string(nil), slice...), nil
	}

	pool := append([]string(nil), slice...)
	// Partial Fisher-Yates: the first target entries are the sample.
	for i := 0; i < target; i++ {
		j := i + s.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:target], nil
}
