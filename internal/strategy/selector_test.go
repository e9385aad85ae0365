package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// fakeSource returns a fixed snapshot, or err when set.
type fakeSource struct {
	values map[string]float64
	err    error
	calls  int
}

func (f *fakeSource) Valuations(_ context.Context, _ time.Time) (map[string]float64, error) {
	f.calls++
	return f.values, f.err
}

var testDate = time.Date(2012, 1, 4, 0, 0, 0, 0, time.UTC)

func snapshot(n int) map[string]float64 {
	m := make(map[string]float64, n)
	for i := 0; i < n; i++ {
		m[fmt.Sprintf("%06d.SZ", i)] = float64(n - i)
	}
	return m
}

func TestRank(t *testing.T) {
	values := map[string]float64{
		"C": 3, "A": 1, "B": 1, "N": math.NaN(), "I": math.Inf(1), "X": 0.5,
	}
	got := Rank(values, map[string]struct{}{"A": {}, "B": {}, "C": {}, "N": {}, "I": {}})
	want := []string{"A", "B", "C"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Rank = %v, want %v", got, want)
	}
	if all := Rank(values, nil); len(all) != 4 || all[0] != "X" {
		t.Errorf("Rank with nil universe = %v, want X first of 4", all)
	}
}

func TestPartitionScenario(t *testing.T) {
	ranked := Rank(snapshot(503), nil)
	seen := make(map[string]int)
	for c := 1; c <= 5; c++ {
		slice, err := Partition(ranked, c, 5)
		if err != nil {
			t.Fatalf("Partition(%d): %v", c, err)
		}
		if len(slice) != 100 {
			t.Errorf("cohort %d has %d members, want 100", c, len(slice))
		}
		for _, s := range slice {
			seen[s]++
		}
	}
	if len(seen) != 500 {
		t.Errorf("cohorts cover %d symbols, want 500", len(seen))
	}
	for _, tail := range ranked[500:] {
		if seen[tail] != 0 {
			t.Errorf("tail symbol %s assigned to a cohort", tail)
		}
	}
}

func TestPartitionInvalidCohort(t *testing.T) {
	for _, c := range []int{0, 6, -1} {
		if _, err := Partition([]string{"A"}, c, 5); !errors.Is(err, ErrInvalidCohort) {
			t.Errorf("Partition(cohort %d) error = %v, want ErrInvalidCohort", c, err)
		}
	}
}

func TestPartitionCompleteness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := rapid.IntRange(0, 400).Draw(t, "len")
		g := rapid.IntRange(1, 12).Draw(t, "cohorts")
		ranked := make([]string, l)
		for i := range ranked {
			ranked[i] = fmt.Sprintf("S%04d", i)
		}

		covered := 0
		next := 0
		for c := 1; c <= g; c++ {
			slice, err := Partition(ranked, c, g)
			if err != nil {
				t.Fatalf("Partition(%d, %d): %v", c, g, err)
			}
			for _, s := range slice {
				if s != ranked[next] {
					t.Fatalf("cohort %d not contiguous at %s", c, s)
				}
				next++
			}
			covered += len(slice)
		}
		if covered != g*(l/g) {
			t.Fatalf("covered %d, want %d", covered, g*(l/g))
		}
	})
}

func TestSelectorChooseWholeCohort(t *testing.T) {
	src := &fakeSource{values: snapshot(50)}
	sel := NewSelector(src, nil, rand.New(rand.NewPCG(1, 2)))

	got, err := sel.Choose(context.Background(), testDate, 2, 5, 20)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	want, _ := sel.Cohort(context.Background(), testDate, 2, 5)
	if fmt.Sprint(got) != fmt.Sprint(want) || len(got) != 10 {
		t.Errorf("Choose = %v, want whole cohort %v", got, want)
	}
}

func TestSelectorChooseSamples(t *testing.T) {
	src := &fakeSource{values: snapshot(500)}
	ctx := context.Background()

	choose := func(seed uint64) []string {
		sel := NewSelector(src, nil, rand.New(rand.NewPCG(seed, seed)))
		got, err := sel.Choose(ctx, testDate, 1, 5, 30)
		if err != nil {
			t.Fatalf("Choose: %v", err)
		}
		return got
	}

	a := choose(7)
	if len(a) != 30 {
		t.Fatalf("Choose returned %d symbols, want 30", len(a))
	}
	cohort, _ := NewSelector(src, nil, nil).Cohort(ctx, testDate, 1, 5)
	members := make(map[string]bool, len(cohort))
	for _, s := range cohort {
		members[s] = true
	}
	dup := make(map[string]bool)
	for _, s := range a {
		if !members[s] {
			t.Errorf("sampled %s outside the cohort", s)
		}
		if dup[s] {
			t.Errorf("sampled %s twice", s)
		}
		dup[s] = true
	}

	if b := choose(7); fmt.Sprint(a) != fmt.Sprint(b) {
		t.Error("same seed produced different samples")
	}
}

func TestSelectorCohortIsIdempotent(t *testing.T) {
	src := &fakeSource{values: snapshot(97)}
	sel := NewSelector(src, []string{"000001.SZ", "000002.SZ", "000003.SZ", "000050.SZ", "000090.SZ"}, nil)
	a, err := sel.Cohort(context.Background(), testDate, 1, 2)
	if err != nil {
		t.Fatalf("Cohort: %v", err)
	}
	b, _ := sel.Cohort(context.Background(), testDate, 1, 2)
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Errorf("Cohort not idempotent: %v vs %v", a, b)
	}
	// Universe of 5 ranked by descending index: 090, 050, 003, 002, 001.
	if fmt.Sprint(a) != "[000090.SZ 000050.SZ]" {
		t.Errorf("Cohort(1 of 2) = %v, want [000090.SZ 000050.SZ]", a)
	}
}

func TestSelectorDataUnavailable(t *testing.T) {
	ctx := context.Background()

	failing := NewSelector(&fakeSource{err: errors.New("timeout")}, nil, nil)
	if _, err := failing.Choose(ctx, testDate, 1, 5, 10); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("fetch failure error = %v, want ErrDataUnavailable", err)
	}

	empty := NewSelector(&fakeSource{values: map[string]float64{}}, nil, nil)
	if _, err := empty.Choose(ctx, testDate, 1, 5, 10); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("empty snapshot error = %v, want ErrDataUnavailable", err)
	}

	// A snapshot that exists but leaves the cohort empty is not an error.
	small := NewSelector(&fakeSource{values: snapshot(3)}, nil, nil)
	got, err := small.Choose(ctx, testDate, 1, 5, 10)
	if err != nil || len(got) != 0 {
		t.Errorf("small snapshot Choose = %v, %v; want empty, nil", got, err)
	}
}
