package util

import (
	"sort"
	"time"
)

// TradingCalendar answers trading-day questions for one market from a known
// list of open dates.
type TradingCalendar struct {
	days []time.Time // sorted, unique, truncated to the calendar date
}

// NewTradingCalendar creates a TradingCalendar from the market's open
// dates. Order and duplicates in days do not matter.
func NewTradingCalendar(days []time.Time) *TradingCalendar {
	seen := make(map[time.Time]struct{}, len(days))
	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		d = DateOf(d)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return &TradingCalendar{days: out}
}

// IsTradingDay reports whether the market was open on t's date.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	d := DateOf(t)
	i := sort.Search(len(tc.days), func(i int) bool { return !tc.days[i].Before(d) })
	return i < len(tc.days) && tc.days[i].Equal(d)
}

// NextOpen returns the first trading day at or after t, and false when t is
// past the end of the calendar.
func (tc *TradingCalendar) NextOpen(t time.Time) (time.Time, bool) {
	d := DateOf(t)
	i := sort.Search(len(tc.days), func(i int) bool { return !tc.days[i].Before(d) })
	if i == len(tc.days) {
		return time.Time{}, false
	}
	return tc.days[i], true
}

// Between returns the trading days in [start, end].
func (tc *TradingCalendar) Between(start, end time.Time) []time.Time {
	s, e := DateOf(start), DateOf(end)
	var out []time.Time
	for _, d := range tc.days {
		if d.Before(s) {
			continue
		}
		if d.After(e) {
			break
		}
		out = append(out, d)
	}
	return out
}

// Every returns every n-th trading day in [start, end], beginning with the
// first. These are the days a strategy with refresh rate n rebalances on.
func (tc *TradingCalendar) Every(start, end time.Time, n int) []time.Time {
	if n < 1 {
		n = 1
	}
	days := tc.Between(start, end)
	var out []time.Time
	for i := 0; i < len(days); i += n {
		out = append(out, days[i])
	}
	return out
}

// Len returns the number of trading days known to the calendar.
func (tc *TradingCalendar) Len() int { return len(tc.days) }

// DateOf truncates t to midnight UTC of its calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
