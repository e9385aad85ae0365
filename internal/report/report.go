// Package report writes and reads the per-run result lines and aggregates
// them into per-cohort statistics.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ErrMalformedLine is returned by ParseLine for text that is neither a
// result line nor an error line.
var ErrMalformedLine = errors.New("malformed result line")

// Line is the outcome of one backtest run. A run that failed carries Err
// and no timings or value.
type Line struct {
	Cohort      int
	PrepSeconds float64
	FeedSeconds float64
	RunSeconds  float64
	FinalValue  float64
	Err         string
}

// Failed reports whether the line records a failed run.
func (l Line) Failed() bool { return l.Err != "" }

// String formats the line without a trailing newline.
func (l Line) String() string {
	if l.Failed() {
		return fmt.Sprintf("group: %d, error: %s", l.Cohort, oneLine(l.Err))
	}
	return fmt.Sprintf("group: %d, data preparation time: %.2f, data feed time: %.2f, backtest running time: %.2f, Final portfolio value: $%.2f",
		l.Cohort, l.PrepSeconds, l.FeedSeconds, l.RunSeconds, l.FinalValue)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ParseLine parses one result or error line.
func ParseLine(s string) (Line, error) {
	s = strings.TrimSpace(s)
	head, rest, ok := strings.Cut(s, ",")
	if !ok {
		return Line{}, fmt.Errorf("%w: %q", ErrMalformedLine, s)
	}
	label, num, ok := strings.Cut(head, ":")
	if !ok || strings.TrimSpace(label) != "group" {
		return Line{}, fmt.Errorf("%w: %q", ErrMalformedLine, s)
	}
	cohort, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return Line{}, fmt.Errorf("%w: cohort %q", ErrMalformedLine, num)
	}
	l := Line{Cohort: cohort}

	rest = strings.TrimSpace(rest)
	if msg, ok := strings.CutPrefix(rest, "error:"); ok {
		l.Err = strings.TrimSpace(msg)
		if l.Err == "" {
			l.Err = "unknown error"
		}
		return l, nil
	}

	_, value, ok := strings.Cut(rest, "$")
	if !ok {
		return Line{}, fmt.Errorf("%w: no final value in %q", ErrMalformedLine, s)
	}
	if l.FinalValue, err = strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
		return Line{}, fmt.Errorf("%w: final value %q", ErrMalformedLine, value)
	}

	// Timings are informational; missing ones stay zero.
	for _, field := range strings.Split(rest, ",") {
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "data preparation time":
			l.PrepSeconds = f
		case "data feed time":
			l.FeedSeconds = f
		case "backtest running time":
			l.RunSeconds = f
		}
	}
	return l, nil
}

// AppendLines appends lines to the file at path, creating it if needed.
func AppendLines(path string, lines []Line) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening result file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		w.WriteString(l.String())
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing result file: %w", err)
	}
	return f.Close()
}

// ReadLines reads every parseable line of the result file at path. Blank
// and malformed lines are skipped and counted.
func ReadLines(path string) (lines []Line, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads result lines from r. Blank and malformed lines are skipped
// and counted.
func Parse(r io.Reader) (lines []Line, skipped int, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		l, err := ParseLine(text)
		if err != nil {
			skipped++
			continue
		}
		lines = append(lines, l)
	}
	return lines, skipped, sc.Err()
}

// CohortStats summarises the final values of one cohort.
type CohortStats struct {
	Cohort int
	Mean   float64
	Std    float64 // population standard deviation
	Values []float64
	Failed int
}

// Aggregate groups successful runs by cohort, in ascending cohort order.
// Failed runs are counted but contribute no value.
func Aggregate(lines []Line) []CohortStats {
	byCohort := make(map[int]*CohortStats)
	for _, l := range lines {
		cs, ok := byCohort[l.Cohort]
		if !ok {
			cs = &CohortStats{Cohort: l.Cohort}
			byCohort[l.Cohort] = cs
		}
		if l.Failed() {
			cs.Failed++
			continue
		}
		cs.Values = append(cs.Values, l.FinalValue)
	}

	out := make([]CohortStats, 0, len(byCohort))
	for _, cs := range byCohort {
		if len(cs.Values) > 0 {
			cs.Mean, cs.Std = stat.PopMeanStdDev(cs.Values, nil)
		}
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cohort < out[j].Cohort })
	return out
}

// String formats the statistics line of one cohort.
func (cs CohortStats) String() string {
	if len(cs.Values) == 0 {
		return fmt.Sprintf("group [%d]: mean [nan], std [nan], values []", cs.Cohort)
	}
	return fmt.Sprintf("group [%d]: mean [%.2f], std [%.2f], values %s", cs.Cohort, cs.Mean, cs.Std, formatValues(cs.Values))
}

// FormatStats writes one statistics line per cohort to w.
func FormatStats(w io.Writer, stats []CohortStats) error {
	for _, cs := range stats {
		if _, err := fmt.Fprintln(w, cs.String()); err != nil {
			return err
		}
	}
	return nil
}

// formatValues renders values as a bracketed list, e.g. [1000000.0, 998.5].
func formatValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		s := strconv.FormatFloat(v, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		parts[i] = s
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
