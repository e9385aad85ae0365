// Package gather defines the common shape of data preparation jobs.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run fetches whatever is missing from local storage and returns when
	// done or when ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Key identifies the range in progress files, e.g. "20100101-20141231".
func (r DateRange) Key() string {
	return r.Start.Format("20060102") + "-" + r.End.Format("20060102")
}

// Contains reports whether t falls on a day within the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End.AddDate(0, 0, 1))
}
