package gather

import (
	"testing"
	"time"
)

func TestDateRange(t *testing.T) {
	r := DateRange{
		Start: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2014, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	if got := r.Key(); got != "20100101-20141231" {
		t.Errorf("Key() = %q, want 20100101-20141231", got)
	}

	cases := []struct {
		t    time.Time
		want bool
	}{
		{time.Date(2009, 12, 31, 23, 0, 0, 0, time.UTC), false},
		{r.Start, true},
		{time.Date(2014, 12, 31, 15, 0, 0, 0, time.UTC), true},
		{time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, c := range cases {
		if got := r.Contains(c.t); got != c.want {
			t.Errorf("Contains(%v) = %v, want %v", c.t, got, c.want)
		}
	}
}
