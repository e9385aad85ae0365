package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perotation/internal/domain"
	"perotation/internal/store"
)

func day(d int) time.Time { return time.Date(2010, 1, d, 0, 0, 0, 0, time.UTC) }

func bar(sym string, d int, px int64) domain.Bar {
	p := decimal.NewFromInt(px)
	return domain.Bar{Symbol: sym, Timestamp: day(d), Open: p, High: p, Low: p, Close: p}
}

func TestNewOrdersDays(t *testing.T) {
	f := New([]domain.Bar{
		bar("B", 6, 20),
		bar("A", 4, 10),
		bar("A", 6, 11),
		bar("B", 5, 21),
	})
	if f.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", f.Len())
	}

	var got []int
	var sizes []int
	for {
		bars, ok := f.Next()
		if !ok {
			break
		}
		got = append(got, bars.Date().Day())
		sizes = append(sizes, bars.Len())
	}
	if len(got) != 3 || got[0] != 4 || got[1] != 5 || got[2] != 6 {
		t.Errorf("days = %v, want [4 5 6]", got)
	}
	if sizes[0] != 1 || sizes[1] != 1 || sizes[2] != 2 {
		t.Errorf("instruments per day = %v, want [1 1 2]", sizes)
	}

	if _, ok := f.Next(); ok {
		t.Error("Next after exhaustion should report false")
	}
	f.Reset()
	if b, ok := f.Next(); !ok || b.Date().Day() != 4 {
		t.Error("Reset should rewind to the first day")
	}
}

func TestLoad(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	ctx := context.Background()
	if err := ps.WriteBars(ctx, domain.MarketCN, []domain.Bar{
		bar("600000.SH", 4, 10), bar("600000.SH", 5, 11), bar("600000.SH", 20, 12),
		bar("000001.SZ", 5, 7),
	}); err != nil {
		t.Fatal(err)
	}

	f, err := Load(ctx, ps, domain.MarketCN, []string{"600000.SH", "000001.SZ", "MISSING"}, day(1), day(10), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dates := f.Dates()
	if len(dates) != 2 || !dates[0].Equal(day(4)) || !dates[1].Equal(day(5)) {
		t.Errorf("Dates() = %v, want Jan 4 and Jan 5", dates)
	}
	f.Next()
	second, _ := f.Next()
	if b, ok := second.Get("000001.SZ"); !ok || !b.Close.Equal(decimal.NewFromInt(7)) {
		t.Errorf("000001.SZ on Jan 5 = %+v, %v", b, ok)
	}
}

type failingStore struct{ store.BarStore }

func (failingStore) ReadBars(context.Context, string, domain.Market, time.Time, time.Time) ([]domain.Bar, error) {
	return nil, errors.New("disk on fire")
}

func TestLoadError(t *testing.T) {
	_, err := Load(context.Background(), failingStore{}, domain.MarketCN, []string{"A"}, day(1), day(2), false)
	if err == nil {
		t.Fatal("expected error from failing store")
	}
}

func TestCursorIsIndependent(t *testing.T) {
	f := New([]domain.Bar{bar("A", 4, 1), bar("A", 5, 2)})
	f.Next()

	c := f.Cursor()
	if b, ok := c.Next(); !ok || b.Date().Day() != 4 {
		t.Error("cursor should start at the first day")
	}
	if b, ok := f.Next(); !ok || b.Date().Day() != 5 {
		t.Error("advancing a cursor must not move the parent feed")
	}
}
