package cn

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"perotation/internal/config"
	"perotation/internal/util"
)

// fakeTushare serves canned tables keyed by api_name.
func fakeTushare(t *testing.T, tables map[string]string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req tushareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Token != "test-token" {
			w.Write([]byte(`{"code":40101,"msg":"invalid token","data":null}`))
			return
		}
		data, ok := tables[req.APIName]
		if !ok {
			http.Error(w, "unknown api", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"code":0,"msg":"","data":` + data + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(url, token string) *TushareClient {
	return NewTushareClient(config.Tushare{
		Token:       token,
		BaseURL:     url,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Timeout:     5 * time.Second,
	}, util.Discard())
}

func TestTushareDaily(t *testing.T) {
	srv, _ := fakeTushare(t, map[string]string{
		"daily": `{"fields":["ts_code","trade_date","open","high","low","close","vol","amount"],
			"items":[["600000.SH","20100105",21.5,21.98,21.2,21.8,1234.56,2690.123],
			         ["600000.SH","20100104",21.0,21.6,20.9,21.4,1000,2140]]}`,
	})
	c := testClient(srv.URL, "test-token")

	bars, err := c.Daily(context.Background(), "600000.SH", time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2010, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("Daily returned %d bars, want 2", len(bars))
	}
	if bars[0].Timestamp.Day() != 4 {
		t.Errorf("first bar on %v, want ascending order", bars[0].Timestamp)
	}
	b := bars[1]
	if b.Close.String() != "21.8" || b.Open.String() != "21.5" {
		t.Errorf("prices = %s/%s, want 21.5/21.8", b.Open, b.Close)
	}
	if b.Volume != 123456 {
		t.Errorf("Volume = %d, want 123456 (lots x 100)", b.Volume)
	}
	if b.Amount.String() != "2690123" {
		t.Errorf("Amount = %s, want 2690123 (thousands x 1000)", b.Amount)
	}
}

func TestTushareDailySkipsMissingPrice(t *testing.T) {
	srv, _ := fakeTushare(t, map[string]string{
		"daily": `{"fields":["ts_code","trade_date","open","high","low","close","vol","amount"],
			"items":[["600000.SH","20100106",21.5,21.98,21.2,null,1000,2140],
			         ["600000.SH","20100105",21.5,21.98,21.2,"n/a",1000,2140],
			         ["600000.SH","20100104",21.0,21.6,20.9,21.4,null,null]]}`,
	})
	bars, err := testClient(srv.URL, "test-token").Daily(context.Background(), "600000.SH",
		time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2010, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("Daily returned %d bars, want 1", len(bars))
	}
	if bars[0].Timestamp.Day() != 4 || bars[0].Close.String() != "21.4" || bars[0].Volume != 0 {
		t.Errorf("bar = %+v, want 2010-01-04 close 21.4 volume 0", bars[0])
	}
}

func TestTushareDailyRequestsPerYear(t *testing.T) {
	type span struct{ start, end string }
	var spans []span
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tushareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start, end := req.Params["start_date"].(string), req.Params["end_date"].(string)
		spans = append(spans, span{start, end})
		// Two rows per year, newest first.
		w.Write([]byte(`{"code":0,"msg":"","data":{"fields":["ts_code","trade_date","open","high","low","close","vol","amount"],
			"items":[["X","` + end + `",1,1,1,1,1,1],["X","` + start + `",1,1,1,1,1,1]]}}`))
	}))
	t.Cleanup(srv.Close)

	bars, err := testClient(srv.URL, "test-token").Daily(context.Background(), "X",
		time.Date(2010, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2012, 6, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	want := []span{{"20100315", "20101231"}, {"20110101", "20111231"}, {"20120101", "20120630"}}
	if len(spans) != len(want) {
		t.Fatalf("requests = %v, want %v", spans, want)
	}
	for i := range want {
		if spans[i] != want[i] {
			t.Errorf("request %d = %v, want %v", i, spans[i], want[i])
		}
	}
	if len(bars) != 6 {
		t.Fatalf("Daily returned %d bars, want 6", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			t.Errorf("bars not ascending at %d: %v after %v", i, bars[i].Timestamp, bars[i-1].Timestamp)
		}
	}
}

func TestTushareStockBasicAndCalendar(t *testing.T) {
	srv, _ := fakeTushare(t, map[string]string{
		"stock_basic": `{"fields":["ts_code","name","list_date"],
			"items":[["000001.SZ","PA Bank","19910403"],["688001.SH","New Co","20190722"],["BAD","x",null]]}`,
		"trade_cal": `{"fields":["cal_date","is_open"],"items":[["20100104",1],["20100105","1"],["20100109",0]]}`,
	})
	c := testClient(srv.URL, "test-token")
	ctx := context.Background()

	ins, err := c.StockBasic(ctx)
	if err != nil {
		t.Fatalf("StockBasic: %v", err)
	}
	if len(ins) != 2 || ins[0].Symbol != "000001.SZ" || ins[0].ListDate.Year() != 1991 {
		t.Errorf("StockBasic = %+v", ins)
	}

	days, err := c.TradeCal(ctx, time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2010, 1, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("TradeCal: %v", err)
	}
	if len(days) != 2 {
		t.Errorf("TradeCal returned %v, want the 2 open days", days)
	}
}

func TestTushareDailyBasicNullPE(t *testing.T) {
	srv, _ := fakeTushare(t, map[string]string{
		"daily_basic": `{"fields":["ts_code","pe"],"items":[["600000.SH",12.5],["000002.SZ",null]]}`,
	})
	rows, err := testClient(srv.URL, "test-token").DailyBasic(context.Background(), time.Date(2010, 1, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DailyBasic: %v", err)
	}
	if len(rows) != 2 || rows[0].PE != 12.5 {
		t.Fatalf("DailyBasic = %+v", rows)
	}
	if !math.IsNaN(rows[1].PE) {
		t.Errorf("null PE = %v, want NaN", rows[1].PE)
	}
}

func TestTushareAPIErrorIsNotRetried(t *testing.T) {
	srv, calls := fakeTushare(t, nil)
	_, err := testClient(srv.URL, "wrong").StockBasic(context.Background())
	if !errors.Is(err, ErrTushare) {
		t.Fatalf("error = %v, want ErrTushare", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
}

func TestTushareServerErrorIsRetried(t *testing.T) {
	srv, calls := fakeTushare(t, map[string]string{})
	_, err := testClient(srv.URL, "test-token").TradeCal(context.Background(), time.Now(), time.Now())
	if err == nil {
		t.Fatal("expected error for unknown api")
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3 attempts", calls.Load())
	}
}
