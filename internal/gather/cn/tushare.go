// Package cn gathers China A-share market data from the tushare pro API:
// instrument reference data, daily bars, daily valuation snapshots and the
// exchange calendar.
package cn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perotation/internal/config"
	"perotation/internal/domain"
	"perotation/internal/util"
)

// ErrTushare is wrapped by errors the tushare API reports through a non-zero
// response code.
var ErrTushare = errors.New("tushare error")

// tushareDate is the date layout used by every tushare endpoint.
const tushareDate = "20060102"

// TushareClient is a JSON-over-HTTP client for the tushare pro API. All
// methods are safe for concurrent use; requests share one rate limiter.
type TushareClient struct {
	baseURL     string
	token       string
	http        *http.Client
	limiter     *util.RateLimiter
	maxAttempts int
	retryDelay  time.Duration
	log         *slog.Logger
}

// NewTushareClient creates a TushareClient from cfg.
func NewTushareClient(cfg config.Tushare, logger *slog.Logger) *TushareClient {
	return &TushareClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		http:        &http.Client{Timeout: cfg.Timeout},
		limiter:     util.NewRateLimiter(cfg.RateLimitPerMin),
		maxAttempts: max(cfg.MaxAttempts, 1),
		retryDelay:  cfg.RetryDelay,
		log:         logger.With("component", "tushare"),
	}
}

type tushareRequest struct {
	APIName string         `json:"api_name"`
	Token   string         `json:"token"`
	Params  map[string]any `json:"params"`
	Fields  string         `json:"fields"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *Table `json:"data"`
}

// Table is a tushare result set: column names and rows of values. Numbers
// are kept as json.Number so prices convert to decimals exactly.
type Table struct {
	Fields []string `json:"fields"`
	Items  [][]any  `json:"items"`
}

// column returns the index of field, or -1.
func (t *Table) column(field string) int {
	for i, f := range t.Fields {
		if f == field {
			return i
		}
	}
	return -1
}

// Query calls apiName with params and returns the result table. Transport
// failures, HTTP 429 and 5xx responses are retried with exponential
// backoff; API-level errors are not.
func (c *TushareClient) Query(ctx context.Context, apiName string, params map[string]any, fields string) (*Table, error) {
	body, err := json.Marshal(tushareRequest{APIName: apiName, Token: c.token, Params: params, Fields: fields})
	if err != nil {
		return nil, err
	}

	var table *Table
	err = util.Retry(ctx, c.maxAttempts, c.retryDelay, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		t, err := c.post(ctx, apiName, body)
		if err != nil {
			c.log.Debug("request failed", "api", apiName, "error", err)
			return err
		}
		table = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tushare %s: %w", apiName, err)
	}
	return table, nil
}

func (c *TushareClient) post(ctx context.Context, apiName string, body []byte) (*Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, util.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, util.Permanent(fmt.Errorf("http status %d", resp.StatusCode))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var out tushareResponse
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", apiName, err)
	}
	if out.Code != 0 {
		return nil, util.Permanent(fmt.Errorf("%w: code %d: %s", ErrTushare, out.Code, out.Msg))
	}
	if out.Data == nil {
		return &Table{}, nil
	}
	return out.Data, nil
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// StockBasic returns every listed (list_status=L) instrument.
func (c *TushareClient) StockBasic(ctx context.Context) ([]domain.Instrument, error) {
	t, err := c.Query(ctx, "stock_basic", map[string]any{"list_status": "L"}, "ts_code,name,list_date")
	if err != nil {
		return nil, err
	}
	code, name, listed := t.column("ts_code"), t.column("name"), t.column("list_date")
	if code < 0 || listed < 0 {
		return nil, fmt.Errorf("%w: stock_basic missing columns %v", ErrTushare, t.Fields)
	}

	out := make([]domain.Instrument, 0, len(t.Items))
	for _, row := range t.Items {
		ld, err := time.Parse(tushareDate, asString(row[listed]))
		if err != nil {
			c.log.Warn("skipping instrument with bad list_date", "row", row)
			continue
		}
		in := domain.Instrument{Symbol: asString(row[code]), ListDate: ld}
		if name >= 0 {
			in.Name = asString(row[name])
		}
		out = append(out, in)
	}
	return out, nil
}

// dailyRowLimit is the most rows the daily endpoint returns per request.
const dailyRowLimit = 5000

// Daily returns the unadjusted daily bars of symbol in [start, end] in
// ascending date order, requesting one calendar year at a time so no
// response reaches dailyRowLimit. Volume is converted from lots to shares
// and amount from thousands of CNY to CNY. Rows with a missing or
// non-positive price are skipped.
func (c *TushareClient) Daily(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		from := time.Date(year, 1, 1, 0, 0, 0, 0, start.Location())
		to := time.Date(year, 12, 31, 0, 0, 0, 0, start.Location())
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		if from.After(to) {
			continue
		}
		chunk, err := c.dailyRange(ctx, symbol, from, to)
		if err != nil {
			return nil, err
		}
		bars = append(bars, chunk...)
	}
	return bars, nil
}

func (c *TushareClient) dailyRange(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	t, err := c.Query(ctx, "daily", map[string]any{
		"ts_code":    symbol,
		"start_date": start.Format(tushareDate),
		"end_date":   end.Format(tushareDate),
	}, "ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}
	if len(t.Items) >= dailyRowLimit {
		c.log.Warn("daily response at row limit, bars may be truncated",
			"symbol", symbol, "start", start.Format(tushareDate), "end", end.Format(tushareDate), "rows", len(t.Items))
	}
	cols := make(map[string]int)
	for _, f := range []string{"trade_date", "open", "high", "low", "close", "vol", "amount"} {
		if cols[f] = t.column(f); cols[f] < 0 {
			return nil, fmt.Errorf("%w: daily missing column %q", ErrTushare, f)
		}
	}

	bars := make([]domain.Bar, 0, len(t.Items))
	for _, row := range t.Items {
		ts, err := time.Parse(tushareDate, asString(row[cols["trade_date"]]))
		if err != nil {
			return nil, fmt.Errorf("daily %s: %w", symbol, err)
		}
		var px [4]decimal.Decimal
		valid := true
		for k, f := range []string{"open", "high", "low", "close"} {
			d, ok := asDecimal(row[cols[f]])
			if !ok || !d.IsPositive() {
				valid = false
				break
			}
			px[k] = d
		}
		if !valid {
			c.log.Warn("skipping daily row with missing price", "symbol", symbol, "row", row)
			continue
		}
		vol, _ := asDecimal(row[cols["vol"]])
		amount, _ := asDecimal(row[cols["amount"]])
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      px[0],
			High:      px[1],
			Low:       px[2],
			Close:     px[3],
			Volume:    vol.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
			Amount:    amount.Mul(decimal.NewFromInt(1000)),
		})
	}
	// tushare returns newest first.
	slices.Reverse(bars)
	return bars, nil
}

// DailyBasic returns the PE of every instrument traded on date. A null PE
// (loss-making companies) is NaN.
func (c *TushareClient) DailyBasic(ctx context.Context, date time.Time) ([]domain.Valuation, error) {
	t, err := c.Query(ctx, "daily_basic", map[string]any{"trade_date": date.Format(tushareDate)}, "ts_code,pe")
	if err != nil {
		return nil, err
	}
	code, pe := t.column("ts_code"), t.column("pe")
	if len(t.Items) > 0 && (code < 0 || pe < 0) {
		return nil, fmt.Errorf("%w: daily_basic missing columns %v", ErrTushare, t.Fields)
	}

	out := make([]domain.Valuation, 0, len(t.Items))
	for _, row := range t.Items {
		out = append(out, domain.Valuation{Symbol: asString(row[code]), Date: date, PE: asFloat(row[pe])})
	}
	return out, nil
}

// TradeCal returns the SSE open days in [start, end].
func (c *TushareClient) TradeCal(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	t, err := c.Query(ctx, "trade_cal", map[string]any{
		"exchange":   "SSE",
		"start_date": start.Format(tushareDate),
		"end_date":   end.Format(tushareDate),
		"is_open":    "1",
	}, "cal_date,is_open")
	if err != nil {
		return nil, err
	}
	date, open := t.column("cal_date"), t.column("is_open")
	if len(t.Items) > 0 && date < 0 {
		return nil, fmt.Errorf("%w: trade_cal missing cal_date", ErrTushare)
	}

	var days []time.Time
	for _, row := range t.Items {
		if open >= 0 && asString(row[open]) != "1" {
			continue
		}
		d, err := time.Parse(tushareDate, asString(row[date]))
		if err != nil {
			return nil, fmt.Errorf("trade_cal: %w", err)
		}
		days = append(days, d)
	}
	return days, nil
}

// ---------------------------------------------------------------------------
// Value conversion
// ---------------------------------------------------------------------------

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// asDecimal reports false for null or unparseable values.
func asDecimal(v any) (decimal.Decimal, bool) {
	if v == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(asString(v))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// asFloat returns NaN for null or unparseable values.
func asFloat(v any) float64 {
	n, ok := v.(json.Number)
	if !ok {
		return math.NaN()
	}
	f, err := n.Float64()
	if err != nil {
		return math.NaN()
	}
	return f
}
