package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/valyala/fastjson"
	"golang.org/x/exp/slices"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/exchange"
	"github.com/quantbox/quantbox/model"
)

// brokerProxyTags are stripped from holdings broker names so re-reports
// under the proxy alias coalesce with the canonical broker.
var brokerProxyTags = []string{"（代理）", "(代理)", "(agent)"}

// TuShare is the V-T adapter: an HTTP JSON API addressed by api_name,
// answering fields+items tables. Request pacing, retries and call logs
// come from the shared Client.
type TuShare struct {
	token       string
	baseURL     string
	http        *http.Client
	client      *Client
	dialect     exchange.Dialect
	symbolBatch int

	mu    sync.Mutex
	notes []string
}

// TuShareOption customizes the adapter after registry defaults apply.
type TuShareOption func(*TuShare)

// WithTuShareToken overrides the registry credential.
func WithTuShareToken(token string) TuShareOption {
	return func(t *TuShare) {
		t.token = token
	}
}

// WithTuShareBaseURL points the adapter at another endpoint, used by
// tests to target a local server.
func WithTuShareBaseURL(url string) TuShareOption {
	return func(t *TuShare) {
		t.baseURL = url
	}
}

// WithTuShareHTTPClient replaces the transport.
func WithTuShareHTTPClient(client *http.Client) TuShareOption {
	return func(t *TuShare) {
		t.http = client
	}
}

// NewTuShare builds the V-T adapter from the registry's credentials and
// dialect tables.
func NewTuShare(reg *config.Registry, options ...TuShareOption) (*TuShare, error) {
	vendor := reg.Credentials("tushare")
	t := &TuShare{
		token:       vendor.Token,
		baseURL:     vendor.BaseURL,
		http:        &http.Client{Timeout: vendor.Timeout.Std()},
		dialect:     reg.Dialect("tushare"),
		symbolBatch: vendor.SymbolBatch,
		client: NewClient(ClientSettings{
			Vendor:    "tushare",
			RateLimit: vendor.RateLimit,
			Burst:     vendor.Burst,
			RetryMax:  vendor.RetryMax,
			SlowCall:  vendor.SlowCall.Std(),
		}),
	}
	for _, option := range options {
		option(t)
	}

	if t.token == "" {
		return nil, fmt.Errorf("%w: tushare token missing", ErrAuthFailure)
	}
	if t.symbolBatch <= 0 {
		t.symbolBatch = 50
	}
	return t, nil
}

func (t *TuShare) Name() string { return "tushare" }

// Diagnostic lists vendor limitations hit since construction.
func (t *TuShare) Diagnostic() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.notes, "; ")
}

func (t *TuShare) note(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes = append(t.notes, fmt.Sprintf(format, args...))
}

// table is one fields+items response with column lookup by name.
type table struct {
	cols map[string]int
	rows [][]*fastjson.Value
}

func (tb *table) str(row int, col string) string {
	idx, ok := tb.cols[col]
	if !ok || idx >= len(tb.rows[row]) {
		return ""
	}
	value := tb.rows[row][idx]
	if value == nil || value.Type() == fastjson.TypeNull {
		return ""
	}
	return string(value.GetStringBytes())
}

func (tb *table) float(row int, col string) (float64, bool) {
	idx, ok := tb.cols[col]
	if !ok || idx >= len(tb.rows[row]) {
		return 0, false
	}
	value := tb.rows[row][idx]
	if value == nil || value.Type() == fastjson.TypeNull {
		return 0, false
	}
	return value.GetFloat64(), true
}

func (tb *table) floatPtr(row int, col string) *float64 {
	if f, ok := tb.float(row, col); ok {
		return &f
	}
	return nil
}

// request posts one api_name call and parses the fields+items table.
// Classification: HTTP 5xx/429 and network errors are transient; vendor
// code 2002 is an auth failure; throttle messages map to ErrRateLimited.
func (t *TuShare) request(ctx context.Context, apiName string, params map[string]string, fields string) (*table, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"api_name": apiName,
		"token":    t.token,
		"params":   params,
		"fields":   fields,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: http 429", ErrRateLimited)
	}
	if resp.StatusCode >= 500 {
		return nil, Transient(fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: http %d", ErrAuthFailure, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrVendorUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(err)
	}

	var parser fastjson.Parser
	root, err := parser.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	if code := root.GetInt("code"); code != 0 {
		msg := string(root.GetStringBytes("msg"))
		switch {
		case code == 2002 || strings.Contains(msg, "token"):
			return nil, fmt.Errorf("%w: %s", ErrAuthFailure, msg)
		case strings.Contains(msg, "最多访问") || strings.Contains(msg, "抱歉"):
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, msg)
		default:
			return nil, fmt.Errorf("%w: code %d: %s", ErrVendorUnavailable, code, msg)
		}
	}

	data := root.Get("data")
	if data == nil {
		return nil, fmt.Errorf("%w: missing data object", ErrSchemaMismatch)
	}

	cols := map[string]int{}
	for i, field := range data.GetArray("fields") {
		cols[string(field.GetStringBytes())] = i
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: missing fields list", ErrSchemaMismatch)
	}

	rows := make([][]*fastjson.Value, 0)
	for _, item := range data.GetArray("items") {
		rows = append(rows, item.GetArray())
	}
	return &table{cols: cols, rows: rows}, nil
}

// call wraps a request in the shared client's pacing and retry policy.
func (t *TuShare) call(ctx context.Context, apiName string, params map[string]string, fields string) (*table, error) {
	var result *table
	err := t.client.Call(ctx, apiName, params, func(ctx context.Context) (int, error) {
		tb, err := t.request(ctx, apiName, params, fields)
		if err != nil {
			return 0, err
		}
		result = tb
		return len(tb.rows), nil
	})
	return result, err
}

// TradeCalendar fetches each requested exchange's calendar and merges
// them sorted by (exchange, date). An exchange the vendor has no rows
// for fails with ErrInsufficientCoverage; the whole call fails only when
// every exchange failed.
func (t *TuShare) TradeCalendar(ctx context.Context, exchanges []string, start, end model.Date) ([]model.CalendarEntry, error) {
	if len(exchanges) == 0 {
		exchanges = exchange.Codes()
	}
	if start == 0 || end == 0 || start > end {
		return nil, fmt.Errorf("%w: calendar range %s..%s", ErrInvalidArgument, start, end)
	}

	entries := make([]model.CalendarEntry, 0)
	var failures []error
	for _, code := range exchanges {
		apiCode, err := t.dialect.Code(code, exchange.UsageAPI)
		if err != nil {
			return nil, err
		}

		params := map[string]string{
			"exchange":   apiCode,
			"start_date": start.Compact(),
			"end_date":   end.Compact(),
			"is_open":    "1",
		}
		tb, err := t.call(ctx, "trade_cal", params, "exchange,cal_date,is_open,pretrade_date")
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", code, err))
			continue
		}
		if len(tb.rows) == 0 {
			failures = append(failures, fmt.Errorf("%w: %s", ErrInsufficientCoverage, code))
			continue
		}

		for row := range tb.rows {
			date, err := model.DateFromString(tb.str(row, "cal_date"))
			if err != nil {
				return nil, fmt.Errorf("%w: cal_date %q", ErrSchemaMismatch, tb.str(row, "cal_date"))
			}
			entry := model.NewCalendarEntry(code, date)
			if pretrade, err := model.DateFromString(tb.str(row, "pretrade_date")); err == nil {
				entry.PretradeDate = pretrade
			}
			entries = append(entries, entry)
		}
	}

	if len(failures) > 0 && len(failures) == len(exchanges) {
		return nil, fmt.Errorf("all exchanges failed: %w", failures[0])
	}

	slices.SortFunc(entries, func(a, b model.CalendarEntry) bool {
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Date < b.Date
	})
	entries = dedupSorted(entries, func(a, b model.CalendarEntry) bool {
		return a.Exchange == b.Exchange && a.Date == b.Date
	})

	if len(failures) > 0 {
		return entries, &PartialError{Errs: failures}
	}
	return entries, nil
}

// FutureContracts lists contracts per exchange, normalized to canonical
// case with CZCE years widened, then filters by the query.
func (t *TuShare) FutureContracts(ctx context.Context, query model.ContractQuery) ([]model.Contract, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	exchanges := query.Exchanges
	if len(exchanges) == 0 {
		exchanges = exchange.FuturesCodes()
	}
	anchor := model.Today()

	contracts := make([]model.Contract, 0)
	var failures []error
	for _, code := range exchanges {
		apiCode, err := t.dialect.Code(code, exchange.UsageAPI)
		if err != nil {
			return nil, err
		}

		params := map[string]string{"exchange": apiCode, "fut_type": "1"}
		tb, err := t.call(ctx, "fut_basic", params, "ts_code,symbol,name,fut_code,multiplier,list_date,delist_date")
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", code, err))
			continue
		}

		for row := range tb.rows {
			full, err := exchange.ParseVendorFuture(t.dialect, tb.str(row, "ts_code"), anchor)
			if err != nil {
				t.note("fut_basic: skipped unparseable code %q", tb.str(row, "ts_code"))
				continue
			}
			_, bare, err := exchange.SplitSymbol(full)
			if err != nil {
				continue
			}

			listDate, err := model.DateFromString(tb.str(row, "list_date"))
			if err != nil {
				t.note("fut_basic: %s has no list date", full)
				continue
			}
			delistDate, _ := model.DateFromString(tb.str(row, "delist_date"))

			multiplier, _ := tb.float(row, "multiplier")
			contracts = append(contracts, model.Contract{
				Exchange:        code,
				Symbol:          bare,
				Name:            full,
				ChineseName:     tb.str(row, "name"),
				Product:         tb.str(row, "fut_code"),
				Multiplier:      multiplier,
				ListDate:        listDate,
				DelistDate:      delistDate,
				ListDatestamp:   listDate.Timestamp(),
				DelistDatestamp: delistDate.Timestamp(),
			})
		}
	}

	if len(failures) > 0 && len(failures) == len(exchanges) {
		return nil, fmt.Errorf("all exchanges failed: %w", failures[0])
	}

	contracts = filterContracts(contracts, query)
	slices.SortFunc(contracts, func(a, b model.Contract) bool {
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Symbol < b.Symbol
	})

	if len(failures) > 0 {
		return contracts, &PartialError{Errs: failures}
	}
	return contracts, nil
}

// FutureDaily fetches bars either per symbol batch (respecting the
// vendor's per-call cap) or per trading day, and returns them sorted by
// (symbol, date).
func (t *TuShare) FutureDaily(ctx context.Context, query model.BarQuery) ([]model.DailyBar, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	anchor := model.Today()
	bars := make([]model.DailyBar, 0)
	var failures []error
	batches := 0

	collect := func(params map[string]string, only map[string]bool) error {
		batches++
		tb, err := t.call(ctx, "fut_daily", params, "ts_code,trade_date,open,high,low,close,vol,amount,oi")
		if err != nil {
			return err
		}
		for row := range tb.rows {
			symbol, err := exchange.ParseVendorFuture(t.dialect, tb.str(row, "ts_code"), anchor)
			if err != nil {
				t.note("fut_daily: skipped unparseable code %q", tb.str(row, "ts_code"))
				continue
			}
			exchangeCode, _, _ := exchange.SplitSymbol(symbol)
			if only != nil && !only[exchangeCode] {
				continue
			}

			date, err := model.DateFromString(tb.str(row, "trade_date"))
			if err != nil {
				return fmt.Errorf("%w: trade_date %q", ErrSchemaMismatch, tb.str(row, "trade_date"))
			}

			open, _ := tb.float(row, "open")
			high, _ := tb.float(row, "high")
			low, _ := tb.float(row, "low")
			closePrice, _ := tb.float(row, "close")
			volume, _ := tb.float(row, "vol")
			amount, _ := tb.float(row, "amount")
			oi, _ := tb.float(row, "oi")

			bars = append(bars, model.DailyBar{
				Symbol:    symbol,
				Exchange:  exchangeCode,
				Date:      date,
				Datestamp: date.Timestamp(),
				Open:      open,
				High:      high,
				Low:       low,
				Close:     closePrice,
				Volume:    int64(volume),
				Amount:    amount,
				OI:        int64(oi),
			})
		}
		return nil
	}

	start, end := query.Range()
	if len(query.Symbols) > 0 {
		vendorCodes := make([]string, 0, len(query.Symbols))
		for _, symbol := range query.Symbols {
			code, err := exchange.VendorFuture(t.dialect, symbol)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			vendorCodes = append(vendorCodes, code)
		}

		for _, chunk := range lo.Chunk(vendorCodes, t.symbolBatch) {
			params := map[string]string{"ts_code": strings.Join(chunk, ",")}
			if start != 0 {
				params["start_date"] = start.Compact()
			}
			if end != 0 {
				params["end_date"] = end.Compact()
			}
			if err := collect(params, nil); err != nil {
				failures = append(failures, err)
			}
		}
	} else {
		only := make(map[string]bool, len(query.Exchanges))
		for _, code := range query.Exchanges {
			only[code] = true
		}
		for day := start; day <= end; day = day.AddDays(1) {
			params := map[string]string{"trade_date": day.Compact()}
			if err := collect(params, only); err != nil {
				failures = append(failures, err)
			}
		}
	}

	if len(failures) > 0 && len(failures) == batches {
		return nil, fmt.Errorf("all batches failed: %w", failures[0])
	}

	slices.SortFunc(bars, func(a, b model.DailyBar) bool {
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Date < b.Date
	})

	if len(failures) > 0 {
		return bars, &PartialError{Errs: failures}
	}
	return bars, nil
}

// FutureHoldings fetches broker position rows. Output is ordered by
// descending volume within each (date, symbol), and proxy tags are
// stripped from broker names.
func (t *TuShare) FutureHoldings(ctx context.Context, query model.HoldingsQuery) ([]model.HoldingsRow, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	anchor := model.Today()
	rowsOut := make([]model.HoldingsRow, 0)
	var failures []error
	batches := 0

	collect := func(params map[string]string, only map[string]bool) error {
		batches++
		tb, err := t.call(ctx, "fut_holding", params, "trade_date,symbol,broker,vol,vol_chg,long_hld,long_chg,short_hld,short_chg")
		if err != nil {
			return err
		}
		for row := range tb.rows {
			symbol, err := exchange.ParseVendorFuture(t.dialect, tb.str(row, "symbol"), anchor)
			if err != nil {
				t.note("fut_holding: skipped unparseable code %q", tb.str(row, "symbol"))
				continue
			}
			exchangeCode, _, _ := exchange.SplitSymbol(symbol)
			if only != nil && !only[exchangeCode] {
				continue
			}

			date, err := model.DateFromString(tb.str(row, "trade_date"))
			if err != nil {
				return fmt.Errorf("%w: trade_date %q", ErrSchemaMismatch, tb.str(row, "trade_date"))
			}

			broker := tb.str(row, "broker")
			for _, tag := range brokerProxyTags {
				broker = strings.ReplaceAll(broker, tag, "")
			}
			broker = strings.TrimSpace(broker)

			rowsOut = append(rowsOut, model.HoldingsRow{
				Date:      date,
				Symbol:    symbol,
				Broker:    broker,
				Exchange:  exchangeCode,
				Datestamp: date.Timestamp(),
				Vol:       tb.floatPtr(row, "vol"),
				VolChg:    tb.floatPtr(row, "vol_chg"),
				LongHld:   tb.floatPtr(row, "long_hld"),
				LongChg:   tb.floatPtr(row, "long_chg"),
				ShortHld:  tb.floatPtr(row, "short_hld"),
				ShortChg:  tb.floatPtr(row, "short_chg"),
			})
		}
		return nil
	}

	start, end := query.Range()
	if len(query.Symbols) > 0 {
		for _, symbol := range query.Symbols {
			code, err := exchange.VendorFuture(t.dialect, symbol)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			params := map[string]string{"symbol": code}
			if start != 0 {
				params["start_date"] = start.Compact()
			}
			if end != 0 {
				params["end_date"] = end.Compact()
			}
			if err := collect(params, nil); err != nil {
				failures = append(failures, err)
			}
		}
	} else {
		only := make(map[string]bool, len(query.Exchanges))
		for _, code := range query.Exchanges {
			only[code] = true
		}
		for day := start; day <= end; day = day.AddDays(1) {
			params := map[string]string{"trade_date": day.Compact()}
			if err := collect(params, only); err != nil {
				failures = append(failures, err)
			}
		}
	}

	if len(failures) > 0 && batches > 0 && len(failures) == batches {
		return nil, fmt.Errorf("all batches failed: %w", failures[0])
	}

	slices.SortFunc(rowsOut, func(a, b model.HoldingsRow) bool {
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.VolOrZero() > b.VolOrZero()
	})

	if len(failures) > 0 {
		return rowsOut, &PartialError{Errs: failures}
	}
	return rowsOut, nil
}

// StockList snapshots listed stocks per exchange.
func (t *TuShare) StockList(ctx context.Context, query model.StockQuery) ([]model.StockEntry, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	exchanges := query.Exchanges
	if len(exchanges) == 0 {
		exchanges = exchange.StockCodes()
	}

	entries := make([]model.StockEntry, 0)
	var failures []error
	for _, code := range exchanges {
		apiCode, err := t.dialect.Code(code, exchange.UsageAPI)
		if err != nil {
			return nil, err
		}

		params := map[string]string{
			"exchange":    apiCode,
			"list_status": query.Status(),
		}
		if query.HSConnect != "" {
			params["is_hs"] = query.HSConnect
		}
		tb, err := t.call(ctx, "stock_basic", params, "ts_code,symbol,name,market,list_status,list_date")
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", code, err))
			continue
		}

		for row := range tb.rows {
			symbol, err := exchange.ParseVendorStock(t.dialect, tb.str(row, "ts_code"))
			if err != nil {
				t.note("stock_basic: skipped unparseable code %q", tb.str(row, "ts_code"))
				continue
			}
			market := tb.str(row, "market")
			if len(query.Markets) > 0 && !lo.Contains(query.Markets, market) {
				continue
			}

			listDate, _ := model.DateFromString(tb.str(row, "list_date"))
			entries = append(entries, model.StockEntry{
				Symbol:        symbol,
				Name:          tb.str(row, "name"),
				Exchange:      code,
				Market:        market,
				ListStatus:    tb.str(row, "list_status"),
				ListDate:      listDate,
				ListDatestamp: listDate.Timestamp(),
			})
		}
	}

	if len(failures) > 0 && len(failures) == len(exchanges) {
		return nil, fmt.Errorf("all exchanges failed: %w", failures[0])
	}

	slices.SortFunc(entries, func(a, b model.StockEntry) bool {
		return a.Symbol < b.Symbol
	})

	if len(failures) > 0 {
		return entries, &PartialError{Errs: failures}
	}
	return entries, nil
}

// CheckAvailability probes with a one-day calendar call.
func (t *TuShare) CheckAvailability(ctx context.Context) bool {
	if !t.client.Available() {
		return false
	}
	today := model.Today()
	params := map[string]string{
		"exchange":   "SSE",
		"start_date": today.Compact(),
		"end_date":   today.Compact(),
	}
	_, err := t.call(ctx, "trade_cal", params, "exchange,cal_date,is_open")
	return err == nil
}

func filterContracts(contracts []model.Contract, query model.ContractQuery) []model.Contract {
	return lo.Filter(contracts, func(c model.Contract, _ int) bool {
		if query.Date != 0 && !c.ActiveOn(query.Date) {
			return false
		}
		if len(query.Products) > 0 && !lo.Contains(query.Products, c.Product) {
			return false
		}
		if len(query.Symbols) > 0 &&
			!lo.Contains(query.Symbols, c.Symbol) &&
			!lo.Contains(query.Symbols, c.FullSymbol()) {
			return false
		}
		return true
	})
}

// dedupSorted drops adjacent duplicates from an already sorted slice.
func dedupSorted[T any](items []T, equal func(a, b T) bool) []T {
	if len(items) < 2 {
		return items
	}
	out := items[:1]
	for _, item := range items[1:] {
		if !equal(out[len(out)-1], item) {
			out = append(out, item)
		}
	}
	return out
}
