package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/exchange"
	"github.com/quantbox/quantbox/model"
)

// GoldMiner is the V-G adapter: a local terminal process exposing an HTTP
// API. The vendor speaks canonical exchange codes but writes contract
// codes upper case, keeps no historical contract listings and has no
// holdings endpoint.
type GoldMiner struct {
	token   string
	baseURL string
	http    *http.Client
	client  *Client
	dialect exchange.Dialect

	mu    sync.Mutex
	notes []string
}

// GoldMinerOption customizes the adapter after registry defaults apply.
type GoldMinerOption func(*GoldMiner)

// WithGoldMinerToken overrides the registry credential.
func WithGoldMinerToken(token string) GoldMinerOption {
	return func(g *GoldMiner) {
		g.token = token
	}
}

// WithGoldMinerBaseURL points the adapter at another terminal address.
func WithGoldMinerBaseURL(url string) GoldMinerOption {
	return func(g *GoldMiner) {
		g.baseURL = url
	}
}

// WithGoldMinerHTTPClient replaces the transport.
func WithGoldMinerHTTPClient(client *http.Client) GoldMinerOption {
	return func(g *GoldMiner) {
		g.http = client
	}
}

// NewGoldMiner builds the V-G adapter. The vendor terminal does not run
// on darwin, so construction refuses there instead of degrading silently.
func NewGoldMiner(reg *config.Registry, options ...GoldMinerOption) (*GoldMiner, error) {
	if runtime.GOOS == "darwin" {
		return nil, fmt.Errorf("%w: goldminer terminal does not run on darwin", ErrUnsupported)
	}

	vendor := reg.Credentials("goldminer")
	g := &GoldMiner{
		token:   vendor.Token,
		baseURL: vendor.BaseURL,
		http:    &http.Client{Timeout: vendor.Timeout.Std()},
		dialect: reg.Dialect("goldminer"),
		client: NewClient(ClientSettings{
			Vendor:    "goldminer",
			RateLimit: vendor.RateLimit,
			Burst:     vendor.Burst,
			RetryMax:  vendor.RetryMax,
			SlowCall:  vendor.SlowCall.Std(),
		}),
	}
	for _, option := range options {
		option(g)
	}

	if g.token == "" {
		return nil, fmt.Errorf("%w: goldminer token missing", ErrAuthFailure)
	}
	return g, nil
}

func (g *GoldMiner) Name() string { return "goldminer" }

// Diagnostic lists vendor limitations hit since construction.
func (g *GoldMiner) Diagnostic() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return strings.Join(g.notes, "; ")
}

func (g *GoldMiner) note(format string, args ...interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.notes {
		if existing == fmt.Sprintf(format, args...) {
			return
		}
	}
	g.notes = append(g.notes, fmt.Sprintf(format, args...))
}

// request issues one GET against the terminal and returns the data array.
func (g *GoldMiner) request(ctx context.Context, path string, params url.Values) (gjson.Result, error) {
	params.Set("token", g.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return gjson.Result{}, err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return gjson.Result{}, Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return gjson.Result{}, fmt.Errorf("%w: http 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return gjson.Result{}, Transient(fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return gjson.Result{}, fmt.Errorf("%w: http %d", ErrAuthFailure, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return gjson.Result{}, fmt.Errorf("%w: http %d", ErrVendorUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, Transient(err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: invalid json", ErrSchemaMismatch)
	}

	root := gjson.ParseBytes(body)
	if code := root.Get("code"); code.Exists() && code.Int() != 0 {
		msg := root.Get("msg").String()
		if strings.Contains(msg, "token") {
			return gjson.Result{}, fmt.Errorf("%w: %s", ErrAuthFailure, msg)
		}
		return gjson.Result{}, fmt.Errorf("%w: code %d: %s", ErrVendorUnavailable, code.Int(), msg)
	}

	data := root.Get("data")
	if !data.Exists() {
		return gjson.Result{}, fmt.Errorf("%w: missing data array", ErrSchemaMismatch)
	}
	return data, nil
}

func (g *GoldMiner) call(ctx context.Context, name, path string, params url.Values) (gjson.Result, error) {
	digest := map[string]string{}
	for key := range params {
		if key != "token" {
			digest[key] = params.Get(key)
		}
	}

	var data gjson.Result
	err := g.client.Call(ctx, name, digest, func(ctx context.Context) (int, error) {
		result, err := g.request(ctx, path, params)
		if err != nil {
			return 0, err
		}
		data = result
		return int(result.Get("#").Int()), nil
	})
	return data, err
}

// TradeCalendar returns trading days per exchange. The terminal answers
// hyphenated dates.
func (g *GoldMiner) TradeCalendar(ctx context.Context, exchanges []string, start, end model.Date) ([]model.CalendarEntry, error) {
	if len(exchanges) == 0 {
		exchanges = exchange.Codes()
	}
	if start == 0 || end == 0 || start > end {
		return nil, fmt.Errorf("%w: calendar range %s..%s", ErrInvalidArgument, start, end)
	}

	entries := make([]model.CalendarEntry, 0)
	var failures []error
	for _, code := range exchanges {
		params := url.Values{}
		params.Set("exchange", code)
		params.Set("start_date", start.String())
		params.Set("end_date", end.String())

		data, err := g.call(ctx, "trading_dates", "/v1/trading_dates", params)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", code, err))
			continue
		}
		if !data.IsArray() || len(data.Array()) == 0 {
			failures = append(failures, fmt.Errorf("%w: %s", ErrInsufficientCoverage, code))
			continue
		}

		for _, item := range data.Array() {
			date, err := model.DateFromString(item.String())
			if err != nil {
				return nil, fmt.Errorf("%w: trading date %q", ErrSchemaMismatch, item.String())
			}
			entries = append(entries, model.NewCalendarEntry(code, date))
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

// FutureContracts lists currently known contracts. The vendor keeps no
// historical listings: a query pinned to a past date yields an empty
// slice, recorded in Diagnostic rather than raised as an error.
func (g *GoldMiner) FutureContracts(ctx context.Context, query model.ContractQuery) ([]model.Contract, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if query.Date != 0 && query.Date < model.Today() {
		g.note("no historical contract listings; dated query %s served empty", query.Date)
		return []model.Contract{}, nil
	}

	exchanges := query.Exchanges
	if len(exchanges) == 0 {
		exchanges = exchange.FuturesCodes()
	}
	anchor := model.Today()

	contracts := make([]model.Contract, 0)
	var failures []error
	for _, code := range exchanges {
		params := url.Values{}
		params.Set("exchange", code)
		params.Set("sec_type", "future")

		data, err := g.call(ctx, "instruments", "/v1/instruments", params)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", code, err))
			continue
		}

		for _, item := range data.Array() {
			full, err := exchange.ParseVendorFuture(g.dialect, item.Get("symbol").String(), anchor)
			if err != nil {
				g.note("instruments: skipped unparseable symbol %q", item.Get("symbol").String())
				continue
			}
			_, bare, err := exchange.SplitSymbol(full)
			if err != nil {
				continue
			}

			listDate, err := model.DateFromString(item.Get("listed_date").String())
			if err != nil {
				continue
			}
			delistDate, _ := model.DateFromString(item.Get("delisted_date").String())

			contracts = append(contracts, model.Contract{
				Exchange:        code,
				Symbol:          bare,
				Name:            full,
				ChineseName:     item.Get("sec_name").String(),
				Product:         item.Get("product").String(),
				Multiplier:      item.Get("multiplier").Float(),
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

// FutureDaily fetches bars per symbol from the terminal's history
// endpoint.
func (g *GoldMiner) FutureDaily(ctx context.Context, query model.BarQuery) ([]model.DailyBar, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if len(query.Symbols) == 0 {
		return nil, fmt.Errorf("%w: goldminer daily history needs explicit symbols", ErrUnsupported)
	}

	anchor := model.Today()
	start, end := query.Range()

	bars := make([]model.DailyBar, 0)
	var failures []error
	for _, symbol := range query.Symbols {
		vendorCode, err := exchange.VendorFuture(g.dialect, symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}

		params := url.Values{}
		params.Set("symbol", vendorCode)
		params.Set("frequency", "1d")
		if start != 0 {
			params.Set("start_time", start.String())
		}
		if end != 0 {
			params.Set("end_time", end.String())
		}

		data, err := g.call(ctx, "history", "/v1/history", params)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", symbol, err))
			continue
		}

		for _, item := range data.Array() {
			full, err := exchange.ParseVendorFuture(g.dialect, item.Get("symbol").String(), anchor)
			if err != nil {
				continue
			}
			exchangeCode, _, _ := exchange.SplitSymbol(full)

			date, err := model.DateFromString(item.Get("trade_date").String())
			if err != nil {
				return nil, fmt.Errorf("%w: trade_date %q", ErrSchemaMismatch, item.Get("trade_date").String())
			}

			bars = append(bars, model.DailyBar{
				Symbol:    full,
				Exchange:  exchangeCode,
				Date:      date,
				Datestamp: date.Timestamp(),
				Open:      item.Get("open").Float(),
				High:      item.Get("high").Float(),
				Low:       item.Get("low").Float(),
				Close:     item.Get("close").Float(),
				Volume:    item.Get("volume").Int(),
				Amount:    item.Get("amount").Float(),
				OI:        item.Get("position").Int(),
			})
		}
	}

	if len(failures) > 0 && len(failures) == len(query.Symbols) {
		return nil, fmt.Errorf("all symbols failed: %w", failures[0])
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

// FutureHoldings is not served by this vendor.
func (g *GoldMiner) FutureHoldings(ctx context.Context, query model.HoldingsQuery) ([]model.HoldingsRow, error) {
	g.note("no broker holdings endpoint")
	return nil, fmt.Errorf("%w: goldminer has no holdings endpoint", ErrUnsupported)
}

// StockList snapshots listed stocks per exchange.
func (g *GoldMiner) StockList(ctx context.Context, query model.StockQuery) ([]model.StockEntry, error) {
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
		params := url.Values{}
		params.Set("exchange", code)
		params.Set("sec_type", "stock")

		data, err := g.call(ctx, "instruments", "/v1/instruments", params)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", code, err))
			continue
		}

		for _, item := range data.Array() {
			symbol, err := exchange.ParseVendorStock(g.dialect, item.Get("symbol").String())
			if err != nil {
				g.note("instruments: skipped unparseable symbol %q", item.Get("symbol").String())
				continue
			}
			market := item.Get("board").String()
			if len(query.Markets) > 0 && !lo.Contains(query.Markets, market) {
				continue
			}

			listDate, _ := model.DateFromString(item.Get("listed_date").String())
			entries = append(entries, model.StockEntry{
				Symbol:        symbol,
				Name:          item.Get("sec_name").String(),
				Exchange:      code,
				Market:        market,
				ListStatus:    query.Status(),
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

// CheckAvailability probes the terminal's status endpoint.
func (g *GoldMiner) CheckAvailability(ctx context.Context) bool {
	if !g.client.Available() {
		return false
	}
	_, err := g.call(ctx, "status", "/v1/status", url.Values{})
	return err == nil
}
