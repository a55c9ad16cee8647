package source

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/quantbox/quantbox/exchange"
	"github.com/quantbox/quantbox/model"
)

// holidays2024 are the mainland closures the seed calendar skips, beyond
// weekends.
var holidays2024 = map[model.Date]bool{
	20240101: true,
	20240209: true, 20240212: true, 20240213: true, 20240214: true,
	20240215: true, 20240216: true,
	20240404: true, 20240405: true,
	20240501: true, 20240502: true, 20240503: true,
	20240610: true,
	20240916: true, 20240917: true,
	20241001: true, 20241002: true, 20241003: true, 20241004: true,
	20241007: true,
}

// Fixture is a deterministic in-memory data source. The default seed
// covers calendar year 2024 for every canonical exchange and the SHFE
// copper contract cu2403 with daily bars and broker holdings, enough to
// drive the save pipelines offline.
type Fixture struct {
	calendar  []model.CalendarEntry
	contracts []model.Contract
	daily     []model.DailyBar
	holdings  []model.HoldingsRow
	stocks    []model.StockEntry

	client *Client
	errs   map[string]error
}

// FixtureOption reshapes the fixture before use.
type FixtureOption func(*Fixture)

// WithCalendar replaces the seeded calendar.
func WithCalendar(entries []model.CalendarEntry) FixtureOption {
	return func(f *Fixture) {
		f.calendar = entries
	}
}

// WithContracts replaces the seeded contracts.
func WithContracts(contracts []model.Contract) FixtureOption {
	return func(f *Fixture) {
		f.contracts = contracts
	}
}

// WithDailyBars replaces the seeded daily bars.
func WithDailyBars(bars []model.DailyBar) FixtureOption {
	return func(f *Fixture) {
		f.daily = bars
	}
}

// WithHoldings replaces the seeded holdings rows, preserving the given
// order so tests can model vendor re-reports.
func WithHoldings(rows []model.HoldingsRow) FixtureOption {
	return func(f *Fixture) {
		f.holdings = rows
	}
}

// WithStocks replaces the seeded stock list.
func WithStocks(entries []model.StockEntry) FixtureOption {
	return func(f *Fixture) {
		f.stocks = entries
	}
}

// WithErr makes one operation ("calendar", "contracts", "daily",
// "holdings", "stocks", "check") fail with err.
func WithErr(operation string, err error) FixtureOption {
	return func(f *Fixture) {
		f.errs[operation] = err
	}
}

// WithRateLimit paces fixture calls through a real client, used by
// saturation tests.
func WithRateLimit(callsPerSecond float64) FixtureOption {
	return func(f *Fixture) {
		f.client = NewClient(ClientSettings{
			Vendor:    "fixture",
			RateLimit: callsPerSecond,
		})
	}
}

// NewFixture builds the seeded source.
func NewFixture(options ...FixtureOption) *Fixture {
	f := &Fixture{errs: map[string]error{}}
	f.seed()
	for _, option := range options {
		option(f)
	}
	return f
}

func (f *Fixture) seed() {
	for day := model.Date(20240101); day <= 20241231; day = day.AddDays(1) {
		if day.Weekend() || holidays2024[day] {
			continue
		}
		for _, code := range exchange.Codes() {
			f.calendar = append(f.calendar, model.NewCalendarEntry(code, day))
		}
	}

	cu2403 := model.Contract{
		Exchange:        exchange.SHFE,
		Symbol:          "cu2403",
		Name:            "SHFE.cu2403",
		ChineseName:     "沪铜2403",
		Product:         "CU",
		Multiplier:      5,
		ListDate:        20230316,
		DelistDate:      20240315,
		ListDatestamp:   model.Date(20230316).Timestamp(),
		DelistDatestamp: model.Date(20240315).Timestamp(),
	}
	sr2501 := model.Contract{
		Exchange:        exchange.CZCE,
		Symbol:          "SR2501",
		Name:            "CZCE.SR2501",
		ChineseName:     "白糖2501",
		Product:         "SR",
		Multiplier:      10,
		ListDate:        20240115,
		DelistDate:      20250115,
		ListDatestamp:   model.Date(20240115).Timestamp(),
		DelistDatestamp: model.Date(20250115).Timestamp(),
	}
	f.contracts = []model.Contract{cu2403, sr2501}

	brokers := []string{"永安期货", "中信期货", "国泰君安"}
	for _, entry := range f.calendar {
		if entry.Exchange != exchange.SHFE || !cu2403.ActiveOn(entry.Date) {
			continue
		}

		base := 68000 + float64(entry.Date%100)*10
		f.daily = append(f.daily, model.DailyBar{
			Symbol:    cu2403.FullSymbol(),
			Exchange:  exchange.SHFE,
			Date:      entry.Date,
			Datestamp: entry.Datestamp,
			Open:      base + 50,
			High:      base + 200,
			Low:       base - 100,
			Close:     base + 100,
			Volume:    10000 + int64(entry.Date%1000),
			Amount:    (base + 100) * 5 * 10000,
			OI:        50000,
		})

		for rank, broker := range brokers {
			vol := float64(9000 - rank*1000 + int(entry.Date%100))
			volChg := float64(100 - rank*50)
			long := vol * 0.6
			short := vol * 0.4
			f.holdings = append(f.holdings, model.HoldingsRow{
				Date:      entry.Date,
				Symbol:    cu2403.FullSymbol(),
				Broker:    broker,
				Exchange:  exchange.SHFE,
				Datestamp: entry.Datestamp,
				Vol:       &vol,
				VolChg:    &volChg,
				LongHld:   &long,
				ShortHld:  &short,
			})
		}
	}

	f.stocks = []model.StockEntry{
		{
			Symbol:        "SHSE.600000",
			Name:          "浦发银行",
			Exchange:      exchange.SHSE,
			Market:        "主板",
			ListStatus:    "L",
			ListDate:      19991110,
			ListDatestamp: model.Date(19991110).Timestamp(),
		},
		{
			Symbol:        "SZSE.000001",
			Name:          "平安银行",
			Exchange:      exchange.SZSE,
			Market:        "主板",
			ListStatus:    "L",
			ListDate:      19910403,
			ListDatestamp: model.Date(19910403).Timestamp(),
		},
	}
}

func (f *Fixture) Name() string { return "fixture" }

func (f *Fixture) Diagnostic() string { return "" }

// run applies the optional pacing client and injected failure.
func (f *Fixture) run(ctx context.Context, operation string, rows func() int) error {
	if err, ok := f.errs[operation]; ok {
		return err
	}
	if f.client == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows()
		return nil
	}
	return f.client.Call(ctx, operation, nil, func(ctx context.Context) (int, error) {
		return rows(), nil
	})
}

func (f *Fixture) TradeCalendar(ctx context.Context, exchanges []string, start, end model.Date) ([]model.CalendarEntry, error) {
	if start == 0 || end == 0 || start > end {
		return nil, fmt.Errorf("%w: calendar range %s..%s", ErrInvalidArgument, start, end)
	}

	var out []model.CalendarEntry
	err := f.run(ctx, "calendar", func() int {
		out = lo.Filter(f.calendar, func(entry model.CalendarEntry, _ int) bool {
			if len(exchanges) > 0 && !lo.Contains(exchanges, entry.Exchange) {
				return false
			}
			return entry.Date >= start && entry.Date <= end
		})
		return len(out)
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b model.CalendarEntry) bool {
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Date < b.Date
	})
	return out, nil
}

func (f *Fixture) FutureContracts(ctx context.Context, query model.ContractQuery) ([]model.Contract, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var out []model.Contract
	err := f.run(ctx, "contracts", func() int {
		out = lo.Filter(f.contracts, func(c model.Contract, _ int) bool {
			return len(query.Exchanges) == 0 || lo.Contains(query.Exchanges, c.Exchange)
		})
		out = filterContracts(out, query)
		return len(out)
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b model.Contract) bool {
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Symbol < b.Symbol
	})
	return out, nil
}

func (f *Fixture) FutureDaily(ctx context.Context, query model.BarQuery) ([]model.DailyBar, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	start, end := query.Range()

	var out []model.DailyBar
	err := f.run(ctx, "daily", func() int {
		out = lo.Filter(f.daily, func(bar model.DailyBar, _ int) bool {
			if len(query.Symbols) > 0 && !lo.Contains(query.Symbols, bar.Symbol) {
				return false
			}
			if len(query.Symbols) == 0 && !lo.Contains(query.Exchanges, bar.Exchange) {
				return false
			}
			if start != 0 && bar.Date < start {
				return false
			}
			return end == 0 || bar.Date <= end
		})
		return len(out)
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b model.DailyBar) bool {
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Date < b.Date
	})
	return out, nil
}

func (f *Fixture) FutureHoldings(ctx context.Context, query model.HoldingsQuery) ([]model.HoldingsRow, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	start, end := query.Range()

	var out []model.HoldingsRow
	err := f.run(ctx, "holdings", func() int {
		// Seeded order is preserved so re-reported rows reach the
		// pipeline the way a vendor would send them.
		out = lo.Filter(f.holdings, func(row model.HoldingsRow, _ int) bool {
			if len(query.Symbols) > 0 && !lo.Contains(query.Symbols, row.Symbol) {
				return false
			}
			if len(query.Symbols) == 0 && !lo.Contains(query.Exchanges, row.Exchange) {
				return false
			}
			if start != 0 && row.Date < start {
				return false
			}
			return end == 0 || row.Date <= end
		})
		return len(out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fixture) StockList(ctx context.Context, query model.StockQuery) ([]model.StockEntry, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var out []model.StockEntry
	err := f.run(ctx, "stocks", func() int {
		out = lo.Filter(f.stocks, func(entry model.StockEntry, _ int) bool {
			if len(query.Exchanges) > 0 && !lo.Contains(query.Exchanges, entry.Exchange) {
				return false
			}
			if len(query.Markets) > 0 && !lo.Contains(query.Markets, entry.Market) {
				return false
			}
			return entry.ListStatus == query.Status()
		})
		return len(out)
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b model.StockEntry) bool {
		return a.Symbol < b.Symbol
	})
	return out, nil
}

func (f *Fixture) CheckAvailability(ctx context.Context) bool {
	if err, ok := f.errs["check"]; ok && err != nil {
		return false
	}
	return ctx.Err() == nil
}
