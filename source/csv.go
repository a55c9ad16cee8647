package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/quantbox/quantbox/model"
)

// CSV reads previously exported datasets from per-collection files in a
// directory, one file per collection named after it (trade_calendar.csv,
// future_daily.csv, ...). Useful for offline replays and backfills from
// dumps. A missing file means "no data", not an error.
type CSV struct {
	dir string
}

// NewCSV builds the offline source over dir.
func NewCSV(dir string) (*CSV, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, dir)
	}
	return &CSV{dir: dir}, nil
}

func (c *CSV) Name() string { return "csv" }

func (c *CSV) Diagnostic() string {
	return "offline csv source; serves only what the files contain"
}

// readAll loads one collection file as header-keyed records.
func (c *CSV) readAll(collection string) ([]map[string]string, error) {
	file, err := os.Open(filepath.Join(c.dir, collection+".csv"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	records := make([]map[string]string, 0)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}

		record := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func csvDate(record map[string]string, col string) (model.Date, error) {
	return model.DateFromString(record[col])
}

func csvFloat(record map[string]string, col string) float64 {
	f, _ := strconv.ParseFloat(record[col], 64)
	return f
}

func csvFloatPtr(record map[string]string, col string) *float64 {
	if record[col] == "" {
		return nil
	}
	f := csvFloat(record, col)
	return &f
}

func (c *CSV) TradeCalendar(ctx context.Context, exchanges []string, start, end model.Date) ([]model.CalendarEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if start == 0 || end == 0 || start > end {
		return nil, fmt.Errorf("%w: calendar range %s..%s", ErrInvalidArgument, start, end)
	}

	records, err := c.readAll(model.CollectionTradeCalendar)
	if err != nil {
		return nil, err
	}

	entries := make([]model.CalendarEntry, 0, len(records))
	for _, record := range records {
		date, err := csvDate(record, "date")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		if date < start || date > end {
			continue
		}
		if len(exchanges) > 0 && !lo.Contains(exchanges, record["exchange"]) {
			continue
		}
		entries = append(entries, model.NewCalendarEntry(record["exchange"], date))
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
	return entries, nil
}

func (c *CSV) FutureContracts(ctx context.Context, query model.ContractQuery) ([]model.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	records, err := c.readAll(model.CollectionFutureContract)
	if err != nil {
		return nil, err
	}

	contracts := make([]model.Contract, 0, len(records))
	for _, record := range records {
		listDate, err := csvDate(record, "list_date")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		delistDate, _ := csvDate(record, "delist_date")

		exchangeCode := record["exchange"]
		if len(query.Exchanges) > 0 && !lo.Contains(query.Exchanges, exchangeCode) {
			continue
		}
		contracts = append(contracts, model.Contract{
			Exchange:        exchangeCode,
			Symbol:          record["symbol"],
			Name:            record["name"],
			ChineseName:     record["chinese_name"],
			Product:         record["product"],
			Multiplier:      csvFloat(record, "multiplier"),
			ListDate:        listDate,
			DelistDate:      delistDate,
			ListDatestamp:   listDate.Timestamp(),
			DelistDatestamp: delistDate.Timestamp(),
		})
	}

	contracts = filterContracts(contracts, query)
	slices.SortFunc(contracts, func(a, b model.Contract) bool {
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Symbol < b.Symbol
	})
	return contracts, nil
}

func (c *CSV) FutureDaily(ctx context.Context, query model.BarQuery) ([]model.DailyBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	start, end := query.Range()

	records, err := c.readAll(model.CollectionFutureDaily)
	if err != nil {
		return nil, err
	}

	bars := make([]model.DailyBar, 0, len(records))
	for _, record := range records {
		date, err := csvDate(record, "date")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		if start != 0 && date < start {
			continue
		}
		if end != 0 && date > end {
			continue
		}
		if len(query.Symbols) > 0 && !lo.Contains(query.Symbols, record["symbol"]) {
			continue
		}
		if len(query.Symbols) == 0 && !lo.Contains(query.Exchanges, record["exchange"]) {
			continue
		}

		bars = append(bars, model.DailyBar{
			Symbol:    record["symbol"],
			Exchange:  record["exchange"],
			Date:      date,
			Datestamp: date.Timestamp(),
			Open:      csvFloat(record, "open"),
			High:      csvFloat(record, "high"),
			Low:       csvFloat(record, "low"),
			Close:     csvFloat(record, "close"),
			Volume:    int64(csvFloat(record, "volume")),
			Amount:    csvFloat(record, "amount"),
			OI:        int64(csvFloat(record, "oi")),
		})
	}

	slices.SortFunc(bars, func(a, b model.DailyBar) bool {
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Date < b.Date
	})
	return bars, nil
}

func (c *CSV) FutureHoldings(ctx context.Context, query model.HoldingsQuery) ([]model.HoldingsRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	start, end := query.Range()

	records, err := c.readAll(model.CollectionFutureHoldings)
	if err != nil {
		return nil, err
	}

	rows := make([]model.HoldingsRow, 0, len(records))
	for _, record := range records {
		date, err := csvDate(record, "date")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		if start != 0 && date < start {
			continue
		}
		if end != 0 && date > end {
			continue
		}
		if len(query.Symbols) > 0 && !lo.Contains(query.Symbols, record["symbol"]) {
			continue
		}
		if len(query.Symbols) == 0 && !lo.Contains(query.Exchanges, record["exchange"]) {
			continue
		}

		rows = append(rows, model.HoldingsRow{
			Date:      date,
			Symbol:    record["symbol"],
			Broker:    record["broker"],
			Exchange:  record["exchange"],
			Datestamp: date.Timestamp(),
			Vol:       csvFloatPtr(record, "vol"),
			VolChg:    csvFloatPtr(record, "vol_chg"),
			LongHld:   csvFloatPtr(record, "long_hld"),
			LongChg:   csvFloatPtr(record, "long_chg"),
			ShortHld:  csvFloatPtr(record, "short_hld"),
			ShortChg:  csvFloatPtr(record, "short_chg"),
		})
	}

	slices.SortFunc(rows, func(a, b model.HoldingsRow) bool {
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.VolOrZero() > b.VolOrZero()
	})
	return rows, nil
}

func (c *CSV) StockList(ctx context.Context, query model.StockQuery) ([]model.StockEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	records, err := c.readAll(model.CollectionStockList)
	if err != nil {
		return nil, err
	}

	entries := make([]model.StockEntry, 0, len(records))
	for _, record := range records {
		if len(query.Exchanges) > 0 && !lo.Contains(query.Exchanges, record["exchange"]) {
			continue
		}
		if len(query.Markets) > 0 && !lo.Contains(query.Markets, record["market"]) {
			continue
		}
		if status := record["list_status"]; status != "" && status != query.Status() {
			continue
		}

		listDate, _ := csvDate(record, "list_date")
		entries = append(entries, model.StockEntry{
			Symbol:        record["symbol"],
			Name:          record["name"],
			Exchange:      record["exchange"],
			Market:        record["market"],
			ListStatus:    query.Status(),
			ListDate:      listDate,
			ListDatestamp: listDate.Timestamp(),
		})
	}

	slices.SortFunc(entries, func(a, b model.StockEntry) bool {
		return a.Symbol < b.Symbol
	})
	return entries, nil
}

func (c *CSV) CheckAvailability(ctx context.Context) bool {
	return ctx.Err() == nil
}
