package save

import (
	"context"
	"fmt"
	"strings"

	"github.com/StudioSol/set"

	"github.com/quantbox/quantbox/exchange"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/storage"
)

// Dataset names used in results and reports.
const (
	DatasetTradeCalendar   = "trade_calendar"
	DatasetFutureContracts = "future_contracts"
	DatasetFutureDaily     = "future_daily"
	DatasetFutureHoldings  = "future_holdings"
	DatasetStockList       = "stock_list"
)

// dedupList deduplicates a user list preserving the given order.
func dedupList(values []string) []string {
	ordered := set.NewLinkedHashSetString()
	for _, value := range values {
		if value != "" {
			ordered.Add(value)
		}
	}
	out := make([]string, 0, ordered.Length())
	for value := range ordered.Iter() {
		out = append(out, value)
	}
	return out
}

func (s *Saver) argError(result *model.SaveResult, err error) *model.SaveResult {
	result.AddError(model.ErrorKindArgument, err.Error(), "")
	result.Complete()
	return result
}

func setRangeMeta(result *model.SaveResult, exchanges []string, start, end model.Date) {
	result.SetMeta("exchanges", strings.Join(exchanges, ","))
	if start != 0 {
		result.SetMeta("start", start.String())
	}
	if end != 0 {
		result.SetMeta("end", end.String())
	}
}

// SaveTradeCalendar ingests trading days, one unit per exchange per
// calendar year. With no pinned range the incremental cursor starts each
// exchange right after its latest stored day.
func (s *Saver) SaveTradeCalendar(ctx context.Context, args Args) *model.SaveResult {
	result := model.NewSaveResult(DatasetTradeCalendar, s.source.Name())
	defer result.Complete()

	if args.Start != 0 && args.End != 0 && args.Start > args.End {
		return s.argError(result, fmt.Errorf("%w: start %s after end %s", model.ErrInvalidQuery, args.Start, args.End))
	}

	exchanges := dedupList(args.Exchanges)
	if len(exchanges) == 0 {
		exchanges = exchange.Codes()
	}
	for _, code := range exchanges {
		if !exchange.IsCanonical(code) {
			return s.argError(result, fmt.Errorf("%w: exchange %q", model.ErrInvalidQuery, code))
		}
	}

	start := args.Start
	if start == 0 {
		start = s.tun.DefaultStart
	}
	end := args.End
	if end == 0 {
		// The calendar is published through year end.
		end = model.Today().EndOfYear()
	}
	setRangeMeta(result, exchanges, start, end)

	units := make([]*Unit, 0)
	for _, code := range exchanges {
		cursor := model.Date(0)
		if !args.Pinned() {
			var latest model.CalendarEntry
			found, err := s.store.FindLatest(ctx, model.CollectionTradeCalendar, "datestamp", &latest,
				storage.Eq("exchange", code))
			if err != nil {
				result.AddError(model.ErrorKindStore, err.Error(), code)
				continue
			}
			if found {
				cursor = latest.Date
			}
		}

		for year := start.Year(); year <= end.Year(); year++ {
			unit := &Unit{
				Dataset:  DatasetTradeCalendar,
				Exchange: code,
				Start:    model.Date(year*10000 + 101),
				End:      model.Date(year*10000 + 1231),
				State:    StatePlanned,
			}
			if unit.Start < start {
				unit.Start = start
			}
			if unit.End > end {
				unit.End = end
			}
			if cursor >= unit.End {
				unit.State = StateSkipped
			} else if cursor >= unit.Start {
				unit.Start = cursor.AddDays(1)
			}
			units = append(units, unit)
		}
	}

	fetch := func(ctx context.Context, unit *Unit) ([]model.Document, error) {
		entries, err := s.source.TradeCalendar(ctx, []string{unit.Exchange}, unit.Start, unit.End)
		docs := make([]model.Document, 0, len(entries))
		for _, entry := range entries {
			docs = append(docs, entry)
		}
		return docs, err
	}
	validate := func(doc model.Document) error {
		entry := doc.(model.CalendarEntry)
		if !exchange.IsCanonical(entry.Exchange) || !entry.Date.Valid() || entry.Datestamp == 0 {
			return fmt.Errorf("incomplete calendar entry")
		}
		return nil
	}

	s.run(ctx, result, model.CollectionTradeCalendar, units, fetch, validate)
	return result
}

// SaveFutureContracts ingests the contract listing, one unit per
// exchange. Listings are served wholesale by vendors, so there is no
// incremental cursor.
func (s *Saver) SaveFutureContracts(ctx context.Context, args Args) *model.SaveResult {
	result := model.NewSaveResult(DatasetFutureContracts, s.source.Name())
	defer result.Complete()

	if args.Date != 0 && !args.Date.Valid() {
		return s.argError(result, fmt.Errorf("%w: date %d", model.ErrInvalidQuery, args.Date))
	}

	exchanges := dedupList(args.Exchanges)
	if len(exchanges) == 0 {
		exchanges = exchange.FuturesCodes()
	}
	for _, code := range exchanges {
		if market, err := exchange.Market(code); err != nil || market != exchange.MarketFutures {
			return s.argError(result, fmt.Errorf("%w: %q is not a futures exchange", model.ErrInvalidQuery, code))
		}
	}
	setRangeMeta(result, exchanges, args.Date, 0)

	units := make([]*Unit, 0, len(exchanges))
	for _, code := range exchanges {
		units = append(units, &Unit{
			Dataset:  DatasetFutureContracts,
			Exchange: code,
			Start:    args.Date,
			End:      args.Date,
			State:    StatePlanned,
		})
	}

	fetch := func(ctx context.Context, unit *Unit) ([]model.Document, error) {
		contracts, err := s.source.FutureContracts(ctx, model.ContractQuery{
			Exchanges: []string{unit.Exchange},
			Symbols:   args.Symbols,
			Date:      args.Date,
		})
		docs := make([]model.Document, 0, len(contracts))
		for _, contract := range contracts {
			docs = append(docs, contract)
		}
		return docs, err
	}
	validate := func(doc model.Document) error {
		contract := doc.(model.Contract)
		if contract.Symbol == "" || !exchange.IsCanonical(contract.Exchange) {
			return fmt.Errorf("incomplete contract")
		}
		if !contract.ListDate.Valid() {
			return fmt.Errorf("missing list date")
		}
		if contract.DelistDate != 0 && contract.ListDate > contract.DelistDate {
			return fmt.Errorf("list date after delist date")
		}
		return nil
	}

	s.run(ctx, result, model.CollectionFutureContract, units, fetch, validate)
	return result
}

// SaveFutureDaily ingests daily bars. With explicit symbols the planner
// produces one unit per symbol per calendar year; otherwise one unit per
// exchange per trading day.
func (s *Saver) SaveFutureDaily(ctx context.Context, args Args) *model.SaveResult {
	result := model.NewSaveResult(DatasetFutureDaily, s.source.Name())
	defer result.Complete()

	units, err := s.planBars(ctx, result, DatasetFutureDaily, model.CollectionFutureDaily, "symbol", args)
	if err != nil {
		return s.argError(result, err)
	}

	fetch := func(ctx context.Context, unit *Unit) ([]model.Document, error) {
		query := model.BarQuery{Start: unit.Start, End: unit.End}
		if unit.Symbol != "" {
			query.Symbols = []string{unit.Symbol}
		} else {
			query.Exchanges = []string{unit.Exchange}
		}
		bars, err := s.source.FutureDaily(ctx, query)
		docs := make([]model.Document, 0, len(bars))
		for _, bar := range bars {
			docs = append(docs, bar)
		}
		return docs, err
	}
	validate := func(doc model.Document) error {
		bar := doc.(model.DailyBar)
		if bar.Symbol == "" || !bar.Date.Valid() {
			return fmt.Errorf("incomplete bar")
		}
		if !bar.PricesValid() {
			return fmt.Errorf("price invariant violated")
		}
		if bar.Volume < 0 || bar.Amount < 0 {
			return fmt.Errorf("negative volume or amount")
		}
		return nil
	}

	s.run(ctx, result, model.CollectionFutureDaily, units, fetch, validate)
	return result
}

// SaveFutureHoldings ingests broker holdings. Units are (exchange,
// trading day) pairs, or (symbol, trading day) when symbols are given.
func (s *Saver) SaveFutureHoldings(ctx context.Context, args Args) *model.SaveResult {
	result := model.NewSaveResult(DatasetFutureHoldings, s.source.Name())
	defer result.Complete()

	units, err := s.planHoldings(ctx, result, args)
	if err != nil {
		return s.argError(result, err)
	}

	fetch := func(ctx context.Context, unit *Unit) ([]model.Document, error) {
		query := model.HoldingsQuery{BarQuery: model.BarQuery{Date: unit.Start}}
		if unit.Symbol != "" {
			query.Symbols = []string{unit.Symbol}
		} else {
			query.Exchanges = []string{unit.Exchange}
		}
		rows, err := s.source.FutureHoldings(ctx, query)
		docs := make([]model.Document, 0, len(rows))
		for _, row := range rows {
			docs = append(docs, row)
		}
		return docs, err
	}
	validate := func(doc model.Document) error {
		row := doc.(model.HoldingsRow)
		if row.Broker == "" || row.Symbol == "" || !row.Date.Valid() {
			return fmt.Errorf("incomplete holdings row")
		}
		for _, position := range []*float64{row.LongHld, row.ShortHld} {
			if position != nil && *position < 0 {
				return fmt.Errorf("negative position")
			}
		}
		return nil
	}

	s.run(ctx, result, model.CollectionFutureHoldings, units, fetch, validate)
	return result
}

// SaveStockList snapshots the stock listing, one unit per exchange per
// list status. The table is small and rewritten wholesale by upsert.
func (s *Saver) SaveStockList(ctx context.Context, args Args) *model.SaveResult {
	result := model.NewSaveResult(DatasetStockList, s.source.Name())
	defer result.Complete()

	statuses := []string{"L"}
	if args.ListStatus != "" {
		statuses = dedupList(strings.Split(args.ListStatus, ","))
	}
	for _, status := range statuses {
		if status != "L" && status != "D" && status != "P" {
			return s.argError(result, fmt.Errorf("%w: list status %q", model.ErrInvalidQuery, status))
		}
	}

	exchanges := dedupList(args.Exchanges)
	if len(exchanges) == 0 {
		exchanges = exchange.StockCodes()
	}
	for _, code := range exchanges {
		if market, err := exchange.Market(code); err != nil || market != exchange.MarketStock {
			return s.argError(result, fmt.Errorf("%w: %q is not a stock exchange", model.ErrInvalidQuery, code))
		}
	}
	setRangeMeta(result, exchanges, 0, 0)

	units := make([]*Unit, 0, len(exchanges)*len(statuses))
	for _, code := range exchanges {
		for _, status := range statuses {
			units = append(units, &Unit{
				Dataset:    DatasetStockList,
				Exchange:   code,
				ListStatus: status,
				State:      StatePlanned,
			})
		}
	}

	fetch := func(ctx context.Context, unit *Unit) ([]model.Document, error) {
		entries, err := s.source.StockList(ctx, model.StockQuery{
			Exchanges:  []string{unit.Exchange},
			ListStatus: unit.ListStatus,
		})
		docs := make([]model.Document, 0, len(entries))
		for _, entry := range entries {
			docs = append(docs, entry)
		}
		return docs, err
	}
	validate := func(doc model.Document) error {
		entry := doc.(model.StockEntry)
		if entry.Symbol == "" || entry.Name == "" {
			return fmt.Errorf("incomplete stock entry")
		}
		return nil
	}

	s.run(ctx, result, model.CollectionStockList, units, fetch, validate)
	return result
}

// planBars builds the daily units: symbol×year windows, or exchange×day.
func (s *Saver) planBars(ctx context.Context, result *model.SaveResult, dataset, collection, symbolField string, args Args) ([]*Unit, error) {
	symbols := dedupList(args.Symbols)
	exchanges := dedupList(args.Exchanges)
	if len(symbols) == 0 && len(exchanges) == 0 {
		return nil, fmt.Errorf("%w: symbols or exchanges required", model.ErrInvalidQuery)
	}

	start, end, err := s.resolveRange(args)
	if err != nil {
		return nil, err
	}
	setRangeMeta(result, exchanges, start, end)
	if len(symbols) > 0 {
		result.SetMeta("symbols", strings.Join(symbols, ","))
	}

	units := make([]*Unit, 0)
	if len(symbols) > 0 {
		for _, symbol := range symbols {
			exchangeCode, _, err := exchange.SplitSymbol(symbol)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrInvalidQuery, err)
			}
			scopeStart, scopeEnd := s.scopeRange(exchangeCode, start, end)

			cursor := model.Date(0)
			if !args.Pinned() {
				var latest model.DailyBar
				found, err := s.store.FindLatest(ctx, collection, "datestamp", &latest,
					storage.Eq(symbolField, symbol))
				if err == nil && found {
					cursor = latest.Date
				}
			}

			for year := scopeStart.Year(); year <= scopeEnd.Year(); year++ {
				unit := &Unit{
					Dataset: dataset,
					Symbol:  symbol,
					Start:   model.Date(year*10000 + 101),
					End:     model.Date(year*10000 + 1231),
					State:   StatePlanned,
				}
				if unit.Start < scopeStart {
					unit.Start = scopeStart
				}
				if unit.End > scopeEnd {
					unit.End = scopeEnd
				}
				if cursor >= unit.End {
					unit.State = StateSkipped
				} else if cursor >= unit.Start {
					unit.Start = cursor.AddDays(1)
				}
				units = append(units, unit)
			}
		}
		return units, nil
	}

	for _, code := range exchanges {
		if market, err := exchange.Market(code); err != nil || market != exchange.MarketFutures {
			return nil, fmt.Errorf("%w: %q is not a futures exchange", model.ErrInvalidQuery, code)
		}

		scopeStart, scopeEnd := s.scopeRange(code, start, end)

		cursor := model.Date(0)
		if !args.Pinned() {
			var latest model.DailyBar
			found, err := s.store.FindLatest(ctx, collection, "datestamp", &latest,
				storage.Eq("exchange", code))
			if err == nil && found {
				cursor = latest.Date
			}
		}

		days, err := s.tradingDays(ctx, code, scopeStart, scopeEnd)
		if err != nil {
			result.AddError(errorKind(err), err.Error(), code)
			continue
		}
		for _, day := range days {
			unit := &Unit{
				Dataset:  dataset,
				Exchange: code,
				Start:    day,
				End:      day,
				State:    StatePlanned,
			}
			if cursor >= day {
				unit.State = StateSkipped
			}
			units = append(units, unit)
		}
	}
	return units, nil
}

// planHoldings builds (scope, trading day) units, expanding the range
// against each exchange's calendar.
func (s *Saver) planHoldings(ctx context.Context, result *model.SaveResult, args Args) ([]*Unit, error) {
	symbols := dedupList(args.Symbols)
	exchanges := dedupList(args.Exchanges)
	if len(symbols) == 0 && len(exchanges) == 0 {
		return nil, fmt.Errorf("%w: symbols or exchanges required", model.ErrInvalidQuery)
	}

	start, end, err := s.resolveRange(args)
	if err != nil {
		return nil, err
	}
	setRangeMeta(result, exchanges, start, end)
	if len(symbols) > 0 {
		result.SetMeta("symbols", strings.Join(symbols, ","))
	}

	units := make([]*Unit, 0)
	if len(symbols) > 0 {
		for _, symbol := range symbols {
			exchangeCode, _, err := exchange.SplitSymbol(symbol)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrInvalidQuery, err)
			}
			scopeStart, scopeEnd := s.scopeRange(exchangeCode, start, end)

			cursor := model.Date(0)
			if !args.Pinned() {
				var latest model.HoldingsRow
				found, err := s.store.FindLatest(ctx, model.CollectionFutureHoldings, "datestamp", &latest,
					storage.Eq("symbol", symbol))
				if err == nil && found {
					cursor = latest.Date
				}
			}

			days, err := s.tradingDays(ctx, exchangeCode, scopeStart, scopeEnd)
			if err != nil {
				result.AddError(errorKind(err), err.Error(), symbol)
				continue
			}
			for _, day := range days {
				unit := &Unit{
					Dataset: DatasetFutureHoldings,
					Symbol:  symbol,
					Start:   day,
					End:     day,
					State:   StatePlanned,
				}
				if cursor >= day {
					unit.State = StateSkipped
				}
				units = append(units, unit)
			}
		}
		return units, nil
	}

	for _, code := range exchanges {
		if market, err := exchange.Market(code); err != nil || market != exchange.MarketFutures {
			return nil, fmt.Errorf("%w: %q is not a futures exchange", model.ErrInvalidQuery, code)
		}

		scopeStart, scopeEnd := s.scopeRange(code, start, end)

		cursor := model.Date(0)
		if !args.Pinned() {
			var latest model.HoldingsRow
			found, err := s.store.FindLatest(ctx, model.CollectionFutureHoldings, "datestamp", &latest,
				storage.Eq("exchange", code))
			if err == nil && found {
				cursor = latest.Date
			}
		}

		days, err := s.tradingDays(ctx, code, scopeStart, scopeEnd)
		if err != nil {
			result.AddError(errorKind(err), err.Error(), code)
			continue
		}
		for _, day := range days {
			unit := &Unit{
				Dataset:  DatasetFutureHoldings,
				Exchange: code,
				Start:    day,
				End:      day,
				State:    StatePlanned,
			}
			if cursor >= day {
				unit.State = StateSkipped
			}
			units = append(units, unit)
		}
	}
	return units, nil
}

// resolveRange applies defaults to the user range. An end of zero means
// none was pinned; scopeRange resolves it per exchange, since close
// hours differ. Explicit start and end pass through untouched.
func (s *Saver) resolveRange(args Args) (model.Date, model.Date, error) {
	if args.Date != 0 && (args.Start != 0 || args.End != 0) {
		return 0, 0, fmt.Errorf("%w: date and start/end are mutually exclusive", model.ErrInvalidQuery)
	}

	start, end := args.Range()
	for _, d := range []model.Date{start, end} {
		if d != 0 && !d.Valid() {
			return 0, 0, fmt.Errorf("%w: date %d", model.ErrInvalidQuery, d)
		}
	}
	if start != 0 && end != 0 && start > end {
		return 0, 0, fmt.Errorf("%w: start %s after end %s", model.ErrInvalidQuery, start, end)
	}

	if start == 0 {
		start = s.tun.DefaultStart
	}
	return start, end, nil
}

// scopeRange fills an unpinned end with the exchange's own effective
// end, so a run over exchanges with different close hours cuts each one
// at its own last complete day.
func (s *Saver) scopeRange(exchangeCode string, start, end model.Date) (model.Date, model.Date) {
	if end == 0 {
		end = s.effectiveEnd(exchangeCode)
	}
	if start > end {
		start = end
	}
	return start, end
}
