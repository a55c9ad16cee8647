package model

import (
	"errors"
	"fmt"
)

// Collection names in the document store.
const (
	CollectionTradeCalendar  = "trade_calendar"
	CollectionFutureContract = "future_contracts"
	CollectionFutureDaily    = "future_daily"
	CollectionFutureHoldings = "future_holdings"
	CollectionStockList      = "stock_list"
)

// Collections lists every collection the engine writes.
func Collections() []string {
	return []string{
		CollectionTradeCalendar,
		CollectionFutureContract,
		CollectionFutureDaily,
		CollectionFutureHoldings,
		CollectionStockList,
	}
}

// Document is a record addressable by a composite key inside a collection.
// Keys embed dates in fixed width so that key order equals chronological
// order.
type Document interface {
	Collection() string
	Key() string
}

// CalendarEntry is one trading day of one exchange. Entries are historical
// facts and are never mutated after insert. PretradeDate is the previous
// trading day as the vendor reports it; zero when the vendor omits it.
type CalendarEntry struct {
	Exchange     string `json:"exchange" gorm:"primaryKey;size:16"`
	Date         Date   `json:"date" gorm:"primaryKey"`
	PretradeDate Date   `json:"pretrade_date,omitempty"`
	Datestamp    int64  `json:"datestamp" gorm:"index"`
}

// NewCalendarEntry stamps the derived epoch field.
func NewCalendarEntry(exchange string, date Date) CalendarEntry {
	return CalendarEntry{Exchange: exchange, Date: date, Datestamp: date.Timestamp()}
}

func (c CalendarEntry) Collection() string { return CollectionTradeCalendar }

// TableName keeps the SQL table aligned with the collection name.
func (c CalendarEntry) TableName() string { return CollectionTradeCalendar }

func (c CalendarEntry) Key() string {
	return fmt.Sprintf("%s:%s", c.Exchange, c.Date.Compact())
}

// Contract is one listed futures contract. Symbol carries the bare code in
// the exchange's official case, e.g. cu2403 on SHFE and SR501-style codes
// widened to SR2501 on CZCE.
type Contract struct {
	Exchange        string  `json:"exchange" gorm:"primaryKey;size:16"`
	Symbol          string  `json:"symbol" gorm:"primaryKey;size:32"`
	Name            string  `json:"name"`
	ChineseName     string  `json:"chinese_name"`
	Product         string  `json:"product"`
	Multiplier      float64 `json:"multiplier,omitempty"`
	ListDate        Date    `json:"list_date"`
	DelistDate      Date    `json:"delist_date"`
	ListDatestamp   int64   `json:"list_datestamp" gorm:"index"`
	DelistDatestamp int64   `json:"delist_datestamp"`
}

func (c Contract) Collection() string { return CollectionFutureContract }

func (c Contract) TableName() string { return CollectionFutureContract }

func (c Contract) Key() string {
	return fmt.Sprintf("%s:%s", c.Exchange, c.Symbol)
}

// FullSymbol returns the canonical EXCHANGE.code form.
func (c Contract) FullSymbol() string {
	return c.Exchange + "." + c.Symbol
}

// ActiveOn reports whether the contract is listed on the given day.
func (c Contract) ActiveOn(d Date) bool {
	return c.ListDate <= d && (c.DelistDate == 0 || d <= c.DelistDate)
}

// DailyBar is one daily OHLC record of one contract. Symbol carries the
// canonical EXCHANGE.code form.
type DailyBar struct {
	Symbol    string  `json:"symbol" gorm:"primaryKey;size:32"`
	Date      Date    `json:"date" gorm:"primaryKey"`
	Exchange  string  `json:"exchange" gorm:"index:idx_daily_exchange_date,priority:1"`
	Datestamp int64   `json:"datestamp" gorm:"index:idx_daily_exchange_date,priority:2"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
	Amount    float64 `json:"amount"`
	OI        int64   `json:"oi"`
}

func (b DailyBar) Collection() string { return CollectionFutureDaily }

func (b DailyBar) TableName() string { return CollectionFutureDaily }

func (b DailyBar) Key() string {
	return fmt.Sprintf("%s:%s", b.Symbol, b.Date.Compact())
}

// PricesValid checks low <= open <= high and low <= close <= high.
func (b DailyBar) PricesValid() bool {
	return b.Low <= b.Open && b.Open <= b.High &&
		b.Low <= b.Close && b.Close <= b.High
}

// HoldingsRow is one broker position line of one contract on one day.
// Indicator columns the vendor omits stay nil.
type HoldingsRow struct {
	Date      Date     `json:"date" gorm:"primaryKey"`
	Symbol    string   `json:"symbol" gorm:"primaryKey;size:32"`
	Broker    string   `json:"broker" gorm:"primaryKey;size:64"`
	Exchange  string   `json:"exchange" gorm:"index:idx_holdings_exchange_date,priority:1"`
	Datestamp int64    `json:"datestamp" gorm:"index:idx_holdings_exchange_date,priority:2"`
	Vol       *float64 `json:"vol"`
	VolChg    *float64 `json:"vol_chg"`
	LongHld   *float64 `json:"long_hld"`
	LongChg   *float64 `json:"long_chg"`
	ShortHld  *float64 `json:"short_hld"`
	ShortChg  *float64 `json:"short_chg"`
}

func (h HoldingsRow) Collection() string { return CollectionFutureHoldings }

func (h HoldingsRow) TableName() string { return CollectionFutureHoldings }

func (h HoldingsRow) Key() string {
	return fmt.Sprintf("%s:%s:%s", h.Date.Compact(), h.Symbol, h.Broker)
}

// VolOrZero unwraps the nullable volume for sorting.
func (h HoldingsRow) VolOrZero() float64 {
	if h.Vol == nil {
		return 0
	}
	return *h.Vol
}

// StockEntry is one listed stock. Symbol carries the canonical
// EXCHANGE.code form.
type StockEntry struct {
	Symbol        string `json:"symbol" gorm:"primaryKey;size:32"`
	Name          string `json:"name"`
	Exchange      string `json:"exchange" gorm:"index"`
	Market        string `json:"market,omitempty"`
	ListStatus    string `json:"list_status,omitempty"`
	ListDate      Date   `json:"list_date"`
	ListDatestamp int64  `json:"list_datestamp"`
}

func (s StockEntry) Collection() string { return CollectionStockList }

func (s StockEntry) TableName() string { return CollectionStockList }

func (s StockEntry) Key() string { return s.Symbol }

// ErrInvalidQuery is returned before any vendor call when query arguments
// do not make sense together.
var ErrInvalidQuery = errors.New("invalid query")

// ContractQuery filters a contract listing. A zero Date means "ever".
type ContractQuery struct {
	Exchanges []string
	Symbols   []string
	Products  []string
	Date      Date
}

func (q ContractQuery) Validate() error {
	if q.Date != 0 && !q.Date.Valid() {
		return fmt.Errorf("%w: date %d", ErrInvalidQuery, q.Date)
	}
	return nil
}

// BarQuery selects daily rows either by range or by a single day, never
// both. At least one of Symbols or Exchanges must be given.
type BarQuery struct {
	Symbols   []string
	Exchanges []string
	Start     Date
	End       Date
	Date      Date
}

func (q BarQuery) Validate() error {
	if len(q.Symbols) == 0 && len(q.Exchanges) == 0 {
		return fmt.Errorf("%w: symbols or exchanges required", ErrInvalidQuery)
	}
	if q.Date != 0 && (q.Start != 0 || q.End != 0) {
		return fmt.Errorf("%w: date and start/end are mutually exclusive", ErrInvalidQuery)
	}
	for _, d := range []Date{q.Start, q.End, q.Date} {
		if d != 0 && !d.Valid() {
			return fmt.Errorf("%w: date %d", ErrInvalidQuery, d)
		}
	}
	if q.Start != 0 && q.End != 0 && q.Start > q.End {
		return fmt.Errorf("%w: start %s after end %s", ErrInvalidQuery, q.Start, q.End)
	}
	return nil
}

// Range resolves the effective (start, end) pair; a single-day query
// collapses to (d, d).
func (q BarQuery) Range() (Date, Date) {
	if q.Date != 0 {
		return q.Date, q.Date
	}
	return q.Start, q.End
}

// HoldingsQuery has the bar argument shape plus product filtering.
type HoldingsQuery struct {
	BarQuery
	Products []string
}

// StockQuery selects a stock-list snapshot; it is not date-ranged.
// ListStatus is one of L (listed), D (delisted), P (pending); empty means L.
type StockQuery struct {
	Exchanges  []string
	Markets    []string
	ListStatus string
	HSConnect  string
}

func (q StockQuery) Validate() error {
	switch q.ListStatus {
	case "", "L", "D", "P":
		return nil
	}
	return fmt.Errorf("%w: list status %q", ErrInvalidQuery, q.ListStatus)
}

// Status returns the effective list status.
func (q StockQuery) Status() string {
	if q.ListStatus == "" {
		return "L"
	}
	return q.ListStatus
}
