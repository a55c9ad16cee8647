package save

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/storage"
)

// Issue is one consistency finding, addressed by collection and key.
type Issue struct {
	Collection string
	Key        string
	Message    string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Collection, i.Key, i.Message)
}

// Checker audits stored data against the invariants the pipelines
// enforce on the way in. It reads only, never repairs.
type Checker struct {
	store storage.Storage
}

func NewChecker(store storage.Storage) *Checker {
	return &Checker{store: store}
}

// CheckAll runs every audit and concatenates the findings.
func (c *Checker) CheckAll(ctx context.Context) ([]Issue, error) {
	issues := make([]Issue, 0)
	for _, check := range []func(context.Context) ([]Issue, error){
		c.CheckCalendar,
		c.CheckContracts,
		c.CheckDaily,
		c.CheckHoldings,
	} {
		found, err := check(ctx)
		if err != nil {
			return issues, err
		}
		issues = append(issues, found...)
	}
	return issues, nil
}

// CheckCalendar flags weekend trading days, previous-day pointers that
// do not precede their entry, and months with too few trading days.
// Chinese exchanges trade at least 15 days in February and 17 in any
// other full month; a short month usually means a truncated fetch.
func (c *Checker) CheckCalendar(ctx context.Context) ([]Issue, error) {
	var entries []model.CalendarEntry
	err := c.store.Find(ctx, model.CollectionTradeCalendar, "datestamp", 0, &entries)
	if err != nil {
		return nil, err
	}

	issues := make([]Issue, 0)
	months := make(map[string]int)
	for _, entry := range entries {
		if entry.Date.Weekend() {
			issues = append(issues, Issue{
				Collection: model.CollectionTradeCalendar,
				Key:        entry.Key(),
				Message:    "trading day falls on a weekend",
			})
		}
		if entry.PretradeDate != 0 && entry.PretradeDate >= entry.Date {
			issues = append(issues, Issue{
				Collection: model.CollectionTradeCalendar,
				Key:        entry.Key(),
				Message:    fmt.Sprintf("pretrade date %s not before trade date", entry.PretradeDate),
			})
		}
		months[fmt.Sprintf("%s:%06d", entry.Exchange, entry.Date/100)]++
	}

	today := model.Today()
	currentMonth := int32(today / 100)
	for month, count := range months {
		var yyyymm int32
		if _, err := fmt.Sscanf(month[strings.IndexByte(month, ':')+1:], "%d", &yyyymm); err != nil {
			continue
		}
		if yyyymm >= currentMonth {
			// The running month is legitimately partial.
			continue
		}
		floor := 17
		if yyyymm%100 == 2 {
			floor = 15
		}
		if count < floor {
			issues = append(issues, Issue{
				Collection: model.CollectionTradeCalendar,
				Key:        month,
				Message:    fmt.Sprintf("only %d trading days in month, expected at least %d", count, floor),
			})
		}
	}
	return issues, nil
}

// CheckContracts flags listings whose lifecycle dates are inverted.
func (c *Checker) CheckContracts(ctx context.Context) ([]Issue, error) {
	var contracts []model.Contract
	err := c.store.Find(ctx, model.CollectionFutureContract, "list_datestamp", 0, &contracts)
	if err != nil {
		return nil, err
	}

	issues := make([]Issue, 0)
	for _, contract := range contracts {
		if contract.DelistDate != 0 && contract.ListDate > contract.DelistDate {
			issues = append(issues, Issue{
				Collection: model.CollectionFutureContract,
				Key:        contract.Key(),
				Message:    fmt.Sprintf("list date %s after delist date %s", contract.ListDate, contract.DelistDate),
			})
		}
	}
	return issues, nil
}

// CheckDaily flags bars violating the price ordering or carrying
// negative turnover.
func (c *Checker) CheckDaily(ctx context.Context) ([]Issue, error) {
	var bars []model.DailyBar
	err := c.store.Find(ctx, model.CollectionFutureDaily, "datestamp", 0, &bars)
	if err != nil {
		return nil, err
	}

	issues := make([]Issue, 0)
	for _, bar := range bars {
		if !bar.PricesValid() {
			issues = append(issues, Issue{
				Collection: model.CollectionFutureDaily,
				Key:        bar.Key(),
				Message:    fmt.Sprintf("price ordering violated: o=%g h=%g l=%g c=%g", bar.Open, bar.High, bar.Low, bar.Close),
			})
		}
		if bar.Volume < 0 || bar.Amount < 0 {
			issues = append(issues, Issue{
				Collection: model.CollectionFutureDaily,
				Key:        bar.Key(),
				Message:    "negative volume or amount",
			})
		}
	}
	return issues, nil
}

// CheckHoldings flags rows with blank brokers or negative positions.
func (c *Checker) CheckHoldings(ctx context.Context) ([]Issue, error) {
	var rows []model.HoldingsRow
	err := c.store.Find(ctx, model.CollectionFutureHoldings, "datestamp", 0, &rows)
	if err != nil {
		return nil, err
	}

	issues := make([]Issue, 0)
	for _, row := range rows {
		if row.Broker == "" {
			issues = append(issues, Issue{
				Collection: model.CollectionFutureHoldings,
				Key:        row.Key(),
				Message:    "blank broker name",
			})
		}
		for _, position := range []*float64{row.Vol, row.LongHld, row.ShortHld} {
			if position != nil && *position < 0 {
				issues = append(issues, Issue{
					Collection: model.CollectionFutureHoldings,
					Key:        row.Key(),
					Message:    "negative position",
				})
				break
			}
		}
	}
	return issues, nil
}
