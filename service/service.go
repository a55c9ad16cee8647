// Package service defines the contracts between the save engine and its
// collaborators: vendor data sources and run-report notifiers.
package service

import (
	"context"

	"github.com/quantbox/quantbox/model"
)

// DataSource is the unified vendor contract. Inputs are always canonical
// exchanges, symbols and dates; outputs are the canonical record shapes.
// Implementations are safe for concurrent use, return empty slices for
// "no data", and reserve errors for genuine failures.
type DataSource interface {
	// Name identifies the vendor ("tushare", "goldminer", ...).
	Name() string

	// TradeCalendar returns the sorted, deduplicated trading days of the
	// given exchanges (empty = all configured) inside the range.
	TradeCalendar(ctx context.Context, exchanges []string, start, end model.Date) ([]model.CalendarEntry, error)

	// FutureContracts lists contracts matching the query. Vendors without
	// historical listings return an empty slice and say so in Diagnostic.
	FutureContracts(ctx context.Context, query model.ContractQuery) ([]model.Contract, error)

	// FutureDaily returns daily bars sorted by (symbol, date). Rows the
	// vendor serves in an unparseable shape are dropped; invariant
	// validation happens in the save pipeline.
	FutureDaily(ctx context.Context, query model.BarQuery) ([]model.DailyBar, error)

	// FutureHoldings returns broker position rows ordered by descending
	// volume within each (date, symbol).
	FutureHoldings(ctx context.Context, query model.HoldingsQuery) ([]model.HoldingsRow, error)

	// StockList returns a snapshot of listed stocks; it is not date-ranged.
	StockList(ctx context.Context, query model.StockQuery) ([]model.StockEntry, error)

	// CheckAvailability is a cheap probe the orchestrator uses to decide
	// whether to skip a dataset rather than fail a run.
	CheckAvailability(ctx context.Context) bool

	// Diagnostic describes vendor limitations hit since construction.
	Diagnostic() string
}

// Notifier receives run outcomes.
type Notifier interface {
	Notify(text string)
	OnResult(result *model.SaveResult)
	OnError(err error)
}

// Telegram is a notifier with a long-polling command loop.
type Telegram interface {
	Notifier
	Start()
}
