package quantbox

import (
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/save"
)

// Aliases so callers can work from the root package without importing
// the internals.
type (
	Date          = model.Date
	CalendarEntry = model.CalendarEntry
	Contract      = model.Contract
	DailyBar      = model.DailyBar
	HoldingsRow   = model.HoldingsRow
	StockEntry    = model.StockEntry
	SaveResult    = model.SaveResult
	Args          = save.Args
)

var (
	Today          = model.Today
	DateFromString = model.DateFromString
	DateFromTime   = model.DateFromTime
)
