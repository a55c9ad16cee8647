package save

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/storage"
)

func newTestChecker(t *testing.T) (*Checker, storage.Storage) {
	t.Helper()
	store, err := storage.FromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureIndexes(context.Background()))
	return NewChecker(store), store
}

func seedDocs(t *testing.T, store storage.Storage, collection string, docs ...model.Document) {
	t.Helper()
	_, _, err := store.BulkUpsert(context.Background(), collection, docs)
	require.NoError(t, err)
}

// currentMonthWeekday picks a non-weekend day in the running month so
// calendar seeds stay exempt from the short-month audit without tripping
// the weekend one.
func currentMonthWeekday() model.Date {
	day := model.Today()/100*100 + 1
	for day.Weekend() {
		day = day.AddDays(1)
	}
	return day
}

func issueMessages(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.String())
	}
	return out
}

func TestCheckCalendar(t *testing.T) {
	checker, store := newTestChecker(t)

	friday := model.NewCalendarEntry("SHFE", 20240105)
	friday.PretradeDate = 20240104 // in order, no finding

	monday := model.NewCalendarEntry("SHFE", 20240108)
	monday.PretradeDate = 20240108 // points at itself

	seedDocs(t, store, model.CollectionTradeCalendar,
		friday,
		model.NewCalendarEntry("SHFE", 20240106), // Saturday
		monday,
		model.NewCalendarEntry("SHFE", currentMonthWeekday()),
	)

	issues, err := checker.CheckCalendar(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 3, "%v", issueMessages(issues))

	var weekend, pretrade, short bool
	for _, issue := range issues {
		assert.Equal(t, model.CollectionTradeCalendar, issue.Collection)
		switch {
		case issue.Message == "trading day falls on a weekend":
			weekend = true
			assert.Contains(t, issue.Key, "20240106")
		case strings.Contains(issue.Message, "not before trade date"):
			pretrade = true
			assert.Contains(t, issue.Key, "20240108")
		case issue.Key == "SHFE:202401":
			short = true
			assert.Contains(t, issue.Message, "trading days in month")
		}
	}
	assert.True(t, weekend)
	assert.True(t, pretrade)
	// Three January days are far below the 17-day floor; the current month
	// stays exempt no matter how few rows it has.
	assert.True(t, short)
}

func TestCheckContracts(t *testing.T) {
	checker, store := newTestChecker(t)

	seedDocs(t, store, model.CollectionFutureContract,
		model.Contract{
			Exchange: "SHFE", Symbol: "cu2403", Product: "CU",
			ListDate: 20230316, DelistDate: 20240315,
			ListDatestamp: model.Date(20230316).Timestamp(),
		},
		model.Contract{
			Exchange: "DCE", Symbol: "m2405", Product: "M",
			ListDate: 20240501, DelistDate: 20240401,
			ListDatestamp: model.Date(20240501).Timestamp(),
		},
	)

	issues, err := checker.CheckContracts(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Key, "m2405")
	assert.Contains(t, issues[0].Message, "after delist date")
}

func TestCheckDaily(t *testing.T) {
	checker, store := newTestChecker(t)

	good := model.DailyBar{
		Symbol: "SHFE.cu2403", Exchange: "SHFE",
		Date: 20240102, Datestamp: model.Date(20240102).Timestamp(),
		Open: 68050, High: 68200, Low: 67900, Close: 68100,
		Volume: 100, Amount: 6.8e6,
	}
	inverted := good
	inverted.Date = 20240103
	inverted.Datestamp = model.Date(20240103).Timestamp()
	inverted.High = 60000

	negative := good
	negative.Date = 20240104
	negative.Datestamp = model.Date(20240104).Timestamp()
	negative.Amount = -1

	seedDocs(t, store, model.CollectionFutureDaily, good, inverted, negative)

	issues, err := checker.CheckDaily(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 2, "%v", issueMessages(issues))
}

func TestCheckHoldings(t *testing.T) {
	checker, store := newTestChecker(t)

	vol := 100.0
	short := -50.0
	seedDocs(t, store, model.CollectionFutureHoldings,
		model.HoldingsRow{
			Date: 20240102, Symbol: "SHFE.cu2403", Broker: "永安期货",
			Exchange: "SHFE", Datestamp: model.Date(20240102).Timestamp(),
			Vol: &vol,
		},
		model.HoldingsRow{
			Date: 20240102, Symbol: "SHFE.cu2403", Broker: "",
			Exchange: "SHFE", Datestamp: model.Date(20240102).Timestamp(),
			Vol: &vol,
		},
		model.HoldingsRow{
			Date: 20240102, Symbol: "SHFE.cu2403", Broker: "中信期货",
			Exchange: "SHFE", Datestamp: model.Date(20240102).Timestamp(),
			ShortHld: &short,
		},
	)

	issues, err := checker.CheckHoldings(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 2, "%v", issueMessages(issues))
	assert.Equal(t, "blank broker name", issues[0].Message)
	assert.Equal(t, "negative position", issues[1].Message)
}

func TestCheckAllAggregatesAndEmptyStoreIsClean(t *testing.T) {
	checker, store := newTestChecker(t)

	issues, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)

	seedDocs(t, store, model.CollectionTradeCalendar,
		model.NewCalendarEntry("DCE", 20240107), // Sunday
		model.NewCalendarEntry("DCE", currentMonthWeekday()),
	)
	seedDocs(t, store, model.CollectionFutureContract, model.Contract{
		Exchange: "DCE", Symbol: "m2405", Product: "M",
		ListDate: 20240501, DelistDate: 20240401,
		ListDatestamp: model.Date(20240501).Timestamp(),
	})

	issues, err = checker.CheckAll(context.Background())
	require.NoError(t, err)
	// Weekend day, short January, inverted contract dates.
	assert.Len(t, issues, 3, "%v", issueMessages(issues))
}
