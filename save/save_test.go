package save

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/exchange"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/source"
	"github.com/quantbox/quantbox/storage"
)

func newTestSaver(t *testing.T, src *source.Fixture) (*Saver, storage.Storage) {
	t.Helper()

	store, err := storage.FromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureIndexes(context.Background()))

	reg, err := config.NewRegistry(config.Defaults())
	require.NoError(t, err)

	saver := NewSaver(src, store, reg, Tuning{
		Workers:      2,
		BatchSize:    500,
		DefaultStart: 20240101,
	})
	return saver, store
}

func TestSaveTradeCalendarFreshAndIdempotent(t *testing.T) {
	saver, store := newTestSaver(t, source.NewFixture())
	ctx := context.Background()
	args := Args{Exchanges: []string{"SHFE"}, Start: 20240101, End: 20241231}

	first := saver.SaveTradeCalendar(ctx, args)
	require.True(t, first.OK(), "%v", first.Errors())
	assert.Positive(t, first.Inserted())
	assert.Zero(t, first.Modified())
	assert.Zero(t, first.Skipped())
	assert.EqualValues(t, 1, first.UnitsCommitted())
	assert.True(t, first.Completed())

	count, err := store.Count(ctx, model.CollectionTradeCalendar)
	require.NoError(t, err)
	assert.Equal(t, first.Inserted(), count)

	// Byte-identical rerun: everything lands as unchanged.
	second := saver.SaveTradeCalendar(ctx, args)
	require.True(t, second.OK())
	assert.Zero(t, second.Inserted())
	assert.Zero(t, second.Modified())
	assert.Equal(t, first.Inserted(), second.Skipped())
}

func TestSaveTradeCalendarCursorSkipsCoveredYears(t *testing.T) {
	saver, _ := newTestSaver(t, source.NewFixture())
	ctx := context.Background()

	// Unpinned: range runs from the default start to the published end.
	first := saver.SaveTradeCalendar(ctx, Args{Exchanges: []string{"SHFE"}})
	require.True(t, first.OK(), "%v", first.Errors())
	assert.Positive(t, first.Inserted())
	assert.Zero(t, first.UnitsSkipped())

	second := saver.SaveTradeCalendar(ctx, Args{Exchanges: []string{"SHFE"}})
	require.True(t, second.OK())
	assert.Zero(t, second.Inserted())
	// The cursor sits at the latest stored day, so the 2024 unit never
	// leaves the planner on the rerun.
	assert.EqualValues(t, 1, second.UnitsSkipped())
	assert.Equal(t, first.UnitsCommitted()-1, second.UnitsCommitted())
}

func TestSaveTradeCalendarRejectsBadArgs(t *testing.T) {
	saver, _ := newTestSaver(t, source.NewFixture())
	ctx := context.Background()

	result := saver.SaveTradeCalendar(ctx, Args{Exchanges: []string{"NYSE"}})
	require.False(t, result.OK())
	assert.Equal(t, model.ErrorKindArgument, result.Errors()[0].Kind)
	assert.True(t, result.Completed())

	result = saver.SaveTradeCalendar(ctx, Args{Start: 20241231, End: 20240101})
	require.False(t, result.OK())
	assert.Equal(t, model.ErrorKindArgument, result.Errors()[0].Kind)
}

func TestSaveFutureContracts(t *testing.T) {
	saver, store := newTestSaver(t, source.NewFixture())
	ctx := context.Background()

	result := saver.SaveFutureContracts(ctx, Args{})
	require.True(t, result.OK(), "%v", result.Errors())
	assert.EqualValues(t, 2, result.Inserted())

	var contracts []model.Contract
	err := store.Find(ctx, model.CollectionFutureContract, "list_datestamp", 0, &contracts,
		storage.Eq("exchange", "SHFE"))
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "cu2403", contracts[0].Symbol)

	result = saver.SaveFutureContracts(ctx, Args{Exchanges: []string{"SHSE"}})
	require.False(t, result.OK())
	assert.Equal(t, model.ErrorKindArgument, result.Errors()[0].Kind)
}

func TestSaveFutureDailyBySymbol(t *testing.T) {
	saver, store := newTestSaver(t, source.NewFixture())
	ctx := context.Background()

	result := saver.SaveFutureDaily(ctx, Args{
		Symbols: []string{"SHFE.cu2403"},
		Start:   20240101,
		End:     20240331,
	})
	require.True(t, result.OK(), "%v", result.Errors())
	assert.Positive(t, result.Inserted())

	var bars []model.DailyBar
	err := store.Find(ctx, model.CollectionFutureDaily, "datestamp", 0, &bars,
		storage.Eq("symbol", "SHFE.cu2403"))
	require.NoError(t, err)
	require.NotEmpty(t, bars)
	for i := 1; i < len(bars); i++ {
		assert.Less(t, bars[i-1].Date, bars[i].Date)
	}
}

func TestSaveFutureDailyDropsInvalidRows(t *testing.T) {
	good := model.DailyBar{
		Symbol: "SHFE.cu2403", Exchange: "SHFE",
		Date: 20240102, Datestamp: model.Date(20240102).Timestamp(),
		Open: 68050, High: 68200, Low: 67900, Close: 68100,
		Volume: 100, Amount: 6.8e6, OI: 1,
	}
	bad := good
	bad.Date = 20240103
	bad.Datestamp = model.Date(20240103).Timestamp()
	bad.High = 60000 // below low

	negative := good
	negative.Date = 20240104
	negative.Datestamp = model.Date(20240104).Timestamp()
	negative.Volume = -5

	fixture := source.NewFixture(source.WithDailyBars([]model.DailyBar{good, bad, negative}))
	saver, store := newTestSaver(t, fixture)
	ctx := context.Background()

	result := saver.SaveFutureDaily(ctx, Args{
		Symbols: []string{"SHFE.cu2403"},
		Start:   20240101,
		End:     20240131,
	})
	require.True(t, result.OK(), "%v", result.Errors())
	assert.EqualValues(t, 1, result.Inserted())
	assert.EqualValues(t, 2, result.Skipped())

	count, err := store.Count(ctx, model.CollectionFutureDaily)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSaveFutureHoldingsKeepsLastDuplicate(t *testing.T) {
	stale, fresh := 100.0, 200.0
	rows := []model.HoldingsRow{
		{
			Date: 20240102, Symbol: "SHFE.cu2403", Broker: "永安期货",
			Exchange: "SHFE", Datestamp: model.Date(20240102).Timestamp(),
			Vol: &stale,
		},
		{
			Date: 20240102, Symbol: "SHFE.cu2403", Broker: "永安期货",
			Exchange: "SHFE", Datestamp: model.Date(20240102).Timestamp(),
			Vol: &fresh,
		},
	}
	fixture := source.NewFixture(
		source.WithHoldings(rows),
		source.WithCalendar([]model.CalendarEntry{model.NewCalendarEntry("SHFE", 20240102)}),
	)
	saver, store := newTestSaver(t, fixture)
	ctx := context.Background()

	result := saver.SaveFutureHoldings(ctx, Args{
		Exchanges: []string{"SHFE"},
		Date:      20240102,
	})
	require.True(t, result.OK(), "%v", result.Errors())
	assert.EqualValues(t, 1, result.Inserted())
	assert.EqualValues(t, 1, result.Skipped())

	var stored []model.HoldingsRow
	err := store.Find(ctx, model.CollectionFutureHoldings, "datestamp", 0, &stored)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].Vol)
	assert.Equal(t, fresh, *stored[0].Vol)
}

func TestSaveFutureHoldingsExpandsTradingDays(t *testing.T) {
	saver, _ := newTestSaver(t, source.NewFixture())
	ctx := context.Background()

	// Seed the calendar so the planner expands from the store.
	calendar := saver.SaveTradeCalendar(ctx, Args{
		Exchanges: []string{"SHFE"}, Start: 20240101, End: 20240131,
	})
	require.True(t, calendar.OK())

	result := saver.SaveFutureHoldings(ctx, Args{
		Exchanges: []string{"SHFE"},
		Start:     20240102,
		End:       20240105,
	})
	require.True(t, result.OK(), "%v", result.Errors())
	// Jan 2 through Jan 5 2024 are four trading days, one unit each.
	assert.EqualValues(t, 4, result.UnitsPlanned())
	assert.EqualValues(t, 4, result.UnitsCommitted())
	assert.EqualValues(t, 12, result.Inserted()) // 3 brokers per day
}

func TestSaveFutureDailyEndResolvesPerExchange(t *testing.T) {
	cfg := config.Defaults()
	cfg.Exchanges = []config.ExchangeInfo{{Code: "DCE", CloseHour: 20}}
	reg, err := config.NewRegistry(cfg)
	require.NoError(t, err)

	store, err := storage.FromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureIndexes(context.Background()))

	saver := NewSaver(source.NewFixture(), store, reg, Tuning{
		Workers:      2,
		BatchSize:    500,
		DefaultStart: 20240611,
	})
	// 16:00 on a Friday: past the SHFE close, before the DCE one.
	saver.now = func() time.Time {
		return time.Date(2024, 6, 14, 16, 0, 0, 0, time.Local)
	}

	result := saver.SaveFutureDaily(context.Background(), Args{Exchanges: []string{"SHFE", "DCE"}})
	require.True(t, result.OK(), "%v", result.Errors())
	// SHFE's window reaches Jun 14 while DCE's last complete day is
	// still Jun 13: four trading-day units plus three.
	assert.EqualValues(t, 7, result.UnitsPlanned())
	assert.EqualValues(t, 7, result.UnitsCommitted())
}

func TestSaveStockList(t *testing.T) {
	saver, store := newTestSaver(t, source.NewFixture())
	ctx := context.Background()

	result := saver.SaveStockList(ctx, Args{})
	require.True(t, result.OK(), "%v", result.Errors())
	assert.EqualValues(t, 2, result.Inserted())
	// One unit per stock exchange and status.
	assert.EqualValues(t, 3, result.UnitsPlanned())

	count, err := store.Count(ctx, model.CollectionStockList)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	result = saver.SaveStockList(ctx, Args{ListStatus: "X"})
	require.False(t, result.OK())
	assert.Equal(t, model.ErrorKindArgument, result.Errors()[0].Kind)
}

func TestSaveUnitFailureIsIsolated(t *testing.T) {
	fixture := source.NewFixture(source.WithErr("daily", source.ErrVendorUnavailable))
	saver, _ := newTestSaver(t, fixture)
	ctx := context.Background()

	// The failing vendor call marks units failed but the run completes.
	result := saver.SaveFutureDaily(ctx, Args{
		Symbols: []string{"SHFE.cu2403"},
		Start:   20240101,
		End:     20240131,
	})
	require.False(t, result.OK())
	assert.True(t, result.Completed())
	assert.Positive(t, result.UnitsFailed())
	assert.Zero(t, result.UnitsCommitted())
	assert.Equal(t, model.ErrorKindTransport, result.Errors()[0].Kind)

	// The calendar pipeline still works against the same source.
	calendar := saver.SaveTradeCalendar(ctx, Args{
		Exchanges: []string{"SHFE"}, Start: 20240101, End: 20240131,
	})
	require.True(t, calendar.OK())
}

func TestSaveCancellation(t *testing.T) {
	fixture := source.NewFixture(source.WithRateLimit(2))
	saver, _ := newTestSaver(t, fixture)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	result := saver.SaveTradeCalendar(ctx, Args{Start: 20240101, End: 20241231})
	assert.True(t, result.Completed())
	assert.Positive(t, result.UnitsCancelled())
}

func TestSaveRateSaturation(t *testing.T) {
	if testing.Short() {
		t.Skip("saturation test runs against a real token bucket")
	}

	fixture := source.NewFixture(source.WithRateLimit(2))
	saver, _ := newTestSaver(t, fixture)
	saver.tun.RateLimit = 2

	start := time.Now()
	result := saver.SaveTradeCalendar(context.Background(), Args{
		Start: 20230101, End: 20241231,
	})
	require.True(t, result.OK(), "%v", result.Errors())
	assert.EqualValues(t, int64(2*len(exchange.Codes())), result.UnitsCommitted())

	// 18 paced calls at 2/s cannot finish in under 8 seconds no matter
	// how many workers run.
	assert.GreaterOrEqual(t, time.Since(start), 8*time.Second)
}
