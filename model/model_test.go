package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentKeys(t *testing.T) {
	calendar := NewCalendarEntry("SHSE", 20240102)
	assert.Equal(t, "trade_calendar", calendar.Collection())
	assert.Equal(t, "SHSE:20240102", calendar.Key())
	assert.Equal(t, Date(20240102).Timestamp(), calendar.Datestamp)

	contract := Contract{Exchange: "SHFE", Symbol: "cu2403"}
	assert.Equal(t, "SHFE:cu2403", contract.Key())
	assert.Equal(t, "SHFE.cu2403", contract.FullSymbol())

	bar := DailyBar{Symbol: "SHFE.cu2403", Date: 20240105}
	assert.Equal(t, "SHFE.cu2403:20240105", bar.Key())

	vol := 120.0
	row := HoldingsRow{Date: 20240115, Symbol: "SHFE.cu2403", Broker: "broker-a", Vol: &vol}
	assert.Equal(t, "20240115:SHFE.cu2403:broker-a", row.Key())
	assert.Equal(t, 120.0, row.VolOrZero())
	assert.Zero(t, HoldingsRow{}.VolOrZero())

	stock := StockEntry{Symbol: "SHSE.600000"}
	assert.Equal(t, "SHSE.600000", stock.Key())
}

func TestContractActiveOn(t *testing.T) {
	c := Contract{Symbol: "cu2403", ListDate: 20230916, DelistDate: 20240315}

	assert.True(t, c.ActiveOn(20240115))
	assert.True(t, c.ActiveOn(20230916))
	assert.True(t, c.ActiveOn(20240315))
	assert.False(t, c.ActiveOn(20230915))
	assert.False(t, c.ActiveOn(20240316))

	open := Contract{Symbol: "cu2412", ListDate: 20240101}
	assert.True(t, open.ActiveOn(20991231))
}

func TestDailyBarPricesValid(t *testing.T) {
	ok := DailyBar{Open: 10, High: 12, Low: 9, Close: 11}
	assert.True(t, ok.PricesValid())

	bad := DailyBar{Open: 13, High: 12, Low: 9, Close: 11}
	assert.False(t, bad.PricesValid())

	flat := DailyBar{Open: 10, High: 10, Low: 10, Close: 10}
	assert.True(t, flat.PricesValid())
}

func TestBarQueryValidate(t *testing.T) {
	t.Run("requires symbols or exchanges", func(t *testing.T) {
		err := BarQuery{Start: 20240101, End: 20240105}.Validate()
		require.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("start after end", func(t *testing.T) {
		err := BarQuery{Exchanges: []string{"SHFE"}, Start: 20240105, End: 20240101}.Validate()
		require.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("range and single day are exclusive", func(t *testing.T) {
		err := BarQuery{Exchanges: []string{"SHFE"}, Start: 20240101, Date: 20240102}.Validate()
		require.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("malformed date", func(t *testing.T) {
		err := BarQuery{Exchanges: []string{"SHFE"}, Date: 20241399}.Validate()
		require.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("valid range", func(t *testing.T) {
		q := BarQuery{Symbols: []string{"SHFE.cu2403"}, Start: 20240101, End: 20240105}
		require.NoError(t, q.Validate())

		start, end := q.Range()
		assert.Equal(t, Date(20240101), start)
		assert.Equal(t, Date(20240105), end)
	})

	t.Run("single day collapses range", func(t *testing.T) {
		q := BarQuery{Exchanges: []string{"DCE"}, Date: 20240102}
		require.NoError(t, q.Validate())

		start, end := q.Range()
		assert.Equal(t, start, end)
	})
}

func TestStockQueryValidate(t *testing.T) {
	require.NoError(t, StockQuery{}.Validate())
	assert.Equal(t, "L", StockQuery{}.Status())
	assert.Equal(t, "D", StockQuery{ListStatus: "D"}.Status())

	err := StockQuery{ListStatus: "X"}.Validate()
	require.ErrorIs(t, err, ErrInvalidQuery)
}
