package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateFromInt(t *testing.T) {
	t.Run("valid day", func(t *testing.T) {
		d, err := DateFromInt(20240102)
		require.NoError(t, err)
		assert.Equal(t, 20240102, d.Int())
		assert.Equal(t, 2024, d.Year())
		assert.Equal(t, time.January, d.Month())
		assert.Equal(t, 2, d.Day())
	})

	t.Run("too short", func(t *testing.T) {
		_, err := DateFromInt(2024010)
		require.ErrorIs(t, err, ErrInvalidDate)
	})

	t.Run("month out of range", func(t *testing.T) {
		_, err := DateFromInt(20241302)
		require.ErrorIs(t, err, ErrInvalidDate)
	})

	t.Run("day out of range", func(t *testing.T) {
		_, err := DateFromInt(20240230)
		require.ErrorIs(t, err, ErrInvalidDate)
	})

	t.Run("leap day", func(t *testing.T) {
		_, err := DateFromInt(20240229)
		require.NoError(t, err)

		_, err = DateFromInt(20230229)
		require.ErrorIs(t, err, ErrInvalidDate)
	})
}

func TestDateFromString(t *testing.T) {
	tt := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"20240102", 20240102, false},
		{"2024-01-02", 20240102, false},
		{"19901219", 19901219, false},
		{"2024/01/02", 0, true},
		{"2024-1-2", 0, true},
		{"202401", 0, true},
		{"not-a-date", 0, true},
		{"", 0, true},
	}

	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			d, err := DateFromString(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidDate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Int())
		})
	}
}

func TestDateRoundTrips(t *testing.T) {
	days := []int{19900101, 20081231, 20240102, 20240229, 20351111}

	for _, n := range days {
		d, err := DateFromInt(n)
		require.NoError(t, err)

		t.Run(d.String(), func(t *testing.T) {
			fromString, err := DateFromString(d.String())
			require.NoError(t, err)
			assert.Equal(t, d, fromString)

			fromCompact, err := DateFromString(d.Compact())
			require.NoError(t, err)
			assert.Equal(t, d, fromCompact)

			assert.Equal(t, d, DateFromTimestamp(d.Timestamp()))
		})
	}
}

func TestDateTimestampMidnight(t *testing.T) {
	d, err := DateFromInt(20240102)
	require.NoError(t, err)

	want := time.Date(2024, time.January, 2, 0, 0, 0, 0, time.Local)
	assert.Equal(t, want.Unix(), d.Timestamp())
	assert.True(t, d.Time().Equal(want))
}

func TestParseDate(t *testing.T) {
	for _, v := range []interface{}{20240102, int64(20240102), "20240102", "2024-01-02", Date(20240102)} {
		d, err := ParseDate(v)
		require.NoError(t, err)
		assert.Equal(t, Date(20240102), d)
	}

	_, err := ParseDate(3.14)
	require.ErrorIs(t, err, ErrInvalidDate)
}

func TestDateCalendarWalk(t *testing.T) {
	d := Date(20231231)
	assert.Equal(t, Date(20240101), d.AddDays(1))
	assert.Equal(t, Date(20231221), d.AddDays(-10))

	assert.Equal(t, time.Sunday, Date(20231231).Weekday())
	assert.True(t, Date(20240106).Weekend())
	assert.False(t, Date(20240105).Weekend())

	assert.Equal(t, Date(20241231), Date(20240515).EndOfYear())
	assert.Equal(t, Date(20240101), Date(20240515).StartOfYear())
}

func TestDateZeroValue(t *testing.T) {
	var d Date
	assert.False(t, d.Valid())
}
