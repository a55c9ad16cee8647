package model

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveResultCounters(t *testing.T) {
	result := NewSaveResult("trade_calendar", "tushare")
	require.NotEmpty(t, result.RunID)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result.AddInserted(2)
			result.AddModified(1)
			result.AddSkipped(1)
			result.AddError(ErrorKindTransport, "boom", "SHSE:2024")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), result.Inserted())
	assert.Equal(t, int64(50), result.Modified())
	assert.Equal(t, int64(50), result.Skipped())
	assert.Len(t, result.Errors(), 50)
	assert.False(t, result.OK())
}

func TestSaveResultComplete(t *testing.T) {
	result := NewSaveResult("future_daily", "fixture")
	assert.False(t, result.Completed())

	result.Complete()
	require.True(t, result.Completed())
	first := result.EndedAt()

	result.Complete()
	assert.Equal(t, first, result.EndedAt())
	assert.GreaterOrEqual(t, result.Duration().Nanoseconds(), int64(0))
}

func TestSaveResultToMap(t *testing.T) {
	result := NewSaveResult("future_holdings", "tushare")
	result.AddInserted(3)
	result.AddSkipped(1)
	result.UnitPlanned()
	result.UnitCommitted()
	result.SetMeta("exchanges", "SHFE")
	result.AddError(ErrorKindValidation, "negative position", "20240115:cu2403")
	result.Complete()

	snap := result.ToMap()
	assert.Equal(t, "future_holdings", snap["dataset"])
	assert.Equal(t, "tushare", snap["vendor"])
	assert.Equal(t, int64(3), snap["inserted_count"])
	assert.Equal(t, int64(1), snap["skipped_count"])
	assert.Equal(t, int64(1), snap["units_committed"])

	meta, ok := snap["metadata"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "SHFE", meta["exchanges"])

	errs, ok := snap["errors"].([]map[string]string)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorKindValidation, errs[0]["kind"])
}

type intItem int

func (i intItem) Less(other Item) bool { return i < other.(intItem) }

func TestPriorityQueue(t *testing.T) {
	queue := NewPriorityQueue([]Item{intItem(5), intItem(1), intItem(3)})
	queue.Push(intItem(2))
	queue.Push(intItem(4))

	assert.Equal(t, 5, queue.Len())
	assert.Equal(t, intItem(1), queue.Peek())

	var got []int
	for {
		item := queue.Pop()
		if item == nil {
			break
		}
		got = append(got, int(item.(intItem)))
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
	assert.Zero(t, queue.Len())
	assert.Nil(t, queue.Pop())
}
