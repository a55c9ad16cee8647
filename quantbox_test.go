package quantbox

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/save"
	"github.com/quantbox/quantbox/source"
)

// recorder captures notifier traffic for assertions.
type recorder struct {
	mu       sync.Mutex
	messages []string
	results  []*model.SaveResult
}

func (r *recorder) Notify(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
}

func (r *recorder) OnResult(result *model.SaveResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recorder) OnError(error) {}

func newTestEngine(t *testing.T, src *source.Fixture, options ...Option) *Quantbox {
	t.Helper()

	cfg := config.Defaults()
	cfg.Database.Driver = "memory"
	cfg.Pipeline.Workers = 2

	engine, err := NewQuantbox(context.Background(), cfg,
		append([]Option{WithDataSource(src)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestSaveAllRunsEveryDataset(t *testing.T) {
	rec := &recorder{}
	engine := newTestEngine(t, source.NewFixture(), WithNotifier(rec))

	report := engine.SaveAll(context.Background(), save.Args{
		Start: 20240101,
		End:   20241231,
	})
	require.True(t, report.OK())
	require.Len(t, report.Results, 5)
	assert.Empty(t, report.Demoted)

	// The calendar commits before the day-expanding datasets plan.
	assert.Equal(t, save.DatasetTradeCalendar, report.Results[0].Dataset)

	byDataset := map[string]*model.SaveResult{}
	for _, result := range report.Results {
		byDataset[result.Dataset] = result
	}
	assert.Positive(t, byDataset[save.DatasetTradeCalendar].Inserted())
	assert.EqualValues(t, 2, byDataset[save.DatasetFutureContracts].Inserted())
	assert.EqualValues(t, 2, byDataset[save.DatasetStockList].Inserted())
	assert.Positive(t, byDataset[save.DatasetFutureDaily].Inserted())
	assert.Positive(t, byDataset[save.DatasetFutureHoldings].Inserted())

	// Every result fanned out, plus the final run summary.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.results, 5)
	require.Len(t, rec.messages, 1)
	assert.Contains(t, rec.messages[0], "ok=true")
}

func TestSaveAllRerunIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, source.NewFixture())
	args := save.Args{Start: 20240101, End: 20241231}
	ctx := context.Background()

	first := engine.SaveAll(ctx, args)
	require.True(t, first.OK())

	second := engine.SaveAll(ctx, args)
	require.True(t, second.OK())
	for _, result := range second.Results {
		assert.Zero(t, result.Inserted(), result.Dataset)
		assert.Zero(t, result.Modified(), result.Dataset)
		assert.Positive(t, result.Skipped(), result.Dataset)
	}
}

func TestSaveAllDemotesWhenVendorUnavailable(t *testing.T) {
	rec := &recorder{}
	engine := newTestEngine(t,
		source.NewFixture(source.WithErr("check", source.ErrVendorUnavailable)),
		WithNotifier(rec))

	report := engine.SaveAll(context.Background(), save.Args{})
	assert.True(t, report.OK())
	assert.Empty(t, report.Results)
	assert.Len(t, report.Demoted, 5)
	for _, reason := range report.Demoted {
		assert.Contains(t, reason, "vendor unavailable")
	}
}

func TestSaveAllStockOnlyScope(t *testing.T) {
	engine := newTestEngine(t, source.NewFixture())

	report := engine.SaveAll(context.Background(), save.Args{
		Exchanges: []string{"SHSE"},
		Start:     20240101,
		End:       20241231,
	})
	require.True(t, report.OK())
	require.Len(t, report.Results, 2)

	datasets := []string{report.Results[0].Dataset, report.Results[1].Dataset}
	assert.Contains(t, datasets, save.DatasetTradeCalendar)
	assert.Contains(t, datasets, save.DatasetStockList)

	assert.Len(t, report.Demoted, 3)
	assert.Equal(t, "no futures exchange in scope", report.Demoted[save.DatasetFutureDaily])
	assert.Equal(t, "no futures exchange in scope", report.Demoted[save.DatasetFutureContracts])
}

func TestSaveAllDemotesWhenCalendarEmpty(t *testing.T) {
	engine := newTestEngine(t, source.NewFixture(
		source.WithCalendar(nil),
	))

	report := engine.SaveAll(context.Background(), save.Args{
		Exchanges: []string{"SHFE"},
		Start:     20240101,
		End:       20241231,
	})
	require.Len(t, report.Results, 2) // calendar and contracts still ran
	assert.Equal(t, "trade calendar empty, cannot expand trading days",
		report.Demoted[save.DatasetFutureDaily])
	assert.Equal(t, "trade calendar empty, cannot expand trading days",
		report.Demoted[save.DatasetFutureHoldings])
}

func TestRunReportSummary(t *testing.T) {
	engine := newTestEngine(t, source.NewFixture())

	report := engine.SaveAll(context.Background(), save.Args{
		Exchanges: []string{"SHFE"},
		Start:     20240101,
		End:       20240131,
	})
	summary := report.Summary()
	assert.Contains(t, summary, save.DatasetTradeCalendar)
	assert.Contains(t, summary, save.DatasetFutureDaily)
	assert.Contains(t, summary, "TOTAL")

	assert.Equal(t, summary, engine.LastSummary())
	assert.Contains(t, engine.Status(), "vendor=fixture")
	assert.Contains(t, engine.Status(), "last_ok=true")
}

func TestLastSummaryBeforeAnyRun(t *testing.T) {
	engine := newTestEngine(t, source.NewFixture())
	assert.Equal(t, "no runs yet", engine.LastSummary())
}

func TestCheckSurfacesStoredDefects(t *testing.T) {
	engine := newTestEngine(t, source.NewFixture())
	ctx := context.Background()

	issues, err := engine.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)

	bad := model.Contract{
		Exchange: "SHFE", Symbol: "xx9999", Product: "XX",
		ListDate: 20240501, DelistDate: 20240401,
		ListDatestamp: model.Date(20240501).Timestamp(),
	}
	_, _, err = engine.Storage().BulkUpsert(ctx, model.CollectionFutureContract, []model.Document{bad})
	require.NoError(t, err)

	issues, err = engine.Check(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "after delist date")
}

func TestVerifyAfterSaveAttachesIssues(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database.Driver = "memory"
	cfg.Pipeline.VerifyAfterSave = true

	engine, err := NewQuantbox(context.Background(), cfg,
		WithDataSource(source.NewFixture()))
	require.NoError(t, err)
	defer func() { _ = engine.Close() }()

	report := engine.SaveAll(context.Background(), save.Args{
		Exchanges: []string{"SHFE"},
		Start:     20240101,
		End:       20241231,
	})
	require.True(t, report.OK())
	// The fixture data is internally consistent.
	assert.Empty(t, report.Issues)
	assert.NotNil(t, report.Issues)
}
