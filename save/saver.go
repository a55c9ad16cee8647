package save

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/slices"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/service"
	"github.com/quantbox/quantbox/source"
	"github.com/quantbox/quantbox/storage"
	"github.com/quantbox/quantbox/tools/log"
)

// Tuning collects the pipeline knobs from configuration.
type Tuning struct {
	Workers      int
	BatchSize    int
	UnitTimeout  time.Duration
	RunTimeout   time.Duration
	RateLimit    float64
	RateFactor   float64
	CloseHour    int
	DefaultStart model.Date
	Progress     bool
}

// TuningFromConfig resolves the tuning of the configured vendor.
func TuningFromConfig(cfg *config.Config) Tuning {
	vendor := cfg.Vendor(cfg.Pipeline.Vendor)
	return Tuning{
		Workers:      cfg.Pipeline.Workers,
		BatchSize:    cfg.Pipeline.BatchSize,
		UnitTimeout:  cfg.Pipeline.UnitTimeout.Std(),
		RunTimeout:   cfg.Pipeline.RunTimeout.Std(),
		RateLimit:    vendor.RateLimit,
		RateFactor:   cfg.Pipeline.RateFactor,
		CloseHour:    cfg.Pipeline.CloseHour,
		DefaultStart: model.Date(cfg.Pipeline.DefaultStart),
	}
}

func (t Tuning) withDefaults() Tuning {
	if t.Workers <= 0 {
		t.Workers = 4
	}
	if t.BatchSize <= 0 {
		t.BatchSize = 1000
	}
	if t.UnitTimeout <= 0 {
		t.UnitTimeout = 60 * time.Second
	}
	if t.RateFactor <= 0 {
		t.RateFactor = 2
	}
	if t.CloseHour <= 0 {
		t.CloseHour = 16
	}
	if t.DefaultStart == 0 {
		t.DefaultStart = 20050101
	}
	return t
}

// Saver drives the per-dataset pipelines against one vendor and one
// store. Entry points never return an error: every outcome, including
// argument misuse, lands in the returned SaveResult.
type Saver struct {
	source service.DataSource
	store  storage.Storage
	reg    *config.Registry
	tun    Tuning
	now    func() time.Time
}

// NewSaver wires a saver.
func NewSaver(src service.DataSource, store storage.Storage, reg *config.Registry, tun Tuning) *Saver {
	return &Saver{source: src, store: store, reg: reg, tun: tun.withDefaults(), now: time.Now}
}

// workerCount bounds the pool by the vendor's pacing so workers do not
// pile up behind the token bucket.
func (s *Saver) workerCount(units int) int {
	workers := s.tun.Workers
	if s.tun.RateLimit > 0 {
		byRate := int(s.tun.RateLimit * s.tun.RateFactor)
		if byRate < 1 {
			byRate = 1
		}
		if byRate < workers {
			workers = byRate
		}
	}
	if units < workers {
		workers = units
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// effectiveEnd is the default end date for incremental datasets: today,
// shifted back one day while the exchange has not closed yet.
func (s *Saver) effectiveEnd(exchangeCode string) model.Date {
	now := s.now()
	end := model.DateFromTime(now)
	if now.Hour() < s.reg.CloseHour(exchangeCode, s.tun.CloseHour) {
		end = end.AddDays(-1)
	}
	return end
}

// errorKind maps an error to the accumulator taxonomy.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return model.ErrorKindCancelled
	case errors.Is(err, source.ErrAuthFailure):
		return model.ErrorKindAuth
	case errors.Is(err, source.ErrRateLimited):
		return model.ErrorKindRateLimit
	case errors.Is(err, source.ErrSchemaMismatch):
		return model.ErrorKindSchema
	case errors.Is(err, source.ErrInvalidArgument) || errors.Is(err, model.ErrInvalidQuery):
		return model.ErrorKindArgument
	default:
		return model.ErrorKindTransport
	}
}

// fetchFunc produces the documents of one unit.
type fetchFunc func(context.Context, *Unit) ([]model.Document, error)

// validateFunc rejects one document; rejected rows are dropped and
// counted as skipped.
type validateFunc func(model.Document) error

// run drains the unit queue on a bounded worker pool. Units complete in
// any order; rows within a unit are deduplicated keep-last, validated,
// sorted by key and committed in batches.
func (s *Saver) run(ctx context.Context, result *model.SaveResult, collection string, units []*Unit, fetch fetchFunc, validate validateFunc) {
	if s.tun.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.tun.RunTimeout)
		defer cancel()
	}

	pending := make([]model.Item, 0, len(units))
	for _, unit := range units {
		result.UnitPlanned()
		if unit.State == StateSkipped {
			result.UnitSkipped()
			continue
		}
		pending = append(pending, unit)
	}
	queue := model.NewPriorityQueue(pending)

	var bar *progressbar.ProgressBar
	if s.tun.Progress && len(pending) > 0 {
		bar = progressbar.Default(int64(len(pending)), result.Dataset)
	}

	var wg sync.WaitGroup
	for i := 0; i < s.workerCount(len(pending)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item := queue.Pop()
				if item == nil {
					return
				}
				unit := item.(*Unit)

				if ctx.Err() != nil {
					unit.State = StateCancelled
					result.UnitCancelled()
				} else {
					s.runUnit(ctx, result, collection, unit, fetch, validate)
				}
				if bar != nil {
					_ = bar.Add(1)
				}
			}
		}()
	}
	wg.Wait()
}

// runUnit drives one unit through its state machine.
func (s *Saver) runUnit(ctx context.Context, result *model.SaveResult, collection string, unit *Unit, fetch fetchFunc, validate validateFunc) {
	unitCtx := ctx
	if s.tun.UnitTimeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, s.tun.UnitTimeout)
		defer cancel()
	}

	unit.State = StateFetching
	docs, err := fetch(unitCtx, unit)
	if err != nil {
		if partial, ok := source.Partial(err); ok {
			// Good rows came back alongside failed batches: keep the
			// rows, annotate the failures, and let the unit commit.
			for _, batchErr := range partial.Errs {
				result.AddError(errorKind(batchErr), batchErr.Error(), unit.Label())
			}
		} else {
			s.failUnit(result, unit, err)
			return
		}
	}

	unit.State = StateNormalizing
	valid := make([]model.Document, 0, len(docs))
	dropped := 0
	for _, doc := range docs {
		if err := validate(doc); err != nil {
			dropped++
			continue
		}
		valid = append(valid, doc)
	}
	if dropped > 0 {
		result.AddSkipped(int64(dropped))
		log.WithFields(log.Fields{
			"dataset": result.Dataset,
			"unit":    unit.Label(),
			"rows":    dropped,
		}).Warn("save: dropped invalid rows")
	}

	// Vendors sometimes list a correction after the original row; the
	// last occurrence of a key wins.
	valid = dedupKeepLast(valid, result)

	slices.SortFunc(valid, func(a, b model.Document) bool {
		return a.Key() < b.Key()
	})

	unit.State = StateWriting
	for _, batch := range lo.Chunk(valid, s.tun.BatchSize) {
		inserted, modified, err := s.store.BulkUpsert(unitCtx, collection, batch)
		result.AddInserted(inserted)
		result.AddModified(modified)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				unit.State = StateCancelled
				result.UnitCancelled()
				return
			}
			result.AddError(model.ErrorKindStore, err.Error(), unit.Label())
			unit.State = StateFailed
			result.UnitFailed()
			return
		}
		result.AddSkipped(int64(len(batch)) - inserted - modified)
	}

	unit.State = StateCommitted
	result.UnitCommitted()
}

func (s *Saver) failUnit(result *model.SaveResult, unit *Unit, err error) {
	kind := errorKind(err)
	if kind == model.ErrorKindCancelled {
		unit.State = StateCancelled
		result.UnitCancelled()
		return
	}
	result.AddError(kind, err.Error(), unit.Label())
	unit.State = StateFailed
	result.UnitFailed()
}

// dedupKeepLast coalesces duplicate composite keys, keeping the last
// occurrence; dropped duplicates count as skipped.
func dedupKeepLast(docs []model.Document, result *model.SaveResult) []model.Document {
	if len(docs) < 2 {
		return docs
	}

	last := make(map[string]int, len(docs))
	for i, doc := range docs {
		last[doc.Key()] = i
	}
	if len(last) == len(docs) {
		return docs
	}

	out := make([]model.Document, 0, len(last))
	for i, doc := range docs {
		if last[doc.Key()] == i {
			out = append(out, doc)
		}
	}
	result.AddSkipped(int64(len(docs) - len(out)))
	return out
}

// tradingDays expands a date range to the exchange's trading days using
// the stored calendar, falling back to the vendor when the calendar
// collection has no rows for the exchange yet.
func (s *Saver) tradingDays(ctx context.Context, exchangeCode string, start, end model.Date) ([]model.Date, error) {
	var entries []model.CalendarEntry
	err := s.store.Find(ctx, model.CollectionTradeCalendar, "datestamp", 0, &entries,
		storage.Eq("exchange", exchangeCode),
		storage.Gte("date", start),
		storage.Lte("date", end),
	)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		entries, err = s.source.TradeCalendar(ctx, []string{exchangeCode}, start, end)
		if err != nil && !isPartial(err) {
			return nil, err
		}
	}

	days := make([]model.Date, 0, len(entries))
	for _, entry := range entries {
		days = append(days, entry.Date)
	}
	slices.Sort(days)
	return days, nil
}

func isPartial(err error) bool {
	_, ok := source.Partial(err)
	return ok
}
