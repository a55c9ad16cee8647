package model

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Error kinds recorded in a run.
const (
	ErrorKindTransport  = "transport"
	ErrorKindAuth       = "auth"
	ErrorKindRateLimit  = "rate_limit"
	ErrorKindSchema     = "schema"
	ErrorKindValidation = "validation"
	ErrorKindStore      = "store"
	ErrorKindCancelled  = "cancelled"
	ErrorKindArgument   = "argument"
)

// RunError is one failure bound to the smallest scope that could recover:
// a row, a unit, or the whole run.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Unit    string `json:"unit,omitempty"`
}

func (e RunError) String() string {
	if e.Unit == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Unit, e.Message)
}

// SaveResult accumulates the outcome of one pipeline run. Counter updates
// are atomic, the error list is mutex guarded, and the struct is shared by
// every worker of the run. It is the authoritative log of what happened.
type SaveResult struct {
	RunID   string
	Dataset string
	Vendor  string

	StartedAt time.Time

	inserted int64
	modified int64
	skipped  int64

	unitsPlanned   int64
	unitsCommitted int64
	unitsFailed    int64
	unitsSkipped   int64
	unitsCancelled int64

	mu      sync.Mutex
	errs    []RunError
	meta    map[string]string
	endedAt time.Time
	done    bool
}

// NewSaveResult opens a run record and stamps its start time.
func NewSaveResult(dataset, vendor string) *SaveResult {
	return &SaveResult{
		RunID:     uuid.NewString(),
		Dataset:   dataset,
		Vendor:    vendor,
		StartedAt: time.Now(),
		meta:      make(map[string]string),
	}
}

func (r *SaveResult) AddInserted(n int64) { atomic.AddInt64(&r.inserted, n) }
func (r *SaveResult) AddModified(n int64) { atomic.AddInt64(&r.modified, n) }
func (r *SaveResult) AddSkipped(n int64)  { atomic.AddInt64(&r.skipped, n) }

func (r *SaveResult) Inserted() int64 { return atomic.LoadInt64(&r.inserted) }
func (r *SaveResult) Modified() int64 { return atomic.LoadInt64(&r.modified) }
func (r *SaveResult) Skipped() int64  { return atomic.LoadInt64(&r.skipped) }

// UnitPlanned and friends tally the unit state machine outcomes.
func (r *SaveResult) UnitPlanned()   { atomic.AddInt64(&r.unitsPlanned, 1) }
func (r *SaveResult) UnitCommitted() { atomic.AddInt64(&r.unitsCommitted, 1) }
func (r *SaveResult) UnitFailed()    { atomic.AddInt64(&r.unitsFailed, 1) }
func (r *SaveResult) UnitSkipped()   { atomic.AddInt64(&r.unitsSkipped, 1) }
func (r *SaveResult) UnitCancelled() { atomic.AddInt64(&r.unitsCancelled, 1) }

func (r *SaveResult) UnitsPlanned() int64   { return atomic.LoadInt64(&r.unitsPlanned) }
func (r *SaveResult) UnitsCommitted() int64 { return atomic.LoadInt64(&r.unitsCommitted) }
func (r *SaveResult) UnitsFailed() int64    { return atomic.LoadInt64(&r.unitsFailed) }
func (r *SaveResult) UnitsSkipped() int64   { return atomic.LoadInt64(&r.unitsSkipped) }
func (r *SaveResult) UnitsCancelled() int64 { return atomic.LoadInt64(&r.unitsCancelled) }

// AddError appends to the ordered error list.
func (r *SaveResult) AddError(kind, message, unit string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, RunError{Kind: kind, Message: message, Unit: unit})
}

// Errors returns a copy of the error list.
func (r *SaveResult) Errors() []RunError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunError, len(r.errs))
	copy(out, r.errs)
	return out
}

// OK reports whether the run finished without any recorded error.
func (r *SaveResult) OK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs) == 0
}

// SetMeta records a free-form run attribute (date range, exchanges, ...).
func (r *SaveResult) SetMeta(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta[key] = value
}

// Meta returns a copy of the metadata map.
func (r *SaveResult) Meta() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.meta))
	for k, v := range r.meta {
		out[k] = v
	}
	return out
}

// Complete stamps the end time once; later calls are no-ops.
func (r *SaveResult) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		r.done = true
		r.endedAt = time.Now()
	}
}

// Completed reports whether Complete was called.
func (r *SaveResult) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// EndedAt returns the completion time, zero until Complete.
func (r *SaveResult) EndedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endedAt
}

// Duration is wall-clock time from start to completion, or to now while
// the run is still open.
func (r *SaveResult) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.endedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// ToMap produces a serializable snapshot of the run.
func (r *SaveResult) ToMap() map[string]interface{} {
	errs := r.Errors()
	errList := make([]map[string]string, 0, len(errs))
	for _, e := range errs {
		errList = append(errList, map[string]string{
			"kind":    e.Kind,
			"message": e.Message,
			"unit":    e.Unit,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"run_id":          r.RunID,
		"dataset":         r.Dataset,
		"vendor":          r.Vendor,
		"inserted_count":  atomic.LoadInt64(&r.inserted),
		"modified_count":  atomic.LoadInt64(&r.modified),
		"skipped_count":   atomic.LoadInt64(&r.skipped),
		"units_planned":   atomic.LoadInt64(&r.unitsPlanned),
		"units_committed": atomic.LoadInt64(&r.unitsCommitted),
		"units_failed":    atomic.LoadInt64(&r.unitsFailed),
		"units_skipped":   atomic.LoadInt64(&r.unitsSkipped),
		"units_cancelled": atomic.LoadInt64(&r.unitsCancelled),
		"started_at":      r.StartedAt,
		"ended_at":        r.endedAt,
		"duration":        r.durationLocked().String(),
		"errors":          errList,
		"metadata":        r.meta,
	}
}

func (r *SaveResult) durationLocked() time.Duration {
	if r.done {
		return r.endedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
