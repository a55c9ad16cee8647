// Package save holds the per-dataset incremental pipelines: work-unit
// planning, the bounded worker pool, dedup and validation passes, and
// batched commits into the store gateway.
package save

import (
	"fmt"

	"github.com/quantbox/quantbox/model"
)

// Unit states. Terminal states are Committed, Failed and Cancelled;
// Skipped units never leave the planner.
const (
	StatePlanned     = "planned"
	StateFetching    = "fetching"
	StateNormalizing = "normalizing"
	StateWriting     = "writing"
	StateCommitted   = "committed"
	StateFailed      = "failed"
	StateCancelled   = "cancelled"
	StateSkipped     = "skipped"
)

// Unit is the smallest independent fetch+commit work item of a pipeline:
// small enough for one adapter call without vendor-side truncation.
// Exactly one of Exchange or Symbol scopes the fetch.
type Unit struct {
	Dataset    string
	Exchange   string
	Symbol     string
	ListStatus string
	Start      model.Date
	End        model.Date

	// State is written by the planner and then by the single worker that
	// owns the unit; it is not read concurrently.
	State string
}

// Scope names the exchange or symbol the unit covers.
func (u *Unit) Scope() string {
	if u.Symbol != "" {
		return u.Symbol
	}
	return u.Exchange
}

// Label identifies the unit in error reports and logs.
func (u *Unit) Label() string {
	switch {
	case u.Start == 0 && u.End == 0:
		return fmt.Sprintf("%s/%s", u.Dataset, u.Scope())
	case u.Start == u.End:
		return fmt.Sprintf("%s/%s@%s", u.Dataset, u.Scope(), u.Start)
	default:
		return fmt.Sprintf("%s/%s@%s..%s", u.Dataset, u.Scope(), u.Start, u.End)
	}
}

// Less orders units chronologically so the dispatch queue drains the
// oldest work first; ties break on scope for determinism.
func (u *Unit) Less(other model.Item) bool {
	o := other.(*Unit)
	if u.Start != o.Start {
		return u.Start < o.Start
	}
	return u.Scope() < o.Scope()
}

// Args are the user arguments common to every save entry point.
type Args struct {
	Exchanges  []string
	Symbols    []string
	Start      model.Date
	End        model.Date
	Date       model.Date
	ListStatus string
}

// Range resolves the effective (start, end) pair; a single-day argument
// collapses to (d, d).
func (a Args) Range() (model.Date, model.Date) {
	if a.Date != 0 {
		return a.Date, a.Date
	}
	return a.Start, a.End
}

// Pinned reports whether the caller fixed the date range explicitly,
// which disables the incremental cursor for the run.
func (a Args) Pinned() bool {
	return a.Start != 0 || a.End != 0 || a.Date != 0
}
