// Package source implements the unified DataSource contract over the
// supported vendors, plus the shared rate-limited client they call
// through. Vendor dialects never leak past this package.
package source

import (
	"errors"
	"fmt"
	"strings"
)

// Adapter error taxonomy. Callers classify with errors.Is.
var (
	// ErrVendorUnavailable covers transport failures that survived the
	// retry policy, and calls rejected by an open circuit breaker.
	ErrVendorUnavailable = errors.New("vendor unavailable")
	// ErrAuthFailure covers invalid or revoked credentials; never retried.
	ErrAuthFailure = errors.New("vendor authorization failed")
	// ErrRateLimited surfaces only when the vendor keeps throttling after
	// every retry.
	ErrRateLimited = errors.New("vendor rate limited")
	// ErrSchemaMismatch means the vendor response shape changed.
	ErrSchemaMismatch = errors.New("vendor schema mismatch")
	// ErrUnsupported marks operations a vendor declares it cannot serve.
	ErrUnsupported = errors.New("operation not supported by vendor")
	// ErrInvalidArgument rejects malformed queries before any vendor call.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInsufficientCoverage means the vendor returned no calendar data
	// for a requested exchange.
	ErrInsufficientCoverage = errors.New("insufficient vendor coverage")
)

// PartialError reports a call that produced rows alongside per-batch
// failures. The whole call fails only when every batch failed; otherwise
// the good rows are returned together with a PartialError.
type PartialError struct {
	Errs []error
}

func (e *PartialError) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("partial failure (%d batches): %s", len(e.Errs), strings.Join(parts, "; "))
}

// Partial extracts a PartialError from err, if any.
func Partial(err error) (*PartialError, bool) {
	var partial *PartialError
	if errors.As(err, &partial) {
		return partial, true
	}
	return nil, false
}
