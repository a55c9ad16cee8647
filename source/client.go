package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantbox/quantbox/tools/log"
)

// ClientSettings tunes one vendor client.
type ClientSettings struct {
	Vendor    string
	RateLimit float64 // calls per second
	Burst     int
	RetryMax  int
	SlowCall  time.Duration
}

func (s ClientSettings) withDefaults() ClientSettings {
	if s.RateLimit <= 0 {
		s.RateLimit = 2.0
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	if s.RetryMax <= 0 {
		s.RetryMax = 3
	}
	if s.SlowCall <= 0 {
		s.SlowCall = 5 * time.Second
	}
	return s
}

// Client paces, retries and logs every vendor call. The token bucket is
// FIFO-fair across concurrent callers; the breaker opens after repeated
// transport failures so check probes fail fast instead of burning tokens.
type Client struct {
	vendor   string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	retryMax int
	slowCall time.Duration
}

// NewClient builds a client for one vendor. Credentials live in the
// adapter; rotating them means constructing a new adapter and client.
func NewClient(settings ClientSettings) *Client {
	settings = settings.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Vendor,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"vendor": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("source: breaker state change")
		},
	})

	return &Client{
		vendor:   settings.Vendor,
		limiter:  rate.NewLimiter(rate.Limit(settings.RateLimit), settings.Burst),
		breaker:  breaker,
		retryMax: settings.RetryMax,
		slowCall: settings.SlowCall,
	}
}

// transientError wraps failures the retry policy may try again: network
// errors and vendor throttle responses.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable for the client's retry loop.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var marked *transientError
	if errors.As(err, &marked) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrRateLimited)
}

// Call runs fn under the rate limiter, the breaker and the retry policy.
// fn reports the number of rows it produced for the call log. The token
// is acquired before every attempt, so retries queue like fresh calls.
func (c *Client) Call(ctx context.Context, name string, params map[string]string, fn func(context.Context) (int, error)) error {
	start := time.Now()
	digest := paramDigest(params)

	policy := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var rows int
	var err error
	for attempt := 0; attempt < c.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = c.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err = c.breaker.Execute(func() (interface{}, error) {
			var callErr error
			rows, callErr = fn(ctx)
			return nil, callErr
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s breaker open", ErrVendorUnavailable, c.vendor)
			break
		}
		if err == nil || !isTransient(err) || ctx.Err() != nil {
			break
		}
	}

	elapsed := time.Since(start)
	entry := log.WithFields(log.Fields{
		"vendor":  c.vendor,
		"call":    name,
		"params":  digest,
		"rows":    rows,
		"elapsed": elapsed.Round(time.Millisecond).String(),
	})
	switch {
	case err != nil:
		entry.WithField("error", err.Error()).Warn("source: call failed")
	case elapsed > c.slowCall:
		entry.WithField("slow", true).Warn("source: slow call")
	default:
		entry.Debug("source: call")
	}

	if err != nil && isTransient(err) {
		// retries exhausted
		if errors.Is(err, ErrRateLimited) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrVendorUnavailable, err)
	}
	return err
}

// Available reports whether the breaker would let a call through.
func (c *Client) Available() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// paramDigest renders parameters as a stable "k=v" list for call logs.
func paramDigest(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := params[key]
		if len(value) > 32 {
			value = value[:32] + "..."
		}
		parts = append(parts, key+"="+value)
	}
	return strings.Join(parts, " ")
}
