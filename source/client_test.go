package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient(retryMax int) *Client {
	return NewClient(ClientSettings{
		Vendor:    "test",
		RateLimit: 1000,
		Burst:     100,
		RetryMax:  retryMax,
	})
}

func TestCallRetriesTransient(t *testing.T) {
	client := fastClient(3)

	attempts := 0
	err := client.Call(context.Background(), "op", nil, func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, Transient(errors.New("connection reset"))
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCallDoesNotRetryPermanent(t *testing.T) {
	client := fastClient(3)

	attempts := 0
	err := client.Call(context.Background(), "op", nil, func(context.Context) (int, error) {
		attempts++
		return 0, fmt.Errorf("%w: bad token", ErrAuthFailure)
	})
	require.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, 1, attempts)
}

func TestCallExhaustedTransient(t *testing.T) {
	client := fastClient(2)

	attempts := 0
	err := client.Call(context.Background(), "op", nil, func(context.Context) (int, error) {
		attempts++
		return 0, Transient(errors.New("timeout"))
	})
	require.ErrorIs(t, err, ErrVendorUnavailable)
	assert.Equal(t, 2, attempts)
}

func TestCallRateLimitedSurfaces(t *testing.T) {
	client := fastClient(2)

	err := client.Call(context.Background(), "op", nil, func(context.Context) (int, error) {
		return 0, fmt.Errorf("%w: throttled", ErrRateLimited)
	})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestCallHonorsCancellation(t *testing.T) {
	client := NewClient(ClientSettings{
		Vendor:    "test",
		RateLimit: 0.1, // first token available, second waits ~10s
		Burst:     1,
		RetryMax:  1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	err := client.Call(ctx, "op", nil, func(context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err = client.Call(ctx, "op", nil, func(context.Context) (int, error) {
		return 1, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	client := fastClient(1)
	assert.True(t, client.Available())

	for i := 0; i < 5; i++ {
		err := client.Call(context.Background(), "op", nil, func(context.Context) (int, error) {
			return 0, fmt.Errorf("%w: down", ErrAuthFailure)
		})
		require.Error(t, err)
	}
	assert.False(t, client.Available())

	called := false
	err := client.Call(context.Background(), "op", nil, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	require.ErrorIs(t, err, ErrVendorUnavailable)
	assert.False(t, called)
}

func TestCallPacing(t *testing.T) {
	if testing.Short() {
		t.Skip("pacing test sleeps for real time")
	}

	client := NewClient(ClientSettings{
		Vendor:    "test",
		RateLimit: 5,
		Burst:     1,
		RetryMax:  1,
	})

	start := time.Now()
	for i := 0; i < 6; i++ {
		err := client.Call(context.Background(), "op", nil, func(context.Context) (int, error) {
			return 1, nil
		})
		require.NoError(t, err)
	}
	// 6 calls at 5/s with burst 1 need at least a second.
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestParamDigest(t *testing.T) {
	assert.Equal(t, "", paramDigest(nil))
	assert.Equal(t, "a=1 b=2", paramDigest(map[string]string{"b": "2", "a": "1"}))

	long := paramDigest(map[string]string{"codes": "0123456789012345678901234567890123456789"})
	assert.Equal(t, "codes=01234567890123456789012345678901...", long)
}

func TestPartialError(t *testing.T) {
	err := &PartialError{Errs: []error{errors.New("a"), errors.New("b")}}
	assert.Contains(t, err.Error(), "2 batches")

	partial, ok := Partial(fmt.Errorf("wrapped: %w", err))
	require.True(t, ok)
	assert.Len(t, partial.Errs, 2)

	_, ok = Partial(errors.New("plain"))
	assert.False(t, ok)
}
