package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func fastOpts() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(t.Context(), fastOpts(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return status.Error(codes.Unavailable, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetriable(t *testing.T) {
	attempts := 0
	err := Retry(t.Context(), fastOpts(), func(context.Context) error {
		attempts++
		return status.Error(codes.InvalidArgument, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryBudgetExhausted(t *testing.T) {
	attempts := 0
	err := Retry(t.Context(), fastOpts(), func(context.Context) error {
		attempts++
		return status.Error(codes.Unavailable, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts, "initial attempt plus three retries")
}

func TestRetryAdditionalCodes(t *testing.T) {
	opts := fastOpts()

	err := Retry(t.Context(), opts, func(context.Context) error {
		return status.Error(codes.ResourceExhausted, "full")
	})
	require.Error(t, err, "ResourceExhausted is not transient by default")

	opts.AdditionalCodes = []codes.Code{codes.ResourceExhausted}
	attempts := 0
	err = Retry(t.Context(), opts, func(context.Context) error {
		attempts++
		if attempts < 2 {
			return status.Error(codes.ResourceExhausted, "full")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryNeverRetriesClosedClient(t *testing.T) {
	attempts := 0
	err := Retry(t.Context(), fastOpts(), func(context.Context) error {
		attempts++
		return ErrClientClosed
	})
	require.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, 1, attempts)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := Retry(ctx, RetryOptions{MaxRetries: -1, BaseDelay: time.Millisecond}, func(context.Context) error {
		return status.Error(codes.Unavailable, "down")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryAttemptTimeoutIsTransient(t *testing.T) {
	opts := fastOpts()
	opts.AttemptTimeout = time.Millisecond

	attempts := 0
	err := Retry(t.Context(), opts, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestUnboundedOptions(t *testing.T) {
	opts := Unbounded(time.Second, codes.ResourceExhausted)
	assert.Equal(t, -1, opts.MaxRetries)
	assert.Equal(t, time.Second, opts.BaseDelay)
	assert.Contains(t, opts.AdditionalCodes, codes.ResourceExhausted)
}

func TestRetriableErrorWrapping(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), status.Error(codes.Unavailable, "inner"))
	assert.True(t, retriable(wrapped, nil))
}
