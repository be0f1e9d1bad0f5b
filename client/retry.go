package client

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryOptions controls the transient-error retry helper. The zero value
// gives the default bounded budget used for heartbeats and concurrency
// refreshes.
type RetryOptions struct {
	// MaxRetries < 0 retries indefinitely.
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	DelayFactor float64

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	// AdditionalCodes are retried on top of the transient set, e.g.
	// ResourceExhausted for output pushes.
	AdditionalCodes []codes.Code
}

func (o *RetryOptions) setDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Second
	}
	if o.DelayFactor <= 0 {
		o.DelayFactor = 2
	}
}

// Unbounded retries forever at a fixed one-second cadence. Used for output
// pushes, which must never be dropped.
func Unbounded(attemptTimeout time.Duration, additional ...codes.Code) RetryOptions {
	return RetryOptions{
		MaxRetries:      -1,
		BaseDelay:       time.Second,
		MaxDelay:        time.Second,
		DelayFactor:     1,
		AttemptTimeout:  attemptTimeout,
		AdditionalCodes: additional,
	}
}

// Retry runs fn until it succeeds, returns a non-retriable error, or the
// budget runs out. ErrClientClosed and context cancellation are never
// retried.
func Retry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	opts.setDefaults()

	delay := opts.BaseDelay
	for attempt := 0; ; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if opts.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !retriable(err, opts.AdditionalCodes) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opts.MaxRetries >= 0 && attempt >= opts.MaxRetries {
			return err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * opts.DelayFactor)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

func retriable(err error, additional []codes.Code) bool {
	if errors.Is(err, ErrClientClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	// A per-attempt deadline firing is transient even when it surfaces as a
	// plain context error.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	code := status.Code(err)
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Unknown:
		return true
	}
	for _, c := range additional {
		if code == c {
			return true
		}
	}
	return false
}
