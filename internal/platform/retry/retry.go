// Package retry provides a linear-backoff wrapper for fallible operations.
// Every network-facing read in the messaging core goes through it.
package retry

import (
	"context"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Options configures a retry loop.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithMaxAttempts caps the number of invocations.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBaseDelay sets the delay unit between attempts. The wait before
// attempt n+1 is BaseDelay * n.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Options) { o.BaseDelay = d }
}

func resolve(opts []Option) Options {
	o := Options{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
	for _, fn := range opts {
		fn(&o)
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	return o
}

// Do invokes op until it succeeds or MaxAttempts consecutive failures have
// been observed, waiting BaseDelay * attempt between attempts. The last
// error is returned unwrapped. Context cancellation aborts the wait.
//
// op is invoked at most MaxAttempts times. Every failure is treated as
// retryable; callers that need to distinguish error kinds do so themselves.
func Do(ctx context.Context, op func(context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// DoValue is Do for value-returning operations.
func DoValue[T any](ctx context.Context, op func(context.Context) (T, error), opts ...Option) (T, error) {
	o := resolve(opts)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == o.MaxAttempts {
			break
		}
		timer := time.NewTimer(o.BaseDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}
