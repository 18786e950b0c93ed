package scope

import (
	"context"
	"time"
)

// WithTimeout runs body in a fail-fast scope that is cancelled with a
// *TimeoutError once d has passed. It returns that error if the deadline
// won. A d <= 0 times out without running body.
func WithTimeout(ctx context.Context, d time.Duration, body func(ctx context.Context) error) error {
	if body == nil {
		return ErrNilTask
	}
	_, err := WithTimeoutValue(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, body(ctx)
	})
	return err
}

// WithTimeoutValue is WithTimeout for a body that produces a value.
func WithTimeoutValue[T any](ctx context.Context, d time.Duration, body func(ctx context.Context) (T, error)) (T, error) {
	v, _, err := runTimeout(ctx, d, body)
	return v, err
}

// TryWithTimeout is WithTimeoutValue reporting its own deadline as ok ==
// false instead of an error. Every other failure or cancellation, including
// the deadline of an enclosing timeout, is still returned as an error.
func TryWithTimeout[T any](ctx context.Context, d time.Duration, body func(ctx context.Context) (T, error)) (T, bool, error) {
	v, terr, err := runTimeout(ctx, d, body)
	if err != nil {
		var zero T
		if err == error(terr) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return v, true, nil
}

func runTimeout[T any](ctx context.Context, d time.Duration, body func(ctx context.Context) (T, error)) (T, *TimeoutError, error) {
	terr := &TimeoutError{Timeout: d}
	if body == nil {
		var zero T
		return zero, terr, ErrNilTask
	}
	v, err := runScope(ctx, scopeConfig{arm: func(j *Job) func() {
		if d <= 0 {
			j.cancelWith(terr, false)
			return func() {}
		}
		t := time.AfterFunc(d, func() { j.cancelWith(terr, false) })
		return func() { t.Stop() }
	}}, body)
	return v, terr, err
}
