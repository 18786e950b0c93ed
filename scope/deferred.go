package scope

import (
	"context"
	"sync/atomic"
)

// Deferred is a Job that produces a value.
type Deferred[T any] struct {
	*Job
	value T
}

// Await waits for the job and returns its value, its failure or its
// cancellation cause. If ctx is cancelled first, the caller's own cause is
// returned and the job keeps running.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := d.Join(ctx); err != nil {
		return zero, err
	}
	if cause := d.Cause(); cause != nil {
		return zero, cause
	}
	return d.value, nil
}

// AwaitAll waits for every deferred and returns their values in order. It
// returns as soon as one of them fails or is cancelled, without cancelling
// the others.
func AwaitAll[T any](ctx context.Context, ds ...*Deferred[T]) ([]T, error) {
	if len(ds) == 0 {
		return nil, EnsureActive(ctx)
	}
	failed := make(chan error, len(ds))
	all := make(chan struct{})
	var remaining atomic.Int64
	remaining.Store(int64(len(ds)))
	for _, d := range ds {
		d.Start()
		d.OnCompletion(func(cause error) {
			if cause != nil {
				failed <- cause
			}
			if remaining.Add(-1) == 0 {
				close(all)
			}
		})
	}
	err := suspend(ctx, func() error {
		select {
		case <-all:
			return nil
		case err := <-failed:
			return err
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]T, len(ds))
	for i, d := range ds {
		if cause := d.Cause(); cause != nil {
			return nil, cause
		}
		out[i] = d.value
	}
	return out, nil
}

// JoinAll joins every job in order.
func JoinAll(ctx context.Context, jobs ...*Job) error {
	for _, j := range jobs {
		if err := j.Join(ctx); err != nil {
			return err
		}
	}
	return nil
}
