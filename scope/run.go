package scope

import (
	"context"
	"fmt"

	"github.com/NetPo4ki/go-jobtree/dispatch"
)

// Run runs body in a new fail-fast scope and waits for it and every task it
// started. The first failure cancels the scope and is returned. Called from
// a context without a job, Run creates a root that ctx can cancel.
func Run(ctx context.Context, body func(ctx context.Context) error) error {
	_, err := runScope(ctx, scopeConfig{}, unit(body))
	return err
}

// RunValue is Run for a body that produces a value.
func RunValue[T any](ctx context.Context, body func(ctx context.Context) (T, error)) (T, error) {
	return runScope(ctx, scopeConfig{}, body)
}

// Supervise is Run with a supervisor scope: a failed child affects neither
// the scope nor its siblings. Failures of launched children go to the
// ExceptionHandler; failures of the body itself are still returned.
func Supervise(ctx context.Context, body func(ctx context.Context) error) error {
	_, err := runScope(ctx, scopeConfig{supervisor: true}, unit(body))
	return err
}

// SuperviseValue is Supervise for a body that produces a value.
func SuperviseValue[T any](ctx context.Context, body func(ctx context.Context) (T, error)) (T, error) {
	return runScope(ctx, scopeConfig{supervisor: true}, body)
}

// WithContext runs body in a fail-fast scope with elems added. With an On
// element the body moves to that dispatcher and the caller's slot is given
// back until it returns. With NonCancellable the scope is detached from the
// caller's job and runs to completion even if the caller is cancelled.
func WithContext(ctx context.Context, body func(ctx context.Context) error, elems ...Element) error {
	_, err := runScope(ctx, scopeConfig{elems: elems}, unit(body))
	return err
}

// WithContextValue is WithContext for a body that produces a value.
func WithContextValue[T any](ctx context.Context, body func(ctx context.Context) (T, error), elems ...Element) (T, error) {
	return runScope(ctx, scopeConfig{elems: elems}, body)
}

func unit(body func(ctx context.Context) error) func(context.Context) (struct{}, error) {
	if body == nil {
		return nil
	}
	return func(ctx context.Context) (struct{}, error) { return struct{}{}, body(ctx) }
}

type scopeConfig struct {
	supervisor bool
	elems      []Element
	// arm runs once the scope job exists; the returned func runs when the
	// scope is done.
	arm func(j *Job) (disarm func())
}

func runScope[T any](ctx context.Context, cfg scopeConfig, body func(context.Context) (T, error)) (T, error) {
	var zero T
	if body == nil {
		return zero, ErrNilTask
	}
	j, err := spawn(ctx, KindScope, cfg.supervisor, false, Options{Elements: cfg.elems, PanicAsError: true})
	if err != nil {
		return zero, err
	}
	if cfg.arm != nil {
		defer cfg.arm(j)()
	}

	caller := taskOf(ctx)
	t := caller
	if d, ok := switchTo(caller, cfg.elems); ok {
		caller.park()
		defer caller.unpark()
		rel, err := dispatch.Acquire(context.Background(), d)
		if err != nil {
			j.bodyFinished(fmt.Errorf("scope: dispatch %v on %v: %w", j, d, err))
			await(ctx, j.done)
			return zero, j.Cause()
		}
		t = &task{d: d, release: rel}
		defer t.park()
	}

	var value T
	if j.ctx.Err() != nil {
		j.bodyFinished(context.Cause(j.ctx))
	} else {
		bctx := withTask(j.ctx, t)
		err, _ := invoke(bctx, true, func(ctx context.Context) error {
			v, err := body(ctx)
			value = v
			return err
		})
		j.bodyFinished(err)
	}
	await(withTask(ctx, t), j.done)
	if cause := j.Cause(); cause != nil {
		return zero, cause
	}
	return value, nil
}

// switchTo reports the dispatcher a scope body has to move to, if any.
func switchTo(caller *task, elems []Element) (dispatch.Dispatcher, bool) {
	d := NewElements(elems...).Dispatcher()
	if d == nil || dispatch.IsInline(d) {
		return nil, false
	}
	if caller != nil && caller.d == d {
		return nil, false
	}
	return d, true
}
