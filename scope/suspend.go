package scope

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/NetPo4ki/go-jobtree/dispatch"
)

// task is the execution slot held by the goroutine running a body. The slot
// is given back while the body is suspended and reacquired before it
// continues.
type task struct {
	mu      sync.Mutex
	d       dispatch.Dispatcher
	release func()
	parked  int
}

type taskKey struct{}

func taskOf(ctx context.Context) *task {
	t, _ := ctx.Value(taskKey{}).(*task)
	return t
}

func withTask(ctx context.Context, t *task) context.Context {
	if t == nil {
		return ctx
	}
	return context.WithValue(ctx, taskKey{}, t)
}

func (t *task) park() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.parked++
	rel := t.release
	t.release = nil
	t.mu.Unlock()
	if rel != nil {
		rel()
	}
}

// unpark waits for a slot without regard to cancellation: a resumed body
// always gets to observe its cancellation itself.
func (t *task) unpark() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.parked--
	if t.parked > 0 {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	rel, err := dispatch.Acquire(context.Background(), t.d)
	if err != nil {
		// closed dispatcher: finish the body without a slot
		return
	}
	t.mu.Lock()
	if t.parked > 0 || t.release != nil {
		t.mu.Unlock()
		rel()
		return
	}
	t.release = rel
	t.mu.Unlock()
}

// suspend gives up the caller's slot while wait blocks. A non-nil error from
// wait is returned as is; otherwise the caller's cancellation is checked
// once the slot is back.
func suspend(ctx context.Context, wait func() error) error {
	t := taskOf(ctx)
	t.park()
	err := wait()
	t.unpark()
	if err != nil {
		return err
	}
	return EnsureActive(ctx)
}

// await blocks on ch without regard to cancellation, giving up the
// caller's slot meanwhile.
func await(ctx context.Context, ch <-chan struct{}) {
	select {
	case <-ch:
		return
	default:
	}
	t := taskOf(ctx)
	t.park()
	<-ch
	t.unpark()
}

// EnsureActive returns the cancellation cause of ctx, or nil while ctx is
// live.
func EnsureActive(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// IsActive reports whether the job running with ctx may continue.
func IsActive(ctx context.Context) bool { return ctx.Err() == nil }

// Yield gives other tasks waiting on the same dispatcher a chance to run.
// The caller requeues behind them and resumes once a slot is free again.
func Yield(ctx context.Context) error {
	if err := EnsureActive(ctx); err != nil {
		return err
	}
	t := taskOf(ctx)
	if t == nil || dispatch.IsInline(t.d) {
		runtime.Gosched()
		return EnsureActive(ctx)
	}
	t.park()
	t.unpark()
	return EnsureActive(ctx)
}

// Delay suspends the caller for d without holding its slot. It returns
// early with the cancellation cause if ctx is cancelled.
func Delay(ctx context.Context, d time.Duration) error {
	if err := EnsureActive(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	return suspend(ctx, func() error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
}

const (
	contPending = iota
	contResumed
	contCancelled
)

type outcome[T any] struct {
	v   T
	err error
}

// Continuation resumes a caller blocked in Suspend. It may be resumed from
// any goroutine, once.
type Continuation[T any] struct {
	ctx      context.Context
	mu       sync.Mutex
	state    int
	onCancel func(cause error)
	ch       chan outcome[T]
}

// Context returns the context of the suspended caller.
func (c *Continuation[T]) Context() context.Context { return c.ctx }

// Resume completes the suspension with v.
func (c *Continuation[T]) Resume(v T) error { return c.resume(outcome[T]{v: v}) }

// ResumeWithError completes the suspension with err.
func (c *Continuation[T]) ResumeWithError(err error) error { return c.resume(outcome[T]{err: err}) }

func (c *Continuation[T]) resume(o outcome[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case contResumed:
		return ErrAlreadyResumed
	case contCancelled:
		// the caller has already left with its cancellation cause
		return nil
	}
	c.state = contResumed
	c.ch <- o
	return nil
}

// OnCancel registers fn to run if the caller is cancelled before the
// continuation is resumed. Only the last registration is kept.
func (c *Continuation[T]) OnCancel(fn func(cause error)) {
	c.mu.Lock()
	if c.state == contCancelled {
		c.mu.Unlock()
		fn(context.Cause(c.ctx))
		return
	}
	c.onCancel = fn
	c.mu.Unlock()
}

func (c *Continuation[T]) cancel(cause error) bool {
	c.mu.Lock()
	if c.state != contPending {
		c.mu.Unlock()
		return false
	}
	c.state = contCancelled
	fn := c.onCancel
	c.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
	return true
}

// Suspend runs block with a fresh Continuation and blocks until it is
// resumed or ctx is cancelled. block typically hands the continuation to a
// callback API and returns at once.
func Suspend[T any](ctx context.Context, block func(c *Continuation[T])) (T, error) {
	var zero T
	if err := EnsureActive(ctx); err != nil {
		return zero, err
	}
	c := &Continuation[T]{ctx: ctx, ch: make(chan outcome[T], 1)}
	block(c)
	var out outcome[T]
	err := suspend(ctx, func() error {
		select {
		case out = <-c.ch:
			return nil
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if c.cancel(cause) {
				return cause
			}
			out = <-c.ch
			return nil
		}
	})
	if err != nil {
		return zero, err
	}
	return out.v, out.err
}
