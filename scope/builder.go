package scope

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/NetPo4ki/go-jobtree/dispatch"
)

type Option func(*Options)

// Options tune a single task or scope.
type Options struct {
	Elements       []Element
	Lazy           bool
	PanicAsError   bool
	Observer       Observer
	MaxConcurrency int
}

func defaultOptions() Options { return Options{PanicAsError: true} }

func buildOptions(opts []Option) Options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// With adds elements to the ones inherited from the context.
func With(elems ...Element) Option {
	return func(o *Options) { o.Elements = append(o.Elements, elems...) }
}

// Lazy creates the job in StateNew. Its body is dispatched by Start, Join
// or Await.
func Lazy() Option { return func(o *Options) { o.Lazy = true } }

// WithPanicAsError turns a panicking body into a *PanicError failure. With
// false the panic is re-raised on the task goroutine.
func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

// WithMaxConcurrency lets at most n bodies of the new job and its
// descendants run at once, on top of the inherited dispatcher's own limit.
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// Launch starts body as a child of the job carried by ctx and returns at
// once. A failure of body cancels the parent unless the parent supervises;
// a failure nobody observes goes to the ExceptionHandler in effect.
func Launch(ctx context.Context, body func(ctx context.Context) error, opts ...Option) (*Job, error) {
	if body == nil {
		return nil, ErrNilTask
	}
	o := buildOptions(opts)
	j, err := spawn(ctx, KindLaunch, false, false, o)
	if err != nil {
		return nil, err
	}
	j.schedule(ctx, o, body)
	return j, nil
}

// Async starts body like Launch and returns a Deferred holding its result.
// A failure is delivered by Await and still cancels a fail-fast parent.
func Async[T any](ctx context.Context, body func(ctx context.Context) (T, error), opts ...Option) (*Deferred[T], error) {
	if body == nil {
		return nil, ErrNilTask
	}
	o := buildOptions(opts)
	j, err := spawn(ctx, KindAsync, false, false, o)
	if err != nil {
		return nil, err
	}
	d := &Deferred[T]{Job: j}
	j.schedule(ctx, o, func(ctx context.Context) error {
		v, err := body(ctx)
		if err == nil {
			d.value = v
		}
		return err
	})
	return d, nil
}

// spawn creates and registers a job under the job carried by ctx.
func spawn(ctx context.Context, kind Kind, supervisor, manual bool, o Options) (*Job, error) {
	over := NewElements(o.Elements...)
	if o.Observer != nil {
		over = over.With(Observe(o.Observer))
	}
	elems := ElementsOf(ctx).Plus(over)
	parent := elems.Job()
	if parent == nil && (kind == KindLaunch || kind == KindAsync) {
		return nil, ErrNoJob
	}
	if o.MaxConcurrency > 0 {
		elems = elems.With(On(dispatch.Limited(dispatcherOf(elems), o.MaxConcurrency)))
	}

	j := newJob(ctx, elems, kind, supervisor, manual)
	if o.Lazy {
		j.state = StateNew
	}
	if err := j.register(); err != nil {
		return nil, err
	}
	// a plain context cancels the job, a job's own context already does
	if _, explicit := over.Get(JobKey); !explicit && ctx.Done() != nil &&
		(parent == nil || ctx.Done() != parent.ctx.Done()) {
		j.setUnlink(context.AfterFunc(ctx, func() { j.Cancel(context.Cause(ctx)) }))
	}
	return j, nil
}

func dispatcherOf(e Elements) dispatch.Dispatcher {
	if d := e.Dispatcher(); d != nil {
		return d
	}
	return dispatch.Default()
}

// schedule dispatches body now, or on Start for a lazy job.
func (j *Job) schedule(caller context.Context, o Options, body func(context.Context) error) {
	d := dispatcherOf(j.elems)
	run := func(inherit *task) {
		if dispatch.IsInline(d) {
			j.execute(inherit, false, o, body)
			return
		}
		err := d.Dispatch(func(release func()) {
			go j.execute(&task{d: d, release: release}, true, o, body)
		})
		if err != nil {
			j.bodyFinished(fmt.Errorf("scope: dispatch %v on %v: %w", j, d, err))
		}
	}

	if o.Lazy {
		j.mu.Lock()
		switch j.state {
		case StateNew:
			j.start = func() { run(nil) }
			j.mu.Unlock()
			return
		case StateActive:
			// started before the body was installed
		default:
			j.mu.Unlock()
			return
		}
		j.mu.Unlock()
	}
	run(taskOf(caller))
}

// execute runs body on t. owned reports whether the task ends with the body.
func (j *Job) execute(t *task, owned bool, o Options, body func(context.Context) error) {
	if owned {
		defer t.park()
	}
	if j.ctx.Err() != nil {
		// cancelled while waiting for a slot
		j.bodyFinished(context.Cause(j.ctx))
		return
	}
	ctx := withTask(j.ctx, t)
	obs := j.elems.Observer()
	if obs != nil {
		obs.TaskStarted(ctx, j)
	}
	start := time.Now()
	err, panicked := invoke(ctx, o.PanicAsError, body)
	if obs != nil {
		obs.TaskFinished(ctx, j, time.Since(start), err, panicked)
	}
	j.bodyFinished(err)
}

func invoke(ctx context.Context, panicAsError bool, body func(context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			if !panicAsError {
				panic(r)
			}
			err, panicked = &PanicError{Value: r, Stack: debug.Stack()}, true
		}
	}()
	return body(ctx), false
}
