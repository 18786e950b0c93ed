package scope

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// State is a lifecycle state of a Job.
//
//	New -> Active -> Completing -> Completed
//	 |       |           |
//	 +-------+-----------+--> Cancelling -> Cancelled
//
// Completed and Cancelled are terminal.
type State int32

const (
	StateNew State = iota
	StateActive
	StateCompleting
	StateCancelling
	StateCancelled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateActive:
		return "Active"
	case StateCompleting:
		return "Completing"
	case StateCancelling:
		return "Cancelling"
	case StateCancelled:
		return "Cancelled"
	case StateCompleted:
		return "Completed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) terminal() bool { return s == StateCancelled || s == StateCompleted }

// Kind records what created a Job.
type Kind uint8

const (
	KindJob Kind = iota
	KindLaunch
	KindAsync
	KindScope
	KindNonCancellable
)

func (k Kind) String() string {
	switch k {
	case KindJob:
		return "job"
	case KindLaunch:
		return "launch"
	case KindAsync:
		return "async"
	case KindScope:
		return "scope"
	case KindNonCancellable:
		return "noncancellable"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var jobIDs atomic.Uint64

// Job is a node of the task tree. It completes only after its own body and
// every child have terminated, and its cancellation reaches every
// descendant. A Job is also the Element that installs it as the parent of
// tasks started from a context carrying it.
type Job struct {
	id         uint64
	kind       Kind
	manual     bool
	supervisor bool
	parent     *Job
	elems      Elements
	created    time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	state    State
	bodyDone bool
	cause    error
	failure  bool
	report   bool
	extra    []error
	children map[*Job]struct{}
	handlers []func(cause error)
	start    func()
	unlink   func() bool
	done     chan struct{}
}

// NonCancellable is an always-active job that ignores cancellation. Running
// a scope with it as an element detaches that scope from the caller's job,
// which is how cleanup code keeps running after cancellation.
var NonCancellable = func() *Job {
	j := &Job{kind: KindNonCancellable, state: StateActive, created: time.Now(), done: make(chan struct{})}
	j.elems = NewElements(j)
	j.ctx = withElements(context.Background(), j.elems)
	j.cancel = func(error) {}
	return j
}()

// NewJob returns an active manual job. It completes only once Complete is
// called and all its children have terminated. A failed child cancels it.
func NewJob(parent *Job) *Job { return newManual(parent, false) }

// NewSupervisorJob is like NewJob but the failure of one child does not
// affect the job or its other children.
func NewSupervisorJob(parent *Job) *Job { return newManual(parent, true) }

func newManual(parent *Job, supervisor bool) *Job {
	var elems Elements
	if parent != nil {
		elems = parent.elems
	}
	j := newJob(context.Background(), elems, KindJob, supervisor, true)
	if err := j.register(); err != nil {
		j.detach(err)
	}
	return j
}

func newJob(base context.Context, elems Elements, kind Kind, supervisor, manual bool) *Job {
	j := &Job{
		id:         jobIDs.Add(1),
		kind:       kind,
		manual:     manual,
		supervisor: supervisor,
		parent:     elems.Job(),
		created:    time.Now(),
		state:      StateActive,
		done:       make(chan struct{}),
	}
	if j.parent != nil && j.parent.kind == KindNonCancellable {
		j.parent = nil
	}
	j.elems = elems.With(j)
	j.ctx, j.cancel = context.WithCancelCause(withElements(context.WithoutCancel(base), j.elems))
	return j
}

// register links j under its parent and announces it.
func (j *Job) register() error {
	if j.parent != nil {
		if err := j.parent.attach(j); err != nil {
			return err
		}
	}
	if obs := j.elems.Observer(); obs != nil {
		obs.JobCreated(j.ctx, j)
	}
	return nil
}

// detach turns a job its parent refused into a cancelled root.
func (j *Job) detach(err error) {
	j.parent = nil
	j.cancelWith(&CancellationError{Message: "parent job is not accepting children", Cause: err}, false)
}

func (j *Job) attach(c *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateNew && j.state != StateActive {
		err := fmt.Errorf("%w: %v is %v", ErrScopeClosed, j, j.state)
		if j.cause != nil {
			// a task started under a cancelled job is itself cancelled
			return &CancellationError{Message: "parent job is cancelling", Cause: err}
		}
		return err
	}
	if j.children == nil {
		j.children = make(map[*Job]struct{})
	}
	j.children[c] = struct{}{}
	return nil
}

func (j *Job) setUnlink(stop func() bool) {
	j.mu.Lock()
	if j.state.terminal() {
		j.mu.Unlock()
		stop()
		return
	}
	j.unlink = stop
	j.mu.Unlock()
}

// Key implements Element.
func (*Job) Key() *Key { return JobKey }

// ID returns the process-unique job number. NonCancellable is 0.
func (j *Job) ID() uint64 { return j.id }

// Kind reports what created the job.
func (j *Job) Kind() Kind { return j.kind }

// Name returns the Name element in effect for the job, or "".
func (j *Job) Name() string { return j.elems.Name() }

// Parent returns the parent job, or nil for a root.
func (j *Job) Parent() *Job { return j.parent }

// Elements returns the elements the job runs with, itself included.
func (j *Job) Elements() Elements { return j.elems }

// Context returns a context carrying the job's elements. Tasks started from
// it become children of j. It is cancelled once j is cancelling or done.
func (j *Job) Context() context.Context { return j.ctx }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) String() string {
	name := j.Name()
	if name == "" {
		name = j.kind.String()
	}
	return fmt.Sprintf("%s#%d", name, j.id)
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// IsActive reports whether the job has started and is neither cancelling
// nor done. A job waiting for its children is still active.
func (j *Job) IsActive() bool {
	s := j.State()
	return s == StateActive || s == StateCompleting
}

// IsCancelled reports whether the job is cancelling or was cancelled.
func (j *Job) IsCancelled() bool {
	s := j.State()
	return s == StateCancelling || s == StateCancelled
}

// IsCompleted reports whether the job is in a terminal state.
func (j *Job) IsCompleted() bool { return j.State().terminal() }

// Cause returns the error the job was cancelled with, or nil.
func (j *Job) Cause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cause
}

// Suppressed returns the causes and failures that arrived after the cause
// was recorded, oldest first.
func (j *Job) Suppressed() []error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.extra)
}

// suppress records a late cause unless it only echoes one already known.
// Called with j.mu held.
func (j *Job) suppress(err error) {
	r := rootCause(err)
	if _, bare := r.(*CancellationError); bare || errors.Is(context.Cause(j.ctx), err) ||
		errors.Is(r, rootCause(j.cause)) {
		return
	}
	for _, e := range j.extra {
		if errors.Is(r, rootCause(e)) {
			return
		}
	}
	j.extra = append(j.extra, err)
}

// Children iterates over a snapshot of the job's live children in creation
// order. The sequence can be consumed once; ranging over it again yields
// nothing.
func (j *Job) Children() iter.Seq[*Job] {
	j.mu.Lock()
	kids := slices.SortedFunc(maps.Keys(j.children), func(a, b *Job) int { return cmp.Compare(a.id, b.id) })
	j.mu.Unlock()
	var used atomic.Bool
	return func(yield func(*Job) bool) {
		if used.Swap(true) {
			return
		}
		for _, k := range kids {
			if !yield(k) {
				return
			}
		}
	}
}

// OnCompletion registers fn to run once the job is terminal, with the
// cancellation cause or nil. Registered on a terminal job, fn runs
// immediately. Handlers run before Join returns and must not block.
func (j *Job) OnCompletion(fn func(cause error)) {
	j.mu.Lock()
	if j.state.terminal() {
		cause := j.cause
		j.mu.Unlock()
		j.invokeHandler(fn, cause)
		return
	}
	j.handlers = append(j.handlers, fn)
	j.mu.Unlock()
}

// Start starts a lazily created job. It reports whether this call started it.
func (j *Job) Start() bool {
	j.mu.Lock()
	if j.state != StateNew {
		j.mu.Unlock()
		return false
	}
	j.state = StateActive
	start := j.start
	j.start = nil
	j.mu.Unlock()
	if start != nil {
		start()
	}
	return true
}

// Cancel cancels the job and its whole subtree. A nil cause becomes a
// CancellationError and any other error is wrapped in one, so cancelling
// never counts as a failure. It has no effect on a terminal job.
func (j *Job) Cancel(cause error) {
	if j.kind == KindNonCancellable {
		return
	}
	if cause == nil {
		cause = &CancellationError{}
	}
	j.cancelWith(asCancellation(cause, "job was cancelled"), false)
}

// Join waits until the job is terminal, starting it if it is lazy. It does
// not report the job's outcome: it returns a non-nil error only when ctx is
// cancelled. Joining NonCancellable is unsupported.
func (j *Job) Join(ctx context.Context) error {
	if j.kind == KindNonCancellable {
		return errors.ErrUnsupported
	}
	j.Start()
	begin := time.Now()
	var err error
	select {
	case <-j.done:
		err = EnsureActive(ctx)
	default:
		err = suspend(ctx, func() error {
			select {
			case <-j.done:
				return nil
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		})
	}
	if obs := j.elems.Observer(); obs != nil {
		obs.JobJoined(ctx, j, time.Since(begin))
	}
	return err
}

// CancelAndJoin cancels the job and waits for it.
func (j *Job) CancelAndJoin(ctx context.Context, cause error) error {
	j.Cancel(cause)
	return j.Join(ctx)
}

// Complete moves a manual job to completing. It reports false for jobs
// not created by NewJob, NewSupervisorJob or New, and for jobs already
// completing, cancelling or done.
func (j *Job) Complete() bool {
	if !j.manual {
		return false
	}
	j.mu.Lock()
	if j.state != StateActive && j.state != StateNew {
		j.mu.Unlock()
		return false
	}
	j.bodyDone = true
	j.state = StateCompleting
	j.mu.Unlock()
	j.tryFinalize()
	return true
}

// CompleteExceptionally terminates a manual job with err. A cancellation
// signal cancels it, anything else fails it and propagates like a failed task.
// Like Complete it reports false once the job is completing, cancelling or
// done.
func (j *Job) CompleteExceptionally(err error) bool {
	if !j.manual || err == nil {
		return false
	}
	return j.cancelFrom(err, !IsCancellation(err), false)
}

// route decides where a failure of j goes: handled means the parent is
// cancelled with it, report means it also reaches the exception handler.
func (j *Job) route() (handled, report bool) {
	if !j.failure {
		return false, false
	}
	p := j.parent
	handled = j.kind != KindScope && p != nil && !p.supervisor
	report = j.kind == KindLaunch && !(handled && p.handlesFailure())
	return handled, report
}

// handlesFailure reports whether a failure that cancelled j is observed
// somewhere above, so a failed child need not report it.
func (j *Job) handlesFailure() bool {
	switch j.kind {
	case KindScope, KindLaunch, KindAsync:
		return true
	case KindJob:
		return j.parent != nil && !j.parent.supervisor && j.parent.handlesFailure()
	}
	return false
}

// cancelWith records cause and moves j to cancelling. failure marks an
// application error, which routes to the parent or the exception handler.
func (j *Job) cancelWith(cause error, failure bool) bool {
	return j.cancelFrom(cause, failure, true)
}

// cancelFrom is cancelWith; completing reports whether a job already
// completing may still be cancelled.
func (j *Job) cancelFrom(cause error, failure, completing bool) bool {
	j.mu.Lock()
	if j.state.terminal() || (!completing && j.state == StateCompleting) {
		j.mu.Unlock()
		return false
	}
	if j.cause != nil {
		// the first cause wins; later ones are kept for diagnostics
		j.suppress(cause)
		j.mu.Unlock()
		return false
	}

	j.cause, j.failure = cause, failure
	if j.state == StateNew || j.manual {
		j.bodyDone = true
		j.start = nil
	}
	j.state = StateCancelling
	handled, report := j.route()
	j.report = report
	kids := slices.Collect(maps.Keys(j.children))
	j.mu.Unlock()

	j.cancel(asCancellation(cause, "job is cancelling"))
	if obs := j.elems.Observer(); obs != nil {
		obs.JobCancelled(j.ctx, j, cause)
	}
	down := asCancellation(cause, "parent job is cancelling")
	for _, k := range kids {
		k.cancelWith(down, false)
	}
	if handled {
		// before finalizing, so the parent cannot complete in between
		j.parent.cancelWith(cause, true)
	}
	j.tryFinalize()
	return true
}

// bodyFinished records the outcome of the job's own body.
func (j *Job) bodyFinished(err error) {
	j.mu.Lock()
	j.bodyDone = true
	if err == nil && j.state == StateActive {
		j.state = StateCompleting
	}
	j.mu.Unlock()
	if err != nil {
		j.cancelWith(err, !IsCancellation(err))
	}
	j.tryFinalize()
}

func (j *Job) childTerminated(c *Job) {
	j.mu.Lock()
	delete(j.children, c)
	j.mu.Unlock()
	j.tryFinalize()
}

// tryFinalize moves j to its terminal state once the body and every child
// are done.
func (j *Job) tryFinalize() {
	j.mu.Lock()
	if !j.bodyDone || len(j.children) > 0 || (j.state != StateCompleting && j.state != StateCancelling) {
		j.mu.Unlock()
		return
	}
	cause := j.cause
	if cause != nil {
		j.state = StateCancelled
	} else {
		j.state = StateCompleted
	}
	handlers := j.handlers
	j.handlers = nil
	report := j.report
	unlink := j.unlink
	j.unlink = nil
	j.mu.Unlock()

	if cause != nil {
		j.cancel(asCancellation(cause, "job was cancelled"))
	} else {
		j.cancel(errJobCompleted)
	}
	if unlink != nil {
		unlink()
	}
	if report {
		j.reportFailure(cause)
	}
	for _, fn := range handlers {
		j.invokeHandler(fn, cause)
	}
	close(j.done)
	if obs := j.elems.Observer(); obs != nil {
		obs.JobCompleted(j.ctx, j, time.Since(j.created))
	}
	if j.parent != nil {
		j.parent.childTerminated(j)
	}
}

// reportFailure hands an unobserved failure to the exception handler in
// effect, or logs it.
func (j *Job) reportFailure(err error) {
	log := j.elems.Logger()
	h := j.elems.Handler()
	if h == nil || h.fn == nil {
		log.ErrorContext(j.ctx, "unhandled job failure", slog.String("job", j.String()), slog.Any("error", err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(j.ctx, "exception handler panicked",
				slog.String("job", j.String()), slog.Any("error", err), slog.Any("panic", r))
		}
	}()
	h.fn(j.ctx, err)
}

func (j *Job) invokeHandler(fn func(error), cause error) {
	defer func() {
		if r := recover(); r != nil {
			j.elems.Logger().ErrorContext(j.ctx, "completion handler panicked",
				slog.String("job", j.String()), slog.Any("panic", r))
		}
	}()
	fn(cause)
}
