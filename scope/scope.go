package scope

import (
	"context"
	"fmt"
)

// Policy selects how a Scope reacts to a failed child.
type Policy int

const (
	// FailFast cancels the scope and every other child on the first failure.
	FailFast Policy = iota
	// Supervisor isolates failures: siblings keep running and launched
	// children report to the ExceptionHandler.
	Supervisor
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "FailFast"
	case Supervisor:
		return "Supervisor"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Scope is a long-lived owner of tasks. Unlike Run it does not wait on its
// own: tasks are added with Go until Wait closes the scope.
type Scope struct {
	job    *Job
	policy Policy
	opts   Options
}

// New creates a scope under the job carried by parent, or a root scope that
// parent can cancel. Options apply to the scope and are inherited by its
// tasks. If the parent job no longer accepts children the scope starts
// cancelled.
func New(parent context.Context, policy Policy, opts ...Option) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	o := buildOptions(opts)
	o.Lazy = false
	j, err := spawn(parent, KindScope, policy == Supervisor, true, o)
	if err != nil {
		j = newJob(parent, ElementsOf(parent).Minus(JobKey), KindScope, policy == Supervisor, true)
		j.detach(err)
	}
	return &Scope{job: j, policy: policy, opts: o}
}

// Context returns the scope's context. It is cancelled when the scope is.
func (s *Scope) Context() context.Context { return s.job.ctx }

// Job returns the job backing the scope.
func (s *Scope) Job() *Job { return s.job }

// Policy returns the scope's failure policy.
func (s *Scope) Policy() Policy { return s.policy }

// Go launches fn in the scope. Once Wait was called or the scope is
// cancelled, fn is not run and the returned job is already cancelled.
func (s *Scope) Go(fn func(ctx context.Context) error, opts ...Option) *Job {
	opts = append([]Option{WithPanicAsError(s.opts.PanicAsError)}, opts...)
	j, err := Launch(s.job.ctx, fn, opts...)
	if err != nil {
		j = newJob(s.job.ctx, s.job.elems.Minus(JobKey), KindLaunch, false, true)
		j.detach(err)
	}
	return j
}

// Cancel cancels the scope and all of its tasks with err.
func (s *Scope) Cancel(err error) { s.job.Cancel(err) }

// Wait closes the scope to new tasks and blocks until every task has
// returned. It returns the error the scope was cancelled with: the first
// failure under FailFast, or the argument of Cancel. Inside a task use
// WaitContext so the task's slot is given back while waiting.
func (s *Scope) Wait() error { return s.WaitContext(context.Background()) }

// WaitContext is Wait that gives up early, returning the cause of ctx.
func (s *Scope) WaitContext(ctx context.Context) error {
	s.job.Complete()
	if err := s.job.Join(ctx); err != nil {
		return err
	}
	return s.job.Cause()
}

// Child creates a nested scope. It inherits the parent's elements and is
// cancelled with it; a failure under a FailFast child stays in the child.
func (s *Scope) Child(policy Policy, opts ...Option) *Scope {
	return New(s.job.ctx, policy, append([]Option{WithPanicAsError(s.opts.PanicAsError)}, opts...)...)
}
