package scope

import (
	"context"
	"time"
)

// Observer receives lifecycle events of jobs and their task bodies. Install
// it with Observe or WithObserver; it is inherited by every descendant.
// Calls arrive concurrently from the goroutines running the tasks and must
// not block.
type Observer interface {
	JobCreated(ctx context.Context, j *Job)
	JobCancelled(ctx context.Context, j *Job, cause error)
	JobCompleted(ctx context.Context, j *Job, lifetime time.Duration)
	JobJoined(ctx context.Context, j *Job, wait time.Duration)
	TaskStarted(ctx context.Context, j *Job)
	TaskFinished(ctx context.Context, j *Job, dur time.Duration, err error, panicked bool)
}

// NopObserver ignores every event. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) JobCreated(context.Context, *Job)                               {}
func (NopObserver) JobCancelled(context.Context, *Job, error)                      {}
func (NopObserver) JobCompleted(context.Context, *Job, time.Duration)              {}
func (NopObserver) JobJoined(context.Context, *Job, time.Duration)                 {}
func (NopObserver) TaskStarted(context.Context, *Job)                              {}
func (NopObserver) TaskFinished(context.Context, *Job, time.Duration, error, bool) {}

// Observers fans every event out to each of obs in order.
func Observers(obs ...Observer) Observer { return multiObserver(obs) }

type multiObserver []Observer

func (m multiObserver) JobCreated(ctx context.Context, j *Job) {
	for _, o := range m {
		o.JobCreated(ctx, j)
	}
}

func (m multiObserver) JobCancelled(ctx context.Context, j *Job, cause error) {
	for _, o := range m {
		o.JobCancelled(ctx, j, cause)
	}
}

func (m multiObserver) JobCompleted(ctx context.Context, j *Job, lifetime time.Duration) {
	for _, o := range m {
		o.JobCompleted(ctx, j, lifetime)
	}
}

func (m multiObserver) JobJoined(ctx context.Context, j *Job, wait time.Duration) {
	for _, o := range m {
		o.JobJoined(ctx, j, wait)
	}
}

func (m multiObserver) TaskStarted(ctx context.Context, j *Job) {
	for _, o := range m {
		o.TaskStarted(ctx, j)
	}
}

func (m multiObserver) TaskFinished(ctx context.Context, j *Job, dur time.Duration, err error, panicked bool) {
	for _, o := range m {
		o.TaskFinished(ctx, j, dur, err, panicked)
	}
}
