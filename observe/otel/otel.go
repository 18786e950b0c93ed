package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NetPo4ki/go-jobtree/scope"
)

const tracerName = "github.com/NetPo4ki/go-jobtree"

// Attribute keys set on job spans and their events.
const (
	JobIDKey    = attribute.Key("scope.job.id")
	JobNameKey  = attribute.Key("scope.job.name")
	JobKindKey  = attribute.Key("scope.job.kind")
	JobStateKey = attribute.Key("scope.job.state")
	DurationKey = attribute.Key("scope.duration_ms")
	PanickedKey = attribute.Key("scope.panicked")
)

// Observer is a scope.Observer that opens one span per job. A job's span is a
// child of its parent job's span, or of the span found in the creating
// context for root jobs. Task runs, cancellations and joins are recorded as
// span events.
type Observer struct {
	tracer trace.Tracer
	spans  sync.Map // *scope.Job -> trace.Span
}

var _ scope.Observer = (*Observer)(nil)

// New returns an Observer using the global TracerProvider.
func New() *Observer {
	return NewWithTracer(otel.Tracer(tracerName))
}

// NewWithTracer returns an Observer that starts spans with tracer.
func NewWithTracer(tracer trace.Tracer) *Observer {
	return &Observer{tracer: tracer}
}

func jobAttrs(j *scope.Job) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		JobIDKey.Int64(int64(j.ID())),
		JobKindKey.String(j.Kind().String()),
	}
	if n := j.Name(); n != "" {
		attrs = append(attrs, JobNameKey.String(n))
	}
	return attrs
}

func spanName(j *scope.Job) string {
	if n := j.Name(); n != "" {
		return "scope." + j.Kind().String() + " " + n
	}
	return "scope." + j.Kind().String()
}

func (o *Observer) span(j *scope.Job) (trace.Span, bool) {
	if j == nil {
		return nil, false
	}
	v, ok := o.spans.Load(j)
	if !ok {
		return nil, false
	}
	return v.(trace.Span), true
}

// JobCreated starts the job's span under its parent job's span.
func (o *Observer) JobCreated(ctx context.Context, j *scope.Job) {
	parent := ctx
	if ps, ok := o.span(j.Parent()); ok {
		parent = trace.ContextWithSpan(ctx, ps)
	}
	_, span := o.tracer.Start(parent, spanName(j),
		trace.WithAttributes(jobAttrs(j)...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	o.spans.Store(j, span)
}

// JobCancelled adds a job.cancelling event carrying the cause.
func (o *Observer) JobCancelled(_ context.Context, j *scope.Job, cause error) {
	span, ok := o.span(j)
	if !ok {
		return
	}
	var attrs []attribute.KeyValue
	if cause != nil {
		attrs = append(attrs, attribute.String("scope.cause", cause.Error()))
	}
	span.AddEvent("job.cancelling", trace.WithAttributes(attrs...))
}

// JobCompleted sets the final state and status and ends the span.
func (o *Observer) JobCompleted(_ context.Context, j *scope.Job, lifetime time.Duration) {
	v, ok := o.spans.LoadAndDelete(j)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(
		JobStateKey.String(j.State().String()),
		DurationKey.Int64(lifetime.Milliseconds()),
	)
	switch cause := j.Cause(); {
	case cause == nil:
		span.SetStatus(codes.Ok, "")
	case scope.IsCancellation(cause):
		// cancellation is a normal outcome; leave the status unset
	default:
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	span.End()
}

// JobJoined records the wait on the caller's job span, or on the span of the
// caller's context when it is not running inside a job.
func (o *Observer) JobJoined(ctx context.Context, j *scope.Job, wait time.Duration) {
	span, ok := o.span(scope.JobOf(ctx))
	if !ok {
		span = trace.SpanFromContext(ctx)
	}
	attrs := append(jobAttrs(j), DurationKey.Int64(wait.Milliseconds()))
	span.AddEvent("job.joined", trace.WithAttributes(attrs...))
}

// TaskStarted adds a task.started event.
func (o *Observer) TaskStarted(_ context.Context, j *scope.Job) {
	if span, ok := o.span(j); ok {
		span.AddEvent("task.started")
	}
}

// TaskFinished adds a task.finished event with the duration, the error and
// whether the body panicked.
func (o *Observer) TaskFinished(_ context.Context, j *scope.Job, dur time.Duration, err error, panicked bool) {
	span, ok := o.span(j)
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{
		DurationKey.Int64(dur.Milliseconds()),
		PanickedKey.Bool(panicked),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("scope.error", err.Error()))
	}
	span.AddEvent("task.finished", trace.WithAttributes(attrs...))
}
