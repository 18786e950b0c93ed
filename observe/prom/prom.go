// Package prom exports job and task lifecycle events as Prometheus metrics.
package prom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NetPo4ki/go-jobtree/scope"
)

// Outcomes recorded on the completed jobs counter.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Results recorded on the finished tasks counter.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultPanic = "panic"
)

// Metrics is a scope.Observer backed by Prometheus collectors.
type Metrics struct {
	jobsCreated   *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobLifetime   *prometheus.HistogramVec
	joinWait      prometheus.Histogram

	activeTasks   prometheus.Gauge
	tasksFinished *prometheus.CounterVec
	taskDuration  prometheus.Histogram
}

var _ scope.Observer = (*Metrics)(nil)

type options struct {
	namespace string
	buckets   []float64
}

// Option configures New.
type Option func(*options)

// WithNamespace sets the metric namespace. The default is "scope".
func WithNamespace(ns string) Option { return func(o *options) { o.namespace = ns } }

// WithBuckets overrides the histogram buckets, in seconds.
func WithBuckets(b []float64) Option { return func(o *options) { o.buckets = b } }

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer, opts ...Option) (*Metrics, error) {
	o := options{namespace: "scope", buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Metrics{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs attached to the job tree.",
		}, []string{"kind"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Jobs that entered the cancelling state.",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached a terminal state, by outcome.",
		}, []string{"kind", "outcome"}),
		jobLifetime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "job_lifetime_seconds",
			Help:      "Time from job creation to its terminal state.",
			Buckets:   o.buckets,
		}, []string{"kind"}),
		joinWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "join_wait_seconds",
			Help:      "Time callers spent in Join.",
			Buckets:   o.buckets,
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "tasks_active",
			Help:      "Task bodies currently executing.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "tasks_finished_total",
			Help:      "Task bodies that returned, by result.",
		}, []string{"result"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of task bodies, including suspensions.",
			Buckets:   o.buckets,
		}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// MustNew is like New but panics if registration fails.
func MustNew(reg prometheus.Registerer, opts ...Option) *Metrics {
	m, err := New(reg, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsCreated, m.jobsCancelled, m.jobsCompleted, m.jobLifetime,
		m.joinWait, m.activeTasks, m.tasksFinished, m.taskDuration,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// JobCreated counts a job attached to the tree.
func (m *Metrics) JobCreated(_ context.Context, j *scope.Job) {
	m.jobsCreated.WithLabelValues(j.Kind().String()).Inc()
}

// JobCancelled counts a job entering the cancelling state.
func (m *Metrics) JobCancelled(_ context.Context, j *scope.Job, _ error) {
	m.jobsCancelled.WithLabelValues(j.Kind().String()).Inc()
}

// JobCompleted counts a terminal job by outcome and records its lifetime.
func (m *Metrics) JobCompleted(_ context.Context, j *scope.Job, lifetime time.Duration) {
	kind := j.Kind().String()
	m.jobsCompleted.WithLabelValues(kind, outcome(j.Cause())).Inc()
	m.jobLifetime.WithLabelValues(kind).Observe(lifetime.Seconds())
}

// JobJoined records the time a caller waited in Join.
func (m *Metrics) JobJoined(_ context.Context, _ *scope.Job, wait time.Duration) {
	m.joinWait.Observe(wait.Seconds())
}

// TaskStarted increments the active tasks gauge.
func (m *Metrics) TaskStarted(context.Context, *scope.Job) {
	m.activeTasks.Inc()
}

// TaskFinished decrements the active gauge, records the duration and counts
// the result.
func (m *Metrics) TaskFinished(_ context.Context, _ *scope.Job, dur time.Duration, err error, panicked bool) {
	m.activeTasks.Dec()
	m.taskDuration.Observe(dur.Seconds())
	res := ResultOK
	switch {
	case panicked:
		res = ResultPanic
	case err != nil:
		res = ResultError
	}
	m.tasksFinished.WithLabelValues(res).Inc()
}

func outcome(cause error) string {
	switch {
	case cause == nil:
		return OutcomeCompleted
	case scope.IsCancellation(cause):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
