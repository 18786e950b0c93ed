// Package otel traces the job tree with OpenTelemetry. Every job becomes a
// span nested under its parent job's span; task runs, cancellation and joins
// are added as span events. Failures set an error status, cancellations do
// not.
package otel
