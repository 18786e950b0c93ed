package scope

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrScopeClosed is returned when a task is started under a job that no
	// longer accepts children.
	ErrScopeClosed = errors.New("scope: job is not accepting children")

	// ErrNoJob is returned by Launch and Async when the context carries no
	// job. Obtain one from Run, Supervise, New or NewJob.
	ErrNoJob = errors.New("scope: context has no job")

	// ErrAlreadyResumed is returned when a Continuation is resumed twice.
	ErrAlreadyResumed = errors.New("scope: continuation already resumed")

	// ErrNilTask is returned when a builder is given a nil body.
	ErrNilTask = errors.New("scope: nil task body")
)

// CancellationError is the cooperative cancellation signal. It is not a
// failure: it never reaches an exception handler and never cancels the parent
// of the job it terminates.
type CancellationError struct {
	Message string
	Cause   error
}

func (e *CancellationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "job was cancelled"
	}
	if e.Cause != nil {
		return fmt.Sprintf("scope: %s: %v", msg, e.Cause)
	}
	return "scope: " + msg
}

func (e *CancellationError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, context.Canceled) hold for cancellation signals.
func (e *CancellationError) Is(target error) bool { return target == context.Canceled }

// TimeoutError cancels the scope of WithTimeout when its deadline passes.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("scope: timed out waiting for %v", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

// PanicError is the failure recorded when a task body panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsCancellation reports whether err is a cancellation signal rather than an
// application failure.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var ce *CancellationError
	var te *TimeoutError
	return errors.As(err, &ce) || errors.As(err, &te) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// asCancellation returns err if it already is a cancellation signal,
// otherwise a CancellationError carrying it.
func asCancellation(err error, msg string) error {
	if IsCancellation(err) {
		return err
	}
	return &CancellationError{Message: msg, Cause: err}
}

// rootCause strips CancellationError wrappers down to the error that
// started the cancellation.
func rootCause(err error) error {
	for {
		var ce *CancellationError
		if !errors.As(err, &ce) || ce.Cause == nil {
			return err
		}
		err = ce.Cause
	}
}

var errJobCompleted = &CancellationError{Message: "job has completed"}
