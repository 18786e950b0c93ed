package scope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/NetPo4ki/go-jobtree/dispatch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testContext gives each test its own pool so parallel tests that block
// inside bodies do not compete for the shared slots.
func testContext(t *testing.T) context.Context {
	t.Helper()
	p := dispatch.NewPool(t.Name(), 64)
	t.Cleanup(p.Close)
	return NewContext(context.Background(), On(p))
}

func TestGoWaitSuccess(t *testing.T) {
	t.Parallel()
	s := New(testContext(t), FailFast)
	done := atomic.Int32{}
	s.Go(func(_ context.Context) error {
		done.Add(1)
		return nil
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := done.Load(); got != 1 {
		t.Fatalf("expected task to run once, got %d", got)
	}
	if st := s.Job().State(); st != StateCompleted {
		t.Fatalf("expected completed scope, got %v", st)
	}
}

func TestCancelIdempotentMultiWait(t *testing.T) {
	t.Parallel()
	s := New(testContext(t), FailFast)
	s.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel(errors.New("stop"))
	s.Cancel(nil)
	err1 := s.Wait()
	err2 := s.Wait()
	if err1 == nil || err2 == nil {
		t.Fatalf("expected non-nil error from Wait after cancel, got (%v, %v)", err1, err2)
	}
	if err1 != err2 {
		t.Fatalf("Wait should return same error; got %v vs %v", err1, err2)
	}
	if !errors.Is(err1, context.Canceled) || !IsCancellation(err1) {
		t.Fatalf("expected a cancellation signal, got %v", err1)
	}
}

func TestFailFastCancelsSiblings(t *testing.T) {
	t.Parallel()
	s := New(testContext(t), FailFast)
	blocked := make(chan struct{})

	s.Go(func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			t.Error("sibling was not cancelled by fail-fast")
			return nil
		case <-ctx.Done():
			close(blocked)
			return ctx.Err()
		}
	})
	s.Go(func(_ context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return errors.New("boom")
	})
	err := s.Wait()
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom from fail-fast scope, got %v", err)
	}
	select {
	case <-blocked:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("sibling did not observe cancellation in time")
	}
}

func TestSupervisorDoesNotCancelSiblings(t *testing.T) {
	t.Parallel()
	handled := make(chan error, 1)
	ctx := NewContext(testContext(t), Handle(func(_ context.Context, err error) { handled <- err }))
	s := New(ctx, Supervisor)
	done := make(chan struct{})
	s.Go(func(_ context.Context) error {
		time.Sleep(40 * time.Millisecond)
		close(done)
		return nil
	})
	s.Go(func(_ context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return errors.New("err")
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("supervisor Wait should not report child failures, got %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("sibling should not be cancelled under Supervisor policy")
	}
	select {
	case err := <-handled:
		if err.Error() != "err" {
			t.Fatalf("unexpected handled error: %v", err)
		}
	default:
		t.Fatal("failure did not reach the exception handler")
	}
}

func TestPanicAsErrorConverted(t *testing.T) {
	t.Parallel()
	s := New(testContext(t), FailFast, WithPanicAsError(true))
	s.Go(func(ctx context.Context) error {
		panic("panic-value")
	})
	err := s.Wait()
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "panic-value" || len(pe.Stack) == 0 {
		t.Fatalf("expected converted panic error, got %v", err)
	}
}

func TestChildCancellation(t *testing.T) {
	t.Parallel()
	parent := New(testContext(t), FailFast)
	child := parent.Child(FailFast)
	cancelObserved := make(chan struct{})
	child.Go(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelObserved)
		return ctx.Err()
	})
	parent.Cancel(errors.New("stop"))
	_ = parent.Wait()
	select {
	case <-cancelObserved:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("child did not observe parent's cancellation")
	}
	if !child.Job().IsCompleted() {
		t.Fatal("parent Wait returned before its child scope finished")
	}
}

func TestGoAfterWaitIsRejected(t *testing.T) {
	t.Parallel()
	s := New(testContext(t), FailFast)
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ran := false
	j := s.Go(func(context.Context) error {
		ran = true
		return nil
	})
	if !j.IsCancelled() || !errors.Is(j.Cause(), ErrScopeClosed) {
		t.Fatalf("expected a job cancelled with ErrScopeClosed, got %v (%v)", j.State(), j.Cause())
	}
	if ran {
		t.Fatal("body ran in a closed scope")
	}
}

func TestNewUnderClosedParent(t *testing.T) {
	t.Parallel()
	parent := NewJob(nil)
	parent.Complete()
	s := New(NewContext(testContext(t), parent), FailFast)
	if !errors.Is(s.Wait(), ErrScopeClosed) {
		t.Fatalf("expected scope under a completed job to start cancelled, got %v", s.Job().Cause())
	}
}

func TestRootScopeFollowsPlainContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(testContext(t))
	s := New(ctx, FailFast)
	s.Go(func(ctx context.Context) error {
		return Delay(ctx, time.Minute)
	})
	cancel()
	if err := s.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type countObserver struct {
	NopObserver
	started  atomic.Int64
	finished atomic.Int64
	joined   atomic.Int64
	cancel   atomic.Int64
}

func (o *countObserver) JobCancelled(context.Context, *Job, error) { o.cancel.Add(1) }
func (o *countObserver) JobJoined(_ context.Context, j *Job, _ time.Duration) {
	if j.Kind() == KindScope {
		o.joined.Add(1)
	}
}
func (o *countObserver) TaskStarted(context.Context, *Job) { o.started.Add(1) }
func (o *countObserver) TaskFinished(context.Context, *Job, time.Duration, error, bool) {
	o.finished.Add(1)
}

func TestObserverHooks(t *testing.T) {
	t.Parallel()
	obs := &countObserver{}
	s := New(testContext(t), FailFast, WithObserver(obs))
	s.Go(func(_ context.Context) error { return nil })
	s.Go(func(_ context.Context) error { return nil })
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.started.Load() != 2 || obs.finished.Load() != 2 || obs.joined.Load() != 1 || obs.cancel.Load() != 0 {
		t.Fatalf("unexpected observer counts: started=%d finished=%d joined=%d cancelled=%d",
			obs.started.Load(), obs.finished.Load(), obs.joined.Load(), obs.cancel.Load())
	}
}
