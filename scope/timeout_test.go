package scope

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeoutExpires(t *testing.T) {
	t.Parallel()
	start := time.Now()
	err := WithTimeout(testContext(t), 20*time.Millisecond, func(ctx context.Context) error {
		return Delay(ctx, time.Minute)
	})
	var te *TimeoutError
	if !errors.As(err, &te) || te.Timeout != 20*time.Millisecond {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) || !IsCancellation(err) {
		t.Fatalf("timeout should read as a deadline and a cancellation: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout fired late: %v", elapsed)
	}
}

func TestWithTimeoutValueCompletes(t *testing.T) {
	t.Parallel()
	v, err := WithTimeoutValue(testContext(t), time.Second, func(ctx context.Context) (int, error) {
		return 42, Delay(ctx, time.Millisecond)
	})
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", v, err)
	}
}

func TestTryWithTimeout(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v, ok, err := TryWithTimeout(ctx, 10*time.Millisecond, func(ctx context.Context) (string, error) {
		return "late", Delay(ctx, time.Minute)
	})
	if err != nil || ok || v != "" {
		t.Fatalf("got (%q, %v, %v), want (\"\", false, nil)", v, ok, err)
	}
	v, ok, err = TryWithTimeout(ctx, time.Second, func(context.Context) (string, error) {
		return "fast", nil
	})
	if err != nil || !ok || v != "fast" {
		t.Fatalf("got (%q, %v, %v), want (fast, true, nil)", v, ok, err)
	}
	_, ok, err = TryWithTimeout(ctx, time.Second, func(context.Context) (string, error) {
		return "", errBoom
	})
	if err != errBoom || ok {
		t.Fatalf("failures should pass through, got (%v, %v)", ok, err)
	}
}

func TestNonPositiveTimeoutSkipsBody(t *testing.T) {
	t.Parallel()
	for _, d := range []time.Duration{0, -time.Second} {
		ran := false
		err := WithTimeout(testContext(t), d, func(context.Context) error {
			ran = true
			return nil
		})
		var te *TimeoutError
		if !errors.As(err, &te) || ran {
			t.Fatalf("d=%v: got %v, ran=%v", d, err, ran)
		}
	}
}

func TestInnerTimeoutIsNotTheOuters(t *testing.T) {
	t.Parallel()
	_, ok, err := TryWithTimeout(testContext(t), time.Second, func(ctx context.Context) (int, error) {
		return 0, WithTimeout(ctx, 10*time.Millisecond, func(ctx context.Context) error {
			return Delay(ctx, time.Minute)
		})
	})
	var te *TimeoutError
	if ok || !errors.As(err, &te) || te.Timeout != 10*time.Millisecond {
		t.Fatalf("expected the inner timeout as an error, got (%v, %v)", ok, err)
	}
}

func TestTimeoutCancelsChildren(t *testing.T) {
	t.Parallel()
	var child *Job
	err := WithTimeout(testContext(t), 20*time.Millisecond, func(ctx context.Context) error {
		var err error
		child, err = Launch(ctx, func(ctx context.Context) error {
			return Delay(ctx, time.Minute)
		})
		return err
	})
	var te *TimeoutError
	if !errors.As(err, &te) || !child.IsCancelled() {
		t.Fatalf("expected timeout to cancel the child, got %v (%v)", err, child.State())
	}
}

func TestTimeoutInsideRun(t *testing.T) {
	t.Parallel()
	err := Run(testContext(t), func(ctx context.Context) error {
		_, ok, err := TryWithTimeout(ctx, 10*time.Millisecond, func(ctx context.Context) (int, error) {
			return 0, Delay(ctx, time.Minute)
		})
		if err != nil || ok {
			t.Errorf("got (%v, %v), want (false, nil)", ok, err)
		}
		return EnsureActive(ctx)
	})
	if err != nil {
		t.Fatalf("a caught timeout must not cancel the enclosing scope: %v", err)
	}
}

func TestTimeoutIgnoresCleanupFailure(t *testing.T) {
	t.Parallel()
	v, ok, err := TryWithTimeout(testContext(t), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		_, err := Launch(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return errors.New("cleanup failed")
		})
		return 1, err
	})
	if v != 0 || ok || err != nil {
		t.Fatalf("got (%d, %v, %v), want (0, false, nil)", v, ok, err)
	}
}
