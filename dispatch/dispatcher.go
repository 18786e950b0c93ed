package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrClosed is returned by Dispatch on a pool that has been closed.
var ErrClosed = errors.New("dispatch: dispatcher is closed")

// Grant receives an execution slot. It must not block; release gives the
// slot back and may be called from any goroutine, at most once.
type Grant func(release func())

// Dispatcher places runnable work onto execution slots.
type Dispatcher interface {
	// Dispatch registers a request for a slot and returns immediately.
	// grant is invoked, possibly synchronously, once the slot is free.
	// Requests are served in submission order.
	Dispatch(grant Grant) error
}

// Acquire blocks until d grants a slot or ctx is done.
func Acquire(ctx context.Context, d Dispatcher) (release func(), err error) {
	const (
		waiting int32 = iota
		granted
		abandoned
	)
	var state atomic.Int32
	ch := make(chan func(), 1)
	err = d.Dispatch(func(rel func()) {
		if !state.CompareAndSwap(waiting, granted) {
			rel()
			return
		}
		ch <- rel
	})
	if err != nil {
		return nil, err
	}
	select {
	case rel := <-ch:
		return rel, nil
	case <-ctx.Done():
		if state.CompareAndSwap(waiting, abandoned) {
			return nil, context.Cause(ctx)
		}
		return <-ch, nil
	}
}

type inline struct{}

// Inline grants every request synchronously without admission control. Task
// bodies dispatched to it run on the caller's goroutine.
var Inline Dispatcher = inline{}

func (inline) Dispatch(grant Grant) error {
	grant(func() {})
	return nil
}

func (inline) String() string { return "Inline" }

// IsInline reports whether d runs work on the caller.
func IsInline(d Dispatcher) bool {
	_, ok := d.(inline)
	return ok
}
