// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics on top of a fail-fast scope. Tasks started through a Group are
// ordinary jobs: they run on the scope's dispatcher, show up in its job tree
// and are cancelled with it.
package errgroup

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/NetPo4ki/go-jobtree/dispatch"
	"github.com/NetPo4ki/go-jobtree/scope"
)

// Group is an errgroup-like wrapper over scope.Scope (FailFast). The zero
// value is usable and not tied to any context.
type Group struct {
	once sync.Once
	s    *scope.Scope
	ctx  context.Context

	limit  dispatch.Dispatcher
	max    int
	active atomic.Int64

	errOnce sync.Once
	err     error
}

// WithContext creates a Group bound to ctx. Returned context is canceled when
// any function passed to Go returns a non-nil error or once Wait returns.
func WithContext(ctx context.Context) (*Group, context.Context) {
	g := &Group{}
	g.init(ctx)
	return g, g.ctx
}

func (g *Group) init(ctx context.Context) {
	g.once.Do(func() {
		g.s = scope.New(ctx, scope.FailFast)
		g.ctx = g.s.Context()
	})
}

// SetLimit bounds the number of functions running at once to n. A negative
// n removes the bound. Functions over the limit queue in the order Go was
// called instead of blocking the caller.
func (g *Group) SetLimit(n int) {
	g.init(context.Background())
	if n < 0 {
		g.limit, g.max = nil, 0
		return
	}
	base := scope.ElementsOf(g.ctx).Dispatcher()
	if base == nil {
		base = dispatch.Default()
	}
	g.limit, g.max = dispatch.Limited(base, n), n
}

// Go starts a function. It should return a non-nil error to signal failure.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	g.init(context.Background())
	g.active.Add(1)
	g.start(f)
}

// TryGo starts f only if the group is below its limit, reporting whether it
// did.
func (g *Group) TryGo(f func() error) bool {
	g.init(context.Background())
	for g.limit != nil {
		n := g.active.Load()
		if n >= int64(g.max) {
			return false
		}
		if g.active.CompareAndSwap(n, n+1) {
			break
		}
	}
	if g.limit == nil {
		g.active.Add(1)
	}
	if f == nil {
		g.active.Add(-1)
		return true
	}
	g.start(f)
	return true
}

func (g *Group) start(f func() error) {
	var opts []scope.Option
	if g.limit != nil {
		opts = append(opts, scope.With(scope.On(g.limit)))
	}
	j := g.s.Go(func(context.Context) error {
		err := f()
		if err != nil {
			// recorded whatever its kind, a returned ctx.Err() included
			g.errOnce.Do(func() {
				g.err = err
				g.s.Cancel(err)
			})
		}
		return err
	}, opts...)
	j.OnCompletion(func(error) { g.active.Add(-1) })
}

// Wait blocks until all functions have returned. It returns the first non-nil
// error returned by one of them, or nil.
func (g *Group) Wait() error {
	g.init(context.Background())
	_ = g.s.Wait()
	return g.err
}
