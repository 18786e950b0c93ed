package dispatch

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/eapache/queue"
)

// lane is a FIFO admission counter: at most size grants are outstanding,
// further requests wait in submission order.
type lane struct {
	mu      sync.Mutex
	size    int
	running int
	waiting *queue.Queue
	closed  bool
}

func newLane(size int) *lane {
	if size <= 0 {
		size = 1
	}
	return &lane{size: size, waiting: queue.New()}
}

func (l *lane) dispatch(grant Grant) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.running < l.size && l.waiting.Length() == 0 {
		l.running++
		l.mu.Unlock()
		grant(l.releaser())
		return nil
	}
	l.waiting.Add(grant)
	l.mu.Unlock()
	return nil
}

// releaser returns a release func that is safe to call more than once.
func (l *lane) releaser() func() {
	var once sync.Once
	return func() { once.Do(l.release) }
}

func (l *lane) release() {
	l.mu.Lock()
	if l.waiting.Length() > 0 {
		next := l.waiting.Remove().(Grant)
		l.mu.Unlock()
		// the slot passes straight to the next waiter
		next(l.releaser())
		return
	}
	l.running--
	l.mu.Unlock()
}

func (l *lane) stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Size: l.size, Running: l.running, Queued: l.waiting.Length()}
}

// Stats is a point-in-time view of a pool's occupancy.
type Stats struct {
	Size    int
	Running int
	Queued  int
}

// Pool is a named set of execution slots shared by every task dispatched to it.
type Pool struct {
	name string
	*lane
}

// NewPool returns a pool with n slots. n <= 0 is treated as 1.
func NewPool(name string, n int) *Pool {
	return &Pool{name: name, lane: newLane(n)}
}

// NewSingle returns a pool with exactly one slot. Tasks dispatched to it run
// one at a time in submission order, so state touched only from those tasks
// needs no further synchronisation: each slot hand-off orders the previous
// holder's writes before the next holder's reads.
//
// The lane confines execution, not goroutines or OS threads. Successive tasks,
// and one task before and after a suspension point, may run on different
// goroutines; code that needs a fixed OS thread (thread-local C state, UI
// loops) must lock one itself with runtime.LockOSThread.
func NewSingle(name string) *Pool { return NewPool(name, 1) }

// Dispatch implements Dispatcher.
func (p *Pool) Dispatch(grant Grant) error { return p.dispatch(grant) }

// Stats reports current occupancy.
func (p *Pool) Stats() Stats { return p.stats() }

// Close rejects further submissions. Waiters already queued are still served.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Limited returns an independent limited-parallelism view of p.
func (p *Pool) Limited(n int) Dispatcher { return Limited(p, n) }

func (p *Pool) String() string { return fmt.Sprintf("%s[%d]", p.name, p.size) }

// DefaultParallelism is the slot count of the Default pool when no
// configuration overrides it.
func DefaultParallelism() int { return max(2, runtime.GOMAXPROCS(0)) }

// IOParallelism is the slot ceiling of the IO pool when no configuration
// overrides it.
func IOParallelism() int { return max(64, runtime.NumCPU()) }
