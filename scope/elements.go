package scope

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/NetPo4ki/go-jobtree/dispatch"
)

// Key identifies one slot of an Elements bag. Keys compare by identity.
type Key struct{ name string }

// NewKey returns a fresh key. Two calls with the same name yield distinct keys.
func NewKey(name string) *Key { return &Key{name: name} }

func (k *Key) String() string { return k.name }

// Built-in keys.
var (
	JobKey        = NewKey("Job")
	DispatcherKey = NewKey("Dispatcher")
	NameKey       = NewKey("Name")
	HandlerKey    = NewKey("ExceptionHandler")
	ObserverKey   = NewKey("Observer")
	LoggerKey     = NewKey("Logger")
)

// Element is one value of an Elements bag. Implementations must be
// comparable for Elements.Equal to be meaningful.
type Element interface {
	Key() *Key
}

// Elements is an immutable bag of elements, at most one per key. The zero
// value is empty and ready to use.
type Elements struct {
	m map[*Key]Element
}

// NewElements builds a bag from elems; later elements win on equal keys.
func NewElements(elems ...Element) Elements {
	return Elements{}.With(elems...)
}

// Get returns the element stored under k.
func (e Elements) Get(k *Key) (Element, bool) {
	el, ok := e.m[k]
	return el, ok
}

// Plus returns a bag holding every element of e and o; o wins on equal keys.
func (e Elements) Plus(o Elements) Elements {
	if len(o.m) == 0 {
		return e
	}
	if len(e.m) == 0 {
		return o
	}
	m := maps.Clone(e.m)
	maps.Copy(m, o.m)
	return Elements{m: m}
}

// With returns e plus elems.
func (e Elements) With(elems ...Element) Elements {
	if len(elems) == 0 {
		return e
	}
	m := make(map[*Key]Element, len(e.m)+len(elems))
	maps.Copy(m, e.m)
	for _, el := range elems {
		if el != nil {
			m[el.Key()] = el
		}
	}
	return Elements{m: m}
}

// Minus returns e without the element stored under k.
func (e Elements) Minus(k *Key) Elements {
	if _, ok := e.m[k]; !ok {
		return e
	}
	m := maps.Clone(e.m)
	delete(m, k)
	return Elements{m: m}
}

// Len returns the number of elements.
func (e Elements) Len() int { return len(e.m) }

// All iterates over the key/element pairs in no particular order.
func (e Elements) All() iter.Seq2[*Key, Element] { return maps.All(e.m) }

// Equal reports whether e and o hold the same elements under the same keys.
func (e Elements) Equal(o Elements) bool {
	if len(e.m) != len(o.m) {
		return false
	}
	for k, a := range e.m {
		b, ok := o.m[k]
		if !ok || !sameElement(a, b) {
			return false
		}
	}
	return true
}

func sameElement(a, b Element) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

func (e Elements) String() string {
	keys := slices.SortedFunc(maps.Keys(e.m), func(a, b *Key) int {
		return strings.Compare(a.name, b.name)
	})
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k.name, e.m[k]))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Job returns the job element, or nil.
func (e Elements) Job() *Job {
	j, _ := e.m[JobKey].(*Job)
	return j
}

// Dispatcher returns the dispatcher element, or nil.
func (e Elements) Dispatcher() dispatch.Dispatcher {
	d, _ := e.m[DispatcherKey].(dispatcherElement)
	return d.d
}

// Name returns the display name, or "".
func (e Elements) Name() string {
	n, _ := e.m[NameKey].(Name)
	return string(n)
}

// Handler returns the exception handler, or nil.
func (e Elements) Handler() *ExceptionHandler {
	h, _ := e.m[HandlerKey].(*ExceptionHandler)
	return h
}

// Observer returns the installed observer, or nil.
func (e Elements) Observer() Observer {
	o, _ := e.m[ObserverKey].(observerElement)
	return o.obs
}

// Logger returns the installed logger, falling back to slog.Default.
func (e Elements) Logger() *slog.Logger {
	if l, ok := e.m[LoggerKey].(loggerElement); ok && l.l != nil {
		return l.l
	}
	return slog.Default()
}

// Name is the display name of a job, inherited by its children unless
// overridden.
type Name string

func (Name) Key() *Key { return NameKey }

type dispatcherElement struct{ d dispatch.Dispatcher }

func (dispatcherElement) Key() *Key { return DispatcherKey }

func (d dispatcherElement) String() string { return fmt.Sprint(d.d) }

// On selects the dispatcher that task bodies run on.
func On(d dispatch.Dispatcher) Element { return dispatcherElement{d: d} }

// ExceptionHandler receives failures that reach the root of a job tree
// without being observed. It is never called for cancellation signals.
type ExceptionHandler struct {
	fn func(ctx context.Context, err error)
}

// Handle returns an exception handler element calling fn.
func Handle(fn func(ctx context.Context, err error)) *ExceptionHandler {
	return &ExceptionHandler{fn: fn}
}

func (*ExceptionHandler) Key() *Key { return HandlerKey }

type observerElement struct{ obs Observer }

func (observerElement) Key() *Key { return ObserverKey }

// Observe installs obs for the job and every descendant.
func Observe(obs Observer) Element { return observerElement{obs: obs} }

type loggerElement struct{ l *slog.Logger }

func (loggerElement) Key() *Key { return LoggerKey }

// Log installs the logger used for unhandled failures.
func Log(l *slog.Logger) Element { return loggerElement{l: l} }

type elementsKey struct{}

// ElementsOf returns the elements carried by ctx.
func ElementsOf(ctx context.Context) Elements {
	e, _ := ctx.Value(elementsKey{}).(Elements)
	return e
}

// JobOf returns the job carried by ctx, or nil.
func JobOf(ctx context.Context) *Job { return ElementsOf(ctx).Job() }

// NewContext returns a copy of ctx carrying ElementsOf(ctx) plus elems. It
// does not tie ctx to the cancellation of a Job element it installs.
func NewContext(ctx context.Context, elems ...Element) context.Context {
	return withElements(ctx, ElementsOf(ctx).With(elems...))
}

func withElements(ctx context.Context, e Elements) context.Context {
	return context.WithValue(ctx, elementsKey{}, e)
}
