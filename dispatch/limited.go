package dispatch

import "fmt"

type limited struct {
	base Dispatcher
	*lane
}

// Limited wraps base with its own admission limit of n concurrently running
// tasks. Slots still come from base; two views over the same base keep
// separate counts.
func Limited(base Dispatcher, n int) Dispatcher {
	return &limited{base: base, lane: newLane(n)}
}

func (l *limited) Dispatch(grant Grant) error {
	return l.dispatch(func(own func()) {
		err := l.base.Dispatch(func(rel func()) {
			grant(func() {
				rel()
				own()
			})
		})
		if err != nil {
			// the base rejected the request; run on the view's slot alone
			grant(own)
		}
	})
}

func (l *limited) String() string {
	return fmt.Sprintf("%v.limited(%d)", l.base, l.size)
}
