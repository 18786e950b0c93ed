// Package scope provides structured-concurrency primitives for Go.
//
// Every task runs as a Job in a tree. A job completes only after its own
// body and all of its children have terminated, cancellation flows from a
// job to all of its descendants, and a failed task cancels its parent unless
// the parent supervises. Scopes (Run, Supervise, WithContext, WithTimeout,
// New) own the tasks started in them and do not return before those tasks
// are done.
//
// The tree travels in a context.Context as an immutable bag of Elements: the
// current Job, the Dispatcher bodies run on, a debug Name, an
// ExceptionHandler, an Observer and a logger. Launch and Async start
// children of the job found in ctx:
//
//	err := scope.Run(ctx, func(ctx context.Context) error {
//		a, _ := scope.Async(ctx, fetchA)
//		b, _ := scope.Async(ctx, fetchB)
//		va, err := a.Await(ctx)
//		if err != nil {
//			return err
//		}
//		vb, err := b.Await(ctx)
//		if err != nil {
//			return err
//		}
//		return use(va, vb)
//	})
//
// Bodies take a slot on their dispatcher while they run and give it back at
// suspension points: Delay, Yield, Join, Await, Suspend and the scope
// builders. Cancellation is cooperative and is observed at those points or
// through ctx.Done.
package scope
