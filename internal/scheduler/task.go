package scheduler

import "context"

// Task is a unit of work submitted to a LogicalScheduler.
//
// Priority orders tasks that are due at the same time; lower values run first.
// IsRunnable gates dispatch: a task found not runnable when offered is parked
// until RecalculatePriority re-admits it. IsRunnable must not call back into the
// scheduler.
//
// Execute runs the task on a worker goroutine. Returning done=true discards the
// task. Returning done=false keeps it pending as a long-running task that is
// reconsidered only after RecalculatePriority. A non-nil error (or a panic)
// discards the task and is raised through the unhandled-error chain.
type Task interface {
	Priority() int
	IsRunnable() bool
	Execute(ctx context.Context, s Scheduler) (done bool, err error)
}

// TaskFunc adapts a function into a one-shot, always-runnable task of
// priority 0.
type TaskFunc func(ctx context.Context, s Scheduler) error

func (f TaskFunc) Priority() int    { return 0 }
func (f TaskFunc) IsRunnable() bool { return true }

func (f TaskFunc) Execute(ctx context.Context, s Scheduler) (bool, error) {
	return true, f(ctx, s)
}

// Disposable releases a resource. Dispose must be safe to call more than once.
type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a function into a Disposable.
type DisposableFunc func()

func (f DisposableFunc) Dispose() { f() }
