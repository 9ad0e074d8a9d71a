package scheduler

import (
	"cmp"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reaqtive/reaqtor-sub057/internal/prioq"
)

var itemSeq atomic.Uint64

type location uint8

const (
	locNone location = iota
	locReady
	locTimed
	locBlocked
)

// WorkItem binds a task to its owning scheduler, a due time and a disposal
// handle.
type WorkItem struct {
	scheduler  *LogicalScheduler
	task       Task
	priority   int
	dueTime    time.Time
	disposable Disposable
	seq        uint64

	// guarded by the physical scheduler's lock
	where  location
	handle *prioq.Handle[*WorkItem]

	cancelled atomic.Bool
	once      sync.Once
}

// NewWorkItem creates a work item. All of s, task and d are required.
func NewWorkItem(s *LogicalScheduler, task Task, due time.Time, d Disposable) (*WorkItem, error) {
	switch {
	case s == nil:
		return nil, fmt.Errorf("%w: scheduler is nil", ErrInvalidArgument)
	case task == nil:
		return nil, fmt.Errorf("%w: task is nil", ErrInvalidArgument)
	case d == nil:
		return nil, fmt.Errorf("%w: disposable is nil", ErrInvalidArgument)
	}
	return &WorkItem{
		scheduler:  s,
		task:       task,
		priority:   task.Priority(),
		dueTime:    due,
		disposable: d,
		seq:        itemSeq.Add(1),
	}, nil
}

// Scheduler returns the owning logical scheduler.
func (w *WorkItem) Scheduler() *LogicalScheduler { return w.scheduler }

// Task returns the wrapped task.
func (w *WorkItem) Task() Task { return w.task }

// Priority returns the task's priority as read when the item was created or
// last re-admitted by RecalculatePriority.
func (w *WorkItem) Priority() int { return w.priority }

// DueTime returns the time at which the item becomes eligible.
func (w *WorkItem) DueTime() time.Time { return w.dueTime }

// SetDueTime changes the due time. Items already queued must be re-keyed by
// their owner; the scheduler only calls this while the item is detached.
func (w *WorkItem) SetDueTime(t time.Time) { w.dueTime = t }

// Cancelled reports whether the item was disposed.
func (w *WorkItem) Cancelled() bool { return w.cancelled.Load() }

// Dispose cancels the item through its disposal handle. Later calls do nothing.
func (w *WorkItem) Dispose() {
	w.once.Do(func() {
		w.cancelled.Store(true)
		w.disposable.Dispose()
	})
}

// Compare orders work items by due time, then priority, then creation order.
func Compare(a, b *WorkItem) int {
	if c := a.dueTime.Compare(b.dueTime); c != 0 {
		return c
	}
	return compareReady(a, b)
}

// compareReady orders items that are already due: priority, then creation
// order. Due time plays no part once an item is eligible.
func compareReady(a, b *WorkItem) int {
	if c := cmp.Compare(a.priority, b.priority); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}
