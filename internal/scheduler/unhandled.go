package scheduler

import "sync"

// UnhandledErrorEvent describes a task failure travelling up the scheduler
// tree. A handler sets Handled to stop propagation after the current level.
type UnhandledErrorEvent struct {
	Err error
	// Scheduler is the node whose task failed.
	Scheduler *LogicalScheduler
	Handled   bool
}

// UnhandledErrorHandler observes task failures.
type UnhandledErrorHandler func(*UnhandledErrorEvent)

type handlerEntry struct {
	id uint64
	fn UnhandledErrorHandler
}

// handlerList is an ordered, copy-on-write list of handlers.
type handlerList struct {
	mu      sync.Mutex
	next    uint64
	entries []handlerEntry
}

func (l *handlerList) add(fn UnhandledErrorHandler) (remove func()) {
	l.mu.Lock()
	l.next++
	id := l.next
	l.entries = append(l.entries[:len(l.entries):len(l.entries)], handlerEntry{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.entries {
				if e.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *handlerList) snapshot() []handlerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// dispatch runs every handler in registration order and reports whether any of
// them marked the event handled.
func (l *handlerList) dispatch(ev *UnhandledErrorEvent) bool {
	for _, e := range l.snapshot() {
		e.fn(ev)
	}
	return ev.Handled
}
