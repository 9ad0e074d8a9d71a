package events

import "time"

// TaskStart is emitted by a worker right before a task's Execute runs.
// The context carries the dispatch id (see execid).
type TaskStart struct {
	SchedulerID string
	Priority    int
	DueTime     time.Time
}

// TaskFinish is emitted after Execute returns or panics.
type TaskFinish struct {
	SchedulerID string
	Priority    int
	Done        bool
	Err         error
	Duration    time.Duration
}

// TimerTick is emitted when the shared timer fires and promotes timed work.
type TimerTick struct {
	Promoted int
	Next     time.Time // zero when nothing remains timed
}

// StateChanged is emitted when a logical scheduler is paused, continued or
// disposed.
type StateChanged struct {
	SchedulerID string
	Root        bool
	From        string
	To          string
}

// UnhandledError is emitted once per task failure, before bubbling starts.
type UnhandledError struct {
	SchedulerID string
	Err         error
}
