package scheduler

import (
	"time"

	"github.com/reaqtive/reaqtor-sub057/internal/yield"
)

// Scheduler is the view of a LogicalScheduler handed to executing tasks.
type Scheduler interface {
	Now() time.Time
	CreateChildScheduler() *LogicalScheduler
	Schedule(task Task) error
	ScheduleAfter(d time.Duration, task Task) error
	ScheduleAt(t time.Time, task Task) error
	PauseAsync() <-chan struct{}
	Continue()
	RecalculatePriority()
	CheckAccess() bool
	VerifyAccess() error
	Dispose()
	OnUnhandledError(h UnhandledErrorHandler) (remove func())
	QueryPerformanceCounters(includeChildren bool) PerformanceCounters
	YieldToken() yield.Token
}

var _ Scheduler = (*LogicalScheduler)(nil)
