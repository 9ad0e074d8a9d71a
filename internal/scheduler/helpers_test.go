package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fnTask is a configurable Task for tests.
type fnTask struct {
	prio     int
	runnable func() bool
	exec     func(ctx context.Context, s Scheduler) (bool, error)
}

func (t *fnTask) Priority() int { return t.prio }

func (t *fnTask) IsRunnable() bool {
	if t.runnable == nil {
		return true
	}
	return t.runnable()
}

func (t *fnTask) Execute(ctx context.Context, s Scheduler) (bool, error) {
	if t.exec == nil {
		return true, nil
	}
	return t.exec(ctx, s)
}

func newPhysical(t *testing.T, workers int, opts ...Option) *PhysicalScheduler {
	t.Helper()
	p, err := NewPhysical(workers, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Dispose)
	return p
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func executions(s *LogicalScheduler) uint64 {
	return s.QueryPerformanceCounters(false).TaskExecutionCount
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// queued snapshots the items s holds in its ready queue, timed queue and
// parked set.
func queued(s *LogicalScheduler) (ready, timed, blocked []*WorkItem) {
	s.phys.mu.Lock()
	defer s.phys.mu.Unlock()
	s.readyQ.Each(func(item *WorkItem) { ready = append(ready, item) })
	s.timedQ.Each(func(item *WorkItem) { timed = append(timed, item) })
	for item := range s.blocked {
		blocked = append(blocked, item)
	}
	return ready, timed, blocked
}

// fillQueues leaves one parked long-running item, one ready item and one
// timed item on s, with s paused. It returns a counter of executions of any
// of them after the parked one's first run.
func fillQueues(t *testing.T, s *LogicalScheduler) *atomic.Int32 {
	t.Helper()
	var runs atomic.Int32
	require.NoError(t, s.Schedule(&fnTask{exec: func(context.Context, Scheduler) (bool, error) {
		runs.Add(1)
		return false, nil
	}}))
	require.Eventually(t, func() bool { return executions(s) == 1 }, 5*time.Second, time.Millisecond)
	<-s.PauseAsync()

	task := TaskFunc(func(context.Context, Scheduler) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.Schedule(task))
	require.NoError(t, s.ScheduleAfter(time.Hour, task))
	runs.Store(0)

	ready, timed, blocked := queued(s)
	require.Len(t, ready, 1)
	require.Len(t, timed, 1)
	require.Len(t, blocked, 1)
	return &runs
}
