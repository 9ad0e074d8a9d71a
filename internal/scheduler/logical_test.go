package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestNewLogical_RequiresPhysical(t *testing.T) {
	_, err := NewLogical(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	p := newPhysical(t, 1)
	s, err := NewLogical(p)
	require.NoError(t, err)
	require.Nil(t, s.Parent())
	require.Equal(t, Running, s.State())
	require.NotEmpty(t, s.ID())
	require.Same(t, p, s.Physical())
}

func TestSchedule_NilTask(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()
	require.ErrorIs(t, s.Schedule(nil), ErrInvalidArgument)
	require.ErrorIs(t, s.ScheduleAfter(time.Second, nil), ErrInvalidArgument)
	require.ErrorIs(t, s.ScheduleAt(time.Now(), nil), ErrInvalidArgument)
}

func TestSchedule_ImmediateTaskRunsOnce(t *testing.T) {
	p := newPhysical(t, 2)
	s := p.CreateChildScheduler().CreateChildScheduler()

	var runs atomic.Int32
	require.NoError(t, s.Schedule(TaskFunc(func(context.Context, Scheduler) error {
		runs.Add(1)
		return nil
	})))

	require.Eventually(t, func() bool { return executions(s) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, runs.Load())
	require.Zero(t, s.QueryPerformanceCounters(false).TimerTickCount)
}

func TestScheduleAfter_FiresAtDueTime(t *testing.T) {
	p := newPhysical(t, 2)
	s := p.CreateChildScheduler()

	fired := make(chan time.Time, 1)
	start := time.Now()
	require.NoError(t, s.ScheduleAfter(200*time.Millisecond, TaskFunc(func(context.Context, Scheduler) error {
		fired <- time.Now()
		return nil
	})))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, fired, "fired before its due time")

	select {
	case at := <-fired:
		require.GreaterOrEqual(t, at.Sub(start), 200*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("timed task did not fire")
	}
	require.Eventually(t, func() bool {
		c := s.QueryPerformanceCounters(false)
		return c.TaskExecutionCount == 1 && c.TimerTickCount == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSchedule_NegativeDelayIsImmediate(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()
	done := make(chan struct{}, 2)
	task := TaskFunc(func(context.Context, Scheduler) error {
		done <- struct{}{}
		return nil
	})
	require.NoError(t, s.ScheduleAfter(-time.Hour, task))
	require.NoError(t, s.ScheduleAt(time.Now().Add(-time.Hour), task))
	for range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("task did not run")
		}
	}
	require.Zero(t, s.QueryPerformanceCounters(false).TimerTickCount)
}

func TestSchedule_MillionTasksRunExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("schedules one million tasks")
	}
	const n = 1_000_000
	p := newPhysical(t, runtime.GOMAXPROCS(0))
	s := p.CreateChildScheduler()

	seen := make([]atomic.Bool, n)
	var total, dupes atomic.Int64
	for i := range n {
		require.NoError(t, s.Schedule(TaskFunc(func(context.Context, Scheduler) error {
			if seen[i].Swap(true) {
				dupes.Add(1)
			}
			total.Add(1)
			return nil
		})))
	}

	require.Eventually(t, func() bool { return total.Load() == n }, 2*time.Minute, 10*time.Millisecond)
	require.Zero(t, dupes.Load())
	require.Eventually(t, func() bool { return executions(s) == n }, 5*time.Second, 5*time.Millisecond)
}

func TestPause_MidFlightFreezesProgress(t *testing.T) {
	p := newPhysical(t, 4)
	s := p.CreateChildScheduler()

	var completed atomic.Int32
	for range 100 {
		require.NoError(t, s.Schedule(TaskFunc(func(context.Context, Scheduler) error {
			time.Sleep(10 * time.Millisecond)
			completed.Add(1)
			return nil
		})))
	}

	require.Eventually(t, func() bool { return completed.Load() >= 4 }, 5*time.Second, time.Millisecond)
	select {
	case <-s.PauseAsync():
	case <-time.After(5 * time.Second):
		t.Fatal("pause did not settle")
	}
	require.Equal(t, Paused, s.State())

	frozen := completed.Load()
	require.Greater(t, frozen, int32(0))
	require.Less(t, frozen, int32(100))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, frozen, completed.Load())

	s.Continue()
	require.Eventually(t, func() bool { return completed.Load() == 100 }, 10*time.Second, 5*time.Millisecond)
}

func TestPause_IdleCompletesImmediately(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()
	require.True(t, closed(s.PauseAsync()))
	require.True(t, closed(s.PauseAsync()), "pausing twice is allowed")
	s.Continue()
	s.Continue()
	require.Equal(t, Running, s.State())
}

func TestPause_WaitsForDescendantInFlight(t *testing.T) {
	p := newPhysical(t, 2)
	root := p.CreateChildScheduler()
	child := root.CreateChildScheduler()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, child.Schedule(TaskFunc(func(context.Context, Scheduler) error {
		close(started)
		<-release
		return nil
	})))
	<-started

	paused := root.PauseAsync()
	require.False(t, closed(paused))
	require.True(t, child.YieldToken().IsYieldRequested())

	close(release)
	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("pause did not complete after the task returned")
	}
}

func TestPause_QueuedWorkRunsAfterContinue(t *testing.T) {
	p := newPhysical(t, 2)
	root := p.CreateChildScheduler()
	child := root.CreateChildScheduler()
	<-root.PauseAsync()

	var ran atomic.Bool
	require.NoError(t, child.Schedule(TaskFunc(func(context.Context, Scheduler) error {
		ran.Store(true)
		return nil
	})))
	time.Sleep(50 * time.Millisecond)
	require.False(t, ran.Load())

	root.Continue()
	require.Eventually(t, ran.Load, 5*time.Second, 5*time.Millisecond)
	require.False(t, child.YieldToken().IsYieldRequested())
}

func TestYieldToken_FollowsSubtreeState(t *testing.T) {
	p := newPhysical(t, 1)
	root := p.CreateChildScheduler()
	child := root.CreateChildScheduler()
	require.NotEqual(t, root.YieldToken(), child.YieldToken())
	require.Equal(t, child.YieldToken(), child.YieldToken())

	<-root.PauseAsync()
	require.True(t, root.YieldToken().IsYieldRequested())
	require.True(t, child.YieldToken().IsYieldRequested())
	late := root.CreateChildScheduler()
	require.True(t, late.YieldToken().IsYieldRequested())

	<-child.PauseAsync()
	root.Continue()
	require.False(t, root.YieldToken().IsYieldRequested())
	require.False(t, late.YieldToken().IsYieldRequested())
	require.True(t, child.YieldToken().IsYieldRequested(), "child is still paused itself")

	child.Dispose()
	require.True(t, child.YieldToken().IsYieldRequested())
}

func TestDispose_CascadeCancelsFutureWork(t *testing.T) {
	p := newPhysical(t, 2)
	parent := p.CreateChildScheduler()
	grandchild := parent.CreateChildScheduler().CreateChildScheduler()

	var fired atomic.Bool
	require.NoError(t, grandchild.ScheduleAfter(100*time.Millisecond, TaskFunc(func(context.Context, Scheduler) error {
		fired.Store(true)
		return nil
	})))
	parent.Dispose()
	require.Equal(t, Disposed, grandchild.State())

	time.Sleep(250 * time.Millisecond)
	require.False(t, fired.Load())

	p.mu.Lock()
	require.Zero(t, p.timed.Len())
	require.Zero(t, p.ready.Len())
	p.mu.Unlock()
}

func TestDispose_CancelsItemsThroughTheirHandles(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()
	fillQueues(t, s)
	ready, timed, blocked := queued(s)

	s.Dispose()
	for _, items := range [][]*WorkItem{ready, timed, blocked} {
		require.True(t, items[0].Cancelled())
		require.Equal(t, locNone, items[0].where)
	}
	ready, timed, blocked = queued(s)
	require.Empty(t, ready)
	require.Empty(t, timed)
	require.Empty(t, blocked)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Zero(t, p.ready.Len())
	require.Zero(t, p.timed.Len())
	require.True(t, p.timerAt.IsZero())
}

func TestDispose_PausedAndParkedWorkNeverRuns(t *testing.T) {
	p := newPhysical(t, 1)
	root := p.CreateChildScheduler()
	child := root.CreateChildScheduler()
	runs := fillQueues(t, child)

	root.Dispose()
	child.Continue()
	root.Continue()
	child.RecalculatePriority()
	time.Sleep(100 * time.Millisecond)

	require.Zero(t, runs.Load())
	require.EqualValues(t, 1, executions(child))
}

func TestWorkItem_DisposeDetachesQueuedItem(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()
	runs := fillQueues(t, s)
	ready, timed, blocked := queued(s)

	ready[0].Dispose()
	timed[0].Dispose()
	blocked[0].Dispose()
	r, tm, b := queued(s)
	require.Empty(t, r)
	require.Empty(t, tm)
	require.Empty(t, b)

	p.mu.Lock()
	require.Nil(t, s.readyHandle)
	require.Nil(t, s.timedHandle)
	require.True(t, p.timerAt.IsZero())
	p.mu.Unlock()

	s.Continue()
	s.RecalculatePriority()
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, runs.Load())

	require.NoError(t, s.Schedule(TaskFunc(func(context.Context, Scheduler) error { return nil })))
	require.Eventually(t, func() bool { return executions(s) == 2 }, 5*time.Second, time.Millisecond)
}

func TestDispose_SchedulingIsInert(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()
	s.Dispose()
	s.Dispose()

	var ran atomic.Bool
	task := TaskFunc(func(context.Context, Scheduler) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, s.Schedule(task))
	require.NoError(t, s.ScheduleAfter(time.Millisecond, task))
	require.True(t, closed(s.PauseAsync()))

	child := s.CreateChildScheduler()
	require.Equal(t, Disposed, child.State())
	require.NoError(t, child.Schedule(task))

	time.Sleep(50 * time.Millisecond)
	require.False(t, ran.Load())
}

func TestDispose_DetachesFromParent(t *testing.T) {
	clock := newFakeClock()
	p := newPhysical(t, 1, WithClock(clock.Now))
	root := p.CreateChildScheduler()
	child := root.CreateChildScheduler()

	clock.Advance(time.Second)
	require.Equal(t, 2*time.Second, root.QueryPerformanceCounters(true).Uptime)
	child.Dispose()
	require.Equal(t, time.Second, root.QueryPerformanceCounters(true).Uptime)
}

func TestUnhandledError_BubblesToRoot(t *testing.T) {
	fatal := make(chan error, 1)
	p := newPhysical(t, 1, WithFatalHandler(func(err error) { fatal <- err }))
	root := p.CreateChildScheduler()
	mid := root.CreateChildScheduler()
	leaf := mid.CreateChildScheduler()

	var mu sync.Mutex
	var order []string
	record := func(name string) UnhandledErrorHandler {
		return func(*UnhandledErrorEvent) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	leaf.OnUnhandledError(record("leaf"))
	mid.OnUnhandledError(record("mid-1"))
	mid.OnUnhandledError(record("mid-2"))
	root.OnUnhandledError(record("root"))
	p.OnUnhandledError(record("physical"))

	boom := errors.New("boom")
	require.NoError(t, leaf.Schedule(TaskFunc(func(context.Context, Scheduler) error { return boom })))

	select {
	case err := <-fatal:
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("error never reached the fatal handler")
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"leaf", "mid-1", "mid-2", "root", "physical"}, order); diff != "" {
		t.Fatalf("bubbling order mismatch (-want +got):\n%s", diff)
	}
}

func TestUnhandledError_StopsAtFirstHandlingLevel(t *testing.T) {
	p := newPhysical(t, 1, WithFatalHandler(func(err error) { t.Errorf("unexpected fatal: %v", err) }))
	root := p.CreateChildScheduler()
	mid := root.CreateChildScheduler()
	leaf := mid.CreateChildScheduler()

	var mu sync.Mutex
	var order []string
	handled := make(chan struct{})
	record := func(name string, handle bool) UnhandledErrorHandler {
		return func(ev *UnhandledErrorEvent) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if handle {
				ev.Handled = true
			}
		}
	}
	leaf.OnUnhandledError(record("leaf", false))
	mid.OnUnhandledError(record("mid-1", true))
	mid.OnUnhandledError(record("mid-2", false))
	root.OnUnhandledError(record("root", false))
	removed := root.OnUnhandledError(record("removed", false))
	removed()

	require.NoError(t, leaf.Schedule(TaskFunc(func(context.Context, Scheduler) error { return errors.New("boom") })))
	require.NoError(t, leaf.Schedule(TaskFunc(func(context.Context, Scheduler) error {
		close(handled)
		return nil
	})))
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("follow-up task did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"leaf", "mid-1", "mid-2"}, order)
}

func TestCheckAccess_CoversAncestors(t *testing.T) {
	p := newPhysical(t, 2)
	root := p.CreateChildScheduler()
	child := root.CreateChildScheduler()
	sibling := root.CreateChildScheduler()

	require.False(t, root.CheckAccess())
	require.ErrorIs(t, root.VerifyAccess(), ErrIllegalState)

	type result struct{ root, child, sibling, physical bool }
	got := make(chan result, 1)
	require.NoError(t, child.Schedule(TaskFunc(func(context.Context, Scheduler) error {
		got <- result{root.CheckAccess(), child.CheckAccess(), sibling.CheckAccess(), p.CheckAccess()}
		return nil
	})))
	select {
	case r := <-got:
		require.Equal(t, result{root: true, child: true, sibling: false, physical: true}, r)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestSingleWorker_PriorityOrdersReadmittedTasks(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()

	var mu sync.Mutex
	var order []string
	longRunning := func(name string, prio int) Task {
		return &fnTask{prio: prio, exec: func(context.Context, Scheduler) (bool, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return false, nil
		}}
	}
	require.NoError(t, s.Schedule(longRunning("low", 5)))
	require.NoError(t, s.Schedule(longRunning("high", 1)))
	require.Eventually(t, func() bool { return executions(s) == 2 }, 5*time.Second, time.Millisecond)

	mu.Lock()
	order = nil
	mu.Unlock()

	s.RecalculatePriority()
	require.Eventually(t, func() bool { return executions(s) == 4 }, 5*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, order)
}

func TestSingleWorker_PriorityBeatsArrivalOrder(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Schedule(TaskFunc(func(context.Context, Scheduler) error {
		close(started)
		<-release
		return nil
	})))
	<-started

	var mu sync.Mutex
	var order []string
	longRunning := func(name string, prio int) Task {
		return &fnTask{prio: prio, exec: func(context.Context, Scheduler) (bool, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return false, nil
		}}
	}
	require.NoError(t, s.ScheduleAt(time.Now().Add(-time.Hour), longRunning("overdue", 9)))
	require.NoError(t, s.Schedule(longRunning("low", 5)))
	require.NoError(t, s.Schedule(longRunning("high", 1)))
	close(release)

	require.Eventually(t, func() bool { return executions(s) == 4 }, 5*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low", "overdue"}, order)
}

func TestRecalculatePriority_RereadsPriority(t *testing.T) {
	p := newPhysical(t, 1)
	s := p.CreateChildScheduler()

	var mu sync.Mutex
	var order []string
	newTask := func(name string, prio int) *fnTask {
		return &fnTask{prio: prio, exec: func(context.Context, Scheduler) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return len(order) > 2, nil
		}}
	}
	a, b := newTask("a", 1), newTask("b", 2)
	require.NoError(t, s.Schedule(a))
	require.NoError(t, s.Schedule(b))
	require.Eventually(t, func() bool { return executions(s) == 2 }, 5*time.Second, time.Millisecond)

	// Priority is read on this goroutine only, by Schedule and RecalculatePriority.
	a.prio, b.prio = 9, 0
	s.RecalculatePriority()
	require.Eventually(t, func() bool { return executions(s) == 4 }, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "b", "a"}, order)
}

func TestRecalculatePriority_ReadmitsRunnableTasks(t *testing.T) {
	p := newPhysical(t, 1)
	root := p.CreateChildScheduler()
	child := root.CreateChildScheduler()

	var ready atomic.Bool
	var offered atomic.Int32
	task := &fnTask{runnable: func() bool {
		offered.Add(1)
		return ready.Load()
	}}
	require.NoError(t, child.Schedule(task))

	require.Eventually(t, func() bool { return offered.Load() >= 1 }, 5*time.Second, time.Millisecond)
	root.RecalculatePriority()
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, executions(child))

	ready.Store(true)
	require.Eventually(t, func() bool {
		root.RecalculatePriority()
		return executions(child) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRecalculatePriority_PromotesElapsedTimedWork(t *testing.T) {
	clock := newFakeClock()
	p := newPhysical(t, 1, WithClock(clock.Now))
	s := p.CreateChildScheduler()

	var ran atomic.Bool
	require.NoError(t, s.ScheduleAfter(time.Hour, TaskFunc(func(context.Context, Scheduler) error {
		ran.Store(true)
		return nil
	})))
	s.RecalculatePriority()
	time.Sleep(20 * time.Millisecond)
	require.False(t, ran.Load())

	clock.Advance(2 * time.Hour)
	s.RecalculatePriority()
	require.Eventually(t, ran.Load, 5*time.Second, time.Millisecond)
	require.Zero(t, s.QueryPerformanceCounters(false).TimerTickCount)
}

func TestQueryPerformanceCounters_PausedTimeAndUptime(t *testing.T) {
	clock := newFakeClock()
	p := newPhysical(t, 1, WithClock(clock.Now))
	root := p.CreateChildScheduler()
	child := root.CreateChildScheduler()

	<-root.PauseAsync()
	clock.Advance(5 * time.Second)
	require.Equal(t, 5*time.Second, root.QueryPerformanceCounters(false).PausedTime)
	require.Zero(t, child.QueryPerformanceCounters(false).PausedTime)

	root.Continue()
	clock.Advance(3 * time.Second)
	got := root.QueryPerformanceCounters(false)
	require.Equal(t, PerformanceCounters{Uptime: 8 * time.Second, PausedTime: 5 * time.Second}, got)

	all := root.QueryPerformanceCounters(true)
	require.Equal(t, got.Add(child.QueryPerformanceCounters(false)), all)

	root.Dispose()
	clock.Advance(time.Hour)
	require.Equal(t, got, root.QueryPerformanceCounters(false))
}
