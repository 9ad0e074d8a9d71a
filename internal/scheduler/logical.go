package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reaqtive/reaqtor-sub057/internal/eventbus"
	"github.com/reaqtive/reaqtor-sub057/internal/events"
	"github.com/reaqtive/reaqtor-sub057/internal/prioq"
	"github.com/reaqtive/reaqtor-sub057/internal/yield"
)

// State is the lifecycle state of a LogicalScheduler.
type State int

const (
	Running State = iota
	Paused
	Disposed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// LogicalScheduler is a node in a tree of schedulers sharing one
// PhysicalScheduler. It owns its queued work, its pause state and its
// counters; execution is delegated to the physical workers.
type LogicalScheduler struct {
	id       string
	phys     *PhysicalScheduler
	parent   *LogicalScheduler
	yield    *yield.Source
	handlers handlerList

	// Everything below is guarded by phys.mu.
	state    State
	children map[*LogicalScheduler]struct{}
	readyQ   *prioq.Queue[*WorkItem]
	timedQ   *prioq.Queue[*WorkItem]
	blocked  map[*WorkItem]struct{}

	readyHandle *prioq.Handle[*LogicalScheduler]
	timedHandle *prioq.Handle[*LogicalScheduler]

	inflight     int // tasks executing on this node or a descendant
	pauseWaiters []chan struct{}

	createdAt   time.Time
	disposedAt  time.Time
	pausedSince time.Time
	pausedTotal time.Duration
	executions  uint64
	timerTicks  uint64
}

// NewLogical returns a new root logical scheduler bound to p.
func NewLogical(p *PhysicalScheduler) (*LogicalScheduler, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: physical scheduler is nil", ErrInvalidArgument)
	}
	return newLogical(p, nil), nil
}

func newLogical(p *PhysicalScheduler, parent *LogicalScheduler) *LogicalScheduler {
	s := &LogicalScheduler{
		id:       uuid.NewString(),
		phys:     p,
		parent:   parent,
		yield:    yield.NewSource(),
		children: make(map[*LogicalScheduler]struct{}),
		blocked:  make(map[*WorkItem]struct{}),
	}
	s.readyQ, _ = prioq.New(compareReady)
	s.timedQ, _ = prioq.New(Compare)

	p.mu.Lock()
	defer p.mu.Unlock()
	s.createdAt = p.now()
	switch {
	case parent != nil && parent.state == Disposed:
		s.disposeLocked(s.createdAt, nil)
	case parent != nil:
		parent.children[s] = struct{}{}
		s.refreshYieldLocked()
	}
	return s
}

// ID returns the scheduler's unique id.
func (s *LogicalScheduler) ID() string { return s.id }

// Parent returns the parent scheduler, or nil for a root.
func (s *LogicalScheduler) Parent() *LogicalScheduler { return s.parent }

// Physical returns the physical scheduler this node runs on.
func (s *LogicalScheduler) Physical() *PhysicalScheduler { return s.phys }

// Now returns the shared clock's current time.
func (s *LogicalScheduler) Now() time.Time { return s.phys.now() }

// YieldToken returns the token tasks poll to learn that this node is pausing
// or being disposed.
func (s *LogicalScheduler) YieldToken() yield.Token { return s.yield.Token() }

// State returns the current lifecycle state.
func (s *LogicalScheduler) State() State {
	s.phys.mu.Lock()
	defer s.phys.mu.Unlock()
	return s.state
}

// CreateChildScheduler returns a new child of s. A child of a disposed node is
// created disposed.
func (s *LogicalScheduler) CreateChildScheduler() *LogicalScheduler {
	return newLogical(s.phys, s)
}

// Schedule queues task to run as soon as possible.
func (s *LogicalScheduler) Schedule(task Task) error {
	if task == nil {
		return fmt.Errorf("%w: task is nil", ErrInvalidArgument)
	}
	s.enqueue(task, s.Now(), false)
	return nil
}

// ScheduleAfter queues task to run once d has elapsed. A non-positive d is
// immediately due.
func (s *LogicalScheduler) ScheduleAfter(d time.Duration, task Task) error {
	if task == nil {
		return fmt.Errorf("%w: task is nil", ErrInvalidArgument)
	}
	now := s.Now()
	if d <= 0 {
		s.enqueue(task, now, false)
		return nil
	}
	s.enqueue(task, now.Add(d), true)
	return nil
}

// ScheduleAt queues task to run at t. A t in the past is immediately due.
func (s *LogicalScheduler) ScheduleAt(t time.Time, task Task) error {
	if task == nil {
		return fmt.Errorf("%w: task is nil", ErrInvalidArgument)
	}
	s.enqueue(task, t, t.After(s.Now()))
	return nil
}

func (s *LogicalScheduler) enqueue(task Task, due time.Time, timed bool) {
	prio := task.Priority()
	p := s.phys
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.state == Disposed || p.disposed {
		return
	}
	item := &WorkItem{scheduler: s, task: task, priority: prio, dueTime: due, seq: itemSeq.Add(1)}
	item.disposable = DisposableFunc(func() { s.cancel(item) })
	if timed {
		s.pushTimedLocked(item)
	} else {
		s.pushReadyLocked(item)
	}
	s.syncLocked()
}

// cancel is the disposal handle of every item created by enqueue. It detaches
// the item from whichever collection holds it.
func (s *LogicalScheduler) cancel(item *WorkItem) {
	p := s.phys
	p.mu.Lock()
	defer p.mu.Unlock()
	switch item.where {
	case locReady:
		s.readyQ.RemoveHandle(item.handle)
	case locTimed:
		s.timedQ.RemoveHandle(item.handle)
	case locBlocked:
		delete(s.blocked, item)
	}
	item.where, item.handle = locNone, nil
	s.syncLocked()
}

// PauseAsync stops dispatch of work owned by s and its descendants. The
// returned channel is closed once no task under s is executing.
func (s *LogicalScheduler) PauseAsync() <-chan struct{} {
	p := s.phys
	ch := make(chan struct{})

	p.mu.Lock()
	from := s.state
	if s.state == Running {
		s.state = Paused
		s.pausedSince = p.now()
		s.syncSubtreeLocked()
	}
	if s.state == Disposed || s.inflight == 0 {
		close(ch)
	} else {
		s.pauseWaiters = append(s.pauseWaiters, ch)
	}
	p.mu.Unlock()

	if from == Running {
		s.publishState(from, Paused)
	}
	return ch
}

// Continue resumes dispatch after PauseAsync.
func (s *LogicalScheduler) Continue() {
	p := s.phys
	p.mu.Lock()
	if s.state != Paused {
		p.mu.Unlock()
		return
	}
	s.state = Running
	s.pausedTotal += p.now().Sub(s.pausedSince)
	s.pausedSince = time.Time{}
	s.syncSubtreeLocked()
	p.work.Broadcast()
	p.mu.Unlock()

	s.publishState(Paused, Running)
}

// RecalculatePriority re-admits parked tasks under s whose IsRunnable now
// holds, re-reading their priority, and promotes timed work whose due time has
// passed.
func (s *LogicalScheduler) RecalculatePriority() {
	p := s.phys
	p.mu.Lock()
	if s.state == Disposed {
		p.mu.Unlock()
		return
	}
	now := p.now()
	var candidates []*WorkItem
	s.walkLocked(func(n *LogicalScheduler) {
		n.promoteLocked(now, false)
		for item := range n.blocked {
			candidates = append(candidates, item)
		}
	})
	p.mu.Unlock()

	// IsRunnable and Priority run unlocked; they are caller code.
	type admission struct {
		item *WorkItem
		prio int
	}
	var admit []admission
	for _, item := range candidates {
		if runnable(item.task) {
			admit = append(admit, admission{item: item, prio: item.task.Priority()})
		}
	}
	if len(admit) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now = p.now()
	for _, a := range admit {
		item, n := a.item, a.item.scheduler
		if item.where != locBlocked || n.state == Disposed {
			continue
		}
		delete(n.blocked, item)
		item.where = locNone
		item.priority = a.prio
		item.SetDueTime(now)
		n.pushReadyLocked(item)
		n.syncLocked()
	}
	p.work.Broadcast()
}

// CheckAccess reports whether the caller is a worker currently executing a
// task owned by s or one of its descendants.
func (s *LogicalScheduler) CheckAccess() bool {
	w := s.phys.currentWorker()
	if w == nil {
		return false
	}
	for n := w.current; n != nil; n = n.parent {
		if n == s {
			return true
		}
	}
	return false
}

// VerifyAccess returns ErrIllegalState when CheckAccess is false.
func (s *LogicalScheduler) VerifyAccess() error {
	if !s.CheckAccess() {
		return fmt.Errorf("%w: caller is not executing work of scheduler %s", ErrIllegalState, s.id)
	}
	return nil
}

// OnUnhandledError registers a handler for task failures raised by s or its
// descendants. Handlers run in registration order on the failing worker.
func (s *LogicalScheduler) OnUnhandledError(h UnhandledErrorHandler) (remove func()) {
	if h == nil {
		return func() {}
	}
	return s.handlers.add(h)
}

// raise bubbles err from s towards the physical scheduler, stopping after the
// first level whose handlers mark it handled.
func (s *LogicalScheduler) raise(err error) {
	eventbus.Publish(context.Background(), events.UnhandledError{SchedulerID: s.id, Err: err})
	ev := &UnhandledErrorEvent{Err: err, Scheduler: s}
	for n := s; n != nil; n = n.parent {
		if n.handlers.dispatch(ev) {
			return
		}
	}
	s.phys.unhandled(ev)
}

// Dispose cancels all work of s and its descendants and detaches s from its
// parent. Later calls do nothing.
func (s *LogicalScheduler) Dispose() {
	p := s.phys
	p.mu.Lock()
	from := s.state
	if from == Disposed {
		p.mu.Unlock()
		return
	}
	pending := s.disposeLocked(p.now(), nil)
	if s.parent != nil {
		delete(s.parent.children, s)
	}
	p.mu.Unlock()

	// Disposed nodes are out of both physical heaps, so the items stay inert
	// until their handles detach them.
	for _, item := range pending {
		item.Dispose()
	}
	s.publishState(from, Disposed)
}

// disposeLocked marks the subtree disposed and appends its queued and parked
// items to pending. The caller disposes them after releasing the lock.
func (s *LogicalScheduler) disposeLocked(now time.Time, pending []*WorkItem) []*WorkItem {
	for c := range s.children {
		if c.state != Disposed {
			pending = c.disposeLocked(now, pending)
		}
	}
	clear(s.children)

	if s.state == Paused {
		s.pausedTotal += now.Sub(s.pausedSince)
		s.pausedSince = time.Time{}
	}
	s.state = Disposed
	s.disposedAt = now
	s.yield.RequestYield()

	s.readyQ.Each(func(item *WorkItem) { pending = append(pending, item) })
	s.timedQ.Each(func(item *WorkItem) { pending = append(pending, item) })
	for item := range s.blocked {
		pending = append(pending, item)
	}
	s.syncLocked()

	for _, ch := range s.pauseWaiters {
		close(ch)
	}
	s.pauseWaiters = nil
	return pending
}

// QueryPerformanceCounters snapshots the counters of s, summed over its live
// descendants when includeChildren is set.
func (s *LogicalScheduler) QueryPerformanceCounters(includeChildren bool) PerformanceCounters {
	p := s.phys
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if !includeChildren {
		return s.countersLocked(now)
	}
	var total PerformanceCounters
	s.walkLocked(func(n *LogicalScheduler) {
		total = total.Add(n.countersLocked(now))
	})
	return total
}

func (s *LogicalScheduler) countersLocked(now time.Time) PerformanceCounters {
	end := now
	if s.state == Disposed {
		end = s.disposedAt
	}
	paused := s.pausedTotal
	if s.state == Paused {
		paused += end.Sub(s.pausedSince)
	}
	return PerformanceCounters{
		TaskExecutionCount: s.executions,
		TimerTickCount:     s.timerTicks,
		Uptime:             end.Sub(s.createdAt),
		PausedTime:         paused,
	}
}

func (s *LogicalScheduler) publishState(from, to State) {
	eventbus.Publish(context.Background(), events.StateChanged{
		SchedulerID: s.id,
		Root:        s.parent == nil,
		From:        from.String(),
		To:          to.String(),
	})
}

// The helpers below require phys.mu.

func (s *LogicalScheduler) readyHead() *WorkItem { return s.readyQ.PeekHandle().Value() }
func (s *LogicalScheduler) timedHead() *WorkItem { return s.timedQ.PeekHandle().Value() }

func (s *LogicalScheduler) pushReadyLocked(item *WorkItem) {
	item.where = locReady
	item.handle = s.readyQ.Enqueue(item)
}

func (s *LogicalScheduler) pushTimedLocked(item *WorkItem) {
	item.where = locTimed
	item.handle = s.timedQ.Enqueue(item)
}

// walkLocked visits s and its descendants, parents first.
func (s *LogicalScheduler) walkLocked(fn func(*LogicalScheduler)) {
	fn(s)
	for c := range s.children {
		c.walkLocked(fn)
	}
}

// haltedLocked reports whether dispatch under s is stopped by s or an ancestor.
func (s *LogicalScheduler) haltedLocked() bool {
	for n := s; n != nil; n = n.parent {
		if n.state != Running {
			return true
		}
	}
	return false
}

func (s *LogicalScheduler) refreshYieldLocked() {
	if s.haltedLocked() {
		s.yield.RequestYield()
	} else {
		s.yield.Reset()
	}
}

func (s *LogicalScheduler) syncSubtreeLocked() {
	s.walkLocked(func(n *LogicalScheduler) {
		n.refreshYieldLocked()
		n.syncLocked()
	})
}

// syncLocked reconciles the node's membership in the physical ready and timed
// heaps with its queues and state. It must run after every change to either
// queue head.
func (s *LogicalScheduler) syncLocked() {
	p := s.phys

	eligible := s.readyQ.Len() > 0 && !p.disposed && !s.haltedLocked()
	hasTimed := s.timedQ.Len() > 0 && s.state != Disposed
	switch {
	case eligible && s.readyHandle == nil:
		s.readyHandle = p.ready.Enqueue(s)
		p.work.Signal()
	case eligible:
		p.ready.Fix(s.readyHandle)
		p.work.Signal()
	case s.readyHandle != nil:
		p.ready.RemoveHandle(s.readyHandle)
		s.readyHandle = nil
	}

	switch {
	case hasTimed && s.timedHandle == nil:
		s.timedHandle = p.timed.Enqueue(s)
	case hasTimed:
		p.timed.Fix(s.timedHandle)
	case s.timedHandle != nil:
		p.timed.RemoveHandle(s.timedHandle)
		s.timedHandle = nil
	}
	p.rearmLocked()
}

// promoteLocked moves due timed items to the ready queue, stamping them with
// now. Promotion happens regardless of pause state.
func (s *LogicalScheduler) promoteLocked(now time.Time, tick bool) int {
	n := 0
	for s.timedQ.Len() > 0 && !s.timedHead().dueTime.After(now) {
		item, _ := s.timedQ.Dequeue()
		item.SetDueTime(now)
		s.pushReadyLocked(item)
		n++
	}
	if n > 0 {
		if tick {
			s.timerTicks++
		}
		s.syncLocked()
	}
	return n
}

// beginLocked marks one task of s as in flight on s and every ancestor.
func (s *LogicalScheduler) beginLocked() {
	for n := s; n != nil; n = n.parent {
		n.inflight++
	}
}

// finishLocked settles a dispatched item: it counts the execution, parks the
// item if it is not done, and releases pause waiters that were waiting on it.
func (s *LogicalScheduler) finishLocked(item *WorkItem, ran, done bool) {
	if ran {
		s.executions++
	}
	if !done && s.state != Disposed {
		item.where = locBlocked
		s.blocked[item] = struct{}{}
	}
	for n := s; n != nil; n = n.parent {
		n.inflight--
		if n.inflight == 0 {
			for _, ch := range n.pauseWaiters {
				close(ch)
			}
			n.pauseWaiters = nil
		}
	}
}
