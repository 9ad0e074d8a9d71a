package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/reaqtive/reaqtor-sub057/internal/eventbus"
	"github.com/reaqtive/reaqtor-sub057/internal/events"
	"github.com/reaqtive/reaqtor-sub057/internal/execid"
	"github.com/reaqtive/reaqtor-sub057/internal/logging"
	"github.com/reaqtive/reaqtor-sub057/internal/prioq"
)

// MaxTimerDelay is the longest single wait the shared timer is armed for.
// Later due times are reached through repeated capped waits.
const MaxTimerDelay = time.Duration(1<<32-2) * time.Millisecond

// Option configures a PhysicalScheduler.
type Option func(*PhysicalScheduler)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *PhysicalScheduler) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces the shared clock. Timer waits are computed against it.
func WithClock(now func() time.Time) Option {
	return func(p *PhysicalScheduler) {
		if now != nil {
			p.now = now
		}
	}
}

// WithFatalHandler sets the function invoked for task errors that no handler
// marked handled. The default panics on the worker goroutine.
func WithFatalHandler(fn func(error)) Option {
	return func(p *PhysicalScheduler) {
		if fn != nil {
			p.fatal = fn
		}
	}
}

type worker struct {
	id      int
	current *LogicalScheduler // only touched by the worker's own goroutine
}

// PhysicalScheduler owns a fixed pool of worker goroutines and a single timer
// shared by every LogicalScheduler bound to it.
type PhysicalScheduler struct {
	logger      *slog.Logger
	now         func() time.Time
	fatal       func(error)
	workerCount int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	work     *sync.Cond
	ready    *prioq.Queue[*LogicalScheduler] // nodes eligible for dispatch, by ready head
	timed    *prioq.Queue[*LogicalScheduler] // nodes holding timed work, by timed head
	timer    *time.Timer
	timerAt  time.Time // due time the timer is armed for; zero when idle
	disposed bool

	workers     sync.Map // goroutine id -> *worker
	wg          sync.WaitGroup
	disposeOnce sync.Once
	handlers    handlerList
}

// NewPhysical starts a physical scheduler with workerCount workers.
func NewPhysical(workerCount int, opts ...Option) (*PhysicalScheduler, error) {
	if workerCount <= 0 {
		return nil, fmt.Errorf("%w: worker count %d", ErrOutOfRange, workerCount)
	}
	p := &PhysicalScheduler{
		logger:      logging.Discard(),
		now:         time.Now,
		fatal:       func(err error) { panic(err) },
		workerCount: workerCount,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "scheduler")
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.work = sync.NewCond(&p.mu)
	p.ready, _ = prioq.New(compareReadyHeads)
	p.timed, _ = prioq.New(compareTimedHeads)

	p.wg.Add(workerCount)
	for i := range workerCount {
		go p.loop(&worker{id: i})
	}
	return p, nil
}

func compareReadyHeads(a, b *LogicalScheduler) int {
	return compareReady(a.readyHead(), b.readyHead())
}

func compareTimedHeads(a, b *LogicalScheduler) int {
	return Compare(a.timedHead(), b.timedHead())
}

// Now returns the shared clock's current time.
func (p *PhysicalScheduler) Now() time.Time { return p.now() }

// WorkerCount returns the pool size.
func (p *PhysicalScheduler) WorkerCount() int { return p.workerCount }

// CreateChildScheduler returns a new root logical scheduler.
func (p *PhysicalScheduler) CreateChildScheduler() *LogicalScheduler {
	return newLogical(p, nil)
}

// CheckAccess reports whether the caller runs on one of this scheduler's
// workers.
func (p *PhysicalScheduler) CheckAccess() bool { return p.currentWorker() != nil }

// VerifyAccess returns ErrIllegalState when CheckAccess is false.
func (p *PhysicalScheduler) VerifyAccess() error {
	if !p.CheckAccess() {
		return fmt.Errorf("%w: caller is not a scheduler worker", ErrIllegalState)
	}
	return nil
}

// OnUnhandledError registers a handler that sees task failures no logical
// scheduler marked handled.
func (p *PhysicalScheduler) OnUnhandledError(h UnhandledErrorHandler) (remove func()) {
	if h == nil {
		return func() {}
	}
	return p.handlers.add(h)
}

// Dispose stops dispatch and the timer and waits for the workers to exit.
// Called from a worker it does not wait for that worker.
func (p *PhysicalScheduler) Dispose() {
	p.disposeOnce.Do(func() {
		p.mu.Lock()
		p.disposed = true
		if p.timer != nil {
			p.timer.Stop()
		}
		p.timerAt = time.Time{}
		p.work.Broadcast()
		p.mu.Unlock()
		p.cancel()

		if !p.CheckAccess() {
			p.wg.Wait()
		}
		p.logger.Info("scheduler disposed", "workers", p.workerCount)
	})
}

func (p *PhysicalScheduler) currentWorker() *worker {
	v, ok := p.workers.Load(goroutineID())
	if !ok {
		return nil
	}
	return v.(*worker)
}

func (p *PhysicalScheduler) loop(w *worker) {
	defer p.wg.Done()
	gid := goroutineID()
	p.workers.Store(gid, w)
	defer p.workers.Delete(gid)

	p.logger.Debug("worker started", "worker", w.id)
	defer p.logger.Debug("worker stopped", "worker", w.id)

	for {
		item, ok := p.next()
		if !ok {
			return
		}
		p.run(w, item)
	}
}

// next blocks until an item can be dispatched or the scheduler is disposed.
// The returned item is already counted as in flight on its owner.
func (p *PhysicalScheduler) next() (*WorkItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.disposed {
			return nil, false
		}
		if h := p.ready.PeekHandle(); h != nil {
			s := h.Value()
			item, _ := s.readyQ.Dequeue()
			item.where, item.handle = locNone, nil
			s.beginLocked()
			s.syncLocked()
			return item, true
		}
		p.work.Wait()
	}
}

func (p *PhysicalScheduler) run(w *worker, item *WorkItem) {
	s := item.scheduler
	w.current = s

	ran, done, err := false, true, error(nil)
	if runnable(item.task) {
		ran = true
		done, err = p.execute(item)
		if err != nil {
			done = true
			s.raise(err)
		}
	} else {
		done = false
	}
	w.current = nil

	p.mu.Lock()
	s.finishLocked(item, ran, done)
	p.mu.Unlock()
}

func (p *PhysicalScheduler) execute(item *WorkItem) (done bool, err error) {
	s, task, prio := item.scheduler, item.task, item.priority
	bus := eventbus.Current()
	if bus == nil {
		return invoke(p.ctx, s, task)
	}
	ctx, _ := execid.NewContext(p.ctx)
	eventbus.PublishTo(ctx, bus, events.TaskStart{SchedulerID: s.id, Priority: prio, DueTime: item.dueTime})
	start := time.Now()
	done, err = invoke(ctx, s, task)
	eventbus.PublishTo(ctx, bus, events.TaskFinish{
		SchedulerID: s.id,
		Priority:    prio,
		Done:        done,
		Err:         err,
		Duration:    time.Since(start),
	})
	return done, err
}

func invoke(ctx context.Context, s Scheduler, task Task) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			done, err = true, newPanicError(r)
		}
	}()
	return task.Execute(ctx, s)
}

// runnable evaluates IsRunnable, treating a panic as not runnable.
func runnable(task Task) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return task.IsRunnable()
}

// unhandled is the last stop of error bubbling.
func (p *PhysicalScheduler) unhandled(ev *UnhandledErrorEvent) {
	if p.handlers.dispatch(ev) {
		return
	}
	p.logger.Error("unhandled task error", "scheduler", ev.Scheduler.id, "error", ev.Err)
	p.fatal(ev.Err)
}

// onTimer promotes every due timed item and re-arms the timer.
func (p *PhysicalScheduler) onTimer() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.timerAt = time.Time{}
	promoted := p.promoteDueLocked(p.now())
	p.rearmLocked()
	next := p.timerAt
	p.mu.Unlock()

	if promoted > 0 {
		eventbus.Publish(context.Background(), events.TimerTick{Promoted: promoted, Next: next})
	}
}

func (p *PhysicalScheduler) promoteDueLocked(now time.Time) int {
	total := 0
	for {
		h := p.timed.PeekHandle()
		if h == nil || h.Value().timedHead().dueTime.After(now) {
			return total
		}
		total += h.Value().promoteLocked(now, true)
	}
}

// rearmLocked points the shared timer at the earliest timed item.
func (p *PhysicalScheduler) rearmLocked() {
	if p.disposed {
		return
	}
	h := p.timed.PeekHandle()
	if h == nil {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.timerAt = time.Time{}
		return
	}
	due := h.Value().timedHead().dueTime
	if !p.timerAt.IsZero() && p.timerAt.Equal(due) {
		return
	}
	p.timerAt = due
	delay := min(max(due.Sub(p.now()), 0), MaxTimerDelay)
	if p.timer == nil {
		p.timer = time.AfterFunc(delay, p.onTimer)
		return
	}
	p.timer.Reset(delay)
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}
