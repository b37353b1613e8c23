// Package ioman implements IOManager, the component described in §4.4:
// epoll-backed readiness notification and timer expiry, both delivered by
// rescheduling onto a worker pool rather than run inline.
//
// The source models IOManager as a subclass of its single-threaded Scheduler,
// so the reactor and the task runner are the same thread. This package keeps
// them separate instead: a Scheduler (package scheduler) owns the worker
// pool, and IOManager owns exactly one dedicated reactor goroutine that polls
// epoll and the timer heap and hands ready work to that pool. This is the
// composition the source's own design notes (§9) point at directly — "has a"
// rather than "is a" — and it means IOManager never has to pretend to be a
// general task scheduler, which it isn't.
package ioman

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/jinkezhen/sylar-sub000/fiber"
	"github.com/jinkezhen/sylar-sub000/internal/ioreactor"
	"github.com/jinkezhen/sylar-sub000/scheduler"
)

// Standard errors, named the way §4.4's edge cases enumerate them.
var (
	ErrDuplicateEvent = errors.New("ioman: event already registered for this fd and direction")
	ErrEventNotFound  = errors.New("ioman: no registration for this fd and direction")
	ErrClosed         = errors.New("ioman: manager is closed")
)

// task is the internal unit of work IOManager hands to its Scheduler: either
// a fiber to reschedule or a callable to run fresh.
type task struct {
	fiber *fiber.Fiber
	run   func()
}

func (t task) toSchedulerTask() scheduler.Task {
	if t.fiber != nil {
		return scheduler.FiberTask(t.fiber, scheduler.AnyThread)
	}
	return scheduler.CallableTask(t.run, scheduler.AnyThread)
}

// maxPollTimeout caps how long a single epoll_wait call blocks even with no
// timers pending, so a Stop() request is never more than this far from being
// noticed.
const maxPollTimeout = 1 * time.Second

// IOManager composes a worker pool, an epoll reactor, and a timer heap into
// the single coherent "wait for readiness or a deadline, then run whatever
// that unblocks" facility described in §4.4.
type IOManager struct {
	*scheduler.Scheduler
	timers *TimerManager

	poller ioreactor.FastPoller
	wake   *ioreactor.WakeFd

	fdMu sync.Mutex
	fds  map[int]*fdContext

	pending atomic.Int64

	reactorDone chan struct{}
}

// New creates an IOManager with the given number of worker threads. useCaller
// mirrors scheduler.New: if true, Stop also drains remaining work on the
// calling goroutine.
func New(name string, workerCount int, useCaller bool) (*IOManager, error) {
	m := &IOManager{
		Scheduler: scheduler.New(name, workerCount, useCaller),
		timers:    newTimerManager(),
		fds:       make(map[int]*fdContext),
	}
	m.timers.onCountChange = m.adjustPending

	if err := m.poller.Init(); err != nil {
		return nil, err
	}
	wake, err := ioreactor.NewWakeFd()
	if err != nil {
		_ = m.poller.Close()
		return nil, err
	}
	m.wake = wake
	if err := m.poller.RegisterFD(wake.FD(), ioreactor.EventRead, func(ioreactor.IOEvents) {
		_ = m.wake.Drain()
	}); err != nil {
		_ = m.wake.Close()
		_ = m.poller.Close()
		return nil, err
	}

	m.Scheduler.SetHooks(scheduler.Hooks{
		Stopping: func() bool {
			return m.pending.Load() == 0
		},
	})

	return m, nil
}

// adjustPending updates pending_event_count (§4.4 Invariant 2: every live
// registration, whether an fd direction or a one-shot timer, is counted
// exactly once between the call that creates it and the call that
// delivers, cancels, or removes it) and tickles the reactor so a
// newly-zero or newly-nonzero count is noticed promptly by Stop.
func (m *IOManager) adjustPending(delta int) {
	if delta == 0 {
		return
	}
	m.pending.Add(int64(delta))
	if m.wake != nil {
		_ = m.wake.Wake()
	}
}

// PendingEventCount returns the number of outstanding fd registrations and
// live timers (one-shot and recurring).
func (m *IOManager) PendingEventCount() int64 { return m.pending.Load() }

func (m *IOManager) contextFor(fd int) *fdContext {
	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	c, ok := m.fds[fd]
	if !ok {
		c = &fdContext{mgr: m, fd: fd}
		m.fds[fd] = c
	}
	return c
}

// AddEvent registers a fiber to resume when fd becomes ready for direction
// d. It must be called from within the fiber that is to be resumed.
func (m *IOManager) AddEvent(fd int, d Direction) error {
	f := fiber.Current()
	if f == nil {
		panic("ioman: AddEvent called outside a fiber")
	}
	if err := m.contextFor(fd).add(d, closure{fiber: f}); err != nil {
		return err
	}
	fiber.YieldToHold()
	return nil
}

// AddEventFunc registers a plain callable to run (on the worker pool, not
// inline) when fd becomes ready for direction d.
func (m *IOManager) AddEventFunc(fd int, d Direction, cb func()) error {
	if cb == nil {
		panic("ioman: nil callback")
	}
	return m.contextFor(fd).add(d, closure{run: cb})
}

// DelEvent removes a registration without running it.
func (m *IOManager) DelEvent(fd int, d Direction) error {
	return m.contextFor(fd).remove(d)
}

// CancelEvent removes a registration and immediately runs what would have
// run had the event fired, per §4.4's cancel_event semantics.
func (m *IOManager) CancelEvent(fd int, d Direction) error {
	cl, err := m.contextFor(fd).cancel(d)
	if err != nil {
		return err
	}
	m.adjustPending(-1)
	if !cl.empty() {
		m.dispatch([]task{cl.task()})
	}
	return nil
}

// CancelAll removes every registration on fd, firing each as CancelEvent
// would.
func (m *IOManager) CancelAll(fd int) {
	fired := m.contextFor(fd).cancelAll()
	if len(fired) == 0 {
		return
	}
	m.adjustPending(-len(fired))
	tasks := make([]task, 0, len(fired))
	for _, cl := range fired {
		if !cl.empty() {
			tasks = append(tasks, cl.task())
		}
	}
	m.dispatch(tasks)
}

func (m *IOManager) dispatch(tasks []task) {
	if len(tasks) == 0 {
		return
	}
	sched := make([]scheduler.Task, len(tasks))
	for i, t := range tasks {
		sched[i] = t.toSchedulerTask()
	}
	m.Scheduler.ScheduleBatch(sched, scheduler.AnyThread)
}

// AddTimer schedules cb to run on the worker pool after delay.
func (m *IOManager) AddTimer(delay time.Duration, cb func(), recurring bool) uint64 {
	return m.timers.AddTimer(delay, m.wrapTimer(cb), recurring)
}

// AddConditionalTimer is AddTimer gated on cond still being alive when the
// timer fires; see TimerManager.AddConditionalTimer.
func (m *IOManager) AddConditionalTimer(delay time.Duration, cb func(), cond weak.Pointer[struct{}], recurring bool) uint64 {
	return m.timers.AddConditionalTimer(delay, m.wrapTimer(cb), cond, recurring)
}

func (m *IOManager) wrapTimer(cb func()) func() {
	return func() {
		m.dispatch([]task{{run: cb}})
	}
}

// CancelTimer cancels a pending timer by id.
func (m *IOManager) CancelTimer(id uint64) bool {
	return m.timers.Cancel(id)
}

// Start launches the worker pool and the dedicated reactor goroutine.
func (m *IOManager) Start() {
	m.reactorDone = make(chan struct{})
	m.Scheduler.Start()
	go m.runReactor()
}

// Stop requests shutdown: it stops admitting new poll cycles once the
// worker pool has drained and pending_event_count reaches zero, then waits
// for both the worker pool and the reactor goroutine to exit.
func (m *IOManager) Stop() {
	m.Scheduler.Stop()
	m.wake.Wake()
	<-m.reactorDone
	_ = m.wake.Close()
	_ = m.poller.Close()
}

// runReactor is the dedicated epoll+timer loop: compute a timeout from the
// nearest timer (capped at maxPollTimeout so Stop is noticed promptly),
// block in epoll_wait, then run any expired timers.
func (m *IOManager) runReactor() {
	defer close(m.reactorDone)
	for {
		if m.Scheduler.Stopped() && m.pending.Load() == 0 {
			return
		}

		timeout := maxPollTimeout
		if ms, ok := m.timers.NextTimeoutMs(); ok {
			if d := time.Duration(ms) * time.Millisecond; d < timeout {
				timeout = d
			}
		}

		_, err := m.poller.PollIO(int(timeout.Milliseconds()))
		if err != nil {
			continue
		}

		for _, cb := range m.timers.ListExpired(time.Now()) {
			cb()
		}

		if m.Scheduler.Stopped() && m.pending.Load() == 0 {
			return
		}
	}
}
