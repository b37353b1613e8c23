// Package scheduler implements the M:N task dispatcher: a fixed pool of
// worker goroutines (the OS already multiplexes these across real threads)
// draining a shared FIFO queue of fiber-or-callable tasks.
//
// The source design models IOManager as a subclass of Scheduler overriding
// idle/tickle/stopping. Go has no subclassing, and the source's own design
// notes flag the inheritance chain as worth breaking apart in a rewrite:
// here IOManager (package ioman) *has a* Scheduler and can supply its own
// Idle/Tickle/Stopping functions through the Hooks field below, rather than
// overriding anything; it supplies only Stopping.
//
// One further simplification versus the source: the source's base idle
// routine is itself a fiber that loops yielding to HOLD, so "idle" is a
// cooperative suspension point like any other. In Go there is nothing to be
// gained by swapping into a second fiber just to block — blocking the
// worker's own goroutine (on a condition variable, or inside a real
// syscall like epoll_wait) is both simpler and exactly what a worker
// thread with nothing to do should do. So Idle here is a plain function the
// worker calls directly; the default blocks on a condition variable.
// ioman.IOManager keeps that default and runs epoll_wait on its own reactor
// goroutine instead.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/jinkezhen/sylar-sub000/fiber"
)

// Hooks lets a composing type (principally ioman.IOManager) plug into the
// three extension points the source expresses as virtual-method overrides.
type Hooks struct {
	// Idle is called by a worker whenever its queue scan comes up empty. It
	// should block until there is a reasonable chance of new work (a
	// tickle, a timeout, an IO event) and then return so the worker
	// rescans. The default blocks on the scheduler's condition variable.
	Idle func(threadID int)
	// Tickle wakes every worker blocked in Idle. The default broadcasts the
	// scheduler's condition variable, which the default Idle waits on.
	Tickle func()
	// Stopping reports whether the scheduler may finish stopping. The
	// default is "queue empty"; ioman.IOManager replaces it with a check
	// that its pending-event count (fd registrations plus live timers) is
	// zero.
	Stopping func() bool
}

// Scheduler is the M:N dispatcher described in §4.2: a fixed worker pool
// draining a shared task queue, with optional per-task thread affinity.
type Scheduler struct {
	name string

	mu    sync.Mutex
	cond  *sync.Cond
	queue taskQueue

	stopping atomic.Bool

	workerCount int
	useCaller   bool

	activeThreads atomic.Int32
	idleThreads   atomic.Int32

	hooks Hooks

	wg sync.WaitGroup

	fiberMu        sync.Mutex
	callableFibers map[int]*fiber.Fiber
}

// New constructs a Scheduler with the given name and worker count. If
// useCaller is true, Stop() also runs the worker loop on the calling
// goroutine (as worker id workerCount) once every spawned worker has been
// told to stop, draining whatever work remains before returning — the
// "caller fiber" role named in §4.2.
func New(name string, workerCount int, useCaller bool) *Scheduler {
	if workerCount < 1 {
		panic("scheduler: workerCount must be >= 1")
	}
	s := &Scheduler{
		name:           name,
		workerCount:    workerCount,
		useCaller:      useCaller,
		callableFibers: make(map[int]*fiber.Fiber),
	}
	s.cond = sync.NewCond(&s.mu)
	s.hooks = Hooks{
		Idle: func(int) {
			s.mu.Lock()
			if s.queue.len() == 0 && !s.stopping.Load() {
				s.cond.Wait()
			}
			s.mu.Unlock()
		},
		Tickle:   func() { s.cond.Broadcast() },
		Stopping: func() bool { return s.queueEmpty() },
	}
	return s
}

// SetHooks installs the idle/tickle/stopping overrides. It must be called
// before Start.
func (s *Scheduler) SetHooks(h Hooks) {
	if h.Idle != nil {
		s.hooks.Idle = h.Idle
	}
	if h.Tickle != nil {
		s.hooks.Tickle = h.Tickle
	}
	if h.Stopping != nil {
		s.hooks.Stopping = h.Stopping
	}
}

// Name returns the scheduler's configured name, used in log lines.
func (s *Scheduler) Name() string { return s.name }

// WorkerCount returns the number of spawned workers (excluding the caller
// thread, even if useCaller is set).
func (s *Scheduler) WorkerCount() int { return s.workerCount }

// ActiveThreads returns the number of worker goroutines currently executing
// a task (as opposed to idling).
func (s *Scheduler) ActiveThreads() int32 { return s.activeThreads.Load() }

// IdleThreads returns the number of worker goroutines currently idling.
func (s *Scheduler) IdleThreads() int32 { return s.idleThreads.Load() }

func (s *Scheduler) queueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len() == 0
}

// Schedule enqueues a single task, optionally pinned to thread (use
// AnyThread for no preference). If the queue transitions from empty to
// non-empty, the scheduler is tickled.
func (s *Scheduler) Schedule(t Task, thread int) {
	if t.empty() {
		panic("scheduler: empty task")
	}
	t.Thread = thread
	s.mu.Lock()
	wasEmpty := s.queue.len() == 0
	s.queue.push(t)
	s.mu.Unlock()
	if wasEmpty {
		s.hooks.Tickle()
	}
}

// ScheduleBatch enqueues many tasks under a single lock acquisition,
// tickling at most once.
func (s *Scheduler) ScheduleBatch(tasks []Task, thread int) {
	if len(tasks) == 0 {
		return
	}
	for i := range tasks {
		tasks[i].Thread = thread
	}
	s.mu.Lock()
	wasEmpty := s.queue.len() == 0
	s.queue.pushBatch(tasks)
	s.mu.Unlock()
	if wasEmpty {
		s.hooks.Tickle()
	}
}

// Reschedule implements corosync.Rescheduler: it re-enqueues a suspended
// fiber rather than resuming it inline, so that it next runs on a worker
// goroutine instead of on whichever goroutine called Release/cancel.
func (s *Scheduler) Reschedule(f *fiber.Fiber) {
	s.Schedule(FiberTask(f, AnyThread), AnyThread)
}

// Start spawns workerCount worker goroutines, each bound to a distinct
// thread id in [0, workerCount).
func (s *Scheduler) Start() {
	s.wg.Add(s.workerCount)
	for i := 0; i < s.workerCount; i++ {
		threadID := i
		go func() {
			defer s.wg.Done()
			s.runWorker(threadID)
		}()
	}
}

// Stop requests termination: tickles every worker, optionally drains
// remaining work on the calling goroutine (if useCaller), and blocks until
// every spawned worker has exited and Stopping() reports true. A second
// call to Stop is a no-op.
func (s *Scheduler) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.hooks.Tickle()

	if s.useCaller {
		s.runWorker(s.workerCount)
	}

	s.wg.Wait()
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool { return s.stopping.Load() }

// SwitchTo yields the current fiber back to READY, optionally re-scheduling
// it onto a specific thread. It must be called from within a fiber running
// under this scheduler.
func (s *Scheduler) SwitchTo(thread int) {
	f := fiber.Current()
	if f == nil {
		panic("scheduler: SwitchTo called outside a fiber")
	}
	s.Schedule(FiberTask(f, thread), thread)
	fiber.YieldToReady()
}

// runWorker is the per-thread worker loop described in §4.2: scan for an
// eligible task, run it to its next suspension, and fall back to Idle when
// nothing is ready.
func (s *Scheduler) runWorker(threadID int) {
	for {
		t, ok := s.dequeue(threadID)
		if ok {
			s.activeThreads.Add(1)
			s.runTask(threadID, t)
			s.activeThreads.Add(-1)
			continue
		}

		if s.stopping.Load() && s.hooks.Stopping() {
			return
		}

		s.idleThreads.Add(1)
		s.hooks.Idle(threadID)
		s.idleThreads.Add(-1)

		if s.stopping.Load() && s.hooks.Stopping() {
			return
		}
	}
}

func (s *Scheduler) dequeue(threadID int) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pop(threadID)
}

func (s *Scheduler) callableFiberFor(threadID int) *fiber.Fiber {
	s.fiberMu.Lock()
	defer s.fiberMu.Unlock()
	return s.callableFibers[threadID]
}

func (s *Scheduler) setCallableFiber(threadID int, f *fiber.Fiber) {
	s.fiberMu.Lock()
	s.callableFibers[threadID] = f
	s.fiberMu.Unlock()
}

// runTask resumes a fiber task, or wraps-and-resumes a callable task on a
// per-worker reusable "callable fiber" (reset in place between callables to
// avoid spinning up a fresh goroutine for every plain function task).
func (s *Scheduler) runTask(threadID int, t Task) {
	f := t.Fiber
	if f == nil {
		f = s.callableFiberFor(threadID)
		switch {
		case f == nil:
			f = fiber.New(t.Run)
		case f.State() == fiber.StateTerm || f.State() == fiber.StateExcept:
			f.Reset(t.Run)
		default:
			// Still suspended (HOLD or READY) from a previous callable that
			// yielded; whoever holds it will resume it, so don't corrupt its
			// state.
			f = fiber.New(t.Run)
		}
		s.setCallableFiber(threadID, f)
	}

	switch f.State() {
	case fiber.StateTerm, fiber.StateExcept, fiber.StateExec:
		return
	}

	// f registers itself as fiber.Current() on its own dedicated
	// goroutine as part of Resume/run; the worker goroutine calling
	// Resume here never runs the fiber's body directly, so it has
	// nothing to register.
	state := f.Resume()

	if state == fiber.StateReady {
		s.Schedule(FiberTask(f, AnyThread), AnyThread)
	}
	// StateHold: someone else (an IO event, a timer, a semaphore release)
	// is responsible for scheduling it back.
}
