// Package corosync provides the lock and semaphore primitives the scheduler,
// IO manager and hook layer build on: a plain mutex/rwlock pair (thin
// wrappers over sync, kept here so call sites read in terms of this
// module's vocabulary rather than the standard library's), a spinlock for
// the handful of hot paths that must never suspend, and a counting
// semaphore whose Acquire suspends the calling Fiber cooperatively instead
// of blocking the OS thread.
package corosync

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/jinkezhen/sylar-sub000/fiber"
)

// Mutex is a plain mutual-exclusion lock. Holding it across a fiber
// suspension point is permitted but discouraged: the lock does not know
// about fibers and will simply block whichever goroutine next tries to
// acquire it, worker thread or not.
type Mutex struct{ mu sync.Mutex }

func (m *Mutex) Lock()   { m.mu.Lock() }
func (m *Mutex) Unlock() { m.mu.Unlock() }

// RWMutex is a reader/writer lock. The timer set and the fd registry in
// this module lock with the standard library's types directly, not with
// this wrapper.
type RWMutex struct{ mu sync.RWMutex }

func (m *RWMutex) Lock()    { m.mu.Lock() }
func (m *RWMutex) Unlock()  { m.mu.Unlock() }
func (m *RWMutex) RLock()   { m.mu.RLock() }
func (m *RWMutex) RUnlock() { m.mu.RUnlock() }

// Spinlock busy-waits on a CAS instead of parking the OS thread. It exists
// for the few call sites that hold a lock for a handful of instructions and
// would lose more to a park/wake round trip than to spinning. Holding a
// Spinlock across a fiber suspension point is forbidden: a parked fiber
// behind a spinning lock starves every other fiber pinned to the same
// worker thread.
type Spinlock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *Spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning.
func (s *Spinlock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an already-unlocked Spinlock is a
// programming error and panics, matching the abort-on-misuse posture the
// source applies to its own invariant violations.
func (s *Spinlock) Unlock() {
	if !s.held.CompareAndSwap(true, false) {
		panic("corosync: unlock of unlocked spinlock")
	}
}

// Semaphore is a plain counting semaphore over OS threads; Acquire blocks
// the calling goroutine (not necessarily a fiber) until a permit is
// available.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore constructs a Semaphore with the given number of permits.
func NewSemaphore(permits int) *Semaphore {
	if permits <= 0 {
		panic("corosync: semaphore permits must be positive")
	}
	s := &Semaphore{ch: make(chan struct{}, permits)}
	for i := 0; i < permits; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Acquire blocks the calling goroutine until a permit is free.
func (s *Semaphore) Acquire() { <-s.ch }

// TryAcquire acquires a permit without blocking, reporting whether it
// succeeded.
func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Release returns a permit to the semaphore.
func (s *Semaphore) Release() { s.ch <- struct{}{} }

// Rescheduler hands a suspended fiber back to whatever owns it. A
// scheduler implements this by re-enqueuing the fiber as a task rather than
// resuming it inline, so that it runs on a worker goroutine rather than on
// whichever goroutine happened to call Release.
type Rescheduler interface {
	Reschedule(f *fiber.Fiber)
}

// FiberSemaphore is a counting semaphore whose Acquire, on contention,
// suspends the calling Fiber via fiber.YieldToHold rather than parking the
// OS thread, and wakes it by handing it to a Rescheduler from whichever
// goroutine calls Release. This is the "fiber semaphore full contention"
// suspension point named among the scheduler's suspension points.
type FiberSemaphore struct {
	mu      sync.Mutex
	permits int
	waiters []*fiber.Fiber
	sched   Rescheduler
}

// NewFiberSemaphore constructs a FiberSemaphore with the given number of
// permits, owned by sched. sched may be nil, in which case Release resumes
// a waiter directly on the calling goroutine; that mode is only safe in
// tests or single-fiber scenarios, since it blocks Release until the woken
// fiber suspends or terminates.
func NewFiberSemaphore(permits int, sched Rescheduler) *FiberSemaphore {
	if permits < 0 {
		panic("corosync: fiber semaphore permits must be non-negative")
	}
	return &FiberSemaphore{permits: permits, sched: sched}
}

// Acquire takes a permit, suspending the current fiber if none is
// immediately available. The fiber is resumed (from Release, on whatever
// goroutine calls it) once a permit frees up; Acquire must therefore only
// be called from within a fiber managed by a scheduler, which is
// responsible for re-running the fiber after the resume.
func (s *FiberSemaphore) Acquire() {
	s.mu.Lock()
	if s.permits > 0 {
		s.permits--
		s.mu.Unlock()
		return
	}
	f := fiber.Current()
	if f == nil {
		panic("corosync: FiberSemaphore.Acquire called outside a fiber")
	}
	s.waiters = append(s.waiters, f)
	s.mu.Unlock()

	fiber.YieldToHold()
}

// Release returns a permit, resuming the longest-waiting fiber if any is
// parked.
func (s *FiberSemaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) == 0 {
		s.permits++
		s.mu.Unlock()
		return
	}
	f := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.mu.Unlock()

	if s.sched != nil {
		s.sched.Reschedule(f)
		return
	}
	f.Resume()
}
