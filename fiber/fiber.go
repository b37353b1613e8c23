// Package fiber implements a stackful, cooperatively-scheduled coroutine on
// top of a single goroutine and a pair of handoff channels.
//
// A native Go translation of this component does not reach for per-arch
// assembly context switching (swapcontext and friends): the Go runtime
// already gives every goroutine its own growable stack, so "stackful
// coroutine" is what a goroutine already is. What a Fiber adds on top is the
// symmetric switch semantics the rest of the scheduler substrate depends on:
// exactly one of {caller, fiber} runs at a time, and control returns to the
// caller only at an explicit yield point. That is implemented here with a
// pair of unbuffered channels acting as a baton pass, which keeps the
// resume/yield pair synchronous without needing OS-level thread tricks.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is a Fiber's position in its lifecycle state machine.
type State int32

const (
	// StateInit is the state of a freshly constructed Fiber, before its
	// first Resume.
	StateInit State = iota
	// StateExec is set on the Fiber currently running on its goroutine.
	StateExec
	// StateHold is a suspended Fiber that must be explicitly resumed by
	// whoever holds the reference (e.g. after registering an IO event).
	StateHold
	// StateReady is a suspended Fiber that wants to run again as soon as a
	// worker is free; the scheduler re-enqueues fibers observed in this
	// state.
	StateReady
	// StateTerm is a terminal state: the entry callable returned normally.
	StateTerm
	// StateExcept is a terminal state: the entry callable panicked. Err
	// holds the recovered value.
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateReady:
		return "READY"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// yieldKind distinguishes why control returned from the fiber goroutine to
// its resumer.
type yieldKind int32

const (
	yieldHold yieldKind = iota
	yieldReady
	yieldTerm
	yieldExcept
)

var nextID atomic.Uint64

// Fiber is a stackful coroutine: a goroutine parked behind a resume/yield
// rendezvous, switchable between a caller and the fiber body.
type Fiber struct {
	id    uint64
	state atomic.Int32

	entry func()

	resumeCh chan struct{}
	yieldCh  chan yieldKind

	started atomic.Bool
	once    sync.Once

	// Err holds the recovered panic value if the Fiber terminated via
	// StateExcept. Read only after Resume observes a terminal state.
	Err any

	// main marks the distinguished "main fiber" of a goroutine: it has no
	// owned body and represents the OS-thread/goroutine's native stack. It
	// is created in EXEC and nothing in this package moves it out of EXEC:
	// it cannot yield, and Resume on it panics as a resume of an EXEC fiber.
	main bool
}

// New constructs a Fiber in StateInit, wrapping entry as its body.
//
// The stack-size parameter of the source design has no analogue here: Go
// goroutine stacks grow on demand, so there is nothing to preallocate or
// configure. Callers that need to bound memory should instead bound
// concurrency (the Scheduler's worker count already does this).
func New(entry func()) *Fiber {
	if entry == nil {
		panic("fiber: entry must not be nil")
	}
	f := &Fiber{
		id:       nextID.Add(1),
		entry:    entry,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan yieldKind),
	}
	f.state.Store(int32(StateInit))
	return f
}

// NewMain constructs the main fiber of the calling goroutine. It is never
// Reset and stays in StateExec.
func NewMain() *Fiber {
	f := &Fiber{
		id:       nextID.Add(1),
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan yieldKind),
		main:     true,
	}
	f.state.Store(int32(StateExec))
	f.started.Store(true)
	return f
}

// ID returns the Fiber's unique, monotonically assigned identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the Fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// IsMain reports whether this is a thread/goroutine's native main fiber.
func (f *Fiber) IsMain() bool { return f.main }

// Resume switches the calling goroutine onto this Fiber, blocking until the
// Fiber yields (to HOLD, READY) or terminates (TERM, EXCEPT).
//
// Resuming a Fiber already in EXEC, TERM or EXCEPT is a programming error
// and, matching the source semantics where such a call aborts the process,
// panics here rather than returning an error: there is no recoverable
// caller-side action, the bug is in the caller's bookkeeping.
func (f *Fiber) Resume() State {
	switch State(f.state.Load()) {
	case StateExec:
		panic(fmt.Sprintf("fiber: resume of fiber %d already in EXEC", f.id))
	case StateTerm, StateExcept:
		panic(fmt.Sprintf("fiber: resume of terminal fiber %d", f.id))
	}

	f.state.Store(int32(StateExec))

	if f.main {
		// The main fiber has no goroutine of its own to start, so Resume
		// only waits for a send on its resumeCh. Nothing in this package
		// sends on a main fiber's resumeCh, and a main fiber is always in
		// EXEC, so the state check above panics before this is reached.
		<-f.resumeCh
		return f.State()
	}

	f.once.Do(func() {
		f.started.Store(true)
		go f.run()
	})

	f.resumeCh <- struct{}{}
	kind := <-f.yieldCh

	switch kind {
	case yieldHold:
		f.state.Store(int32(StateHold))
	case yieldReady:
		f.state.Store(int32(StateReady))
	case yieldTerm:
		f.state.Store(int32(StateTerm))
	case yieldExcept:
		f.state.Store(int32(StateExcept))
	}
	return f.State()
}

// run is the entry trampoline. It catches any panic escaping the user
// callable and converts it into the EXCEPT terminal state rather than
// letting it unwind past this goroutine (which would crash the process).
//
// A Fiber's entry runs on a single dedicated goroutine for its entire
// life: started once by the sync.Once in Resume, parking on resumeCh at
// every yield point and resuming forward on the same goroutine rather
// than ending and restarting. That goroutine's id is therefore the
// correct TLS key for "what fiber is currently executing here", which is
// why run registers and clears it itself instead of leaving it to
// whichever goroutine happens to call Resume (which may be a scheduler
// worker shared by many unrelated fibers, not this one's own goroutine).
func (f *Fiber) run() {
	<-f.resumeCh

	SetCurrent(f)
	kind := yieldTerm
	defer func() {
		if r := recover(); r != nil {
			f.Err = r
			kind = yieldExcept
		}
		SetCurrent(nil)
		f.yieldCh <- kind
	}()

	f.entry()
}

// yieldTo is the shared implementation backing YieldToHold and
// YieldToReady: hand control back to whoever is blocked in Resume, and park
// until Resume is called again.
func (f *Fiber) yieldTo(kind yieldKind) {
	if f.main {
		panic("fiber: the main fiber cannot yield, it has no body to suspend")
	}
	f.yieldCh <- kind
	<-f.resumeCh
}

// YieldToHold suspends the current fiber in HOLD: it will not run again
// until something explicitly Resumes it (e.g. an IO event firing or a timer
// expiring).
func YieldToHold() {
	f := current()
	f.yieldTo(yieldHold)
}

// YieldToReady suspends the current fiber in READY: the scheduler that owns
// it is expected to observe READY and re-enqueue it for another turn.
func YieldToReady() {
	f := current()
	f.yieldTo(yieldReady)
}

// Reset rebinds a TERM/EXCEPT fiber to a new entry callable, returning it to
// StateInit for reuse. It is the caller's responsibility to ensure no other
// reference to the old run is outstanding.
func (f *Fiber) Reset(entry func()) {
	switch State(f.state.Load()) {
	case StateTerm, StateExcept:
	default:
		panic(fmt.Sprintf("fiber: reset of fiber %d not in a terminal state", f.id))
	}
	if entry == nil {
		panic("fiber: entry must not be nil")
	}
	f.entry = entry
	f.Err = nil
	f.once = sync.Once{}
	f.started.Store(false)
	f.state.Store(int32(StateInit))
}

// tls is a minimal thread-local facility keyed by the running goroutine.
// Go has no native TLS; the pattern used throughout this module's ambient
// stack (see hook) is to key a map by the calling goroutine's
// runtime-assigned id, extracted the same way the teacher's event loop
// extracts its own loop-goroutine id.
type tls struct {
	mu sync.RWMutex
	m  map[uint64]*Fiber
}

var currentTLS = &tls{m: make(map[uint64]*Fiber)}

// SetCurrent associates f as the Fiber running on the calling goroutine.
// Fiber.run calls this itself on its own dedicated goroutine, so callers
// outside this package ordinarily never need to: it is exported for the
// main-fiber pivot (a goroutine that wants Current() to resolve to its
// NewMain fiber while it holds the baton) and for tests that drive a
// Fiber's first Resume synchronously without a scheduler.
func SetCurrent(f *Fiber) {
	gid := goroutineID()
	currentTLS.mu.Lock()
	if f == nil {
		delete(currentTLS.m, gid)
	} else {
		currentTLS.m[gid] = f
	}
	currentTLS.mu.Unlock()
}

// Current returns the Fiber bound to the calling goroutine, or nil if none
// has been set (i.e. this goroutine is not a fiber's own goroutine running
// its entry, and nothing called SetCurrent on it; a scheduler worker
// goroutine that calls Resume also sees nil).
func Current() *Fiber {
	gid := goroutineID()
	currentTLS.mu.RLock()
	defer currentTLS.mu.RUnlock()
	return currentTLS.m[gid]
}

func current() *Fiber {
	f := Current()
	if f == nil {
		panic("fiber: no current fiber on this goroutine")
	}
	return f
}
