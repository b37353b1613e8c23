package ioman

import (
	"sync"

	"github.com/jinkezhen/sylar-sub000/fiber"
	"github.com/jinkezhen/sylar-sub000/internal/ioreactor"
)

// Direction distinguishes the two independent event slots a fd can hold. A
// socket mid-handshake commonly wants both at once: a write closure to
// detect "connected", a read closure to detect an early-arriving reset.
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// closure is whatever should run when a direction fires: either a fiber to
// reschedule, or a plain callable to run on the scheduler.
type closure struct {
	fiber *fiber.Fiber
	run   func()
}

func (c closure) empty() bool { return c.fiber == nil && c.run == nil }

func (c closure) task() task {
	return task{fiber: c.fiber, run: c.run}
}

// fdContext tracks both directions' registrations for one fd, per §4.4. Its
// mask mirrors exactly what is currently registered with the poller, so
// add/del/cancel can decide ADD vs MOD vs DEL by comparing masks rather than
// asking the kernel.
type fdContext struct {
	mgr  *IOManager
	fd   int
	mu   sync.Mutex
	mask ioreactor.IOEvents
	slot [2]closure // indexed by Direction
}

func directionMask(d Direction) ioreactor.IOEvents {
	if d == Write {
		return ioreactor.EventWrite
	}
	return ioreactor.EventRead
}

// add registers c for direction d. It returns ErrDuplicateEvent if that
// direction already has a registration — per §4.4, re-registering without
// first cancelling is a caller bug, not something to silently overwrite.
func (c *fdContext) add(d Direction, cl closure) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bit := directionMask(d)
	if c.mask&bit != 0 {
		return ErrDuplicateEvent
	}

	newMask := c.mask | bit
	var err error
	if c.mask == 0 {
		err = c.mgr.poller.RegisterFD(c.fd, newMask, c.onEvent)
	} else {
		err = c.mgr.poller.ModifyFD(c.fd, newMask)
	}
	if err != nil {
		return err
	}

	c.slot[d] = cl
	c.mask = newMask
	c.mgr.adjustPending(1)
	return nil
}

// remove clears direction d's registration without running its closure.
// Reports ErrEventNotFound if nothing was registered for d.
func (c *fdContext) remove(d Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(d, false)
}

// cancel clears direction d's registration and returns its closure so the
// caller can run it immediately, as if the event had fired. Reports
// ErrEventNotFound if nothing was registered for d.
//
// Passes firing=true to removeLocked: IOManager.CancelEvent is the one
// that decrements pending_event_count for this removal (matching onEvent's
// pattern below), so removeLocked must not also decrement it here.
func (c *fdContext) cancel(d Direction) (closure, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := c.slot[d]
	if err := c.removeLocked(d, true); err != nil {
		return closure{}, err
	}
	return cl, nil
}

// removeLocked updates the epoll registration to drop direction d. When
// firing is true, the caller (onEvent, cancel, cancelAll) takes
// responsibility for decrementing pending_event_count itself — each of
// those already needs the closure count outside this function's lock to
// batch the decrement and the dispatch together — otherwise (plain
// remove/DelEvent) this decrements it directly.
func (c *fdContext) removeLocked(d Direction, firing bool) error {
	bit := directionMask(d)
	if c.mask&bit == 0 {
		return ErrEventNotFound
	}

	newMask := c.mask &^ bit
	var err error
	if newMask == 0 {
		err = c.mgr.poller.UnregisterFD(c.fd)
	} else {
		err = c.mgr.poller.ModifyFD(c.fd, newMask)
	}
	if err != nil {
		return err
	}

	c.slot[d] = closure{}
	c.mask = newMask
	if !firing {
		c.mgr.adjustPending(-1)
	}
	return nil
}

// cancelAll clears both directions, returning whichever closures were
// registered so the caller can fire them. Like cancel, passes firing=true
// since IOManager.CancelAll accounts for pending_event_count itself.
func (c *fdContext) cancelAll() []closure {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fired []closure
	for _, d := range [...]Direction{Read, Write} {
		if c.mask&directionMask(d) != 0 {
			fired = append(fired, c.slot[d])
			_ = c.removeLocked(d, true)
		}
	}
	return fired
}

// onEvent is the poller callback for this fd: EPOLLERR/EPOLLHUP imply both
// directions are done (the kernel won't necessarily set EPOLLIN|EPOLLOUT
// alongside them), so both registered directions fire.
func (c *fdContext) onEvent(events ioreactor.IOEvents) {
	var fired []task

	c.mu.Lock()
	bad := events&(ioreactor.EventError|ioreactor.EventHangup) != 0
	for _, d := range [...]Direction{Read, Write} {
		bit := directionMask(d)
		if c.mask&bit == 0 {
			continue
		}
		if events&bit == 0 && !bad {
			continue
		}
		cl := c.slot[d]
		_ = c.removeLocked(d, true)
		if !cl.empty() {
			fired = append(fired, cl.task())
		}
	}
	c.mu.Unlock()

	if len(fired) > 0 {
		c.mgr.adjustPending(-len(fired))
		c.mgr.dispatch(fired)
	}
}
