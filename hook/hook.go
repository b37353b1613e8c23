// Package hook turns blocking POSIX-style IO into cooperative suspensions
// when called from inside a scheduler-managed fiber, per §4.5.
//
// The source does this by interposing libc symbols (sleep, read, connect,
// ...) process-wide via dlsym(RTLD_NEXT, ...), so existing C code gets
// cooperative IO without recompilation. Go has no equivalent to symbol
// interposition — there is no "original sleep" to fall back to, and
// syscalls aren't resolved through a mutable symbol table. So this package
// exposes the same behaviour as explicit wrapper functions (Sleep, Read,
// Write, Connect, Accept, ...) that callers opt into by using them instead
// of the stdlib/unix equivalents, rather than as a transparent global
// intercept. The two orthogonal state bits §4.5 specifies — a global
// enable and a per-thread hook_enabled flag — are kept: the per-goroutine
// flag below, and the fact that these wrappers simply don't exist unless
// imported, stands in for the build-time switch.
package hook

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jinkezhen/sylar-sub000/fiber"
	"github.com/jinkezhen/sylar-sub000/ioman"
)

// ErrTimeout is returned by a hooked call when its registered timeout
// fires before the IO event does.
var ErrTimeout = errors.New("hook: i/o timeout")

// state is the per-goroutine bookkeeping §4.5 calls thread-local state:
// whether hooking is enabled here, and which IOManager to register events
// with.
type state struct {
	enabled bool
	mgr     *ioman.IOManager
}

var (
	tlsMu sync.RWMutex
	tls   = make(map[uint64]*state)
)

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

func current() *state {
	tlsMu.RLock()
	s := tls[goroutineID()]
	tlsMu.RUnlock()
	return s
}

// Enable turns hooking on for the calling goroutine, registering mgr as
// the IOManager hooked calls suspend against. Per §4.5's Open Question,
// this should only ever be called by a scheduler worker (or the caller
// thread during Stop) — calling it elsewhere works, but nothing will be
// there to resume the fiber.
//
// Calling Enable twice with the same manager is idempotent, per §4.5 edge
// case 5.
func Enable(mgr *ioman.IOManager) {
	if mgr == nil {
		panic("hook: nil IOManager")
	}
	id := goroutineID()
	tlsMu.Lock()
	tls[id] = &state{enabled: true, mgr: mgr}
	tlsMu.Unlock()
}

// Disable turns hooking off for the calling goroutine. Every wrapper in
// this package becomes a transparent pass-through once this is called.
func Disable() {
	id := goroutineID()
	tlsMu.Lock()
	delete(tls, id)
	tlsMu.Unlock()
}

// Enabled reports whether the calling goroutine currently has hooking on.
func Enabled() bool {
	return current() != nil
}

// doIO is the generic suspend-on-EAGAIN routine described in §4.5: try the
// syscall; if it would block, register fd for direction and an optional
// timeout, yield, and retry once woken. It returns the raw syscall result
// (n, err) from the first non-blocking attempt, or (0, ErrTimeout) if the
// deadline elapsed first.
func doIO(fd int, dir ioman.Direction, timeout time.Duration, attempt func() (int, error)) (int, error) {
	s := current()
	if s == nil {
		return retryPassthrough(attempt)
	}

	for {
		n, err := attempt()
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}

		if timeout <= 0 {
			if err := s.mgr.AddEvent(fd, dir); err != nil {
				return 0, err
			}
			continue
		}

		// AddEvent blocks (via fiber.YieldToHold) until either the fd
		// becomes ready or the timer below removes the registration,
		// whichever race wins — §4.5's "timer fire and event fire race
		// harmlessly". DelEvent returns ErrEventNotFound if the real IO
		// event already fired and cleared the registration first, in
		// which case the timer lost the race and does nothing. When it
		// wins, it sets timedOut before rescheduling the fiber, so the
		// flag is already set when AddEvent returns here. timedOut is an
		// atomic.Bool because the timer callback runs on a scheduler
		// worker goroutine, not the fiber's own.
		var timedOut atomic.Bool
		f := fiber.Current()
		timerID := s.mgr.AddTimer(timeout, func() {
			if err := s.mgr.DelEvent(fd, dir); err == nil {
				timedOut.Store(true)
				s.mgr.Reschedule(f)
			}
		}, false)

		if err := s.mgr.AddEvent(fd, dir); err != nil {
			s.mgr.CancelTimer(timerID)
			return 0, err
		}

		if timedOut.Load() {
			return 0, ErrTimeout
		}
		s.mgr.CancelTimer(timerID)
	}
}

// retryPassthrough is what doIO degrades to when hooking is off: a tight
// blocking retry loop is wrong for real non-blocking fds, so callers
// outside a hook-enabled context are expected to have left the fd in
// blocking mode, where EAGAIN cannot occur.
func retryPassthrough(attempt func() (int, error)) (int, error) {
	return attempt()
}

// Sleep suspends the current fiber for d without blocking the underlying
// OS thread, via a one-shot timer, per §4.5's sleep family. Outside a
// hook-enabled fiber context it falls back to time.Sleep.
func Sleep(d time.Duration) {
	s := current()
	if s == nil {
		time.Sleep(d)
		return
	}
	f := fiber.Current()
	if f == nil {
		time.Sleep(d)
		return
	}
	s.mgr.AddTimer(d, func() { s.mgr.Reschedule(f) }, false)
	fiber.YieldToHold()
}
