package ioman

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// clockRollbackWindow is how far backwards the monotonic clock must appear
// to move, between two observations, before a rollback is declared. Per
// §4.3 this is a safety valve: without it a wall-clock adjustment could
// stall every timer indefinitely. time.Now()'s monotonic reading should
// never actually go backwards on its own, but defending against it costs
// one comparison per call.
const clockRollbackWindow = 60 * time.Second

// timerEntry is one scheduled callback.
type timerEntry struct {
	id       uint64
	when     time.Time
	period   time.Duration // 0 for one-shot
	cb       func()
	cond     weak.Pointer[struct{}] // see AddConditionalTimer
	hasCond  bool
	cancelled bool
	index    int // heap index, maintained by container/heap
}

// timerHeap orders entries by (firing time asc, id asc), matching §3's
// tie-break rule.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].id < h[j].id
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerManager fires callables after a delay, per §4.3. It is embedded in
// IOManager rather than used standalone, but has no dependency on the
// scheduler or poller: it just knows about time and callables.
type TimerManager struct {
	mu      sync.RWMutex
	heap    timerHeap
	byID    map[uint64]*timerEntry
	nextID  atomic.Uint64
	lastNow time.Time

	// onCountChange, if set, is invoked (without the manager's own lock
	// held) whenever a timer is added (one-shot or recurring), cancelled,
	// or fires without being re-inserted, so IOManager can keep
	// pending_event_count accurate per Invariant 2. delta is +1 for an
	// addition, negative for removals.
	onCountChange func(delta int)
}

func newTimerManager() *TimerManager {
	return &TimerManager{byID: make(map[uint64]*timerEntry)}
}

func (t *TimerManager) notify(delta int) {
	if t.onCountChange != nil {
		t.onCountChange(delta)
	}
}

// AddTimer schedules cb to run after delay, optionally repeating every
// delay thereafter, and returns an id usable with Cancel.
func (t *TimerManager) AddTimer(delay time.Duration, cb func(), recurring bool) uint64 {
	return t.add(delay, cb, recurring, weak.Pointer[struct{}]{}, false)
}

// AddConditionalTimer schedules cb to run after delay, but only if cond
// still resolves to a live object at firing time. This is used to tie a
// timeout to the lifetime of whatever is waiting for it: if the waiter is
// already gone, the callback — which would otherwise act on stale state —
// is skipped instead of running.
func (t *TimerManager) AddConditionalTimer(delay time.Duration, cb func(), cond weak.Pointer[struct{}], recurring bool) uint64 {
	return t.add(delay, cb, recurring, cond, true)
}

func (t *TimerManager) add(delay time.Duration, cb func(), recurring bool, cond weak.Pointer[struct{}], hasCond bool) uint64 {
	if cb == nil {
		panic("ioman: nil timer callback")
	}
	id := t.nextID.Add(1)
	e := &timerEntry{
		id:      id,
		when:    time.Now().Add(delay),
		cb:      cb,
		cond:    cond,
		hasCond: hasCond,
	}
	if recurring {
		e.period = delay
	}

	t.mu.Lock()
	t.byID[id] = e
	heap.Push(&t.heap, e)
	t.mu.Unlock()

	t.notify(1)
	return id
}

// Cancel marks a timer cancelled by id. It is safe to call even if the
// timer's callback is currently executing: that run completes normally,
// the id is simply removed so the timer never fires again.
func (t *TimerManager) Cancel(id uint64) bool {
	t.mu.Lock()
	e, ok := t.byID[id]
	if !ok || e.cancelled {
		t.mu.Unlock()
		return false
	}
	e.cancelled = true
	delete(t.byID, id)
	if e.index >= 0 {
		heap.Remove(&t.heap, e.index)
	}
	t.mu.Unlock()

	t.notify(-1)
	return true
}

// NextTimeoutMs returns the number of milliseconds until the next timer
// fires (0 if already due), and false if there are no live timers.
func (t *TimerManager) NextTimeoutMs() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.heap) == 0 {
		return 0, false
	}
	d := time.Until(t.heap[0].when)
	if d < 0 {
		d = 0
	}
	return int(d.Milliseconds()), true
}

// ListExpired returns the callables of every timer whose firing time has
// passed as of now, removing one-shots and re-inserting recurring ones at
// their next firing time. Conditional timers whose weak reference has gone
// stale by the time they're collected are silently dropped — per §8 S5,
// their callback must not run.
//
// If the monotonic clock appears to have moved backwards by more than
// clockRollbackWindow since the last call, every timer is treated as
// expired exactly once: a real rewind would otherwise stall every timer
// forever, waiting for a "now" that will never arrive.
func (t *TimerManager) ListExpired(now time.Time) []func() {
	t.mu.Lock()

	rollback := !t.lastNow.IsZero() && now.Before(t.lastNow.Add(-clockRollbackWindow))
	t.lastNow = now

	var fired []*timerEntry
	for len(t.heap) > 0 {
		e := t.heap[0]
		if !rollback && e.when.After(now) {
			break
		}
		heap.Pop(&t.heap)
		delete(t.byID, e.id)
		fired = append(fired, e)
	}

	var readded int
	for _, e := range fired {
		if e.period > 0 && !e.cancelled {
			e.when = now.Add(e.period)
			e.cancelled = false
			t.byID[e.id] = e
			heap.Push(&t.heap, e)
			readded++
		}
	}
	t.mu.Unlock()

	cbs := make([]func(), 0, len(fired))
	for _, e := range fired {
		if e.cancelled {
			continue
		}
		if e.hasCond && e.cond.Value() == nil {
			continue
		}
		cbs = append(cbs, e.cb)
	}

	// Net change in live timer count: every fired, non-recurring timer
	// leaves the live set; recurring ones that were re-added are a wash.
	net := -(len(fired) - readded)
	if net != 0 {
		t.notify(net)
	}

	return cbs
}
