// Package reactor implements the single epoll-based event loop that backs
// fibra's blocking-syscall hooks: a TimerHeap for sleeps and timeouts, and a
// Reactor that multiplexes both epoll readiness and timer expiry into a
// Scheduler's idle-worker slot.
package reactor

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/timeutil"
)

// Timer is one scheduled callback. Callback runs on whichever worker drains
// the Reactor's idle slot when the deadline elapses; it must not block.
type Timer struct {
	deadlineMs int64
	schedMs    int64 // the delay/period most recently used to compute deadlineMs
	repeat     bool
	callback   func()
	cancelled  atomic.Bool
	index      int // heap.Interface bookkeeping
}

// Cancel prevents a pending timer from firing, returning whether it was
// still live (not already cancelled or fired) at the moment of the call.
// Safe to call more than once, and safe to call after the timer has
// already fired.
func (t *Timer) Cancel() bool {
	return !t.cancelled.Swap(true)
}

type timerQueue []*Timer

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].deadlineMs < q[j].deadlineMs }
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}

func (q *timerQueue) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// TimerHeap is a min-heap of Timers ordered by absolute deadline,
// grounded on the eventloop package's container/heap-based timer queue but
// generalized to carry period/cancel/refresh/reset semantics and sourced
// from an injectable Clock so tests can control time without sleeping.
// Deadlines are Unix-time milliseconds of the clock's Now (see nowMs), a
// wall-clock reading: a step of the wall clock shifts when pending timers
// fire.
type TimerHeap struct {
	clock timeutil.Clock

	mu sync.Mutex
	q  timerQueue

	tickled         bool
	onInsertedFront func()
}

// NewTimerHeap constructs an empty heap using clock as its time source.
func NewTimerHeap(clock timeutil.Clock) *TimerHeap {
	return &TimerHeap{clock: clock}
}

// SetInsertedFrontHook installs fn to be invoked whenever a newly
// scheduled (via AddTimer/AddInterval/AddConditionTimer/Refresh/Reset)
// timer becomes the new earliest deadline in the heap, debounced by the
// tickled flag so it fires at most once between NextDeadlineMs calls. The
// Reactor uses this to kick its self-pipe, so a worker already blocked in
// epoll_wait with a longer, stale timeout (computed before this timer
// existed) notices the new, sooner deadline immediately instead of only
// recomputing wait_ms on its own next cycle.
func (h *TimerHeap) SetInsertedFrontHook(fn func()) {
	h.mu.Lock()
	h.onInsertedFront = fn
	h.mu.Unlock()
}

// AddTimer schedules callback to run at now+delayMs (one-shot).
func (h *TimerHeap) AddTimer(delayMs int64, callback func()) *Timer {
	return h.addTimer(delayMs, false, callback)
}

// AddInterval schedules callback to run every periodMs, starting at
// now+periodMs.
func (h *TimerHeap) AddInterval(periodMs int64, callback func()) *Timer {
	return h.addTimer(periodMs, true, callback)
}

// AddConditionTimer schedules callback to run at now+delayMs, but only if
// *guard is still non-zero when the deadline elapses. This is the runtime's
// resolution of the "does a cancelled timer's closure keep its owner alive"
// question: the caller owns guard (typically a field on the object the
// timer serves) and flips it to zero when that object is torn down, rather
// than the timer holding a reference the owner cannot drop.
func (h *TimerHeap) AddConditionTimer(delayMs int64, guard *int32, callback func()) *Timer {
	return h.addTimer(delayMs, false, func() {
		if atomic.LoadInt32(guard) != 0 {
			callback()
		}
	})
}

func (h *TimerHeap) addTimer(delayMs int64, repeat bool, callback func()) *Timer {
	t := &Timer{
		deadlineMs: h.nowMs() + delayMs,
		schedMs:    delayMs,
		repeat:     repeat,
		callback:   callback,
	}

	h.mu.Lock()
	heap.Push(&h.q, t)
	tickle, hook := h.noteFrontLocked(t)
	h.mu.Unlock()

	if tickle && hook != nil {
		hook()
	}
	return t
}

// Refresh reinserts t with next = now + the delay/period it was most
// recently scheduled with, as if it were just added fresh. Safe to call on
// a timer that already fired (CollectExpired already popped it) or one
// still pending (it is removed and reinserted).
func (h *TimerHeap) Refresh(t *Timer) {
	h.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&h.q, t.index)
	}
	t.cancelled.Store(false)
	t.deadlineMs = h.nowMs() + t.schedMs
	heap.Push(&h.q, t)
	tickle, hook := h.noteFrontLocked(t)
	h.mu.Unlock()

	if tickle && hook != nil {
		hook()
	}
}

// Reset changes t's scheduled period to newPeriodMs. If fromNow, the next
// deadline becomes now+newPeriodMs; otherwise the existing deadline shifts
// by newPeriodMs minus the period it was previously scheduled with,
// preserving phase. Does not change whether t repeats.
func (h *TimerHeap) Reset(t *Timer, newPeriodMs int64, fromNow bool) {
	h.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&h.q, t.index)
	}
	old := t.schedMs
	t.schedMs = newPeriodMs
	if fromNow {
		t.deadlineMs = h.nowMs() + newPeriodMs
	} else {
		t.deadlineMs += newPeriodMs - old
	}
	heap.Push(&h.q, t)
	tickle, hook := h.noteFrontLocked(t)
	h.mu.Unlock()

	if tickle && hook != nil {
		hook()
	}
}

// noteFrontLocked reports (with h.mu already held) whether t just became
// the new earliest deadline and, if so and the tickled debounce hasn't
// already fired since the last NextDeadlineMs call, flags tickled and
// returns the hook to invoke once the lock is released.
func (h *TimerHeap) noteFrontLocked(t *Timer) (tickle bool, hook func()) {
	if len(h.q) == 0 || h.q[0] != t || h.tickled {
		return false, nil
	}
	h.tickled = true
	return true, h.onInsertedFront
}

func (h *TimerHeap) nowMs() int64 {
	return h.clock.Now().UnixNano() / int64(1e6)
}

// NextDeadlineMs returns the absolute deadline (ms) of the earliest
// non-cancelled timer, and ok=false if the heap has nothing pending. The
// Reactor uses this to bound its epoll_wait call. Clears the tickled
// debounce flag, re-arming it for the next inserted-at-front timer.
func (h *TimerHeap) NextDeadlineMs() (deadline int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tickled = false
	for len(h.q) > 0 {
		t := h.q[0]
		if t.cancelled.Load() {
			heap.Pop(&h.q)
			continue
		}
		return t.deadlineMs, true
	}
	return 0, false
}

// CollectExpired pops and returns every timer whose deadline is <= now,
// re-arming repeating timers for their next period. Cancelled timers are
// dropped silently rather than returned.
func (h *TimerHeap) CollectExpired() []*Timer {
	now := h.nowMs()

	h.mu.Lock()
	defer h.mu.Unlock()

	var expired []*Timer
	for len(h.q) > 0 && h.q[0].deadlineMs <= now {
		t := heap.Pop(&h.q).(*Timer)
		if t.cancelled.Load() {
			continue
		}
		expired = append(expired, t)
		if t.repeat {
			t.deadlineMs = now + t.schedMs
			heap.Push(&h.q, t)
		} else {
			// A fired one-shot timer is no longer live for Cancel.
			t.cancelled.Store(true)
		}
	}
	return expired
}

// Len reports the number of timers currently held, cancelled or not.
func (h *TimerHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.q)
}
