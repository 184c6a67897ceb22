package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTimerHeapOrdersByDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	var order []int
	h.AddTimer(300, func() { order = append(order, 3) })
	h.AddTimer(100, func() { order = append(order, 1) })
	h.AddTimer(200, func() { order = append(order, 2) })

	clock.advance(350 * time.Millisecond)
	for _, timer := range h.CollectExpired() {
		timer.callback()
	}

	if diff := pretty.Compare([]int{1, 2, 3}, order); diff != "" {
		t.Fatalf("firing order mismatch (-want +got):\n%s", diff)
	}
}

func TestTimerHeapCancelSkipsCallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	fired := false
	timer := h.AddTimer(100, func() { fired = true })
	timer.Cancel()

	clock.advance(200 * time.Millisecond)
	for _, timer := range h.CollectExpired() {
		timer.callback()
	}

	if fired {
		t.Fatal("cancelled timer fired")
	}
}

func TestTimerHeapConditionTimerHonorsGuard(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	var guard int32 = 1
	fired := false
	h.AddConditionTimer(100, &guard, func() { fired = true })

	atomic.StoreInt32(&guard, 0)
	clock.advance(200 * time.Millisecond)
	for _, timer := range h.CollectExpired() {
		timer.callback()
	}

	if fired {
		t.Fatal("condition timer fired after guard cleared")
	}
}

func TestTimerHeapIntervalReschedules(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	count := 0
	h.AddInterval(100, func() { count++ })

	for i := 0; i < 3; i++ {
		clock.advance(100 * time.Millisecond)
		for _, timer := range h.CollectExpired() {
			timer.callback()
		}
	}

	if count != 3 {
		t.Fatalf("expected 3 firings, got %d", count)
	}
	if h.Len() != 1 {
		t.Fatalf("expected interval timer still pending, got len %d", h.Len())
	}
}

func TestTimerHeapCancelReportsPriorLiveness(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	timer := h.AddTimer(100, func() {})
	if !timer.Cancel() {
		t.Fatal("first Cancel on a live timer should report true")
	}
	if timer.Cancel() {
		t.Fatal("second Cancel on an already-cancelled timer should report false")
	}
}

func TestTimerHeapRefreshExtendsDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	fired := false
	timer := h.AddTimer(100, func() { fired = true })

	clock.advance(80 * time.Millisecond)
	h.Refresh(timer)

	clock.advance(80 * time.Millisecond) // t=160ms, 80ms since Refresh
	h.CollectExpired()
	if fired {
		t.Fatal("refreshed timer fired before its new deadline")
	}

	clock.advance(30 * time.Millisecond) // t=190ms, 110ms since Refresh
	for _, timer := range h.CollectExpired() {
		timer.callback()
	}
	if !fired {
		t.Fatal("refreshed timer never fired at its new deadline")
	}
}

func TestTimerHeapResetChangesPeriod(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	fired := false
	timer := h.AddTimer(500, func() { fired = true })

	h.Reset(timer, 50, true)
	clock.advance(60 * time.Millisecond)
	for _, timer := range h.CollectExpired() {
		timer.callback()
	}

	if !fired {
		t.Fatal("timer reset to a shorter period never fired")
	}
}

func TestTimerHeapInsertedFrontHookDebounced(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	var kicks int32
	h.SetInsertedFrontHook(func() { atomic.AddInt32(&kicks, 1) })

	h.AddTimer(500, func() {})
	if got := atomic.LoadInt32(&kicks); got != 1 {
		t.Fatalf("first timer (becomes front) should kick once, got %d", got)
	}

	h.AddTimer(1000, func() {})
	if got := atomic.LoadInt32(&kicks); got != 1 {
		t.Fatalf("a later-deadline timer must not kick, got %d", got)
	}

	// A poller that already woke up from the first kick hasn't yet called
	// NextDeadlineMs to consume it, so a second, still-earlier front change
	// is coalesced into that same pending wakeup rather than kicking again.
	h.AddTimer(100, func() {})
	if got := atomic.LoadInt32(&kicks); got != 1 {
		t.Fatalf("a second front change before NextDeadlineMs should be debounced, got %d", got)
	}

	h.NextDeadlineMs()
	h.AddTimer(10, func() {})
	if got := atomic.LoadInt32(&kicks); got != 2 {
		t.Fatalf("debounce should re-arm after NextDeadlineMs, got %d", got)
	}
}

func TestTimerHeapNextDeadlineSkipsCancelled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewTimerHeap(clock)

	early := h.AddTimer(50, func() {})
	h.AddTimer(500, func() {})
	early.Cancel()

	deadline, ok := h.NextDeadlineMs()
	if !ok {
		t.Fatal("expected a pending deadline")
	}
	if deadline != 500 {
		t.Fatalf("expected cancelled timer skipped, got deadline %d", deadline)
	}
}
