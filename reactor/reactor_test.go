package reactor

import (
	"testing"
	"time"

	"github.com/nyxia/fibra"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(&fakeClock{now: time.Unix(0, 0)}, 200*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func pipeFds(t *testing.T) (int, int) {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReactorAddEventFiresOnReadable(t *testing.T) {
	r := newTestReactor(t)
	rfd, wfd := pipeFds(t)

	fired := make(chan Event, 1)
	if err := r.AddEvent(rfd, EventRead, func(ev Event) { fired <- ev }); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	defer r.DelEvent(rfd, EventRead, false)

	if _, err := unix.Write(wfd, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r.pollOnce()

	select {
	case ev := <-fired:
		if ev&EventRead == 0 {
			t.Fatalf("fired event = %v, want EventRead bit set", ev)
		}
	default:
		t.Fatal("callback never fired after pollOnce")
	}

	if got := r.PendingEvents(); got != 0 {
		t.Fatalf("PendingEvents after fire = %d, want 0", got)
	}
}

func TestReactorAddEventTwiceFails(t *testing.T) {
	r := newTestReactor(t)
	rfd, _ := pipeFds(t)

	if err := r.AddEvent(rfd, EventRead, func(Event) {}); err != nil {
		t.Fatalf("first AddEvent: %v", err)
	}
	defer r.DelEvent(rfd, EventRead, false)

	err := r.AddEvent(rfd, EventRead, func(Event) {})
	if _, ok := err.(*fibra.AlreadyArmedError); !ok {
		t.Fatalf("second AddEvent error = %v (%T), want *fibra.AlreadyArmedError", err, err)
	}
}

func TestReactorAddEventBothDirectionsIndependently(t *testing.T) {
	r := newTestReactor(t)
	rfd, wfd := pipeFds(t)
	_ = wfd

	if err := r.AddEvent(rfd, EventRead, func(Event) {}); err != nil {
		t.Fatalf("AddEvent(READ): %v", err)
	}
	if err := r.AddEvent(rfd, EventWrite, func(Event) {}); err != nil {
		t.Fatalf("AddEvent(WRITE) on the same fd as an armed READ: %v", err)
	}

	if got := r.PendingEvents(); got != 2 {
		t.Fatalf("PendingEvents after arming both directions = %d, want 2", got)
	}

	if !r.DelEvent(rfd, EventRead, false) {
		t.Fatal("DelEvent(READ) reported not-armed")
	}
	if got := r.PendingEvents(); got != 1 {
		t.Fatalf("PendingEvents after clearing READ = %d, want 1", got)
	}
	if !r.DelEvent(rfd, EventWrite, false) {
		t.Fatal("DelEvent(WRITE) reported not-armed")
	}
	if got := r.PendingEvents(); got != 0 {
		t.Fatalf("PendingEvents after clearing both = %d, want 0", got)
	}
}

func TestReactorDelAndTriggerAllWakesWithZeroEvent(t *testing.T) {
	r := newTestReactor(t)
	rfd, _ := pipeFds(t)

	got := make(chan Event, 1)
	if err := r.AddEvent(rfd, EventRead, func(ev Event) { got <- ev }); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	r.DelAndTriggerAll(rfd)

	select {
	case ev := <-got:
		if ev != 0 {
			t.Fatalf("triggered event = %v, want 0", ev)
		}
	default:
		t.Fatal("DelAndTriggerAll never invoked the waiter")
	}

	// A second DelAndTriggerAll on an already-removed fd must be a no-op,
	// not a panic or a second callback invocation.
	r.DelAndTriggerAll(rfd)
}

func TestReactorPollOnceFiresExpiredTimer(t *testing.T) {
	r := newTestReactor(t)
	clock := &fakeClock{now: time.Unix(0, 0)}
	r.timers = NewTimerHeap(clock)

	fired := false
	r.timers.AddTimer(0, func() { fired = true })

	r.pollOnce()

	if !fired {
		t.Fatal("timer with a zero delay never fired on the first pollOnce")
	}
}

func TestReactorIdleFiberIsStablePerWorker(t *testing.T) {
	r := newTestReactor(t)

	done := make(chan struct{})
	var f1, f2 *fibra.Fiber
	w := fibra.StartThreadWorker("reactor-test", func(w *fibra.ThreadWorker) {
		f1 = r.IdleFiber(w)
		f2 = r.IdleFiber(w)
		close(done)
	})
	<-done
	w.Join()

	if f1 != f2 {
		t.Fatal("IdleFiber returned a different fiber for the same worker")
	}
}
