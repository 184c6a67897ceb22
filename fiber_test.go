package fibra

import (
	"errors"
	"testing"
)

func runOnWorker(t *testing.T, f func(w *ThreadWorker)) {
	t.Helper()
	done := make(chan struct{})
	w := StartThreadWorker("test", func(w *ThreadWorker) {
		f(w)
		close(done)
	})
	<-done
	w.Join()
}

func TestFiberYieldRoundTrip(t *testing.T) {
	runOnWorker(t, func(w *ThreadWorker) {
		var trace []string

		f := Create(func() {
			trace = append(trace, "a")
			YieldToHold()
			trace = append(trace, "b")
		}, nil)

		if err := w.Enter(f); err != nil {
			t.Fatalf("first Enter: %v", err)
		}
		if got := f.State(); got != FiberHold {
			t.Fatalf("state after first Enter = %v, want HOLD", got)
		}

		if err := w.Enter(f); err != nil {
			t.Fatalf("second Enter: %v", err)
		}
		if got := f.State(); got != FiberTerminated {
			t.Fatalf("state after second Enter = %v, want TERMINATED", got)
		}

		if len(trace) != 2 || trace[0] != "a" || trace[1] != "b" {
			t.Fatalf("trace = %v, want [a b]", trace)
		}
	})
}

func TestFiberExceptCapturesPanic(t *testing.T) {
	runOnWorker(t, func(w *ThreadWorker) {
		f := Create(func() { panic("boom") }, nil)

		if err := w.Enter(f); err != nil {
			t.Fatalf("Enter: %v", err)
		}
		if got := f.State(); got != FiberExcept {
			t.Fatalf("state = %v, want EXCEPT", got)
		}

		var exc *FiberExceptError
		if !errors.As(f.Err(), &exc) {
			t.Fatalf("Err() = %v, want *FiberExceptError", f.Err())
		}
		if exc.Value != "boom" {
			t.Fatalf("exc.Value = %v, want boom", exc.Value)
		}
	})
}

func TestFiberReuseRearmsAfterTerminate(t *testing.T) {
	runOnWorker(t, func(w *ThreadWorker) {
		ran := 0
		f := Create(func() { ran++ }, nil)

		if err := w.Enter(f); err != nil {
			t.Fatalf("Enter 1: %v", err)
		}
		f.Reuse(func() { ran++ })
		if got := f.State(); got != FiberInit {
			t.Fatalf("state after Reuse = %v, want INIT", got)
		}

		if err := w.Enter(f); err != nil {
			t.Fatalf("Enter 2: %v", err)
		}
		if ran != 2 {
			t.Fatalf("ran = %d, want 2", ran)
		}
	})
}

func TestReuseOnHeldFiberPanics(t *testing.T) {
	runOnWorker(t, func(w *ThreadWorker) {
		started := make(chan struct{})
		f := Create(func() {
			close(started)
			YieldToHold()
		}, nil)

		go func() {
			<-started
		}()

		if err := w.Enter(f); err != nil {
			t.Fatalf("Enter: %v", err)
		}
		// f is now HOLD.

		defer func() {
			if recover() == nil {
				t.Fatal("expected Reuse on a HOLD fiber to panic")
			}
		}()
		f.Reuse(func() {})
	})
}

func TestEnterRejectsAlreadyRunning(t *testing.T) {
	runOnWorker(t, func(w *ThreadWorker) {
		f := Create(func() { YieldToHold() }, nil)
		if err := w.Enter(f); err != nil {
			t.Fatalf("Enter: %v", err)
		}
		// f is HOLD now; force it back to RUNNING to exercise the guard directly.
		f.setState(FiberRunning)
		if err := f.Enter(w); err == nil {
			t.Fatal("expected Enter on a RUNNING fiber to fail")
		}
	})
}

func TestCurrentFiberNilOutsideFiber(t *testing.T) {
	if f := CurrentFiber(); f != nil {
		t.Fatalf("CurrentFiber() = %v, want nil on a plain goroutine", f)
	}
}
