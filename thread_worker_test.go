package fibra

import "testing"

func TestStartThreadWorkerRegistersMainFiber(t *testing.T) {
	done := make(chan struct{})
	var mainFiber *Fiber
	var tid int64

	w := StartThreadWorker("worker-a", func(w *ThreadWorker) {
		mainFiber = w.MainFiber()
		tid = w.TID()
		close(done)
	})
	<-done
	w.Join()

	if mainFiber == nil {
		t.Fatal("MainFiber() returned nil")
	}
	if !mainFiber.IsMain() {
		t.Fatal("main fiber IsMain() = false")
	}
	if mainFiber.State() != FiberRunning {
		t.Fatalf("main fiber state = %v, want RUNNING", mainFiber.State())
	}
	if mainFiber.ID() != -tid {
		t.Fatalf("main fiber id = %d, want %d", mainFiber.ID(), -tid)
	}
	if w.Name() != "worker-a" {
		t.Fatalf("Name() = %q, want worker-a", w.Name())
	}
}

func TestEnterOwnMainFiberFails(t *testing.T) {
	done := make(chan struct{})
	var err error
	w := StartThreadWorker("worker-b", func(w *ThreadWorker) {
		err = w.Enter(w.MainFiber())
		close(done)
	})
	<-done
	w.Join()

	if err == nil {
		t.Fatal("expected Enter on own main fiber to fail")
	}
}

func TestWorkerEntersChildFiber(t *testing.T) {
	done := make(chan struct{})
	ran := false
	w := StartThreadWorker("worker-c", func(w *ThreadWorker) {
		f := Create(func() { ran = true }, nil)
		if err := w.Enter(f); err != nil {
			t.Errorf("Enter: %v", err)
		}
		close(done)
	})
	<-done
	w.Join()

	if !ran {
		t.Fatal("child fiber entry never ran")
	}
}
