package fibra

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nyxia/fibra/internal/gls"
	"golang.org/x/sys/unix"
)

// ThreadWorker is one of a Scheduler's pool of locked OS threads. It pairs a
// goroutine permanently pinned to its OS thread (runtime.LockOSThread) with
// a distinguished "main fiber" representing that thread's own stack, so the
// rest of the runtime can treat "the scheduling loop" and "a resumed fiber"
// uniformly as Fiber values.
type ThreadWorker struct {
	tid  int64
	name string

	mainFiber *Fiber

	hookEnable atomic.Bool

	ready chan struct{}
	wg    sync.WaitGroup
}

// StartThreadWorker spawns a locked OS thread, waits for it to record its
// kernel tid and register its main fiber, then runs entry on it. entry is
// called on the new thread itself; StartThreadWorker does not return until
// that handshake completes.
func StartThreadWorker(name string, entry func(w *ThreadWorker)) *ThreadWorker {
	w := &ThreadWorker{
		name:  name,
		ready: make(chan struct{}),
	}
	w.hookEnable.Store(true)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		w.tid = int64(unix.Gettid())
		w.mainFiber = newMainFiber(w)
		currentFiber.Store(gls.ID(), w.mainFiber)

		close(w.ready)
		entry(w)
	}()
	<-w.ready

	return w
}

// TID returns the worker's kernel thread id (Linux gettid()).
func (w *ThreadWorker) TID() int64 { return w.tid }

// Name returns the worker's configured name.
func (w *ThreadWorker) Name() string { return w.name }

// MainFiber returns the distinguished fiber representing this thread's own
// stack (always RUNNING).
func (w *ThreadWorker) MainFiber() *Fiber { return w.mainFiber }

// HooksEnabled reports whether blocking syscall Hooks should cooperate with
// the scheduler on this thread (true) or fall through to the native
// implementation (false). Every worker starts with hooks enabled, and no
// code in the runtime calls setHooksEnabled to turn them off.
func (w *ThreadWorker) HooksEnabled() bool { return w.hookEnable.Load() }

func (w *ThreadWorker) setHooksEnabled(v bool) { w.hookEnable.Store(v) }

// Enter resumes f on this worker, returning once f yields or terminates.
func (w *ThreadWorker) Enter(f *Fiber) error {
	if f == w.mainFiber {
		return fmt.Errorf("fibra: cannot Enter a worker's own main fiber")
	}
	return f.Enter(w)
}

// Join blocks until the worker's entry function returns.
func (w *ThreadWorker) Join() { w.wg.Wait() }

func (w *ThreadWorker) logf(logger *log.Logger, format string, args ...interface{}) {
	if logger == nil {
		return
	}
	logger.Printf("fibra: [%s/%d] "+format, append([]interface{}{w.name, w.tid}, args...)...)
}
