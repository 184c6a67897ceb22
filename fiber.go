package fibra

import (
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/nyxia/fibra/internal/gls"
)

// FiberState is the fiber state machine described by the runtime's data
// model: INIT -> READY -> RUNNING -> {HOLD, READY, TERMINATED, EXCEPT}, with
// HOLD/READY able to return to RUNNING when resumed, and Reuse able to bring
// a TERMINATED/EXCEPT fiber that still owns its goroutine back to INIT.
type FiberState int32

const (
	FiberInit FiberState = iota
	FiberReady
	FiberRunning
	FiberHold
	FiberTerminated
	FiberExcept
)

func (s FiberState) String() string {
	switch s {
	case FiberInit:
		return "INIT"
	case FiberReady:
		return "READY"
	case FiberRunning:
		return "RUNNING"
	case FiberHold:
		return "HOLD"
	case FiberTerminated:
		return "TERMINATED"
	case FiberExcept:
		return "EXCEPT"
	default:
		return fmt.Sprintf("FiberState(%d)", int32(s))
	}
}

var fiberIDCounter int64

// Fiber is a stackful coroutine. Rather than a hand-rolled machine-context
// swap (ucontext/setjmp style), each Fiber owns exactly one goroutine parked
// on a pair of unbuffered channels: the goroutine's own call stack plays the
// role of the saved machine context, and handing it the next chance to run
// (or taking it away) is a channel rendezvous instead of a register swap.
type Fiber struct {
	id     int64
	isMain bool

	state atomic.Int32

	entry   func()
	resume  chan *ThreadWorker
	parked  chan struct{}
	reuseCh chan func()

	worker *ThreadWorker // set only by the fiber's own goroutine, in activate

	errorLog *log.Logger
	lastErr  error

	destroyOnce sync.Once
}

// Create allocates a new fiber bound to entry. errLog receives a diagnostic
// (with backtrace) if entry panics; nil discards. The nominal fiber stack
// size has no meaning here since goroutines grow their own stacks, so Create
// takes none.
func Create(entry func(), errLog *log.Logger) *Fiber {
	f := &Fiber{
		id:       atomic.AddInt64(&fiberIDCounter, 1),
		entry:    entry,
		resume:   make(chan *ThreadWorker),
		parked:   make(chan struct{}),
		reuseCh:  make(chan func()),
		errorLog: errLog,
	}
	f.state.Store(int32(FiberInit))
	go f.run()
	runtime.SetFinalizer(f, (*Fiber).destroy)
	return f
}

// newMainFiber creates the distinguished fiber that stands in for a thread's
// own OS stack. It owns no goroutine of its own (entry is nil) and is always
// considered RUNNING: it is active precisely when no other fiber has been
// entered on its ThreadWorker.
func newMainFiber(w *ThreadWorker) *Fiber {
	f := &Fiber{
		id:     -w.tid,
		isMain: true,
		worker: w,
	}
	f.state.Store(int32(FiberRunning))
	return f
}

// ID returns the fiber's monotonically increasing, non-zero identity (main
// fibers use a distinguished negative id derived from their thread's tid).
func (f *Fiber) ID() int64 { return f.id }

// IsMain reports whether this is a thread's distinguished main fiber.
func (f *Fiber) IsMain() bool { return f.isMain }

// State returns the current fiber state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

func (f *Fiber) setState(s FiberState) { f.state.Store(int32(s)) }

// Err returns the captured panic, if the fiber's last run ended in EXCEPT.
func (f *Fiber) Err() error { return f.lastErr }

// run is the body of the fiber's dedicated goroutine. It survives across
// Reuse calls: after a callback finishes (TERMINATED/EXCEPT), the goroutine
// parks on reuseCh instead of exiting, so a pooled fiber can be re-armed
// without paying for a fresh goroutine.
func (f *Fiber) run() {
	entry := f.entry
	for {
		w, ok := <-f.resume
		if !ok {
			return
		}
		f.activate(w)
		f.trampoline(entry)
		f.parked <- struct{}{}

		next, ok := <-f.reuseCh
		if !ok {
			return
		}
		entry = next
	}
}

func (f *Fiber) trampoline(entry func()) {
	defer func() {
		if r := recover(); r != nil {
			f.setState(FiberExcept)
			stack := debug.Stack()
			f.lastErr = &FiberExceptError{FiberID: f.id, Value: r, Stack: stack}
			if f.errorLog != nil {
				f.errorLog.Printf("fibra: fiber %d EXCEPT: %v\n%s", f.id, r, stack)
			}
			return
		}
		f.setState(FiberTerminated)
	}()
	entry()
}

// activate runs on the fiber's own goroutine immediately after it is resumed
// (whether for the first time or after a yield). It records which worker
// resumed it (read back by CurrentWorker from inside hooks) and registers
// this goroutine's current fiber in gls, again on every resume.
func (f *Fiber) activate(w *ThreadWorker) {
	f.worker = w
	currentFiber.Store(gls.ID(), f)
	f.setState(FiberRunning)
}

// Enter swaps the calling (worker) goroutine's execution into f, blocking
// until f yields or terminates. It fails if f is already RUNNING, or is
// TERMINATED/EXCEPT without having been re-armed via Reuse.
func (f *Fiber) Enter(w *ThreadWorker) error {
	if !(f.state.CompareAndSwap(int32(FiberInit), int32(FiberRunning)) ||
		f.state.CompareAndSwap(int32(FiberReady), int32(FiberRunning)) ||
		f.state.CompareAndSwap(int32(FiberHold), int32(FiberRunning))) {
		return fmt.Errorf("fibra: cannot enter fiber %d from state %s", f.id, f.State())
	}

	f.resume <- w
	<-f.parked
	return nil
}

// Reuse re-arms a fiber that is INIT, TERMINATED, or EXCEPT and still owns
// its goroutine, assigning it a new entry callback and resetting its state
// to INIT. It is a programmer error (and panics) to Reuse a
// RUNNING/READY/HOLD fiber.
func (f *Fiber) Reuse(entry func()) {
	switch f.State() {
	case FiberInit, FiberTerminated, FiberExcept:
	default:
		panic(fmt.Sprintf("fibra: Reuse called on fiber %d in state %s", f.id, f.State()))
	}

	f.lastErr = nil
	f.setState(FiberInit)
	f.reuseCh <- entry
}

// destroy releases the fiber's goroutine. It is safe to call more than once
// and is invoked automatically via a finalizer when the Fiber becomes
// unreachable, approximating "destroyed when its owner reference is
// dropped" without an explicit destructor call.
func (f *Fiber) destroy() {
	f.destroyOnce.Do(func() {
		if f.isMain {
			return
		}
		switch f.State() {
		case FiberInit:
			close(f.resume)
		case FiberTerminated, FiberExcept:
			close(f.reuseCh)
		}
	})
}

// currentFiber maps a goroutine's runtime id (see internal/gls) to the Fiber
// currently executing on it. Entries are stored by activate on every resume
// (and by StartThreadWorker for a worker's main fiber) and never removed;
// this is the ambient-context mechanism that
// lets Hooks, plain functions with native syscall signatures, discover "my
// fiber" without an explicit parameter.
var currentFiber sync.Map // map[int64]*Fiber

// CurrentFiber returns the fiber executing on the calling goroutine, or nil
// if none has been registered (i.e. this goroutine is neither a fiber nor a
// ThreadWorker's scheduling loop).
func CurrentFiber() *Fiber {
	v, ok := currentFiber.Load(gls.ID())
	if !ok {
		return nil
	}
	return v.(*Fiber)
}

// CurrentWorker returns the ThreadWorker that most recently resumed the
// calling fiber, or nil if CurrentFiber is nil.
func CurrentWorker() *ThreadWorker {
	f := CurrentFiber()
	if f == nil {
		return nil
	}
	return f.worker
}

// YieldToHold parks the calling fiber in HOLD: the hint that it was
// suspended waiting on something external (a reactor callback, a timer, an
// explicit schedule) rather than being immediately re-runnable. Must be
// called from within a running fiber.
func YieldToHold() {
	yield(FiberHold)
}

// YieldToReady parks the calling fiber in READY: a hint that the scheduler
// should requeue it for another turn as soon as possible.
func YieldToReady() {
	yield(FiberReady)
}

func yield(state FiberState) {
	f := CurrentFiber()
	if f == nil || f.isMain {
		panic("fibra: yield called outside a running fiber")
	}
	f.setState(state)
	f.parked <- struct{}{}
	w := <-f.resume
	f.activate(w)
}
