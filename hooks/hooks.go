// Package hooks reimplements the blocking syscalls a fiber's user code
// calls — sleep, socket I/O, connect, accept, close, fcntl, setsockopt — so
// that a call which would otherwise block the OS thread instead yields the
// calling fiber and lets its worker run other work until the syscall can
// make progress.
//
// Every exported function here matches the signature of the native call it
// replaces so that call sites read exactly like they would calling the
// kernel directly; the cooperation with the scheduler happens entirely
// inside. Each hook first checks whether its calling thread has hooks
// enabled at all (see ThreadWorker.HooksEnabled) and, if not, falls
// straight through to the native call. Grounded on jacobsa/fuse's
// connection.go readMessage/writeMessage EINTR-retry loop and
// shouldLogError's "don't spook the user with expected errors" filtering,
// generalized from one fixed /dev/fuse descriptor to any fd.
package hooks

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxia/fibra"
	"github.com/nyxia/fibra/internal/buffer"
	"github.com/nyxia/fibra/internal/fdtable"
	"github.com/nyxia/fibra/reactor"
	"golang.org/x/sys/unix"
)

// Hooks bundles everything the replaced syscalls need: the reactor they
// arm fds against, the fd table they consult to decide whether a fd is a
// socket at all, a scratch buffer pool, and a timeout default.
type Hooks struct {
	Reactor        *reactor.Reactor
	Scheduler      *fibra.Scheduler
	Fds            *fdtable.Table
	scratch        *buffer.Pool
	connectTimeout time.Duration
	debugLog       *log.Logger
	errorLog       *log.Logger
}

// New builds a Hooks bound to react and sched, holding a pool of
// scratchSize-byte buffers. The read/write hooks work directly on the
// caller's buffers and do not draw from that pool.
func New(react *reactor.Reactor, sched *fibra.Scheduler, fds *fdtable.Table, scratchSize int, connectTimeout time.Duration, debugLog, errorLog *log.Logger) *Hooks {
	return &Hooks{
		Reactor:        react,
		Scheduler:      sched,
		Fds:            fds,
		scratch:        buffer.NewPool(scratchSize),
		connectTimeout: connectTimeout,
		debugLog:       debugLog,
		errorLog:       errorLog,
	}
}

// hooksEnabled reports whether the calling goroutine is running as a fiber
// on a ThreadWorker whose hook-enable flag is set. A goroutine with no
// current worker at all (plumbing code running before any Scheduler exists,
// or a plain test goroutine) has nowhere to cooperatively yield to, so it
// is treated the same as an explicitly disabled worker: every hook falls
// through to the native syscall.
func hooksEnabled() bool {
	w := fibra.CurrentWorker()
	return w != nil && w.HooksEnabled()
}

// shouldLogQuiet reports whether err is expected often enough in normal
// operation that logging it would just spook the user, mirroring
// Connection.shouldLogError's per-opcode allowlist but keyed on errno
// instead of FUSE op type, since Hooks has no opcode to switch on.
func (h *Hooks) shouldLogQuiet(err error) bool {
	switch err {
	case nil, unix.EAGAIN, unix.EINTR, fibra.ETIMEDOUT, unix.ECONNRESET, unix.EPIPE:
		return true
	default:
		return false
	}
}

func (h *Hooks) debugf(format string, args ...interface{}) {
	if h.debugLog != nil {
		h.debugLog.Printf("fibra/hooks: "+format, args...)
	}
}

func (h *Hooks) errorf(err error, format string, args ...interface{}) {
	if h.errorLog != nil && !h.shouldLogQuiet(err) {
		h.errorLog.Printf("fibra/hooks: "+format, args...)
	}
}

// awaitIO suspends the calling fiber until the reactor observes fd ready
// for events, or, unless timeoutMs is fdtable.InfiniteTimeoutMs, until a
// matching one-shot timer fires first — the coroutine analogue of a
// blocking read/write/accept/connect call racing against SO_RCVTIMEO/
// SO_SNDTIMEO. Whichever resolves first disarms the other before the fiber
// resumes, so neither a stale kernel registration nor a stale timer can
// fire again afterward. Must be called from within a running fiber (never
// the thread's main fiber).
func (h *Hooks) awaitIO(fd int, events reactor.Event, timeoutMs int64) (ev reactor.Event, timedOut bool, err error) {
	f := fibra.CurrentFiber()
	if f == nil || f.IsMain() {
		panic("fibra/hooks: blocking hook called outside a running fiber")
	}

	var once sync.Once
	var timer *reactor.Timer
	guard := int32(1)

	resolve := func(gotEv reactor.Event, isTimeout bool) {
		once.Do(func() {
			atomic.StoreInt32(&guard, 0)
			if timer != nil {
				timer.Cancel()
			}
			ev = gotEv
			timedOut = isTimeout
			_ = h.Scheduler.Schedule(&fibra.Task{Fiber: f})
		})
	}

	armErr := h.Reactor.AddEvent(fd, events, func(got reactor.Event) {
		resolve(got, false)
	})
	if armErr != nil {
		return 0, false, armErr
	}

	if timeoutMs != fdtable.InfiniteTimeoutMs {
		timer = h.Reactor.Timers().AddConditionTimer(timeoutMs, &guard, func() {
			h.Reactor.DelEvent(fd, events, false)
			resolve(0, true)
		})
	}

	fibra.YieldToHold()

	h.Reactor.DelEvent(fd, events, false)
	return ev, timedOut, nil
}
