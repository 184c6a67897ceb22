package reactor

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxia/fibra"
	"golang.org/x/sys/unix"
)

// Event is the set of readiness conditions a caller can arm on a fd,
// matching epoll's EPOLLIN/EPOLLOUT. AddEvent/DelEvent each take exactly
// one of these bits; a fd may have both armed simultaneously, one per
// direction.
type Event uint32

const (
	EventRead  Event = unix.EPOLLIN
	EventWrite Event = unix.EPOLLOUT
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	default:
		return fmt.Sprintf("Event(%#x)", uint32(e))
	}
}

// fdTask is the per-fd armed-event record: a bitmask of which directions
// are currently armed, and the payload (callback) for each. At most one of
// readCb/writeCb is non-nil for each bit set in events, mirroring the
// "exactly one non-empty payload per armed direction" shape described by
// the runtime's data model.
type fdTask struct {
	mu      sync.Mutex
	events  Event
	readCb  func(Event)
	writeCb func(Event)
}

// Reactor is the runtime's single epoll instance, installed as a
// Scheduler's IdleFiber so that workers with nothing else to run drive
// epoll_wait and timer expiry instead of blocking outright. Grounded on
// joeycumines-go-utilpkg/eventloop's poller_linux.go for the epoll_ctl/
// epoll_wait wiring and wakeup_linux.go for the wake mechanism (there
// reimplemented here over a self-pipe rather than an eventfd).
type Reactor struct {
	epfd int

	wakeR int
	wakeW int

	mu      sync.RWMutex
	waiters map[int]*fdTask

	pending atomic.Int64 // count of currently armed (fd, direction) pairs

	timers *TimerHeap

	waitCeiling time.Duration
	debugLog    *log.Logger
	errorLog    *log.Logger

	idleMu     sync.Mutex
	idleFibers map[int64]*fibra.Fiber
}

// New creates a Reactor with a fresh epoll instance and self-pipe, using
// clock as the TimerHeap's time source. waitCeiling bounds how long any one
// epoll_wait call blocks when no timer is pending, so a Stop can always be
// observed promptly.
func New(clock interface {
	Now() time.Time
}, waitCeiling time.Duration, debugLog, errorLog *log.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fibra/reactor: EpollCreate1: %w", err)
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("fibra/reactor: Pipe2: %w", err)
	}

	r := &Reactor{
		epfd:        epfd,
		wakeR:       fds[0],
		wakeW:       fds[1],
		waiters:     make(map[int]*fdTask),
		timers:      NewTimerHeap(realClockAdapter{clock}),
		waitCeiling: waitCeiling,
		debugLog:    debugLog,
		errorLog:    errorLog,
		idleFibers:  make(map[int64]*fibra.Fiber),
	}
	r.timers.SetInsertedFrontHook(r.kick)

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.wakeR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(r.wakeR)
		unix.Close(r.wakeW)
		return nil, fmt.Errorf("fibra/reactor: EpollCtl(wake): %w", err)
	}

	return r, nil
}

// realClockAdapter lets New accept any Now()-returning clock (a
// timeutil.Clock in production, a fake in tests) without this package
// importing jacobsa/timeutil just for the interface shape, since
// TimerHeap already depends on it directly.
type realClockAdapter struct {
	c interface{ Now() time.Time }
}

func (a realClockAdapter) Now() time.Time { return a.c.Now() }

// Timers exposes the Reactor's TimerHeap, so hooks.Sleep and friends can
// arm timeouts against the same clock the epoll loop uses to schedule
// itself.
func (r *Reactor) Timers() *TimerHeap { return r.timers }

// PendingEvents returns the number of currently armed (fd, direction)
// pairs, i.e. registrations made via AddEvent that have not yet been
// disarmed by DelEvent, a fire, or DelAndTriggerAll. A fully drained
// Reactor reports 0.
func (r *Reactor) PendingEvents() int64 { return r.pending.Load() }

// InstallOn wires this Reactor into s: idle workers drive epoll_wait
// instead of blocking on the scheduler's bare wake channel, newly
// scheduled work also kicks the self-pipe so a worker parked in
// epoll_wait notices it promptly, and a worker may only fully stop once
// the Reactor itself has nothing pending either.
func (r *Reactor) InstallOn(s *fibra.Scheduler) {
	s.IdleFiber = r.IdleFiber
	s.AddNotifyHook(r.kick)
	s.StopGate = func() bool {
		return r.PendingEvents() == 0 && r.timers.Len() == 0
	}
}

// lockedTask returns fd's fdTask, allocating one under the map write-lock
// if it doesn't exist yet. Callers then take the returned task's own mutex
// to inspect or mutate its armed directions — map write-lock first,
// per-entry mutex second, never the reverse.
func (r *Reactor) lockedTask(fd int, create bool) *fdTask {
	r.mu.RLock()
	t, ok := r.waiters[fd]
	r.mu.RUnlock()
	if ok || !create {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.waiters[fd]; ok {
		return t
	}
	t = &fdTask{}
	r.waiters[fd] = t
	return t
}

// AddEvent arms fd for event (exactly one of EventRead/EventWrite),
// invoking callback from whichever worker's epoll_wait observes it ready.
// A fd may have both directions armed at once, each with its own
// callback; arming the same direction twice without an intervening
// DelEvent (or a fire) is a programmer error.
func (r *Reactor) AddEvent(fd int, event Event, callback func(Event)) error {
	t := r.lockedTask(fd, true)

	t.mu.Lock()
	if t.events&event != 0 {
		t.mu.Unlock()
		return &fibra.AlreadyArmedError{Fd: fd, Event: event.String()}
	}

	prev := t.events
	next := prev | event
	op := unix.EPOLL_CTL_ADD
	if prev != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(r.epfd, op, fd, &unix.EpollEvent{Events: uint32(next) | unix.EPOLLET, Fd: int32(fd)}); err != nil {
		t.mu.Unlock()
		return &fibra.EpollFailureError{Op: "add", Fd: fd, Err: err}
	}

	t.events = next
	if event == EventRead {
		t.readCb = callback
	} else {
		t.writeCb = callback
	}
	t.mu.Unlock()

	r.pending.Add(1)
	r.kick()
	return nil
}

// DelEvent disarms event on fd, returning whether it had in fact been
// armed (false if fd has no registration, or that direction was already
// clear — e.g. it already fired and was cleared by pollOnce). If trigger
// is true and the direction was armed, its stored callback is invoked
// (with the zero Event) before returning; either way the payload is
// cleared.
func (r *Reactor) DelEvent(fd int, event Event, trigger bool) bool {
	t := r.lockedTask(fd, false)
	if t == nil {
		return false
	}

	t.mu.Lock()
	if t.events&event == 0 {
		t.mu.Unlock()
		return false
	}

	var cb func(Event)
	if event == EventRead {
		cb = t.readCb
		t.readCb = nil
	} else {
		cb = t.writeCb
		t.writeCb = nil
	}
	remaining := t.events &^ event
	t.events = remaining
	t.mu.Unlock()

	r.updateKernelRegistration(fd, remaining)
	r.pending.Add(-1)

	if trigger && cb != nil {
		cb(0)
	}
	return true
}

// DelAndTriggerAll disarms every direction on fd and invokes each armed
// direction's callback once with the zero Event, so any fiber parked on fd
// observes it gone (e.g. another fiber closed it) rather than waiting
// forever. Used by hooks.Close. A no-op if fd has no registration.
func (r *Reactor) DelAndTriggerAll(fd int) {
	t := r.lockedTask(fd, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	readCb, writeCb := t.readCb, t.writeCb
	armed := t.events
	t.events, t.readCb, t.writeCb = 0, nil, nil
	t.mu.Unlock()

	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)

	n := int64(0)
	if armed&EventRead != 0 {
		n++
	}
	if armed&EventWrite != 0 {
		n++
	}
	if n > 0 {
		r.pending.Add(-n)
	}

	if readCb != nil {
		readCb(0)
	}
	if writeCb != nil {
		writeCb(0)
	}
}

// updateKernelRegistration reflects remaining (the fdTask's events bitmask
// after some direction was cleared) into the kernel: MOD if the other
// direction is still armed, DEL if neither is. The fdTask's map entry
// itself is never removed — an inert, all-zero fdTask is indistinguishable
// from "never armed" to AddEvent, and leaving it in place means disarming
// and re-arming a fd never races the map write-lock against a concurrent
// AddEvent on the same fd.
func (r *Reactor) updateKernelRegistration(fd int, remaining Event) {
	if remaining == 0 {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: uint32(remaining) | unix.EPOLLET, Fd: int32(fd)})
}

// kick writes to the self-pipe so a worker blocked in epoll_wait returns
// immediately, e.g. because a fd was just armed and might already be
// ready, or a new earliest timer deadline was inserted. Non-blocking and
// safe to call from any goroutine.
func (r *Reactor) kick() {
	var b [1]byte
	for {
		_, err := unix.Write(r.wakeW, b[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

// IdleFiber is installed as a Scheduler's Scheduler.IdleFiber by
// InstallOn: each worker gets its own persistent
// idle fiber that repeatedly calls epoll_wait (bounded by waitCeiling or
// the next timer deadline, whichever is sooner), dispatches ready fds and
// expired timers, then parks. Multiple workers may call epoll_wait on the
// shared epfd concurrently; the kernel fans ready events out to exactly
// one waiter each, so this needs no additional "elect a poller" step.
func (r *Reactor) IdleFiber(w *fibra.ThreadWorker) *fibra.Fiber {
	r.idleMu.Lock()
	defer r.idleMu.Unlock()

	f, ok := r.idleFibers[w.TID()]
	if ok {
		return f
	}

	f = fibra.Create(func() { r.idleLoop() }, r.errorLog)
	r.idleFibers[w.TID()] = f
	return f
}

func (r *Reactor) idleLoop() {
	for {
		r.pollOnce()
		fibra.YieldToHold()
	}
}

func (r *Reactor) pollOnce() {
	timeoutMs := int(r.waitCeiling / time.Millisecond)
	if deadline, ok := r.timers.NextDeadlineMs(); ok {
		if d := int(deadline - r.timers.nowMs()); d < timeoutMs {
			if d < 0 {
				d = 0
			}
			timeoutMs = d
		}
	}

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
	for err == unix.EINTR {
		n, err = unix.EpollWait(r.epfd, events[:], timeoutMs)
	}
	if err != nil {
		if r.errorLog != nil {
			r.errorLog.Printf("fibra/reactor: epoll_wait: %v", err)
		}
		return
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == r.wakeR {
			r.drainWake()
			continue
		}
		r.fireReady(fd, translateEpollEvents(events[i].Events))
	}

	expired := r.timers.CollectExpired()
	for _, t := range expired {
		t.callback()
	}

	if r.debugLog != nil && (n > 0 || len(expired) > 0) {
		r.debugLog.Printf("fibra/reactor: poll: %d fd event(s), %d timer(s) fired", n, len(expired))
	}
}

// translateEpollEvents maps raw epoll bits to the armed directions they
// satisfy. EPOLLERR/EPOLLHUP satisfy every direction that might be armed:
// a fiber blocked on either a pending read or a pending write needs to
// observe a hung-up or errored fd rather than wait on a readiness bit that
// will never arrive.
func translateEpollEvents(raw uint32) Event {
	var ev Event
	if raw&uint32(EventRead) != 0 {
		ev |= EventRead
	}
	if raw&uint32(EventWrite) != 0 {
		ev |= EventWrite
	}
	if raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= EventRead | EventWrite
	}
	return ev
}

// fireReady clears every direction in fired that is currently armed on fd
// — from the kernel registration and the fdTask alike — before invoking
// each cleared direction's callback (READ before WRITE), so a second
// edge-triggered readiness transition arriving before the resumed fiber
// gets scheduled can no longer find a stale armed registration to
// double-fire.
func (r *Reactor) fireReady(fd int, fired Event) {
	t := r.lockedTask(fd, false)
	if t == nil {
		return
	}

	type firedCb struct {
		ev Event
		cb func(Event)
	}
	var ready []firedCb

	t.mu.Lock()
	remaining := t.events
	if fired&EventRead != 0 && t.events&EventRead != 0 {
		ready = append(ready, firedCb{EventRead, t.readCb})
		t.readCb = nil
		remaining &^= EventRead
	}
	if fired&EventWrite != 0 && t.events&EventWrite != 0 {
		ready = append(ready, firedCb{EventWrite, t.writeCb})
		t.writeCb = nil
		remaining &^= EventWrite
	}
	t.events = remaining
	t.mu.Unlock()

	if len(ready) == 0 {
		return
	}

	r.updateKernelRegistration(fd, remaining)

	for _, f := range ready {
		r.pending.Add(-1)
		if f.cb != nil {
			f.cb(f.ev)
		}
	}
}

// Close releases the epoll instance and self-pipe. The Reactor must not be
// used afterward.
func (r *Reactor) Close() error {
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	return unix.Close(r.epfd)
}
