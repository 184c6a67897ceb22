package fibra

import (
	"log"
	"sync"

	"github.com/jacobsa/syncutil"
)

// Task is a unit of scheduled work: run entry on some fiber. If Fiber is
// nil, the Scheduler allocates a fresh one and discards it once the task's
// callback terminates; a caller that wants to keep resuming the same fiber
// across multiple yields (a server-connection handler, say) supplies its own.
type Task struct {
	Fiber  *Fiber
	Entry  func()
	Worker int64 // pin to a specific ThreadWorker.tid; 0 means "any worker"
}

// Scheduler owns a bounded pool of ThreadWorkers pulling from a single FIFO
// task queue, with optional per-task thread pinning. When the queue is empty
// a worker resumes its IdleFiber if one is installed (Reactor installs one
// that multiplexes epoll_wait and timer servicing into the idle slot); with
// none installed, the worker blocks its OS thread until the next wake
// broadcast.
type Scheduler struct {
	cfg     Config
	workers []*ThreadWorker

	mu          syncutil.InvariantMutex // GUARDED_BY below
	queue       []*Task                 // GUARDED_BY(mu)
	stopped     bool                    // GUARDED_BY(mu)
	activeCount int                     // GUARDED_BY(mu): workers currently running a fiber
	idleCount   int                     // GUARDED_BY(mu): workers currently parked in idle

	wakeMu sync.Mutex
	wakeCh chan struct{} // closed to broadcast a wake, replaced after

	// IdleFiber, if non-nil, is resumed by a worker that finds the queue
	// empty instead of spinning. Its entry should eventually call
	// YieldToHold or YieldToReady; Reactor installs its own here.
	IdleFiber func(w *ThreadWorker) *Fiber

	// notify is called after every schedule/scheduleBatch and after any
	// change that might let a stopped scheduler finish draining; Reactor
	// composes onto it to additionally kick its self-pipe so a worker
	// blocked in epoll_wait wakes promptly instead of waiting out its
	// timeout.
	notify func()

	// StopGate, if non-nil, is consulted once the ordinary drain condition
	// (stopped, queue empty, no worker actively running a fiber) holds.
	// Returning false keeps every worker parked in idle instead of
	// exiting loop. Reactor installs one here so a Stop doesn't tear down
	// a worker while a timer or epoll registration is still pending and
	// could hand it more work.
	StopGate func() bool
}

// NewScheduler builds a Scheduler with the given configuration but does not
// start any workers; call Start.
func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		wakeCh: make(chan struct{}),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	s.notify = s.broadcastWake
	return s
}

// broadcastWake wakes every worker currently parked in the bare wake-channel
// fallback (idle with no IdleFiber installed). Closing and replacing the
// channel, rather than sending on a buffered one, ensures every waiter sees
// the wake regardless of how many workers are blocked or how many times
// notify fires before they get scheduled to check again.
func (s *Scheduler) broadcastWake() {
	s.wakeMu.Lock()
	close(s.wakeCh)
	s.wakeCh = make(chan struct{})
	s.wakeMu.Unlock()
}

func (s *Scheduler) waitWake() {
	s.wakeMu.Lock()
	ch := s.wakeCh
	s.wakeMu.Unlock()
	<-ch
}

// AddNotifyHook composes hook into the scheduler's wake notification,
// called every time Schedule/ScheduleBatch adds work or a worker's drain
// state changes, in addition to the default broadcast. Reactor uses this to
// also kick its self-pipe, so a worker blocked in epoll_wait wakes for
// newly scheduled work instead of waiting out its timeout.
func (s *Scheduler) AddNotifyHook(hook func()) {
	prev := s.notify
	s.notify = func() {
		prev()
		hook()
	}
}

func (s *Scheduler) checkInvariants() {
	for _, t := range s.queue {
		if t == nil {
			panic("fibra: nil task in scheduler queue")
		}
	}
	if s.activeCount < 0 || s.idleCount < 0 {
		panic("fibra: scheduler worker count went negative")
	}
}

// Start launches cfg.workers() ThreadWorkers, each running the scheduling
// loop.
func (s *Scheduler) Start() {
	n := s.cfg.workers()
	s.workers = make([]*ThreadWorker, 0, n)
	for i := 0; i < n; i++ {
		w := StartThreadWorker(s.cfg.Name, s.loop)
		s.workers = append(s.workers, w)
	}
}

// Stop marks the scheduler stopped (further Schedule calls fail with
// ErrSchedulerStopped) and wakes every worker so it can re-check the drain
// condition. A worker with queued work, a fiber still running, or a pending
// reactor registration keeps draining rather than exiting immediately; Stop
// only guarantees no new work is accepted, not that workers have exited —
// call Join for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.notify()
}

// Join waits for every worker's loop to return, i.e. for Stop to have fully
// drained the pool.
func (s *Scheduler) Join() {
	for _, w := range s.workers {
		w.Join()
	}
}

// Schedule enqueues t for execution by some worker (or, if t.Worker is set,
// specifically the worker with that tid). Returns ErrSchedulerStopped if the
// scheduler has been stopped.
func (s *Scheduler) Schedule(t *Task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.notify()
	return nil
}

// ScheduleBatch is Schedule for multiple tasks under a single lock
// acquisition and a single notify, for callers that ready many fibers at
// once.
func (s *Scheduler) ScheduleBatch(tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.queue = append(s.queue, tasks...)
	s.mu.Unlock()

	s.notify()
	return nil
}

// dequeue pops the first queued task eligible to run on w (unpinned, or
// pinned to w.tid), leaving tasks pinned to other workers in place.
func (s *Scheduler) dequeue(w *ThreadWorker) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.queue {
		if t.Worker != 0 && t.Worker != w.tid {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		return t
	}
	return nil
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// readyToStop reports whether a worker may exit loop: the scheduler is
// stopped, nothing is queued, no worker is actively running a fiber, and
// (if installed) StopGate agrees nothing pending elsewhere could still hand
// a worker more work.
func (s *Scheduler) readyToStop() bool {
	s.mu.Lock()
	ready := s.stopped && len(s.queue) == 0 && s.activeCount == 0
	s.mu.Unlock()
	if !ready {
		return false
	}
	if s.StopGate != nil {
		return s.StopGate()
	}
	return true
}

// loop is the body every ThreadWorker runs: pull a task, run it to
// completion on its fiber (or one quantum, if the callback yields), repeat;
// fall back to the idle fiber when the queue has nothing for this worker. A
// stopped scheduler still drains whatever remains queued or pending before
// a worker returns.
func (s *Scheduler) loop(w *ThreadWorker) {
	debugLog := s.cfg.debugLogger()

	for {
		t := s.dequeue(w)
		if t == nil {
			if s.readyToStop() {
				return
			}
			s.idle(w)
			continue
		}

		s.mu.Lock()
		s.activeCount++
		s.mu.Unlock()

		f := t.Fiber
		if f == nil {
			f = Create(t.Entry, s.cfg.errorLogger())
		} else if f.State() == FiberTerminated || f.State() == FiberExcept {
			f.Reuse(t.Entry)
		}

		if err := w.Enter(f); err != nil {
			s.debugf(debugLog, "Enter failed: %v", err)
		} else {
			switch f.State() {
			case FiberReady:
				s.requeueSameFiber(f, t.Worker)
			case FiberExcept:
				s.debugf(debugLog, "fiber %d terminated with exception: %v", f.ID(), f.Err())
			}
			// HOLD: whoever woke the fiber (a reactor callback, a timer) is
			// responsible for re-scheduling it; TERMINATED needs nothing further.
		}

		s.mu.Lock()
		s.activeCount--
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			// Wake any worker already parked in idle so it re-checks
			// readyToStop now that this one's done, rather than waiting
			// out whatever it's blocked on.
			s.notify()
		}
	}
}

func (s *Scheduler) requeueSameFiber(f *Fiber, pin int64) {
	s.Schedule(&Task{Fiber: f, Worker: pin})
}

// idle runs when a worker finds nothing to do. With no IdleFiber installed
// it blocks on a broadcast wake (a true OS-thread block, acceptable since no
// fiber is runnable anywhere); Reactor installs an IdleFiber so the same
// slot instead drives epoll_wait.
func (s *Scheduler) idle(w *ThreadWorker) {
	s.mu.Lock()
	s.idleCount++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.idleCount--
		s.mu.Unlock()
	}()

	if s.IdleFiber == nil {
		s.waitWake()
		return
	}

	f := s.IdleFiber(w)
	if f.State() == FiberTerminated || f.State() == FiberExcept {
		return
	}
	_ = w.Enter(f)
}

func (s *Scheduler) debugf(l *log.Logger, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.Printf("fibra: scheduler: "+format, args...)
}

// Stats is a point-in-time snapshot useful for tests and diagnostics.
type Stats struct {
	Workers int
	Queued  int
	Active  int
	Idle    int
	Stopped bool
}

// Stats returns a snapshot of the scheduler's current queue depth and
// lifecycle state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Workers: len(s.workers),
		Queued:  len(s.queue),
		Active:  s.activeCount,
		Idle:    s.idleCount,
		Stopped: s.stopped,
	}
}
