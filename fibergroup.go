package fibra

import "sync"

// FiberGroup joins a set of fibers scheduled concurrently, the way
// sync.WaitGroup joins goroutines. Unlike a busy WaitAll spin loop, Wait
// parks the calling fiber in HOLD (or blocks the calling goroutine, if
// called from outside one) until the count reaches zero.
type FiberGroup struct {
	wg sync.WaitGroup
}

// Add records n more fibers that will later call Done.
func (g *FiberGroup) Add(n int) { g.wg.Add(n) }

// Done records that one fiber tracked by this group has finished.
func (g *FiberGroup) Done() { g.wg.Done() }

// Wait blocks until every fiber added to the group has called Done. Called
// from within a running fiber, it yields to HOLD and has s reschedule the
// calling fiber once the group drains, freeing the worker to run other work
// in the meantime; called from outside any fiber it is a plain
// sync.WaitGroup.Wait.
func (g *FiberGroup) Wait(s *Scheduler) {
	f := CurrentFiber()
	if f == nil || f.IsMain() {
		g.wg.Wait()
		return
	}

	go func() {
		g.wg.Wait()
		_ = s.Schedule(&Task{Fiber: f})
	}()

	YieldToHold()
}

// Go schedules entry onto the scheduler as a new fiber tracked by the
// group, calling Done automatically when entry returns (normally or via
// panic).
func (g *FiberGroup) Go(s *Scheduler, entry func()) error {
	g.Add(1)
	return s.Schedule(&Task{
		Entry: func() {
			defer g.Done()
			entry()
		},
	})
}
