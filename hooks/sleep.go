package hooks

import (
	"time"

	"github.com/nyxia/fibra"
	"golang.org/x/sys/unix"
)

// Sleep cooperatively parks the calling fiber for d, scheduling it back
// onto the reactor's timer heap rather than blocking the OS thread the way
// time.Sleep would.
func (h *Hooks) Sleep(d time.Duration) {
	f := fibra.CurrentFiber()
	if !hooksEnabled() || f == nil || f.IsMain() {
		time.Sleep(d)
		return
	}

	h.Reactor.Timers().AddTimer(d.Milliseconds(), func() {
		_ = h.Scheduler.Schedule(&fibra.Task{Fiber: f})
	})
	fibra.YieldToHold()
}

// Usleep is Sleep expressed in microseconds, matching the native usleep(3)
// argument convention.
func (h *Hooks) Usleep(usec int64) {
	h.Sleep(time.Duration(usec) * time.Microsecond)
}

// Nanosleep matches unix.Nanosleep's signature: sleep for the duration in
// req, optionally reporting the unslept remainder in rem if interrupted.
// Since a cooperative sleep is never interrupted by a signal the way the
// real syscall can be, rem is always left zeroed.
func (h *Hooks) Nanosleep(req *unix.Timespec, rem *unix.Timespec) error {
	if req == nil {
		return unix.EINVAL
	}
	h.Sleep(time.Duration(req.Sec)*time.Second + time.Duration(req.Nsec)*time.Nanosecond)
	if rem != nil {
		*rem = unix.Timespec{}
	}
	return nil
}
