package hooks

import (
	"github.com/nyxia/fibra/internal/fdtable"
	"golang.org/x/sys/unix"
)

// Fcntl matches unix.FcntlInt, additionally overlaying the fd table's view
// of non-blocking mode on F_SETFL/F_GETFL: F_SETFL records the caller's
// requested O_NONBLOCK bit as UserNonblock and, if the runtime has already
// forced the fd non-blocking for itself (SysNonblock), keeps the real flag
// set underneath regardless of what the caller asked for; F_GETFL then
// hides that forced bit again so the caller sees the mode it thinks it set.
func (h *Hooks) Fcntl(fd uintptr, cmd, arg int) (int, error) {
	if !hooksEnabled() {
		return unix.FcntlInt(fd, cmd, arg)
	}

	ctx, tracked := h.Fds.Get(int(fd))

	switch cmd {
	case unix.F_SETFL:
		if tracked {
			ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
			if ctx.SysNonblock() {
				arg |= unix.O_NONBLOCK
			}
		}
		return unix.FcntlInt(fd, cmd, arg)

	case unix.F_GETFL:
		flags, err := unix.FcntlInt(fd, cmd, arg)
		if err != nil || !tracked {
			return flags, err
		}
		if ctx.SysNonblock() && !ctx.UserNonblock() {
			flags &^= unix.O_NONBLOCK
		}
		return flags, nil

	default:
		return unix.FcntlInt(fd, cmd, arg)
	}
}

// Setsockopt matches unix.SetsockoptInt, additionally intercepting
// SO_RCVTIMEO/SO_SNDTIMEO: value is the timeout in milliseconds (0 meaning
// no timeout, matching the conventional meaning of a zeroed struct timeval)
// recorded in the fd's FdCtx for doIO to read, rather than relied upon from
// the kernel, since a fiber's cooperative wait is driven by the Reactor's
// own timer heap rather than blocking in the read/write syscall itself. The
// kernel takes these two options as a struct timeval, so value is passed
// down converted to one.
func (h *Hooks) Setsockopt(fd, level, opt, value int) error {
	if !hooksEnabled() {
		return unix.SetsockoptInt(fd, level, opt, value)
	}

	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if ctx, tracked := h.Fds.Get(fd); tracked {
			kind := fdtable.RecvTimeout
			if opt == unix.SO_SNDTIMEO {
				kind = fdtable.SendTimeout
			}
			ms := int64(value)
			if ms <= 0 {
				ms = fdtable.InfiniteTimeoutMs
			}
			ctx.SetTimeout(kind, ms)
		}
		tv := unix.NsecToTimeval(int64(value) * 1e6)
		return unix.SetsockoptTimeval(fd, level, opt, &tv)
	}

	return unix.SetsockoptInt(fd, level, opt, value)
}
