package hooks

import (
	"github.com/nyxia/fibra"
	"github.com/nyxia/fibra/reactor"
	"golang.org/x/sys/unix"
)

// Connect matches unix.Connect. A non-blocking socket's connect attempt
// ordinarily returns EINPROGRESS immediately; enabled, Connect
// cooperatively waits for the fd to become writable (or its configured
// timeout to elapse) before reporting the final outcome, the way a
// blocking connect(2) call would, without blocking the worker's OS thread
// in the meantime. Disabled, or if fd is not a tracked socket, or the
// caller has already put it in non-blocking mode itself (and so presumably
// wants to manage the EINPROGRESS wait on its own), Connect reports
// EINPROGRESS straight back instead of taking over the wait.
func (h *Hooks) Connect(fd int, sa unix.Sockaddr) error {
	if !hooksEnabled() {
		return unix.Connect(fd, sa)
	}

	ctx, tracked := h.Fds.Get(fd)
	isSocket := tracked && ctx.IsSocket
	userNonblock := tracked && ctx.UserNonblock()

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		h.errorf(err, "connect fd=%d: %v", fd, err)
		return err
	}

	if !isSocket || userNonblock {
		return err
	}

	return h.connectWithTimeout(fd)
}

// connectWithTimeout arms the same (timeout, WRITE) race awaitIO uses for
// every other blocking hook, with the timeout drawn from the Hooks-wide
// connect default rather than a per-fd SO_SNDTIMEO (connect has no
// standard per-socket timeout of its own). After resume it inspects
// SO_ERROR to learn the outcome the kernel recorded for the completed (or
// abandoned) connect attempt.
func (h *Hooks) connectWithTimeout(fd int) error {
	_, timedOut, err := h.awaitIO(fd, reactor.EventWrite, h.connectTimeout.Milliseconds())
	if err != nil {
		h.errorf(err, "connect fd=%d: %v", fd, err)
		return err
	}
	if timedOut {
		h.errorf(fibra.ETIMEDOUT, "connect fd=%d: %v", fd, fibra.ETIMEDOUT)
		return fibra.ETIMEDOUT
	}

	errno, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if errno != 0 {
		sockErr := unix.Errno(errno)
		h.errorf(sockErr, "connect fd=%d: %v", fd, sockErr)
		return sockErr
	}
	return nil
}
