package hooks

import (
	"github.com/nyxia/fibra"
	"github.com/nyxia/fibra/internal/fdtable"
	"github.com/nyxia/fibra/reactor"
	"golang.org/x/sys/unix"
)

// doIO retries attempt until it makes progress, reports a real error, or
// times out, cooperatively yielding the calling fiber on EAGAIN instead of
// busy-polling. If hooks are disabled, or fd is tracked but is not a
// socket, or the caller has put fd in non-blocking mode itself, attempt
// runs exactly once and its result (including a raw EAGAIN) is returned
// untouched, matching the "direct syscall" behavior a disabled hook
// promises. With hooks enabled, a fd missing from the fd table or already
// closed fails with EBADF without running attempt.
// Otherwise an EAGAIN arms a one-shot timer from fd's configured kind
// timeout (SO_RCVTIMEO/SO_SNDTIMEO) alongside the readiness wait, reporting
// ETIMEDOUT if that timer fires first. Grounded on jacobsa/fuse's
// connection.go readMessage: the same "loop past transient errors, fail on
// anything else" shape, generalized from a single EINTR case on one fd to
// EAGAIN-driven yield/resume (and now timeout) on any fd.
func (h *Hooks) doIO(fd int, events reactor.Event, kind fdtable.TimeoutKind, attempt func() (int, error)) (int, error) {
	if !hooksEnabled() {
		return attempt()
	}

	ctx, tracked := h.Fds.Get(fd)
	if !tracked || ctx.IsClosed() {
		return -1, fibra.EBADF
	}

	if !ctx.IsSocket || ctx.UserNonblock() {
		return attempt()
	}

	timeoutMs := ctx.Timeout(kind)

	for {
		n, err := attempt()
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			if err != nil {
				h.errorf(err, "io fd=%d: %v", fd, err)
			}
			return n, err
		}

		ev, timedOut, waitErr := h.awaitIO(fd, events, timeoutMs)
		if waitErr != nil {
			return -1, waitErr
		}
		if timedOut {
			return -1, fibra.ETIMEDOUT
		}
		if ev == 0 {
			return -1, fibra.EBADF
		}
	}
}

// Read matches unix.Read.
func (h *Hooks) Read(fd int, p []byte) (int, error) {
	return h.doIO(fd, reactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv matches unix.Readv.
func (h *Hooks) Readv(fd int, iovs [][]byte) (int, error) {
	return h.doIO(fd, reactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recvfrom matches unix.Recvfrom, returning the byte count, the sender's
// address and any error.
func (h *Hooks) Recvfrom(fd int, p []byte, flags int) (n int, from unix.Sockaddr, err error) {
	_, err = h.doIO(fd, reactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		var innerErr error
		n, from, innerErr = unix.Recvfrom(fd, p, flags)
		return n, innerErr
	})
	return n, from, err
}

// Recv is Recvfrom without a returned peer address, matching the POSIX
// recv(2) signature.
func (h *Hooks) Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := h.Recvfrom(fd, p, flags)
	return n, err
}

// Write matches unix.Write.
func (h *Hooks) Write(fd int, p []byte) (int, error) {
	return h.doIO(fd, reactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev matches unix.Writev.
func (h *Hooks) Writev(fd int, iovs [][]byte) (int, error) {
	return h.doIO(fd, reactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Sendto matches the POSIX sendto(2) signature (unix.Sendto drops the byte
// count, since a single send call on a connected or addressed socket
// always enqueues the whole buffer).
func (h *Hooks) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return h.doIO(fd, reactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return 0, err
		}
		return len(p), nil
	})
}

// Send is Sendto on an already-connected socket, matching POSIX send(2).
func (h *Hooks) Send(fd int, p []byte, flags int) (int, error) {
	return h.Sendto(fd, p, flags, nil)
}
