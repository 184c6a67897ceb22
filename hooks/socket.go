package hooks

import (
	"github.com/nyxia/fibra/internal/fdtable"
	"github.com/nyxia/fibra/reactor"
	"golang.org/x/sys/unix"
)

// Socket matches unix.Socket. When hooks are enabled it additionally sets
// O_NONBLOCK (required for every other hook in this package to cooperate
// rather than block) and registers the new fd in the fd table; disabled,
// it is a direct passthrough with neither.
func (h *Hooks) Socket(domain, typ, proto int) (int, error) {
	if !hooksEnabled() {
		return unix.Socket(domain, typ, proto)
	}

	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, err
	}
	h.Fds.Create(fd)
	return fd, nil
}

// Pipe matches unix.Pipe. Enabled, it opens both ends non-blocking and
// registers them in the fd table; disabled, it is a direct passthrough.
func (h *Hooks) Pipe(fds []int) error {
	if len(fds) != 2 {
		return unix.EINVAL
	}
	if !hooksEnabled() {
		return unix.Pipe2(fds, 0)
	}

	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	h.Fds.Create(fds[0])
	h.Fds.Create(fds[1])
	return nil
}

// Accept matches unix.Accept: enabled, it routes through the generic doIO
// wait (on READ, against fd's SO_RCVTIMEO) so it cooperatively waits for a
// connection on a non-blocking listening socket instead of blocking the
// worker, registering the accepted fd on success; disabled, it is a single
// direct unix.Accept call with no registration.
func (h *Hooks) Accept(fd int) (int, unix.Sockaddr, error) {
	if !hooksEnabled() {
		return unix.Accept(fd)
	}

	var sa unix.Sockaddr
	nfd, err := h.doIO(fd, reactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		var innerErr error
		var newFd int
		newFd, sa, innerErr = unix.Accept(fd)
		return newFd, innerErr
	})
	if err != nil {
		return -1, nil, err
	}

	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	h.Fds.Create(nfd)
	h.debugf("accept fd=%d -> nfd=%d", fd, nfd)
	return nfd, sa, nil
}

// Close matches unix.Close. Enabled, it marks the fd's context closed,
// disarms and wakes any fiber currently parked on fd (one fiber closing a
// fd another is blocked reading must not leave that fiber parked forever),
// and removes it from the fd table before closing the underlying kernel
// fd; disabled, it is a direct passthrough.
func (h *Hooks) Close(fd int) error {
	if !hooksEnabled() {
		return unix.Close(fd)
	}

	if ctx, ok := h.Fds.Get(fd); ok {
		ctx.MarkClosed()
		h.Reactor.DelAndTriggerAll(fd)
		h.Fds.Del(fd)
	}
	return unix.Close(fd)
}
