// Package fdtable is the process-wide registry of file descriptors the
// runtime knows about: whether a given fd is a socket (and so eligible for
// non-blocking hook treatment at all), the user- and runtime-imposed
// non-blocking flags hooks/fcntl.go overlays on top of the kernel's own
// O_NONBLOCK bit, and the per-direction timeouts hooks/io.go's doIO reads
// when an operation would otherwise block forever.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// InfiniteTimeoutMs is the sentinel FdCtx.Timeout returns for a direction
// with no deadline configured (the SO_RCVTIMEO/SO_SNDTIMEO default).
const InfiniteTimeoutMs int64 = -1

// TimeoutKind selects which of a socket's two independent timeouts to read
// or write: SO_RCVTIMEO governs Read/Readv/Recv/Recvfrom/Accept, SO_SNDTIMEO
// governs Write/Writev/Send/Sendto. The connect-in-progress wait reads
// neither; it uses the Hooks-wide connect timeout.
type TimeoutKind int

const (
	RecvTimeout TimeoutKind = iota
	SendTimeout
)

// FdCtx is the per-fd state the runtime tracks alongside the kernel's own
// fd table entry.
type FdCtx struct {
	Fd       int
	IsSocket bool

	mu            sync.Mutex
	closed        bool
	userNonblock  bool // O_NONBLOCK the caller itself requested via F_SETFL
	sysNonblock   bool // O_NONBLOCK the runtime forced so hooks can cooperate
	recvTimeoutMs int64
	sendTimeoutMs int64
}

// IsClosed reports whether Close has already run for this fd. doIO
// consults this (in addition to the fd simply being absent from the Table)
// so a racing lookup that captured the *FdCtx just before Close's Del sees
// the closed state rather than stale socket/timeout data.
func (c *FdCtx) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MarkClosed flags the context closed. Called by hooks.Close before it
// removes fd from the Table.
func (c *FdCtx) MarkClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// UserNonblock reports whether the caller has explicitly put fd into
// non-blocking mode via F_SETFL, in which case doIO leaves EAGAIN alone
// instead of cooperatively waiting for it.
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the O_NONBLOCK bit the caller most recently set
// via F_SETFL. Called by hooks.Fcntl.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// SysNonblock reports whether the runtime itself forced O_NONBLOCK on this
// fd (true for every fd minted by Socket/Pipe/Accept) independent of
// whatever the user has additionally asked for.
func (c *FdCtx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetSysNonblock records whether the runtime forced O_NONBLOCK on fd.
// Create sets the flag directly for every fd it registers; nothing in the
// runtime calls this method.
func (c *FdCtx) SetSysNonblock(v bool) {
	c.mu.Lock()
	c.sysNonblock = v
	c.mu.Unlock()
}

// Timeout returns the configured deadline, in milliseconds, for kind, or
// InfiniteTimeoutMs if none has been set.
func (c *FdCtx) Timeout(kind TimeoutKind) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == SendTimeout {
		return c.sendTimeoutMs
	}
	return c.recvTimeoutMs
}

// SetTimeout records the deadline, in milliseconds, for kind. Called by
// hooks.Setsockopt when it intercepts SO_RCVTIMEO/SO_SNDTIMEO.
func (c *FdCtx) SetTimeout(kind TimeoutKind, ms int64) {
	c.mu.Lock()
	if kind == SendTimeout {
		c.sendTimeoutMs = ms
	} else {
		c.recvTimeoutMs = ms
	}
	c.mu.Unlock()
}

// Table is the process-wide fd -> FdCtx registry. The zero Table is ready
// to use.
type Table struct {
	mu sync.RWMutex
	m  map[int]*FdCtx
}

// Get returns the FdCtx registered for fd, if any. Unlike Create, Get never
// allocates: a fd that was never Created (e.g. stdin, a plain file opened
// by code that bypasses the Hooks layer) simply has no entry.
func (t *Table) Get(fd int) (*FdCtx, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.m[fd]
	return c, ok
}

// Create registers fd, probing whether it is a socket via fstat, and
// returns its new FdCtx. Called only from the hooks that mint fds: Socket,
// Pipe, Accept, each of which has already forced O_NONBLOCK on fd itself,
// so sysNonblock starts true and both timeouts start unset (infinite).
// Calling Create twice for the same fd (without an intervening Del)
// replaces the prior entry, on the assumption the kernel recycled the fd
// number.
func (t *Table) Create(fd int) *FdCtx {
	c := &FdCtx{
		Fd:            fd,
		IsSocket:      isSocket(fd),
		sysNonblock:   true,
		recvTimeoutMs: InfiniteTimeoutMs,
		sendTimeoutMs: InfiniteTimeoutMs,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[int]*FdCtx)
	}
	t.m[fd] = c
	return c
}

// Del removes fd's entry, called when Close runs.
func (t *Table) Del(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, fd)
}

func isSocket(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}

// Default is the process-wide table Hooks consult. Tests may construct
// their own *Table instead of relying on this global.
var Default = &Table{}
