// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fibra

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errors corresponding to kernel error numbers. Hooks return these directly
// (as the native errno convention requires); the Reactor and Scheduler also
// report them through errors.Is-compatible sentinels below.
const (
	EBADF     = unix.EBADF
	EAGAIN    = unix.EAGAIN
	EINTR     = unix.EINTR
	EINPROGRESS = unix.EINPROGRESS
	ETIMEDOUT = unix.ETIMEDOUT
	EPROTO    = unix.EPROTO
)

// ErrSchedulerStopped is returned (and, for fire-and-forget submissions,
// silently swallowed by the caller's choice) when a task is submitted to a
// Scheduler after Stop has been called.
var ErrSchedulerStopped = fmt.Errorf("fibra: scheduler stopped")

// EpollFailureError wraps a kernel epoll_ctl failure. The kernel error is
// preserved in Err; Reactor.AddEvent returns it to its caller when arming a
// fd fails.
type EpollFailureError struct {
	Op  string
	Fd  int
	Err error
}

func (e *EpollFailureError) Error() string {
	return fmt.Sprintf("fibra: epoll %s(fd=%d): %v", e.Op, e.Fd, e.Err)
}

func (e *EpollFailureError) Unwrap() error {
	return e.Err
}

// AlreadyArmedError indicates a programmer error: the same (fd, direction)
// pair was armed twice without an intervening del_event. Reactor.AddEvent
// refuses the second arming and returns this error.
type AlreadyArmedError struct {
	Fd    int
	Event string
}

func (e *AlreadyArmedError) Error() string {
	return fmt.Sprintf("fibra: fd %d already armed for %s", e.Fd, e.Event)
}

// FiberExceptError records a panic recovered from a fiber's entry callback.
// It terminates the fiber with state EXCEPT and is surfaced through
// Fiber.Err and the fiber's error logger; nothing unwinds past the fiber
// trampoline.
type FiberExceptError struct {
	FiberID int64
	Value   interface{}
	Stack   []byte
}

func (e *FiberExceptError) Error() string {
	return fmt.Sprintf("fibra: fiber %d failed: %v", e.FiberID, e.Value)
}
