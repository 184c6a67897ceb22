// Package gls implements the "poor man's goroutine-local storage" idiom:
// recover the calling goroutine's runtime id from its own stack trace and use
// it as a map key. fibra needs this so that Hooks (plain functions with the
// same signature as the native syscalls they replace) can discover "the fiber
// and worker currently executing on this goroutine" without the caller
// threading an environment parameter through every call.
//
// This is the same trick used by several goroutine-local-storage shims in the
// wider Go ecosystem (the pack's joeycumines/goroutineid module is a stub of
// exactly this idea); there is no portable, supported alternative short of
// plumbing an explicit parameter through every hook signature, which would
// break the native-syscall-compatible signatures the Hooks functions need to
// keep.
package gls

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID returns the runtime-internal id of the calling goroutine. It is only
// ever used as an opaque map key, never displayed to users or relied upon to
// be stable across Go releases beyond that.
func ID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	// Expected prefix: "goroutine 123 [running]:"
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		panic("gls: unexpected runtime.Stack output: " + string(b))
	}
	b = b[len(prefix):]

	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		panic("gls: unexpected runtime.Stack output")
	}

	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		panic("gls: unparseable goroutine id: " + err.Error())
	}
	return id
}
