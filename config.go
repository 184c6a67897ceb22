// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fibra

import (
	"io"
	"log"
	"time"
)

// Default tunables.
const (
	DefaultStackSize        = 128 * 1024
	DefaultConnectTimeout   = 5 * time.Second
	DefaultEpollWaitCeiling = 5 * time.Second
)

// Config carries the runtime's tunable knobs. Loggers are carried
// per-Config, rather than a single package-global logger, because a
// process may host more than one Scheduler.
//
// The zero Config is valid: Workers defaults to 1, logging is discarded, and
// every duration/size falls back to its Default constant.
type Config struct {
	// Name is used for worker thread names (and as a log prefix).
	Name string

	// Workers is the number of OS threads the Scheduler spawns. Must be >= 1;
	// a value <= 0 is treated as 1.
	Workers int

	// StackSize is advisory: fibers run on ordinary growable goroutine
	// stacks, so this does not preallocate a stack. Nothing else in the
	// runtime reads it either; hooks.New takes its scratch-buffer size as a
	// separate argument.
	StackSize int

	// ConnectTimeout is the configured connect-wait bound. The Scheduler
	// does not read it: hooks.Connect waits for as long as the
	// connectTimeout argument given to hooks.New, and never consults
	// SO_SNDTIMEO.
	ConnectTimeout time.Duration

	// EpollWaitCeiling is the configured upper bound on one epoll_wait call.
	// The Scheduler does not read it: the reactor's idle loop is bounded by
	// the waitCeiling argument given to reactor.New.
	EpollWaitCeiling time.Duration

	// DebugLog receives verbose fiber/scheduler/reactor tracing. Nil discards.
	DebugLog *log.Logger

	// ErrorLog receives EpollFailure/FiberExcept diagnostics. Nil discards.
	ErrorLog *log.Logger
}

func (c *Config) workers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

func (c *Config) stackSize() int {
	if c.StackSize <= 0 {
		return DefaultStackSize
	}
	return c.StackSize
}

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

func (c *Config) epollWaitCeiling() time.Duration {
	if c.EpollWaitCeiling <= 0 {
		return DefaultEpollWaitCeiling
	}
	return c.EpollWaitCeiling
}

func (c *Config) debugLogger() *log.Logger {
	if c.DebugLog != nil {
		return c.DebugLog
	}
	return discardLogger
}

func (c *Config) errorLogger() *log.Logger {
	if c.ErrorLog != nil {
		return c.ErrorLog
	}
	return discardLogger
}

var discardLogger = log.New(io.Discard, "", 0)
