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

// Package fibra is a user-space cooperative-concurrency runtime for Linux: a
// fleet of worker threads multiplexing many stackful fibers over a single
// epoll reactor, so code written in straight-line blocking style transparently
// yields on I/O and timers.
//
// The primary elements of interest are:
//
//  *  Fiber, a stackful coroutine with explicit context swap between itself
//     and its thread's scheduling context.
//
//  *  Scheduler, a multi-threaded FIFO task queue that drives fiber
//     execution, including thread pinning.
//
//  *  The reactor subpackage, an epoll-based event loop that parks fibers on
//     file-descriptor readiness or wall-clock deadlines.
//
//  *  The hooks subpackage, which reimplements blocking primitives (sleep,
//     connect, read, write, accept, ...) so that calling them from inside a
//     fiber yields cooperatively instead of blocking the underlying thread.
package fibra
