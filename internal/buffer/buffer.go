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

// Package buffer provides a pool of reusable fixed-size scratch byte
// slices. hooks.New holds one; the read/write hooks do not draw from it.
package buffer

import "sync"

// Pool lends out []byte scratch buffers of a fixed capacity, returning them
// for reuse via Put. The zero Pool is not usable; construct with NewPool.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a Pool whose buffers have capacity size. A size <= 0
// panics, since a hook given a zero-length scratch buffer could never make
// read/write progress.
func NewPool(size int) *Pool {
	if size <= 0 {
		panic("buffer: NewPool requires a positive size")
	}
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of the pool's configured size, either freshly
// allocated or recycled from a prior Put.
func (p *Pool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:p.size]
}

// Put returns a buffer previously obtained from Get. Buffers with less
// capacity than the pool's size (the caller resliced or replaced it) are
// discarded rather than corrupting the pool's size invariant; larger ones
// are kept, resliced to the pool's size.
func (p *Pool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
