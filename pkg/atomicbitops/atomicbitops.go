// Copyright 2021 The gVisor Authors.
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

// Package atomicbitops provides counters that can only be accessed
// atomically and cannot be copied.
package atomicbitops

import (
	"sync/atomic"

	"vproc.dev/vproc/pkg/sync"
)

// Int64 is an atomic int64 whose zero value is 0.
type Int64 struct {
	_ sync.NoCopy
	v int64
}

// FromInt64 returns an Int64 holding v.
func FromInt64(v int64) Int64 {
	return Int64{v: v}
}

// Load returns the current value.
func (i *Int64) Load() int64 { return atomic.LoadInt64(&i.v) }

// Store sets the value to v.
func (i *Int64) Store(v int64) { atomic.StoreInt64(&i.v, v) }

// Add adds delta and returns the new value.
func (i *Int64) Add(delta int64) int64 { return atomic.AddInt64(&i.v, delta) }

// CompareAndSwap is analogous to atomic.CompareAndSwapInt64.
func (i *Int64) CompareAndSwap(old, new int64) bool {
	return atomic.CompareAndSwapInt64(&i.v, old, new)
}

// Uint64 is an atomic uint64 whose zero value is 0.
type Uint64 struct {
	_ sync.NoCopy
	v uint64
}

// FromUint64 returns a Uint64 holding v.
func FromUint64(v uint64) Uint64 {
	return Uint64{v: v}
}

// Load returns the current value.
func (u *Uint64) Load() uint64 { return atomic.LoadUint64(&u.v) }

// Store sets the value to v.
func (u *Uint64) Store(v uint64) { atomic.StoreUint64(&u.v, v) }

// Add adds delta and returns the new value. Subtract x by adding ^(x-1).
func (u *Uint64) Add(delta uint64) uint64 { return atomic.AddUint64(&u.v, delta) }
