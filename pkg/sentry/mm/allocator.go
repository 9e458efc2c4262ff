// Copyright 2018 The gVisor Authors.
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

package mm

import (
	"fmt"

	"vproc.dev/vproc/pkg/atomicbitops"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/sync"
)

const (
	// DefaultAllocatorBase is the lowest address handed out by an
	// Allocator created with default settings.
	DefaultAllocatorBase hostarch.Addr = 0x200000000000

	// DefaultAllocatorLimit bounds the addresses handed out by an Allocator
	// created with default settings.
	DefaultAllocatorLimit hostarch.Addr = 0x700000000000

	// DefaultMemoryMapSize is the size of an address space created with
	// default settings.
	DefaultMemoryMapSize = 1 << 34
)

// Allocator reserves disjoint ranges of the host address space for address
// spaces. Ranges are handed out in increasing order and are never reused,
// even after the address space they were given to is destroyed.
//
// An Allocator is shared by every MemoryMap in a process and is safe for
// concurrent use. Its lock is independent of any MemoryMap's lock.
type Allocator struct {
	mu sync.Mutex

	// next is the lowest address that has not been handed out.
	next hostarch.Addr

	// limit is the end of the range available to the allocator.
	limit hostarch.Addr

	// nonReloc counts address spaces holding non-relocatable binaries.
	nonReloc atomicbitops.Uint64
}

// NewAllocator returns an Allocator handing out addresses in [base, limit).
// base is rounded up to a page boundary.
func NewAllocator(base, limit hostarch.Addr) *Allocator {
	b, ok := base.RoundUp()
	if !ok || b >= limit {
		panic(fmt.Sprintf("invalid allocator range [%v, %v)", base, limit))
	}
	return &Allocator{next: b, limit: limit}
}

// Allocate reserves length bytes, rounded up to a page boundary, and returns
// the start of the reservation. It returns ENOSPC when the allocator's range
// is exhausted.
func (a *Allocator) Allocate(length uint64) (hostarch.Addr, error) {
	if length == 0 {
		return 0, linuxerr.EINVAL
	}
	rlength, ok := hostarch.PageRoundUp(length)
	if !ok {
		return 0, linuxerr.ENOSPC
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	end, ok := a.next.AddLength(rlength)
	if !ok || end > a.limit {
		return 0, linuxerr.ENOSPC
	}
	base := a.next
	a.next = end
	return base, nil
}

// Register records that [base, base+length) is in use by an address space
// placed outside of Allocate, e.g. one restored from a snapshot. Subsequent
// allocations start at or above its end.
func (a *Allocator) Register(base hostarch.Addr, length uint64) {
	rlength, ok := hostarch.PageRoundUp(length)
	if !ok {
		panic(fmt.Sprintf("registering %#x bytes at %v overflows", length, base))
	}
	end, ok := base.AddLength(rlength)
	if !ok {
		panic(fmt.Sprintf("registering %#x bytes at %v overflows", length, base))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if end > a.next {
		a.next = end
	}
}

// Next returns the address the next allocation will start at.
func (a *Allocator) Next() hostarch.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// NonRelocCount returns the number of address spaces marked as holding a
// non-relocatable binary.
func (a *Allocator) NonRelocCount() uint64 {
	return a.nonReloc.Load()
}
