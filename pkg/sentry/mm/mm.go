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

// Package mm provides the address-space manager of a virtualized process.
//
// A MemoryMap owns every mapping of one process inside a fixed range of the
// host address space handed out by an Allocator. It keeps its registry of
// mapping regions consistent with the host mapping primitive under
// concurrent use.
//
// Lock order:
//
//	mappingMu
//		PageAccessTracer.mu
//	metadataMu
//	Allocator.mu
package mm

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/amutex"
	"vproc.dev/vproc/pkg/atomicbitops"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/log"
	"vproc.dev/vproc/pkg/sentry/hostmm"
	"vproc.dev/vproc/pkg/sentry/ktime"
	"vproc.dev/vproc/pkg/sync"
)

// MemoryMap is the address space of one virtualized process.
type MemoryMap struct {
	// alloc, mapper and clock are immutable.
	alloc  *Allocator
	mapper hostmm.Mapper
	clock  ktime.Clock

	// base and end bound the address space. They are immutable.
	base hostarch.Addr
	end  hostarch.Addr

	// mappingMu serializes changes to the registry and the host mappings
	// behind it. Waits for it may be interrupted.
	mappingMu amutex.AbortableRWMutex

	// vmas is the registry of mapping regions.
	//
	// vmas is protected by mappingMu.
	vmas vmaSet

	// brk is the current break. base <= brk <= end.
	//
	// brk may be read without locking; writes require mappingMu held for
	// writing.
	brk atomicbitops.Uint64

	// tracer is non-nil between EnableTracing and EndTracing.
	//
	// tracer is protected by mappingMu.
	tracer *PageAccessTracer

	metadataMu sync.Mutex

	// binPath is the path of the executable running in the address space.
	//
	// binPath is protected by metadataMu.
	binPath string

	// cmdLine holds the NUL-terminated arguments of the executable.
	//
	// cmdLine is protected by metadataMu.
	cmdLine string

	// nonReloc is true if the executable could not be relocated.
	//
	// nonReloc is protected by metadataMu.
	nonReloc bool
}

// NewMemoryMap returns an empty MemoryMap managing [base, end). The caller
// is responsible for having reserved the range on the host.
func NewMemoryMap(alloc *Allocator, mapper hostmm.Mapper, clock ktime.Clock, ar hostarch.AddrRange) *MemoryMap {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		panic(fmt.Sprintf("invalid address space range %v", ar))
	}
	mm := &MemoryMap{
		alloc:  alloc,
		mapper: mapper,
		clock:  clock,
		base:   ar.Start,
		end:    ar.End,
		vmas:   newVMASet(),
		brk:    atomicbitops.FromUint64(uint64(ar.Start)),
	}
	mm.mappingMu.Init()
	return mm
}

// CreateMemoryMap allocates length bytes of address space from alloc,
// reserves it on the host without committing memory, and returns an empty
// MemoryMap managing it.
func CreateMemoryMap(alloc *Allocator, mapper hostmm.Mapper, clock ktime.Clock, length uint64) (*MemoryMap, error) {
	rlength, ok := hostarch.PageRoundUp(length)
	if !ok || length == 0 {
		return nil, linuxerr.EINVAL
	}
	base, err := alloc.Allocate(rlength)
	if err != nil {
		return nil, err
	}
	if _, err := mapper.Map(base, rlength, hostarch.NoAccess, hostmm.ReserveFlags|unix.MAP_FIXED_NOREPLACE, -1, 0); err != nil {
		return nil, fmt.Errorf("reserving [%v, %v): %w", base, base+hostarch.Addr(rlength), err)
	}
	log.Debugf("Created memory map [%v, %v)", base, base+hostarch.Addr(rlength))
	return NewMemoryMap(alloc, mapper, clock, hostarch.AddrRange{Start: base, End: base + hostarch.Addr(rlength)}), nil
}

// Base returns the lowest address of the address space.
func (mm *MemoryMap) Base() hostarch.Addr {
	return mm.base
}

// End returns the end of the address space.
func (mm *MemoryMap) End() hostarch.Addr {
	return mm.end
}

// Range returns [Base(), End()).
func (mm *MemoryMap) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: mm.base, End: mm.end}
}

// Break returns the current break.
func (mm *MemoryMap) Break() hostarch.Addr {
	return hostarch.Addr(mm.brk.Load())
}

// HeapUsage returns the size of the heap in bytes. It never blocks.
func (mm *MemoryMap) HeapUsage() uint64 {
	return mm.brk.Load() - uint64(mm.base)
}

// VMAs returns a copy of every region in ascending address order.
func (mm *MemoryMap) VMAs() []VMA {
	var vs []VMA
	mm.ForEachVMA(func(v VMA) {
		vs = append(vs, v)
	})
	return vs
}

// ForEachVMA calls fn on a copy of each region in ascending address order,
// holding the address space lock shared. fn must not call back into mm for
// writing.
func (mm *MemoryMap) ForEachVMA(fn func(v VMA)) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	mm.vmas.each(func(v *vma) bool {
		fn(v.snapshot())
		return true
	})
}

// VirtualUsage returns the number of bytes covered by regions.
func (mm *MemoryMap) VirtualUsage() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var n uint64
	mm.vmas.each(func(v *vma) bool {
		n += v.length()
		return true
	})
	return n
}

// GetStackTop returns the start of the Stack region containing sp.
func (mm *MemoryMap) GetStackTop(sp hostarch.Addr) (hostarch.Addr, bool) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	v := mm.vmas.find(sp)
	if v == nil || v.typ != Stack {
		return 0, false
	}
	return v.start, true
}

// UnmapAll removes every region, unmapping each from the host. Host failures
// are logged and do not stop the teardown.
func (mm *MemoryMap) UnmapAll() {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.vmas.each(func(v *vma) bool {
		if err := mm.mapper.Unmap(v.start, v.length()); err != nil {
			log.Warningf("mm: munmap of %v failed with error %v", v.addrRange(), err)
		}
		return true
	})
	mm.vmas.removeAll()
}

// ReleaseVMAs drops every region without unmapping anything from the host.
// It is only safe when the host process is about to exit.
func (mm *MemoryMap) ReleaseVMAs() {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.vmas.removeAll()
}

// SetBinPath records the executable running in the address space and its
// arguments.
func (mm *MemoryMap) SetBinPath(path string, argv []string) {
	var b strings.Builder
	for _, arg := range argv {
		b.WriteString(arg)
		b.WriteByte(0)
	}
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	mm.binPath = path
	mm.cmdLine = b.String()
}

// BinPath returns the path recorded by SetBinPath.
func (mm *MemoryMap) BinPath() string {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	return mm.binPath
}

// CmdLine returns the arguments recorded by SetBinPath, each followed by a
// NUL byte, as in /proc/[pid]/cmdline.
func (mm *MemoryMap) CmdLine() string {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	return mm.cmdLine
}

// MarkNonReloc records that the executable was loaded at fixed addresses.
// It may be called at most once.
func (mm *MemoryMap) MarkNonReloc() {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	if mm.nonReloc {
		panic("MarkNonReloc called twice")
	}
	mm.nonReloc = true
	mm.alloc.nonReloc.Add(1)
}

// IsNonReloc returns true if MarkNonReloc has been called.
func (mm *MemoryMap) IsNonReloc() bool {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	return mm.nonReloc
}
