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
	"context"

	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/log"
	"vproc.dev/vproc/pkg/sentry/hostmm"
	"vproc.dev/vproc/pkg/sentry/memmap"
)

// addressValid returns the page-rounded range [addr, addr+length), or
// EINVAL if length is zero, addr is not page-aligned, or the range
// overflows.
func addressValid(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if length == 0 || !addr.IsPageAligned() {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	rlength, ok := hostarch.PageRoundUp(length)
	if !ok {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(rlength)
	if !ok {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	return ar, nil
}

// MMap establishes a memory mapping.
//
// If opts.Fixed is false, opts.Addr is a hint and the mapping is placed in
// the first free range that fits. If opts.Fixed is true, the mapping is
// placed at opts.Addr, replacing existing mappings only if opts.Unmap is set
// and failing with EEXIST otherwise.
func (mm *MemoryMap) MMap(ctx context.Context, opts memmap.MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 || !opts.Addr.IsPageAligned() {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	opts.Length = length

	if opts.File != nil {
		// Offset must be aligned.
		if !hostarch.IsPageAligned(opts.Offset) {
			return 0, linuxerr.EINVAL
		}
		// Offset + length must not overflow.
		if end := opts.Offset + opts.Length; end < opts.Offset {
			return 0, linuxerr.EOVERFLOW
		}
		if opts.Stack {
			return 0, linuxerr.EINVAL
		}
	} else {
		opts.Offset = 0
	}
	if opts.Unmap && !opts.Fixed {
		return 0, linuxerr.EINVAL
	}

	typ := Normal
	switch {
	case opts.File != nil:
		typ = File
	case opts.Stack:
		typ = Stack
	}

	if err := mm.mappingMu.LockCtx(ctx); err != nil {
		return 0, err
	}
	defer mm.mappingMu.Unlock()
	v, err := mm.createVMALocked(opts, typ)
	if err != nil {
		return 0, err
	}
	return v.start, nil
}

// MapAnonymous establishes a private anonymous mapping. If fixed is true,
// the mapping is placed at addr and replaces existing mappings.
func (mm *MemoryMap) MapAnonymous(ctx context.Context, addr hostarch.Addr, length uint64, perms hostarch.AccessType, fixed bool) (hostarch.Addr, error) {
	return mm.MMap(ctx, memmap.MMapOpts{
		Length:  length,
		Addr:    addr,
		Fixed:   fixed,
		Unmap:   fixed,
		Perms:   perms,
		Private: true,
	})
}

// createVMALocked maps a new region on the host and inserts it into the
// registry. If the host mapping fails, the registry is unchanged.
//
// Preconditions:
// * mm.mappingMu must be locked for writing.
// * opts.Length and opts.Addr must be page-aligned.
func (mm *MemoryMap) createVMALocked(opts memmap.MMapOpts, typ VMType) (*vma, error) {
	var ar hostarch.AddrRange
	if opts.Fixed {
		var ok bool
		ar, ok = opts.Addr.ToRange(opts.Length)
		if !ok || ar.Start < mm.base || ar.End > mm.end {
			return nil, linuxerr.ENOMEM
		}
		if !opts.Unmap && mm.vmas.anyOverlap(ar.Start, ar.End) {
			return nil, linuxerr.EEXIST
		}
	} else {
		start, err := mm.vmas.findFreeRange(opts.Addr, opts.Length, mm.base, mm.end)
		if err != nil {
			return nil, err
		}
		ar = hostarch.AddrRange{Start: start, End: start + hostarch.Addr(opts.Length)}
	}

	fd := -1
	if opts.File != nil {
		fd = opts.File.FD()
	}
	flags := hostmm.MapFlags(opts.File == nil, opts.Private)
	if _, err := mm.mapper.Map(ar.Start, ar.Length(), opts.Perms, flags, fd, opts.Offset); err != nil {
		return nil, err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: mapped %v %v %s fd=%d off=%#x", ar, opts.Perms, hostmm.FlagsString(flags), fd, opts.Offset)
	}

	if opts.File != nil {
		opts.File.IncRef()
	}
	return mm.vmas.insert(&vma{
		start:   ar.Start,
		end:     ar.End,
		perms:   opts.Perms,
		typ:     typ,
		private: opts.Private,
		file:    opts.File,
		off:     opts.Offset,
	}), nil
}

// MUnmap removes the mappings in [addr, addr+length). Unmapping ranges that
// are already partially or entirely unmapped succeeds.
func (mm *MemoryMap) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ar, err := addressValid(addr, length)
	if err != nil {
		return err
	}
	// Nothing outside the address space belongs to mm.
	ar = ar.Intersect(mm.Range())
	if ar.Length() == 0 {
		return nil
	}

	if err := mm.mappingMu.LockCtx(ctx); err != nil {
		return err
	}
	defer mm.mappingMu.Unlock()
	if err := mm.mapper.Unmap(ar.Start, ar.Length()); err != nil {
		return err
	}
	mm.vmas.clear(ar.Start, ar.End)
	return nil
}

// MProtect changes the protection of [addr, addr+length). Every page in the
// range must be mapped; otherwise MProtect fails with EINVAL and changes
// nothing.
//
// Regions whose protection changes while tracing is enabled stop being
// traced.
func (mm *MemoryMap) MProtect(ctx context.Context, addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	ar, err := addressValid(addr, length)
	if err != nil {
		return err
	}

	if err := mm.mappingMu.LockCtx(ctx); err != nil {
		return err
	}
	defer mm.mappingMu.Unlock()
	if !mm.vmas.covers(ar.Start, ar.End) {
		return linuxerr.EINVAL
	}
	if err := mm.mapper.Protect(ar.Start, ar.Length(), perms); err != nil {
		return err
	}
	mm.vmas.modify(ar.Start, ar.End, func(v *vma) {
		v.perms = perms
		v.traced = false
	})
	return nil
}

// MAdvise passes advice for [addr, addr+length) to the host. The range must
// lie inside the address space.
func (mm *MemoryMap) MAdvise(ctx context.Context, addr hostarch.Addr, length uint64, advice int) error {
	ar, err := addressValid(addr, length)
	if err != nil {
		return err
	}
	if !mm.Range().IsSupersetOf(ar) {
		return linuxerr.ENOMEM
	}

	if err := mm.mappingMu.RLockCtx(ctx); err != nil {
		return err
	}
	defer mm.mappingMu.RUnlock()
	return mm.mapper.Advise(ar.Start, ar.Length(), advice)
}

// SetBreak moves the break to addr and returns the new break.
//
// If addr is outside the address space, if growing the heap would overlap a
// region that is not part of the heap, or if the host refuses the change,
// SetBreak leaves the break unchanged and returns it with a nil error. The
// only error SetBreak returns is linuxerr.ErrInterrupted, when the wait for
// the address space lock is interrupted; the returned address is then the
// break observed without the lock.
func (mm *MemoryMap) SetBreak(ctx context.Context, addr hostarch.Addr) (hostarch.Addr, error) {
	if err := mm.mappingMu.LockCtx(ctx); err != nil {
		return mm.Break(), err
	}
	defer mm.mappingMu.Unlock()

	oldbrk := mm.Break()
	if addr < mm.base || addr > mm.end {
		return oldbrk, nil
	}
	oldbrkpg := oldbrk.MustRoundUp()
	newbrkpg, ok := addr.RoundUp()
	if !ok {
		return oldbrk, nil
	}

	switch {
	case oldbrkpg < newbrkpg:
		for _, v := range mm.vmas.overlapping(oldbrkpg, newbrkpg) {
			if v.typ != Heap {
				return oldbrk, nil
			}
		}
		if _, err := mm.createVMALocked(memmap.MMapOpts{
			Length:  uint64(newbrkpg - oldbrkpg),
			Addr:    oldbrkpg,
			Fixed:   true,
			Unmap:   true,
			Perms:   hostarch.ReadWrite,
			Private: true,
		}, Heap); err != nil {
			return oldbrk, nil
		}

	case newbrkpg < oldbrkpg:
		if err := mm.mapper.Unmap(newbrkpg, uint64(oldbrkpg-newbrkpg)); err != nil {
			return oldbrk, nil
		}
		mm.vmas.clear(newbrkpg, oldbrkpg)
	}

	mm.brk.Store(uint64(addr))
	return addr, nil
}
