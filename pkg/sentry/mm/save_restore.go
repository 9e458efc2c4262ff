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
	"debug/elf"
	"fmt"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/cleanup"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/sentry/hostmm"
	"vproc.dev/vproc/pkg/sentry/ktime"
	"vproc.dev/vproc/pkg/sentry/memmap"
)

const (
	vmaPermsRead = 1 << iota
	vmaPermsWrite
	vmaPermsExecute
	vmaPrivate
	vmaTraced
)

// VMASnapshot is the saved form of one region.
type VMASnapshot struct {
	Start    hostarch.Addr `yaml:"start"`
	End      hostarch.Addr `yaml:"end"`
	Flags    int           `yaml:"flags"`
	Type     VMType        `yaml:"type"`
	Offset   uint64        `yaml:"offset,omitempty"`
	Filename string        `yaml:"filename,omitempty"`
}

// Perms returns the saved protection.
func (s VMASnapshot) Perms() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    s.Flags&vmaPermsRead != 0,
		Write:   s.Flags&vmaPermsWrite != 0,
		Execute: s.Flags&vmaPermsExecute != 0,
	}
}

// Private returns true if the region was a private mapping.
func (s VMASnapshot) Private() bool {
	return s.Flags&vmaPrivate != 0
}

// Traced returns true if the region was being traced.
func (s VMASnapshot) Traced() bool {
	return s.Flags&vmaTraced != 0
}

func (v *vma) saveFlags() int {
	var b int
	if v.perms.Read {
		b |= vmaPermsRead
	}
	if v.perms.Write {
		b |= vmaPermsWrite
	}
	if v.perms.Execute {
		b |= vmaPermsExecute
	}
	if v.private {
		b |= vmaPrivate
	}
	if v.traced {
		b |= vmaTraced
	}
	return b
}

// Snapshot is the saved form of an address space.
type Snapshot struct {
	Base    hostarch.Addr `yaml:"base"`
	End     hostarch.Addr `yaml:"end"`
	Break   hostarch.Addr `yaml:"break"`
	VMAs    []VMASnapshot `yaml:"vmas"`
	BinPath string        `yaml:"bin_path,omitempty"`
	CmdLine string        `yaml:"cmd_line,omitempty"`

	// Tracing is true if access tracing was enabled when the snapshot was
	// taken. Accesses holds the accesses recorded until then.
	Tracing  bool             `yaml:"tracing,omitempty"`
	Accesses []AccessSnapshot `yaml:"accesses,omitempty"`
}

// AccessSnapshot is the saved form of one traced page access.
type AccessSnapshot struct {
	Page  hostarch.Addr `yaml:"page"`
	Nanos int64         `yaml:"ns"`
}

// Save returns a snapshot of mm. Memory contents are not included.
func (mm *MemoryMap) Save() Snapshot {
	mm.mappingMu.RLock()
	s := Snapshot{
		Base:    mm.base,
		End:     mm.end,
		Break:   mm.Break(),
		VMAs:    make([]VMASnapshot, 0, mm.vmas.len()),
		Tracing: mm.tracer != nil,
	}
	mm.vmas.each(func(v *vma) bool {
		vs := VMASnapshot{
			Start: v.start,
			End:   v.end,
			Flags: v.saveFlags(),
			Type:  v.typ,
		}
		if v.file != nil {
			vs.Offset = v.off
			vs.Filename = v.file.MappedName()
		}
		s.VMAs = append(s.VMAs, vs)
		return true
	})
	if mm.tracer != nil {
		for _, a := range mm.tracer.Accesses() {
			s.Accesses = append(s.Accesses, AccessSnapshot{Page: a.Page, Nanos: a.Time.Nanoseconds()})
		}
	}
	mm.mappingMu.RUnlock()

	s.BinPath = mm.BinPath()
	s.CmdLine = mm.CmdLine()
	return s
}

// Validate checks that s describes a consistent address space.
func (s *Snapshot) Validate() error {
	ar := hostarch.AddrRange{Start: s.Base, End: s.End}
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return fmt.Errorf("%w: bad address space range %v", linuxerr.EINVAL, ar)
	}
	if s.Break < s.Base || s.Break > s.End {
		return fmt.Errorf("%w: break %v outside %v", linuxerr.EINVAL, s.Break, ar)
	}
	prevEnd := s.Base
	for i, v := range s.VMAs {
		vr := hostarch.AddrRange{Start: v.Start, End: v.End}
		switch {
		case v.Start >= v.End || !vr.IsPageAligned():
			return fmt.Errorf("%w: region %d has bad range %v", linuxerr.EINVAL, i, vr)
		case v.Start < prevEnd || v.End > s.End:
			return fmt.Errorf("%w: region %d at %v is out of order or outside %v", linuxerr.EINVAL, i, vr, ar)
		case v.Type < Normal || v.Type > File:
			return fmt.Errorf("%w: region %d has bad type %d", linuxerr.EINVAL, i, int(v.Type))
		case (v.Type == File) != (v.Filename != ""):
			return fmt.Errorf("%w: region %d of type %v has filename %q", linuxerr.EINVAL, i, v.Type, v.Filename)
		case !hostarch.IsPageAligned(v.Offset):
			return fmt.Errorf("%w: region %d has unaligned offset %#x", linuxerr.EINVAL, i, v.Offset)
		case v.Traced() && !s.Tracing:
			return fmt.Errorf("%w: region %d is traced but tracing is disabled", linuxerr.EINVAL, i)
		}
		prevEnd = v.End
	}
	if len(s.Accesses) != 0 && !s.Tracing {
		return fmt.Errorf("%w: %d accesses recorded but tracing is disabled", linuxerr.EINVAL, len(s.Accesses))
	}
	for i, a := range s.Accesses {
		if !a.Page.IsPageAligned() || !ar.Contains(a.Page) {
			return fmt.Errorf("%w: access %d to page %v outside %v", linuxerr.EINVAL, i, a.Page, ar)
		}
	}
	return nil
}

// RestoreOpts configures Restore.
type RestoreOpts struct {
	Allocator *Allocator
	Mapper    hostmm.Mapper
	Clock     ktime.Clock

	// OpenFile resolves the filename of a saved File region. The returned
	// File carries a reference that Restore consumes.
	OpenFile func(name string) (memmap.File, error)

	// Remap establishes host mappings for the whole address space and every
	// region. Without it, the caller has already placed the memory and only
	// the bookkeeping is rebuilt.
	Remap bool
}

// Restore reconstructs the address space described by s and registers its
// range with opts.Allocator.
//
// If s was taken while tracing, the restored address space is tracing too:
// its traced regions are inaccessible except for pages already accessed, and
// its tracer holds the accesses recorded before s was taken.
//
// Restore fails with EINVAL if s is inconsistent, and with ENOTCONN if a
// File region's backing file cannot be resolved.
func Restore(s Snapshot, opts RestoreOpts) (*MemoryMap, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	vmas := make([]*vma, 0, len(s.VMAs))
	for _, sv := range s.VMAs {
		v := &vma{
			start:   sv.Start,
			end:     sv.End,
			perms:   sv.Perms(),
			typ:     sv.Type,
			private: sv.Private(),
			traced:  sv.Traced(),
		}
		if sv.Type == File {
			if opts.OpenFile == nil {
				return nil, fmt.Errorf("%w: no file resolver for %q", linuxerr.ENOTCONN, sv.Filename)
			}
			f, err := opts.OpenFile(sv.Filename)
			if err != nil {
				return nil, fmt.Errorf("%w: resolving %q: %v", linuxerr.ENOTCONN, sv.Filename, err)
			}
			v.file = f
			v.off = sv.Offset
			cu.Add(v.release)
		}
		vmas = append(vmas, v)
	}

	ar := hostarch.AddrRange{Start: s.Base, End: s.End}
	if opts.Remap {
		if _, err := opts.Mapper.Map(ar.Start, ar.Length(), hostarch.NoAccess, hostmm.ReserveFlags|unix.MAP_FIXED_NOREPLACE, -1, 0); err != nil {
			return nil, fmt.Errorf("reserving %v: %w", ar, err)
		}
		cu.Add(func() {
			_ = opts.Mapper.Unmap(ar.Start, ar.Length())
		})
		for _, v := range vmas {
			fd := -1
			if v.file != nil {
				fd = v.file.FD()
			}
			// Traced regions stay inaccessible until their pages fault.
			prot := v.perms
			if v.traced {
				prot = hostarch.NoAccess
			}
			if _, err := opts.Mapper.Map(v.start, v.length(), prot, hostmm.MapFlags(v.file == nil, v.private), fd, v.off); err != nil {
				return nil, fmt.Errorf("remapping %v: %w", v, err)
			}
		}
	}

	mm := NewMemoryMap(opts.Allocator, opts.Mapper, opts.Clock, ar)
	for _, v := range vmas {
		mm.vmas.tree.ReplaceOrInsert(v)
	}
	mm.brk.Store(uint64(s.Break))
	mm.binPath = s.BinPath
	mm.cmdLine = s.CmdLine
	if s.Tracing {
		mm.tracer = NewPageAccessTracer()
		for _, a := range s.Accesses {
			mm.tracer.RecordHit(a.Page, ktime.FromNanoseconds(a.Nanos))
			// Pages already accessed were given back their protection.
			v := mm.vmas.find(a.Page)
			if !opts.Remap || v == nil || !v.traced {
				continue
			}
			if err := opts.Mapper.Protect(a.Page, hostarch.PageSize, v.perms); err != nil {
				return nil, fmt.Errorf("restoring protection of traced page %v: %w", a.Page, err)
			}
		}
	}
	cu.Release()

	opts.Allocator.Register(ar.Start, ar.Length())
	return mm, nil
}

// ProgramHeaders returns one PT_LOAD program header per region, describing
// an ELF image whose segment data starts at offset and follows region order.
// File regions only carry the pages backed by their file, and the
// unpopulated part of the heap, a Heap region with no access, has no file
// data.
//
// Preconditions: offset must be page-aligned.
func (mm *MemoryMap) ProgramHeaders(offset uint64) []elf.Prog64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	phdrs := make([]elf.Prog64, 0, mm.vmas.len())
	mm.vmas.each(func(v *vma) bool {
		var flags elf.ProgFlag
		if v.perms.Execute {
			flags |= elf.PF_X
		}
		if v.perms.Write {
			flags |= elf.PF_W
		}
		if v.perms.Read {
			flags |= elf.PF_R
		}
		memsz := v.length()
		filesz := v.typ.DataLength(memsz, v.file, v.off)
		if v.typ == Heap && !v.perms.Any() {
			filesz = 0
		}
		phdrs = append(phdrs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(flags),
			Off:    offset,
			Vaddr:  uint64(v.start),
			Filesz: filesz,
			Memsz:  memsz,
			Align:  hostarch.PageSize,
		})
		offset += filesz
		return true
	})
	return phdrs
}
