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

	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/sentry/memmap"
)

// VMType identifies what a mapping region is used for.
type VMType int

// Region types.
const (
	// Normal regions contain anonymous memory.
	Normal VMType = iota

	// Heap regions are created by SetBreak.
	Heap

	// Stack regions are anonymous regions mapped as thread stacks.
	Stack

	// File regions are backed by a memmap.File.
	File
)

var vmTypeNames = [...]string{
	Normal: "normal",
	Heap:   "heap",
	Stack:  "stack",
	File:   "file",
}

// String implements fmt.Stringer.String.
func (t VMType) String() string {
	if t >= 0 && int(t) < len(vmTypeNames) {
		return vmTypeNames[t]
	}
	return fmt.Sprintf("VMType(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t VMType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(vmTypeNames) {
		return nil, fmt.Errorf("invalid region type %d", int(t))
	}
	return []byte(vmTypeNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *VMType) UnmarshalText(b []byte) error {
	for i, name := range vmTypeNames {
		if name == string(b) {
			*t = VMType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown region type %q", b)
}

// Label returns the name shown for a region of type t backed by f in
// /proc/[pid]/maps.
func (t VMType) Label(f memmap.File) string {
	switch t {
	case Heap:
		return "[heap]"
	case Stack:
		return "[stack]"
	case File:
		if f != nil {
			return f.MappedName()
		}
	}
	return ""
}

// DataLength returns the number of bytes of a region of type t that are
// backed by data. For File regions this excludes pages past the end of f.
func (t VMType) DataLength(length uint64, f memmap.File, off uint64) uint64 {
	if t != File || f == nil {
		return length
	}
	size, err := f.Size()
	if err != nil || size <= off {
		return 0
	}
	n, ok := hostarch.PageRoundUp(size - off)
	if !ok || n > length {
		return length
	}
	return n
}

// VMA is a point-in-time copy of one mapping region.
type VMA struct {
	Range   hostarch.AddrRange
	Perms   hostarch.AccessType
	Type    VMType
	Private bool

	// File and Offset describe the backing of File regions. File is only
	// valid while the region exists.
	File   memmap.File
	Offset uint64

	// Traced is true while the region's host protection is withheld for
	// access tracing.
	Traced bool
}

// Label returns the region's name in /proc/[pid]/maps.
func (v VMA) Label() string {
	return v.Type.Label(v.File)
}

// DataLength returns the number of bytes of the region backed by data.
func (v VMA) DataLength() uint64 {
	return v.Type.DataLength(v.Range.Length(), v.File, v.Offset)
}

// vma is a mapping region as stored in a vmaSet.
//
// start and end are page-aligned and start < end. Each vma with a non-nil
// file holds one reference on it.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr

	perms   hostarch.AccessType
	typ     VMType
	private bool

	file memmap.File
	off  uint64

	traced bool
}

func (v *vma) length() uint64 {
	return uint64(v.end - v.start)
}

func (v *vma) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

// copy returns a new vma equal to v, taking an additional reference on the
// backing file.
func (v *vma) copy() *vma {
	c := *v
	if c.file != nil {
		c.file.IncRef()
	}
	return &c
}

// release drops v's reference on its backing file.
func (v *vma) release() {
	if v.file != nil {
		v.file.DecRef()
		v.file = nil
	}
}

// trimHead moves v's start up to start, advancing the file offset to match.
// It does not change v's key in a vmaSet.
func (v *vma) trimHead(start hostarch.Addr) {
	if v.file != nil {
		v.off += uint64(start - v.start)
	}
	v.start = start
}

// canMergeRight returns true if next immediately follows v and the two can be
// represented by a single region.
func (v *vma) canMergeRight(next *vma) bool {
	if v.end != next.start ||
		v.typ != next.typ ||
		v.perms != next.perms ||
		v.private != next.private ||
		v.traced != next.traced ||
		v.file != next.file {
		return false
	}
	return v.file == nil || v.off+v.length() == next.off
}

func (v *vma) snapshot() VMA {
	return VMA{
		Range:   v.addrRange(),
		Perms:   v.perms,
		Type:    v.typ,
		Private: v.private,
		File:    v.file,
		Offset:  v.off,
		Traced:  v.traced,
	}
}

// String implements fmt.Stringer.String.
func (v *vma) String() string {
	s := fmt.Sprintf("%v %s %s", v.addrRange(), v.perms, v.typ)
	if v.file != nil {
		s += fmt.Sprintf(" %s@%#x", v.file.MappedName(), v.off)
	}
	if v.traced {
		s += " traced"
	}
	return s
}
