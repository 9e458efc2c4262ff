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

// Package memmap defines semantics for memory mappings.
package memmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/log"
	"vproc.dev/vproc/pkg/refs"
)

// File is a reference-counted host file that may back a memory mapping.
// Every region that maps a File holds one reference on it.
type File interface {
	// IncRef increments the File's reference count.
	IncRef()

	// DecRef decrements the File's reference count. The File is released
	// when the last reference is dropped.
	DecRef()

	// MappedName returns the application-visible name shown in
	// /proc/[pid]/maps.
	MappedName() string

	// DeviceID returns the device number shown in /proc/[pid]/maps.
	DeviceID() uint64

	// InodeID returns the inode number shown in /proc/[pid]/maps.
	InodeID() uint64

	// Size returns the current size of the file in bytes.
	Size() (uint64, error)

	// FD returns the host file descriptor represented by the File.
	//
	// The only permitted operation on the returned file descriptor is to map
	// pages from it.
	FD() int
}

// MMapOpts specifies a request to create a memory mapping.
type MMapOpts struct {
	// Length is the length of the mapping.
	Length uint64

	// File is the file to be mapped. If File is nil, the mapping is
	// anonymous. If MMapOpts is used to successfully create a memory
	// mapping, a reference is taken on File.
	File File

	// Offset is the offset into File to map. If File is nil, Offset is
	// ignored.
	Offset uint64

	// Addr is the suggested address for the mapping.
	Addr hostarch.Addr

	// Fixed specifies whether this is a fixed mapping (it must be located at
	// Addr).
	Fixed bool

	// Unmap specifies whether existing mappings in the range being mapped may
	// be replaced. If Unmap is true, Fixed must be true.
	Unmap bool

	// Perms is the set of permissions to the applied to this mapping.
	Perms hostarch.AccessType

	// Private is true if writes to the mapping should be propagated to a copy
	// that is exclusive to the address space.
	Private bool

	// Stack marks an anonymous mapping as a thread stack.
	Stack bool
}

// HostFile is a File backed by an *os.File.
type HostFile struct {
	refs.AtomicRefCount

	file *os.File
	name string
	dev  uint64
	ino  uint64
}

var _ File = (*HostFile)(nil)

// NewHostFile takes ownership of f. The returned HostFile holds one
// reference; f is closed when the last reference is dropped.
func NewHostFile(f *os.File) (*HostFile, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("fstat %q: %w", f.Name(), err)
	}
	return &HostFile{
		file: f,
		name: f.Name(),
		dev:  uint64(st.Dev),
		ino:  st.Ino,
	}, nil
}

// OpenHostFile opens the file at path and wraps it in a HostFile.
func OpenHostFile(path string, writable bool) (*HostFile, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return nil, linuxerr.ErrorFromUnix(errno)
		}
		return nil, err
	}
	hf, err := NewHostFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return hf, nil
}

// DecRef implements File.DecRef.
func (h *HostFile) DecRef() {
	h.DecRefWithDestructor(func() {
		if err := h.file.Close(); err != nil {
			log.Warningf("closing mapped file %q: %v", h.name, err)
		}
	})
}

// MappedName implements File.MappedName.
func (h *HostFile) MappedName() string {
	return h.name
}

// DeviceID implements File.DeviceID.
func (h *HostFile) DeviceID() uint64 {
	return h.dev
}

// InodeID implements File.InodeID.
func (h *HostFile) InodeID() uint64 {
	return h.ino
}

// Size implements File.Size.
func (h *HostFile) Size() (uint64, error) {
	fi, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// FD implements File.FD.
func (h *HostFile) FD() int {
	return int(h.file.Fd())
}

// String implements fmt.Stringer.String.
func (h *HostFile) String() string {
	return fmt.Sprintf("%s (dev %#x, ino %d)", h.name, h.dev, h.ino)
}
