// Copyright 2019 The gVisor Authors.
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

// Package hostmm provides tools for interacting with the host Linux kernel's
// virtual memory management subsystem.
package hostmm

import (
	"fmt"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
)

// Mapper is the host mapping primitive used by the address-space manager.
// All addresses and lengths passed to a Mapper are page-aligned.
type Mapper interface {
	// Map creates a host mapping of length bytes at addr. flags are
	// mmap(2) flags; fd is -1 for anonymous mappings. Map returns the
	// address the host chose, which equals addr for MAP_FIXED mappings.
	Map(addr hostarch.Addr, length uint64, prot hostarch.AccessType, flags int, fd int, offset uint64) (hostarch.Addr, error)

	// Unmap releases the host mapping of [addr, addr+length).
	Unmap(addr hostarch.Addr, length uint64) error

	// Protect changes the host protection of [addr, addr+length).
	Protect(addr hostarch.Addr, length uint64, prot hostarch.AccessType) error

	// Advise passes madvise(2) advice for [addr, addr+length) to the host.
	Advise(addr hostarch.Addr, length uint64, advice int) error
}

// ReserveFlags are the mmap(2) flags used to hold a range of address space
// without committing memory to it.
const ReserveFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE

// Host is a Mapper backed by the calling process' own address space.
type Host struct {
	// Reserve causes Unmap to replace the range with an inaccessible
	// reservation instead of returning it to the host, so that the host
	// cannot place unrelated mappings inside a managed arena.
	Reserve bool
}

var _ Mapper = (*Host)(nil)

// Map implements Mapper.Map.
func (h *Host) Map(addr hostarch.Addr, length uint64, prot hostarch.AccessType, flags int, fd int, offset uint64) (hostarch.Addr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(addr), uintptr(length), uintptr(prot.Prot()), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, linuxerr.ErrorFromUnix(errno)
	}
	got := hostarch.Addr(ret)
	if flags&unix.MAP_FIXED_NOREPLACE != 0 && got != addr {
		// Kernels older than 4.17 treat MAP_FIXED_NOREPLACE as a hint.
		unix.Syscall(unix.SYS_MUNMAP, ret, uintptr(length), 0)
		return 0, linuxerr.EEXIST
	}
	return got, nil
}

// Unmap implements Mapper.Unmap.
func (h *Host) Unmap(addr hostarch.Addr, length uint64) error {
	if h.Reserve {
		_, err := h.Map(addr, length, hostarch.NoAccess, ReserveFlags|unix.MAP_FIXED, -1, 0)
		return err
	}
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0); errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	return nil
}

// Protect implements Mapper.Protect.
func (h *Host) Protect(addr hostarch.Addr, length uint64, prot hostarch.AccessType) error {
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), uintptr(prot.Prot())); errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	return nil
}

// Advise implements Mapper.Advise.
func (h *Host) Advise(addr hostarch.Addr, length uint64, advice int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MADVISE, uintptr(addr), uintptr(length), uintptr(advice)); errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	return nil
}

// MapFlags returns the mmap(2) flags used to place a region at a fixed
// address. private selects copy-on-write semantics for file mappings.
func MapFlags(anonymous, private bool) int {
	flags := unix.MAP_FIXED
	if private {
		flags |= unix.MAP_PRIVATE
	} else {
		flags |= unix.MAP_SHARED
	}
	if anonymous {
		flags |= unix.MAP_ANONYMOUS
	}
	return flags
}

// FlagsString formats mmap(2) flags for log messages.
func FlagsString(flags int) string {
	names := []struct {
		flag int
		name string
	}{
		{unix.MAP_SHARED, "MAP_SHARED"},
		{unix.MAP_PRIVATE, "MAP_PRIVATE"},
		{unix.MAP_FIXED, "MAP_FIXED"},
		{unix.MAP_ANONYMOUS, "MAP_ANONYMOUS"},
		{unix.MAP_NORESERVE, "MAP_NORESERVE"},
		{unix.MAP_FIXED_NOREPLACE, "MAP_FIXED_NOREPLACE"},
		{unix.MAP_STACK, "MAP_STACK"},
	}
	s := ""
	for _, n := range names {
		if flags&n.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
			flags &^= n.flag
		}
	}
	if flags != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#x", flags)
	}
	if s == "" {
		return "0"
	}
	return s
}
