// Copyright 2018 Google LLC
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

package linux

import (
	"time"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/log"
	"vproc.dev/vproc/pkg/sentry/arch"
	"vproc.dev/vproc/pkg/sentry/memmap"
	"vproc.dev/vproc/pkg/sentry/syscalls"
)

// brkLogger reports programs running out of heap without flooding the log.
var brkLogger = log.BasicRateLimitedLogger(time.Minute)

const validProt = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

// Brk implements linux syscall brk(2).
func Brk(t syscalls.Task, args arch.SyscallArguments) (uintptr, error) {
	addr := args[0].Pointer()
	mm := t.MemoryMap()
	if addr == 0 {
		return uintptr(mm.Break()), nil
	}
	brk, err := mm.SetBreak(t.Context(), addr)
	if err != nil {
		return 0, handleError(err)
	}
	if brk != addr {
		// Like Linux, failure is reported by returning the old break.
		brkLogger.Warningf("brk(%v) refused, break stays at %v with %d bytes of heap", addr, brk, mm.HeapUsage())
	}
	return uintptr(brk), nil
}

// Mmap implements linux syscall mmap(2).
func Mmap(t syscalls.Task, args arch.SyscallArguments) (uintptr, error) {
	prot := args[2].Int()
	flags := args[3].Int()
	fd := args[4].Int()
	fixed := flags&unix.MAP_FIXED != 0
	noReplace := flags&unix.MAP_FIXED_NOREPLACE != 0
	private := flags&unix.MAP_PRIVATE != 0
	shared := flags&unix.MAP_SHARED != 0
	anon := flags&unix.MAP_ANONYMOUS != 0

	// Require exactly one of MAP_PRIVATE and MAP_SHARED.
	if private == shared {
		return 0, linuxerr.EINVAL
	}
	if prot&^validProt != 0 {
		return 0, linuxerr.EINVAL
	}

	opts := memmap.MMapOpts{
		Length:  args[1].Uint64(),
		Offset:  args[5].Uint64(),
		Addr:    args[0].Pointer(),
		Fixed:   fixed || noReplace,
		Unmap:   fixed && !noReplace,
		Perms:   hostarch.AccessTypeFromProt(int(prot)),
		Private: private,
		Stack:   anon && flags&unix.MAP_STACK != 0,
	}
	if !anon {
		file := t.GetFile(fd)
		if file == nil {
			return 0, linuxerr.EBADF
		}
		defer file.DecRef()
		opts.File = file
	}

	rv, err := t.MemoryMap().MMap(t.Context(), opts)
	return uintptr(rv), handleError(err)
}

// Munmap implements linux syscall munmap(2).
func Munmap(t syscalls.Task, args arch.SyscallArguments) (uintptr, error) {
	return 0, handleError(t.MemoryMap().MUnmap(t.Context(), args[0].Pointer(), args[1].Uint64()))
}

// Mprotect implements linux syscall mprotect(2).
func Mprotect(t syscalls.Task, args arch.SyscallArguments) (uintptr, error) {
	prot := args[2].Int()
	if prot&^validProt != 0 {
		return 0, linuxerr.EINVAL
	}
	err := t.MemoryMap().MProtect(t.Context(), args[0].Pointer(), args[1].Uint64(), hostarch.AccessTypeFromProt(int(prot)))
	return 0, handleError(err)
}

// Madvise implements linux syscall madvise(2). Only advice that cannot
// change memory contents visible to other mappings is passed to the host.
func Madvise(t syscalls.Task, args arch.SyscallArguments) (uintptr, error) {
	advice := args[2].Int()
	switch advice {
	case unix.MADV_NORMAL, unix.MADV_RANDOM, unix.MADV_SEQUENTIAL, unix.MADV_WILLNEED,
		unix.MADV_DONTNEED, unix.MADV_FREE, unix.MADV_HUGEPAGE, unix.MADV_NOHUGEPAGE,
		unix.MADV_DONTDUMP, unix.MADV_DODUMP:
	default:
		return 0, linuxerr.EINVAL
	}
	return 0, handleError(t.MemoryMap().MAdvise(t.Context(), args[0].Pointer(), args[1].Uint64(), int(advice)))
}
