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

// Package cmd holds implementations of the runsc commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/log"
	"vproc.dev/vproc/pkg/sentry/arch"
	"vproc.dev/vproc/pkg/sentry/hostmm"
	"vproc.dev/vproc/pkg/sentry/hostmm/hostmmtest"
	"vproc.dev/vproc/pkg/sentry/ktime"
	"vproc.dev/vproc/pkg/sentry/memmap"
	"vproc.dev/vproc/pkg/sentry/mm"
	"vproc.dev/vproc/pkg/sentry/syscalls"
	"vproc.dev/vproc/pkg/sentry/syscalls/linux"
	"vproc.dev/vproc/runsc/config"
)

// lockRetryInterval is the pause between attempts to take a file lock.
const lockRetryInterval = 100 * time.Millisecond

// sandbox holds the process-wide state shared by the address spaces a
// command creates.
type sandbox struct {
	conf   *config.Config
	alloc  *mm.Allocator
	mapper hostmm.Mapper
	table  *syscalls.SyscallTable
}

func newSandbox(conf *config.Config) *sandbox {
	var mapper hostmm.Mapper
	switch conf.Mapper {
	case config.MapperHost:
		mapper = &hostmm.Host{Reserve: true}
	case config.MapperFake:
		mapper = hostmmtest.New()
	}
	table := *linux.Table
	table.RestartDelay = conf.RestartDelay
	return &sandbox{
		conf:   conf,
		alloc:  mm.NewAllocator(hostarch.Addr(conf.AllocatorBase), hostarch.Addr(conf.AllocatorLimit)),
		mapper: mapper,
		table:  &table,
	}
}

// build creates an address space and replays l's memory syscalls against
// it. On failure, everything mapped so far is unmapped.
func (s *sandbox) build(ctx context.Context, l *config.Layout) (*mm.MemoryMap, error) {
	m, err := mm.CreateMemoryMap(s.alloc, s.mapper, ktime.HostClock{}, s.conf.MemoryMapSize)
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w", err)
	}
	t := newTask(ctx, m)
	defer t.release()
	if err := t.replay(s.table, l.Ops); err != nil {
		m.UnmapAll()
		return nil, err
	}
	if l.BinPath != "" {
		m.SetBinPath(l.BinPath, l.Args)
	}
	log.Infof("Built address space %v with %d regions", m.Range(), len(m.VMAs()))
	return m, nil
}

// task implements syscalls.Task for the replay of a layout.
type task struct {
	ctx   context.Context
	mm    *mm.MemoryMap
	files map[int32]memmap.File
	next  int32
}

var _ syscalls.Task = (*task)(nil)

func newTask(ctx context.Context, m *mm.MemoryMap) *task {
	// Descriptors 0-2 are left to stdio, as in a real process.
	return &task{ctx: ctx, mm: m, files: make(map[int32]memmap.File), next: 3}
}

// Context implements syscalls.Task.Context.
func (t *task) Context() context.Context {
	return t.ctx
}

// MemoryMap implements syscalls.Task.MemoryMap.
func (t *task) MemoryMap() *mm.MemoryMap {
	return t.mm
}

// GetFile implements syscalls.Task.GetFile.
func (t *task) GetFile(fd int32) memmap.File {
	f, ok := t.files[fd]
	if !ok {
		return nil
	}
	f.IncRef()
	return f
}

// open opens path and installs it in the task's descriptor table.
func (t *task) open(path string, writable bool) (int32, error) {
	f, err := memmap.OpenHostFile(path, writable)
	if err != nil {
		return -1, fmt.Errorf("opening %q: %w", path, err)
	}
	fd := t.next
	t.next++
	t.files[fd] = f
	return fd, nil
}

// release drops the descriptor table's references. Regions mapping the
// files keep their own.
func (t *task) release() {
	for fd, f := range t.files {
		f.DecRef()
		delete(t.files, fd)
	}
}

// replay executes ops in order, stopping at the first failure.
func (t *task) replay(table *syscalls.SyscallTable, ops []config.Op) error {
	for i, op := range ops {
		sysno, args, err := t.syscallFor(op)
		if err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Call, err)
		}
		rval, err := table.Execute(t, sysno, args)
		if err != nil {
			return fmt.Errorf("op %d (%s(%v)): %w", i, op.Call, args, err)
		}
		log.Debugf("%s(%v) = %#x", op.Call, args, rval)
	}
	return nil
}

// syscallFor converts op to a syscall number and its arguments.
func (t *task) syscallFor(op config.Op) (uintptr, arch.SyscallArguments, error) {
	var addr uintptr
	if op.At != nil {
		addr = uintptr(t.mm.Base()) + uintptr(*op.At)
	}
	length := uintptr(op.Length)

	switch op.Call {
	case "mmap":
		prot, err := config.ParseProt(op.Prot)
		if err != nil {
			return 0, arch.SyscallArguments{}, err
		}
		flags, err := config.ParseMapFlags(op.Flags)
		if err != nil {
			return 0, arch.SyscallArguments{}, err
		}
		fd := int32(-1)
		if op.File != "" {
			writable := flags&unix.MAP_SHARED != 0 && prot&unix.PROT_WRITE != 0
			if fd, err = t.open(op.File, writable); err != nil {
				return 0, arch.SyscallArguments{}, err
			}
		} else {
			flags |= unix.MAP_ANONYMOUS
		}
		return unix.SYS_MMAP, arch.Args(addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(op.FileOffset)), nil
	case "munmap":
		return unix.SYS_MUNMAP, arch.Args(addr, length), nil
	case "mprotect":
		prot, err := config.ParseProt(op.Prot)
		if err != nil {
			return 0, arch.SyscallArguments{}, err
		}
		return unix.SYS_MPROTECT, arch.Args(addr, length, uintptr(prot)), nil
	case "madvise":
		advice, err := config.ParseAdvice(op.Advice)
		if err != nil {
			return 0, arch.SyscallArguments{}, err
		}
		return unix.SYS_MADVISE, arch.Args(addr, length, uintptr(advice)), nil
	case "brk":
		return unix.SYS_BRK, arch.Args(addr), nil
	}
	return 0, arch.SyscallArguments{}, fmt.Errorf("unknown call %q", op.Call)
}

// lockFile takes a file lock next to path, shared or exclusive, retrying
// until timeout. The returned function releases it.
func lockFile(ctx context.Context, path string, shared bool, timeout time.Duration) (func() error, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lockPath := path + ".lock"
	l := flock.NewFlock(lockPath)
	op := func() error {
		var (
			locked bool
			err    error
		)
		if shared {
			locked, err = l.TryRLock()
		} else {
			locked, err = l.TryLock()
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			return fmt.Errorf("%q is held by another process", lockPath)
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(lockRetryInterval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %w", lockPath, err)
	}
	return l.Unlock, nil
}
