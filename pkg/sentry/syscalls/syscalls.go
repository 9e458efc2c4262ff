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

// Package syscalls is the interface from the application to the kernel.
// Traditionally, syscalls is the interface that is used by applications to
// request services from the kernel of a operating system. We provide a
// user-mode kernel that needs to handle those requests coming from unmodified
// applications. Therefore, we still use the term "syscalls" to denote this
// interface.
package syscalls

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/sentry/arch"
	"vproc.dev/vproc/pkg/sentry/memmap"
	"vproc.dev/vproc/pkg/sentry/mm"
)

// Task is the calling thread as seen by syscall handlers.
type Task interface {
	// Context is done when the task is interrupted.
	Context() context.Context

	// MemoryMap returns the address space of the task's process.
	MemoryMap() *mm.MemoryMap

	// GetFile returns the file for fd with a reference held by the caller,
	// or nil if fd is not open.
	GetFile(fd int32) memmap.File
}

// SyscallFn is a syscall implementation.
type SyscallFn func(t Task, args arch.SyscallArguments) (uintptr, error)

// Error returns a syscall handler that will always give the passed error.
func Error(err error) SyscallFn {
	return func(Task, arch.SyscallArguments) (uintptr, error) {
		return 0, err
	}
}

// SyscallTable maps syscall numbers to implementations.
type SyscallTable struct {
	// Name identifies the table in logs.
	Name string

	// Table maps syscall numbers to implementations.
	Table map[uintptr]SyscallFn

	// Missing handles syscalls without an entry in Table. If nil, they fail
	// with ENOSYS.
	Missing SyscallFn

	// RestartDelay is the pause before a syscall that asked to be restarted
	// is run again.
	RestartDelay time.Duration
}

// Lookup returns the implementation of sysno.
func (s *SyscallTable) Lookup(sysno uintptr) SyscallFn {
	if fn, ok := s.Table[sysno]; ok {
		return fn
	}
	if s.Missing != nil {
		return s.Missing
	}
	return Error(linuxerr.ENOSYS)
}

// Execute runs syscall sysno for t. A syscall failing with ERESTARTNOINTR is
// run again until it completes or t's context is done, in which case
// ERESTARTNOINTR is returned to the caller.
func (s *SyscallTable) Execute(t Task, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
	fn := s.Lookup(sysno)
	var rval uintptr
	op := func() error {
		r, err := fn(t, args)
		if linuxerr.IsRestartError(err) {
			return err
		}
		rval = r
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(s.RestartDelay), t.Context())
	if err := backoff.Retry(op, b); err != nil {
		return rval, err
	}
	return rval, nil
}

// String implements fmt.Stringer.String.
func (s *SyscallTable) String() string {
	return fmt.Sprintf("%s (%d syscalls)", s.Name, len(s.Table))
}
