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

// Package linux provides the Linux memory-management syscalls of a
// virtualized process.
package linux

import (
	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/sentry/syscalls"
)

// Table holds the syscalls implemented by this package, numbered for the
// host architecture.
var Table = &syscalls.SyscallTable{
	Name: "linux",
	Table: map[uintptr]syscalls.SyscallFn{
		unix.SYS_MMAP:     Mmap,
		unix.SYS_MPROTECT: Mprotect,
		unix.SYS_MUNMAP:   Munmap,
		unix.SYS_BRK:      Brk,
		unix.SYS_MADVISE:  Madvise,
	},
}
