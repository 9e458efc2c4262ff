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

// Package arch describes the calling convention of the syscalls handled by
// the sentry.
package arch

import (
	"fmt"
	"strings"

	"vproc.dev/vproc/pkg/hostarch"
)

// SyscallArgument is one raw register value passed to a syscall. The
// accessors read it as the C type they are named after, truncating or
// sign-extending as that type does.
type SyscallArgument struct {
	Value uintptr
}

// SyscallArguments holds the six argument registers of a syscall.
type SyscallArguments [6]SyscallArgument

// Args returns SyscallArguments holding vals, zero-filled.
func Args(vals ...uintptr) SyscallArguments {
	var args SyscallArguments
	if len(vals) > len(args) {
		panic(fmt.Sprintf("%d syscall arguments, at most %d allowed", len(vals), len(args)))
	}
	for i, v := range vals {
		args[i].Value = v
	}
	return args
}

// String implements fmt.Stringer.String.
func (a SyscallArguments) String() string {
	parts := make([]string, len(a))
	for i, arg := range a {
		parts[i] = fmt.Sprintf("%#x", arg.Value)
	}
	return strings.Join(parts, ", ")
}

// Pointer reads a as an address.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int reads a as a C int.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Uint reads a as a C unsigned int.
func (a SyscallArgument) Uint() uint32 {
	return uint32(a.Value)
}

// Uint64 reads a as a 64-bit unsigned value, such as size_t or off_t.
func (a SyscallArgument) Uint64() uint64 {
	return uint64(a.Value)
}
