// Copyright 2021 The gVisor Authors.
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

// Package errors defines the errno-carrying error type returned by vproc
// operations.
package errors

import "golang.org/x/sys/unix"

// Error is an error that a syscall reports as a specific errno.
type Error struct {
	errno   unix.Errno
	message string
}

// New returns an *Error reporting errno with the given message.
func New(errno unix.Errno, message string) *Error {
	return &Error{errno: errno, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the errno e is reported as.
func (e *Error) Errno() unix.Errno { return e.errno }

// Is lets errors.Is match e against the bare unix.Errno it stands for.
func (e *Error) Is(target error) bool {
	errno, ok := target.(unix.Errno)
	return ok && errno == e.errno
}
