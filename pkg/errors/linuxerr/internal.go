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

package linuxerr

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/errors"
)

// ErrInterrupted is returned when a request is interrupted before it makes
// any change. Such requests may always be retried.
var ErrInterrupted = errors.New(unix.EINTR, "request was interrupted")

// ERESTARTNOINTR is returned by an interrupted syscall that must always be
// restarted. It never reaches the application.
var ERESTARTNOINTR = errors.New(unix.Errno(513), "to be restarted")

// aliases maps internal errors to the sentinel reported to applications.
var aliases = map[*errors.Error]*errors.Error{
	ErrInterrupted: EINTR,
}

// TranslateError returns the sentinel for the outermost *errors.Error in
// from's chain, or false if the chain has none.
func TranslateError(from error) (*errors.Error, bool) {
	var e *errors.Error
	if !stderrors.As(from, &e) {
		return nil, false
	}
	if alias, ok := aliases[e]; ok {
		return alias, true
	}
	return e, true
}

// IsRestartError reports whether err asks for the syscall to be restarted.
func IsRestartError(err error) bool {
	return stderrors.Is(err, ERESTARTNOINTR)
}
