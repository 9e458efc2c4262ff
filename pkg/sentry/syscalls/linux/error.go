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
	"errors"

	"vproc.dev/vproc/pkg/errors/linuxerr"
)

// handleError converts an interrupted wait for the address space into a
// request to restart the syscall. Other errors are returned unchanged.
func handleError(err error) error {
	if errors.Is(err, linuxerr.ErrInterrupted) {
		return linuxerr.ERESTARTNOINTR
	}
	return err
}
