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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileOpts fills in the placeholders of a log file pattern: %COMMAND% is
// replaced by Command, %TIMESTAMP% by Timestamp in Unix nanoseconds and %PID%
// by the process ID.
type FileOpts struct {
	Command   string
	Timestamp time.Time
}

// Path returns pattern with its placeholders replaced. A zero Timestamp
// means now.
func (o FileOpts) Path(pattern string) string {
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return strings.NewReplacer(
		"%COMMAND%", o.Command,
		"%TIMESTAMP%", strconv.FormatInt(ts.UnixNano(), 10),
		"%PID%", strconv.Itoa(os.Getpid()),
	).Replace(pattern)
}

// OpenFile opens the log file named by pattern with the given open flags,
// creating its directory if needed. An empty pattern yields a nil file.
func OpenFile(pattern string, flags int, opts FileOpts) (*os.File, error) {
	if pattern == "" {
		return nil, nil
	}
	path := opts.Path(pattern)
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return nil, fmt.Errorf("creating log directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, flags, 0o664)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
