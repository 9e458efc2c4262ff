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
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the level and pid is the space-padded process ID, written where
// glog writes a thread ID.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// glogTime is the timestamp layout of glog headers.
const glogTime = "0102 15:04:05.000000"

var (
	levelChars = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

	// pid uses the same 7 columns as glog's thread ID.
	pid = fmt.Sprintf("%7d", os.Getpid())
)

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	file, line := "???", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		// The header is passed on as part of the format.
		file, line = strings.ReplaceAll(filepath.Base(f), "%", "%%"), l
	}
	c := byte('?')
	if int(level) < len(levelChars) {
		c = levelChars[level]
	}

	var b strings.Builder
	b.Grow(len(glogTime) + len(pid) + len(file) + len(format) + 16)
	b.WriteByte(c)
	b.WriteString(timestamp.Format(glogTime))
	fmt.Fprintf(&b, " %s %s:%d] ", pid, file, line)
	b.WriteString(format)
	b.WriteByte('\n')
	g.Emitter.Emit(depth, level, timestamp, b.String(), args...)
}
