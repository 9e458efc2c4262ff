// Copyright 2018 Google Inc.
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

package mm

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/log"
)

// WriteMaps writes the regions of mm to w in the format of
// /proc/[pid]/maps.
func (mm *MemoryMap) WriteMaps(w io.Writer) error {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var b bytes.Buffer
	mm.vmas.each(func(v *vma) bool {
		vmaMapsEntryInto(&b, v)
		return true
	})
	_, err := w.Write(b.Bytes())
	return err
}

// MapsString returns the contents WriteMaps would write.
func (mm *MemoryMap) MapsString() string {
	var b strings.Builder
	mm.WriteMaps(&b)
	return b.String()
}

// LogMappings logs every region at info level.
func (mm *MemoryMap) LogMappings() {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	log.Infof("mm: memory map [%v, %v), break %v, %d regions", mm.base, mm.end, mm.Break(), mm.vmas.len())
	mm.vmas.each(func(v *vma) bool {
		var b bytes.Buffer
		vmaMapsEntryInto(&b, v)
		log.Infof("mm: %s", strings.TrimSuffix(b.String(), "\n"))
		return true
	})
}

// vmaMapsEntryInto appends a /proc/[pid]/maps entry for v, including the
// trailing newline, to b.
//
// Preconditions: mm.mappingMu must be locked.
func vmaMapsEntryInto(b *bytes.Buffer, v *vma) {
	private := "p"
	if !v.private {
		private = "s"
	}

	var dev, ino uint64
	if v.file != nil {
		dev = v.file.DeviceID()
		ino = v.file.InodeID()
	}
	// Device numbers come from the host's stat(2), so use its encoding.
	devMajor := unix.Major(dev)
	devMinor := unix.Minor(dev)

	lineStart := b.Len()
	fmt.Fprintf(b, "%08x-%08x %s%s %08x %02x:%02x %d ",
		uint64(v.start), uint64(v.end), v.perms, private, v.off, devMajor, devMinor, ino)

	if s := v.typ.Label(v.file); s != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - (b.Len() - lineStart); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
	}
	b.WriteString("\n")
}
