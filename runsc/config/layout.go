// Copyright 2026 The gVisor Authors.
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

package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/hostarch"
)

// Layout describes an address space as the sequence of memory syscalls that
// builds it, followed by the page accesses to replay against it.
//
//	bin_path = "/usr/bin/app"
//	args = ["app", "-v"]
//
//	[[op]]
//	call = "mmap"
//	length = 0x4000
//	prot = "rw-"
//	flags = ["private", "anonymous"]
//
//	[[touch]]
//	at = 0x0
//	length = 0x1000
//	access = "r"
type Layout struct {
	BinPath string   `toml:"bin_path"`
	Args    []string `toml:"args"`
	Ops     []Op     `toml:"op"`
	Touches []Touch  `toml:"touch"`
}

// Op is one memory syscall.
type Op struct {
	// Call is one of mmap, munmap, mprotect, madvise and brk.
	Call string `toml:"call"`

	// At is the address argument as an offset from the base of the address
	// space. If unset, the address argument is zero.
	At *uint64 `toml:"at"`

	Length     uint64   `toml:"length"`
	Prot       string   `toml:"prot"`
	Flags      []string `toml:"flags"`
	File       string   `toml:"file"`
	FileOffset uint64   `toml:"file_offset"`
	Advice     string   `toml:"advice"`
}

// Touch is an access to every page of [base+At, base+At+Length).
type Touch struct {
	At     uint64 `toml:"at"`
	Length uint64 `toml:"length"`
	Access string `toml:"access"`
}

var mapFlags = map[string]int{
	"private":         unix.MAP_PRIVATE,
	"shared":          unix.MAP_SHARED,
	"anonymous":       unix.MAP_ANONYMOUS,
	"fixed":           unix.MAP_FIXED,
	"fixed_noreplace": unix.MAP_FIXED_NOREPLACE,
	"stack":           unix.MAP_STACK,
	"noreserve":       unix.MAP_NORESERVE,
}

var advices = map[string]int{
	"normal":     unix.MADV_NORMAL,
	"random":     unix.MADV_RANDOM,
	"sequential": unix.MADV_SEQUENTIAL,
	"willneed":   unix.MADV_WILLNEED,
	"dontneed":   unix.MADV_DONTNEED,
	"free":       unix.MADV_FREE,
	"hugepage":   unix.MADV_HUGEPAGE,
	"nohugepage": unix.MADV_NOHUGEPAGE,
	"dontdump":   unix.MADV_DONTDUMP,
	"dodump":     unix.MADV_DODUMP,
}

// LoadLayout reads the TOML layout file at path.
func LoadLayout(path string) (*Layout, error) {
	var l Layout
	md, err := toml.DecodeFile(path, &l)
	if err != nil {
		return nil, fmt.Errorf("reading layout %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("layout %q: unknown key %s", path, undecoded[0])
	}
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("layout %q: %w", path, err)
	}
	return &l, nil
}

func (l *Layout) validate() error {
	for i, op := range l.Ops {
		var err error
		switch op.Call {
		case "mmap":
			if _, err = ParseProt(op.Prot); err == nil {
				_, err = ParseMapFlags(op.Flags)
			}
		case "mprotect":
			_, err = ParseProt(op.Prot)
		case "madvise":
			_, err = ParseAdvice(op.Advice)
		case "munmap", "brk":
		default:
			err = fmt.Errorf("unknown call %q", op.Call)
		}
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	for i, t := range l.Touches {
		if _, err := ParseAccess(t.Access); err != nil {
			return fmt.Errorf("touch %d: %w", i, err)
		}
	}
	return nil
}

// ParseProt converts "rwx"-style protection, with '-' for an absent
// permission, to PROT_* bits.
func ParseProt(s string) (int, error) {
	if len(s) != 3 {
		return 0, fmt.Errorf("invalid protection %q", s)
	}
	prot := unix.PROT_NONE
	for i, bit := range []struct {
		c    byte
		prot int
	}{{'r', unix.PROT_READ}, {'w', unix.PROT_WRITE}, {'x', unix.PROT_EXEC}} {
		switch s[i] {
		case bit.c:
			prot |= bit.prot
		case '-':
		default:
			return 0, fmt.Errorf("invalid protection %q", s)
		}
	}
	return prot, nil
}

// ParseMapFlags converts flag names such as "private" or "fixed_noreplace"
// to MAP_* bits.
func ParseMapFlags(names []string) (int, error) {
	var flags int
	for _, name := range names {
		f, ok := mapFlags[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown mmap flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}

// ParseAdvice converts an advice name such as "dontneed" to its MADV_*
// value.
func ParseAdvice(s string) (int, error) {
	advice, ok := advices[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown advice %q", s)
	}
	return advice, nil
}

// ParseAccess converts a combination of 'r', 'w' and 'x' to an access type.
func ParseAccess(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		default:
			return hostarch.NoAccess, fmt.Errorf("invalid access %q", s)
		}
	}
	if !at.Any() {
		return hostarch.NoAccess, fmt.Errorf("empty access %q", s)
	}
	return at, nil
}
