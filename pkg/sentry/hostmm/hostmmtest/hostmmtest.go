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

// Package hostmmtest provides an in-memory hostmm.Mapper for tests.
package hostmmtest

import (
	"fmt"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/sentry/hostmm"
	"vproc.dev/vproc/pkg/sync"
)

// Op identifies a Mapper method for failure injection.
type Op int

// Mapper operations.
const (
	OpMap Op = iota
	OpUnmap
	OpProtect
	OpAdvise
)

func (o Op) String() string {
	switch o {
	case OpMap:
		return "map"
	case OpUnmap:
		return "unmap"
	case OpProtect:
		return "protect"
	case OpAdvise:
		return "advise"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Page is the state of one fake host page.
type Page struct {
	Prot hostarch.AccessType
	FD   int
}

// Mapper records host mappings page by page. It is safe for concurrent use.
type Mapper struct {
	mu sync.Mutex

	pages map[hostarch.Addr]Page
	next  hostarch.Addr
	calls map[Op]int

	// fail, if set, is consulted before every operation. A non-nil return
	// aborts the operation without changing any state.
	fail func(op Op, addr hostarch.Addr, length uint64) error
}

var _ hostmm.Mapper = (*Mapper)(nil)

// New returns an empty Mapper. Mappings without a fixed address are placed
// upward from 0x7f0000000000.
func New() *Mapper {
	return &Mapper{
		pages: make(map[hostarch.Addr]Page),
		next:  0x7f0000000000,
		calls: make(map[Op]int),
	}
}

// FailWith installs a failure hook. Passing nil removes it.
func (m *Mapper) FailWith(fail func(op Op, addr hostarch.Addr, length uint64) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// FailOp makes every subsequent call of op fail with err.
func (m *Mapper) FailOp(op Op, err error) {
	m.FailWith(func(o Op, _ hostarch.Addr, _ uint64) error {
		if o == op {
			return err
		}
		return nil
	})
}

func (m *Mapper) check(op Op, addr hostarch.Addr, length uint64) error {
	m.calls[op]++
	if m.fail != nil {
		if err := m.fail(op, addr, length); err != nil {
			return err
		}
	}
	if !addr.IsPageAligned() || !hostarch.IsPageAligned(length) || length == 0 {
		return linuxerr.EINVAL
	}
	if _, ok := addr.AddLength(length); !ok {
		return linuxerr.EINVAL
	}
	return nil
}

func (m *Mapper) anyMappedLocked(addr hostarch.Addr, length uint64) bool {
	for off := uint64(0); off < length; off += hostarch.PageSize {
		if _, ok := m.pages[addr+hostarch.Addr(off)]; ok {
			return true
		}
	}
	return false
}

// Map implements hostmm.Mapper.Map.
func (m *Mapper) Map(addr hostarch.Addr, length uint64, prot hostarch.AccessType, flags int, fd int, offset uint64) (hostarch.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	length, _ = hostarch.PageRoundUp(length)
	fixed := flags&(unix.MAP_FIXED|unix.MAP_FIXED_NOREPLACE) != 0
	if !fixed {
		addr = m.next
	}
	if err := m.check(OpMap, addr, length); err != nil {
		return 0, err
	}
	if flags&unix.MAP_ANONYMOUS == 0 && fd < 0 {
		return 0, linuxerr.EBADF
	}
	if flags&unix.MAP_FIXED_NOREPLACE != 0 && m.anyMappedLocked(addr, length) {
		return 0, linuxerr.EEXIST
	}
	for off := uint64(0); off < length; off += hostarch.PageSize {
		m.pages[addr+hostarch.Addr(off)] = Page{Prot: prot, FD: fd}
	}
	if !fixed {
		m.next += hostarch.Addr(length)
	}
	return addr, nil
}

// Unmap implements hostmm.Mapper.Unmap.
func (m *Mapper) Unmap(addr hostarch.Addr, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpUnmap, addr, length); err != nil {
		return err
	}
	for off := uint64(0); off < length; off += hostarch.PageSize {
		delete(m.pages, addr+hostarch.Addr(off))
	}
	return nil
}

// Protect implements hostmm.Mapper.Protect. Like mprotect(2), it fails with
// ENOMEM if any page in the range is unmapped.
func (m *Mapper) Protect(addr hostarch.Addr, length uint64, prot hostarch.AccessType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpProtect, addr, length); err != nil {
		return err
	}
	for off := uint64(0); off < length; off += hostarch.PageSize {
		if _, ok := m.pages[addr+hostarch.Addr(off)]; !ok {
			return linuxerr.ENOMEM
		}
	}
	for off := uint64(0); off < length; off += hostarch.PageSize {
		p := m.pages[addr+hostarch.Addr(off)]
		p.Prot = prot
		m.pages[addr+hostarch.Addr(off)] = p
	}
	return nil
}

// Advise implements hostmm.Mapper.Advise.
func (m *Mapper) Advise(addr hostarch.Addr, length uint64, advice int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(OpAdvise, addr, length)
}

// PageAt returns the state of the page containing addr.
func (m *Mapper) PageAt(addr hostarch.Addr) (Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[addr.RoundDown()]
	return p, ok
}

// MappedPages returns the number of mapped pages.
func (m *Mapper) MappedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// Calls returns how many times op has been invoked.
func (m *Mapper) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}
