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
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/refs"
	"vproc.dev/vproc/pkg/sentry/hostmm/hostmmtest"
	"vproc.dev/vproc/pkg/sentry/ktime"
	"vproc.dev/vproc/pkg/sentry/memmap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testAllocBase  hostarch.Addr = 0x100000000
	testAllocLimit hostarch.Addr = 0x200000000
	testArenaPages               = 32
	page                         = hostarch.PageSize
)

type testEnv struct {
	mm     *MemoryMap
	mapper *hostmmtest.Mapper
	alloc  *Allocator
	clock  *ktime.ManualClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		mapper: hostmmtest.New(),
		alloc:  NewAllocator(testAllocBase, testAllocLimit),
		clock:  ktime.NewManualClock(ktime.FromNanoseconds(1000)),
	}
	mm, err := CreateMemoryMap(env.alloc, env.mapper, env.clock, testArenaPages*page)
	if err != nil {
		t.Fatalf("CreateMemoryMap failed: %v", err)
	}
	env.mm = mm
	return env
}

// testFile is a memmap.File that tracks its references.
type testFile struct {
	refs.AtomicRefCount

	name      string
	size      uint64
	destroyed bool
}

func newTestFile(name string, size uint64) *testFile {
	return &testFile{name: name, size: size}
}

func (f *testFile) DecRef() {
	f.DecRefWithDestructor(func() { f.destroyed = true })
}

func (f *testFile) MappedName() string    { return f.name }
func (f *testFile) DeviceID() uint64      { return unix.Mkdev(8, 1) }
func (f *testFile) InodeID() uint64       { return 42 }
func (f *testFile) Size() (uint64, error) { return f.size, nil }
func (f *testFile) FD() int               { return 7 }

var _ memmap.File = (*testFile)(nil)

type region struct {
	Start  hostarch.Addr
	End    hostarch.Addr
	Perms  string
	Type   VMType
	Traced bool
}

func layout(mm *MemoryMap) []region {
	var rs []region
	for _, v := range mm.VMAs() {
		rs = append(rs, region{
			Start:  v.Range.Start,
			End:    v.Range.End,
			Perms:  v.Perms.String(),
			Type:   v.Type,
			Traced: v.Traced,
		})
	}
	return rs
}

// checkInvariants verifies that regions are ordered, disjoint and inside the
// address space, and that the host protection of every untraced page
// matches its region.
func checkInvariants(t *testing.T, env *testEnv) {
	t.Helper()
	mm := env.mm
	prev := mm.Base()
	for _, v := range mm.VMAs() {
		if v.Range.Start < prev || v.Range.Start >= v.Range.End || v.Range.End > mm.End() {
			t.Fatalf("region %v is out of order or outside [%v, %v), previous end %v", v.Range, mm.Base(), mm.End(), prev)
		}
		if !v.Range.IsPageAligned() {
			t.Fatalf("region %v is not page-aligned", v.Range)
		}
		if !v.Traced {
			for p := v.Range.Start; p < v.Range.End; p += page {
				hp, ok := env.mapper.PageAt(p)
				if !ok || hp.Prot != v.Perms {
					t.Fatalf("host page %v = (%+v, %t), region %v has perms %v", p, hp, ok, v.Range, v.Perms)
				}
			}
		}
		prev = v.Range.End
	}
}

func (env *testEnv) mapFixed(t *testing.T, addr hostarch.Addr, length uint64, perms hostarch.AccessType) {
	t.Helper()
	if _, err := env.mm.MapAnonymous(context.Background(), addr, length, perms, true); err != nil {
		t.Fatalf("MapAnonymous(%v, %#x, %v) failed: %v", addr, length, perms, err)
	}
}

func TestConcreteScenario(t *testing.T) {
	mapper := hostmmtest.New()
	mm := NewMemoryMap(NewAllocator(testAllocBase, testAllocLimit), mapper, ktime.HostClock{},
		hostarch.AddrRange{Start: 0x1000, End: 0x1000 + 16*page})
	ctx := context.Background()

	a, err := mm.MapAnonymous(ctx, 0, 0x3000, hostarch.ReadWrite, false)
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	want := []region{{Start: a, End: a + 0x3000, Perms: "rw-", Type: Normal}}
	if diff := cmp.Diff(want, layout(mm)); diff != "" {
		t.Fatalf("layout after map (-want +got):\n%s", diff)
	}

	if err := mm.MProtect(ctx, a+0x1000, 0x1000, hostarch.Read); err != nil {
		t.Fatalf("MProtect failed: %v", err)
	}
	want = []region{
		{Start: a, End: a + 0x1000, Perms: "rw-", Type: Normal},
		{Start: a + 0x1000, End: a + 0x2000, Perms: "r--", Type: Normal},
		{Start: a + 0x2000, End: a + 0x3000, Perms: "rw-", Type: Normal},
	}
	if diff := cmp.Diff(want, layout(mm)); diff != "" {
		t.Fatalf("layout after protect (-want +got):\n%s", diff)
	}

	if err := mm.MUnmap(ctx, a, 0x3000); err != nil {
		t.Fatalf("MUnmap failed: %v", err)
	}
	if got := layout(mm); len(got) != 0 {
		t.Errorf("registry not empty after unmap: %v", got)
	}
}

func TestMMapFirstFitPlacement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mm := env.mm

	a, err := mm.MapAnonymous(ctx, 0, 2*page, hostarch.Read, false)
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	if want := mm.End() - 2*page; a != want {
		t.Errorf("first mapping at %v, want %v", a, want)
	}

	// A free hint is honoured.
	hint := mm.Base() + 4*page
	b, err := mm.MapAnonymous(ctx, hint, page, hostarch.Read, false)
	if err != nil || b != hint {
		t.Errorf("MapAnonymous with free hint = (%v, %v), want (%v, nil)", b, err, hint)
	}

	// An occupied hint is moved next to the blocking region.
	c, err := mm.MapAnonymous(ctx, hint, page, hostarch.ReadWrite, false)
	if err != nil || c != hint-page {
		t.Errorf("MapAnonymous with occupied hint = (%v, %v), want (%v, nil)", c, err, hint-page)
	}
	checkInvariants(t, env)
}

func TestMMapOutOfSpace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.mm.MapAnonymous(ctx, 0, (testArenaPages+1)*page, hostarch.Read, false); err != linuxerr.ENOMEM {
		t.Errorf("oversized MapAnonymous: got %v, want %v", err, linuxerr.ENOMEM)
	}
	// Fill the arena except the middle page, then ask for two pages.
	mid := env.mm.Base() + testArenaPages/2*page
	env.mapFixed(t, env.mm.Base(), uint64(mid-env.mm.Base()), hostarch.Read)
	env.mapFixed(t, mid+page, uint64(env.mm.End()-mid-page), hostarch.ReadWrite)
	if _, err := env.mm.MapAnonymous(ctx, 0, 2*page, hostarch.Read, false); err != linuxerr.ENOMEM {
		t.Errorf("MapAnonymous into fragmented arena: got %v, want %v", err, linuxerr.ENOMEM)
	}
	if a, err := env.mm.MapAnonymous(ctx, 0, page, hostarch.Execute, false); err != nil || a != mid {
		t.Errorf("MapAnonymous into last free page = (%v, %v), want (%v, nil)", a, err, mid)
	}
}

func TestMMapValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := env.mm.Base()
	f := newTestFile("/lib/x.so", 4*page)
	for _, tc := range []struct {
		name string
		opts memmap.MMapOpts
		want error
	}{
		{"zero length", memmap.MMapOpts{Addr: base}, linuxerr.EINVAL},
		{"unaligned address", memmap.MMapOpts{Addr: base + 1, Length: page}, linuxerr.EINVAL},
		{"unmap without fixed", memmap.MMapOpts{Length: page, Unmap: true}, linuxerr.EINVAL},
		{"unaligned offset", memmap.MMapOpts{Length: page, File: f, Offset: 5}, linuxerr.EINVAL},
		{"offset overflow", memmap.MMapOpts{Length: page, File: f, Offset: ^uint64(0) &^ (page - 1)}, linuxerr.EOVERFLOW},
		{"file stack", memmap.MMapOpts{Length: page, File: f, Stack: true}, linuxerr.EINVAL},
		{"fixed below base", memmap.MMapOpts{Addr: base - page, Length: page, Fixed: true, Unmap: true}, linuxerr.ENOMEM},
		{"fixed past end", memmap.MMapOpts{Addr: env.mm.End() - page, Length: 2 * page, Fixed: true, Unmap: true}, linuxerr.ENOMEM},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.mm.MMap(ctx, tc.opts); err != tc.want {
				t.Errorf("MMap(%+v): got %v, want %v", tc.opts, err, tc.want)
			}
		})
	}
	if got := f.ReadRefs(); got != 1 {
		t.Errorf("failed mappings leaked file references: refs = %d, want 1", got)
	}
}

func TestOverwrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.mm.Base()
	env.mapFixed(t, b, 2*page, hostarch.Read)
	env.mapFixed(t, b+3*page, 2*page, hostarch.ReadWrite)
	before := layout(env.mm)

	// Without the overwrite flag the registry is unchanged.
	_, err := env.mm.MMap(ctx, memmap.MMapOpts{Addr: b + page, Length: 3 * page, Fixed: true, Perms: hostarch.Execute, Private: true})
	if err != linuxerr.EEXIST {
		t.Fatalf("fixed MMap over existing regions: got %v, want %v", err, linuxerr.EEXIST)
	}
	if diff := cmp.Diff(before, layout(env.mm)); diff != "" {
		t.Fatalf("failed MMap changed the registry (-want +got):\n%s", diff)
	}

	env.mapFixed(t, b+page, 3*page, hostarch.Execute)
	want := []region{
		{Start: b, End: b + page, Perms: "r--", Type: Normal},
		{Start: b + page, End: b + 4*page, Perms: "--x", Type: Normal},
		{Start: b + 4*page, End: b + 5*page, Perms: "rw-", Type: Normal},
	}
	if diff := cmp.Diff(want, layout(env.mm)); diff != "" {
		t.Errorf("layout after overwrite (-want +got):\n%s", diff)
	}

	// A mapping inside a single region splits it in two.
	env.mapFixed(t, b+2*page, page, hostarch.Read)
	want = []region{
		{Start: b, End: b + page, Perms: "r--", Type: Normal},
		{Start: b + page, End: b + 2*page, Perms: "--x", Type: Normal},
		{Start: b + 2*page, End: b + 3*page, Perms: "r--", Type: Normal},
		{Start: b + 3*page, End: b + 4*page, Perms: "--x", Type: Normal},
		{Start: b + 4*page, End: b + 5*page, Perms: "rw-", Type: Normal},
	}
	if diff := cmp.Diff(want, layout(env.mm)); diff != "" {
		t.Errorf("layout after split (-want +got):\n%s", diff)
	}
	checkInvariants(t, env)
}

func TestMergeEitherOrder(t *testing.T) {
	var layouts [][]region
	for _, order := range [][2]uint64{{0, 1}, {1, 0}} {
		env := newTestEnv(t)
		b := env.mm.Base()
		for _, i := range order {
			env.mapFixed(t, b+hostarch.Addr(i)*page, page, hostarch.ReadWrite)
		}
		layouts = append(layouts, layout(env.mm))
		checkInvariants(t, env)
	}
	b := layouts[0][0].Start
	want := []region{{Start: b, End: b + 2*page, Perms: "rw-", Type: Normal}}
	for i, l := range layouts {
		if diff := cmp.Diff(want, l); diff != "" {
			t.Errorf("order %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestFileMerge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.mm.Base()
	f := newTestFile("/lib/libc.so", 8*page)
	mapFile := func(addr hostarch.Addr, off uint64) {
		t.Helper()
		if _, err := env.mm.MMap(ctx, memmap.MMapOpts{Addr: addr, Length: page, Fixed: true, Unmap: true, File: f, Offset: off, Perms: hostarch.Read, Private: true}); err != nil {
			t.Fatalf("MMap file at %v offset %#x failed: %v", addr, off, err)
		}
	}

	mapFile(b, 0)
	mapFile(b+page, page)
	vs := env.mm.VMAs()
	if len(vs) != 1 || vs[0].Range.Length() != 2*page || vs[0].Offset != 0 {
		t.Fatalf("contiguous file mappings did not merge: %+v", vs)
	}
	if got := f.ReadRefs(); got != 2 {
		t.Errorf("refs after merge = %d, want 2", got)
	}

	// Non-contiguous offsets stay separate.
	mapFile(b+2*page, 5*page)
	if got := len(env.mm.VMAs()); got != 2 {
		t.Errorf("non-contiguous file mappings merged: %d regions, want 2", got)
	}
	if got := f.ReadRefs(); got != 3 {
		t.Errorf("refs = %d, want 3", got)
	}

	// Splitting takes a reference and unmapping everything drops them all.
	if err := env.mm.MProtect(ctx, b+page, page, hostarch.ReadWrite); err != nil {
		t.Fatalf("MProtect failed: %v", err)
	}
	vs = env.mm.VMAs()
	if len(vs) != 3 || vs[1].Offset != page {
		t.Errorf("split file region has wrong offset: %+v", vs)
	}
	if err := env.mm.MUnmap(ctx, b, 3*page); err != nil {
		t.Fatalf("MUnmap failed: %v", err)
	}
	f.DecRef()
	if !f.destroyed {
		t.Errorf("file still referenced after all regions were removed: refs = %d", f.ReadRefs())
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.mm.Base()
	env.mapFixed(t, b, 2*page, hostarch.Read)
	env.mapFixed(t, b+6*page, page, hostarch.ReadWrite)
	before := layout(env.mm)
	pagesBefore := env.mapper.MappedPages()

	a, err := env.mm.MapAnonymous(ctx, b+3*page, 2*page, hostarch.ReadWrite, true)
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	if err := env.mm.MUnmap(ctx, a, 2*page); err != nil {
		t.Fatalf("MUnmap failed: %v", err)
	}
	if diff := cmp.Diff(before, layout(env.mm)); diff != "" {
		t.Errorf("registry differs after map+unmap (-want +got):\n%s", diff)
	}
	// The fake host forgets unmapped pages, including their reservation.
	if got := env.mapper.MappedPages(); got != pagesBefore-2 {
		t.Errorf("host pages = %d, want %d", got, pagesBefore-2)
	}
}

func TestMUnmapIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.mm.Base()
	env.mapFixed(t, b+page, 2*page, hostarch.Read)
	for i := 0; i < 2; i++ {
		if err := env.mm.MUnmap(ctx, b, 4*page); err != nil {
			t.Fatalf("MUnmap #%d failed: %v", i, err)
		}
	}
	if got := layout(env.mm); len(got) != 0 {
		t.Errorf("registry not empty: %v", got)
	}
	// Ranges outside the address space are ignored.
	if err := env.mm.MUnmap(ctx, env.mm.End(), page); err != nil {
		t.Errorf("MUnmap past the end: %v", err)
	}
	for _, tc := range []struct {
		addr   hostarch.Addr
		length uint64
	}{
		{b, 0},
		{b + 1, page},
		{^hostarch.Addr(0) &^ (page - 1), 2 * page},
	} {
		if err := env.mm.MUnmap(ctx, tc.addr, tc.length); err != linuxerr.EINVAL {
			t.Errorf("MUnmap(%v, %#x): got %v, want %v", tc.addr, tc.length, err, linuxerr.EINVAL)
		}
	}
}

func TestMUnmapHostFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.mm.Base()
	env.mapFixed(t, b, 2*page, hostarch.Read)
	before := layout(env.mm)
	env.mapper.FailOp(hostmmtest.OpUnmap, linuxerr.EIO)
	if err := env.mm.MUnmap(ctx, b, page); err != linuxerr.EIO {
		t.Fatalf("MUnmap: got %v, want %v", err, linuxerr.EIO)
	}
	if diff := cmp.Diff(before, layout(env.mm)); diff != "" {
		t.Errorf("failed MUnmap changed the registry (-want +got):\n%s", diff)
	}
}

func TestMMapHostFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := newTestFile("/lib/x.so", page)
	env.mapper.FailOp(hostmmtest.OpMap, linuxerr.ENOMEM)
	if _, err := env.mm.MMap(ctx, memmap.MMapOpts{Length: page, File: f, Perms: hostarch.Read}); err != linuxerr.ENOMEM {
		t.Fatalf("MMap: got %v, want %v", err, linuxerr.ENOMEM)
	}
	if got := layout(env.mm); len(got) != 0 {
		t.Errorf("failed MMap changed the registry: %v", got)
	}
	if got := f.ReadRefs(); got != 1 {
		t.Errorf("failed MMap took a file reference: refs = %d", got)
	}
}

func TestMProtect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.mm.Base()
	env.mapFixed(t, b, 2*page, hostarch.Read)
	env.mapFixed(t, b+2*page, 2*page, hostarch.ReadWrite)
	env.mapFixed(t, b+5*page, page, hostarch.Read)

	// Spanning two adjacent regions is fine and merges them.
	if err := env.mm.MProtect(ctx, b, 4*page, hostarch.Execute); err != nil {
		t.Fatalf("MProtect failed: %v", err)
	}
	want := []region{
		{Start: b, End: b + 4*page, Perms: "--x", Type: Normal},
		{Start: b + 5*page, End: b + 6*page, Perms: "r--", Type: Normal},
	}
	if diff := cmp.Diff(want, layout(env.mm)); diff != "" {
		t.Errorf("layout (-want +got):\n%s", diff)
	}

	// A hole fails without side effects.
	protects := env.mapper.Calls(hostmmtest.OpProtect)
	if err := env.mm.MProtect(ctx, b+3*page, 3*page, hostarch.Read); err != linuxerr.EINVAL {
		t.Errorf("MProtect over a hole: got %v, want %v", err, linuxerr.EINVAL)
	}
	if got := env.mapper.Calls(hostmmtest.OpProtect); got != protects {
		t.Errorf("MProtect over a hole reached the host")
	}
	if diff := cmp.Diff(want, layout(env.mm)); diff != "" {
		t.Errorf("failed MProtect changed the registry (-want +got):\n%s", diff)
	}
	if err := env.mm.MProtect(ctx, b+1, page, hostarch.Read); err != linuxerr.EINVAL {
		t.Errorf("unaligned MProtect: got %v, want %v", err, linuxerr.EINVAL)
	}
	checkInvariants(t, env)
}

func TestSetBreak(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mm := env.mm
	b := mm.Base()

	if got := mm.Break(); got != b {
		t.Fatalf("initial break = %v, want %v", got, b)
	}
	if got, err := mm.SetBreak(ctx, b+0x1800); err != nil || got != b+0x1800 {
		t.Fatalf("SetBreak grow = (%v, %v), want (%v, nil)", got, err, b+0x1800)
	}
	want := []region{{Start: b, End: b + 2*page, Perms: "rw-", Type: Heap}}
	if diff := cmp.Diff(want, layout(mm)); diff != "" {
		t.Errorf("layout after grow (-want +got):\n%s", diff)
	}
	if got := mm.HeapUsage(); got != 0x1800 {
		t.Errorf("HeapUsage = %#x, want 0x1800", got)
	}

	// Growing within the last page needs no new mapping.
	if got, err := mm.SetBreak(ctx, b+0x1900); err != nil || got != b+0x1900 {
		t.Errorf("SetBreak within page = (%v, %v)", got, err)
	}
	// Growing again extends the same region.
	if got, _ := mm.SetBreak(ctx, b+3*page); got != b+3*page {
		t.Errorf("SetBreak grow = %v, want %v", got, b+3*page)
	}
	want = []region{{Start: b, End: b + 3*page, Perms: "rw-", Type: Heap}}
	if diff := cmp.Diff(want, layout(mm)); diff != "" {
		t.Errorf("layout after second grow (-want +got):\n%s", diff)
	}

	// Growing into a non-heap region fails and leaves the break alone.
	env.mapFixed(t, b+5*page, page, hostarch.Read)
	before := layout(mm)
	if got, err := mm.SetBreak(ctx, b+6*page); err != nil || got != b+3*page {
		t.Errorf("SetBreak into mapping = (%v, %v), want (%v, nil)", got, err, b+3*page)
	}
	if diff := cmp.Diff(before, layout(mm)); diff != "" {
		t.Errorf("failed SetBreak changed the registry (-want +got):\n%s", diff)
	}

	// Out of range requests return the current break.
	for _, addr := range []hostarch.Addr{b - 1, 0, mm.End() + 1} {
		if got, err := mm.SetBreak(ctx, addr); err != nil || got != b+3*page {
			t.Errorf("SetBreak(%v) = (%v, %v), want (%v, nil)", addr, got, err, b+3*page)
		}
	}

	// Shrinking clears the tail.
	if got, _ := mm.SetBreak(ctx, b+page); got != b+page {
		t.Errorf("SetBreak shrink = %v, want %v", got, b+page)
	}
	want = []region{
		{Start: b, End: b + page, Perms: "rw-", Type: Heap},
		{Start: b + 5*page, End: b + 6*page, Perms: "r--", Type: Normal},
	}
	if diff := cmp.Diff(want, layout(mm)); diff != "" {
		t.Errorf("layout after shrink (-want +got):\n%s", diff)
	}
	if got, _ := mm.SetBreak(ctx, b); got != b || mm.HeapUsage() != 0 {
		t.Errorf("SetBreak(base) = %v, usage %#x", got, mm.HeapUsage())
	}
	checkInvariants(t, env)
}

func TestSetBreakHostFailure(t *testing.T) {
	env := newTestEnv(t)
	b := env.mm.Base()
	env.mapper.FailOp(hostmmtest.OpMap, linuxerr.ENOMEM)
	if got, err := env.mm.SetBreak(context.Background(), b+page); err != nil || got != b {
		t.Errorf("SetBreak with failing host = (%v, %v), want (%v, nil)", got, err, b)
	}
	if got := layout(env.mm); len(got) != 0 {
		t.Errorf("failed SetBreak changed the registry: %v", got)
	}
}

func TestInterrupted(t *testing.T) {
	env := newTestEnv(t)
	mm := env.mm
	b := mm.Base()
	env.mapFixed(t, b, page, hostarch.Read)

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mm.MapAnonymous(ctx, 0, page, hostarch.Read, false); err != linuxerr.ErrInterrupted {
		t.Errorf("MapAnonymous: got %v, want %v", err, linuxerr.ErrInterrupted)
	}
	if err := mm.MUnmap(ctx, b, page); err != linuxerr.ErrInterrupted {
		t.Errorf("MUnmap: got %v, want %v", err, linuxerr.ErrInterrupted)
	}
	if err := mm.MProtect(ctx, b, page, hostarch.ReadWrite); err != linuxerr.ErrInterrupted {
		t.Errorf("MProtect: got %v, want %v", err, linuxerr.ErrInterrupted)
	}
	if err := mm.MAdvise(ctx, b, page, unix.MADV_DONTNEED); err != linuxerr.ErrInterrupted {
		t.Errorf("MAdvise: got %v, want %v", err, linuxerr.ErrInterrupted)
	}
	if got, err := mm.SetBreak(ctx, b+page); err != linuxerr.ErrInterrupted || got != b {
		t.Errorf("SetBreak = (%v, %v), want (%v, %v)", got, err, b, linuxerr.ErrInterrupted)
	}
	if err := mm.EnableTracing(ctx); err != linuxerr.ErrInterrupted {
		t.Errorf("EnableTracing: got %v, want %v", err, linuxerr.ErrInterrupted)
	}
	// HeapUsage never needs the lock.
	if got := mm.HeapUsage(); got != 0 {
		t.Errorf("HeapUsage = %#x, want 0", got)
	}
}

func TestMAdvise(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.mm.Base()
	if err := env.mm.MAdvise(ctx, b, page, unix.MADV_DONTNEED); err != nil {
		t.Errorf("MAdvise: %v", err)
	}
	if got := env.mapper.Calls(hostmmtest.OpAdvise); got != 1 {
		t.Errorf("host advise calls = %d, want 1", got)
	}
	if err := env.mm.MAdvise(ctx, env.mm.End(), page, unix.MADV_DONTNEED); err != linuxerr.ENOMEM {
		t.Errorf("MAdvise outside: got %v, want %v", err, linuxerr.ENOMEM)
	}
}

func TestStackAndUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.mm.MMap(ctx, memmap.MMapOpts{Length: 4 * page, Perms: hostarch.ReadWrite, Private: true, Stack: true})
	if err != nil {
		t.Fatalf("MMap stack failed: %v", err)
	}
	n, err := env.mm.MapAnonymous(ctx, 0, page, hostarch.ReadWrite, false)
	if err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	if top, ok := env.mm.GetStackTop(s + 3*page + 8); !ok || top != s {
		t.Errorf("GetStackTop in stack = (%v, %t), want (%v, true)", top, ok, s)
	}
	if _, ok := env.mm.GetStackTop(n); ok {
		t.Errorf("GetStackTop in a normal region succeeded")
	}
	if got := env.mm.VirtualUsage(); got != 5*page {
		t.Errorf("VirtualUsage = %#x, want %#x", got, 5*page)
	}
}

func TestTeardown(t *testing.T) {
	for _, release := range []bool{false, true} {
		env := newTestEnv(t)
		f := newTestFile("/lib/x.so", page)
		if _, err := env.mm.MMap(context.Background(), memmap.MMapOpts{Length: page, File: f, Perms: hostarch.Read, Private: true}); err != nil {
			t.Fatalf("MMap failed: %v", err)
		}
		env.mapFixed(t, env.mm.Base(), page, hostarch.ReadWrite)
		unmaps := env.mapper.Calls(hostmmtest.OpUnmap)

		if release {
			env.mm.ReleaseVMAs()
			if got := env.mapper.Calls(hostmmtest.OpUnmap); got != unmaps {
				t.Errorf("ReleaseVMAs made %d host unmap calls", got-unmaps)
			}
		} else {
			env.mm.UnmapAll()
			if got := env.mapper.Calls(hostmmtest.OpUnmap); got != unmaps+2 {
				t.Errorf("UnmapAll made %d host unmap calls, want 2", got-unmaps)
			}
		}
		if got := layout(env.mm); len(got) != 0 {
			t.Errorf("registry not empty after teardown: %v", got)
		}
		f.DecRef()
		if !f.destroyed {
			t.Errorf("teardown (release=%t) leaked a file reference", release)
		}
	}
}

func TestMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.mm.SetBinPath("/bin/sh", []string{"sh", "-c", "true"})
	if got := env.mm.BinPath(); got != "/bin/sh" {
		t.Errorf("BinPath = %q", got)
	}
	if got, want := env.mm.CmdLine(), "sh\x00-c\x00true\x00"; got != want {
		t.Errorf("CmdLine = %q, want %q", got, want)
	}
	if env.mm.IsNonReloc() {
		t.Errorf("new address space is non-relocatable")
	}
	env.mm.MarkNonReloc()
	if !env.mm.IsNonReloc() || env.alloc.NonRelocCount() != 1 {
		t.Errorf("MarkNonReloc: IsNonReloc = %t, count = %d", env.mm.IsNonReloc(), env.alloc.NonRelocCount())
	}
}

// TestRandomOperations applies random mapping operations and checks the
// registry against the host after each one.
func TestRandomOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mm := env.mm
	rng := rand.New(rand.NewSource(1))
	perms := []hostarch.AccessType{hostarch.NoAccess, hostarch.Read, hostarch.ReadWrite, hostarch.Execute}
	randRange := func() (hostarch.Addr, uint64) {
		start := rng.Intn(testArenaPages)
		n := 1 + rng.Intn(testArenaPages-start)
		return mm.Base() + hostarch.Addr(start)*page, uint64(n) * page
	}

	for i := 0; i < 1000; i++ {
		addr, length := randRange()
		p := perms[rng.Intn(len(perms))]
		switch op := rng.Intn(5); op {
		case 0:
			if _, err := mm.MapAnonymous(ctx, addr, length, p, true); err != nil {
				t.Fatalf("op %d: fixed map: %v", i, err)
			}
		case 1:
			if _, err := mm.MapAnonymous(ctx, 0, length, p, false); err != nil && err != linuxerr.ENOMEM {
				t.Fatalf("op %d: map: %v", i, err)
			}
		case 2:
			if err := mm.MUnmap(ctx, addr, length); err != nil {
				t.Fatalf("op %d: unmap: %v", i, err)
			}
		case 3:
			if err := mm.MProtect(ctx, addr, length, p); err != nil && err != linuxerr.EINVAL {
				t.Fatalf("op %d: protect: %v", i, err)
			}
		case 4:
			if _, err := mm.SetBreak(ctx, addr); err != nil {
				t.Fatalf("op %d: brk: %v", i, err)
			}
		}
		checkInvariants(t, env)
	}
}

func TestConcurrentOperations(t *testing.T) {
	env := newTestEnv(t)
	mm := env.mm
	const workers = 4
	slot := uint64(testArenaPages / workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		base := mm.Base() + hostarch.Addr(uint64(w)*slot*page)
		g.Go(func() error {
			ctx := context.Background()
			for i := 0; i < 100; i++ {
				if _, err := mm.MapAnonymous(ctx, base, slot*page, hostarch.ReadWrite, true); err != nil {
					return err
				}
				if err := mm.MProtect(ctx, base+page, page, hostarch.Read); err != nil {
					return err
				}
				if err := mm.MUnmap(ctx, base, 2*page); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				mm.VMAs()
				mm.HeapUsage()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent operation failed: %v", err)
	}
	checkInvariants(t, env)
	if got := len(mm.VMAs()); got != workers {
		t.Errorf("got %d regions, want %d", got, workers)
	}
}
