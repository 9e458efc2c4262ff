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

package mm

import (
	"context"
	"fmt"
	"io"
	"sort"

	"vproc.dev/vproc/pkg/cleanup"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
	"vproc.dev/vproc/pkg/sentry/ktime"
	"vproc.dev/vproc/pkg/sync"
)

// PageAccessTracer records the first time each page was accessed.
// It is safe for concurrent use.
type PageAccessTracer struct {
	mu sync.Mutex

	// accessAt maps page addresses to the earliest observed access.
	//
	// accessAt is protected by mu.
	accessAt map[hostarch.Addr]ktime.Time
}

// NewPageAccessTracer returns an empty tracer.
func NewPageAccessTracer() *PageAccessTracer {
	return &PageAccessTracer{accessAt: make(map[hostarch.Addr]ktime.Time)}
}

// RecordHit records an access to page at t. If the page was already seen,
// the earlier of the two times is kept.
func (t *PageAccessTracer) RecordHit(page hostarch.Addr, at ktime.Time) {
	if !page.IsPageAligned() {
		panic(fmt.Sprintf("RecordHit on unaligned page %v", page))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.accessAt[page]; ok && !at.Before(prev) {
		return
	}
	t.accessAt[page] = at
}

// Len returns the number of pages recorded.
func (t *PageAccessTracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.accessAt)
}

// Trace returns a copy of the recorded accesses.
func (t *PageAccessTracer) Trace() map[hostarch.Addr]ktime.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := make(map[hostarch.Addr]ktime.Time, len(t.accessAt))
	for page, at := range t.accessAt {
		m[page] = at
	}
	return m
}

// PageAccess is one entry of a trace.
type PageAccess struct {
	Page hostarch.Addr
	Time ktime.Time
}

// Accesses returns the recorded accesses ordered by time, then by page.
func (t *PageAccessTracer) Accesses() []PageAccess {
	t.mu.Lock()
	as := make([]PageAccess, 0, len(t.accessAt))
	for page, at := range t.accessAt {
		as = append(as, PageAccess{Page: page, Time: at})
	}
	t.mu.Unlock()

	sort.Slice(as, func(i, j int) bool {
		if !as[i].Time.Equal(as[j].Time) {
			return as[i].Time.Before(as[j].Time)
		}
		return as[i].Page < as[j].Page
	})
	return as
}

// Dump writes one "microseconds: 0xpage" line per page, ordered by first
// access.
func (t *PageAccessTracer) Dump(w io.Writer) error {
	for _, a := range t.Accesses() {
		if _, err := fmt.Fprintf(w, "%d: %#x\n", a.Time.Microseconds(), uint64(a.Page)); err != nil {
			return err
		}
	}
	return nil
}

// EnableTracing withholds host access to every region so that the first
// touch of each page faults and can be recorded by HandlePageFault.
//
// Preconditions: no other thread of the process may run, and so fault,
// until EnableTracing returns. This is not checked.
func (mm *MemoryMap) EnableTracing(ctx context.Context) error {
	if err := mm.mappingMu.LockCtx(ctx); err != nil {
		return err
	}
	defer mm.mappingMu.Unlock()
	if mm.tracer != nil {
		return linuxerr.EALREADY
	}

	vs := mm.vmas.all()
	var cu cleanup.Cleanup
	defer cu.Clean()
	for _, v := range vs {
		v := v
		if err := mm.mapper.Protect(v.start, v.length(), hostarch.NoAccess); err != nil {
			return err
		}
		cu.Add(func() {
			_ = mm.mapper.Protect(v.start, v.length(), v.perms)
		})
	}
	cu.Release()

	for _, v := range vs {
		v.traced = true
	}
	mm.tracer = NewPageAccessTracer()
	return nil
}

// TraceEnabled returns true between EnableTracing and EndTracing.
func (mm *MemoryMap) TraceEnabled() bool {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.tracer != nil
}

// HandlePageFault resolves a fault at addr requiring access at time t. It
// returns true if the fault was caused by tracing: the access is recorded,
// the page's protection is restored, and the faulting access should be
// retried. It returns false if the fault is not mm's to resolve, because no
// region contains addr, the region is not traced, or the region's protection
// does not allow the access.
//
// HandlePageFault takes the address space lock shared, so concurrent faults
// are handled in parallel.
func (mm *MemoryMap) HandlePageFault(addr hostarch.Addr, required hostarch.AccessType, t ktime.Time) bool {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if mm.tracer == nil {
		return false
	}
	v := mm.vmas.find(addr)
	if v == nil || !v.traced || !v.perms.SupersetOf(required) {
		return false
	}
	page := addr.RoundDown()
	if err := mm.mapper.Protect(page, hostarch.PageSize, v.perms); err != nil {
		return false
	}
	mm.tracer.RecordHit(page, t)
	return true
}

// HandleFault is HandlePageFault timestamped with mm's clock.
func (mm *MemoryMap) HandleFault(addr hostarch.Addr, required hostarch.AccessType) bool {
	return mm.HandlePageFault(addr, required, mm.clock.Now())
}

// RecordHit records an access at t to every page overlapping
// [addr, addr+length) without a fault, e.g. for memory populated ahead of
// use. It does nothing unless tracing is enabled.
func (mm *MemoryMap) RecordHit(addr hostarch.Addr, length uint64, t ktime.Time) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if mm.tracer == nil || length == 0 {
		return
	}
	end, ok := addr.AddLength(length)
	if !ok {
		end = mm.end
	}
	for page := addr.RoundDown(); page < end; page += hostarch.PageSize {
		mm.tracer.RecordHit(page, t)
	}
}

// EndTracing restores the protection of every region and returns the
// accesses recorded since EnableTracing. It returns EINVAL if tracing is not
// enabled.
//
// Preconditions: no other thread of the process may run, or the process
// must be exiting. This is not checked.
func (mm *MemoryMap) EndTracing(ctx context.Context) (*PageAccessTracer, error) {
	if err := mm.mappingMu.LockCtx(ctx); err != nil {
		return nil, err
	}
	defer mm.mappingMu.Unlock()
	if mm.tracer == nil {
		return nil, linuxerr.EINVAL
	}

	vs := mm.vmas.all()
	for _, v := range vs {
		if !v.traced {
			continue
		}
		if err := mm.mapper.Protect(v.start, v.length(), v.perms); err != nil {
			// Tracing stays enabled.
			return nil, err
		}
	}
	for _, v := range vs {
		v.traced = false
	}
	mm.vmas.mergeAll()

	t := mm.tracer
	mm.tracer = nil
	return t, nil
}

// DumpTracerReport ends tracing and writes the trace to w.
func (mm *MemoryMap) DumpTracerReport(ctx context.Context, w io.Writer) error {
	t, err := mm.EndTracing(ctx)
	if err != nil {
		return err
	}
	return t.Dump(w)
}
