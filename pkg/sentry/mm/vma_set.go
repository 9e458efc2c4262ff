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
	"fmt"

	"github.com/google/btree"
	"vproc.dev/vproc/pkg/errors/linuxerr"
	"vproc.dev/vproc/pkg/hostarch"
)

// vmaSetDegree is the B-tree degree used for vmaSets.
const vmaSetDegree = 16

// vmaSet is an ordered set of disjoint vmas keyed by end address.
//
// A vma's start may be changed in place. Changing its end requires removing
// and reinserting it.
type vmaSet struct {
	tree *btree.BTreeG[*vma]
}

func lessByEnd(a, b *vma) bool {
	return a.end < b.end
}

func newVMASet() vmaSet {
	return vmaSet{tree: btree.NewG(vmaSetDegree, lessByEnd)}
}

// len returns the number of vmas in the set.
func (s *vmaSet) len() int {
	return s.tree.Len()
}

// each calls fn on every vma in ascending address order until fn returns
// false.
func (s *vmaSet) each(fn func(v *vma) bool) {
	s.tree.Ascend(fn)
}

// all returns every vma in ascending address order.
func (s *vmaSet) all() []*vma {
	vs := make([]*vma, 0, s.tree.Len())
	s.tree.Ascend(func(v *vma) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// upperBound returns the first vma whose end is greater than addr, or nil.
func (s *vmaSet) upperBound(addr hostarch.Addr) *vma {
	var found *vma
	s.tree.AscendGreaterOrEqual(&vma{end: addr}, func(v *vma) bool {
		if v.end == addr {
			return true
		}
		found = v
		return false
	})
	return found
}

// lastEndingBy returns the last vma whose end is less than or equal to addr,
// or nil.
func (s *vmaSet) lastEndingBy(addr hostarch.Addr) *vma {
	var found *vma
	s.tree.DescendLessOrEqual(&vma{end: addr}, func(v *vma) bool {
		found = v
		return false
	})
	return found
}

// endingAt returns the vma whose end is exactly addr, or nil.
func (s *vmaSet) endingAt(addr hostarch.Addr) *vma {
	v, _ := s.tree.Get(&vma{end: addr})
	return v
}

// find returns the vma containing addr, or nil.
func (s *vmaSet) find(addr hostarch.Addr) *vma {
	if v := s.upperBound(addr); v != nil && v.start <= addr {
		return v
	}
	return nil
}

// overlapping returns the vmas overlapping [start, end) in ascending order.
func (s *vmaSet) overlapping(start, end hostarch.Addr) []*vma {
	var vs []*vma
	s.tree.AscendGreaterOrEqual(&vma{end: start}, func(v *vma) bool {
		if v.start >= end {
			return false
		}
		if v.end > start {
			vs = append(vs, v)
		}
		return true
	})
	return vs
}

// anyOverlap returns true if any vma overlaps [start, end).
func (s *vmaSet) anyOverlap(start, end hostarch.Addr) bool {
	v := s.upperBound(start)
	return v != nil && v.start < end
}

// covers returns true if [start, end) is entirely mapped.
func (s *vmaSet) covers(start, end hostarch.Addr) bool {
	next := start
	for _, v := range s.overlapping(start, end) {
		if v.start > next {
			return false
		}
		next = v.end
	}
	return next >= end
}

// clear removes [start, end) from the set. A vma entirely inside the range
// is removed and releases its file reference. A vma straddling one boundary
// is truncated, and a vma straddling both is split in two. clear returns the
// first vma after the cleared range, or nil.
func (s *vmaSet) clear(start, end hostarch.Addr) *vma {
	for _, v := range s.overlapping(start, end) {
		if start > v.start {
			// Preserve [v.start, start).
			left := v.copy()
			left.end = start
			s.tree.ReplaceOrInsert(left)
		}
		if end >= v.end {
			s.tree.Delete(v)
			v.release()
			continue
		}
		// Keep [end, v.end).
		v.trimHead(end)
	}
	next := s.upperBound(start)
	if next != nil && next.start < end {
		panic(fmt.Sprintf("vma %v overlaps cleared range [%#x, %#x)", next, start, end))
	}
	return next
}

// insert adds v to the set, replacing anything in its range, and merges it
// with compatible neighbours. The set takes ownership of v's file reference.
// insert returns the vma now containing v's range.
func (s *vmaSet) insert(v *vma) *vma {
	s.clear(v.start, v.end)
	s.tree.ReplaceOrInsert(v)
	if prev := s.endingAt(v.start); prev != nil && prev.canMergeRight(v) {
		s.absorbLeft(prev, v)
	}
	if next := s.upperBound(v.end); next != nil && v.canMergeRight(next) {
		s.absorbLeft(v, next)
		return next
	}
	return v
}

// absorbLeft extends next down over prev and removes prev.
//
// Preconditions: prev.canMergeRight(next).
func (s *vmaSet) absorbLeft(prev, next *vma) {
	next.start = prev.start
	next.off = prev.off
	s.tree.Delete(prev)
	prev.release()
}

// isolate splits vmas at start and end so that every vma overlapping
// [start, end) lies entirely inside it, and returns those vmas in order.
func (s *vmaSet) isolate(start, end hostarch.Addr) []*vma {
	var out []*vma
	for _, v := range s.overlapping(start, end) {
		if v.start < start {
			left := v.copy()
			left.end = start
			s.tree.ReplaceOrInsert(left)
			v.trimHead(start)
		}
		if v.end > end {
			mid := v.copy()
			mid.end = end
			s.tree.ReplaceOrInsert(mid)
			v.trimHead(end)
			out = append(out, mid)
			continue
		}
		out = append(out, v)
	}
	return out
}

// modify applies change to every vma in [start, end), splitting at the
// boundaries first, then merges what can be merged. change must not alter a
// vma's range or backing.
func (s *vmaSet) modify(start, end hostarch.Addr, change func(v *vma)) {
	for _, v := range s.isolate(start, end) {
		change(v)
	}
	s.mergeRange(start, end)
}

// mergeRange merges adjacent compatible vmas overlapping or bordering
// [start, end).
func (s *vmaSet) mergeRange(start, end hostarch.Addr) {
	var vs []*vma
	if prev := s.endingAt(start); prev != nil {
		vs = append(vs, prev)
	}
	vs = append(vs, s.overlapping(start, end)...)
	if next := s.upperBound(end); next != nil && next.start == end {
		vs = append(vs, next)
	}
	for i := 1; i < len(vs); i++ {
		if vs[i-1].canMergeRight(vs[i]) {
			s.absorbLeft(vs[i-1], vs[i])
		}
	}
}

// mergeAll merges every pair of adjacent compatible vmas.
func (s *vmaSet) mergeAll() {
	vs := s.all()
	for i := 1; i < len(vs); i++ {
		if vs[i-1].canMergeRight(vs[i]) {
			s.absorbLeft(vs[i-1], vs[i])
		}
	}
}

// removeAll empties the set, releasing every file reference.
func (s *vmaSet) removeAll() {
	s.tree.Ascend(func(v *vma) bool {
		v.release()
		return true
	})
	s.tree.Clear(false)
}

// findFreeRange returns the start of an unmapped range of length bytes in
// [lower, upper). A non-zero hint is used if it is free; otherwise a range
// directly below or above the region blocking the hint is tried. Failing
// that, the highest free range is returned.
func (s *vmaSet) findFreeRange(hint hostarch.Addr, length uint64, lower, upper hostarch.Addr) (hostarch.Addr, error) {
	if hint != 0 {
		if end, ok := hint.AddLength(length); ok && hint >= lower && end <= upper {
			blocker := s.upperBound(hint)
			if blocker == nil || blocker.start >= end {
				return hint, nil
			}

			// Try to place the range just below the blocking region.
			prevEnd := lower
			if prev := s.lastEndingBy(blocker.start); prev != nil {
				prevEnd = prev.end
			}
			if uint64(blocker.start-prevEnd) >= length {
				return blocker.start - hostarch.Addr(length), nil
			}

			// Try to place the range just above it.
			nextStart := upper
			if next := s.upperBound(blocker.end); next != nil {
				nextStart = next.start
			}
			if uint64(nextStart-blocker.end) >= length {
				return blocker.end, nil
			}
		}
	}

	// Scan down from upper for the first gap that fits.
	top := upper
	s.tree.Descend(func(v *vma) bool {
		if uint64(top-v.end) >= length {
			return false
		}
		top = v.start
		return true
	})
	if top < lower || uint64(top-lower) < length {
		return 0, linuxerr.ENOMEM
	}
	return top - hostarch.Addr(length), nil
}
