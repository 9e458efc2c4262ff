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

// Package hostarch describes the host address space: page geometry,
// addresses and access types shared by every memory manager component.
package hostarch

import "golang.org/x/sys/unix"

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the system huge page size.
	HugePageShift = 21

	// HugePageSize is the system huge page size.
	HugePageSize = 1 << HugePageShift
)

func init() {
	// Only 4K pages are supported.
	if size := unix.Getpagesize(); size != PageSize {
		panic("hostarch: only 4K page size is supported")
	}
}

// PageRoundUp returns n rounded up to the nearest page boundary. ok is false
// if rounding overflows.
func PageRoundUp(n uint64) (rounded uint64, ok bool) {
	rounded = (n + PageSize - 1) &^ (PageSize - 1)
	ok = rounded >= n
	return
}

// IsPageAligned returns true if n is a multiple of PageSize.
func IsPageAligned(n uint64) bool {
	return n&(PageSize-1) == 0
}
