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

// Package hostarch describes the geometry of the simulated 32-bit paged
// architecture: addresses, ranges and page sizes.
package hostarch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1

	// AddressSpaceSize is the size of the 32-bit address space.
	AddressSpaceSize = uint64(1) << 32
)

// Addr represents a 32-bit virtual or physical address.
type Addr uint32

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint32(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint32 {
	return uint32(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PFN returns the page frame number containing v.
func (v Addr) PFN() uint32 {
	return uint32(v) >> PageShift
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the 32-bit address space. The end of
// the address space itself (1<<32) is not representable, so a range touching
// it reports !ok.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	sum := uint64(v) + length
	if sum >= AddressSpaceSize {
		return 0, false
	}
	return Addr(sum), true
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PageRoundDown rounds x down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ PageMask
}

// PageRoundUp rounds x up to the nearest page boundary. ok is true iff
// rounding up did not overflow the 32-bit address space.
func PageRoundUp(x uint64) (val uint64, ok bool) {
	val = PageRoundDown(x + PageMask)
	ok = val >= x && val <= AddressSpaceSize
	return
}

// PagesSpanned returns the number of pages touched by [start, start+length),
// without overflowing for ranges that end at the top of the address space.
func PagesSpanned(start Addr, length uint64) uint64 {
	first := uint64(start) >> PageShift
	last := (uint64(start) + length + PageMask) >> PageShift
	return last - first
}
