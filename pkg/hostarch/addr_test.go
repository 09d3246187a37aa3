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

package hostarch

import (
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr   Addr
		down   Addr
		up     Addr
		upOK   bool
		offset uint32
		pfn    uint32
	}{
		{addr: 0, down: 0, up: 0, upOK: true, offset: 0, pfn: 0},
		{addr: 0x1001, down: 0x1000, up: 0x2000, upOK: true, offset: 1, pfn: 1},
		{addr: 0x400000, down: 0x400000, up: 0x400000, upOK: true, offset: 0, pfn: 0x400},
		{addr: 0xfffff001, down: 0xfffff000, up: 0, upOK: false, offset: 1, pfn: 0xfffff},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		up, ok := tc.addr.RoundUp()
		if ok != tc.upOK || (ok && up != tc.up) {
			t.Errorf("%v.RoundUp() = %v, %t, want %v, %t", tc.addr, up, ok, tc.up, tc.upOK)
		}
		if got := tc.addr.PageOffset(); got != tc.offset {
			t.Errorf("%v.PageOffset() = %d, want %d", tc.addr, got, tc.offset)
		}
		if got := tc.addr.PFN(); got != tc.pfn {
			t.Errorf("%v.PFN() = %#x, want %#x", tc.addr, got, tc.pfn)
		}
	}
}

func TestAddLength(t *testing.T) {
	if end, ok := Addr(0x1000).AddLength(0x2000); !ok || end != 0x3000 {
		t.Errorf("AddLength = %v, %t, want 0x3000, true", end, ok)
	}
	if _, ok := Addr(0xfffff000).AddLength(0x1000); ok {
		t.Errorf("AddLength to top of address space succeeded")
	}
}

func TestPagesSpanned(t *testing.T) {
	for _, tc := range []struct {
		start  Addr
		length uint64
		want   uint64
	}{
		{0, 0, 0},
		{0, 1, 1},
		{0xfff, 2, 2},
		{0x1000, 0x1000, 1},
		{0x1800, 0x1000, 2},
		{0xfffff000, 0x1000, 1},
	} {
		if got := PagesSpanned(tc.start, tc.length); got != tc.want {
			t.Errorf("PagesSpanned(%v, %#x) = %d, want %d", tc.start, tc.length, got, tc.want)
		}
	}
}

func TestAddrRange(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	b := AddrRange{0x2000, 0x5000}
	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Errorf("%v and %v should overlap", a, b)
	}
	if got, want := a.Intersect(b), (AddrRange{0x2000, 0x3000}); got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
	if a.Overlaps(AddrRange{0x3000, 0x4000}) {
		t.Errorf("adjacent ranges should not overlap")
	}
	if !a.IsSupersetOf(AddrRange{0x1000, 0x2000}) {
		t.Errorf("%v should contain [0x1000, 0x2000)", a)
	}
	if got := a.Length(); got != 0x2000 {
		t.Errorf("Length = %#x, want 0x2000", got)
	}
}

func TestAccessTypeOf(t *testing.T) {
	if got := AccessTypeOf(false).String(); got != "r--" {
		t.Errorf("AccessTypeOf(false) = %s, want r--", got)
	}
	if got := AccessTypeOf(true).String(); got != "-w-" {
		t.Errorf("AccessTypeOf(true) = %s, want -w-", got)
	}
	if got := (AccessType{Read: true, Execute: true}).String(); got != "r-x" {
		t.Errorf("r-x access = %s", got)
	}
}
