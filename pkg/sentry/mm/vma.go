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

package mm

import (
	"fmt"

	"github.com/google/btree"
	"pagecore.dev/pagecore/pkg/abi/linux"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/ring0/pagetables"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// User address space layout.
const (
	// UserBase is the lowest address available to user mappings. The first
	// page table is left unmapped to catch null dereferences.
	UserBase hostarch.Addr = 0x00400000

	// UserEnd is the end of the user half of the address space.
	UserEnd = pgalloc.KernelBase

	// MMapBase is where FindFree starts searching.
	MMapBase hostarch.Addr = 0x40000000
)

// vmaDegree is the btree degree of VMA sets.
const vmaDegree = 8

// A VMA is a virtual memory area: one contiguous mapped region of an address
// space. All fields are exported so that Fork can duplicate VMAs with
// deepcopy.
type VMA struct {
	// Start and End bound the area. Both are page aligned.
	Start hostarch.Addr
	End   hostarch.Addr

	// Flags are the page table flags the area is mapped with.
	Flags pagetables.MapFlags

	// Class is the allocation class of frames backing the area.
	Class pgalloc.AllocClass

	// Prot is the protection requested by mmap (linux.PROT_*).
	Prot uint32

	// VMFlags are the mapping flags requested by mmap (linux.MAP_*).
	VMFlags uint32

	// FD, Inode and Offset identify the backing file, if any. FD is -1
	// for anonymous areas.
	FD     int32
	Inode  uint64
	Offset uint64

	// Name is shown in the maps listing.
	Name string
}

// Length returns the size of the area in bytes.
func (v *VMA) Length() uint64 {
	return uint64(v.End - v.Start)
}

// Range returns the area as an address range.
func (v *VMA) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.Start, End: v.End}
}

// Lazy returns true if frames of the area are allocated on first touch.
func (v *VMA) Lazy() bool {
	return v.Flags&pagetables.COW != 0
}

func (v *VMA) String() string {
	return fmt.Sprintf("%v %v %s", v.Range(), v.Flags, v.Name)
}

// vmaSet is an ordered set of non-overlapping VMAs keyed by start address.
type vmaSet = btree.BTreeG[*VMA]

func newVMASet() *vmaSet {
	return btree.NewG(vmaDegree, func(a, b *VMA) bool {
		return a.Start < b.Start
	})
}

// protFromFlags returns the protection implied by page table flags.
func protFromFlags(flags pagetables.MapFlags) uint32 {
	prot := uint32(linux.PROT_READ)
	if flags&pagetables.RW != 0 {
		prot |= linux.PROT_WRITE
	}
	return prot
}

// IsValidRange returns true if [start, end) is a page aligned part of the
// user address space that no VMA overlaps.
func (mm *MemoryManager) IsValidRange(start, end hostarch.Addr) bool {
	if !start.IsPageAligned() || !end.IsPageAligned() || start >= end {
		return false
	}
	if start < UserBase || end > UserEnd {
		return false
	}
	ok := true
	mm.vmas.DescendLessOrEqual(&VMA{Start: start}, func(v *VMA) bool {
		ok = v.End <= start
		return false
	})
	if !ok {
		return false
	}
	mm.vmas.AscendGreaterOrEqual(&VMA{Start: start}, func(v *VMA) bool {
		ok = v.Start >= end
		return false
	})
	return ok
}

// FindFree returns the start of a free, page aligned user range of length
// bytes. The search is first fit from MMapBase, then from UserBase.
func (mm *MemoryManager) FindFree(length uint64) (hostarch.Addr, error) {
	length, ok := hostarch.PageRoundUp(length)
	if !ok || length == 0 {
		return 0, linuxerr.EINVAL
	}
	if addr, ok := mm.findFreeIn(MMapBase, UserEnd, length); ok {
		return addr, nil
	}
	if addr, ok := mm.findFreeIn(UserBase, MMapBase, length); ok {
		return addr, nil
	}
	return 0, linuxerr.ENOMEM
}

// findFreeIn returns the lowest gap of at least length bytes in [lo, hi).
func (mm *MemoryManager) findFreeIn(lo, hi hostarch.Addr, length uint64) (hostarch.Addr, bool) {
	gap := lo
	mm.vmas.DescendLessOrEqual(&VMA{Start: lo}, func(v *VMA) bool {
		if v.End > gap {
			gap = v.End
		}
		return false
	})
	var found bool
	mm.vmas.AscendGreaterOrEqual(&VMA{Start: lo}, func(v *VMA) bool {
		if v.Start >= hi {
			return false
		}
		if v.Start > gap && uint64(v.Start-gap) >= length {
			found = true
			return false
		}
		if v.End > gap {
			gap = v.End
		}
		return true
	})
	if !found && uint64(gap)+length > uint64(hi) {
		return 0, false
	}
	return gap, true
}

// CreateVMA creates an area of length bytes at start. COW areas are mapped
// lazily: entries record the flags but no frame, and the fault handler
// supplies zero frames on first touch. Other areas are backed immediately by
// one contiguous block of class frames.
func (mm *MemoryManager) CreateVMA(start hostarch.Addr, length uint64, flags pagetables.MapFlags, class pgalloc.AllocClass) (*VMA, error) {
	length, ok := hostarch.PageRoundUp(length)
	if !ok || length == 0 {
		return nil, linuxerr.EINVAL
	}
	end, ok := start.AddLength(length)
	if !ok || !mm.IsValidRange(start, end) {
		return nil, fmt.Errorf("creating area %#x+%#x: %w", start, length, linuxerr.EINVAL)
	}
	v := &VMA{
		Start: start,
		End:   end,
		Flags: flags &^ pagetables.UpdAddr,
		Class: class,
		Prot:  protFromFlags(flags),
		FD:    -1,
	}
	if v.Lazy() {
		if err := mm.pt.MapRange(start, 0, length, flags&^(pagetables.Present|pagetables.UpdAddr)); err != nil {
			mm.discard(start, length)
			return nil, err
		}
	} else if err := mm.populate(v); err != nil {
		return nil, err
	}
	mm.vmas.ReplaceOrInsert(v)
	vmasCreated.Increment(lazyField(v))
	return v, nil
}

// populate backs v with one contiguous block of frames.
func (mm *MemoryManager) populate(v *VMA) error {
	mf := mm.sys.mf
	pages := uint32(v.Length() / hostarch.PageSize)
	var order uint
	for uint32(1)<<order < pages {
		order++
	}
	base, err := mf.Allocate(v.Class, order)
	if err != nil {
		return fmt.Errorf("populating %v: %w", v.Range(), err)
	}
	for i := uint32(0); i < pages; i++ {
		mf.Zero(base + pgalloc.Frame(i))
	}
	err = mm.pt.MapRange(v.Start, base.Addr(), v.Length(), v.Flags|pagetables.Present|pagetables.UpdAddr)
	// The mappings hold their own references; frames of the block past the
	// end of the area are freed here.
	for i := uint32(0); i < uint32(1)<<order; i++ {
		mf.DecRef(base + pgalloc.Frame(i))
	}
	if err != nil {
		mm.discard(v.Start, v.Length())
		return err
	}
	return nil
}

// discard unmaps a range whose mapping failed half way. The caller reports
// the original failure, so an unmap error is only logged.
func (mm *MemoryManager) discard(start hostarch.Addr, length uint64) {
	if err := mm.pt.UnmapRange(start, length); err != nil {
		log.Warningf("Discarding partial mapping %v+%#x: %v", start, length, err)
	}
}

// DestroyVMA tears down the mappings of v and removes it.
func (mm *MemoryManager) DestroyVMA(v *VMA) error {
	if err := mm.pt.UnmapRange(v.Start, v.Length()); err != nil {
		return err
	}
	mm.vmas.Delete(v)
	vmasDestroyed.Increment()
	return nil
}

// FindVMA returns the area containing addr.
func (mm *MemoryManager) FindVMA(addr hostarch.Addr) (*VMA, bool) {
	var found *VMA
	mm.vmas.DescendLessOrEqual(&VMA{Start: addr}, func(v *VMA) bool {
		if addr < v.End {
			found = v
		}
		return false
	})
	return found, found != nil
}

// AreasReverse calls fn for each area from the highest address down, until
// fn returns false.
func (mm *MemoryManager) AreasReverse(fn func(v *VMA) bool) {
	mm.vmas.Descend(fn)
}

// Areas calls fn for each area in address order, until fn returns false.
func (mm *MemoryManager) Areas(fn func(v *VMA) bool) {
	mm.vmas.Ascend(fn)
}

// NumAreas returns the number of areas.
func (mm *MemoryManager) NumAreas() int {
	return mm.vmas.Len()
}

func lazyField(v *VMA) string {
	if v.Lazy() {
		return "lazy"
	}
	return "eager"
}
