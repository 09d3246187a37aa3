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

	"pagecore.dev/pagecore/pkg/bitmap"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/ring0/pagetables"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// vmemFlags are the flags of window mappings and directory entries.
const vmemFlags = pagetables.Present | pagetables.RW | pagetables.Global

// VMem is a window of kernel virtual addresses used for temporary mappings:
// of frames that have no permanent kernel address, and of pages of other
// directories. The window's tables are allocated at boot so that every user
// directory shares them.
type VMem struct {
	kernel *MemoryManager
	start  hostarch.Addr
	pages  uint32

	// used tracks busy window pages.
	used bitmap.Bitmap

	// areas maps the first page of each live mapping to its length in
	// pages.
	areas map[uint32]uint32
}

func newVMem(kernel *MemoryManager, start hostarch.Addr, size uint64) (*VMem, error) {
	it, err := kernel.pt.Iterate(start, size, vmemFlags)
	if err != nil {
		return nil, fmt.Errorf("allocating virtual memory window tables: %w", err)
	}
	for {
		if _, _, ok := it.Next(); !ok {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("allocating virtual memory window tables: %w", err)
	}
	kernel.vmas.ReplaceOrInsert(&VMA{
		Start: start,
		End:   start + hostarch.Addr(size),
		Flags: vmemFlags,
		Class: pgalloc.Kernel,
		Prot:  protFromFlags(vmemFlags),
		FD:    -1,
		Name:  "[vmem]",
	})
	pages := uint32(size / hostarch.PageSize)
	return &VMem{
		kernel: kernel,
		start:  start,
		pages:  pages,
		used:   bitmap.New(pages),
		areas:  make(map[uint32]uint32),
	}, nil
}

// Contains returns true if addr lies in the window.
func (v *VMem) Contains(addr hostarch.Addr) bool {
	return addr >= v.start && uint64(addr-v.start) < uint64(v.pages)*hostarch.PageSize
}

// InUse returns the number of busy window pages.
func (v *VMem) InUse() uint32 {
	return v.used.NumOnes()
}

// reserve claims n consecutive window pages.
func (v *VMem) reserve(n uint32) (uint32, error) {
	slot, ok := v.used.FirstZeroRun(0, n)
	if !ok {
		return 0, fmt.Errorf("no %d free pages in the virtual memory window: %w", n, linuxerr.ENOMEM)
	}
	v.used.AddRange(slot, slot+n)
	v.areas[slot] = n
	return slot, nil
}

func (v *VMem) unreserve(slot uint32) {
	v.used.ClearRange(slot, slot+v.areas[slot])
	delete(v.areas, slot)
}

func (v *VMem) addr(slot uint32) hostarch.Addr {
	return v.start + hostarch.Addr(slot)*hostarch.PageSize
}

// MapPhysicalPages maps count frames starting at f into the window and
// returns the address of the first.
func (v *VMem) MapPhysicalPages(f pgalloc.Frame, count uint32) (hostarch.Addr, error) {
	slot, err := v.reserve(count)
	if err != nil {
		return 0, err
	}
	addr := v.addr(slot)
	if err := v.kernel.pt.MapRange(addr, f.Addr(), uint64(count)*hostarch.PageSize, vmemFlags|pagetables.UpdAddr); err != nil {
		v.rollback(slot)
		return 0, err
	}
	return addr, nil
}

// rollback releases the window pages of a mapping that failed half way.
func (v *VMem) rollback(slot uint32) {
	addr := v.addr(slot)
	if err := v.kernel.pt.UnmapRange(addr, uint64(v.areas[slot])*hostarch.PageSize); err != nil {
		log.Warningf("Unmapping window pages at %v: %v", addr, err)
	}
	v.unreserve(slot)
}

// MapVirtualAddress maps [srcAddr, srcAddr+size) of directory src into the
// window and returns the window address corresponding to srcAddr. Every
// window page aliases the entry of src it mirrors. On first access through
// the window that entry is given a private frame, which the window maps
// writable.
func (v *VMem) MapVirtualAddress(src *pagetables.PageTables, srcAddr hostarch.Addr, size uint64) (hostarch.Addr, error) {
	if size == 0 {
		return 0, linuxerr.EINVAL
	}
	if _, ok := srcAddr.AddLength(size); !ok {
		return 0, linuxerr.EINVAL
	}
	pages := uint32(hostarch.PagesSpanned(srcAddr, size))
	slot, err := v.reserve(pages)
	if err != nil {
		return 0, err
	}
	addr := v.addr(slot)
	length := uint64(pages) * hostarch.PageSize
	if err := src.AliasRange(v.kernel.pt, srcAddr.RoundDown(), addr, length, vmemFlags); err != nil {
		v.rollback(slot)
		return 0, err
	}
	log.Debugf("Mapped %v+%#x of directory %v at %v", srcAddr, size, src.Root(), addr)
	return addr + hostarch.Addr(srcAddr.PageOffset()), nil
}

// UnmapVirtualAddress removes the window mapping containing addr, which must
// have been returned by MapPhysicalPages or MapVirtualAddress.
func (v *VMem) UnmapVirtualAddress(addr hostarch.Addr) error {
	if !v.Contains(addr) {
		return fmt.Errorf("%v outside the virtual memory window: %w", addr, linuxerr.EINVAL)
	}
	slot := uint32((addr.RoundDown() - v.start) / hostarch.PageSize)
	n, ok := v.areas[slot]
	if !ok {
		return fmt.Errorf("no window mapping starts at %v: %w", addr, linuxerr.EINVAL)
	}
	if err := v.kernel.pt.UnmapRange(v.addr(slot), uint64(n)*hostarch.PageSize); err != nil {
		return err
	}
	v.unreserve(slot)
	return nil
}
