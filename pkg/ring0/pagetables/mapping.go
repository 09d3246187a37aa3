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

package pagetables

import (
	"fmt"

	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// MapRange applies flags to every page of [virt, virt+size). With UpdAddr,
// consecutive frames starting at the frame containing phys are installed.
//
// MapRange is not transactional: if it fails, entries visited before the
// failure keep their new values and have been flushed.
func (p *PageTables) MapRange(virt, phys hostarch.Addr, size uint64, flags MapFlags) error {
	it, err := p.Iterate(virt, size, flags)
	if err != nil {
		return err
	}
	c := p.c
	pfn := uint64(phys) >> hostarch.PageShift
	maxPFN := uint64(c.mf.NumFrames())
	for e, addr, ok := it.Next(); ok; e, addr, ok = it.Next() {
		old := c.Load(e)
		if flags&UpdAddr != 0 {
			if pfn >= maxPFN {
				return fmt.Errorf("mapping %v to pfn %#x beyond %#x frames: %w", addr, pfn, maxPFN, linuxerr.EFAULT)
			}
			c.install(e, pgalloc.Frame(pfn))
			pfn++
		} else if c.Kind(e) == KindAlias {
			c.releaseEntry(e)
		}
		c.applyFlags(e, flags)
		if c.Load(e) != old {
			c.flush(addr)
		}
	}
	return it.Err()
}

// CloneRange maps the pages of [srcStart, srcStart+size) in p at
// [dstStart, dstStart+size) in dst. The source directory is only read: no
// source table is allocated and no source directory entry changes.
//
// Source entries with the COW bit, and source aliases, become aliases in dst
// and are resolved by the fault handler. An alias of an alias refers to the
// entry at the end of the chain. Aliases are populated with flags, plus RW
// if the source entry permits writes. Other source entries holding a frame
// share it with dst under flags; shared source entries stay shared. Source
// entries without a frame leave the destination empty.
func (p *PageTables) CloneRange(dst *PageTables, srcStart, dstStart hostarch.Addr, size uint64, flags MapFlags) error {
	if uint64(srcStart)+size > hostarch.AddressSpaceSize {
		return fmt.Errorf("source range %v+%#x wraps the address space: %w", srcStart, size, linuxerr.EINVAL)
	}
	dit, err := dst.Iterate(dstStart, size, flags)
	if err != nil {
		return err
	}
	c := p.c
	saddr := srcStart.RoundDown()
	for de, daddr, ok := dit.Next(); ok; de, daddr, ok = dit.Next() {
		tr, found := p.Lookup(saddr)
		saddr += hostarch.PageSize
		se := tr.Entry
		switch {
		case !found:
			c.releaseEntry(de)
		case tr.Kind == KindAlias:
			target, _ := c.Target(se)
			c.setAlias(de, target, flags|c.AliasFlags(se)&RW)
		case tr.PTE.COW():
			c.setAlias(de, se, flags|tr.PTE.Flags()&RW)
		case tr.Kind == KindPresent || tr.Kind == KindShared:
			c.install(de, tr.PTE.Frame())
			f := flags
			if tr.Kind == KindShared {
				c.meta(de.Table).kinds[de.Index] = KindShared
				if c.SharedWritable(se) {
					f |= RW
				}
			}
			c.applyFlags(de, f)
		default:
			c.releaseEntry(de)
		}
		c.flush(daddr)
	}
	return dit.Err()
}

// AliasRange makes every entry of [dstStart, dstStart+size) in dst an alias
// of the entry at the same offset from srcStart in p, whatever that entry
// holds, so that faults on dst reach the source entry itself. Source slots
// that hold nothing leave the destination empty. Like CloneRange, it only
// reads the source directory.
func (p *PageTables) AliasRange(dst *PageTables, srcStart, dstStart hostarch.Addr, size uint64, flags MapFlags) error {
	if uint64(srcStart)+size > hostarch.AddressSpaceSize {
		return fmt.Errorf("source range %v+%#x wraps the address space: %w", srcStart, size, linuxerr.EINVAL)
	}
	dit, err := dst.Iterate(dstStart, size, flags)
	if err != nil {
		return err
	}
	c := p.c
	saddr := srcStart.RoundDown()
	for de, daddr, ok := dit.Next(); ok; de, daddr, ok = dit.Next() {
		tr, found := p.Lookup(saddr)
		saddr += hostarch.PageSize
		if found && (tr.Kind != KindAbsent || tr.PTE.COW()) {
			c.setAlias(de, tr.Entry, flags)
		} else {
			c.releaseEntry(de)
		}
		c.flush(daddr)
	}
	return dit.Err()
}

// ShareRange write-protects every entry of [start, start+size) that holds a
// frame, marking it shared. Writes to those pages then fault so that the
// sharing can be broken.
func (p *PageTables) ShareRange(start hostarch.Addr, size uint64) {
	p.forEach(start, size, func(e Entry, _ hostarch.Addr) {
		p.c.WriteProtect(e)
	})
}

// VirtualToPage returns the frame mapped at virt and size capped to the
// allocation block containing the frame.
func (p *PageTables) VirtualToPage(virt hostarch.Addr, size uint64) (pgalloc.Frame, uint64, error) {
	d := p.PDE(virt)
	if !d.Present() {
		return 0, 0, fmt.Errorf("no page table for %v: %w", virt, linuxerr.EFAULT)
	}
	e := Entry{Table: d.Table(), Index: tableIndex(virt)}
	pte := p.c.Load(e)
	if k := p.c.Kind(e); (k != KindPresent && k != KindShared) || !pte.Present() {
		return 0, 0, fmt.Errorf("no page at %v: %w", virt, linuxerr.EFAULT)
	}
	f := pte.Frame()
	if bs := p.c.mf.BlockSize(f); size > bs {
		size = bs
	}
	return f, size, nil
}

// Translation describes the entry mapping one address.
type Translation struct {
	Entry Entry
	PTE   PTE
	Kind  Kind
}

// Lookup returns the entry mapping addr. ok is false if no table covers
// addr.
func (p *PageTables) Lookup(addr hostarch.Addr) (Translation, bool) {
	d := p.PDE(addr)
	if !d.Present() {
		return Translation{}, false
	}
	e := Entry{Table: d.Table(), Index: tableIndex(addr)}
	return Translation{Entry: e, PTE: p.c.Load(e), Kind: p.c.Kind(e)}, true
}

// forEach calls fn for every entry of the range in an existing table.
func (p *PageTables) forEach(start hostarch.Addr, size uint64, fn func(e Entry, addr hostarch.Addr)) {
	end := uint64(start) + size
	if end > hostarch.AddressSpaceSize {
		end = hostarch.AddressSpaceSize
	}
	dir := p.c.directoryOf(p.root)
	for a := uint64(start) &^ hostarch.PageMask; a < end; {
		i := int(a >> tableShift)
		next := uint64(i+1) << tableShift
		if !dir[i].Present() {
			a = next
			continue
		}
		t := dir[i].Table()
		for ; a < end && a < next; a += hostarch.PageSize {
			fn(Entry{Table: t, Index: int(a>>hostarch.PageShift) % EntriesPerTable}, hostarch.Addr(a))
		}
	}
}

// UnmapRange clears every entry of [start, start+size), dropping the frame
// references and alias pins they hold. Tables left empty are freed unless
// they cover the kernel half, which every directory shares.
func (p *PageTables) UnmapRange(start hostarch.Addr, size uint64) error {
	if uint64(start)+size > hostarch.AddressSpaceSize {
		return fmt.Errorf("range %v+%#x wraps the address space: %w", start, size, linuxerr.EINVAL)
	}
	c := p.c
	touched := make(map[int]pgalloc.Frame)
	p.forEach(start, size, func(e Entry, addr hostarch.Addr) {
		if c.Load(e) == 0 && c.Kind(e) == KindAbsent {
			return
		}
		c.releaseEntry(e)
		c.flush(addr)
		touched[dirIndex(addr)] = e.Table
	})
	dir := c.directoryOf(p.root)
	for i, t := range touched {
		if i >= KernelDirIndex || !c.empty(t) {
			continue
		}
		log.Debugf("Reclaiming empty page table %v at directory index %d", t, i)
		dir[i] = 0
		c.detachTable(t)
		tablesReclaimed.Increment()
	}
	return nil
}

// empty returns true if no entry of table t holds anything.
func (c *Cache) empty(t pgalloc.Frame) bool {
	m := c.meta(t)
	for i, pte := range c.tableOf(t) {
		if pte != 0 || m.kinds[i] != KindAbsent {
			return false
		}
	}
	return true
}
