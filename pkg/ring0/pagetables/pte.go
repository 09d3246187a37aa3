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
	"strings"

	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

const (
	// EntriesPerTable is the number of entries in a directory or table.
	EntriesPerTable = 1024

	// tableShift is the binary log of the bytes covered by one table.
	tableShift = hostarch.PageShift + 10

	// tableSize is the number of bytes covered by one table.
	tableSize = 1 << tableShift

	// KernelDirIndex is the first directory index of the kernel half.
	KernelDirIndex = 768
)

// PTE is a hardware page table entry.
type PTE uint32

// Page table entry bits.
const (
	ptePresent      PTE = 1 << 0
	pteRW           PTE = 1 << 1
	pteUser         PTE = 1 << 2
	pteWriteThrough PTE = 1 << 3
	pteCacheDisable PTE = 1 << 4
	pteAccessed     PTE = 1 << 5
	pteDirty        PTE = 1 << 6
	pteGlobal       PTE = 1 << 8
	pteCOW          PTE = 1 << 9
	pteAvailShift       = 10
	pteAvailMask    PTE = 3 << pteAvailShift
	pteFrameShift       = 12
	pteFrameMask    PTE = 0xfffff000

	// pteAvailMapped is stored in the available bits of every entry that
	// flags were applied to.
	pteAvailMapped PTE = 1 << pteAvailShift

	// pteAvailSharedRW marks a write-protected shared entry whose mapping
	// was writable before it was shared.
	pteAvailSharedRW PTE = 3 << pteAvailShift

	// aliasIndexShift and aliasIndexMask locate the source index inside the
	// raw bits of a COW alias entry.
	aliasIndexShift     = 2
	aliasIndexMask  PTE = (EntriesPerTable - 1) << aliasIndexShift
)

// Present returns true if the hardware may use this entry.
func (p PTE) Present() bool { return p&ptePresent != 0 }

// Writeable returns true if the entry permits writes.
func (p PTE) Writeable() bool { return p&pteRW != 0 }

// User returns true if the entry is accessible from user mode.
func (p PTE) User() bool { return p&pteUser != 0 }

// Global returns true if the entry survives directory switches in the TLB.
func (p PTE) Global() bool { return p&pteGlobal != 0 }

// COW returns true if the kernel copy-on-write bit is set.
func (p PTE) COW() bool { return p&pteCOW != 0 }

// Accessed returns the accessed bit.
func (p PTE) Accessed() bool { return p&pteAccessed != 0 }

// Dirty returns the dirty bit.
func (p PTE) Dirty() bool { return p&pteDirty != 0 }

// Available returns the software-available bits.
func (p PTE) Available() uint32 { return uint32(p&pteAvailMask) >> pteAvailShift }

// Frame returns the frame number stored in the entry.
func (p PTE) Frame() pgalloc.Frame { return pgalloc.Frame(p >> pteFrameShift) }

// setFrame replaces the frame number.
func (p *PTE) setFrame(f pgalloc.Frame) {
	*p = *p&^pteFrameMask | PTE(f)<<pteFrameShift
}

// setFlags applies map flags to a table entry. Only the frame and the
// accessed and dirty bits are preserved.
func (p *PTE) setFlags(flags MapFlags) {
	v := *p & (pteFrameMask | pteAccessed | pteDirty)
	if flags&RW != 0 {
		v |= pteRW
	}
	if flags&Present != 0 {
		v |= ptePresent
	}
	if flags&COW != 0 {
		v |= pteCOW
	}
	if flags&Global != 0 {
		v |= pteGlobal
	}
	if flags&User != 0 {
		v |= pteUser
	}
	*p = v | pteAvailMapped
}

// Flags returns the map flags represented by the entry.
func (p PTE) Flags() MapFlags {
	var f MapFlags
	if p.Present() {
		f |= Present
	}
	if p.Writeable() {
		f |= RW
	}
	if p.User() {
		f |= User
	}
	if p.Global() {
		f |= Global
	}
	if p.COW() {
		f |= COW
	}
	return f
}

// aliasTarget decodes the entry referenced by a COW alias.
func (p PTE) aliasTarget() Entry {
	return Entry{Table: p.Frame(), Index: int(p&aliasIndexMask) >> aliasIndexShift}
}

// makeAlias encodes a reference to e.
func makeAlias(e Entry) PTE {
	return PTE(e.Table)<<pteFrameShift | PTE(e.Index)<<aliasIndexShift
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	return fmt.Sprintf("%#08x[%s]", uint32(p), p.Flags())
}

// PTEs is a page table or directory.
type PTEs [EntriesPerTable]PTE

// PDE is a hardware page directory entry.
type PDE uint32

// Page directory entry bits.
const (
	pdePresent  PDE = 1 << 0
	pdeRW       PDE = 1 << 1
	pdeUser     PDE = 1 << 2
	pdeAccessed PDE = 1 << 5
	pdePageSize PDE = 1 << 7
	pdeGlobal   PDE = 1 << 8
	pdeAvail    PDE = 1 << 9
)

// Present returns true if the entry references a table.
func (d PDE) Present() bool { return d&pdePresent != 0 }

// Writeable returns the rw bit.
func (d PDE) Writeable() bool { return d&pdeRW != 0 }

// User returns the user bit.
func (d PDE) User() bool { return d&pdeUser != 0 }

// Global returns the global bit.
func (d PDE) Global() bool { return d&pdeGlobal != 0 }

// Table returns the frame of the referenced table.
func (d PDE) Table() pgalloc.Frame { return pgalloc.Frame(d >> pteFrameShift) }

// newPDE returns a directory entry for a freshly allocated table.
func newPDE(table pgalloc.Frame, flags MapFlags) PDE {
	d := PDE(table)<<pteFrameShift | pdePresent | pdeRW | pdeAvail
	if flags&Global != 0 {
		d |= pdeGlobal
	}
	if flags&User != 0 {
		d |= pdeUser
	}
	return d
}

// merge folds flags into an existing directory entry. A set global bit is never
// cleared.
func (d *PDE) merge(flags MapFlags) {
	if flags&Present != 0 {
		*d |= pdePresent
	}
	if flags&RW != 0 {
		*d |= pdeRW
	}
	if d.Global() && flags&Global == 0 {
		panic("Attempted to remove the global flag from a page directory entry")
	}
	if flags&User != 0 {
		*d |= pdeUser
	}
}

// PDEs is a page directory.
type PDEs [EntriesPerTable]PDE

// MapFlags describes how a range is mapped.
type MapFlags uint32

// Map flags.
const (
	// Present makes entries usable by the hardware.
	Present MapFlags = 1 << iota

	// RW permits writes.
	RW

	// User permits user-mode access.
	User

	// Global keeps entries in the TLB across directory switches.
	Global

	// COW marks entries as copy-on-write.
	COW

	// UpdAddr installs sequential frames while mapping.
	UpdAddr
)

// String implements fmt.Stringer.String.
func (f MapFlags) String() string {
	var parts []string
	for _, b := range []struct {
		flag MapFlags
		name string
	}{
		{Present, "P"},
		{RW, "RW"},
		{User, "U"},
		{Global, "G"},
		{COW, "COW"},
		{UpdAddr, "UPD"},
	} {
		if f&b.flag != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// dirIndex returns the directory index covering addr.
func dirIndex(addr hostarch.Addr) int {
	return int(addr >> tableShift)
}

// tableIndex returns the table index covering addr.
func tableIndex(addr hostarch.Addr) int {
	return int(addr>>hostarch.PageShift) % EntriesPerTable
}
