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

// Package pagetables implements two-level 32-bit page tables stored in
// simulated physical memory.
//
// Directories and tables occupy low memory frames and hold hardware-format
// entries. Alongside every table the Cache keeps a software tag per entry
// which records whether the entry owns a frame reference, shares a
// write-protected frame, or is a copy-on-write alias of another entry. Alias
// entries are hardware-absent; their raw bits name the table frame and index
// of the entry they alias.
//
// None of the types in this package are safe for concurrent use. Callers must
// serialize all operations on a Cache and the PageTables created from it.
package pagetables

import (
	"fmt"

	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/metric"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

var (
	tablesAllocated = metric.MustCreateNewUint64Metric("/pagetables/tables_allocated", "Number of page tables allocated.")
	tablesReclaimed = metric.MustCreateNewUint64Metric("/pagetables/tables_reclaimed", "Number of empty page tables freed by unmap.")
	aliasesCreated  = metric.MustCreateNewUint64Metric("/pagetables/cow_aliases", "Number of copy-on-write alias entries installed.")
)

// Kind is the software tag of a table entry.
type Kind uint8

const (
	// KindAbsent entries hold no frame. The hardware entry may still carry
	// flags, such as the COW bit of a lazily populated mapping.
	KindAbsent Kind = iota

	// KindPresent entries own one reference on their frame.
	KindPresent

	// KindShared entries own one reference on a frame that other entries
	// also map. They are write-protected until the sharing is broken.
	KindShared

	// KindAlias entries are hardware-absent references to another entry.
	KindAlias
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindPresent:
		return "present"
	case KindShared:
		return "shared"
	case KindAlias:
		return "alias"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Invalidator drops cached translations.
type Invalidator interface {
	// FlushSingle invalidates the translation of the page containing addr.
	FlushSingle(addr hostarch.Addr)
}

// Entry identifies one table entry.
type Entry struct {
	Table pgalloc.Frame
	Index int
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("%v[%d]", e.Table, e.Index)
}

// tableMeta is the software state of one table.
type tableMeta struct {
	// kinds is the tag of each entry.
	kinds [EntriesPerTable]Kind

	// aliasFlags holds the flags an alias entry is populated with. They
	// belong to the aliasing side; the aliased entry may be cleared before
	// the alias is resolved.
	aliasFlags [EntriesPerTable]MapFlags

	// pins is the number of alias entries referencing this table.
	pins int

	// attached is true while a directory references the table.
	attached bool

	// counted is true if present entries hold frame references. Tables of
	// kernel directories map memory owned elsewhere and hold none.
	counted bool

	// base is the first virtual address mapped by the table in its
	// directory.
	base hostarch.Addr
}

// Cache allocates directories and tables and tracks their software state.
type Cache struct {
	mf  *pgalloc.MemoryFile
	tlb Invalidator

	// tables holds every live table, including detached tables kept alive
	// by aliases.
	tables map[pgalloc.Frame]*tableMeta
}

// NewCache returns a Cache drawing frames from mf. tlb may be nil and set
// later with SetInvalidator.
func NewCache(mf *pgalloc.MemoryFile, tlb Invalidator) *Cache {
	return &Cache{
		mf:     mf,
		tlb:    tlb,
		tables: make(map[pgalloc.Frame]*tableMeta),
	}
}

// SetInvalidator sets the TLB invalidated by mapping changes.
func (c *Cache) SetInvalidator(tlb Invalidator) {
	c.tlb = tlb
}

// MemoryFile returns the frame service backing c.
func (c *Cache) MemoryFile() *pgalloc.MemoryFile {
	return c.mf
}

// NumTables returns the number of live tables.
func (c *Cache) NumTables() int {
	return len(c.tables)
}

func (c *Cache) flush(addr hostarch.Addr) {
	if c.tlb != nil {
		c.tlb.FlushSingle(addr)
	}
}

// newFrame allocates a zeroed low memory frame for a directory or table.
func (c *Cache) newFrame() (pgalloc.Frame, error) {
	f, err := c.mf.Allocate(pgalloc.Kernel, 0)
	if err != nil {
		return 0, err
	}
	c.mf.Zero(f)
	return f, nil
}

// newTable allocates an empty table mapping addresses from base.
func (c *Cache) newTable(base hostarch.Addr, counted bool) (pgalloc.Frame, error) {
	f, err := c.newFrame()
	if err != nil {
		return 0, err
	}
	c.tables[f] = &tableMeta{attached: true, counted: counted, base: base}
	tablesAllocated.Increment()
	return f, nil
}

func (c *Cache) meta(f pgalloc.Frame) *tableMeta {
	m, ok := c.tables[f]
	if !ok {
		panic(fmt.Sprintf("%v is not a page table", f))
	}
	return m
}

// detachTable drops a table that is no longer referenced by its directory.
// While aliases pin it, its entries stay as they are so that the aliases
// still resolve to the data they mirror.
func (c *Cache) detachTable(f pgalloc.Frame) {
	m := c.meta(f)
	m.attached = false
	if m.pins == 0 {
		c.freeTable(f)
	}
}

// freeTable releases every entry of f and then f itself.
func (c *Cache) freeTable(f pgalloc.Frame) {
	for i := 0; i < EntriesPerTable; i++ {
		c.releaseEntry(Entry{Table: f, Index: i})
	}
	delete(c.tables, f)
	c.mf.DecRef(f)
}

func (c *Cache) pin(f pgalloc.Frame) {
	c.meta(f).pins++
}

func (c *Cache) unpin(f pgalloc.Frame) {
	m := c.meta(f)
	if m.pins <= 0 {
		panic(fmt.Sprintf("unpin of unpinned table %v", f))
	}
	m.pins--
	if m.pins == 0 && !m.attached {
		log.Debugf("Freeing detached table %v after last alias", f)
		c.freeTable(f)
	}
}

// PageTables is one page directory.
type PageTables struct {
	c    *Cache
	root pgalloc.Frame

	// kernel is true if this directory owns the tables of the kernel half.
	// Other directories share them.
	kernel bool
}

// New allocates a kernel directory. It owns every table it references, and
// its entries map memory without taking frame references.
func New(c *Cache) (*PageTables, error) {
	root, err := c.newFrame()
	if err != nil {
		return nil, err
	}
	return &PageTables{c: c, root: root, kernel: true}, nil
}

// NewUser returns a new directory whose kernel half references the tables of
// p, which must be a kernel directory.
//
// Tables added to the kernel half of p afterwards are not visible in the new
// directory.
func (p *PageTables) NewUser() (*PageTables, error) {
	if !p.kernel {
		panic("NewUser called on a user directory")
	}
	root, err := p.c.newFrame()
	if err != nil {
		return nil, err
	}
	copy(p.c.directoryOf(root)[KernelDirIndex:], p.c.directoryOf(p.root)[KernelDirIndex:])
	return &PageTables{c: p.c, root: root}, nil
}

// Cache returns the cache p was allocated from.
func (p *PageTables) Cache() *Cache {
	return p.c
}

// Root returns the frame holding the directory.
func (p *PageTables) Root() pgalloc.Frame {
	return p.root
}

// CR3 returns the physical address of the directory.
func (p *PageTables) CR3() hostarch.Addr {
	return p.root.Addr()
}

// IsKernel returns true for kernel directories.
func (p *PageTables) IsKernel() bool {
	return p.kernel
}

// shared returns true if directory index i references a table owned by
// another directory.
func (p *PageTables) shared(i int) bool {
	return !p.kernel && i >= KernelDirIndex
}

// PDE returns the directory entry covering addr.
func (p *PageTables) PDE(addr hostarch.Addr) PDE {
	return p.c.directoryOf(p.root)[dirIndex(addr)]
}

// resolve returns the table for directory index i, allocating it if needed
// and merging flags into the directory entry.
func (p *PageTables) resolve(i int, flags MapFlags) (pgalloc.Frame, error) {
	d := &p.c.directoryOf(p.root)[i]
	if !d.Present() {
		t, err := p.c.newTable(hostarch.Addr(i)<<tableShift, !p.kernel)
		if err != nil {
			return 0, err
		}
		*d = newPDE(t, flags)
		return t, nil
	}
	d.merge(flags)
	return d.Table(), nil
}

// Release frees the directory and every table it owns. Frames referenced by
// owned tables lose one reference each. p must not be used afterwards.
func (p *PageTables) Release() {
	dir := p.c.directoryOf(p.root)
	for i := range dir {
		if !dir[i].Present() || p.shared(i) {
			continue
		}
		t := dir[i].Table()
		dir[i] = 0
		p.c.detachTable(t)
	}
	p.c.mf.DecRef(p.root)
	p.root = 0
}
