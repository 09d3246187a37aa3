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

	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// maxAliasDepth bounds alias chains, which only form when an aliased slot
// is itself replaced by an alias.
const maxAliasDepth = 8

func (c *Cache) ptr(e Entry) *PTE {
	return &c.tableOf(e.Table)[e.Index]
}

// Load returns the hardware entry e.
func (c *Cache) Load(e Entry) PTE {
	return *c.ptr(e)
}

// Kind returns the software tag of e.
func (c *Cache) Kind(e Entry) Kind {
	return c.meta(e.Table).kinds[e.Index]
}

// AddressOf returns the virtual address mapped by e in the directory that
// owns its table. ok is false for detached tables.
func (c *Cache) AddressOf(e Entry) (hostarch.Addr, bool) {
	m := c.meta(e.Table)
	if !m.attached {
		return 0, false
	}
	return m.base + hostarch.Addr(e.Index)<<hostarch.PageShift, true
}

// AliasTarget returns the entry e refers to directly. ok is false if e is not
// an alias.
func (c *Cache) AliasTarget(e Entry) (Entry, bool) {
	if c.Kind(e) != KindAlias {
		return Entry{}, false
	}
	return c.Load(e).aliasTarget(), true
}

// AliasFlags returns the flags alias e is populated with.
func (c *Cache) AliasFlags(e Entry) MapFlags {
	return c.meta(e.Table).aliasFlags[e.Index]
}

// Target returns the entry aliased by e, following chains of aliases. ok is
// false if e is not an alias.
func (c *Cache) Target(e Entry) (Entry, bool) {
	if c.Kind(e) != KindAlias {
		return Entry{}, false
	}
	for i := 0; i < maxAliasDepth; i++ {
		e = c.Load(e).aliasTarget()
		if c.Kind(e) != KindAlias {
			return e, true
		}
	}
	panic(fmt.Sprintf("alias chain through %v is too deep", e))
}

// releaseEntry drops whatever e holds and leaves it zero.
func (c *Cache) releaseEntry(e Entry) {
	m := c.meta(e.Table)
	p := c.ptr(e)
	switch m.kinds[e.Index] {
	case KindPresent, KindShared:
		if m.counted {
			c.mf.DecRef(p.Frame())
		}
	case KindAlias:
		c.unpin(p.aliasTarget().Table)
		m.aliasFlags[e.Index] = 0
	}
	m.kinds[e.Index] = KindAbsent
	*p = 0
}

// install points e at frame f, discarding its flags. A counted table takes a
// reference on f.
func (c *Cache) install(e Entry, f pgalloc.Frame) {
	m := c.meta(e.Table)
	p := c.ptr(e)
	if k := m.kinds[e.Index]; (k == KindPresent || k == KindShared) && p.Frame() == f {
		return
	}
	c.releaseEntry(e)
	if m.counted {
		c.mf.IncRef(f)
	}
	p.setFrame(f)
	m.kinds[e.Index] = KindPresent
}

// applyFlags sets the map flags of e. Entries without a frame never become
// present, and shared entries stay write-protected with the requested
// writability recorded in their available bits.
func (c *Cache) applyFlags(e Entry, flags MapFlags) {
	p := c.ptr(e)
	switch c.Kind(e) {
	case KindAbsent:
		p.setFlags(flags &^ Present)
	case KindShared:
		p.setFlags(flags &^ RW)
		if flags&RW != 0 {
			*p |= pteAvailSharedRW
		}
	case KindPresent:
		p.setFlags(flags)
	case KindAlias:
		panic(fmt.Sprintf("applying flags %v to alias %v", flags, e))
	}
}

// setAlias makes e a hardware-absent alias of target, to be populated with
// flags.
func (c *Cache) setAlias(e, target Entry, flags MapFlags) {
	c.pin(target.Table)
	c.releaseEntry(e)
	*c.ptr(e) = makeAlias(target)
	m := c.meta(e.Table)
	m.kinds[e.Index] = KindAlias
	m.aliasFlags[e.Index] = flags &^ (COW | UpdAddr)
	aliasesCreated.Increment()
}

// Install maps frame f at e with the given flags, replacing what e held.
// The caller's reference on f is not consumed.
func (c *Cache) Install(e Entry, f pgalloc.Frame, flags MapFlags) {
	c.install(e, f)
	c.applyFlags(e, flags)
}

// Share maps the frame of orig at e with flags and write-protects both
// entries. orig must hold a frame. If flags permit writes, e is marked as
// writable once the sharing is broken.
func (c *Cache) Share(orig, e Entry, flags MapFlags) {
	op := c.Load(orig)
	if k := c.Kind(orig); k != KindPresent && k != KindShared {
		panic(fmt.Sprintf("sharing %v entry %v", k, orig))
	}
	c.WriteProtect(orig)
	c.install(e, op.Frame())
	c.meta(e.Table).kinds[e.Index] = KindShared
	c.applyFlags(e, flags|Present)
}

// WriteProtect marks a present entry shared and write-protected. It returns
// false if e holds no frame.
func (c *Cache) WriteProtect(e Entry) bool {
	m := c.meta(e.Table)
	switch m.kinds[e.Index] {
	case KindShared:
		return true
	case KindPresent:
		p := c.ptr(e)
		rw := p.Writeable()
		m.kinds[e.Index] = KindShared
		c.applyFlags(e, p.Flags()&^RW)
		if rw {
			*p |= pteAvailSharedRW
		}
		if addr, ok := c.AddressOf(e); ok {
			c.flush(addr)
		}
		return true
	default:
		return false
	}
}

// SharedWritable returns true if e is a shared entry that was writable
// before it was shared.
func (c *Cache) SharedWritable(e Entry) bool {
	return c.Kind(e) == KindShared && c.Load(e)&pteAvailMask == pteAvailSharedRW
}

// Unshare turns a shared entry back into a private one with the given
// flags, keeping its frame.
func (c *Cache) Unshare(e Entry, flags MapFlags) {
	m := c.meta(e.Table)
	if m.kinds[e.Index] != KindShared {
		panic(fmt.Sprintf("unsharing %v entry %v", m.kinds[e.Index], e))
	}
	m.kinds[e.Index] = KindPresent
	c.applyFlags(e, flags)
}

// ClearCOW clears the COW bit of e.
func (c *Cache) ClearCOW(e Entry) {
	*c.ptr(e) &^= pteCOW
}

// Clear releases e.
func (c *Cache) Clear(e Entry) {
	c.releaseEntry(e)
}

// MarkAccessed sets the accessed bit of e, and the dirty bit for writes.
func (c *Cache) MarkAccessed(e Entry, write bool) {
	p := c.ptr(e)
	*p |= pteAccessed
	if write {
		*p |= pteDirty
	}
}
