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

// Package ring0 simulates the processor state the memory core interacts
// with: the faulting address and directory registers, a TLB and the MMU
// permission checks that raise page faults.
package ring0

import (
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/metric"
	"pagecore.dev/pagecore/pkg/ring0/pagetables"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

var (
	tlbLookups = metric.MustCreateNewUint64Metric("/cpu/tlb_lookups", "Number of TLB lookups.", metric.NewField("result", "hit", "miss"))
	tlbFlushes = metric.MustCreateNewUint64Metric("/cpu/tlb_flushes", "Number of single-page TLB invalidations.")
	faults     = metric.MustCreateNewUint64Metric("/cpu/page_faults", "Number of page faults raised.", metric.NewField("mode", "user", "kernel"))
)

// tlbEntry is a cached translation.
type tlbEntry struct {
	frame  pgalloc.Frame
	write  bool
	user   bool
	global bool
}

// CPU is the state of the single logical processor.
type CPU struct {
	// cr2 holds the address of the last page fault.
	cr2 hostarch.Addr

	// cr3 is the current directory.
	cr3 *pagetables.PageTables

	// eip is reported in trap frames.
	eip hostarch.Addr

	// tlb caches translations by page address.
	tlb map[hostarch.Addr]tlbEntry
}

// NewCPU returns a CPU with paging enabled on dir. dir may be nil until the
// first SwitchDirectory.
func NewCPU(dir *pagetables.PageTables) *CPU {
	return &CPU{
		cr3: dir,
		tlb: make(map[hostarch.Addr]tlbEntry),
	}
}

// CR2 returns the faulting address of the last page fault.
func (c *CPU) CR2() hostarch.Addr {
	return c.cr2
}

// CR3 returns the current directory.
func (c *CPU) CR3() *pagetables.PageTables {
	return c.cr3
}

// SetEIP sets the instruction pointer reported by subsequent faults.
func (c *CPU) SetEIP(eip hostarch.Addr) {
	c.eip = eip
}

// SwitchDirectory loads dir and drops all non-global translations.
func (c *CPU) SwitchDirectory(dir *pagetables.PageTables) {
	if c.cr3 == dir {
		return
	}
	c.cr3 = dir
	for addr, e := range c.tlb {
		if !e.global {
			delete(c.tlb, addr)
		}
	}
}

// FlushSingle implements pagetables.Invalidator.FlushSingle.
func (c *CPU) FlushSingle(addr hostarch.Addr) {
	tlbFlushes.Increment()
	delete(c.tlb, addr.RoundDown())
}

// FlushAll drops every translation, including global ones.
func (c *CPU) FlushAll() {
	clear(c.tlb)
}

// Cached returns true if the TLB holds a translation for addr.
func (c *CPU) Cached(addr hostarch.Addr) bool {
	_, ok := c.tlb[addr.RoundDown()]
	return ok
}

// Translate performs an access check on addr and returns the physical
// address it maps to. On failure CR2 is set and the page fault to deliver
// is returned.
func (c *CPU) Translate(addr hostarch.Addr, at hostarch.AccessType, user bool) (hostarch.Addr, *TrapFrame) {
	page := addr.RoundDown()
	if e, ok := c.tlb[page]; ok && (!at.Write || e.write) && (!user || e.user) {
		tlbLookups.Increment("hit")
		return e.frame.Addr() + hostarch.Addr(addr.PageOffset()), nil
	}
	tlbLookups.Increment("miss")

	var code uint32
	if at.Write {
		code |= ErrWrite
	}
	if user {
		code |= ErrUser
	}
	if at.Execute {
		code |= ErrInstruction
	}
	if c.cr3 == nil {
		return 0, c.fault(addr, code)
	}
	pde := c.cr3.PDE(addr)
	if !pde.Present() {
		return 0, c.fault(addr, code)
	}
	t, _ := c.cr3.Lookup(addr)
	if !t.PTE.Present() {
		return 0, c.fault(addr, code)
	}
	e := tlbEntry{
		frame:  t.PTE.Frame(),
		write:  pde.Writeable() && t.PTE.Writeable(),
		user:   pde.User() && t.PTE.User(),
		global: t.PTE.Global(),
	}
	if (at.Write && !e.write) || (user && !e.user) {
		return 0, c.fault(addr, code|ErrPresent)
	}
	c.cr3.Cache().MarkAccessed(t.Entry, at.Write)
	c.tlb[page] = e
	return e.frame.Addr() + hostarch.Addr(addr.PageOffset()), nil
}

func (c *CPU) fault(addr hostarch.Addr, code uint32) *TrapFrame {
	c.cr2 = addr
	if code&ErrUser != 0 {
		faults.Increment("user")
	} else {
		faults.Increment("kernel")
	}
	return &TrapFrame{Vector: PageFault, ErrorCode: code, EIP: c.eip}
}
