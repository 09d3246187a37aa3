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
	"errors"
	"fmt"

	"pagecore.dev/pagecore/pkg/abi/linux"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/metric"
	"pagecore.dev/pagecore/pkg/ring0"
	"pagecore.dev/pagecore/pkg/ring0/pagetables"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

var (
	faultOutcomes  = metric.MustCreateNewUint64Metric("/mm/page_faults", "Number of page faults handled, by outcome.", metric.NewField("outcome", "resolved", "signalled"))
	cowResolutions = metric.MustCreateNewUint64Metric("/mm/cow_resolutions", "Number of copy-on-write resolutions, by action.", metric.NewField("action", "zero", "share", "copy", "reuse"))
)

// maxFaultRetries bounds how often one access is retried after its fault was
// resolved.
const maxFaultRetries = 4

var (
	errNotCOW     = errors.New("page is not copy-on-write")
	errCOWPresent = errors.New("copy-on-write page is already present")
)

// Outcome is the result of handling a page fault.
type Outcome int

const (
	// Resolved means the mapping was fixed and the access can be retried.
	Resolved Outcome = iota

	// Signalled means SIGSEGV was delivered to the current task and the
	// scheduler was invoked.
	Signalled
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Signalled:
		return "signalled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// HandlePageFault handles the page fault described by frame. The faulting
// address is read from CR2 and the directory from CR3. Faults the kernel
// cannot attribute to a task panic.
func (s *System) HandlePageFault(frame *ring0.TrapFrame) Outcome {
	addr := s.cpu.CR2()
	pt := s.cpu.CR3()
	if pt == nil {
		panic(s.faultMessage(frame, addr, "no current page directory"))
	}
	if s.faultLog.IsLogging(log.Debug) {
		s.faultLog.Debugf("Page fault at %v in directory %v: %v", addr, pt.Root(), frame)
	}

	tr, ok := pt.Lookup(addr)
	if !ok {
		return s.badAccess(frame, addr, "page table not present")
	}
	if s.vmem.Contains(addr) {
		s.handleVMemFault(frame, addr, tr.Entry)
		return s.resolved(addr)
	}
	if tr.Kind == pagetables.KindAbsent && !tr.PTE.COW() {
		return s.badAccess(frame, addr, "page not mapped")
	}
	if err := s.handleCOW(tr.Entry, frame.Write()); err != nil {
		if frame.User() && frame.Write() && frame.Present() {
			return s.signal(frame, addr, err.Error())
		}
		panic(s.faultMessage(frame, addr, err.Error()))
	}
	return s.resolved(addr)
}

// badAccess signals user faults and panics on kernel faults.
func (s *System) badAccess(frame *ring0.TrapFrame, addr hostarch.Addr, reason string) Outcome {
	if frame.User() {
		return s.signal(frame, addr, reason)
	}
	panic(s.faultMessage(frame, addr, reason))
}

// signal delivers SIGSEGV to the current task and lets the scheduler pick
// what runs next.
func (s *System) signal(frame *ring0.TrapFrame, addr hostarch.Addr, reason string) Outcome {
	if s.sched == nil {
		panic(s.faultMessage(frame, addr, reason+"; no scheduler"))
	}
	pid, ok := s.sched.CurrentPID()
	if !ok {
		panic(s.faultMessage(frame, addr, reason+"; no current task"))
	}
	s.faultLog.Warningf("Sending %v to task %d: fault at %v, eip %v: %s [%s]", linux.SIGSEGV, pid, addr, frame.EIP, reason, frame.Causes())
	if err := s.sched.DeliverSignal(pid, linux.SIGSEGV); err != nil {
		panic(s.faultMessage(frame, addr, fmt.Sprintf("delivering %v to task %d: %v", linux.SIGSEGV, pid, err)))
	}
	faultOutcomes.Increment("signalled")
	s.sched.Schedule(frame)
	return Signalled
}

func (s *System) resolved(addr hostarch.Addr) Outcome {
	s.cpu.FlushSingle(addr.RoundDown())
	faultOutcomes.Increment("resolved")
	return Resolved
}

func (s *System) faultMessage(frame *ring0.TrapFrame, addr hostarch.Addr, reason string) string {
	return fmt.Sprintf("Unhandled page fault at %v (eip %v, error %#x): %s [%s]", addr, frame.EIP, frame.ErrorCode, reason, frame.Causes())
}

// handleVMemFault resolves a fault in the virtual memory window. Window
// entries populated by MapVirtualAddress alias the entry they mirror. That
// entry is given a private frame, which is then mapped writable in the
// window, so that kernel writes land in the mirrored address space only.
func (s *System) handleVMemFault(frame *ring0.TrapFrame, addr hostarch.Addr, e pagetables.Entry) {
	c := s.cache
	orig, ok := c.AliasTarget(e)
	if !ok {
		panic(s.faultMessage(frame, addr, "original page table entry is nil"))
	}
	if err := s.privatize(orig); err != nil {
		panic(s.faultMessage(frame, addr, fmt.Sprintf("resolving original entry %v: %v", orig, err)))
	}
	f := c.Load(orig).Frame()
	if err := s.main.pt.MapRange(addr.RoundDown(), f.Addr(), hostarch.PageSize, vmemFlags|pagetables.COW|pagetables.UpdAddr); err != nil {
		panic(s.faultMessage(frame, addr, err.Error()))
	}
}

// handleCOW resolves a copy-on-write entry for an access of the given kind.
// It returns an error if e is not copy-on-write.
func (s *System) handleCOW(e pagetables.Entry, write bool) error {
	c := s.cache
	pte := c.Load(e)
	switch kind := c.Kind(e); {
	case kind == pagetables.KindAlias:
		return s.resolveAlias(e, write)

	case kind == pagetables.KindShared:
		if !write || !c.SharedWritable(e) {
			return errNotCOW
		}
		return s.breakShare(e, true)

	case kind == pagetables.KindAbsent && pte.COW():
		c.ClearCOW(e)
		f, err := s.allocUserFrame()
		if err != nil {
			return err
		}
		c.Install(e, f, pte.Flags()&^pagetables.COW|pagetables.Present)
		s.mf.DecRef(f)
		cowResolutions.Increment("zero")
		return nil

	case pte.COW():
		c.ClearCOW(e)
		return errCOWPresent

	default:
		return errNotCOW
	}
}

// privatize gives e a frame referenced by no other entry.
func (s *System) privatize(e pagetables.Entry) error {
	switch s.cache.Kind(e) {
	case pagetables.KindPresent:
		return nil
	case pagetables.KindShared:
		return s.breakShare(e, s.cache.SharedWritable(e))
	default:
		return s.handleCOW(e, true)
	}
}

// resolveAlias populates an alias created by fork from the entry it mirrors.
// The flags recorded in the alias apply, whatever the mirrored entry holds.
func (s *System) resolveAlias(e pagetables.Entry, write bool) error {
	c := s.cache
	orig, _ := c.Target(e)
	op := c.Load(orig)
	flags := c.AliasFlags(e)&^pagetables.Global | pagetables.Present

	switch c.Kind(orig) {
	case pagetables.KindPresent, pagetables.KindShared:
		if !write {
			c.Share(orig, e, flags)
			cowResolutions.Increment("share")
			return nil
		}
		f, err := s.mf.Allocate(pgalloc.HighUser, 0)
		if err != nil {
			return err
		}
		if err := s.copyFrame(f, op.Frame()); err != nil {
			s.mf.DecRef(f)
			return err
		}
		c.Install(e, f, flags)
		s.mf.DecRef(f)
		cowResolutions.Increment("copy")

	default:
		f, err := s.allocUserFrame()
		if err != nil {
			return err
		}
		c.Install(e, f, flags)
		s.mf.DecRef(f)
		cowResolutions.Increment("zero")
	}
	return nil
}

// breakShare gives a shared entry its own frame, reusing the shared frame
// when nothing else references it. The entry is made writable if rw is set.
func (s *System) breakShare(e pagetables.Entry, rw bool) error {
	c := s.cache
	pte := c.Load(e)
	flags := pte.Flags()&^pagetables.COW | pagetables.Present
	if rw {
		flags |= pagetables.RW
	}
	if s.mf.Refs(pte.Frame()) == 1 {
		c.Unshare(e, flags)
		cowResolutions.Increment("reuse")
		return nil
	}
	f, err := s.mf.Allocate(pgalloc.HighUser, 0)
	if err != nil {
		return err
	}
	if err := s.copyFrame(f, pte.Frame()); err != nil {
		s.mf.DecRef(f)
		return err
	}
	c.Install(e, f, flags)
	s.mf.DecRef(f)
	cowResolutions.Increment("copy")
	return nil
}
