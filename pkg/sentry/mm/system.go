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

// Package mm implements process address spaces on top of two-level page
// tables: virtual memory areas, demand paging with copy-on-write, fork, and
// the mmap and munmap front end.
//
// Lock order: callers serialize all operations on a System and the memory
// managers created from it.
package mm

import (
	"fmt"
	"time"

	"pagecore.dev/pagecore/pkg/abi/linux"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/ring0"
	"pagecore.dev/pagecore/pkg/ring0/pagetables"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// Kernel address space layout.
const (
	// BootRegionSize is the low physical memory reserved for firmware and
	// the boot loader.
	BootRegionSize = 1 << 20

	// VMemStart is the first address of the virtual memory window.
	VMemStart hostarch.Addr = 0xf8000000

	// VMemSize is the size of the virtual memory window.
	VMemSize = 32 << 20

	// MaxLowMem is the largest low memory that fits between the kernel base
	// and the virtual memory window.
	MaxLowMem = uint64(VMemStart - pgalloc.KernelBase)
)

// Scheduler is the task-level collaborator of the fault handler.
type Scheduler interface {
	// CurrentPID returns the PID of the running task. ok is false if no
	// task is running.
	CurrentPID() (pid int32, ok bool)

	// DeliverSignal queues sig for task pid.
	DeliverSignal(pid int32, sig linux.Signal) error

	// Schedule is called after a fault has been turned into a signal. It
	// chooses the task to continue with; the faulting instruction is not
	// retried.
	Schedule(frame *ring0.TrapFrame)
}

// Options configures a System.
type Options struct {
	// KernelImageSize is the size of the kernel image loaded right after
	// the boot region.
	KernelImageSize uint64

	// FaultLogInterval is the minimum interval between fault reports.
	// Zero reports every fault.
	FaultLogInterval time.Duration
}

// System is the machine-wide memory state: physical memory, the page table
// cache, the processor, the kernel memory manager and the virtual memory
// window.
type System struct {
	mf    *pgalloc.MemoryFile
	cache *pagetables.Cache
	cpu   *ring0.CPU
	main  *MemoryManager
	vmem  *VMem
	sched Scheduler

	// faultLog reports faults turned into signals.
	faultLog log.Logger

	// kernelEnd is the end of the reserved boot region and kernel image.
	kernelEnd hostarch.Addr
}

// NewSystem boots the memory core on mf: it reserves the boot region and
// kernel image, builds the kernel directory, maps low memory at
// pgalloc.KernelBase, sets up the virtual memory window and enables paging.
func NewSystem(mf *pgalloc.MemoryFile, opts Options) (*System, error) {
	low := uint64(mf.LowFrames()) * hostarch.PageSize
	if low > MaxLowMem {
		return nil, fmt.Errorf("low memory %#x exceeds the %#x bytes below the virtual memory window", low, MaxLowMem)
	}
	kernelEnd, ok := hostarch.PageRoundUp(BootRegionSize + opts.KernelImageSize)
	if !ok || kernelEnd >= low {
		return nil, fmt.Errorf("kernel image of %#x bytes does not fit in %#x bytes of low memory", opts.KernelImageSize, low)
	}
	if err := mf.Reserve(0, pgalloc.Frame(kernelEnd/hostarch.PageSize)); err != nil {
		return nil, err
	}

	cache := pagetables.NewCache(mf, nil)
	kpt, err := pagetables.New(cache)
	if err != nil {
		return nil, fmt.Errorf("allocating kernel directory: %w", err)
	}
	cpu := ring0.NewCPU(nil)
	cache.SetInvalidator(cpu)

	s := &System{
		mf:        mf,
		cache:     cache,
		cpu:       cpu,
		faultLog:  log.BasicRateLimitedLogger(opts.FaultLogInterval),
		kernelEnd: hostarch.Addr(kernelEnd),
	}
	s.main = newMemoryManager(s, kpt)

	const kflags = pagetables.Present | pagetables.RW | pagetables.Global
	if _, err := s.main.mapKernel(pgalloc.KernelBase, 0, kernelEnd, kflags|pagetables.UpdAddr, "[kernel]"); err != nil {
		return nil, err
	}
	if _, err := s.main.mapKernel(pgalloc.KernelBase+hostarch.Addr(kernelEnd), hostarch.Addr(kernelEnd), low-kernelEnd, kflags|pagetables.UpdAddr, "[lowmem]"); err != nil {
		return nil, err
	}
	if s.vmem, err = newVMem(s.main, VMemStart, VMemSize); err != nil {
		return nil, err
	}
	cpu.SwitchDirectory(kpt)

	log.Infof("Paging enabled: kernel %v-%v, lowmem to %v, vmem window %v-%v",
		pgalloc.KernelBase, pgalloc.KernelBase+hostarch.Addr(kernelEnd),
		pgalloc.KernelBase+hostarch.Addr(low), VMemStart, VMemStart+VMemSize)
	return s, nil
}

// SetScheduler installs the scheduler used to deliver fault signals.
func (s *System) SetScheduler(sched Scheduler) {
	s.sched = sched
}

// MemoryFile returns the frame service.
func (s *System) MemoryFile() *pgalloc.MemoryFile {
	return s.mf
}

// Cache returns the page table cache.
func (s *System) Cache() *pagetables.Cache {
	return s.cache
}

// CPU returns the processor.
func (s *System) CPU() *ring0.CPU {
	return s.cpu
}

// Main returns the kernel memory manager.
func (s *System) Main() *MemoryManager {
	return s.main
}

// VMem returns the virtual memory window.
func (s *System) VMem() *VMem {
	return s.vmem
}

// KernelEnd returns the physical end of the boot region and kernel image.
func (s *System) KernelEnd() hostarch.Addr {
	return s.kernelEnd
}

// Activate switches the processor to the kernel directory.
func (s *System) Activate() {
	s.cpu.SwitchDirectory(s.main.pt)
}

// KernelAccess performs a supervisor-mode access to addr through the current
// directory, handling any page fault. Unresolvable kernel faults panic.
func (s *System) KernelAccess(addr hostarch.Addr, write bool) (hostarch.Addr, Outcome) {
	at := hostarch.AccessTypeOf(write)
	outcome := Resolved
	for i := 0; i < maxFaultRetries; i++ {
		phys, frame := s.cpu.Translate(addr, at, false)
		if frame == nil {
			return phys, outcome
		}
		if outcome = s.HandlePageFault(frame); outcome != Resolved {
			return 0, outcome
		}
	}
	panic(fmt.Sprintf("kernel access to %v still faults after %d retries", addr, maxFaultRetries))
}

// kernelBytes returns the memory of the page mapped at kernel address va.
func (s *System) kernelBytes(va hostarch.Addr) []byte {
	phys, _ := s.KernelAccess(va, true)
	f, err := s.mf.FrameOf(phys)
	if err != nil {
		panic(fmt.Sprintf("kernel address %v maps outside memory: %v", va, err))
	}
	return s.mf.Bytes(f)
}

// zeroFrame clears f through a temporary kernel mapping.
func (s *System) zeroFrame(f pgalloc.Frame) error {
	va, err := s.vmem.MapPhysicalPages(f, 1)
	if err != nil {
		return err
	}
	clear(s.kernelBytes(va))
	return s.vmem.UnmapVirtualAddress(va)
}

// copyFrame copies the contents of src to dst through temporary kernel
// mappings.
func (s *System) copyFrame(dst, src pgalloc.Frame) (err error) {
	dva, err := s.vmem.MapPhysicalPages(dst, 1)
	if err != nil {
		return err
	}
	defer s.unmapWindow(dva, &err)
	sva, err := s.vmem.MapPhysicalPages(src, 1)
	if err != nil {
		return err
	}
	defer s.unmapWindow(sva, &err)
	copy(s.kernelBytes(dva), s.kernelBytes(sva))
	return nil
}

// unmapWindow unmaps the window mapping at va. A failure is stored in *errp
// unless an earlier error is already there.
func (s *System) unmapWindow(va hostarch.Addr, errp *error) {
	if err := s.vmem.UnmapVirtualAddress(va); err != nil && *errp == nil {
		*errp = err
	}
}

// allocUserFrame allocates a zeroed high user frame.
func (s *System) allocUserFrame() (pgalloc.Frame, error) {
	f, err := s.mf.Allocate(pgalloc.HighUser, 0)
	if err != nil {
		return 0, err
	}
	if err := s.zeroFrame(f); err != nil {
		s.mf.DecRef(f)
		return 0, err
	}
	return f, nil
}
