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

	"github.com/mohae/deepcopy"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/metric"
	"pagecore.dev/pagecore/pkg/ring0/pagetables"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

var (
	vmasCreated   = metric.MustCreateNewUint64Metric("/mm/vmas_created", "Number of virtual memory areas created.", metric.NewField("mode", "lazy", "eager"))
	vmasDestroyed = metric.MustCreateNewUint64Metric("/mm/vmas_destroyed", "Number of virtual memory areas destroyed.")
	forks         = metric.MustCreateNewUint64Metric("/mm/forks", "Number of address spaces duplicated by fork.")
)

// forkFlags are applied to every entry cloned into a child. Entries never
// gain write access through a fork.
const forkFlags = pagetables.Present | pagetables.User

// MemoryManager is a memory descriptor: a page directory and the areas
// mapped in it.
type MemoryManager struct {
	sys  *System
	pt   *pagetables.PageTables
	vmas *vmaSet
}

func newMemoryManager(sys *System, pt *pagetables.PageTables) *MemoryManager {
	return &MemoryManager{
		sys:  sys,
		pt:   pt,
		vmas: newVMASet(),
	}
}

// NewMemoryManager returns a blank memory descriptor whose directory shares
// the kernel half of the kernel directory.
func (s *System) NewMemoryManager() (*MemoryManager, error) {
	pt, err := s.main.pt.NewUser()
	if err != nil {
		return nil, fmt.Errorf("allocating page directory: %w", err)
	}
	return newMemoryManager(s, pt), nil
}

// System returns the system mm belongs to.
func (mm *MemoryManager) System() *System {
	return mm.sys
}

// PageTables returns the directory of mm. It is nil after Release.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// Activate switches the processor to the directory of mm.
func (mm *MemoryManager) Activate() {
	mm.sys.cpu.SwitchDirectory(mm.pt)
}

// mapKernel maps [virt, virt+length) to physical memory at phys in the kernel
// directory and records it as an area named name.
func (mm *MemoryManager) mapKernel(virt, phys hostarch.Addr, length uint64, flags pagetables.MapFlags, name string) (*VMA, error) {
	if err := mm.pt.MapRange(virt, phys, length, flags); err != nil {
		return nil, fmt.Errorf("mapping %s at %v: %w", name, virt, err)
	}
	v := &VMA{
		Start:  virt,
		End:    virt + hostarch.Addr(length),
		Flags:  flags &^ pagetables.UpdAddr,
		Class:  pgalloc.Kernel,
		Prot:   protFromFlags(flags),
		FD:     -1,
		Offset: uint64(phys),
		Name:   name,
	}
	mm.vmas.ReplaceOrInsert(v)
	return v, nil
}

// Fork returns a copy of mm. Pages present in mm become shared read-only
// between both descriptors and are copied on the first write. Pages not yet
// touched are aliased to the entries of mm and resolved on first touch.
func (mm *MemoryManager) Fork() (*MemoryManager, error) {
	if mm.pt.IsKernel() {
		return nil, fmt.Errorf("fork of the kernel memory manager: %w", linuxerr.EINVAL)
	}
	child, err := mm.sys.NewMemoryManager()
	if err != nil {
		return nil, err
	}
	mm.vmas.Ascend(func(v *VMA) bool {
		mm.pt.ShareRange(v.Start, v.Length())
		if err = mm.pt.CloneRange(child.pt, v.Start, v.Start, v.Length(), forkFlags); err != nil {
			return false
		}
		child.vmas.ReplaceOrInsert(deepcopy.Copy(v).(*VMA))
		return true
	})
	if err != nil {
		child.Release()
		return nil, fmt.Errorf("fork: %w", err)
	}
	forks.Increment()
	return child, nil
}

// Release frees the directory of mm, every table it owns and the references
// its entries hold. mm must not be used afterwards.
func (mm *MemoryManager) Release() {
	if mm.pt == nil {
		return
	}
	if mm.pt.IsKernel() {
		panic("release of the kernel memory manager")
	}
	if mm.sys.cpu.CR3() == mm.pt {
		mm.sys.Activate()
	}
	mm.pt.Release()
	mm.pt = nil
	mm.vmas.Clear(false)
}

// ResidentPages returns the number of pages of mm's areas backed by a frame.
func (mm *MemoryManager) ResidentPages() uint64 {
	var n uint64
	mm.vmas.Ascend(func(v *VMA) bool {
		for addr := v.Start; addr < v.End; addr += hostarch.PageSize {
			if tr, ok := mm.pt.Lookup(addr); ok && (tr.Kind == pagetables.KindPresent || tr.Kind == pagetables.KindShared) {
				n++
			}
		}
		return true
	})
	return n
}
