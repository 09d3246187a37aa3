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

// Package pgalloc contains the physical frame allocator: a fixed-size block of
// simulated physical memory divided into 4 KiB frames, with a frame
// descriptor table tracking references and allocation blocks.
package pgalloc

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/metric"
)

// Frame is a physical page frame number.
type Frame uint32

// Addr returns the physical address of the first byte of f.
func (f Frame) Addr() hostarch.Addr {
	return hostarch.Addr(f) << hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("pfn %#x", uint32(f))
}

// AllocClass selects the zone an allocation is served from.
type AllocClass int

const (
	// Kernel allocations come from low memory, which has a permanent kernel
	// virtual address.
	Kernel AllocClass = iota

	// HighUser allocations prefer high memory and fall back to low memory.
	// High memory frames have no permanent kernel address and must be
	// mapped temporarily to be accessed by the kernel.
	HighUser
)

// String implements fmt.Stringer.String.
func (c AllocClass) String() string {
	switch c {
	case Kernel:
		return "kernel"
	case HighUser:
		return "highuser"
	default:
		return fmt.Sprintf("AllocClass(%d)", int(c))
	}
}

// KernelBase is the kernel virtual address at which low memory is linearly
// mapped.
const KernelBase hostarch.Addr = 0xc0000000

// MaxOrder is the largest supported allocation order.
const MaxOrder = 10

// ErrExhausted is returned when no free block of the requested order
// exists. It translates to ENOMEM.
var ErrExhausted = errors.New("physical memory exhausted")

func init() {
	linuxerr.AddErrorTranslation(ErrExhausted, linuxerr.ENOMEM)
}

var (
	allocations = metric.MustCreateNewUint64Metric("/pgalloc/allocations", "Number of frame blocks allocated.", metric.NewField("class", "kernel", "highuser"))
	frees       = metric.MustCreateNewUint64Metric("/pgalloc/frees", "Number of frames returned to the free pool.")
	exhausted   = metric.MustCreateNewUint64Metric("/pgalloc/exhausted", "Number of allocations that failed for lack of frames.")
)

// frameDesc describes one physical frame.
type frameDesc struct {
	// refs is the number of users of the frame. Zero means free.
	refs uint32

	// order is the order of the allocation block the frame belongs to.
	order uint8

	// reserved frames are never allocated or freed.
	reserved bool
}

// Options configures a MemoryFile.
type Options struct {
	// Size is the amount of physical memory in bytes.
	Size uint64

	// LowMemSize is the amount of low memory in bytes, starting at physical
	// address zero. It must not exceed Size.
	LowMemSize uint64
}

// Usage is a point-in-time summary of frame usage.
type Usage struct {
	Total    uint32
	Free     uint32
	Reserved uint32
	Low      uint32
	High     uint32
}

// MemoryFile is the simulated physical memory and its frame descriptor table.
type MemoryFile struct {
	// mapping is the host memory backing every frame.
	mapping []byte

	// lowFrames is the number of frames in low memory.
	lowFrames uint32

	// mu protects the fields below.
	mu sync.Mutex

	// frames is the frame descriptor table.
	frames []frameDesc

	// free is the number of free frames.
	free uint32

	// hint is the next-fit search start for each zone.
	hint [2]uint32
}

// NewMemoryFile creates a MemoryFile of opts.Size bytes, backed by anonymous
// host memory.
func NewMemoryFile(opts Options) (*MemoryFile, error) {
	if opts.Size == 0 || opts.Size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not a positive multiple of the page size", opts.Size)
	}
	if opts.Size > hostarch.AddressSpaceSize-hostarch.PageSize {
		return nil, fmt.Errorf("memory size %#x exceeds the physical address space", opts.Size)
	}
	if opts.LowMemSize == 0 || opts.LowMemSize > opts.Size || opts.LowMemSize%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("low memory size %#x must be a page multiple in (0, %#x]", opts.LowMemSize, opts.Size)
	}
	if opts.LowMemSize > uint64(hostarch.AddressSpaceSize)-uint64(KernelBase) {
		return nil, fmt.Errorf("low memory size %#x does not fit above kernel base %v", opts.LowMemSize, KernelBase)
	}
	m, err := unix.Mmap(-1, 0, int(opts.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %#x bytes of physical memory: %w", opts.Size, err)
	}
	n := uint32(opts.Size / hostarch.PageSize)
	f := &MemoryFile{
		mapping:   m,
		lowFrames: uint32(opts.LowMemSize / hostarch.PageSize),
		frames:    make([]frameDesc, n),
		free:      n,
	}
	f.hint[HighUser] = f.lowFrames
	log.Infof("Physical memory: %d frames, %d low, backing %#x bytes", n, f.lowFrames, len(m))
	return f, nil
}

// Destroy releases the host memory backing f. f must not be used afterwards.
func (f *MemoryFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapping == nil {
		return nil
	}
	err := unix.Munmap(f.mapping)
	f.mapping = nil
	return err
}

// NumFrames returns the number of physical frames.
func (f *MemoryFile) NumFrames() uint32 {
	return uint32(len(f.frames))
}

// LowFrames returns the number of frames in low memory.
func (f *MemoryFile) LowFrames() uint32 {
	return f.lowFrames
}

// Reserve marks frames [start, end) as permanently in use. Frames that are
// already allocated stay allocated but become reserved.
func (f *MemoryFile) Reserve(start, end Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if start > end || uint32(end) > uint32(len(f.frames)) {
		return fmt.Errorf("reserve [%v, %v): %w", start, end, linuxerr.EINVAL)
	}
	for i := start; i < end; i++ {
		d := &f.frames[i]
		if d.refs == 0 {
			f.free--
		}
		d.refs = 1
		d.reserved = true
	}
	return nil
}

// zone returns the frame range served first for class.
func (f *MemoryFile) zone(class AllocClass) (uint32, uint32) {
	if class == HighUser && f.lowFrames < uint32(len(f.frames)) {
		return f.lowFrames, uint32(len(f.frames))
	}
	return 0, f.lowFrames
}

// findFree searches [lo, hi) for a free, aligned run of n frames, starting at
// the zone hint. Preconditions: f.mu is locked.
func (f *MemoryFile) findFree(lo, hi, n, hint uint32) (uint32, bool) {
	first := (lo + n - 1) &^ (n - 1)
	hint &^= n - 1
	if hint < first || hint >= hi {
		hint = first
	}
	for pass := 0; pass < 2; pass++ {
		start, end := hint, hi
		if pass == 1 {
			start, end = first, hint+n
			if end > hi {
				end = hi
			}
		}
		for base := start; base+n <= end; base += n {
			ok := true
			for i := base; i < base+n; i++ {
				if f.frames[i].refs != 0 {
					ok = false
					break
				}
			}
			if ok {
				return base, true
			}
		}
	}
	return 0, false
}

// Allocate allocates a block of 1<<order contiguous frames and returns the
// first. Each frame of the block starts with one reference. The contents of
// the frames are unspecified.
func (f *MemoryFile) Allocate(class AllocClass, order uint) (Frame, error) {
	if order > MaxOrder {
		return 0, fmt.Errorf("allocation order %d: %w", order, linuxerr.EINVAL)
	}
	n := uint32(1) << order

	f.mu.Lock()
	defer f.mu.Unlock()

	lo, hi := f.zone(class)
	base, ok := f.findFree(lo, hi, n, f.hint[class])
	if !ok && class == HighUser && lo != 0 {
		// Fall back to low memory.
		base, ok = f.findFree(0, f.lowFrames, n, f.hint[Kernel])
	}
	if !ok {
		exhausted.Increment()
		return 0, ErrExhausted
	}
	for i := base; i < base+n; i++ {
		f.frames[i] = frameDesc{refs: 1, order: uint8(order)}
	}
	f.free -= n
	if base >= f.lowFrames {
		f.hint[HighUser] = base + n
	} else {
		f.hint[Kernel] = base + n
	}
	allocations.Increment(class.String())
	return Frame(base), nil
}

// descLocked returns the descriptor for fr. Preconditions: f.mu is locked.
func (f *MemoryFile) descLocked(fr Frame) *frameDesc {
	if uint32(fr) >= uint32(len(f.frames)) {
		panic(fmt.Sprintf("%v out of range (%d frames)", fr, len(f.frames)))
	}
	return &f.frames[fr]
}

// IncRef adds a reference to an allocated frame.
func (f *MemoryFile) IncRef(fr Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.descLocked(fr)
	if d.refs == 0 {
		panic(fmt.Sprintf("IncRef on free %v", fr))
	}
	if d.reserved {
		return
	}
	d.refs++
}

// DecRef drops a reference to a frame, freeing it when the last reference is
// dropped. Reserved frames are unaffected.
func (f *MemoryFile) DecRef(fr Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.descLocked(fr)
	if d.reserved {
		return
	}
	if d.refs == 0 {
		panic(fmt.Sprintf("DecRef on free %v", fr))
	}
	d.refs--
	if d.refs == 0 {
		d.order = 0
		f.free++
		frees.Increment()
	}
}

// Refs returns the reference count of fr.
func (f *MemoryFile) Refs(fr Frame) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descLocked(fr).refs
}

// BlockSize returns the size in bytes of the allocation block containing fr.
func (f *MemoryFile) BlockSize(fr Frame) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(hostarch.PageSize) << f.descLocked(fr).order
}

// PhysicalAddress returns the physical address of fr.
func (f *MemoryFile) PhysicalAddress(fr Frame) hostarch.Addr {
	return fr.Addr()
}

// FrameOf returns the frame containing physical address addr.
func (f *MemoryFile) FrameOf(addr hostarch.Addr) (Frame, error) {
	fr := Frame(addr >> hostarch.PageShift)
	if uint32(fr) >= uint32(len(f.frames)) {
		return 0, linuxerr.EFAULT
	}
	return fr, nil
}

// IsLowMem returns true if fr has a permanent kernel address.
func (f *MemoryFile) IsLowMem(fr Frame) bool {
	return uint32(fr) < f.lowFrames
}

// KernelAddress returns the permanent kernel virtual address of fr. Only low
// memory frames have one.
func (f *MemoryFile) KernelAddress(fr Frame) (hostarch.Addr, error) {
	if !f.IsLowMem(fr) {
		return 0, linuxerr.EFAULT
	}
	return KernelBase + fr.Addr(), nil
}

// FrameOfKernelAddress is the inverse of KernelAddress.
func (f *MemoryFile) FrameOfKernelAddress(addr hostarch.Addr) (Frame, error) {
	if addr < KernelBase {
		return 0, linuxerr.EFAULT
	}
	fr := Frame((addr - KernelBase) >> hostarch.PageShift)
	if !f.IsLowMem(fr) {
		return 0, linuxerr.EFAULT
	}
	return fr, nil
}

// Bytes returns the host memory backing fr. The slice aliases physical
// memory; writes through it are writes to the frame.
func (f *MemoryFile) Bytes(fr Frame) []byte {
	if uint32(fr) >= uint32(len(f.frames)) {
		panic(fmt.Sprintf("%v out of range (%d frames)", fr, len(f.frames)))
	}
	off := uint64(fr) << hostarch.PageShift
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Zero clears the contents of fr.
func (f *MemoryFile) Zero(fr Frame) {
	clear(f.Bytes(fr))
}

// Usage returns the current frame usage.
func (f *MemoryFile) Usage() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := Usage{Total: uint32(len(f.frames)), Free: f.free}
	for i, d := range f.frames {
		switch {
		case d.reserved:
			u.Reserved++
		case d.refs == 0:
		case uint32(i) < f.lowFrames:
			u.Low++
		default:
			u.High++
		}
	}
	return u
}
