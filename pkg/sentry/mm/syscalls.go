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

	"pagecore.dev/pagecore/pkg/abi/linux"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/ring0/pagetables"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// mmapFlags are the page flags of every mmap area: populated on demand and
// copied on write after fork.
const mmapFlags = pagetables.Present | pagetables.RW | pagetables.COW | pagetables.User

// File is an open file as seen by mmap.
type File interface {
	// Size returns the current size of the file in bytes.
	Size() (int64, error)

	// Inode returns the inode number of the file.
	Inode() uint64

	// Name returns the name shown for mappings of the file.
	Name() string
}

// FileTable resolves file descriptors.
type FileTable interface {
	// Get returns the file open at fd.
	Get(fd int32) (File, bool)
}

// MMapOpts specifies a memory mapping request.
type MMapOpts struct {
	// Addr is the requested start address. It is used only if it is
	// nonzero and the whole range is free.
	Addr hostarch.Addr

	// Length is the length of the mapping in bytes.
	Length uint64

	// Prot is the requested protection (linux.PROT_*). It is recorded but
	// does not narrow the page flags.
	Prot uint32

	// Flags are the mapping flags (linux.MAP_*).
	Flags uint32

	// FD is the file to map. It is ignored for MAP_ANONYMOUS mappings.
	FD int32

	// Offset is the offset into the file.
	Offset uint64
}

// MMap establishes a memory mapping. No frame is allocated: pages are
// populated by the fault handler on first touch.
func (mm *MemoryManager) MMap(files FileTable, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}

	fd, name, ino := int32(-1), "", uint64(0)
	if opts.Flags&linux.MAP_ANONYMOUS == 0 {
		f, ok := files.Get(opts.FD)
		if !ok {
			log.Debugf("mmap: invalid file descriptor %d", opts.FD)
			return 0, linuxerr.EBADF
		}
		size, err := f.Size()
		if err != nil {
			return 0, fmt.Errorf("mmap: stat of fd %d: %w", opts.FD, err)
		}
		if end := opts.Offset + opts.Length; end < opts.Offset || end > uint64(size) {
			log.Debugf("mmap: fd %d of %d bytes too small for %#x+%#x", opts.FD, size, opts.Offset, opts.Length)
			return 0, linuxerr.EINVAL
		}
		fd, name, ino = opts.FD, f.Name(), f.Inode()
	} else {
		opts.Offset = 0
	}

	start := opts.Addr
	if end, ok := start.AddLength(length); start == 0 || !ok || !mm.IsValidRange(start, end) {
		var err error
		if start, err = mm.FindFree(length); err != nil {
			return 0, err
		}
	}
	v, err := mm.CreateVMA(start, length, mmapFlags, pgalloc.HighUser)
	if err != nil {
		return 0, err
	}
	v.Prot = opts.Prot
	v.VMFlags = opts.Flags
	v.FD = fd
	v.Inode = ino
	v.Offset = opts.Offset
	v.Name = name
	return v.Start, nil
}

// MUnmap destroys the area that starts at addr and spans length bytes,
// rounded up to whole pages. It returns false if no area matches exactly.
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) (bool, error) {
	if !addr.IsPageAligned() || length == 0 {
		return false, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(length)
	if !ok {
		return false, linuxerr.EINVAL
	}
	if _, ok := addr.AddLength(length); !ok {
		return false, linuxerr.EINVAL
	}

	var match *VMA
	mm.AreasReverse(func(v *VMA) bool {
		if v.Start == addr && v.Length() == length {
			match = v
			return false
		}
		return true
	})
	if match == nil {
		log.Debugf("munmap: no area at %v of length %#x", addr, length)
		return false, nil
	}
	if err := mm.DestroyVMA(match); err != nil {
		return false, err
	}
	return true, nil
}
