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
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
)

// translate returns the physical address of a user access to addr on mm's
// directory, handling page faults. It returns EFAULT if a fault was turned
// into a signal.
func (mm *MemoryManager) translate(addr hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, error) {
	cpu := mm.sys.cpu
	for i := 0; i < maxFaultRetries; i++ {
		if mm.pt == nil {
			return 0, linuxerr.EFAULT
		}
		if cpu.CR3() != mm.pt {
			mm.Activate()
		}
		phys, frame := cpu.Translate(addr, at, true)
		if frame == nil {
			return phys, nil
		}
		if mm.sys.HandlePageFault(frame) == Signalled {
			return 0, linuxerr.EFAULT
		}
	}
	return 0, linuxerr.EFAULT
}

// Touch performs a single user access to addr, as the task owning mm would.
func (mm *MemoryManager) Touch(addr hostarch.Addr, write bool) error {
	at := hostarch.AccessTypeOf(write)
	_, err := mm.translate(addr, at)
	return err
}

// withUserMemory calls fn on each page-sized piece of [addr, addr+n) in
// order, after making the piece accessible for at. fn returns the number of
// bytes it consumed.
func (mm *MemoryManager) withUserMemory(addr hostarch.Addr, n int, at hostarch.AccessType, fn func(b []byte, done int) int) (int, error) {
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, linuxerr.EFAULT
	}
	mf := mm.sys.mf
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		phys, err := mm.translate(cur, at)
		if err != nil {
			return done, err
		}
		f, err := mf.FrameOf(phys)
		if err != nil {
			return done, linuxerr.EFAULT
		}
		b := mf.Bytes(f)[cur.PageOffset():]
		if rest := n - done; len(b) > rest {
			b = b[:rest]
		}
		done += fn(b, done)
	}
	return done, nil
}

// CopyOut copies src to user memory at addr, populating pages as needed.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return mm.withUserMemory(addr, len(src), hostarch.Write, func(b []byte, done int) int {
		return copy(b, src[done:])
	})
}

// CopyIn copies user memory at addr into dst, populating pages as needed.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return mm.withUserMemory(addr, len(dst), hostarch.Read, func(b []byte, done int) int {
		return copy(dst[done:], b)
	})
}
