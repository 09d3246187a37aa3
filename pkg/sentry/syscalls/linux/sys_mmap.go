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

package linux

import (
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/sentry/arch"
	"pagecore.dev/pagecore/pkg/sentry/kernel"
	"pagecore.dev/pagecore/pkg/sentry/mm"
)

// Mmap implements linux syscall mmap(2) with a byte offset.
func Mmap(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	return mmap(t, args, args[5].OffT())
}

// Mmap2 implements linux syscall mmap2(2), whose offset is in pages.
func Mmap2(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	return mmap(t, args, args[5].OffT()*hostarch.PageSize)
}

func mmap(t *kernel.Task, args arch.SyscallArguments, offset uint64) (uintptr, error) {
	m := t.MemoryManager()
	if m == nil {
		return 0, linuxerr.ESRCH
	}
	addr, err := m.MMap(t.FDTable(), mm.MMapOpts{
		Addr:   args[0].Pointer(),
		Length: args[1].SizeT(),
		Prot:   args[2].Uint(),
		Flags:  args[3].Uint(),
		FD:     args[4].Int(),
		Offset: offset,
	})
	return uintptr(addr), err
}

// Munmap implements linux syscall munmap(2). Only whole mappings are
// removed: it returns 0 if [addr, addr+length) is exactly one mapping and 1
// if no mapping matches.
func Munmap(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	m := t.MemoryManager()
	if m == nil {
		return 0, linuxerr.ESRCH
	}
	removed, err := m.MUnmap(args[0].Pointer(), args[1].SizeT())
	if err != nil {
		return 0, err
	}
	if !removed {
		return 1, nil
	}
	return 0, nil
}
