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

// Package linux provides syscall tables for the i386 Linux ABI.
package linux

import (
	"pagecore.dev/pagecore/pkg/sentry/syscalls"
)

// Syscall numbers of the i386 ABI.
const (
	SYS_MMAP   = 90
	SYS_MUNMAP = 91
	SYS_MMAP2  = 192
)

// I386 is the i386 syscall table.
var I386 = &syscalls.Table{
	Name: "i386",
	Table: map[uintptr]syscalls.Syscall{
		SYS_MMAP:   {Name: "mmap", Fn: Mmap},
		SYS_MUNMAP: {Name: "munmap", Fn: Munmap},
		SYS_MMAP2:  {Name: "mmap2", Fn: Mmap2},
	},
}
