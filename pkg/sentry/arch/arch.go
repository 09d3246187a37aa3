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

// Package arch describes the 32-bit x86 system call calling convention.
package arch

import (
	"fmt"

	"pagecore.dev/pagecore/pkg/hostarch"
)

// SyscallArgument is an argument supplied to a syscall implementation. The
// methods used to access the arguments are named after the ***C type name***
// and they convert to the closest Go type available. For example, Int() refers
// to a 32-bit signed integer argument represented in Go as an int32.
//
// Using the accessor methods guarantees that the conversion between types is
// correct, taking into account size and signedness (i.e., zero-extension vs
// signed-extension).
type SyscallArgument struct {
	// Prefer to use accessor methods instead of 'Value' directly.
	Value uint32
}

// SyscallArguments represents the set of arguments passed to a syscall, in
// the order ebx, ecx, edx, esi, edi, ebp.
type SyscallArguments [6]SyscallArgument

// Pointer returns the hostarch.Addr representation of a pointer argument.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int returns the int32 representation of a 32-bit signed integer argument.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Uint returns the uint32 representation of a 32-bit unsigned integer argument.
func (a SyscallArgument) Uint() uint32 {
	return a.Value
}

// SizeT returns the zero-extended representation of a size_t argument.
func (a SyscallArgument) SizeT() uint64 {
	return uint64(a.Value)
}

// OffT returns the zero-extended representation of an off_t argument.
func (a SyscallArgument) OffT() uint64 {
	return uint64(a.Value)
}

// String implements fmt.Stringer.String.
func (a SyscallArgument) String() string {
	return fmt.Sprintf("%#x", a.Value)
}
