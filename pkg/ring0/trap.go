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

package ring0

import (
	"fmt"
	"strings"

	"pagecore.dev/pagecore/pkg/hostarch"
)

// Vector is an exception vector.
type Vector uintptr

// Exception vectors.
const (
	GeneralProtectionFault Vector = 13
	PageFault              Vector = 14
)

// Page fault error code bits.
const (
	// ErrPresent is set for protection violations on present pages and
	// clear for accesses to non-present pages.
	ErrPresent = 0x01

	// ErrWrite is set for write accesses.
	ErrWrite = 0x02

	// ErrUser is set for accesses made in user mode.
	ErrUser = 0x04

	// ErrReserved is set when reserved entry bits were found set.
	ErrReserved = 0x08

	// ErrInstruction is set for instruction fetches.
	ErrInstruction = 0x10
)

// TrapFrame is the state pushed on an exception.
type TrapFrame struct {
	Vector    Vector
	ErrorCode uint32
	EIP       hostarch.Addr
}

// Present returns true if the fault hit a present page.
func (t *TrapFrame) Present() bool { return t.ErrorCode&ErrPresent != 0 }

// Write returns true if the fault was a write.
func (t *TrapFrame) Write() bool { return t.ErrorCode&ErrWrite != 0 }

// User returns true if the fault was raised in user mode.
func (t *TrapFrame) User() bool { return t.ErrorCode&ErrUser != 0 }

// Causes describes the error code the way the fault handler reports it.
func (t *TrapFrame) Causes() string {
	var causes []string
	if t.ErrorCode&ErrPresent == 0 {
		causes = append(causes, "Page not present")
	}
	if t.ErrorCode&ErrWrite != 0 {
		causes = append(causes, "Page is read only")
	}
	if t.ErrorCode&ErrUser != 0 {
		causes = append(causes, "Page is privileged")
	}
	if t.ErrorCode&ErrReserved != 0 {
		causes = append(causes, "Overwrote reserved bits")
	}
	if t.ErrorCode&ErrInstruction != 0 {
		causes = append(causes, "Instruction fetch")
	}
	return strings.Join(causes, ", ")
}

// String implements fmt.Stringer.String.
func (t *TrapFrame) String() string {
	return fmt.Sprintf("vector %d err %#x eip %v", t.Vector, t.ErrorCode, t.EIP)
}
