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

// Package linux contains the constants and types needed to interface with the
// Linux-like system call and signal surface of the kernel.
package linux

import (
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"
)

const (
	// SignalMaximum is the highest valid signal number.
	SignalMaximum = 64

	// LastStdSignal is the highest standard signal number.
	LastStdSignal = 31
)

// Signal is a signal number.
type Signal int

// IsValid returns true if s is a valid standard or realtime signal. (0 is not
// considered valid; interfaces special-casing signal number 0 should check for
// 0 first before asserting validity.)
func (s Signal) IsValid() bool {
	return s > 0 && s <= SignalMaximum
}

// Index returns the index for signal s into signal masks.
//
// Preconditions: s.IsValid().
func (s Signal) Index() int {
	return int(s - 1)
}

// String returns the conventional upper-case name of s, e.g. "SIGSEGV".
func (s Signal) String() string {
	if name := unix.SignalName(unix.Signal(s)); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(s))
}

// Signals.
const (
	SIGHUP  = Signal(1)
	SIGINT  = Signal(2)
	SIGQUIT = Signal(3)
	SIGILL  = Signal(4)
	SIGTRAP = Signal(5)
	SIGABRT = Signal(6)
	SIGBUS  = Signal(7)
	SIGFPE  = Signal(8)
	SIGKILL = Signal(9)
	SIGUSR1 = Signal(10)
	SIGSEGV = Signal(11)
	SIGUSR2 = Signal(12)
	SIGPIPE = Signal(13)
	SIGALRM = Signal(14)
	SIGTERM = Signal(15)
	SIGCHLD = Signal(17)
	SIGCONT = Signal(18)
	SIGSTOP = Signal(19)
)

// SignalSet is a signal mask with a bit corresponding to each signal.
type SignalSet uint64

// SignalSetOf returns a SignalSet with a single signal set.
func SignalSetOf(sig Signal) SignalSet {
	return SignalSet(1) << uint(sig.Index())
}

// Contains returns true if sig is a member of the set.
func (s SignalSet) Contains(sig Signal) bool {
	return s&SignalSetOf(sig) != 0
}

// ForEachSignal invokes f for each signal set in the given mask, lowest
// signal number first.
func ForEachSignal(mask SignalSet, f func(sig Signal)) {
	for m := uint64(mask); m != 0; m &= m - 1 {
		f(Signal(bits.TrailingZeros64(m) + 1))
	}
}
