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
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestSignalNumbersMatchHost(t *testing.T) {
	for sig, host := range map[Signal]unix.Signal{
		SIGSEGV: unix.SIGSEGV,
		SIGBUS:  unix.SIGBUS,
		SIGKILL: unix.SIGKILL,
		SIGTERM: unix.SIGTERM,
	} {
		if int(sig) != int(host) {
			t.Errorf("%v = %d, host has %d", sig, int(sig), int(host))
		}
	}
	if got := SIGSEGV.String(); got != "SIGSEGV" {
		t.Errorf("SIGSEGV.String() = %q", got)
	}
}

func TestForEachSignal(t *testing.T) {
	mask := SignalSetOf(SIGSEGV) | SignalSetOf(SIGHUP) | SignalSetOf(SIGTERM)
	var got []Signal
	ForEachSignal(mask, func(sig Signal) { got = append(got, sig) })
	if diff := cmp.Diff([]Signal{SIGHUP, SIGSEGV, SIGTERM}, got); diff != "" {
		t.Errorf("signals mismatch (-want +got):\n%s", diff)
	}
	if !mask.Contains(SIGSEGV) || mask.Contains(SIGKILL) {
		t.Errorf("Contains mismatch for mask %#x", uint64(mask))
	}
}
