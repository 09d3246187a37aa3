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

package kernel

import (
	"fmt"

	"pagecore.dev/pagecore/pkg/abi/linux"
)

// ExitStatus is the reason a task exited.
type ExitStatus struct {
	// Code is the exit code passed to Exit.
	Code int

	// Signo is the signal that killed the task, or zero.
	Signo linux.Signal
}

// Signaled returns true if the task was killed by a signal.
func (es ExitStatus) Signaled() bool {
	return es.Signo != 0
}

// String implements fmt.Stringer.String.
func (es ExitStatus) String() string {
	if es.Signaled() {
		return fmt.Sprintf("killed by %v", es.Signo)
	}
	return fmt.Sprintf("exited with code %d", es.Code)
}

// defaultActionTerminates returns true if sig kills a task that has no
// handler. Stop signals are treated as ignored.
func defaultActionTerminates(sig linux.Signal) bool {
	switch sig {
	case linux.SIGCHLD, linux.SIGCONT, linux.SIGSTOP:
		return false
	default:
		return true
	}
}
