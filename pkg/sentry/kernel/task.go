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
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/sentry/mm"
)

// Task is a single-threaded process: an address space plus a descriptor
// table.
type Task struct {
	k      *Kernel
	tid    ThreadID
	parent ThreadID
	name   string

	// The fields below are protected by k.mu.

	// mm is nil once the task has exited.
	mm      *mm.MemoryManager
	fdTable *FDTable
	pending linux.SignalSet
	exited  bool
	status  ExitStatus
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("%d(%s)", t.tid, t.name)
}

// Kernel returns the kernel t belongs to.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadID returns t's identifier.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// Parent returns the ID of the task that forked t, or zero.
func (t *Task) Parent() ThreadID {
	return t.parent
}

// Name returns t's name.
func (t *Task) Name() string {
	return t.name
}

// MemoryManager returns t's address space, or nil if t has exited.
func (t *Task) MemoryManager() *mm.MemoryManager {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.mm
}

// FDTable returns t's descriptor table. It is empty once t has exited.
func (t *Task) FDTable() *FDTable {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.fdTable
}

// PendingSignals returns the signals queued for t.
func (t *Task) PendingSignals() linux.SignalSet {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.pending
}

// ExitStatus returns t's exit status. ok is false while t is live.
func (t *Task) ExitStatus() (status ExitStatus, ok bool) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.status, t.exited
}

// Fork creates a child of t with a copy-on-write copy of t's address space
// and a copy of its descriptor table.
func (t *Task) Fork(name string) (*Task, error) {
	m := t.MemoryManager()
	if m == nil {
		return nil, linuxerr.ESRCH
	}
	childMM, err := m.Fork()
	if err != nil {
		return nil, fmt.Errorf("forking %v: %w", t, err)
	}
	child := t.k.newTask(name, t.tid, childMM, t.FDTable().Fork())
	log.Debugf("Task %v forked %v", t, child)
	return child, nil
}

// Exit terminates t with the given code. If t was running, the next task is
// switched to.
func (t *Task) Exit(code int) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.exited {
		return
	}
	wasCurrent := k.current == t
	k.exitLocked(t, ExitStatus{Code: code})
	if wasCurrent {
		k.switchLocked(k.nextLocked())
	}
}

// Run switches to t and calls fn with its address space. If fn faults and t
// is killed, the error from fn is returned and t's exit status reports the
// signal.
func (t *Task) Run(fn func(m *mm.MemoryManager) error) error {
	if err := t.k.SwitchTo(t); err != nil {
		return err
	}
	m := t.MemoryManager()
	if m == nil {
		return linuxerr.ESRCH
	}
	return fn(m)
}
