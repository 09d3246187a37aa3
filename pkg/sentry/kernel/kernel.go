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

// Package kernel provides tasks, their file descriptor tables and the
// scheduler that the memory manager delivers fault signals through.
//
// The scheduler is cooperative. A task runs when it is switched to, either
// explicitly or by Schedule, which also acts on pending signals.
package kernel

import (
	"sync"

	"pagecore.dev/pagecore/pkg/abi/linux"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/metric"
	"pagecore.dev/pagecore/pkg/ring0"
	"pagecore.dev/pagecore/pkg/sentry/mm"
)

var (
	tasksCreated     = metric.MustCreateNewUint64Metric("/kernel/tasks_created", "Number of tasks created.")
	tasksExited      = metric.MustCreateNewUint64Metric("/kernel/tasks_exited", "Number of tasks that exited, by cause.", metric.NewField("cause", "exit", "signal"))
	signalsDelivered = metric.MustCreateNewUint64Metric("/kernel/signals_delivered", "Number of signals queued to tasks.")
)

// ThreadID is a task identifier. Identifiers start at 1 and are never reused.
type ThreadID int32

// Kernel owns the task set and implements mm.Scheduler.
type Kernel struct {
	sys *mm.System

	// mu protects the fields below and the mutable fields of every Task.
	mu sync.Mutex

	// tasks holds the live tasks in ThreadID order.
	tasks []*Task

	// byTID holds every task ever created, including exited ones.
	byTID map[ThreadID]*Task

	// current is the running task, or nil if the kernel is idle.
	current *Task

	// lastRun is the last task switched to. Round robin resumes after it.
	lastRun ThreadID

	lastTID ThreadID
}

var _ mm.Scheduler = (*Kernel)(nil)

// New returns a kernel that schedules tasks on sys and registers itself as
// the fault handler's scheduler.
func New(sys *mm.System) *Kernel {
	k := &Kernel{
		sys:   sys,
		byTID: make(map[ThreadID]*Task),
	}
	sys.SetScheduler(k)
	return k
}

// System returns the memory system the kernel runs on.
func (k *Kernel) System() *mm.System {
	return k.sys
}

// CreateTask creates a task with a blank address space and an empty
// descriptor table. The task does not run until it is switched to.
func (k *Kernel) CreateTask(name string) (*Task, error) {
	m, err := k.sys.NewMemoryManager()
	if err != nil {
		return nil, err
	}
	return k.newTask(name, 0, m, NewFDTable()), nil
}

func (k *Kernel) newTask(name string, parent ThreadID, m *mm.MemoryManager, fdTable *FDTable) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastTID++
	t := &Task{
		k:       k,
		tid:     k.lastTID,
		parent:  parent,
		name:    name,
		mm:      m,
		fdTable: fdTable,
	}
	k.tasks = append(k.tasks, t)
	k.byTID[t.tid] = t
	tasksCreated.Increment()
	log.Debugf("Created task %v", t)
	return t
}

// TaskWithID returns the task with the given ID, or nil.
func (k *Kernel) TaskWithID(tid ThreadID) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.byTID[tid]
}

// Tasks returns the live tasks in ThreadID order.
func (k *Kernel) Tasks() []*Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*Task(nil), k.tasks...)
}

// CurrentTask returns the running task, or nil.
func (k *Kernel) CurrentTask() *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// CurrentPID implements mm.Scheduler.CurrentPID.
func (k *Kernel) CurrentPID() (int32, bool) {
	t := k.CurrentTask()
	if t == nil {
		return 0, false
	}
	return int32(t.tid), true
}

// DeliverSignal implements mm.Scheduler.DeliverSignal. The signal is acted on
// at the next schedule point.
func (k *Kernel) DeliverSignal(pid int32, sig linux.Signal) error {
	if !sig.IsValid() {
		return linuxerr.EINVAL
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.byTID[ThreadID(pid)]
	if !ok || t.exited {
		return linuxerr.ESRCH
	}
	t.pending |= linux.SignalSetOf(sig)
	signalsDelivered.Increment()
	return nil
}

// Schedule implements mm.Scheduler.Schedule. It terminates every task with a
// pending fatal signal and switches to the next live task. frame is the trap
// that led here, or nil for a voluntary yield.
func (k *Kernel) Schedule(frame *ring0.TrapFrame) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, t := range append([]*Task(nil), k.tasks...) {
		k.handleSignalsLocked(t, frame)
	}
	k.switchLocked(k.nextLocked())
}

// SwitchTo makes t the running task and loads its page directory.
func (k *Kernel) SwitchTo(t *Task) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.k != k || t.exited {
		return linuxerr.ESRCH
	}
	k.switchLocked(t)
	return nil
}

// Preconditions: k.mu must be locked.
func (k *Kernel) nextLocked() *Task {
	if len(k.tasks) == 0 {
		return nil
	}
	for _, t := range k.tasks {
		if t.tid > k.lastRun {
			return t
		}
	}
	return k.tasks[0]
}

// Preconditions: k.mu must be locked.
func (k *Kernel) switchLocked(t *Task) {
	k.current = t
	if t == nil {
		k.sys.Activate()
		return
	}
	k.lastRun = t.tid
	t.mm.Activate()
}

// Preconditions: k.mu must be locked.
func (k *Kernel) handleSignalsLocked(t *Task, frame *ring0.TrapFrame) {
	pending := t.pending
	t.pending = 0
	var fatal linux.Signal
	linux.ForEachSignal(pending, func(sig linux.Signal) {
		if fatal == 0 && defaultActionTerminates(sig) {
			fatal = sig
		}
	})
	if fatal == 0 {
		return
	}
	if frame != nil && t == k.current {
		log.Infof("Task %v killed by %v (%v)", t, fatal, frame)
	} else {
		log.Infof("Task %v killed by %v", t, fatal)
	}
	k.exitLocked(t, ExitStatus{Signo: fatal})
}

// exitLocked releases t's resources and removes it from the run order.
//
// Preconditions: k.mu must be locked. t must be live.
func (k *Kernel) exitLocked(t *Task, status ExitStatus) {
	t.exited = true
	t.status = status
	for i, other := range k.tasks {
		if other == t {
			k.tasks = append(k.tasks[:i], k.tasks[i+1:]...)
			break
		}
	}
	if k.current == t {
		k.current = nil
	}
	t.mm.Release()
	t.mm = nil
	t.fdTable.Release()
	if status.Signaled() {
		tasksExited.Increment("signal")
	} else {
		tasksExited.Increment("exit")
	}
}
