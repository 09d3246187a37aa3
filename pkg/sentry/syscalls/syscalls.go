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

// Package syscalls is the interface from the application to the kernel.
//
// A Table maps system call numbers to implementations. Dispatch runs an
// implementation on behalf of a task and converts its result into the
// value the task sees in its return register.
package syscalls

import (
	"golang.org/x/sys/unix"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/metric"
	"pagecore.dev/pagecore/pkg/sentry/arch"
	"pagecore.dev/pagecore/pkg/sentry/kernel"
)

var syscallCalls = metric.MustCreateNewUint64Metric("/syscalls/calls", "Number of system calls dispatched, by result.", metric.NewField("result", "ok", "error", "enosys"))

// SyscallFn is a syscall implementation.
type SyscallFn func(t *kernel.Task, args arch.SyscallArguments) (uintptr, error)

// Syscall describes one system call.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// Fn is the implementation.
	Fn SyscallFn
}

// ErrorReturn is the return register value of a failed syscall, -1 as the
// task sees it.
const ErrorReturn = ^uint32(0)

// Table is a system call table.
type Table struct {
	// Name is the ABI the table implements.
	Name string

	// Table maps syscall numbers to syscalls.
	Table map[uintptr]Syscall
}

// Lookup returns the syscall for sysno.
func (tb *Table) Lookup(sysno uintptr) (Syscall, bool) {
	s, ok := tb.Table[sysno]
	return s, ok
}

// Dispatch switches to t and runs syscall sysno. It returns the return
// register value: the result on success, or ErrorReturn and the error
// number on failure. Results such as addresses use the full register.
func (tb *Table) Dispatch(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uint32, unix.Errno) {
	s, ok := tb.Lookup(sysno)
	if !ok {
		log.Warningf("[%v] Unsupported %s syscall %d", t, tb.Name, sysno)
		syscallCalls.Increment("enosys")
		return ErrorReturn, unix.ENOSYS
	}
	if err := t.Kernel().SwitchTo(t); err != nil {
		syscallCalls.Increment("error")
		return ErrorReturn, linuxerr.ToErrno(err)
	}
	rval, err := s.Fn(t, args)
	if log.IsLogging(log.Debug) {
		log.Debugf("[%v] %s(%v, %v, %v, %v, %v, %v) = %#x, %v", t, s.Name, args[0], args[1], args[2], args[3], args[4], args[5], rval, err)
	}
	if err != nil {
		syscallCalls.Increment("error")
		return ErrorReturn, linuxerr.ToErrno(err)
	}
	syscallCalls.Increment("ok")
	return uint32(rval), 0
}
