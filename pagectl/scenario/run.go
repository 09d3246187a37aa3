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

package scenario

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/sentry/arch"
	"pagecore.dev/pagecore/pkg/sentry/kernel"
	"pagecore.dev/pagecore/pkg/sentry/mm"
	"pagecore.dev/pagecore/pkg/sentry/syscalls/linux"
)

// Outcomes that are not error or signal names.
const (
	OutcomeOK      = "ok"
	OutcomeNoMatch = "nomatch"

	// OutcomeInvalid is a step that could not be performed as written.
	OutcomeInvalid = "invalid"
)

// Result is the outcome of one step.
type Result struct {
	// Index is the step's position in the scenario.
	Index int
	Task  string
	Op    string

	// Outcome is what happened, in the vocabulary of Step.Expect.
	Outcome string

	// Detail is additional output, such as the address returned by mmap.
	Detail string

	// Err is non-nil if the outcome differs from the expectation.
	Err error
}

// String implements fmt.Stringer.String.
func (r Result) String() string {
	s := fmt.Sprintf("#%d %s %s: %s", r.Index, r.Task, r.Op, r.Outcome)
	if r.Detail != "" {
		s += " " + r.Detail
	}
	if r.Err != nil {
		s += fmt.Sprintf(" (FAIL: %v)", r.Err)
	}
	return s
}

type runner struct {
	k     *kernel.Kernel
	tasks map[string]*kernel.Task
	vars  map[string]hostarch.Addr
}

// Run executes sc on k. Files are created in dir. It returns a result per
// step; the error reports setup failures and the number of steps whose
// outcome differed from the expectation.
func (sc *Scenario) Run(k *kernel.Kernel, dir string) ([]Result, error) {
	r := &runner{
		k:     k,
		tasks: make(map[string]*kernel.Task),
		vars:  make(map[string]hostarch.Addr),
	}
	files := make([]*kernel.HostFile, 0, len(sc.Files))
	defer func() {
		for _, f := range files {
			f.DecRef()
		}
	}()
	for _, f := range sc.Files {
		path := filepath.Join(dir, f.Path)
		if err := os.WriteFile(path, make([]byte, f.Size), 0644); err != nil {
			return nil, fmt.Errorf("creating %q: %w", path, err)
		}
		hf, err := kernel.OpenHostFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, hf)
	}
	for _, name := range sc.Tasks {
		t, err := k.CreateTask(name)
		if err != nil {
			return nil, fmt.Errorf("creating task %q: %w", name, err)
		}
		for i, f := range sc.Files {
			fd, err := t.FDTable().NewFD(f.FD, files[i])
			if err != nil {
				return nil, fmt.Errorf("installing %q in %v: %w", f.Path, t, err)
			}
			if fd != f.FD {
				return nil, fmt.Errorf("installing %q in %v: descriptor %d is in use", f.Path, t, f.FD)
			}
		}
		r.tasks[name] = t
	}
	log.Infof("Running scenario %q: %d tasks, %d steps", sc.Name, len(sc.Tasks), len(sc.Steps))

	results := make([]Result, 0, len(sc.Steps))
	failed := 0
	for i, st := range sc.Steps {
		res := r.step(i, st)
		if res.Err != nil {
			failed++
			log.Warningf("Scenario %q: %v", sc.Name, res)
		} else {
			log.Debugf("Scenario %q: %v", sc.Name, res)
		}
		results = append(results, res)
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d steps failed", failed, len(sc.Steps))
	}
	return results, nil
}

func (r *runner) step(i int, st Step) Result {
	res := Result{Index: i, Task: st.Task, Op: st.Op}
	t, ok := r.tasks[st.Task]
	if !ok {
		res.Outcome = "ESRCH"
		res.Err = fmt.Errorf("task %q does not exist", st.Task)
		return res
	}
	outcome, detail, err := r.do(t, st)
	if err != nil {
		outcome, detail = OutcomeInvalid, err.Error()
	}
	res.Outcome, res.Detail = outcome, detail
	want := st.Expect
	if want == "" {
		want = OutcomeOK
	}
	switch {
	case outcome == want:
	case err != nil:
		res.Err = err
	default:
		res.Err = fmt.Errorf("got %s, want %s", outcome, want)
	}
	return res
}

// do performs one step. err reports a malformed step, not a failed
// operation.
func (r *runner) do(t *kernel.Task, st Step) (outcome, detail string, err error) {
	addr, err := parseAddr(st.Addr, r.vars)
	if err != nil {
		return "", "", err
	}
	if _, exited := t.ExitStatus(); exited {
		return "ESRCH", "", nil
	}
	switch st.Op {
	case "mmap":
		prot, err := parseProt(st.Prot)
		if err != nil {
			return "", "", err
		}
		flags, err := parseFlags(st.Flags)
		if err != nil {
			return "", "", err
		}
		ret, errno := linux.I386.Dispatch(t, linux.SYS_MMAP, arch.SyscallArguments{
			{Value: uint32(addr)},
			{Value: st.Length},
			{Value: prot},
			{Value: flags},
			{Value: uint32(st.FD)},
			{Value: st.Offset},
		})
		if errno != 0 {
			return r.failure(t, errno), "", nil
		}
		mapped := hostarch.Addr(ret)
		if st.Save != "" {
			r.vars[st.Save] = mapped
		}
		return OutcomeOK, mapped.String(), nil

	case "munmap":
		ret, errno := linux.I386.Dispatch(t, linux.SYS_MUNMAP, arch.SyscallArguments{
			{Value: uint32(addr)},
			{Value: st.Length},
		})
		switch {
		case errno != 0:
			return r.failure(t, errno), "", nil
		case ret == 1:
			return OutcomeNoMatch, "", nil
		default:
			return OutcomeOK, "", nil
		}

	case "write":
		err := t.Run(func(m *mm.MemoryManager) error {
			_, err := m.CopyOut(addr, []byte(st.Data))
			return err
		})
		return r.outcome(t, err), "", nil

	case "read":
		buf := make([]byte, len(st.Data))
		err := t.Run(func(m *mm.MemoryManager) error {
			_, err := m.CopyIn(addr, buf)
			return err
		})
		if err != nil {
			return r.outcome(t, err), "", nil
		}
		if string(buf) != st.Data {
			return fmt.Sprintf("%q", buf), "", nil
		}
		return OutcomeOK, "", nil

	case "touch":
		err := t.Run(func(m *mm.MemoryManager) error {
			return m.Touch(addr, st.Write)
		})
		return r.outcome(t, err), "", nil

	case "fork":
		child, err := t.Fork(st.Child)
		if err != nil {
			return r.outcome(t, err), "", nil
		}
		r.tasks[st.Child] = child
		return OutcomeOK, fmt.Sprintf("tid %d", child.ThreadID()), nil

	case "exit":
		t.Exit(st.Code)
		return OutcomeOK, "", nil

	case "signal":
		sig, err := parseSignal(st.Signal)
		if err != nil {
			return "", "", err
		}
		if err := r.k.DeliverSignal(int32(t.ThreadID()), sig); err != nil {
			return r.outcome(t, err), "", nil
		}
		r.k.Schedule(nil)
		if status, exited := t.ExitStatus(); exited {
			return status.Signo.String(), "", nil
		}
		return OutcomeOK, "", nil

	default:
		return "", "", fmt.Errorf("unknown op %q", st.Op)
	}
}

// outcome names the result of an operation by t that returned err.
func (r *runner) outcome(t *kernel.Task, err error) string {
	if err == nil {
		return OutcomeOK
	}
	if e, ok := linuxerr.TranslateError(err); ok {
		return r.failure(t, e.Errno())
	}
	return err.Error()
}

// failure names an operation failure. A task killed by the operation is
// reported by the signal that killed it.
func (r *runner) failure(t *kernel.Task, errno unix.Errno) string {
	if status, exited := t.ExitStatus(); exited && status.Signaled() {
		return status.Signo.String()
	}
	return unix.ErrnoName(errno)
}
