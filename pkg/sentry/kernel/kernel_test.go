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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"pagecore.dev/pagecore/pkg/abi/linux"
	"pagecore.dev/pagecore/pkg/errors"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/sentry/mm"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

const unmappedAddr hostarch.Addr = 0x10000000

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.Options{Size: 16 << 20, LowMemSize: 8 << 20})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	sys, err := mm.NewSystem(mf, mm.Options{KernelImageSize: 1 << 20})
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	return New(sys)
}

func createTask(t *testing.T, k *Kernel, name string) *Task {
	t.Helper()
	task, err := k.CreateTask(name)
	if err != nil {
		t.Fatalf("CreateTask(%q) failed: %v", name, err)
	}
	return task
}

func newHostFile(t *testing.T, size int) (*HostFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	f, err := OpenHostFile(path)
	if err != nil {
		t.Fatalf("OpenHostFile failed: %v", err)
	}
	return f, path
}

func segfault(m *mm.MemoryManager) error {
	return m.Touch(unmappedAddr, false)
}

func TestSegfaultKillsTask(t *testing.T) {
	k := newTestKernel(t)
	task := createTask(t, k, "victim")

	if err := task.Run(segfault); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("Run = %v, want EFAULT", err)
	}
	status, exited := task.ExitStatus()
	if !exited {
		t.Fatalf("task is still live after a fault on an unmapped address")
	}
	if diff := cmp.Diff(ExitStatus{Signo: linux.SIGSEGV}, status); diff != "" {
		t.Errorf("ExitStatus mismatch (-want +got):\n%s", diff)
	}
	if task.MemoryManager() != nil {
		t.Errorf("killed task still has an address space")
	}
	if cur := k.CurrentTask(); cur != nil {
		t.Errorf("CurrentTask = %v, want idle", cur)
	}
	if got, want := k.System().CPU().CR3(), k.System().Main().PageTables(); got != want {
		t.Errorf("CR3 = %p, want the kernel directory %p", got, want)
	}
	if got := k.Tasks(); len(got) != 0 {
		t.Errorf("Tasks = %v, want none", got)
	}
	if err := task.Run(segfault); !linuxerr.Equals(linuxerr.ESRCH, err) {
		t.Errorf("Run on a dead task = %v, want ESRCH", err)
	}
}

func TestScheduleRoundRobin(t *testing.T) {
	k := newTestKernel(t)
	a := createTask(t, k, "a")
	b := createTask(t, k, "b")
	c := createTask(t, k, "c")

	if err := a.Run(segfault); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("Run = %v, want EFAULT", err)
	}
	for _, want := range []*Task{b, c, b, c} {
		if got := k.CurrentTask(); got != want {
			t.Fatalf("CurrentTask = %v, want %v", got, want)
		}
		if got := k.System().CPU().CR3(); got != want.MemoryManager().PageTables() {
			t.Fatalf("CR3 does not belong to %v", want)
		}
		k.Schedule(nil)
	}
}

func TestDeliverSignal(t *testing.T) {
	k := newTestKernel(t)
	live := createTask(t, k, "live")
	dead := createTask(t, k, "dead")
	dead.Exit(3)

	for _, tc := range []struct {
		name    string
		pid     int32
		sig     linux.Signal
		wantErr *errors.Error
	}{
		{name: "live task", pid: int32(live.ThreadID()), sig: linux.SIGCHLD},
		{name: "unknown task", pid: 42, sig: linux.SIGSEGV, wantErr: linuxerr.ESRCH},
		{name: "exited task", pid: int32(dead.ThreadID()), sig: linux.SIGSEGV, wantErr: linuxerr.ESRCH},
		{name: "invalid signal", pid: int32(live.ThreadID()), sig: 0, wantErr: linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := k.DeliverSignal(tc.pid, tc.sig); !linuxerr.Equals(tc.wantErr, err) {
				t.Errorf("DeliverSignal = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if !live.PendingSignals().Contains(linux.SIGCHLD) {
		t.Fatalf("SIGCHLD is not pending")
	}
	k.Schedule(nil)
	if _, exited := live.ExitStatus(); exited {
		t.Fatalf("SIGCHLD killed the task")
	}
	if got := live.PendingSignals(); got != 0 {
		t.Errorf("PendingSignals = %#x after schedule, want 0", got)
	}

	if err := k.DeliverSignal(int32(live.ThreadID()), linux.SIGTERM); err != nil {
		t.Fatalf("DeliverSignal(SIGTERM) failed: %v", err)
	}
	k.Schedule(nil)
	if status, _ := live.ExitStatus(); status.Signo != linux.SIGTERM {
		t.Errorf("ExitStatus = %v, want killed by SIGTERM", status)
	}
	if status, _ := dead.ExitStatus(); status != (ExitStatus{Code: 3}) {
		t.Errorf("ExitStatus = %v, want exit code 3", status)
	}
}

func TestForkSharesFilesAndMemory(t *testing.T) {
	k := newTestKernel(t)
	parent := createTask(t, k, "parent")
	f, path := newHostFile(t, 3*hostarch.PageSize)
	fd, err := parent.FDTable().NewFD(3, f)
	if err != nil {
		t.Fatalf("NewFD failed: %v", err)
	}
	f.DecRef()

	var addr hostarch.Addr
	if err := parent.Run(func(m *mm.MemoryManager) error {
		var err error
		addr, err = m.MMap(parent.FDTable(), mm.MMapOpts{
			Length: 2 * hostarch.PageSize,
			Prot:   linux.PROT_READ | linux.PROT_WRITE,
			Flags:  linux.MAP_PRIVATE,
			FD:     fd,
		})
		if err != nil {
			return err
		}
		_, err = m.CopyOut(addr, []byte("hello"))
		return err
	}); err != nil {
		t.Fatalf("parent Run failed: %v", err)
	}

	child, err := parent.Fork("child")
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if got := child.Parent(); got != parent.ThreadID() {
		t.Errorf("Parent = %d, want %d", got, parent.ThreadID())
	}
	buf := make([]byte, 5)
	if err := child.Run(func(m *mm.MemoryManager) error {
		_, err := m.CopyIn(addr, buf)
		return err
	}); err != nil {
		t.Fatalf("child Run failed: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("child read %q, want %q", buf, "hello")
	}
	if !strings.Contains(child.MemoryManager().Maps(), path) {
		t.Errorf("child maps do not name %q:\n%s", path, child.MemoryManager().Maps())
	}
	if diff := cmp.Diff([]int32{fd}, child.FDTable().GetFDs()); diff != "" {
		t.Errorf("child descriptors mismatch (-want +got):\n%s", diff)
	}

	child.Exit(0)
	if got := k.CurrentTask(); got != parent {
		t.Errorf("CurrentTask after child exit = %v, want %v", got, parent)
	}
	if _, err := f.Size(); err != nil {
		t.Errorf("parent's file was closed by the child's exit: %v", err)
	}
	parent.Exit(0)
	if f.fd != -1 {
		t.Errorf("file still open after every task exited")
	}
}

func TestHostFile(t *testing.T) {
	f, path := newHostFile(t, hostarch.PageSize)
	defer f.DecRef()

	if got, err := f.Size(); err != nil || got != hostarch.PageSize {
		t.Errorf("Size = %d, %v, want %d", got, err, hostarch.PageSize)
	}
	if err := os.Truncate(path, 4*hostarch.PageSize); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if got, err := f.Size(); err != nil || got != 4*hostarch.PageSize {
		t.Errorf("Size after truncate = %d, %v, want %d", got, err, 4*hostarch.PageSize)
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if got := f.Inode(); got != uint64(st.Ino) {
		t.Errorf("Inode = %d, want %d", got, st.Ino)
	}
	if _, err := OpenHostFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("OpenHostFile of a missing file succeeded")
	}
}

func TestFDTable(t *testing.T) {
	f, _ := newHostFile(t, 0)
	defer f.DecRef()
	fdt := NewFDTable()

	for _, tc := range []struct {
		name  string
		minfd int32
		want  int32
	}{
		{name: "first", minfd: 0, want: 0},
		{name: "next free", minfd: 0, want: 1},
		{name: "above minimum", minfd: 5, want: 5},
	} {
		got, err := fdt.NewFD(tc.minfd, f)
		if err != nil || got != tc.want {
			t.Errorf("%s: NewFD(%d) = %d, %v, want %d", tc.name, tc.minfd, got, err, tc.want)
		}
	}
	if err := fdt.Remove(0); err != nil {
		t.Errorf("Remove(0) failed: %v", err)
	}
	if got, err := fdt.NewFD(0, f); err != nil || got != 0 {
		t.Errorf("NewFD after Remove = %d, %v, want 0", got, err)
	}
	if diff := cmp.Diff([]int32{0, 1, 5}, fdt.GetFDs()); diff != "" {
		t.Errorf("GetFDs mismatch (-want +got):\n%s", diff)
	}
	if _, ok := fdt.Get(5); !ok {
		t.Errorf("Get(5) failed")
	}
	if _, ok := fdt.Get(2); ok {
		t.Errorf("Get(2) found a file")
	}
	if err := fdt.Remove(9); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("Remove(9) = %v, want EBADF", err)
	}
	if _, err := fdt.NewFD(-1, f); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("NewFD(-1) = %v, want EINVAL", err)
	}
	if _, err := fdt.NewFD(maxFDs, f); !linuxerr.Equals(linuxerr.EMFILE, err) {
		t.Errorf("NewFD(maxFDs) = %v, want EMFILE", err)
	}

	fdt.Release()
	if got := fdt.GetFDs(); len(got) != 0 {
		t.Errorf("GetFDs after Release = %v, want none", got)
	}
	if got := f.refs.Load(); got != 1 {
		t.Errorf("file refs = %d after Release, want 1", got)
	}
}

func TestMMapBadDescriptor(t *testing.T) {
	k := newTestKernel(t)
	task := createTask(t, k, "task")
	err := task.Run(func(m *mm.MemoryManager) error {
		_, err := m.MMap(task.FDTable(), mm.MMapOpts{
			Length: hostarch.PageSize,
			Prot:   linux.PROT_READ,
			Flags:  linux.MAP_PRIVATE,
			FD:     7,
		})
		return err
	})
	if !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("MMap on a closed descriptor = %v, want EBADF", err)
	}
}

func TestExitReleasesFrames(t *testing.T) {
	k := newTestKernel(t)
	mf := k.System().MemoryFile()
	baseline := mf.Usage()

	parent := createTask(t, k, "parent")
	if err := parent.Run(func(m *mm.MemoryManager) error {
		addr, err := m.MMap(parent.FDTable(), mm.MMapOpts{
			Length: 4 * hostarch.PageSize,
			Prot:   linux.PROT_READ | linux.PROT_WRITE,
			Flags:  linux.MAP_PRIVATE | linux.MAP_ANONYMOUS,
		})
		if err != nil {
			return err
		}
		_, err = m.CopyOut(addr+hostarch.PageSize-2, []byte("span"))
		return err
	}); err != nil {
		t.Fatalf("parent Run failed: %v", err)
	}
	child, err := parent.Fork("child")
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := child.Run(segfault); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("child Run = %v, want EFAULT", err)
	}
	parent.Exit(0)

	if diff := cmp.Diff(baseline, mf.Usage()); diff != "" {
		t.Errorf("frame usage mismatch after every task exited (-want +got):\n%s", diff)
	}
}
