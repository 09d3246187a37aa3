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
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/sentry/mm"
)

// maxFDs is the per-table descriptor limit.
const maxFDs = 1024

// HostFile is a read-only host file that may back file mappings.
//
// HostFile is reference counted; the host descriptor is closed when the last
// reference is dropped.
type HostFile struct {
	fd    int
	name  string
	inode uint64
	refs  atomic.Int64
}

// OpenHostFile opens path on the host. The returned file holds one reference.
func OpenHostFile(path string) (*HostFile, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	f := &HostFile{fd: fd, name: path, inode: uint64(st.Ino)}
	f.refs.Store(1)
	return f, nil
}

// Size implements mm.File.Size. The size is read from the host on every call.
func (f *HostFile) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, fmt.Errorf("stat %q: %w", f.name, err)
	}
	return st.Size, nil
}

// Inode implements mm.File.Inode.
func (f *HostFile) Inode() uint64 {
	return f.inode
}

// Name implements mm.File.Name.
func (f *HostFile) Name() string {
	return f.name
}

// IncRef takes a reference.
func (f *HostFile) IncRef() {
	if f.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive ref count on %q", f.name))
	}
}

// DecRef drops a reference, closing the host descriptor at zero.
func (f *HostFile) DecRef() {
	switch refs := f.refs.Add(-1); {
	case refs < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count on %q", f.name))
	case refs == 0:
		unix.Close(f.fd)
		f.fd = -1
	}
}

// FDTable maps descriptors to files. Each descriptor holds a file reference.
type FDTable struct {
	// mu protects files.
	mu    sync.Mutex
	files map[int32]*HostFile
}

var _ mm.FileTable = (*FDTable)(nil)

// NewFDTable returns an empty table.
func NewFDTable() *FDTable {
	return &FDTable{files: make(map[int32]*HostFile)}
}

// NewFD installs file at the lowest free descriptor at or above minfd and
// takes a reference on it.
func (f *FDTable) NewFD(minfd int32, file *HostFile) (int32, error) {
	if minfd < 0 {
		return -1, linuxerr.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd := minfd; fd < maxFDs; fd++ {
		if _, ok := f.files[fd]; ok {
			continue
		}
		file.IncRef()
		f.files[fd] = file
		return fd, nil
	}
	return -1, linuxerr.EMFILE
}

// Get implements mm.FileTable.Get.
func (f *FDTable) Get(fd int32) (mm.File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fd]
	if !ok {
		return nil, false
	}
	return file, true
}

// Remove closes fd.
func (f *FDTable) Remove(fd int32) error {
	f.mu.Lock()
	file, ok := f.files[fd]
	delete(f.files, fd)
	f.mu.Unlock()
	if !ok {
		return linuxerr.EBADF
	}
	file.DecRef()
	return nil
}

// GetFDs returns the open descriptors in ascending order.
func (f *FDTable) GetFDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fds := make([]int32, 0, len(f.files))
	for fd := range f.files {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	return fds
}

// Fork returns a copy of the table sharing every file.
func (f *FDTable) Fork() *FDTable {
	clone := NewFDTable()
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, file := range f.files {
		file.IncRef()
		clone.files[fd] = file
	}
	return clone
}

// Release closes every descriptor.
func (f *FDTable) Release() {
	f.mu.Lock()
	files := f.files
	f.files = make(map[int32]*HostFile)
	f.mu.Unlock()
	for _, file := range files {
		file.DecRef()
	}
}
