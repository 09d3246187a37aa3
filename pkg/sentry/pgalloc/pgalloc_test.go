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

package pgalloc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"pagecore.dev/pagecore/pkg/errors/linuxerr"
	"pagecore.dev/pagecore/pkg/hostarch"
)

const (
	testLowFrames  = 64
	testHighFrames = 64
)

func newTestFile(t *testing.T) *MemoryFile {
	t.Helper()
	f, err := NewMemoryFile(Options{
		Size:       (testLowFrames + testHighFrames) * hostarch.PageSize,
		LowMemSize: testLowFrames * hostarch.PageSize,
	})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() {
		if err := f.Destroy(); err != nil {
			t.Errorf("Destroy failed: %v", err)
		}
	})
	return f
}

func TestNewMemoryFileOptions(t *testing.T) {
	for _, test := range []struct {
		name string
		opts Options
		ok   bool
	}{
		{
			name: "valid",
			opts: Options{Size: 8 * hostarch.PageSize, LowMemSize: 4 * hostarch.PageSize},
			ok:   true,
		},
		{
			name: "all low",
			opts: Options{Size: 8 * hostarch.PageSize, LowMemSize: 8 * hostarch.PageSize},
			ok:   true,
		},
		{
			name: "zero size",
			opts: Options{},
		},
		{
			name: "unaligned size",
			opts: Options{Size: hostarch.PageSize + 1, LowMemSize: hostarch.PageSize},
		},
		{
			name: "low exceeds size",
			opts: Options{Size: 2 * hostarch.PageSize, LowMemSize: 4 * hostarch.PageSize},
		},
		{
			name: "no low memory",
			opts: Options{Size: 2 * hostarch.PageSize},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f, err := NewMemoryFile(test.opts)
			if got := err == nil; got != test.ok {
				t.Fatalf("NewMemoryFile(%+v) err = %v, want ok %t", test.opts, err, test.ok)
			}
			if f != nil {
				f.Destroy()
			}
		})
	}
}

func TestAllocateZones(t *testing.T) {
	for _, test := range []struct {
		name   string
		class  AllocClass
		order  uint
		wantLo bool
	}{
		{
			name:   "kernel page",
			class:  Kernel,
			wantLo: true,
		},
		{
			name:  "user page",
			class: HighUser,
		},
		{
			name:   "kernel block",
			class:  Kernel,
			order:  3,
			wantLo: true,
		},
		{
			name:  "user block",
			class: HighUser,
			order: 2,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newTestFile(t)
			fr, err := f.Allocate(test.class, test.order)
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}
			if got := f.IsLowMem(fr); got != test.wantLo {
				t.Errorf("IsLowMem(%v) = %t, want %t", fr, got, test.wantLo)
			}
			if n := uint32(1) << test.order; uint32(fr)%n != 0 {
				t.Errorf("frame %v not aligned to %d frames", fr, n)
			}
			if got, want := f.BlockSize(fr), uint64(hostarch.PageSize)<<test.order; got != want {
				t.Errorf("BlockSize = %#x, want %#x", got, want)
			}
			for i := uint32(0); i < 1<<test.order; i++ {
				if got := f.Refs(fr + Frame(i)); got != 1 {
					t.Errorf("Refs(%v) = %d, want 1", fr+Frame(i), got)
				}
			}
		})
	}
}

func TestHighUserFallsBackToLowMem(t *testing.T) {
	f := newTestFile(t)
	for i := 0; i < testHighFrames; i++ {
		if _, err := f.Allocate(HighUser, 0); err != nil {
			t.Fatalf("Allocate #%d failed: %v", i, err)
		}
	}
	fr, err := f.Allocate(HighUser, 0)
	if err != nil {
		t.Fatalf("Allocate after high memory exhausted: %v", err)
	}
	if !f.IsLowMem(fr) {
		t.Errorf("fallback frame %v is not in low memory", fr)
	}
}

func TestAllocateExhausted(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Allocate(Kernel, 6); err != nil {
		t.Fatalf("Allocate of all low memory failed: %v", err)
	}
	_, err := f.Allocate(Kernel, 0)
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Allocate from empty zone = %v, want %v", err, ErrExhausted)
	}
	if !linuxerr.Equals(linuxerr.ENOMEM, err) || linuxerr.ToErrno(err) != unix.ENOMEM {
		t.Errorf("Allocate from empty zone = %v, does not translate to ENOMEM", err)
	}
	if _, err := f.Allocate(Kernel, MaxOrder+1); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Allocate with order %d = %v, want EINVAL", MaxOrder+1, err)
	}
}

func TestRefCounting(t *testing.T) {
	f := newTestFile(t)
	before := f.Usage()
	fr, err := f.Allocate(HighUser, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	f.IncRef(fr)
	f.DecRef(fr)
	if got := f.Refs(fr); got != 1 {
		t.Fatalf("Refs after IncRef/DecRef = %d, want 1", got)
	}
	f.DecRef(fr)
	if diff := cmp.Diff(before, f.Usage()); diff != "" {
		t.Errorf("Usage after free mismatch (-want +got):\n%s", diff)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("DecRef on free frame did not panic")
		}
	}()
	f.DecRef(fr)
}

func TestReserve(t *testing.T) {
	f := newTestFile(t)
	if err := f.Reserve(0, 8); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	f.DecRef(3)
	if got := f.Refs(3); got != 1 {
		t.Errorf("reserved frame refs = %d, want 1", got)
	}
	for i := 0; i < testLowFrames-8; i++ {
		fr, err := f.Allocate(Kernel, 0)
		if err != nil {
			t.Fatalf("Allocate #%d failed: %v", i, err)
		}
		if fr < 8 {
			t.Fatalf("Allocate returned reserved frame %v", fr)
		}
	}
	want := Usage{Total: testLowFrames + testHighFrames, Free: testHighFrames, Reserved: 8, Low: testLowFrames - 8}
	if diff := cmp.Diff(want, f.Usage()); diff != "" {
		t.Errorf("Usage mismatch (-want +got):\n%s", diff)
	}
	if err := f.Reserve(4, 2); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Reserve of inverted range = %v, want EINVAL", err)
	}
}

func TestAddresses(t *testing.T) {
	f := newTestFile(t)
	for _, test := range []struct {
		name     string
		frame    Frame
		phys     hostarch.Addr
		kernel   hostarch.Addr
		noKernel bool
	}{
		{
			name:   "first frame",
			frame:  0,
			phys:   0,
			kernel: KernelBase,
		},
		{
			name:   "last low frame",
			frame:  testLowFrames - 1,
			phys:   (testLowFrames - 1) * hostarch.PageSize,
			kernel: KernelBase + (testLowFrames-1)*hostarch.PageSize,
		},
		{
			name:     "high frame",
			frame:    testLowFrames,
			phys:     testLowFrames * hostarch.PageSize,
			noKernel: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := f.PhysicalAddress(test.frame); got != test.phys {
				t.Errorf("PhysicalAddress = %v, want %v", got, test.phys)
			}
			if got, err := f.FrameOf(test.phys + 0x123); err != nil || got != test.frame {
				t.Errorf("FrameOf = %v, %v, want %v", got, err, test.frame)
			}
			ka, err := f.KernelAddress(test.frame)
			if test.noKernel {
				if !linuxerr.Equals(linuxerr.EFAULT, err) {
					t.Errorf("KernelAddress of high frame = %v, %v, want EFAULT", ka, err)
				}
				return
			}
			if err != nil || ka != test.kernel {
				t.Fatalf("KernelAddress = %v, %v, want %v", ka, err, test.kernel)
			}
			if got, err := f.FrameOfKernelAddress(ka); err != nil || got != test.frame {
				t.Errorf("FrameOfKernelAddress = %v, %v, want %v", got, err, test.frame)
			}
		})
	}
	if _, err := f.FrameOf(hostarch.Addr(testLowFrames+testHighFrames) * hostarch.PageSize); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("FrameOf beyond memory = %v, want EFAULT", err)
	}
}

func TestBytesAliasFrame(t *testing.T) {
	f := newTestFile(t)
	fr, err := f.Allocate(HighUser, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	b := f.Bytes(fr)
	if len(b) != hostarch.PageSize {
		t.Fatalf("len(Bytes) = %d, want %d", len(b), hostarch.PageSize)
	}
	b[10] = 0xaa
	if got := f.Bytes(fr)[10]; got != 0xaa {
		t.Errorf("write through Bytes not visible: got %#x", got)
	}
	if got := f.Bytes(fr + 1)[0]; got != 0 {
		t.Errorf("write leaked into next frame: %#x", got)
	}
	f.Zero(fr)
	if got := f.Bytes(fr)[10]; got != 0 {
		t.Errorf("Zero left %#x", got)
	}
}

func TestConcurrentAllocate(t *testing.T) {
	f := newTestFile(t)
	const workers = 8
	got := make([][]Frame, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < (testLowFrames+testHighFrames)/workers; i++ {
				fr, err := f.Allocate(HighUser, 0)
				if err != nil {
					return err
				}
				got[w] = append(got[w], fr)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Allocate failed: %v", err)
	}
	seen := make(map[Frame]bool)
	for _, frames := range got {
		for _, fr := range frames {
			if seen[fr] {
				t.Fatalf("frame %v allocated twice", fr)
			}
			seen[fr] = true
		}
	}
	if u := f.Usage(); u.Free != 0 {
		t.Errorf("Usage.Free = %d, want 0", u.Free)
	}
}
