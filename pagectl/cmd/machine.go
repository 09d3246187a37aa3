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

package cmd

import (
	"fmt"
	"io"

	"pagecore.dev/pagecore/pagectl/config"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/sentry/kernel"
	"pagecore.dev/pagecore/pkg/sentry/mm"
	"pagecore.dev/pagecore/pkg/sentry/pgalloc"
)

// machine is a booted memory system with a kernel scheduling on it.
type machine struct {
	mf *pgalloc.MemoryFile
	k  *kernel.Kernel
}

// newMachine boots a machine sized by conf.
func newMachine(conf *config.Config) (*machine, error) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.Options{
		Size:       conf.MemorySize,
		LowMemSize: conf.LowMemSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	sys, err := mm.NewSystem(mf, conf.SystemOptions())
	if err != nil {
		mf.Destroy()
		return nil, fmt.Errorf("booting: %w", err)
	}
	log.Infof("Booted with %d frames (%d low), kernel ends at %v", mf.NumFrames(), mf.LowFrames(), sys.KernelEnd())
	return &machine{mf: mf, k: kernel.New(sys)}, nil
}

func (m *machine) system() *mm.System {
	return m.k.System()
}

func (m *machine) destroy() {
	if err := m.mf.Destroy(); err != nil {
		log.Warningf("Destroying physical memory: %v", err)
	}
}

// printLayout writes the kernel address space and frame usage to w.
func (m *machine) printLayout(w io.Writer) {
	sys := m.system()
	u := m.mf.Usage()
	fmt.Fprintf(w, "kernel end: %v\n", sys.KernelEnd())
	fmt.Fprintf(w, "frames: %d total, %d free, %d reserved, %d low in use, %d high in use\n", u.Total, u.Free, u.Reserved, u.Low, u.High)
	fmt.Fprintf(w, "page tables: %d\n", sys.Cache().NumTables())
	fmt.Fprintf(w, "kernel mappings:\n%s", sys.Main().Maps())
}
