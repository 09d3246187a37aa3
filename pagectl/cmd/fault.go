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
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"pagecore.dev/pagecore/pagectl/config"
	"pagecore.dev/pagecore/pkg/abi/linux"
	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/sentry/mm"
)

// Fault implements subcommands.Command for the "fault" command.
type Fault struct {
	addr     string
	write    bool
	user     bool
	populate bool
}

// Name implements subcommands.Command.Name.
func (*Fault) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fault) Synopsis() string {
	return "perform one memory access and report how the fault handler resolved it"
}

// Usage implements subcommands.Command.Usage.
func (*Fault) Usage() string {
	return `fault [-addr=<address>] [-write] [-user=false] [-populate] - boots a machine, creates a blank task and accesses one address in its address space.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fl *Fault) SetFlags(f *flag.FlagSet) {
	f.StringVar(&fl.addr, "addr", "0x10000000", "address to access.")
	f.BoolVar(&fl.write, "write", false, "perform a write access.")
	f.BoolVar(&fl.user, "user", true, "access in user mode. Kernel mode faults that cannot be resolved panic.")
	f.BoolVar(&fl.populate, "populate", false, "map an anonymous page at the address before the access.")
}

// Execute implements subcommands.Command.Execute.
func (fl *Fault) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	addr, err := strconv.ParseUint(fl.addr, 0, 32)
	if err != nil {
		Fatalf("invalid address %q: %v", fl.addr, err)
	}

	m, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.destroy()

	outcome, err := faultAt(m, hostarch.Addr(addr), fl.write, fl.user, fl.populate)
	if err != nil {
		Fatalf("%v", err)
	}
	mode := "kernel"
	if fl.user {
		mode = "user"
	}
	fmt.Fprintf(os.Stdout, "%s %v access to %#x: %s\n", mode, hostarch.AccessTypeOf(fl.write), addr, outcome)
	return subcommands.ExitSuccess
}

// faultAt creates a task on m, optionally maps the page at addr, and accesses
// addr once from the given mode. It returns a description of the outcome.
func faultAt(m *machine, addr hostarch.Addr, write, user, populate bool) (string, error) {
	t, err := m.k.CreateTask("fault")
	if err != nil {
		return "", err
	}
	if populate {
		if err := t.Run(func(mem *mm.MemoryManager) error {
			_, err := mem.MMap(t.FDTable(), mm.MMapOpts{
				Addr:   addr.RoundDown(),
				Length: hostarch.PageSize,
				Prot:   linux.PROT_READ | linux.PROT_WRITE,
				Flags:  linux.MAP_PRIVATE | linux.MAP_ANONYMOUS,
			})
			return err
		}); err != nil {
			return "", fmt.Errorf("mapping %v: %w", addr, err)
		}
	}

	if !user {
		if err := m.k.SwitchTo(t); err != nil {
			return "", err
		}
		return kernelAccess(m.system(), addr, write), nil
	}
	err = t.Run(func(mem *mm.MemoryManager) error {
		return mem.Touch(addr, write)
	})
	if status, exited := t.ExitStatus(); exited {
		return status.String(), nil
	}
	if err != nil {
		return "", err
	}
	return mm.Resolved.String(), nil
}

// kernelAccess accesses addr in kernel mode and reports a kernel panic as
// an outcome.
func kernelAccess(sys *mm.System, addr hostarch.Addr, write bool) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			outcome = fmt.Sprintf("kernel panic: %v", r)
		}
	}()
	_, o := sys.KernelAccess(addr, write)
	return o.String()
}
