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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"pagecore.dev/pagecore/pagectl/config"
	"pagecore.dev/pagecore/pagectl/scenario"
	"pagecore.dev/pagecore/pkg/hostarch"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	args = append([]string{"--memory-size=16777216", "--lowmem-size=8388608"}, args...)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags(%v): %v", args, err)
	}
	return conf
}

func TestFaultAt(t *testing.T) {
	for _, tc := range []struct {
		name     string
		write    bool
		user     bool
		populate bool
		want     string
	}{
		{
			name: "user unmapped",
			user: true,
			want: "killed by SIGSEGV",
		},
		{
			name:     "user populated write",
			write:    true,
			user:     true,
			populate: true,
			want:     "resolved",
		},
		{
			name: "kernel unmapped",
			want: "kernel panic",
		},
		{
			name:     "kernel populated",
			populate: true,
			want:     "resolved",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := newMachine(testConfig(t))
			if err != nil {
				t.Fatalf("newMachine: %v", err)
			}
			defer m.destroy()

			got, err := faultAt(m, hostarch.Addr(0x10000000), tc.write, tc.user, tc.populate)
			if err != nil {
				t.Fatalf("faultAt: %v", err)
			}
			if !strings.HasPrefix(got, tc.want) {
				t.Errorf("faultAt = %q, want prefix %q", got, tc.want)
			}
		})
	}
}

func TestNewMachineKernelTooLarge(t *testing.T) {
	if m, err := newMachine(testConfig(t, "--kernel-image-size=8388608")); err == nil {
		m.destroy()
		t.Fatalf("newMachine succeeded with a kernel image as large as low memory")
	}
}

func TestPrintLayout(t *testing.T) {
	m, err := newMachine(testConfig(t))
	if err != nil {
		t.Fatalf("newMachine: %v", err)
	}
	defer m.destroy()

	var b strings.Builder
	m.printLayout(&b)
	for _, want := range []string{"kernel end:", "page tables:", "[kernel]", "[lowmem]"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("layout missing %q:\n%s", want, b.String())
		}
	}
}

func TestRunScenarioWritesMetrics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.txt")
	conf := testConfig(t, "--metrics-file="+path)

	var out strings.Builder
	if err := runScenario(context.Background(), conf, scenario.Smoke(), dir, &out); err != nil {
		t.Fatalf("runScenario: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "SIGSEGV") {
		t.Errorf("results do not mention SIGSEGV:\n%s", out.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	for _, want := range []string{"pagecore_mm_page_faults", "pagecore_kernel_tasks_created"} {
		if !strings.Contains(string(b), want) {
			t.Errorf("metrics file missing %q", want)
		}
	}
}

func TestWriteMetricsFileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.txt")
	held := flock.New(path + ".lock")
	if err := held.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	err := writeMetricsFile(context.Background(), path, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("writeMetricsFile succeeded while the lock was held")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("metrics file written while locked: %v", err)
	}

	if err := held.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := writeMetricsFile(context.Background(), path, time.Second); err != nil {
		t.Errorf("writeMetricsFile after unlock: %v", err)
	}
}
