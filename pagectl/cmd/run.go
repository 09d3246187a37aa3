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
	"io"
	"os"

	"github.com/google/subcommands"
	"pagecore.dev/pagecore/pagectl/config"
	"pagecore.dev/pagecore/pagectl/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// workDir is where scenario files are created. A temporary directory
	// is used if it is empty.
	workDir string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario file on a fresh machine"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml> - boots a machine, runs the scenario and prints the outcome of every step.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.workDir, "workdir", "", "directory to create scenario files in. A temporary directory is used if empty.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	sc, err := scenario.Load(f.Arg(0))
	if err != nil {
		Fatalf("loading scenario: %v", err)
	}
	if err := runScenario(ctx, conf, sc, r.workDir, os.Stdout); err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runScenario boots a machine, runs sc, prints the results to out and writes
// the metrics file if one is configured.
func runScenario(ctx context.Context, conf *config.Config, sc *scenario.Scenario, workDir string, out io.Writer) error {
	if workDir == "" {
		dir, err := os.MkdirTemp("", "pagectl-")
		if err != nil {
			return fmt.Errorf("creating work directory: %w", err)
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}

	m, err := newMachine(conf)
	if err != nil {
		return err
	}
	defer m.destroy()

	results, runErr := sc.Run(m.k, workDir)
	for _, res := range results {
		fmt.Fprintln(out, res)
	}
	if conf.MetricsFile != "" {
		if err := writeMetricsFile(ctx, conf.MetricsFile, conf.MetricsLockTimeout); err != nil {
			return err
		}
		Infof("Wrote metrics to %q", conf.MetricsFile)
	}
	if runErr != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, runErr)
	}
	return nil
}
