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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"pagecore.dev/pagecore/pagectl/config"
	"pagecore.dev/pagecore/pagectl/scenario"
	"pagecore.dev/pagecore/pkg/metric"
)

// exporterPrefix is prepended to every exported metric name.
const exporterPrefix = "pagecore_"

var errLocked = errors.New("lock is held by another process")

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	exporterPrefix string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run the built-in smoke workload and print metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-exporter-prefix=<pagecore_>] - boots a machine, runs the smoke workload and prints metric data in Prometheus format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", exporterPrefix, "Prefix for all metric names, following Prometheus exporter convention")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if err := runScenario(ctx, conf, scenario.Smoke(), "", io.Discard); err != nil {
		Fatalf("%v", err)
	}

	written, err := metric.WritePrometheus(os.Stdout, metric.ExportOptions{ExporterPrefix: m.exporterPrefix})
	if err != nil {
		Fatalf("Cannot write metrics to stdout: %v", err)
	}
	Infof("Wrote %d bytes of Prometheus metric data to stdout", written)
	return subcommands.ExitSuccess
}

// writeMetricsFile writes every metric to path in Prometheus format while
// holding an exclusive lock on path + ".lock". Acquiring the lock is retried
// with exponential backoff for at most timeout.
func writeMetricsFile(ctx context.Context, path string, timeout time.Duration) error {
	l := flock.New(path + ".lock")
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = timeout
	op := func() error {
		locked, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			return errLocked
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("locking metrics file %q: %w", path, err)
	}
	defer l.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := metric.WritePrometheus(f, metric.ExportOptions{ExporterPrefix: exporterPrefix}); err != nil {
		f.Close()
		return fmt.Errorf("writing metrics to %q: %w", path, err)
	}
	return f.Close()
}
