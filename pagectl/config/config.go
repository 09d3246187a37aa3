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

// Package config provides basic infrastructure to set configuration settings
// for pagectl. Each setting is a command line flag; settings may also be
// read from a TOML file given with --config.
package config

import (
	"fmt"
	"reflect"
	"time"

	"pagecore.dev/pagecore/pkg/hostarch"
	"pagecore.dev/pagecore/pkg/log"
	"pagecore.dev/pagecore/pkg/sentry/mm"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with the key name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the TOML file that settings are read from. Flags set on
	// the command line take precedence over the file.
	ConfigFile string `flag:"config" toml:"-"`

	// MemorySize is the size of physical memory in bytes.
	MemorySize uint64 `flag:"memory-size" toml:"memory-size"`

	// LowMemSize is the size of directly mapped low memory in bytes.
	LowMemSize uint64 `flag:"lowmem-size" toml:"lowmem-size"`

	// KernelImageSize is the size of the kernel image in bytes.
	KernelImageSize uint64 `flag:"kernel-image-size" toml:"kernel-image-size"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// FaultLogInterval is the minimum interval between two reports of
	// unhandled page faults.
	FaultLogInterval time.Duration `flag:"fault-log-interval" toml:"fault-log-interval"`

	// MetricsFile is the file metrics are written to after a run, if not
	// empty.
	MetricsFile string `flag:"metrics-file" toml:"metrics-file"`

	// MetricsLockTimeout bounds the wait for the lock on MetricsFile.
	MetricsLockTimeout time.Duration `flag:"metrics-lock-timeout" toml:"metrics-lock-timeout"`
}

var logFormats = map[string]struct{}{
	"text":     {},
	"json":     {},
	"json-k8s": {},
	"logrus":   {},
}

func (c *Config) validate() error {
	if c.MemorySize == 0 || !hostarch.Addr(c.MemorySize).IsPageAligned() || c.MemorySize > hostarch.AddressSpaceSize {
		return fmt.Errorf("memory-size %#x must be a non-zero multiple of the page size below 4GiB", c.MemorySize)
	}
	if !hostarch.Addr(c.LowMemSize).IsPageAligned() || c.LowMemSize > c.MemorySize {
		return fmt.Errorf("lowmem-size %#x must be page aligned and at most memory-size", c.LowMemSize)
	}
	if c.LowMemSize > mm.MaxLowMem {
		return fmt.Errorf("lowmem-size %#x exceeds the maximum of %#x", c.LowMemSize, mm.MaxLowMem)
	}
	for name, format := range map[string]string{"log-format": c.LogFormat, "debug-log-format": c.DebugLogFormat} {
		if _, ok := logFormats[format]; !ok {
			return fmt.Errorf("invalid %s %q, must be 'text', 'json', 'json-k8s' or 'logrus'", name, format)
		}
	}
	if c.FaultLogInterval < 0 {
		return fmt.Errorf("fault-log-interval must not be negative: %v", c.FaultLogInterval)
	}
	if c.MetricsLockTimeout <= 0 {
		return fmt.Errorf("metrics-lock-timeout must be positive: %v", c.MetricsLockTimeout)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
		}
	}
}

// SystemOptions returns the memory system options for c.
func (c *Config) SystemOptions() mm.Options {
	return mm.Options{
		KernelImageSize:  c.KernelImageSize,
		FaultLogInterval: c.FaultLogInterval,
	}
}
