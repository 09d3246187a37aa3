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

// Package scenario loads and runs scripted workloads: a set of files, a set
// of tasks and a list of steps that each task performs against its address
// space.
package scenario

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"pagecore.dev/pagecore/pkg/abi/linux"
	"pagecore.dev/pagecore/pkg/hostarch"
)

// Scenario is a scripted workload.
type Scenario struct {
	// Name identifies the scenario in reports.
	Name string `yaml:"name"`

	// Files are created before any task runs and opened in every initial
	// task.
	Files []File `yaml:"files"`

	// Tasks are the names of the initial tasks, created in order.
	Tasks []string `yaml:"tasks"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`
}

// File is a host file backing file mappings.
type File struct {
	// Path is relative to the run directory.
	Path string `yaml:"path"`

	// Size is the file size in bytes.
	Size int64 `yaml:"size"`

	// FD is the descriptor the file is installed at.
	FD int32 `yaml:"fd"`
}

// Step is one operation by one task.
type Step struct {
	Task string `yaml:"task"`
	Op   string `yaml:"op"`

	// Addr is an address expression: a number, "$var" or "$var+offset".
	Addr string `yaml:"addr"`

	Length uint32   `yaml:"length"`
	Prot   string   `yaml:"prot"`
	Flags  []string `yaml:"flags"`
	FD     int32    `yaml:"fd"`
	Offset uint32   `yaml:"offset"`

	// Data is written by "write" and compared by "read".
	Data string `yaml:"data"`

	// Write selects a write access for "touch".
	Write bool `yaml:"write"`

	// Child names the task created by "fork".
	Child string `yaml:"child"`

	// Code is the exit code for "exit".
	Code int `yaml:"code"`

	// Signal is the signal name for "signal".
	Signal string `yaml:"signal"`

	// Save names a variable that receives the address returned by "mmap".
	Save string `yaml:"save"`

	// Expect is the expected outcome: "ok" (the default), "nomatch" for a
	// munmap that matched no mapping, an errno name such as "EINVAL", or the
	// name of the signal that killed the task.
	Expect string `yaml:"expect"`
}

// Ops are the supported step operations.
var ops = map[string]struct{}{
	"mmap":   {},
	"munmap": {},
	"write":  {},
	"read":   {},
	"touch":  {},
	"fork":   {},
	"exit":   {},
	"signal": {},
}

//go:embed smoke.yaml
var smokeYAML []byte

// Smoke returns the built-in smoke workload.
func Smoke() *Scenario {
	sc, err := Parse(smokeYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in smoke scenario: %v", err))
	}
	return sc
}

// Load reads a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a YAML scenario. Unknown keys are rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Tasks) == 0 {
		return fmt.Errorf("scenario %q has no tasks", sc.Name)
	}
	names := make(map[string]struct{})
	for _, name := range sc.Tasks {
		if _, ok := names[name]; ok {
			return fmt.Errorf("duplicate task %q", name)
		}
		names[name] = struct{}{}
	}
	for _, f := range sc.Files {
		if f.Path == "" || strings.Contains(f.Path, "..") {
			return fmt.Errorf("invalid file path %q", f.Path)
		}
		if f.Size < 0 || f.FD < 0 {
			return fmt.Errorf("file %q: negative size or descriptor", f.Path)
		}
	}
	for i, st := range sc.Steps {
		if _, ok := ops[st.Op]; !ok {
			return fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
		if st.Task == "" {
			return fmt.Errorf("step %d: no task", i)
		}
		if st.Op == "fork" {
			if _, ok := names[st.Child]; ok || st.Child == "" {
				return fmt.Errorf("step %d: fork needs a new child name, got %q", i, st.Child)
			}
			names[st.Child] = struct{}{}
		}
		if _, ok := names[st.Task]; !ok {
			return fmt.Errorf("step %d: unknown task %q", i, st.Task)
		}
	}
	return nil
}

// parseAddr evaluates an address expression against the saved variables.
func parseAddr(expr string, vars map[string]hostarch.Addr) (hostarch.Addr, error) {
	if expr == "" {
		return 0, nil
	}
	var base hostarch.Addr
	rest := expr
	if strings.HasPrefix(expr, "$") {
		name, off, _ := strings.Cut(expr[1:], "+")
		v, ok := vars[name]
		if !ok {
			return 0, fmt.Errorf("undefined variable %q", name)
		}
		base, rest = v, off
		if rest == "" {
			return base, nil
		}
	}
	n, err := strconv.ParseUint(rest, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", expr, err)
	}
	return base + hostarch.Addr(n), nil
}

// parseProt converts "rwx"-style permissions. The empty string is "rw".
func parseProt(s string) (uint32, error) {
	switch s {
	case "":
		return linux.PROT_READ | linux.PROT_WRITE, nil
	case "none":
		return linux.PROT_NONE, nil
	}
	var prot uint32
	for _, c := range s {
		switch c {
		case 'r':
			prot |= linux.PROT_READ
		case 'w':
			prot |= linux.PROT_WRITE
		case 'x':
			prot |= linux.PROT_EXEC
		default:
			return 0, fmt.Errorf("invalid protection %q", s)
		}
	}
	return prot, nil
}

var mapFlags = map[string]uint32{
	"shared":    linux.MAP_SHARED,
	"private":   linux.MAP_PRIVATE,
	"fixed":     linux.MAP_FIXED,
	"anonymous": linux.MAP_ANONYMOUS,
}

// parseFlags converts flag names. No flags means a private anonymous
// mapping.
func parseFlags(names []string) (uint32, error) {
	if len(names) == 0 {
		return linux.MAP_PRIVATE | linux.MAP_ANONYMOUS, nil
	}
	var flags uint32
	for _, name := range names {
		f, ok := mapFlags[name]
		if !ok {
			return 0, fmt.Errorf("invalid mapping flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}

// parseSignal converts a signal name such as "SIGTERM".
func parseSignal(name string) (linux.Signal, error) {
	for sig := linux.Signal(1); sig.IsValid(); sig++ {
		if sig.String() == name {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
