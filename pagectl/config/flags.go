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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file to read settings from. Flags set on the command line override the file.")

	// Machine flags.
	flagSet.Uint64("memory-size", 64<<20, "physical memory size in bytes.")
	flagSet.Uint64("lowmem-size", 16<<20, "directly mapped low memory size in bytes.")
	flagSet.Uint64("kernel-image-size", 1<<20, "kernel image size in bytes.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default), json, json-k8s or logrus.")
	flagSet.String("debug-log", "", "additional location for logs.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, json-k8s or logrus.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Duration("fault-log-interval", time.Second, "minimum interval between reports of unhandled page faults. Zero reports every fault.")

	// Metrics flags.
	flagSet.String("metrics-file", "", "file to write Prometheus metrics to after a run.")
	flagSet.Duration("metrics-lock-timeout", 5*time.Second, "how long to wait for the lock on --metrics-file.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the configuration file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	flagSet.VisitAll(func(fl *flag.Flag) {
		conf.set(fl)
	})

	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in config file %q: %v", conf.ConfigFile, undecoded)
		}
		// Flags given explicitly win over the file.
		flagSet.Visit(func(fl *flag.Flag) {
			conf.set(fl)
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// set copies the value of fl into the field tagged with its name.
func (c *Config) set(fl *flag.Flag) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok && name == fl.Name {
			obj.Field(i).Set(reflect.ValueOf(get(fl.Value)))
			return
		}
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

// get returns the typed value held by v.
func get(v flag.Value) any {
	return v.(flag.Getter).Get()
}

func getVal(field reflect.Value) string {
	if str, ok := field.Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
