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
	"io"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with configuration settings. Flags given on the command line take precedence.")

	// Tick core.
	flagSet.Int("cpus", 0, "number of simulated CPUs. 0 uses the host's CPU affinity mask.")
	flagSet.Int("hz", 1000, "tick frequency.")
	flagSet.Bool("nohz", true, "enable tick suspension.")
	flagSet.Var(&CPUList{}, "nohz-full", "full dynticks CPUs in Linux CPU list format (e.g. 1-3,5).")
	flagSet.Duration("max-deferment", 0, "bound on the sleep of the last period owner. 0 means unbounded.")
	flagSet.Uint64("initial-jiffies", 0, "boot value of the period counter.")

	// Workload.
	flagSet.Uint64("seed", 1, "workload seed of the first trial.")
	flagSet.Int("steps", 10000, "workload steps per trial.")
	flagSet.Int("trials", 1, "number of trials to run concurrently.")
	flagSet.Bool("host", false, "run one trial on host timers instead of a synthetic clock.")
	flagSet.Duration("duration", time.Second, "wall time of a host trial.")

	// Output.
	flagSet.String("format", "json", "report format: json (default) or yaml.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, and from the configuration file if one is named.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	var err error
	flagSet.VisitAll(func(fl *flag.Flag) {
		if err == nil {
			err = conf.setFromFlag(fl)
		}
	})
	if err != nil {
		return nil, err
	}

	if conf.ConfigFile != "" {
		if err := conf.load(conf.ConfigFile); err != nil {
			return nil, err
		}
		flagSet.Visit(func(fl *flag.Flag) {
			if err == nil {
				err = conf.setFromFlag(fl)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load returns the default configuration overridden by the TOML file at path.
func Load(path string) (*Config, error) {
	flagSet := flag.NewFlagSet("load", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := flagSet.Set("config", path); err != nil {
		return nil, err
	}
	return NewFromFlags(flagSet)
}

// setFromFlag copies the value of fl into the field tagged with its name.
// Flags without a field are ignored.
func (c *Config) setFromFlag(fl *flag.Flag) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); !ok || name != fl.Name {
			continue
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("flag %q does not implement flag.Getter", fl.Name))
		}
		x := reflect.ValueOf(getter.Get())
		if !x.Type().AssignableTo(obj.Field(i).Type()) {
			return fmt.Errorf("flag %q of type %v cannot set field %s of type %v", fl.Name, x.Type(), st.Field(i).Name, obj.Field(i).Type())
		}
		obj.Field(i).Set(x)
		return nil
	}
	return nil
}

// load decodes the TOML file at path into c.
func (c *Config) load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		slices.Sort(keys)
		return fmt.Errorf("%w: unknown keys in %q: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	return nil
}

// WriteTOML writes c in the format accepted by the config flag.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// ToFlags returns a slice of flags that correspond to the given Config,
// omitting default values.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := getVal(obj.Field(i))
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	return fmt.Sprintf("%v", field.Interface())
}
