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
// for ticksim. Each setting is a field of Config tagged with the flag that
// sets it; a TOML file may provide values that flags then override.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gvisor.dev/dyntick/pkg/log"
	"gvisor.dev/dyntick/pkg/sentry/hostcpu"
	"gvisor.dev/dyntick/pkg/sentry/nohz"
)

// ErrInvalid is wrapped by all validation errors.
var ErrInvalid = errors.New("invalid ticksim configuration")

// Config holds configuration that is not part of the tick core itself.
type Config struct {
	// ConfigFile is the TOML file the other settings were loaded from.
	ConfigFile string `flag:"config" toml:"-"`

	// CPUs is the number of simulated CPUs. Zero means as many as the
	// host allows this process to run on.
	CPUs int `flag:"cpus" toml:"cpus"`

	// HZ is the tick frequency.
	HZ int `flag:"hz" toml:"hz"`

	// NoHZ enables tick suspension.
	NoHZ bool `flag:"nohz" toml:"nohz"`

	// NoHZFull lists the full dynticks CPUs, in Linux CPU list format.
	NoHZFull CPUList `flag:"nohz-full" toml:"nohz_full"`

	// MaxDeferment bounds the sleep of the last period owner. Zero means
	// unbounded.
	MaxDeferment time.Duration `flag:"max-deferment" toml:"max_deferment"`

	// InitialJiffies is the boot value of the period counter.
	InitialJiffies uint64 `flag:"initial-jiffies" toml:"initial_jiffies"`

	// Seed seeds the workload of the first trial. Trial i uses Seed+i.
	Seed uint64 `flag:"seed" toml:"seed"`

	// Steps is the number of workload steps per trial.
	Steps int `flag:"steps" toml:"steps"`

	// Trials is the number of trials, run concurrently.
	Trials int `flag:"trials" toml:"trials"`

	// Host runs a single trial on host timers for Duration of wall time.
	Host bool `flag:"host" toml:"host"`

	// Duration is the wall time of a host trial.
	Duration time.Duration `flag:"duration" toml:"duration"`

	// Format is the report format: json or yaml.
	Format string `flag:"format" toml:"format"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`
}

// Period returns the tick period.
func (c *Config) Period() time.Duration {
	return time.Second / time.Duration(c.HZ)
}

// NumCPUs returns the number of simulated CPUs, resolving the host default.
func (c *Config) NumCPUs() (int, error) {
	if c.CPUs > 0 {
		return c.CPUs, nil
	}
	return hostcpu.NumCPUs()
}

// TickConfig returns the tick core configuration.
func (c *Config) TickConfig() (nohz.Config, error) {
	n, err := c.NumCPUs()
	if err != nil {
		return nohz.Config{}, err
	}
	return nohz.Config{
		NumCPUs:        n,
		Period:         c.Period(),
		NoHZ:           c.NoHZ,
		FullCPUs:       []int(c.NoHZFull),
		MaxDeferment:   c.MaxDeferment,
		InitialJiffies: c.InitialJiffies,
	}, nil
}

func (c *Config) validate() error {
	if c.CPUs < 0 {
		return fmt.Errorf("%w: cpus %d is negative", ErrInvalid, c.CPUs)
	}
	if c.HZ <= 0 || c.HZ > int(time.Second) {
		return fmt.Errorf("%w: hz %d out of range", ErrInvalid, c.HZ)
	}
	if c.Steps < 0 {
		return fmt.Errorf("%w: steps %d is negative", ErrInvalid, c.Steps)
	}
	if c.Trials <= 0 {
		return fmt.Errorf("%w: trials %d must be positive", ErrInvalid, c.Trials)
	}
	if c.Host && c.Duration <= 0 {
		return fmt.Errorf("%w: host trials need a positive duration", ErrInvalid)
	}
	switch c.Format {
	case "json", "yaml":
	default:
		return fmt.Errorf("%w: report format %q, must be 'json' or 'yaml'", ErrInvalid, c.Format)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q, must be 'text' or 'json'", ErrInvalid, c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.CPUs (--cpus): %d", c.CPUs)
	log.Infof("Config.HZ (--hz): %d", c.HZ)
	log.Infof("Config.NoHZ (--nohz): %t", c.NoHZ)
	log.Infof("Config.NoHZFull (--nohz-full): %v", c.NoHZFull)
	log.Infof("Config.MaxDeferment (--max-deferment): %v", c.MaxDeferment)
	log.Infof("Config.Seed (--seed): %d", c.Seed)
}

// CPUList is a list of CPUs in Linux CPU list format, such as "1-3,5".
type CPUList []int

// String implements fmt.Stringer.
func (l *CPUList) String() string {
	return hostcpu.FormatCPUList(*l)
}

// Get implements flag.Getter.
func (l *CPUList) Get() any {
	return *l
}

// Set implements flag.Value.
func (l *CPUList) Set(v string) error {
	if strings.TrimSpace(v) == "" {
		*l = nil
		return nil
	}
	cpus, err := hostcpu.ParseCPUList(v)
	if err != nil {
		return err
	}
	*l = cpus
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l CPUList) MarshalText() ([]byte, error) {
	return []byte(hostcpu.FormatCPUList(l)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *CPUList) UnmarshalText(b []byte) error {
	return l.Set(string(b))
}
