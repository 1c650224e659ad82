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

package nohz

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Errors returned by New and the hotplug operations.
var (
	// ErrInvalidConfig is wrapped by all configuration errors.
	ErrInvalidConfig = errors.New("invalid tick configuration")

	// ErrOfflineVetoed is returned by CPUOffline when the CPU is the last
	// online housekeeping CPU.
	ErrOfflineVetoed = errors.New("CPU offline vetoed: sole housekeeping CPU")
)

// Config configures a TickSched.
type Config struct {
	// NumCPUs is the number of logical CPUs.
	NumCPUs int

	// Period is the tick period.
	Period time.Duration

	// NoHZ enables tick suspension. If false, every CPU stays in
	// ModePeriodicOnly.
	NoHZ bool

	// FullCPUs lists the CPUs that may stop their tick while running a
	// task. At least one CPU must be left out as housekeeping CPU. A
	// non-empty list requires NoHZ.
	FullCPUs []int

	// MaxDeferment bounds how far the current or most recent period owner
	// may defer its next tick. Zero means unbounded.
	MaxDeferment time.Duration

	// InitialJiffies is the boot value of the period counter.
	InitialJiffies uint64

	// KickFunc delivers a kick to a remote CPU, which must respond by calling
	// TickSched.HandleKick on that CPU. If nil, HandleKick is called from a
	// new goroutine.
	KickFunc func(cpu int)
}

func (c *Config) validate() error {
	if c.NumCPUs <= 0 {
		return fmt.Errorf("%w: NumCPUs %d must be positive", ErrInvalidConfig, c.NumCPUs)
	}
	if c.Period <= 0 {
		return fmt.Errorf("%w: Period %v must be positive", ErrInvalidConfig, c.Period)
	}
	if c.MaxDeferment < 0 {
		return fmt.Errorf("%w: MaxDeferment %v is negative", ErrInvalidConfig, c.MaxDeferment)
	}
	if len(c.FullCPUs) == 0 {
		return nil
	}
	if !c.NoHZ {
		return fmt.Errorf("%w: full dynticks CPUs %v require NoHZ", ErrInvalidConfig, c.FullCPUs)
	}
	full := slices.Compact(slices.Sorted(slices.Values(c.FullCPUs)))
	for _, cpu := range full {
		if cpu < 0 || cpu >= c.NumCPUs {
			return fmt.Errorf("%w: full dynticks CPU %d out of range [0, %d)", ErrInvalidConfig, cpu, c.NumCPUs)
		}
	}
	if len(full) == c.NumCPUs {
		return fmt.Errorf("%w: no housekeeping CPU left outside full dynticks CPUs %v", ErrInvalidConfig, c.FullCPUs)
	}
	return nil
}
