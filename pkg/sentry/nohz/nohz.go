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

// Package nohz implements the dynamic tick: per-CPU decisions to suspend the
// periodic tick while a CPU is idle, or running a single task with nothing
// else needing the tick, and to re-arm it when needed.
//
// Every CPU has its own tick state, guarded by a lock that stands in for
// disabling interrupts on that CPU. Methods taking a cpu argument must be
// called from a context running on that CPU, with the exception of the
// lock-free accessors (Stopped, Owner, IdleTime, CurrentPeriodCount) and
// Snapshot. Cross-CPU requests are delivered as kicks.
package nohz

import (
	"fmt"
	"time"

	"gvisor.dev/dyntick/pkg/atomicbitops"
	"gvisor.dev/dyntick/pkg/log"
	"gvisor.dev/dyntick/pkg/metric"
	"gvisor.dev/dyntick/pkg/sentry/clockevent"
	"gvisor.dev/dyntick/pkg/sentry/jiffies"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sentry/tickdep"
	"gvisor.dev/dyntick/pkg/sync"
)

// OwnerNone is the period owner while no CPU holds ownership.
const OwnerNone = -1

// warnInterval rate limits warnings about contract violations.
const warnInterval = time.Second

var (
	tickStops = metric.MustCreateNewUint64Metric("/nohz/tick_stops",
		"Number of times a CPU suspended its tick.",
		metric.NewField("context", "idle", "full"))
	tickRestarts = metric.MustCreateNewUint64Metric("/nohz/tick_restarts",
		"Number of times a suspended tick was restarted.")
	kicks = metric.MustCreateNewUint64Metric("/nohz/kicks",
		"Number of kicks sent to CPUs after a tick dependency was set on an empty scope.",
		metric.NewField("scope", "global", "cpu", "task", "process"))
	expiredPrograms = metric.MustCreateNewUint64Metric("/nohz/expired_programs",
		"Number of clock event programs rejected because the deadline had passed.")
	contractViolations = metric.MustCreateNewUint64Metric("/nohz/contract_violations",
		"Number of detected misuses of the tick API.",
		metric.NewField("kind", "double_idle_enter", "idle_exit_without_enter", "nmi_remote_kick", "unbalanced_irq_exit"))
	ownerChanges = metric.MustCreateNewUint64Metric("/nohz/owner_changes",
		"Number of period ownership transitions.",
		metric.NewField("event", "claim", "relinquish", "handoff"))
	jiffiesAdvanced = metric.MustCreateNewUint64Metric("/jiffies/advanced",
		"Number of periods accounted by the period counter.")
	stopLength = metric.MustCreateNewDistributionMetric("/nohz/stop_length",
		metric.NewDurationBucketer(16, 100*time.Microsecond, 10*time.Second),
		"Distance from now to the programmed deadline when a tick is suspended, in nanoseconds.")
)

// TickSched is the dynamic tick state of all CPUs.
type TickSched struct {
	// Immutable.
	period      time.Duration
	noHZ        bool
	fullRunning bool
	maxDefer    time.Duration
	kickFunc    func(cpu int)
	collab      Collaborators
	clock       *jiffies.Clock
	deps        *tickdep.Registry
	cpus        []*cpuState
	warn        log.Logger

	// hotplugMu serializes CPUOffline and CPUOnline.
	hotplugMu sync.Mutex

	// owner is the CPU advancing the period counter, or OwnerNone.
	owner atomicbitops.Int32
}

// New returns a TickSched driving one clock event device per CPU. All CPUs
// start online, with their ticks armed at the first period boundary.
//
// Devices implementing clockevent.Notifier have their expiry handler set to
// HandleTimer.
func New(cfg Config, devices []clockevent.Device, collab Collaborators) (*TickSched, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(devices) != cfg.NumCPUs {
		return nil, fmt.Errorf("%w: %d clock event devices for %d CPUs", ErrInvalidConfig, len(devices), cfg.NumCPUs)
	}
	collab.setDefaults()
	ts := &TickSched{
		period:      cfg.Period,
		noHZ:        cfg.NoHZ,
		fullRunning: len(cfg.FullCPUs) > 0,
		maxDefer:    cfg.MaxDeferment,
		kickFunc:    cfg.KickFunc,
		collab:      collab,
		deps:        tickdep.NewRegistry(cfg.NumCPUs),
		cpus:        make([]*cpuState, cfg.NumCPUs),
		warn:        log.BasicRateLimitedLogger(warnInterval),
	}
	if ts.maxDefer == 0 {
		ts.maxDefer = ktime.MaxDuration
	}
	if ts.kickFunc == nil {
		ts.kickFunc = func(cpu int) { go ts.HandleKick(cpu) }
	}
	ts.clock = jiffies.New(jiffies.Params{
		Period:  cfg.Period,
		Start:   devices[0].Now(),
		Initial: cfg.InitialJiffies,
		OnAdvance: func(n uint64) {
			jiffiesAdvanced.IncrementBy(n)
			ts.collab.Scheduler.OnPeriodAdvanced(n)
		},
	})

	full := make(map[int]bool, len(cfg.FullCPUs))
	for _, cpu := range cfg.FullCPUs {
		full[cpu] = true
	}
	ts.owner.Store(OwnerNone)
	for cpu := range ts.cpus {
		cs := &cpuState{
			cpu:  cpu,
			full: full[cpu],
			dev:  devices[cpu],
		}
		ts.cpus[cpu] = cs
		if !cs.full && ts.owner.Load() == OwnerNone {
			ts.owner.Store(int32(cpu))
		}
	}
	for _, cs := range ts.cpus {
		if n, ok := cs.dev.(clockevent.Notifier); ok {
			cpu := cs.cpu
			n.SetHandler(func() { ts.HandleTimer(cpu) })
		}
		cs.mu.Lock()
		ts.bringUpLocked(cs)
		cs.mu.Unlock()
	}
	log.Infof("Dynamic tick: %d CPUs, period %v, nohz %t, full dynticks CPUs %v, period owner CPU %d", cfg.NumCPUs, cfg.Period, cfg.NoHZ, cfg.FullCPUs, ts.owner.Load())
	return ts, nil
}

// bringUpLocked marks cs online and arms its tick at the next period
// boundary.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) bringUpLocked(cs *cpuState) {
	mode := ModePeriodicOnly
	if ts.noHZ {
		mode = ModeInactive
	}
	cs.resetLocked(mode)
	cs.online.Store(true)
	now := cs.dev.Now()
	ts.armLocked(cs, forward(ts.clock.Next(), now, ts.period), false)
}

// cpu returns the state of cpu, panicking on an invalid CPU.
func (ts *TickSched) cpu(cpu int) *cpuState {
	if cpu < 0 || cpu >= len(ts.cpus) {
		panic(fmt.Sprintf("invalid CPU %d", cpu))
	}
	return ts.cpus[cpu]
}

// unlockCPU drains kicks that arrived while cs.mu was held, then unlocks it.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) unlockCPU(cs *cpuState) {
	for cs.kickPending.Swap(false) {
		ts.reevaluateLocked(cs, cs.dev.Now())
	}
	cs.mu.Unlock()
}

// NumCPUs returns the number of CPUs.
func (ts *TickSched) NumCPUs() int {
	return len(ts.cpus)
}

// Period returns the tick period.
func (ts *TickSched) Period() time.Duration {
	return ts.period
}

// Clock returns the period counter.
func (ts *TickSched) Clock() *jiffies.Clock {
	return ts.clock
}

// CurrentPeriodCount returns the period counter.
func (ts *TickSched) CurrentPeriodCount() uint64 {
	return ts.clock.Count()
}

// Owner returns the CPU that currently advances the period counter, or
// OwnerNone.
func (ts *TickSched) Owner() int {
	return int(ts.owner.Load())
}

// Stopped reports whether cpu's tick is suspended.
func (ts *TickSched) Stopped(cpu int) bool {
	return ts.cpu(cpu).stopped.Load()
}

// Online reports whether cpu is online.
func (ts *TickSched) Online(cpu int) bool {
	return ts.cpu(cpu).online.Load()
}

// IsFull reports whether cpu is a full dynticks CPU.
func (ts *TickSched) IsFull(cpu int) bool {
	return ts.cpu(cpu).full
}

// Snapshot returns the tick state of cpu. It may be called from any CPU.
func (ts *TickSched) Snapshot(cpu int) CPUStats {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.statsLocked()
}

// Dependencies returns the tick dependencies that currently apply to cpu.
func (ts *TickSched) Dependencies(cpu int) tickdep.Mask {
	task, proc := ts.collab.Scheduler.Current(cpu)
	return ts.deps.Effective(cpu, task, proc)
}

// forward returns the first instant on the grid base+k*period that is after
// now.
func forward(base, now ktime.Time, period time.Duration) ktime.Time {
	if base.After(now) {
		return base
	}
	n := int64(now.Sub(base)/period) + 1
	return base.Add(time.Duration(n) * period)
}
