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
	"fmt"
	"time"

	"gvisor.dev/dyntick/pkg/atomicbitops"
	"gvisor.dev/dyntick/pkg/sentry/clockevent"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sync"
)

// Mode is a CPU's tick mode.
type Mode int

// Tick modes.
const (
	// ModePeriodicOnly means tick suspension is disabled. The tick is always
	// rearmed one period ahead.
	ModePeriodicOnly Mode = iota

	// ModeInactive means tick suspension is enabled but the CPU has not yet
	// switched to one-shot operation.
	ModeInactive

	// ModeActive is the normal dynamic tick mode.
	ModeActive
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModePeriodicOnly:
		return "periodic"
	case ModeInactive:
		return "inactive"
	case ModeActive:
		return "active"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// cpuState is the tick state of one CPU.
//
// Lock order: cpuState.mu, then jiffies.Clock.mu.
type cpuState struct {
	// Immutable.
	cpu  int
	full bool
	dev  clockevent.Device

	// mu stands in for "interrupts disabled" on this CPU. It is only taken by
	// contexts running on this CPU (API calls for this CPU, device expiry and
	// kick handling), and by Snapshot.
	mu sync.Mutex

	// The following fields are protected by mu.

	mode Mode

	// tickExpires is the deadline of the running periodic tick.
	tickExpires ktime.Time

	// lastTick is tickExpires at the time the tick was stopped; the tick
	// restarts on its grid.
	lastTick ktime.Time

	// nextTick is the deadline programmed while stopped, ktime.MaxTime if
	// the device is cancelled, or zero if none.
	nextTick ktime.Time

	// inIdle is set between IdleEnter and IdleExit.
	inIdle bool

	// irqDepth counts nested interrupt contexts.
	irqDepth int

	// doTimerLast records that this CPU gave up period ownership when it
	// last stopped its tick.
	doTimerLast bool

	// gotIdleTick is set when a tick fires while idle.
	gotIdleTick bool

	// degraded is set after a contract violation. A degraded CPU never
	// stops its tick. It is cleared by an offline/online cycle.
	degraded bool

	// timerExpires and timerExpiresBase cache the last next-event
	// computation for the idle path. timerCanStop is its verdict and
	// timerCached its validity.
	timerCached      bool
	timerCanStop     bool
	timerExpires     ktime.Time
	timerExpiresBase ktime.Time

	// nextTimer is the last timer deadline reported by Timers.
	nextTimer ktime.Time

	// lastJiffies is the period count observed by the last next-event
	// computation.
	lastJiffies uint64

	idleCalls    uint64
	idleSleeps   uint64
	idleJiffies  uint64
	idleExpires  ktime.Time
	idleExitTime ktime.Time

	// The following fields are read by other CPUs.

	// stopped mirrors whether the tick is suspended. Writes require mu.
	stopped atomicbitops.Bool

	// online is whether the CPU is online. Writes require mu.
	online atomicbitops.Bool

	// kickPending is the single-slot kick flag. It is set by any CPU and
	// drained by this CPU when it leaves a critical section.
	kickPending atomicbitops.Bool

	// idleSeq publishes the idle accounting fields below. Writes require mu.
	idleSeq    sync.SeqCount
	idleActive atomicbitops.Bool
	idleEntry  atomicbitops.Int64
	idleTime   atomicbitops.Int64
	iowaitTime atomicbitops.Int64
}

// CPUStats is a snapshot of a CPU's tick state.
type CPUStats struct {
	CPU          int           `json:"cpu" yaml:"cpu"`
	Online       bool          `json:"online" yaml:"online"`
	Full         bool          `json:"full" yaml:"full"`
	Mode         Mode          `json:"mode" yaml:"mode"`
	Stopped      bool          `json:"stopped" yaml:"stopped"`
	Degraded     bool          `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	InIdle       bool          `json:"in_idle" yaml:"in_idle"`
	IdleActive   bool          `json:"idle_active" yaml:"idle_active"`
	DoTimerLast  bool          `json:"do_timer_last" yaml:"do_timer_last"`
	GotIdleTick  bool          `json:"got_idle_tick" yaml:"got_idle_tick"`
	TickExpires  ktime.Time    `json:"tick_expires" yaml:"tick_expires"`
	LastTick     ktime.Time    `json:"last_tick" yaml:"last_tick"`
	NextTick     ktime.Time    `json:"next_tick" yaml:"next_tick"`
	NextTimer    ktime.Time    `json:"next_timer" yaml:"next_timer"`
	IdleEntry    ktime.Time    `json:"idle_entry" yaml:"idle_entry"`
	IdleExpires  ktime.Time    `json:"idle_expires" yaml:"idle_expires"`
	IdleExitTime ktime.Time    `json:"idle_exit_time" yaml:"idle_exit_time"`
	IdleTime     time.Duration `json:"idle_time" yaml:"idle_time"`
	IOWaitTime   time.Duration `json:"iowait_time" yaml:"iowait_time"`
	IdleCalls    uint64        `json:"idle_calls" yaml:"idle_calls"`
	IdleSleeps   uint64        `json:"idle_sleeps" yaml:"idle_sleeps"`
	IdleJiffies  uint64        `json:"idle_jiffies" yaml:"idle_jiffies"`
	LastJiffies  uint64        `json:"last_jiffies" yaml:"last_jiffies"`
}

// Preconditions: cs.mu is locked.
func (cs *cpuState) statsLocked() CPUStats {
	return CPUStats{
		CPU:          cs.cpu,
		Online:       cs.online.Load(),
		Full:         cs.full,
		Mode:         cs.mode,
		Stopped:      cs.stopped.Load(),
		Degraded:     cs.degraded,
		InIdle:       cs.inIdle,
		IdleActive:   cs.idleActive.Load(),
		DoTimerLast:  cs.doTimerLast,
		GotIdleTick:  cs.gotIdleTick,
		TickExpires:  cs.tickExpires,
		LastTick:     cs.lastTick,
		NextTick:     cs.nextTick,
		NextTimer:    cs.nextTimer,
		IdleEntry:    ktime.FromNanoseconds(cs.idleEntry.Load()),
		IdleExpires:  cs.idleExpires,
		IdleExitTime: cs.idleExitTime,
		IdleTime:     time.Duration(cs.idleTime.Load()),
		IOWaitTime:   time.Duration(cs.iowaitTime.Load()),
		IdleCalls:    cs.idleCalls,
		IdleSleeps:   cs.idleSleeps,
		IdleJiffies:  cs.idleJiffies,
		LastJiffies:  cs.lastJiffies,
	}
}

// resetLocked returns cs to its boot state, preserving idle time totals.
//
// Preconditions: cs.mu is locked.
func (cs *cpuState) resetLocked(mode Mode) {
	cs.mode = mode
	cs.tickExpires = ktime.ZeroTime
	cs.lastTick = ktime.ZeroTime
	cs.nextTick = ktime.ZeroTime
	cs.inIdle = false
	cs.irqDepth = 0
	cs.doTimerLast = false
	cs.gotIdleTick = false
	cs.degraded = false
	cs.timerCached = false
	cs.nextTimer = ktime.ZeroTime
	cs.idleExpires = ktime.ZeroTime
	cs.stopped.Store(false)
	cs.kickPending.Store(false)
}
