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
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sentry/tickdep"
)

// Timers reports pending timer deadlines.
type Timers interface {
	// NextExpiry returns the earliest pending timer deadline on cpu at or
	// after basis, or ktime.MaxTime if there is none.
	NextExpiry(cpu int, basis ktime.Time) ktime.Time
}

// RCU is the read-copy-update collaborator.
type RCU interface {
	// NeedsCPU reports whether RCU needs cpu's periodic tick right now.
	NeedsCPU(cpu int) bool

	// NextRequired returns the next instant at which RCU needs cpu to wake.
	// ok is false if RCU does not need cpu.
	NextRequired(cpu int, basis ktime.Time) (t ktime.Time, ok bool)
}

// Scheduler is the process scheduler collaborator.
//
// The On* methods are called with a CPU's tick state locked and must not
// block. They may call TickSched.RequestTickDependency. NrIOWait, Current
// and TaskCPU may be called from any CPU.
type Scheduler interface {
	// OnPeriodAdvanced is called after the period counter moved by count
	// periods.
	OnPeriodAdvanced(count uint64)

	// OnIdleEnter is called when cpu enters idle.
	OnIdleEnter(cpu int)

	// OnIdleExit is called when cpu leaves idle.
	OnIdleExit(cpu int)

	// OnTick is called on every tick cpu takes.
	OnTick(cpu int)

	// NrIOWait returns the number of tasks on cpu blocked on I/O.
	NrIOWait(cpu int) int

	// Current returns the task and process running on cpu. Zero IDs mean
	// none.
	Current(cpu int) (tickdep.TaskID, tickdep.ProcessID)

	// TaskCPU returns the CPU task is running on.
	TaskCPU(task tickdep.TaskID) (cpu int, ok bool)
}

// WorkPending reports architecture or soft-interrupt work that needs the
// periodic tick.
type WorkPending interface {
	NeedsCPU(cpu int) bool
}

// Collaborators bundles the external contracts. Nil members are replaced by
// implementations that never need the tick.
type Collaborators struct {
	Timers    Timers
	RCU       RCU
	Scheduler Scheduler
	Work      WorkPending
}

type noTimers struct{}

func (noTimers) NextExpiry(int, ktime.Time) ktime.Time { return ktime.MaxTime }

type noRCU struct{}

func (noRCU) NeedsCPU(int) bool { return false }
func (noRCU) NextRequired(int, ktime.Time) (ktime.Time, bool) { return ktime.Time{}, false }

type noScheduler struct{}

func (noScheduler) OnPeriodAdvanced(uint64) {}
func (noScheduler) OnIdleEnter(int) {}
func (noScheduler) OnIdleExit(int) {}
func (noScheduler) OnTick(int) {}
func (noScheduler) NrIOWait(int) int { return 0 }
func (noScheduler) Current(int) (tickdep.TaskID, tickdep.ProcessID) { return 0, 0 }
func (noScheduler) TaskCPU(tickdep.TaskID) (int, bool) { return 0, false }

type noWork struct{}

func (noWork) NeedsCPU(int) bool { return false }

func (c *Collaborators) setDefaults() {
	if c.Timers == nil {
		c.Timers = noTimers{}
	}
	if c.RCU == nil {
		c.RCU = noRCU{}
	}
	if c.Scheduler == nil {
		c.Scheduler = noScheduler{}
	}
	if c.Work == nil {
		c.Work = noWork{}
	}
}
