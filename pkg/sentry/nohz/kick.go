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
	"gvisor.dev/dyntick/pkg/sentry/tickdep"
)

// NoCPU is the Caller.CPU of contexts not running on any CPU.
const NoCPU = -1

// Caller describes the context requesting a tick dependency.
type Caller struct {
	// CPU is the CPU the caller runs on, or NoCPU.
	CPU int

	// NMI is set if the caller runs in non-maskable interrupt context.
	// Such callers may only kick their own CPU.
	NMI bool
}

// RequestTickDependency sets reason in scope. If the scope had no reasons
// set, every online CPU the scope may currently apply to is kicked so that
// it restarts its tick.
func (ts *TickSched) RequestTickDependency(c Caller, scope tickdep.Scope, reason tickdep.Reason) {
	if !ts.deps.Set(scope, reason) {
		return
	}
	kicks.Increment(scope.Kind.String())
	switch scope.Kind {
	case tickdep.ScopeGlobal:
		for cpu := range ts.cpus {
			ts.kick(c, cpu)
		}
	case tickdep.ScopeCPU:
		ts.kick(c, int(scope.ID))
	case tickdep.ScopeTask:
		if cpu, ok := ts.collab.Scheduler.TaskCPU(tickdep.TaskID(scope.ID)); ok {
			ts.kick(c, cpu)
		}
	case tickdep.ScopeProcess:
		for cpu := range ts.cpus {
			if _, proc := ts.collab.Scheduler.Current(cpu); proc == tickdep.ProcessID(scope.ID) {
				ts.kick(c, cpu)
			}
		}
	}
}

// ReleaseTickDependency clears reason in scope. CPUs notice on their next
// evaluation; nothing is kicked.
func (ts *TickSched) ReleaseTickDependency(scope tickdep.Scope, reason tickdep.Reason) {
	ts.deps.Clear(scope, reason)
}

// ForgetTickDependencies drops the dependency mask of an exited task or
// process.
func (ts *TickSched) ForgetTickDependencies(scope tickdep.Scope) {
	ts.deps.Forget(scope)
}

// kick asks cpu to re-evaluate its tick.
func (ts *TickSched) kick(c Caller, cpu int) {
	if cpu < 0 || cpu >= len(ts.cpus) {
		return
	}
	cs := ts.cpus[cpu]
	if !cs.online.Load() {
		return
	}
	cs.kickPending.Store(true)
	if cpu == c.CPU {
		// NMI context may not take the lock at all. Otherwise, if the
		// caller interrupted a critical section on this CPU, the flag is
		// drained when that section ends.
		if !c.NMI && cs.mu.TryLock() {
			ts.unlockCPU(cs)
		}
		return
	}
	if c.NMI {
		// The target did nothing wrong and keeps its state; the flag is
		// picked up at its next interrupt.
		contractViolations.Increment("nmi_remote_kick")
		ts.warn.Warningf("CPU %d: remote kick of CPU %d from NMI context; deferring to its next interrupt", c.CPU, cpu)
		return
	}
	ts.kickFunc(cpu)
}

// HandleKick is the kick handler for cpu. It runs in interrupt context on
// cpu.
func (ts *TickSched) HandleKick(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	cs.kickPending.Store(false)
	if !cs.online.Load() {
		cs.mu.Unlock()
		return
	}
	now := cs.dev.Now()
	ts.irqEnterLocked(cs, now)
	ts.irqExitLocked(cs, now)
	ts.unlockCPU(cs)
}
