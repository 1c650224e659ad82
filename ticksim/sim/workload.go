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

package sim

import (
	"errors"

	"gvisor.dev/dyntick/pkg/sentry/nohz"
	"gvisor.dev/dyntick/pkg/sentry/tickdep"
)

// action is one kind of workload step. do returns false if the step does
// not apply to cpu.
type action struct {
	name   string
	weight int
	do     func(t *trial, cpu int) bool
}

var workload = []action{
	{name: "advance", weight: 30, do: (*trial).advance},
	{name: "idle", weight: 12, do: (*trial).idle},
	{name: "wake", weight: 12, do: (*trial).wake},
	{name: "idle_loop", weight: 4, do: (*trial).idleLoop},
	{name: "syscall", weight: 8, do: (*trial).syscall},
	{name: "task_switch", weight: 6, do: (*trial).taskSwitch},
	{name: "irq", weight: 6, do: (*trial).irq},
	{name: "timer", weight: 6, do: (*trial).timer},
	{name: "rcu", weight: 4, do: (*trial).rcu},
	{name: "restart", weight: 2, do: (*trial).restart},
	{name: "dep_set", weight: 4, do: (*trial).depSet},
	{name: "dep_release", weight: 4, do: (*trial).depRelease},
	{name: "hotplug", weight: 1, do: (*trial).hotplug},
}

// advance lets up to three periods pass.
func (t *trial) advance(int) bool {
	t.runUntil(t.clock.Now().Add(t.jitter(0, 3)))
	return true
}

// idle puts cpu's task to sleep and runs the idle loop, asking the
// governor whether sleeping is worth stopping the tick.
func (t *trial) idle(cpu int) bool {
	if !t.running(cpu) {
		return false
	}
	c := &t.cpus[cpu]
	t.w.run(cpu, 0)
	if t.rng.IntN(4) == 0 {
		t.w.setIOWait(cpu, 1)
	}
	if t.rng.IntN(3) == 0 {
		t.w.queueLazyRCU(cpu, t.clock.Now().Add(t.jitter(1, 20)))
	}
	t.ts.IdleEnter(cpu)
	c.idle = true
	c.idleSince = t.clock.Now()
	t.idleLoop(cpu)
	return true
}

// idleLoop runs one pass of cpu's idle loop.
func (t *trial) idleLoop(cpu int) bool {
	if !t.cpus[cpu].online || !t.cpus[cpu].idle {
		return false
	}
	if t.rng.IntN(2) == 0 && t.ts.SleepLengthEstimate(cpu) < 2*t.period {
		t.ts.IdleRetainTick(cpu)
		return true
	}
	t.ts.IdleStopTick(cpu)
	return true
}

// wake ends cpu's idle period and runs a task on it.
func (t *trial) wake(cpu int) bool {
	c := &t.cpus[cpu]
	if !c.online || !c.idle {
		return false
	}
	task := t.w.freeTask(t.rng.IntN(t.numTasks), t.numTasks)
	if task == 0 {
		return false
	}
	t.ts.IdleExit(cpu)
	c.idle = false
	c.idleTotal += t.clock.Now().Sub(c.idleSince)
	t.w.setIOWait(cpu, 0)
	t.w.run(cpu, task)
	t.ts.TaskSwitch(cpu)
	t.ts.UserEnter(cpu)
	return true
}

// syscall enters and leaves the kernel on cpu. Full dynticks CPUs
// sometimes re-evaluate their tick directly on the way out.
func (t *trial) syscall(cpu int) bool {
	if !t.running(cpu) {
		return false
	}
	t.ts.KernelEntry(cpu)
	if t.ts.IsFull(cpu) && t.rng.IntN(4) == 0 {
		t.ts.AttemptStop(cpu)
		return true
	}
	t.ts.UserEnter(cpu)
	return true
}

// taskSwitch runs another task on cpu.
func (t *trial) taskSwitch(cpu int) bool {
	if !t.running(cpu) {
		return false
	}
	task := t.w.freeTask(t.rng.IntN(t.numTasks), t.numTasks)
	if task == 0 {
		return false
	}
	t.w.run(cpu, task)
	t.ts.TaskSwitch(cpu)
	return true
}

// irq runs a device interrupt on cpu, sometimes with a nested one.
func (t *trial) irq(cpu int) bool {
	if !t.cpus[cpu].online {
		return false
	}
	t.ts.IRQEnter(cpu)
	if t.rng.IntN(4) == 0 {
		t.ts.IRQEnter(cpu)
		t.ts.IRQExit(cpu)
	}
	t.ts.IRQExit(cpu)
	return true
}

// timer arms a timer from a task on cpu.
func (t *trial) timer(cpu int) bool {
	if !t.running(cpu) {
		return false
	}
	t.ts.KernelEntry(cpu)
	t.w.addTimer(cpu, t.clock.Now().Add(t.jitter(0.25, 40)))
	t.ts.UserEnter(cpu)
	return true
}

// rcu starts a grace period that needs a quiescent state from cpu.
func (t *trial) rcu(cpu int) bool {
	if !t.running(cpu) {
		return false
	}
	t.ts.KernelEntry(cpu)
	t.w.needRCU(cpu)
	t.ts.UserEnter(cpu)
	return true
}

// restart forces cpu's tick back on, as the kernel does when it needs the
// tick for a while.
func (t *trial) restart(cpu int) bool {
	if !t.running(cpu) {
		return false
	}
	t.ts.Restart(cpu)
	return true
}

// depSet takes a new tick dependency, from cpu if it runs a task or from
// outside any CPU otherwise.
func (t *trial) depSet(cpu int) bool {
	var d dep
	d.reason = tickdep.Reasons[t.rng.IntN(len(tickdep.Reasons))]
	switch t.rng.IntN(8) {
	case 0:
		d.scope = tickdep.Global()
	case 1, 2:
		d.scope = tickdep.OnCPU(t.rng.IntN(len(t.cpus)))
	case 3, 4, 5:
		d.scope = tickdep.OnTask(tickdep.TaskID(t.rng.IntN(t.numTasks) + 1))
	default:
		d.scope = tickdep.OnProcess(processOf(tickdep.TaskID(t.rng.IntN(t.numTasks) + 1)))
	}
	for _, held := range t.deps {
		if held == d {
			return false
		}
	}
	caller := nohz.Caller{CPU: nohz.NoCPU}
	if t.running(cpu) {
		caller.CPU = cpu
	}
	t.ts.RequestTickDependency(caller, d.scope, d.reason)
	t.deps = append(t.deps, d)
	return true
}

// depRelease drops a held dependency. Task and process dependencies are
// sometimes dropped together, as when the task or process exits.
func (t *trial) depRelease(int) bool {
	if len(t.deps) == 0 {
		return false
	}
	i := t.rng.IntN(len(t.deps))
	d := t.deps[i]
	kind := d.scope.Kind
	if (kind == tickdep.ScopeTask || kind == tickdep.ScopeProcess) && t.rng.IntN(3) == 0 {
		t.ts.ForgetTickDependencies(d.scope)
		kept := t.deps[:0]
		for _, held := range t.deps {
			if held.scope != d.scope {
				kept = append(kept, held)
			}
		}
		t.deps = kept
		return true
	}
	t.ts.ReleaseTickDependency(d.scope, d.reason)
	t.deps = append(t.deps[:i], t.deps[i+1:]...)
	return true
}

// hotplug takes cpu offline, or brings it back online.
func (t *trial) hotplug(cpu int) bool {
	c := &t.cpus[cpu]
	if !c.online {
		if err := t.ts.CPUOnline(cpu); err != nil {
			return false
		}
		c.online = true
		if task := t.w.freeTask(t.rng.IntN(t.numTasks), t.numTasks); task != 0 {
			t.w.run(cpu, task)
		}
		return true
	}

	veto := t.ts.VetoOfflineIfSoleHousekeeping(cpu)
	err := t.ts.CPUOffline(cpu)
	if vetoed := errors.Is(err, nohz.ErrOfflineVetoed); vetoed != veto {
		t.fault = t.failf("CPU %d offline vetoed %t, veto check said %t", cpu, vetoed, veto)
		return false
	}
	if err != nil {
		t.vetoes++
		return false
	}
	c.online = false
	if c.idle {
		c.idle = false
		c.idleTotal += t.clock.Now().Sub(c.idleSince)
	}
	t.w.run(cpu, 0)
	t.w.setIOWait(cpu, 0)
	return true
}
