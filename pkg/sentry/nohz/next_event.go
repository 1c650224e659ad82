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
)

// nextEvent is the result of a next-event computation.
type nextEvent struct {
	// expires is the deadline of the next required tick. It is always after
	// the time of the computation.
	expires ktime.Time

	// canStop is false if the tick is running and the next event is within
	// one period, so stopping would gain nothing.
	canStop bool
}

// canStopLocked reports whether cs's tick may be suspended at all,
// independent of upcoming events.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) canStopLocked(cs *cpuState) bool {
	if !cs.online.Load() {
		if ts.owner.CompareAndSwap(int32(cs.cpu), OwnerNone) {
			ownerChanges.Increment("relinquish")
		}
		// Don't let an obsolete deadline survive until the CPU comes back.
		cs.nextTick = ktime.ZeroTime
		return false
	}
	if cs.mode != ModeActive || cs.degraded {
		return false
	}
	if ts.Dependencies(cs.cpu) != 0 {
		return false
	}
	if ts.fullRunning {
		owner := ts.owner.Load()
		// Keep the period owner ticking while full dynticks CPUs run.
		if owner == int32(cs.cpu) {
			return false
		}
		if owner == OwnerNone {
			ts.warn.Warningf("CPU %d: no period owner while full dynticks CPUs are running", cs.cpu)
			return false
		}
	}
	return true
}

// nextEventLocked computes when cs's tick must fire next and caches the
// result for the idle path.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) nextEventLocked(cs *cpuState, now ktime.Time) nextEvent {
	count, basis := ts.clock.Snapshot()
	cs.lastJiffies = count

	var next ktime.Time
	if ts.collab.RCU.NeedsCPU(cs.cpu) || ts.collab.Work.NeedsCPU(cs.cpu) {
		next = basis.Add(ts.period)
	} else {
		next = ts.collab.Timers.NextExpiry(cs.cpu, basis)
		cs.nextTimer = next
		if rcu, ok := ts.collab.RCU.NextRequired(cs.cpu, basis); ok {
			next = next.Min(rcu)
		}
	}

	ne := nextEvent{canStop: true}
	if next.Sub(basis) <= ts.period && !cs.stopped.Load() {
		ne.canStop = false
		ne.expires = forward(basis, now, ts.period)
		ts.cacheNextEventLocked(cs, basis, ne)
		return ne
	}

	// The CPU that advanced the period counter last bounds its sleep, so
	// that the counter is not left behind indefinitely. Everybody else may
	// sleep as long as it likes.
	deferment := ts.maxDefer
	if owner := ts.owner.Load(); owner != int32(cs.cpu) && (owner != OwnerNone || !cs.doTimerLast) {
		deferment = ktime.MaxDuration
	}
	ne.expires = basis.Add(deferment).Min(next)
	if !ne.expires.After(now) {
		ne.expires = forward(basis, now, ts.period)
	}
	ts.cacheNextEventLocked(cs, basis, ne)
	return ne
}

// Preconditions: cs.mu is locked.
func (ts *TickSched) cacheNextEventLocked(cs *cpuState, basis ktime.Time, ne nextEvent) {
	cs.timerCached = true
	cs.timerCanStop = ne.canStop
	cs.timerExpires = ne.expires
	cs.timerExpiresBase = basis
}
