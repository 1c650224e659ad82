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

	"gvisor.dev/dyntick/pkg/log"
	"gvisor.dev/dyntick/pkg/sentry/clockevent"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
)

// armLocked programs the running tick for expires. If the device rejects
// the deadline and fireOnBusy is set, the tick is taken immediately;
// otherwise the tick is moved to the next period boundary.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) armLocked(cs *cpuState, expires ktime.Time, fireOnBusy bool) {
	cs.tickExpires = expires
	err := cs.dev.Program(expires)
	if err == nil {
		return
	}
	if !errors.Is(err, clockevent.ErrBusy) {
		ts.warn.Warningf("CPU %d: programming tick for %v: %v", cs.cpu, expires, err)
	}
	expiredPrograms.Increment()
	now := cs.dev.Now()
	if fireOnBusy {
		ts.tickLocked(cs, now, false)
		return
	}
	next := forward(expires, now, ts.period)
	cs.tickExpires = next
	if err := cs.dev.Program(next); err != nil {
		ts.warn.Warningf("CPU %d: clock event device rejected tick at %v: %v", cs.cpu, next, err)
	}
}

// tickLocked runs the periodic tick work for cs at now and rearms the
// device.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) tickLocked(cs *cpuState, now ktime.Time, fireOnBusy bool) {
	if cs.mode == ModeInactive {
		ts.switchToOneshotLocked(cs)
	}
	ts.doTimerLocked(cs, now)
	if cs.inIdle {
		cs.gotIdleTick = true
	}
	ts.collab.Scheduler.OnTick(cs.cpu)

	if cs.stopped.Load() {
		// The suspended tick expired. Either the programmed event is due or
		// the deadline was a bound on deferment; in both cases go back to
		// periodic operation and let the next exit path decide again.
		if cs.inIdle {
			cs.idleJiffies++
		}
		cs.nextTick = ktime.ZeroTime
		ts.restartLocked(cs, now, fireOnBusy)
		return
	}

	next := now.Add(ts.period)
	if cs.mode == ModeActive {
		next = forward(cs.tickExpires, now, ts.period)
	}
	ts.armLocked(cs, next, fireOnBusy)
}

// attemptStopLocked stops cs's tick if nothing needs it. It returns true if
// the tick is stopped on return.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) attemptStopLocked(cs *cpuState, now ktime.Time) bool {
	if cs.mode != ModeActive {
		return false
	}
	if !ts.canStopLocked(cs) {
		if cs.stopped.Load() {
			ts.restartLocked(cs, now, false)
		}
		return false
	}
	ne := ts.nextEventLocked(cs, now)
	if !ne.canStop {
		return false
	}
	ts.stopTickLocked(cs, now, ne.expires)
	return cs.stopped.Load()
}

// stopTickLocked suspends the tick, or moves the deadline of an already
// suspended tick, to expires. expires of ktime.MaxTime cancels the device.
//
// Preconditions: cs.mu is locked. ts.canStopLocked(cs) is true.
func (ts *TickSched) stopTickLocked(cs *cpuState, now, expires ktime.Time) {
	cs.timerCached = false

	// Hand off period ownership. The last owner keeps a bounded deferment
	// so the counter does not stall with nobody left to claim it.
	if owner := ts.owner.Load(); owner == int32(cs.cpu) {
		if ts.owner.CompareAndSwap(owner, OwnerNone) {
			ownerChanges.Increment("relinquish")
			log.Debugf("CPU %d relinquished period ownership", cs.cpu)
		}
		cs.doTimerLast = true
	} else if owner != OwnerNone {
		cs.doTimerLast = false
	}

	wasStopped := cs.stopped.Load()
	if wasStopped && expires == cs.nextTick {
		return
	}
	if !wasStopped {
		cs.lastTick = cs.tickExpires
		cs.stopped.Store(true)
		if cs.inIdle {
			tickStops.Increment("idle")
		} else {
			tickStops.Increment("full")
		}
		log.Debugf("CPU %d stopped tick, next event %v", cs.cpu, expires)
	}
	cs.nextTick = expires

	if expires.IsMax() {
		cs.dev.Cancel()
		return
	}
	stopLength.AddSample(int64(expires.Sub(now)))
	if err := cs.dev.Program(expires); err != nil {
		expiredPrograms.Increment()
		ts.tickLocked(cs, cs.dev.Now(), false)
	}
}

// restartLocked resumes periodic operation on the grid the tick was
// stopped on. It does nothing if the tick is running.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) restartLocked(cs *cpuState, now ktime.Time, fireOnBusy bool) {
	if cs.mode != ModeActive || !cs.stopped.Load() {
		return
	}
	cs.dev.Cancel()
	// With ownership vacant nobody else keeps the counter current.
	if owner := ts.owner.Load(); owner == int32(cs.cpu) || owner == OwnerNone {
		ts.clock.Advance(now)
	}
	cs.stopped.Store(false)
	cs.nextTick = ktime.ZeroTime
	cs.timerCached = false
	cs.idleExitTime = now
	tickRestarts.Increment()
	log.Debugf("CPU %d restarted tick", cs.cpu)
	ts.armLocked(cs, forward(cs.lastTick, now, ts.period), fireOnBusy)
}

// switchToOneshotLocked moves cs from ModeInactive to ModeActive.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) switchToOneshotLocked(cs *cpuState) bool {
	if cs.mode != ModeInactive {
		return false
	}
	cs.mode = ModeActive
	log.Debugf("CPU %d switched to dynamic tick mode", cs.cpu)
	return true
}

// irqEnterLocked is called on entry to interrupt context.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) irqEnterLocked(cs *cpuState, now ktime.Time) {
	cs.irqDepth++
	if cs.idleActive.Load() {
		ts.stopIdleLocked(cs, now)
	}
	// The period counter may be stale if every CPU is asleep, and the
	// interrupt handler may look at it.
	if cs.stopped.Load() {
		ts.clock.Advance(now)
	}
}

// irqExitLocked is called on exit from interrupt context.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) irqExitLocked(cs *cpuState, now ktime.Time) {
	if cs.irqDepth == 0 {
		contractViolations.Increment("unbalanced_irq_exit")
		ts.warn.Warningf("CPU %d: interrupt exit without matching entry", cs.cpu)
		return
	}
	cs.irqDepth--
	if cs.irqDepth > 0 {
		return
	}
	ts.reevaluateLocked(cs, now)
}

// reevaluateLocked decides again whether cs's tick should run, after an
// interrupt or a kick.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) reevaluateLocked(cs *cpuState, now ktime.Time) {
	if !cs.online.Load() {
		return
	}
	if cs.inIdle {
		if cs.irqDepth > 0 {
			return
		}
		if !cs.idleActive.Load() {
			ts.startIdleLocked(cs, now)
		}
		// Only a stopped tick is revisited here. The idle loop decides
		// whether to stop a running one.
		if cs.stopped.Load() {
			ts.attemptStopLocked(cs, now)
		}
		return
	}
	ts.fullUpdateLocked(cs, now)
}

// HandleTimer is the clock event handler for cpu.
func (ts *TickSched) HandleTimer(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	if !cs.online.Load() {
		cs.mu.Unlock()
		return
	}
	now := cs.dev.Now()
	ts.irqEnterLocked(cs, now)
	ts.tickLocked(cs, now, true)
	ts.irqExitLocked(cs, now)
	ts.unlockCPU(cs)
}

// IRQEnter must be called by cpu on entry to an interrupt handler other
// than the tick itself.
func (ts *TickSched) IRQEnter(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	ts.irqEnterLocked(cs, cs.dev.Now())
	ts.unlockCPU(cs)
}

// IRQExit must be called by cpu on exit from an interrupt handler entered
// with IRQEnter.
func (ts *TickSched) IRQExit(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	ts.irqExitLocked(cs, cs.dev.Now())
	ts.unlockCPU(cs)
}

// AttemptStop stops cpu's tick if no dependency, pending event or ownership
// duty requires it. It returns true if the tick is stopped.
func (ts *TickSched) AttemptStop(cpu int) bool {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	stopped := ts.attemptStopLocked(cs, cs.dev.Now())
	ts.unlockCPU(cs)
	return stopped
}

// Restart resumes cpu's periodic tick. Restarting a running tick does
// nothing.
func (ts *TickSched) Restart(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	ts.restartLocked(cs, cs.dev.Now(), true)
	ts.unlockCPU(cs)
}

// SwitchToOneshot enables dynamic tick operation on cpu. It returns false
// if cpu is already dynamic or suspension is disabled.
func (ts *TickSched) SwitchToOneshot(cpu int) bool {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	defer ts.unlockCPU(cs)
	return ts.switchToOneshotLocked(cs)
}
