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
	"time"

	"gvisor.dev/dyntick/pkg/log"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
)

// IdleEnter is called by cpu when it enters the idle loop.
func (ts *TickSched) IdleEnter(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	now := cs.dev.Now()
	if cs.inIdle {
		ts.violationLocked(cs, now, "double_idle_enter", "idle entry while already idle")
		ts.unlockCPU(cs)
		return
	}
	cs.inIdle = true
	cs.gotIdleTick = false
	cs.timerCached = false
	if cs.irqDepth == 0 {
		ts.startIdleLocked(cs, now)
	}
	ts.collab.Scheduler.OnIdleEnter(cpu)
	ts.unlockCPU(cs)
}

// IdleStopTick is called by the idle loop of cpu once it has decided to
// sleep. It stops the tick if possible and returns true if the tick is
// stopped.
func (ts *TickSched) IdleStopTick(cpu int) bool {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	stopped := ts.idleStopTickLocked(cs, cs.dev.Now())
	ts.unlockCPU(cs)
	return stopped
}

// Preconditions: cs.mu is locked.
func (ts *TickSched) idleStopTickLocked(cs *cpuState, now ktime.Time) bool {
	if !cs.inIdle {
		log.Debugf("CPU %d: idle tick stop outside idle", cs.cpu)
		return false
	}
	if cs.mode != ModeActive {
		return false
	}
	if !ts.canStopLocked(cs) {
		cs.timerCached = false
		if cs.stopped.Load() {
			ts.restartLocked(cs, now, false)
		}
		return false
	}

	// Reuse the estimate the governor was given, unless it went stale.
	var ne nextEvent
	if cs.timerCached && cs.timerExpires.After(now) {
		ne = nextEvent{expires: cs.timerExpires, canStop: cs.timerCanStop}
	} else {
		ne = ts.nextEventLocked(cs, now)
	}
	cs.idleCalls++
	if !ne.canStop {
		cs.timerCached = false
		return false
	}

	wasStopped := cs.stopped.Load()
	ts.stopTickLocked(cs, now, ne.expires)
	if !cs.stopped.Load() {
		return false
	}
	cs.idleSleeps++
	cs.idleExpires = ne.expires
	if !wasStopped {
		cs.idleJiffies = cs.lastJiffies
	}
	return true
}

// IdleRetainTick is called by the idle loop of cpu when it decides to
// sleep briefly with the tick running.
func (ts *TickSched) IdleRetainTick(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	cs.timerCached = false
	ts.unlockCPU(cs)
}

// IdleExit is called by cpu when it leaves the idle loop.
func (ts *TickSched) IdleExit(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	now := cs.dev.Now()
	if !cs.inIdle {
		ts.violationLocked(cs, now, "idle_exit_without_enter", "idle exit without idle entry")
		ts.unlockCPU(cs)
		return
	}
	if cs.idleActive.Load() {
		ts.stopIdleLocked(cs, now)
	}
	cs.inIdle = false
	cs.timerCached = false
	cs.idleExitTime = now
	ts.restartLocked(cs, now, true)
	ts.collab.Scheduler.OnIdleExit(cs.cpu)
	ts.unlockCPU(cs)
}

// SleepLengthEstimate returns how long cpu could sleep if it stopped its
// tick now. If the tick cannot be stopped it returns the time until the
// currently programmed tick.
func (ts *TickSched) SleepLengthEstimate(cpu int) time.Duration {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	defer ts.unlockCPU(cs)

	now := cs.dev.Now()
	cur := cs.tickExpires
	if cs.stopped.Load() {
		cur = cs.nextTick
	}
	deltaNext := cur.Sub(now)
	if cs.mode != ModeActive || !ts.canStopLocked(cs) {
		return deltaNext
	}
	ne := ts.nextEventLocked(cs, now)
	if !ne.canStop {
		return deltaNext
	}
	return ne.expires.Sub(now)
}

// IdleTime returns the total time cpu spent idle, and idle with tasks
// blocked on I/O, including an idle interval in progress. It may be called
// from any CPU.
func (ts *TickSched) IdleTime(cpu int) (idle, iowait time.Duration) {
	cs := ts.cpu(cpu)
	now := cs.dev.Now()
	inIOWait := ts.collab.Scheduler.NrIOWait(cpu) > 0
	for {
		epoch := cs.idleSeq.BeginRead()
		idle = time.Duration(cs.idleTime.Load())
		iowait = time.Duration(cs.iowaitTime.Load())
		if cs.idleActive.Load() {
			if delta := now.Sub(ktime.FromNanoseconds(cs.idleEntry.Load())); delta > 0 {
				if inIOWait {
					iowait += delta
				} else {
					idle += delta
				}
			}
		}
		if cs.idleSeq.ReadOk(epoch) {
			return idle, iowait
		}
	}
}

// startIdleLocked opens an idle accounting interval.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) startIdleLocked(cs *cpuState, now ktime.Time) {
	cs.idleSeq.BeginWrite()
	cs.idleEntry.Store(now.Nanoseconds())
	cs.idleActive.Store(true)
	cs.idleSeq.EndWrite()
}

// stopIdleLocked closes the open idle accounting interval and charges it to
// idle or iowait time.
//
// Preconditions: cs.mu is locked. cs.idleActive is set.
func (ts *TickSched) stopIdleLocked(cs *cpuState, now ktime.Time) {
	iowait := ts.collab.Scheduler.NrIOWait(cs.cpu) > 0
	cs.idleSeq.BeginWrite()
	if delta := now.Sub(ktime.FromNanoseconds(cs.idleEntry.Load())); delta > 0 {
		if iowait {
			cs.iowaitTime.Add(int64(delta))
		} else {
			cs.idleTime.Add(int64(delta))
		}
	}
	cs.idleEntry.Store(now.Nanoseconds())
	cs.idleActive.Store(false)
	cs.idleSeq.EndWrite()
}

// violationLocked records a misuse of the tick API on cs. The CPU keeps its
// tick running until it goes offline.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) violationLocked(cs *cpuState, now ktime.Time, kind, what string) {
	contractViolations.Increment(kind)
	ts.warn.Warningf("CPU %d: %s; keeping the tick running", cs.cpu, what)
	cs.degraded = true
	ts.restartLocked(cs, now, false)
}
