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
	"gvisor.dev/dyntick/pkg/log"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
)

// doTimerLocked claims period ownership for cs if nobody holds it and
// advances the period counter if cs is the owner.
//
// Full dynticks CPUs never claim ownership; a housekeeping CPU always
// holds it while they run.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) doTimerLocked(cs *cpuState, now ktime.Time) {
	if !cs.full && ts.claimLocked(cs) {
		log.Infof("CPU %d claimed period ownership", cs.cpu)
	}
	if ts.owner.Load() == int32(cs.cpu) {
		ts.clock.Advance(now)
	}
}

// claimLocked makes cs the period owner if there is none.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) claimLocked(cs *cpuState) bool {
	if !ts.owner.CompareAndSwap(OwnerNone, int32(cs.cpu)) {
		return false
	}
	ownerChanges.Increment("claim")
	return true
}

// handoffTarget returns an online housekeeping CPU other than cpu, or
// OwnerNone.
func (ts *TickSched) handoffTarget(cpu int) int {
	for _, cs := range ts.cpus {
		if cs.cpu != cpu && !cs.full && cs.online.Load() {
			return cs.cpu
		}
	}
	return OwnerNone
}
