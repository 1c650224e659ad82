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

	"gvisor.dev/dyntick/pkg/log"
)

// VetoOfflineIfSoleHousekeeping reports whether taking cpu offline must be
// refused because it is the last online housekeeping CPU.
func (ts *TickSched) VetoOfflineIfSoleHousekeeping(cpu int) bool {
	cs := ts.cpu(cpu)
	if cs.full || !cs.online.Load() {
		return false
	}
	return ts.handoffTarget(cpu) == OwnerNone
}

// CPUOffline takes cpu offline. It returns an error wrapping
// ErrOfflineVetoed if cpu is the last online housekeeping CPU.
func (ts *TickSched) CPUOffline(cpu int) error {
	ts.hotplugMu.Lock()
	defer ts.hotplugMu.Unlock()

	if ts.VetoOfflineIfSoleHousekeeping(cpu) {
		return fmt.Errorf("CPU %d: %w", cpu, ErrOfflineVetoed)
	}
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.online.Load() {
		return nil
	}
	now := cs.dev.Now()
	if cs.idleActive.Load() {
		ts.stopIdleLocked(cs, now)
	}
	cs.online.Store(false)
	cs.dev.Cancel()

	if ts.owner.Load() == int32(cpu) {
		to := OwnerNone
		if ts.fullRunning {
			// Full dynticks CPUs need a housekeeping CPU to keep the counter
			// moving. The target is kicked so it notices before its tick
			// would otherwise have stopped.
			to = ts.handoffTarget(cpu)
		}
		if ts.owner.CompareAndSwap(int32(cpu), int32(to)) {
			if to == OwnerNone {
				ownerChanges.Increment("relinquish")
			} else {
				ownerChanges.Increment("handoff")
				log.Infof("Period ownership handed from CPU %d to CPU %d", cpu, to)
				ts.kick(Caller{CPU: cpu}, to)
			}
		}
	}
	cs.resetLocked(cs.mode)
	log.Infof("CPU %d offline", cpu)
	return nil
}

// CPUOnline brings cpu back online with a running tick.
func (ts *TickSched) CPUOnline(cpu int) error {
	ts.hotplugMu.Lock()
	defer ts.hotplugMu.Unlock()

	cs := ts.cpu(cpu)
	cs.mu.Lock()
	if cs.online.Load() {
		cs.mu.Unlock()
		return nil
	}
	ts.bringUpLocked(cs)
	if !cs.full && ts.claimLocked(cs) {
		log.Infof("CPU %d claimed period ownership", cpu)
		// The counter may have been left behind while ownership was
		// vacant; bring it current before any other CPU ticks.
		ts.clock.Advance(cs.dev.Now())
	}
	ts.unlockCPU(cs)
	log.Infof("CPU %d online", cpu)
	return nil
}
