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

// KernelEntry is called by cpu on entry to the kernel from user mode
// (syscall or exception).
func (ts *TickSched) KernelEntry(cpu int) {
	ts.fullUpdate(cpu)
}

// UserEnter is called by cpu just before returning to user mode.
func (ts *TickSched) UserEnter(cpu int) {
	ts.fullUpdate(cpu)
}

// TaskSwitch is called by cpu after switching to another task. The new
// task and process may carry their own dependencies.
func (ts *TickSched) TaskSwitch(cpu int) {
	ts.fullUpdate(cpu)
}

func (ts *TickSched) fullUpdate(cpu int) {
	cs := ts.cpu(cpu)
	cs.mu.Lock()
	ts.fullUpdateLocked(cs, cs.dev.Now())
	ts.unlockCPU(cs)
}

// fullUpdateLocked stops or restarts the tick of a busy full dynticks CPU
// according to its current dependencies.
//
// Preconditions: cs.mu is locked.
func (ts *TickSched) fullUpdateLocked(cs *cpuState, now ktime.Time) {
	if !cs.full || cs.inIdle || cs.irqDepth > 0 || cs.mode != ModeActive {
		return
	}
	ts.attemptStopLocked(cs, now)
}
