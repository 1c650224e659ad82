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
	"fmt"
	"time"

	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sentry/nohz"
	"gvisor.dev/dyntick/pkg/sentry/tickdep"
	"gvisor.dev/dyntick/pkg/sync"
)

// world is the machine around the tick core: one pending timer and the RCU
// state of each CPU, and the tasks the CPUs run. It implements the
// nohz.Timers, nohz.RCU and nohz.Scheduler collaborators.
//
// Task t belongs to process (t+1)/2, so processes have two tasks each.
type world struct {
	now    func() ktime.Time
	period time.Duration

	// ts is set once the tick core exists. It is only read from OnTick.
	ts *nohz.TickSched

	// strict enables the checks made on every tick. They assume that CPUs
	// never run concurrently.
	strict bool

	mu sync.Mutex

	// All fields below are protected by mu.

	// timers is the earliest pending timer per CPU, or ktime.MaxTime.
	timers []ktime.Time

	// rcuNeeds is set while RCU waits for a quiescent state of the CPU,
	// which the CPU reports on its next tick.
	rcuNeeds []bool

	// rcuNext is when RCU's lazy callbacks of the CPU need to run, or zero.
	rcuNext []ktime.Time

	current  []tickdep.TaskID
	taskCPU  map[tickdep.TaskID]int
	iowait   []int
	ticks    []uint64
	advanced uint64

	timersFired  uint64
	rcuQuiescent uint64

	// fault is the first broken tick-time property, if any.
	fault error
}

func newWorld(numCPUs int, period time.Duration, now func() ktime.Time, strict bool) *world {
	w := &world{
		now:      now,
		period:   period,
		strict:   strict,
		timers:   make([]ktime.Time, numCPUs),
		rcuNeeds: make([]bool, numCPUs),
		rcuNext:  make([]ktime.Time, numCPUs),
		current:  make([]tickdep.TaskID, numCPUs),
		taskCPU:  make(map[tickdep.TaskID]int),
		iowait:   make([]int, numCPUs),
		ticks:    make([]uint64, numCPUs),
	}
	for cpu := range w.timers {
		w.timers[cpu] = ktime.MaxTime
	}
	return w
}

// processOf returns the process task belongs to.
func processOf(task tickdep.TaskID) tickdep.ProcessID {
	if task == 0 {
		return 0
	}
	return tickdep.ProcessID((task + 1) / 2)
}

// NextExpiry implements nohz.Timers.NextExpiry.
func (w *world) NextExpiry(cpu int, basis ktime.Time) ktime.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timers[cpu]
}

// NeedsCPU implements nohz.RCU.NeedsCPU.
func (w *world) NeedsCPU(cpu int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rcuNeeds[cpu]
}

// NextRequired implements nohz.RCU.NextRequired.
func (w *world) NextRequired(cpu int, basis ktime.Time) (ktime.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rcuNext[cpu].IsZero() {
		return ktime.Time{}, false
	}
	return w.rcuNext[cpu], true
}

// OnPeriodAdvanced implements nohz.Scheduler.OnPeriodAdvanced.
func (w *world) OnPeriodAdvanced(n uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advanced += n
}

// OnIdleEnter implements nohz.Scheduler.OnIdleEnter.
func (w *world) OnIdleEnter(int) {}

// OnIdleExit implements nohz.Scheduler.OnIdleExit.
func (w *world) OnIdleExit(int) {}

// OnTick implements nohz.Scheduler.OnTick. The tick runs expired timers and
// reports an RCU quiescent state.
func (w *world) OnTick(cpu int) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticks[cpu]++
	if !w.timers[cpu].After(now) {
		w.timers[cpu] = ktime.MaxTime
		w.timersFired++
	}
	if w.rcuNeeds[cpu] {
		w.rcuNeeds[cpu] = false
		w.rcuQuiescent++
	}
	if !w.rcuNext[cpu].IsZero() && !w.rcuNext[cpu].After(now) {
		w.rcuNext[cpu] = ktime.Time{}
	}
	if !w.strict || w.ts == nil || w.fault != nil || w.ts.IsFull(cpu) {
		return
	}
	// A housekeeping CPU taking a tick must leave the period counter owned
	// and current to within the period in progress.
	if w.ts.Owner() == nohz.OwnerNone {
		w.fault = fmt.Errorf("CPU %d took a tick at %v and left the period counter without owner", cpu, now)
		return
	}
	if next := w.ts.Clock().Next(); !next.After(now.Add(-w.period)) {
		w.fault = fmt.Errorf("CPU %d took a tick at %v with the period counter stalled at boundary %v", cpu, now, next)
	}
}

// NrIOWait implements nohz.Scheduler.NrIOWait.
func (w *world) NrIOWait(cpu int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.iowait[cpu]
}

// Current implements nohz.Scheduler.Current.
func (w *world) Current(cpu int) (tickdep.TaskID, tickdep.ProcessID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	task := w.current[cpu]
	return task, processOf(task)
}

// TaskCPU implements nohz.Scheduler.TaskCPU.
func (w *world) TaskCPU(task tickdep.TaskID) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cpu, ok := w.taskCPU[task]
	return cpu, ok
}

// run makes task, which must not be running elsewhere, current on cpu. Zero
// leaves cpu without a task.
func (w *world) run(cpu int, task tickdep.TaskID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old := w.current[cpu]; old != 0 {
		delete(w.taskCPU, old)
	}
	w.current[cpu] = task
	if task != 0 {
		w.taskCPU[task] = cpu
	}
}

// freeTask returns the first of numTasks tasks at or after start (wrapping)
// that is not running, or zero.
func (w *world) freeTask(start, numTasks int) tickdep.TaskID {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := 0; i < numTasks; i++ {
		task := tickdep.TaskID((start+i)%numTasks + 1)
		if _, ok := w.taskCPU[task]; !ok {
			return task
		}
	}
	return 0
}

func (w *world) currentTask(cpu int) tickdep.TaskID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current[cpu]
}

func (w *world) setIOWait(cpu, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.iowait[cpu] = n
}

// addTimer queues a timer on cpu.
func (w *world) addTimer(cpu int, t ktime.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timers[cpu] = w.timers[cpu].Min(t)
}

// needRCU makes RCU wait for a quiescent state of cpu.
func (w *world) needRCU(cpu int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rcuNeeds[cpu] = true
}

// queueLazyRCU queues lazy RCU callbacks on cpu that must run by t.
func (w *world) queueLazyRCU(cpu int, t ktime.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rcuNext[cpu].IsZero() || t.Before(w.rcuNext[cpu]) {
		w.rcuNext[cpu] = t
	}
}

// stats returns the world's counters.
func (w *world) stats() (advanced, timersFired, rcuQuiescent uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.advanced, w.timersFired, w.rcuQuiescent, w.fault
}

// tickCounts returns the number of ticks each CPU took.
func (w *world) tickCounts() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.ticks...)
}

var (
	_ nohz.Timers    = (*world)(nil)
	_ nohz.RCU       = (*world)(nil)
	_ nohz.Scheduler = (*world)(nil)
)
