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
	"testing"

	"gvisor.dev/dyntick/pkg/metric"
)

func TestIdleAccounting(t *testing.T) {
	for _, tc := range []struct {
		name   string
		iowait bool
		stop   bool
	}{
		{name: "tick running"},
		{name: "tick stopped", stop: true},
		{name: "iowait", iowait: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
			h.boot()
			if tc.iowait {
				h.sched.setIOWait(1, 1)
			}

			h.ts.IdleEnter(1)
			if tc.stop && !h.ts.IdleStopTick(1) {
				t.Fatalf("IdleStopTick() = false, want true")
			}
			// Time spent in interrupts is not idle time.
			h.runUntil(at(2.25))
			h.ts.IRQEnter(1)
			h.runUntil(at(2.5))
			h.ts.IRQExit(1)
			h.runUntil(at(4))
			h.ts.IdleExit(1)
			h.runUntil(at(5))

			want := 3*period - period/4
			idle, iowait := h.ts.IdleTime(1)
			if tc.iowait {
				if idle != 0 || iowait != want {
					t.Errorf("IdleTime() = %v, %v, want 0, %v", idle, iowait, want)
				}
			} else if idle != want || iowait != 0 {
				t.Errorf("IdleTime() = %v, %v, want %v, 0", idle, iowait, want)
			}
			h.checkDevices()
		})
	}
}

func TestIdleTimeInProgress(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	h.ts.IdleEnter(1)
	h.runUntil(at(2.5))
	if idle, _ := h.ts.IdleTime(1); idle != 3*period/2 {
		t.Errorf("IdleTime() during idle = %v, want %v", idle, 3*period/2)
	}
	h.runUntil(at(3))
	if idle, _ := h.ts.IdleTime(1); idle != 2*period {
		t.Errorf("IdleTime() during idle = %v, want %v", idle, 2*period)
	}
}

func TestIdleExitRestartsOnGrid(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	h.ts.IdleEnter(1)
	h.ts.IdleStopTick(1)
	h.runUntil(at(4.5))
	h.ts.IdleExit(1)

	s := h.ts.Snapshot(1)
	if s.Stopped || s.InIdle || s.IdleActive {
		t.Errorf("after IdleExit: stopped %t, in idle %t, idle active %t", s.Stopped, s.InIdle, s.IdleActive)
	}
	if want := at(5); s.TickExpires != want {
		t.Errorf("restarted tick = %v, want %v", s.TickExpires, want)
	}
	if want := at(4.5); s.IdleExitTime != want {
		t.Errorf("idle exit time = %v, want %v", s.IdleExitTime, want)
	}
	h.checkDevices()
}

func TestSleepLengthEstimate(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()

	h.timers.set(1, at(1.5))
	if got, want := h.ts.SleepLengthEstimate(1), period; got != want {
		t.Errorf("SleepLengthEstimate() with a near timer = %v, want time to next tick %v", got, want)
	}
	h.timers.set(1, at(5.5))
	if got, want := h.ts.SleepLengthEstimate(1), 9*period/2; got != want {
		t.Errorf("SleepLengthEstimate() = %v, want %v", got, want)
	}
}

func TestIdleStopTickUsesEstimate(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	h.timers.set(1, at(5.5))

	h.ts.IdleEnter(1)
	h.ts.SleepLengthEstimate(1)
	// A change the governor has not seen yet is ignored until the estimate
	// is dropped.
	h.timers.set(1, at(3))
	h.ts.IdleStopTick(1)
	if got, want := h.ts.Snapshot(1).NextTick, at(5.5); got != want {
		t.Errorf("next tick = %v, want estimated %v", got, want)
	}
	h.ts.IdleExit(1)

	h.ts.IdleEnter(1)
	h.ts.SleepLengthEstimate(1)
	h.timers.set(1, at(4))
	h.ts.IdleRetainTick(1)
	h.ts.IdleStopTick(1)
	if got, want := h.ts.Snapshot(1).NextTick, at(4); got != want {
		t.Errorf("next tick = %v, want %v", got, want)
	}
}

func TestDoubleIdleEnterDegrades(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	before := metric.Values()

	h.ts.IdleEnter(1)
	h.ts.IdleStopTick(1)
	h.ts.IdleEnter(1)
	if got := delta(before, "/nohz/contract_violations{kind=double_idle_enter}"); got != 1 {
		t.Errorf("violation count delta = %d, want 1", got)
	}
	s := h.ts.Snapshot(1)
	if !s.Degraded || s.Stopped {
		t.Errorf("after violation: degraded %t, stopped %t; want degraded with tick running", s.Degraded, s.Stopped)
	}
	if h.ts.IdleStopTick(1) {
		t.Errorf("degraded CPU stopped its tick")
	}
	h.checkDevices()

	// Only an offline/online cycle clears the degradation.
	if err := h.ts.CPUOffline(1); err != nil {
		t.Fatalf("CPUOffline(1) failed: %v", err)
	}
	if err := h.ts.CPUOnline(1); err != nil {
		t.Fatalf("CPUOnline(1) failed: %v", err)
	}
	h.runUntil(at(3))
	h.ts.IdleEnter(1)
	if !h.ts.IdleStopTick(1) {
		t.Errorf("IdleStopTick() = false after the CPU was cycled")
	}
}

func TestIdleExitWithoutEnter(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	before := metric.Values()

	h.ts.IdleExit(1)
	if got := delta(before, "/nohz/contract_violations{kind=idle_exit_without_enter}"); got != 1 {
		t.Errorf("violation count delta = %d, want 1", got)
	}
	if !h.ts.Snapshot(1).Degraded {
		t.Errorf("CPU not degraded")
	}
}

func TestUnbalancedIRQExit(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 1, NoHZ: true})
	h.boot()
	before := metric.Values()
	h.ts.IRQExit(0)
	if got := delta(before, "/nohz/contract_violations{kind=unbalanced_irq_exit}"); got != 1 {
		t.Errorf("violation count delta = %d, want 1", got)
	}
}
