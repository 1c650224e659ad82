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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/dyntick/pkg/metric"
	"gvisor.dev/dyntick/pkg/sentry/clockevent"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sentry/tickdep"
	"gvisor.dev/dyntick/pkg/sync"
)

const period = time.Millisecond

// at returns the time n periods after boot.
func at(n float64) ktime.Time {
	return ktime.FromNanoseconds(int64(n * float64(period)))
}

type fakeTimers struct {
	mu   sync.Mutex
	next map[int]ktime.Time
}

func (f *fakeTimers) set(cpu int, t ktime.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[cpu] = t
}

func (f *fakeTimers) NextExpiry(cpu int, basis ktime.Time) ktime.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.next[cpu]; ok {
		return t
	}
	return ktime.MaxTime
}

type fakeRCU struct {
	mu    sync.Mutex
	needs map[int]bool
}

func (f *fakeRCU) NeedsCPU(cpu int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needs[cpu]
}

func (f *fakeRCU) NextRequired(int, ktime.Time) (ktime.Time, bool) {
	return ktime.Time{}, false
}

type running struct {
	task tickdep.TaskID
	proc tickdep.ProcessID
}

type fakeScheduler struct {
	mu       sync.Mutex
	iowait   map[int]int
	current  map[int]running
	ticks    map[int]int
	advanced uint64
}

func (f *fakeScheduler) setCurrent(cpu int, task tickdep.TaskID, proc tickdep.ProcessID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[cpu] = running{task, proc}
}

func (f *fakeScheduler) setIOWait(cpu, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iowait[cpu] = n
}

func (f *fakeScheduler) OnPeriodAdvanced(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced += n
}

func (f *fakeScheduler) OnIdleEnter(int) {}

func (f *fakeScheduler) OnIdleExit(int) {}

func (f *fakeScheduler) OnTick(cpu int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks[cpu]++
}

func (f *fakeScheduler) NrIOWait(cpu int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iowait[cpu]
}

func (f *fakeScheduler) Current(cpu int) (tickdep.TaskID, tickdep.ProcessID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.current[cpu]
	return r.task, r.proc
}

func (f *fakeScheduler) TaskCPU(task tickdep.TaskID) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cpu, r := range f.current {
		if r.task == task {
			return cpu, true
		}
	}
	return 0, false
}

// harness runs a TickSched on synthetic devices sharing one synthetic clock.
// Kicks are queued and delivered between clock steps.
type harness struct {
	t      *testing.T
	clock  *ktime.SyntheticClock
	devs   []*clockevent.Synthetic
	ts     *TickSched
	timers *fakeTimers
	rcu    *fakeRCU
	sched  *fakeScheduler

	kickMu sync.Mutex
	kicked []int
	queue  []int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  &ktime.SyntheticClock{},
		timers: &fakeTimers{next: make(map[int]ktime.Time)},
		rcu:    &fakeRCU{needs: make(map[int]bool)},
		sched: &fakeScheduler{
			iowait:  make(map[int]int),
			current: make(map[int]running),
			ticks:   make(map[int]int),
		},
	}
	devs := make([]clockevent.Device, cfg.NumCPUs)
	for i := range devs {
		d := clockevent.NewSynthetic(h.clock)
		h.devs = append(h.devs, d)
		devs[i] = d
	}
	if cfg.Period == 0 {
		cfg.Period = period
	}
	cfg.KickFunc = func(cpu int) {
		h.kickMu.Lock()
		defer h.kickMu.Unlock()
		h.kicked = append(h.kicked, cpu)
		h.queue = append(h.queue, cpu)
	}
	ts, err := New(cfg, devs, Collaborators{
		Timers:    h.timers,
		RCU:       h.rcu,
		Scheduler: h.sched,
	})
	if err != nil {
		t.Fatalf("New(%+v) failed: %v", cfg, err)
	}
	h.ts = ts
	return h
}

// boot runs the first tick on every CPU, which switches them to dynamic
// tick mode.
func (h *harness) boot() {
	h.runUntil(at(1))
}

func (h *harness) deliverKicks() {
	for {
		h.kickMu.Lock()
		if len(h.queue) == 0 {
			h.kickMu.Unlock()
			return
		}
		cpu := h.queue[0]
		h.queue = h.queue[1:]
		h.kickMu.Unlock()
		h.ts.HandleKick(cpu)
	}
}

// takeKicks returns and forgets the remote kicks sent so far.
func (h *harness) takeKicks() []int {
	h.kickMu.Lock()
	defer h.kickMu.Unlock()
	k := h.kicked
	h.kicked = nil
	return k
}

// runUntil steps the clock through every device expiration up to target.
func (h *harness) runUntil(target ktime.Time) {
	for {
		h.deliverKicks()
		next, ok := h.clock.NextExpiration()
		if !ok || next.After(target) {
			break
		}
		h.clock.Store(next)
	}
	h.clock.Store(target)
	h.deliverKicks()
}

// checkDevices verifies that every online CPU's device agrees with its tick
// state.
func (h *harness) checkDevices() {
	h.t.Helper()
	for cpu, d := range h.devs {
		s := h.ts.Snapshot(cpu)
		deadline, armed := d.Deadline()
		switch {
		case !s.Online:
			if armed {
				h.t.Errorf("CPU %d offline with device armed at %v", cpu, deadline)
			}
		case !s.Stopped:
			if !armed || deadline != s.TickExpires {
				h.t.Errorf("CPU %d running: device deadline %v (armed %t), want %v", cpu, deadline, armed, s.TickExpires)
			}
		case s.NextTick.IsMax():
			if armed {
				h.t.Errorf("CPU %d stopped indefinitely with device armed at %v", cpu, deadline)
			}
		default:
			if !armed || deadline != s.NextTick {
				h.t.Errorf("CPU %d stopped: device deadline %v (armed %t), want %v", cpu, deadline, armed, s.NextTick)
			}
		}
	}
}

// delta returns how much the named metric value changed since before.
func delta(before metric.Snapshot, name string) uint64 {
	return metric.Values().Delta(before)[name]
}

func TestNewInvalidConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"no CPUs", Config{Period: period}},
		{"no period", Config{NumCPUs: 1}},
		{"negative deferment", Config{NumCPUs: 1, Period: period, MaxDeferment: -1}},
		{"full without nohz", Config{NumCPUs: 2, Period: period, FullCPUs: []int{1}}},
		{"full out of range", Config{NumCPUs: 2, Period: period, NoHZ: true, FullCPUs: []int{2}}},
		{"no housekeeping", Config{NumCPUs: 2, Period: period, NoHZ: true, FullCPUs: []int{0, 1, 1}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			devs := make([]clockevent.Device, max(tc.cfg.NumCPUs, 0))
			var clock ktime.SyntheticClock
			for i := range devs {
				devs[i] = clockevent.NewSynthetic(&clock)
			}
			if _, err := New(tc.cfg, devs, Collaborators{}); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() = %v, want %v", err, ErrInvalidConfig)
			}
		})
	}
}

func TestNewDeviceCountMismatch(t *testing.T) {
	var clock ktime.SyntheticClock
	devs := []clockevent.Device{clockevent.NewSynthetic(&clock)}
	if _, err := New(Config{NumCPUs: 2, Period: period}, devs, Collaborators{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New() = %v, want %v", err, ErrInvalidConfig)
	}
}

func TestBoot(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true, FullCPUs: []int{0}})
	if got, want := h.ts.Owner(), 1; got != want {
		t.Errorf("Owner() = %d, want first housekeeping CPU %d", got, want)
	}
	for cpu := range 2 {
		if got, want := h.ts.Snapshot(cpu).Mode, ModeInactive; got != want {
			t.Errorf("CPU %d mode before first tick = %v, want %v", cpu, got, want)
		}
	}
	h.boot()
	for cpu := range 2 {
		s := h.ts.Snapshot(cpu)
		if s.Mode != ModeActive {
			t.Errorf("CPU %d mode after first tick = %v, want %v", cpu, s.Mode, ModeActive)
		}
		if want := at(2); s.TickExpires != want {
			t.Errorf("CPU %d next tick = %v, want %v", cpu, s.TickExpires, want)
		}
	}
	if got, want := h.ts.CurrentPeriodCount(), uint64(1); got != want {
		t.Errorf("CurrentPeriodCount() = %d, want %d", got, want)
	}
	h.checkDevices()
}

func TestPeriodicOnly(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 1})
	// A late tick rearms one period after it ran, not on the grid.
	h.clock.Store(at(1.25))
	s := h.ts.Snapshot(0)
	if s.Mode != ModePeriodicOnly {
		t.Fatalf("mode = %v, want %v", s.Mode, ModePeriodicOnly)
	}
	if want := at(2.25); s.TickExpires != want {
		t.Errorf("next tick = %v, want %v", s.TickExpires, want)
	}

	if h.ts.AttemptStop(0) {
		t.Errorf("AttemptStop() = true in periodic mode")
	}
	h.ts.IdleEnter(0)
	if h.ts.IdleStopTick(0) {
		t.Errorf("IdleStopTick() = true in periodic mode")
	}
	if h.ts.SwitchToOneshot(0) {
		t.Errorf("SwitchToOneshot() = true in periodic mode")
	}
	h.runUntil(at(5))
	if h.ts.Stopped(0) {
		t.Errorf("tick stopped in periodic mode")
	}
	h.ts.IdleExit(0)
	h.checkDevices()
}

func TestDynamicTickStaysOnGrid(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 1, NoHZ: true})
	h.clock.Store(at(1.25))
	if got, want := h.ts.Snapshot(0).TickExpires, at(2); got != want {
		t.Errorf("next tick = %v, want %v", got, want)
	}
}

func TestSwitchToOneshot(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 1, NoHZ: true})
	if !h.ts.SwitchToOneshot(0) {
		t.Fatalf("SwitchToOneshot() = false, want true")
	}
	if h.ts.SwitchToOneshot(0) {
		t.Errorf("second SwitchToOneshot() = true, want false")
	}
	h.ts.IdleEnter(0)
	if !h.ts.IdleStopTick(0) {
		t.Errorf("IdleStopTick() = false after switching to dynamic mode")
	}
}

// A dependency set between two idle entries blocks the first stop only.
func TestSingleCPUDependencySetThenCleared(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 1, NoHZ: true})
	h.boot()

	h.ts.RequestTickDependency(Caller{CPU: 0}, tickdep.Global(), tickdep.PosixTimer)
	h.ts.IdleEnter(0)
	if h.ts.IdleStopTick(0) || h.ts.Stopped(0) {
		t.Fatalf("tick stopped with a global dependency set")
	}
	h.ts.IdleExit(0)

	h.ts.ReleaseTickDependency(tickdep.Global(), tickdep.PosixTimer)
	h.runUntil(at(2))
	h.ts.IdleEnter(0)
	if !h.ts.IdleStopTick(0) || !h.ts.Stopped(0) {
		t.Fatalf("tick not stopped after the dependency was cleared")
	}
	h.checkDevices()
}

func TestOwnerIdleUnboundedDefermentCancelsDevice(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 1, NoHZ: true})
	h.boot()
	before := metric.Values()

	h.ts.IdleEnter(0)
	if !h.ts.IdleStopTick(0) {
		t.Fatalf("IdleStopTick() = false, want true")
	}
	s := h.ts.Snapshot(0)
	if !s.NextTick.IsMax() {
		t.Errorf("next tick = %v, want %v", s.NextTick, ktime.MaxTime)
	}
	if _, armed := h.devs[0].Deadline(); armed {
		t.Errorf("device armed, want cancelled")
	}
	if !s.DoTimerLast {
		t.Errorf("DoTimerLast = false after the owner stopped its tick")
	}
	if got := h.ts.Owner(); got != OwnerNone {
		t.Errorf("Owner() = %d, want %d", got, OwnerNone)
	}
	if got := delta(before, "/nohz/owner_changes{event=relinquish}"); got != 1 {
		t.Errorf("relinquish count delta = %d, want 1", got)
	}
	if got := delta(before, "/nohz/tick_stops{context=idle}"); got != 1 {
		t.Errorf("idle tick stop count delta = %d, want 1", got)
	}
}

func TestBoundedDefermentLastOwnerOnly(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true, MaxDeferment: 10 * period})
	h.boot()

	h.ts.IdleEnter(0)
	h.ts.IdleStopTick(0)
	h.ts.IdleEnter(1)
	h.ts.IdleStopTick(1)

	if got, want := h.ts.Snapshot(0).NextTick, at(11); got != want {
		t.Errorf("last owner next tick = %v, want %v", got, want)
	}
	if got := h.ts.Snapshot(1).NextTick; !got.IsMax() {
		t.Errorf("non-owner next tick = %v, want %v", got, ktime.MaxTime)
	}
	h.checkDevices()

	h.runUntil(at(11))
	if got, want := h.ts.Owner(), 0; got != want {
		t.Errorf("Owner() = %d, want %d", got, want)
	}
	if got, want := h.ts.CurrentPeriodCount(), uint64(11); got != want {
		t.Errorf("CurrentPeriodCount() = %d, want %d", got, want)
	}
	s := h.ts.Snapshot(0)
	if s.Stopped {
		t.Errorf("CPU 0 still stopped after its deadline")
	}
	if want := at(12); s.TickExpires != want {
		t.Errorf("CPU 0 restarted tick = %v, want %v", s.TickExpires, want)
	}
	if got, want := h.sched.advanced, uint64(11); got != want {
		t.Errorf("scheduler saw %d periods, want %d", got, want)
	}
	h.checkDevices()
}

func TestStoppedTickRestartsAtTimer(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	h.timers.set(1, at(5))

	h.ts.IdleEnter(1)
	if !h.ts.IdleStopTick(1) {
		t.Fatalf("IdleStopTick() = false, want true")
	}
	if got, want := h.ts.Snapshot(1).NextTick, at(5); got != want {
		t.Fatalf("next tick = %v, want %v", got, want)
	}
	ticks := h.sched.ticks[1]
	h.runUntil(at(5))
	s := h.ts.Snapshot(1)
	if s.Stopped {
		t.Errorf("tick still stopped after the timer expired")
	}
	if want := at(6); s.TickExpires != want {
		t.Errorf("next tick = %v, want %v", s.TickExpires, want)
	}
	if !s.GotIdleTick {
		t.Errorf("GotIdleTick = false")
	}
	if got, want := s.IdleJiffies, uint64(2); got != want {
		t.Errorf("IdleJiffies = %d, want %d", got, want)
	}
	if got := h.sched.ticks[1] - ticks; got != 1 {
		t.Errorf("CPU 1 took %d ticks while stopped, want 1", got)
	}
	h.checkDevices()
}

func TestNextEventWithinOnePeriod(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	h.timers.set(1, at(1.5))

	h.ts.IdleEnter(1)
	if h.ts.IdleStopTick(1) {
		t.Errorf("IdleStopTick() = true with a timer within one period")
	}
	s := h.ts.Snapshot(1)
	if s.Stopped {
		t.Errorf("tick stopped")
	}
	if got, want := s.IdleCalls, uint64(1); got != want {
		t.Errorf("IdleCalls = %d, want %d", got, want)
	}
	if got, want := s.IdleSleeps, uint64(0); got != want {
		t.Errorf("IdleSleeps = %d, want %d", got, want)
	}
}

func TestRCUKeepsTick(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	h.rcu.mu.Lock()
	h.rcu.needs[1] = true
	h.rcu.mu.Unlock()

	h.ts.IdleEnter(1)
	if h.ts.IdleStopTick(1) {
		t.Errorf("IdleStopTick() = true while RCU needs the CPU")
	}
}

func TestNoSilentStall(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 3, NoHZ: true, FullCPUs: []int{2}})
	h.boot()
	before := metric.Values()

	h.ts.owner.Store(OwnerNone)
	h.ts.HandleTimer(2)
	if got := h.ts.Owner(); got != OwnerNone {
		t.Errorf("full dynticks CPU claimed ownership: Owner() = %d", got)
	}
	h.ts.HandleTimer(1)
	if got, want := h.ts.Owner(), 1; got != want {
		t.Errorf("Owner() = %d, want %d", got, want)
	}
	if got := delta(before, "/nohz/owner_changes{event=claim}"); got != 1 {
		t.Errorf("claim count delta = %d, want 1", got)
	}
}

func TestRestartIdempotent(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.boot()
	h.ts.IdleEnter(1)
	h.ts.IdleStopTick(1)
	h.runUntil(at(3.5))

	h.ts.Restart(1)
	once := h.ts.Snapshot(1)
	programs := h.devs[1].Programs()
	if once.Stopped {
		t.Fatalf("tick stopped after Restart")
	}
	if want := at(4); once.TickExpires != want {
		t.Errorf("restarted tick = %v, want %v", once.TickExpires, want)
	}

	h.ts.Restart(1)
	if diff := cmp.Diff(once, h.ts.Snapshot(1)); diff != "" {
		t.Errorf("second Restart changed state (-once +twice):\n%s", diff)
	}
	if got := h.devs[1].Programs(); got != programs {
		t.Errorf("second Restart reprogrammed the device: %d programs, want %d", got, programs)
	}
	h.checkDevices()
}

// busyDevice rejects the next fail deadlines as already passed.
type busyDevice struct {
	*clockevent.Synthetic

	mu   sync.Mutex
	fail int
}

func (d *busyDevice) Program(t ktime.Time) error {
	d.mu.Lock()
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return clockevent.ErrBusy
	}
	d.mu.Unlock()
	return d.Synthetic.Program(t)
}

func TestExpiredProgramFiresImmediately(t *testing.T) {
	var clock ktime.SyntheticClock
	syn := []*clockevent.Synthetic{clockevent.NewSynthetic(&clock), clockevent.NewSynthetic(&clock)}
	busy := &busyDevice{Synthetic: syn[1]}
	timers := &fakeTimers{next: map[int]ktime.Time{1: at(5)}}
	ts, err := New(Config{NumCPUs: 2, Period: period, NoHZ: true}, []clockevent.Device{syn[0], busy}, Collaborators{Timers: timers})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	clock.Store(at(1))
	before := metric.Values()

	ts.IdleEnter(1)
	busy.mu.Lock()
	busy.fail = 1
	busy.mu.Unlock()
	if ts.IdleStopTick(1) {
		t.Errorf("IdleStopTick() = true although programming the deadline failed")
	}
	if ts.Stopped(1) {
		t.Errorf("tick left stopped after an expired program")
	}
	if got := delta(before, "/nohz/expired_programs"); got != 1 {
		t.Errorf("expired program count delta = %d, want 1", got)
	}
	if got := delta(before, "/nohz/tick_restarts"); got != 1 {
		t.Errorf("restart count delta = %d, want 1", got)
	}
	if deadline, armed := syn[1].Deadline(); !armed || deadline != at(2) {
		t.Errorf("device deadline = %v (armed %t), want %v", deadline, armed, at(2))
	}
}

func TestDependencies(t *testing.T) {
	h := newHarness(t, Config{NumCPUs: 2, NoHZ: true})
	h.sched.setCurrent(1, 7, 3)
	h.ts.RequestTickDependency(Caller{CPU: NoCPU}, tickdep.OnProcess(3), tickdep.PosixTimer)
	h.ts.RequestTickDependency(Caller{CPU: NoCPU}, tickdep.OnCPU(1), tickdep.RCU)
	h.ts.RequestTickDependency(Caller{CPU: NoCPU}, tickdep.OnTask(8), tickdep.Sched)
	if got, want := h.ts.Dependencies(1), tickdep.PosixTimer.Mask()|tickdep.RCU.Mask(); got != want {
		t.Errorf("Dependencies(1) = %v, want %v", got, want)
	}
	if got := h.ts.Dependencies(0); got != 0 {
		t.Errorf("Dependencies(0) = %v, want none", got)
	}
	h.ts.ForgetTickDependencies(tickdep.OnProcess(3))
	if got, want := h.ts.Dependencies(1), tickdep.RCU.Mask(); got != want {
		t.Errorf("Dependencies(1) after forgetting the process = %v, want %v", got, want)
	}
}
