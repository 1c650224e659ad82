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

// Package sim drives the dynamic tick core with randomized workloads and
// checks its properties as the workload runs.
//
// A trial runs every CPU on a synthetic clock shared by all CPUs, so it is
// deterministic for a given seed. A host trial runs one goroutine per CPU on
// host timers instead.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/dyntick/pkg/log"
	"gvisor.dev/dyntick/pkg/metric"
	"gvisor.dev/dyntick/pkg/sentry/clockevent"
	"gvisor.dev/dyntick/pkg/sentry/jiffies"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sentry/nohz"
	"gvisor.dev/dyntick/pkg/sentry/tickdep"
	"gvisor.dev/dyntick/ticksim/config"
)

// ErrPropertyViolated is wrapped by the errors of trials that observed the
// tick core break one of its guarantees.
var ErrPropertyViolated = errors.New("tick property violated")

// Result describes one trial.
type Result struct {
	Seed         uint64            `json:"seed" yaml:"seed"`
	Host         bool              `json:"host,omitempty" yaml:"host,omitempty"`
	Steps        int               `json:"steps" yaml:"steps"`
	Elapsed      time.Duration     `json:"elapsed" yaml:"elapsed"`
	Jiffies      uint64            `json:"jiffies" yaml:"jiffies"`
	Owner        int               `json:"owner" yaml:"owner"`
	Actions      map[string]uint64 `json:"actions" yaml:"actions"`
	Ticks        []uint64          `json:"ticks" yaml:"ticks"`
	TimersFired  uint64            `json:"timers_fired" yaml:"timers_fired"`
	RCUQuiescent uint64            `json:"rcu_quiescent" yaml:"rcu_quiescent"`
	Vetoes       uint64            `json:"offline_vetoes" yaml:"offline_vetoes"`
	CPUs         []nohz.CPUStats   `json:"cpus" yaml:"cpus"`
}

// Report is the outcome of a run.
type Report struct {
	Trials []Result `json:"trials" yaml:"trials"`

	// Metrics holds the change of every counter during the run.
	Metrics map[string]uint64 `json:"metrics" yaml:"metrics"`

	// Distributions holds the process's distribution metrics.
	Distributions map[string][]metric.Bucket `json:"distributions,omitempty" yaml:"distributions,omitempty"`
}

// Run runs the trials conf asks for and reports their results. Trials run
// concurrently; the first failing trial cancels the others.
func Run(ctx context.Context, conf *config.Config) (*Report, error) {
	before := metric.Values()
	var results []Result
	if conf.Host {
		r, err := RunHost(ctx, conf)
		if err != nil {
			return nil, err
		}
		results = []Result{*r}
	} else {
		results = make([]Result, conf.Trials)
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range results {
			seed := conf.Seed + uint64(i)
			g.Go(func() error {
				r, err := RunTrial(ctx, conf, seed)
				if err != nil {
					return err
				}
				results[i] = *r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	after := metric.Values()
	return &Report{
		Trials:        results,
		Metrics:       after.Delta(before),
		Distributions: after.Distributions,
	}, nil
}

// cpuSim is the workload's view of a CPU.
type cpuSim struct {
	online bool
	idle   bool

	// idleSince is when the CPU entered idle. It is valid if idle is set.
	idleSince ktime.Time

	// idleTotal is the time the CPU spent in completed idle intervals.
	idleTotal time.Duration
}

// dep is a tick dependency the workload holds.
type dep struct {
	scope  tickdep.Scope
	reason tickdep.Reason
}

// trial is a deterministic workload on a synthetic clock. Everything runs on
// the goroutine calling RunTrial.
type trial struct {
	conf     *config.Config
	seed     uint64
	period   time.Duration
	numTasks int
	rng      *rand.Rand
	clock    *ktime.SyntheticClock
	devs     []*clockevent.Synthetic
	ts       *nohz.TickSched
	w        *world

	cpus    []cpuSim
	deps    []dep
	kicks   []int
	step    int
	jiffies uint64
	actions map[string]uint64
	vetoes  uint64

	// fault is a broken property observed by a workload step.
	fault error
}

// RunTrial runs one synthetic trial of conf.Steps workload steps.
func RunTrial(ctx context.Context, conf *config.Config, seed uint64) (*Result, error) {
	tc, err := conf.TickConfig()
	if err != nil {
		return nil, err
	}
	t := &trial{
		conf:     conf,
		seed:     seed,
		period:   tc.Period,
		numTasks: 2 * tc.NumCPUs,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		clock:    &ktime.SyntheticClock{},
		cpus:     make([]cpuSim, tc.NumCPUs),
		actions:  make(map[string]uint64),
	}
	t.w = newWorld(tc.NumCPUs, tc.Period, t.clock.Now, true)
	devs := make([]clockevent.Device, tc.NumCPUs)
	for i := range devs {
		d := clockevent.NewSynthetic(t.clock)
		t.devs = append(t.devs, d)
		devs[i] = d
	}
	tc.KickFunc = func(cpu int) {
		t.kicks = append(t.kicks, cpu)
	}
	t.ts, err = nohz.New(tc, devs, nohz.Collaborators{
		Timers:    t.w,
		RCU:       t.w,
		Scheduler: t.w,
	})
	if err != nil {
		return nil, err
	}
	t.w.ts = t.ts
	t.jiffies = t.ts.CurrentPeriodCount()

	for cpu := range t.cpus {
		t.cpus[cpu].online = true
		t.w.run(cpu, tickdep.TaskID(cpu+1))
		if cpu%2 == 1 {
			t.ts.SwitchToOneshot(cpu)
		}
	}
	log.Debugf("Trial %d: %d CPUs, %d tasks", seed, tc.NumCPUs, t.numTasks)

	total := 0
	for _, a := range workload {
		total += a.weight
	}
	for t.step = 0; t.step < conf.Steps; t.step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a := pick(t.rng.IntN(total))
		if a.do(t, t.rng.IntN(len(t.cpus))) {
			t.actions[a.name]++
		}
		t.deliverKicks()
		if err := t.check(); err != nil {
			return nil, err
		}
	}
	return t.result(), nil
}

func pick(n int) *action {
	for i := range workload {
		if n < workload[i].weight {
			return &workload[i]
		}
		n -= workload[i].weight
	}
	panic(fmt.Sprintf("no action for %d", n))
}

func (t *trial) result() *Result {
	_, fired, quiescent, _ := t.w.stats()
	r := &Result{
		Seed:         t.seed,
		Steps:        t.step,
		Elapsed:      t.clock.Now().Sub(ktime.ZeroTime),
		Jiffies:      t.ts.CurrentPeriodCount(),
		Owner:        t.ts.Owner(),
		Actions:      t.actions,
		Ticks:        t.w.tickCounts(),
		TimersFired:  fired,
		RCUQuiescent: quiescent,
		Vetoes:       t.vetoes,
	}
	for cpu := range t.cpus {
		r.CPUs = append(r.CPUs, t.ts.Snapshot(cpu))
	}
	return r
}

// deliverKicks runs the kick handlers of kicked CPUs.
func (t *trial) deliverKicks() {
	for len(t.kicks) > 0 {
		cpu := t.kicks[0]
		t.kicks = t.kicks[1:]
		t.ts.HandleKick(cpu)
	}
}

// runUntil steps the clock through every device expiration up to target.
func (t *trial) runUntil(target ktime.Time) {
	for {
		t.deliverKicks()
		next, ok := t.clock.NextExpiration()
		if !ok || next.After(target) {
			break
		}
		t.clock.Store(next)
	}
	t.clock.Store(target)
}

// jitter returns a random duration in [lo, hi) periods.
func (t *trial) jitter(lo, hi float64) time.Duration {
	return time.Duration((lo + (hi-lo)*t.rng.Float64()) * float64(t.period))
}

// running reports whether cpu is online and runs a task.
func (t *trial) running(cpu int) bool {
	return t.cpus[cpu].online && !t.cpus[cpu].idle
}

// failf returns a property violation observed at the current step.
func (t *trial) failf(format string, v ...any) error {
	return fmt.Errorf("seed %d, step %d, at %v: %w: %s", t.seed, t.step, t.clock.Now(), ErrPropertyViolated, fmt.Sprintf(format, v...))
}

// check verifies the tick core's guarantees between two workload steps.
func (t *trial) check() error {
	if t.fault != nil {
		return t.fault
	}
	now := t.clock.Now()
	count := t.ts.CurrentPeriodCount()
	if !jiffies.AfterEq(count, t.jiffies) {
		return t.failf("period counter went backwards from %d to %d", t.jiffies, count)
	}
	t.jiffies = count
	advanced, _, _, fault := t.w.stats()
	if fault != nil {
		return t.failf("%v", fault)
	}
	if want := count - t.conf.InitialJiffies; advanced != want {
		return t.failf("scheduler saw %d periods, counter moved by %d", advanced, want)
	}

	owner := t.ts.Owner()
	switch {
	case owner != nohz.OwnerNone && !t.ts.Online(owner):
		return t.failf("period owner CPU %d is offline", owner)
	case owner != nohz.OwnerNone && t.ts.Stopped(owner):
		return t.failf("period owner CPU %d has its tick stopped", owner)
	case owner == nohz.OwnerNone && len(t.conf.NoHZFull) > 0:
		return t.failf("no period owner with full dynticks CPUs")
	}

	for cpu := range t.cpus {
		s := t.ts.Snapshot(cpu)
		if s.Degraded {
			return t.failf("CPU %d degraded by a legal workload", cpu)
		}
		if s.Stopped {
			if deps := t.ts.Dependencies(cpu); deps != 0 {
				return t.failf("CPU %d stopped its tick with dependencies %v", cpu, deps)
			}
		}
		if err := t.checkDevice(cpu, s); err != nil {
			return err
		}

		c := &t.cpus[cpu]
		want := c.idleTotal
		if c.idle {
			want += now.Sub(c.idleSince)
		}
		idle, iowait := t.ts.IdleTime(cpu)
		if diff := idle + iowait - want; diff > t.period || diff < -t.period {
			return t.failf("CPU %d accounted %v idle and %v iowait, spent %v idle", cpu, idle, iowait, want)
		}
	}
	return nil
}

// checkDevice verifies that cpu's device agrees with its tick state.
func (t *trial) checkDevice(cpu int, s nohz.CPUStats) error {
	deadline, armed := t.devs[cpu].Deadline()
	switch {
	case !s.Online:
		if armed {
			return t.failf("CPU %d offline with device armed at %v", cpu, deadline)
		}
	case !s.Stopped:
		if !armed || deadline != s.TickExpires {
			return t.failf("CPU %d running: device deadline %v (armed %t), want %v", cpu, deadline, armed, s.TickExpires)
		}
	case s.NextTick.IsMax():
		if armed {
			return t.failf("CPU %d stopped indefinitely with device armed at %v", cpu, deadline)
		}
	default:
		if !armed || deadline != s.NextTick {
			return t.failf("CPU %d stopped: device deadline %v (armed %t), want %v", cpu, deadline, armed, s.NextTick)
		}
	}
	return nil
}
