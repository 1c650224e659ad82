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
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/dyntick/pkg/log"
	"gvisor.dev/dyntick/pkg/sentry/clockevent"
	"gvisor.dev/dyntick/pkg/sentry/jiffies"
	"gvisor.dev/dyntick/pkg/sentry/nohz"
	"gvisor.dev/dyntick/pkg/sentry/tickdep"
	"gvisor.dev/dyntick/ticksim/config"
)

// hostLag bounds, in periods, how far the period counter may trail wall time
// at the end of a host trial.
const hostLag = 16

// RunHost runs one trial on host timers for conf.Duration. Each CPU is a
// goroutine alternating between running its task and sleeping in the idle
// loop; timer expiries and kicks arrive on runtime timer goroutines.
//
// Host trials only check properties that hold under real concurrency: the
// period counter never goes backwards, tracks wall time, and no CPU is
// degraded.
func RunHost(ctx context.Context, conf *config.Config) (*Result, error) {
	tc, err := conf.TickConfig()
	if err != nil {
		return nil, err
	}
	w := newWorld(tc.NumCPUs, tc.Period, clockevent.MonotonicNow, false)
	hosts := make([]*clockevent.Host, tc.NumCPUs)
	devs := make([]clockevent.Device, tc.NumCPUs)
	for i := range devs {
		hosts[i] = clockevent.NewHost()
		devs[i] = hosts[i]
	}
	ts, err := nohz.New(tc, devs, nohz.Collaborators{
		Timers:    w,
		RCU:       w,
		Scheduler: w,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, h := range hosts {
			h.SetHandler(nil)
			h.Cancel()
		}
	}()

	start := clockevent.MonotonicNow()
	startCount := ts.CurrentPeriodCount()
	counts := make([]map[string]uint64, tc.NumCPUs)
	ctx, cancel := context.WithTimeout(ctx, conf.Duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for cpu := range counts {
		counts[cpu] = make(map[string]uint64)
		rng := rand.New(rand.NewPCG(conf.Seed, uint64(cpu)))
		g.Go(func() error {
			return hostCPU(ctx, ts, w, cpu, rng, tc.Period, counts[cpu])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	elapsed := clockevent.MonotonicNow().Sub(start)
	count := ts.CurrentPeriodCount()
	// The counter may lag wall time by at most the longest idle sleep, if
	// every CPU slept through it without a period owner.
	if want := uint64(elapsed / tc.Period); count-startCount+hostLag < want {
		return nil, hostFailf("period counter moved %d periods in %v, want at least %d", count-startCount, elapsed, want-hostLag)
	}
	for cpu := range hosts {
		if s := ts.Snapshot(cpu); s.Degraded {
			return nil, hostFailf("CPU %d degraded by a legal workload", cpu)
		}
	}

	actions := make(map[string]uint64)
	for _, c := range counts {
		for k, v := range c {
			actions[k] += v
		}
	}
	_, fired, quiescent, _ := w.stats()
	r := &Result{
		Seed:         conf.Seed,
		Host:         true,
		Elapsed:      elapsed,
		Jiffies:      count,
		Owner:        ts.Owner(),
		Actions:      actions,
		Ticks:        w.tickCounts(),
		TimersFired:  fired,
		RCUQuiescent: quiescent,
	}
	for cpu := range hosts {
		r.CPUs = append(r.CPUs, ts.Snapshot(cpu))
	}
	for _, n := range actions {
		r.Steps += int(n)
	}
	log.Infof("Host trial: %v, %d periods, %d idle periods", elapsed, count-startCount, actions["idle"])
	return r, nil
}

// hostCPU runs cpu's workload until ctx is done. It only makes calls that
// cpu makes on itself.
func hostCPU(ctx context.Context, ts *nohz.TickSched, w *world, cpu int, rng *rand.Rand, period time.Duration, counts map[string]uint64) error {
	task := tickdep.TaskID(cpu + 1)
	w.run(cpu, task)
	last := ts.CurrentPeriodCount()
	for {
		// Run the task for a while.
		busy := time.Duration(rng.Int64N(int64(4 * period)))
		if rng.IntN(3) == 0 {
			ts.KernelEntry(cpu)
			w.addTimer(cpu, clockevent.MonotonicNow().Add(time.Duration(rng.Int64N(int64(20*period)))+period))
			ts.UserEnter(cpu)
			counts["timer"]++
		}
		if rng.IntN(8) == 0 {
			scope := tickdep.OnTask(task)
			ts.RequestTickDependency(nohz.Caller{CPU: cpu}, scope, tickdep.PerfEvents)
			if !sleep(ctx, busy) {
				ts.ReleaseTickDependency(scope, tickdep.PerfEvents)
				return nil
			}
			ts.ReleaseTickDependency(scope, tickdep.PerfEvents)
			ts.KernelEntry(cpu)
			ts.UserEnter(cpu)
			counts["dependency"]++
		} else if !sleep(ctx, busy) {
			return nil
		}

		// Then sleep in the idle loop.
		w.run(cpu, 0)
		ts.IdleEnter(cpu)
		if ts.SleepLengthEstimate(cpu) < 2*period {
			ts.IdleRetainTick(cpu)
		} else {
			ts.IdleStopTick(cpu)
		}
		ok := sleep(ctx, time.Duration(rng.Int64N(int64((hostLag-2)*period))))
		ts.IdleExit(cpu)
		w.run(cpu, task)
		ts.TaskSwitch(cpu)
		counts["idle"]++

		count := ts.CurrentPeriodCount()
		if !jiffies.AfterEq(count, last) {
			return hostFailf("CPU %d saw the period counter go backwards from %d to %d", cpu, last, count)
		}
		last = count
		if !ok {
			return nil
		}
	}
}

// sleep waits for d, returning false if ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func hostFailf(format string, v ...any) error {
	return fmt.Errorf("host trial: %w: %s", ErrPropertyViolated, fmt.Sprintf(format, v...))
}
