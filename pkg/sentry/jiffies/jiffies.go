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

// Package jiffies implements the global period counter that is advanced once
// per tick period by whichever CPU currently owns it.
package jiffies

import (
	"fmt"
	"time"

	"gvisor.dev/dyntick/pkg/atomicbitops"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sync"
)

// Params configures a Clock.
type Params struct {
	// Period is the tick period. It must be positive.
	Period time.Duration

	// Start is the time of the first period boundary; the first Advance
	// happens at Start+Period.
	Start ktime.Time

	// Initial is the boot value of the counter.
	Initial uint64

	// OnAdvance, if not nil, is called with the number of periods after
	// every Advance that moved the counter. It is called outside the write
	// section, with the advancing CPU's locks held.
	OnAdvance func(periods uint64)
}

// Clock is the global period counter.
//
// Writers are serialized by mu and publish under seq. The counter and the
// boundaries are stored in atomics so that readers racing with a writer do
// not trip the race detector; such readers retry.
type Clock struct {
	period    time.Duration
	onAdvance func(uint64)

	// mu serializes writers.
	mu sync.Mutex

	// seq protects the consistency of count, last and next as a group.
	seq sync.SeqCount

	// count is the number of periods elapsed. It wraps.
	count atomicbitops.Uint64

	// last is the time of the last period boundary accounted for, in
	// nanoseconds.
	last atomicbitops.Int64

	// next is last+period, in nanoseconds.
	next atomicbitops.Int64
}

// New returns a Clock.
func New(p Params) *Clock {
	if p.Period <= 0 {
		panic(fmt.Sprintf("jiffies.New: invalid period %v", p.Period))
	}
	c := &Clock{
		period:    p.Period,
		onAdvance: p.OnAdvance,
	}
	c.count.Store(p.Initial)
	c.last.Store(p.Start.Nanoseconds())
	c.next.Store(p.Start.Add(p.Period).Nanoseconds())
	return c
}

// Period returns the tick period.
func (c *Clock) Period() time.Duration {
	return c.period
}

// Advance brings the counter up to date with now and returns the number of
// periods it moved. It is a no-op if now is before the next boundary. After
// Advance returns, the next boundary is after now.
func (c *Clock) Advance(now ktime.Time) uint64 {
	nowNS := now.Nanoseconds()

	// Quick check without the lock. A racing writer can only move next
	// forward, so a stale value yields at worst a redundant lock below.
	if nowNS < c.next.Load() {
		return 0
	}

	c.mu.Lock()
	// Reevaluate under the lock; another CPU may have advanced meanwhile.
	next := c.next.Load()
	if nowNS < next {
		c.mu.Unlock()
		return 0
	}
	periodNS := c.period.Nanoseconds()
	last := next
	ticks := uint64(1)
	// Slow path for long idle sleep times.
	if delta := nowNS - next; delta >= periodNS {
		n := delta / periodNS
		ticks += uint64(n)
		last += n * periodNS
	}

	c.seq.BeginWrite()
	c.count.Add(ticks)
	c.last.Store(last)
	c.next.Store(last + periodNS)
	c.seq.EndWrite()
	c.mu.Unlock()

	if c.onAdvance != nil {
		c.onAdvance(ticks)
	}
	return ticks
}

// Read returns the counter and the next period boundary, consistent with
// each other.
func (c *Clock) Read() (count uint64, next ktime.Time) {
	for {
		epoch := c.seq.BeginRead()
		count = c.count.Load()
		nextNS := c.next.Load()
		if c.seq.ReadOk(epoch) {
			return count, ktime.FromNanoseconds(nextNS)
		}
	}
}

// Snapshot returns the counter and the last period boundary, consistent with
// each other. It is the basis for computing future tick deadlines.
func (c *Clock) Snapshot() (count uint64, last ktime.Time) {
	for {
		epoch := c.seq.BeginRead()
		count = c.count.Load()
		lastNS := c.last.Load()
		if c.seq.ReadOk(epoch) {
			return count, ktime.FromNanoseconds(lastNS)
		}
	}
}

// Count returns the counter.
func (c *Clock) Count() uint64 {
	return c.count.Load()
}

// Next returns the next period boundary.
func (c *Clock) Next() ktime.Time {
	return ktime.FromNanoseconds(c.next.Load())
}

// After reports whether a is after b, treating the counter as wrapping.
func After(a, b uint64) bool {
	return int64(b-a) < 0
}

// Before reports whether a is before b, treating the counter as wrapping.
func Before(a, b uint64) bool {
	return After(b, a)
}

// AfterEq reports whether a is at or after b, treating the counter as
// wrapping.
func AfterEq(a, b uint64) bool {
	return int64(a-b) >= 0
}

// BeforeEq reports whether a is at or before b, treating the counter as
// wrapping.
func BeforeEq(a, b uint64) bool {
	return AfterEq(b, a)
}
