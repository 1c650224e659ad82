// Copyright 2018 The gVisor Authors.
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

package ktime

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"gvisor.dev/dyntick/pkg/atomicbitops"
	"gvisor.dev/dyntick/pkg/sync"
)

// SyntheticTimer implements Timer for SyntheticClocks.
type SyntheticTimer struct {
	// immutable
	clock    *SyntheticClock
	listener Listener

	// setting is the timer's current setting. setting is protected by
	// clock.mu.
	setting Setting

	// key is the timer's position in clock.timers while setting.Enabled is
	// true. key is protected by clock.mu.
	key timerKey
}

// timerKey orders enqueued timers by expiration time, then by enqueue order.
type timerKey struct {
	next  int64
	seq   uint64
	timer *SyntheticTimer
}

func timerKeyLess(a, b timerKey) bool {
	if a.next != b.next {
		return a.next < b.next
	}
	return a.seq < b.seq
}

// timerQueueDegree is the btree degree of SyntheticClock.timers.
const timerQueueDegree = 8

// SyntheticClock is a Clock whose current time is set manually by calling
// Store or Add.
//
// Expired timers are notified after the clock's lock is released, in
// expiration order and FIFO among timers expiring at the same time, so
// listeners may rearm their timers.
type SyntheticClock struct {
	mu sync.Mutex

	// now is the Clock's current time. Writes to now require that mu is
	// locked.
	now atomicbitops.Int64

	// timers holds all enabled timers. timers is protected by mu and is
	// created lazily so that the zero value is usable.
	timers *btree.BTreeG[timerKey]

	// seq is the next enqueue sequence number. seq is protected by mu.
	seq uint64
}

// expiration is a pending listener notification.
type expiration struct {
	listener Listener
	exp      uint64
}

// NewSyntheticTimer returns an initialized heap-allocated SyntheticTimer.
func NewSyntheticTimer(clock *SyntheticClock, listener Listener) *SyntheticTimer {
	return &SyntheticTimer{
		clock:    clock,
		listener: listener,
	}
}

// Destroy implements Timer.Destroy.
func (t *SyntheticTimer) Destroy() {
	// Just stop the timer.
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.setting.Enabled {
		t.setting.Enabled = false
		t.clock.delTimerLocked(t)
	}
}

// Clock implements Timer.Clock.
func (t *SyntheticTimer) Clock() Clock {
	return t.clock
}

// Get implements Timer.Get.
func (t *SyntheticTimer) Get() (Time, Setting) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	// SyntheticTimers are expired synchronously with SyntheticClock time
	// changes, so t.setting is always up to date.
	return t.clock.nowLocked(), t.setting
}

// Set implements Timer.Set.
func (t *SyntheticTimer) Set(s Setting, f func()) (Time, Setting) {
	t.clock.mu.Lock()
	now := t.clock.nowLocked()
	oldS := t.setting
	newS, newExp := s.At(now)
	if f != nil {
		f()
	}
	if oldS != newS {
		if oldS.Enabled {
			t.clock.delTimerLocked(t)
		}
		t.setting = newS
		if newS.Enabled {
			t.clock.addTimerLocked(t)
		}
	}
	t.clock.mu.Unlock()

	if newExp > 0 {
		t.listener.NotifyTimer(newExp)
	}
	return now, oldS
}

// Now implements Clock.Now.
func (c *SyntheticClock) Now() Time {
	return FromNanoseconds(c.now.Load())
}

// Preconditions: c.mu must be locked.
func (c *SyntheticClock) nowLocked() Time {
	return FromNanoseconds(c.now.Load())
}

// NewTimer implements Clock.NewTimer.
func (c *SyntheticClock) NewTimer(listener Listener) Timer {
	return NewSyntheticTimer(c, listener)
}

// NextExpiration returns the earliest expiration time among enabled timers.
func (c *SyntheticClock) NextExpiration() (Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timers == nil {
		return Time{}, false
	}
	k, ok := c.timers.Min()
	if !ok {
		return Time{}, false
	}
	return FromNanoseconds(k.next), true
}

// Store sets c's current time to now and notifies expired timers.
//
// Preconditions: now.Nanoseconds() >= 0.
func (c *SyntheticClock) Store(now Time) {
	c.mu.Lock()
	exps := c.setTimeLocked(now.Nanoseconds())
	c.mu.Unlock()
	notify(exps)
}

// Add increases c's current time by d and notifies expired timers.
//
// Preconditions: c's resulting current time >= 0.
func (c *SyntheticClock) Add(delta time.Duration) {
	c.mu.Lock()
	exps := c.setTimeLocked(c.now.Load() + delta.Nanoseconds())
	c.mu.Unlock()
	notify(exps)
}

func notify(exps []expiration) {
	for _, e := range exps {
		e.listener.NotifyTimer(e.exp)
	}
}

// setTimeLocked updates the current time and dequeues expired timers,
// returning the notifications to deliver once c.mu is released.
//
// Preconditions: c.mu must be locked.
func (c *SyntheticClock) setTimeLocked(nowNS int64) []expiration {
	if nowNS < 0 {
		panic(fmt.Sprintf("invalid time %d", nowNS))
	}
	c.now.Store(nowNS)
	if c.timers == nil {
		return nil
	}
	now := FromNanoseconds(nowNS)
	var exps []expiration
	for {
		k, ok := c.timers.Min()
		if !ok || nowNS < k.next {
			break
		}
		c.timers.DeleteMin()
		t := k.timer
		s, exp := t.setting.At(now)
		if exp == 0 {
			panic(fmt.Sprintf("ktime.SyntheticClock (time=%d) contains enqueued timer %p for time=%d with unexpired setting %+v", nowNS, t, k.next, t.setting))
		}
		t.setting = s
		exps = append(exps, expiration{t.listener, exp})
		if t.setting.Enabled {
			c.addTimerLocked(t)
		}
	}
	return exps
}

// Preconditions: c.mu must be locked.
func (c *SyntheticClock) addTimerLocked(t *SyntheticTimer) {
	if c.timers == nil {
		c.timers = btree.NewG(timerQueueDegree, timerKeyLess)
	}
	t.key = timerKey{next: t.setting.Next.Nanoseconds(), seq: c.seq, timer: t}
	c.seq++
	c.timers.ReplaceOrInsert(t.key)
}

// Preconditions: c.mu must be locked.
func (c *SyntheticClock) delTimerLocked(t *SyntheticTimer) {
	if _, ok := c.timers.Delete(t.key); !ok {
		panic(fmt.Sprintf("ktime.SyntheticClock (time=%d) does not contain enqueued timer %p for time=%d with setting %+v", c.now.Load(), t, t.key.next, t.setting))
	}
}
