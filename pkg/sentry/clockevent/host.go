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

package clockevent

import (
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sync"
)

// MonotonicNow returns the host's CLOCK_MONOTONIC time.
func MonotonicNow() ktime.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic("clock_gettime(CLOCK_MONOTONIC) failed: " + err.Error())
	}
	return ktime.FromNanoseconds(ts.Nano())
}

// Host is a Device backed by the host's monotonic clock and Go runtime
// timers.
type Host struct {
	mu sync.Mutex

	// All fields below are protected by mu.

	handler func()
	timer   *time.Timer

	// gen is incremented by every Program and Cancel so that runtime timers
	// that fire after being superseded are ignored.
	gen uint64
}

// NewHost returns a disarmed host device.
func NewHost() *Host {
	return &Host{}
}

// SetHandler implements Notifier.SetHandler.
func (h *Host) SetHandler(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = f
}

// Program implements Device.Program.
func (h *Host) Program(deadline ktime.Time) error {
	d := deadline.Sub(MonotonicNow())
	if d <= 0 {
		return ErrBusy
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	if deadline == ktime.MaxTime {
		return nil
	}
	gen := h.gen
	h.timer = time.AfterFunc(d, func() { h.fire(gen) })
	return nil
}

// Cancel implements Device.Cancel.
func (h *Host) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

// Now implements Device.Now.
func (h *Host) Now() ktime.Time {
	return MonotonicNow()
}

// Preconditions: h.mu must be locked.
func (h *Host) stopLocked() {
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Host) fire(gen uint64) {
	h.mu.Lock()
	if gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.timer = nil
	f := h.handler
	h.mu.Unlock()
	if f != nil {
		f()
	}
}

var _ Notifier = (*Host)(nil)
