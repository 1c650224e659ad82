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
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sync"
)

// Synthetic is a Device backed by a ktime.Clock, normally a
// ktime.SyntheticClock shared by all CPUs of a simulation.
//
// Program and Cancel must be serialized by the caller.
type Synthetic struct {
	clock ktime.Clock
	timer ktime.Timer

	mu sync.Mutex

	// handler is called on expiry. handler is protected by mu.
	handler func()

	// armed and deadline describe the last Program call not superseded by
	// Cancel. They are protected by mu.
	armed    bool
	deadline ktime.Time

	// programming is set while Program sets the timer. It is protected by
	// mu.
	programming bool

	// programs counts successful Program calls. It is protected by mu.
	programs uint64
}

// NewSynthetic returns a disarmed device on clock.
func NewSynthetic(clock ktime.Clock) *Synthetic {
	d := &Synthetic{clock: clock}
	d.timer = clock.NewTimer(d)
	return d
}

// SetHandler implements Notifier.SetHandler.
func (d *Synthetic) SetHandler(h func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Program implements Device.Program.
func (d *Synthetic) Program(deadline ktime.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !deadline.After(d.clock.Now()) {
		return ErrBusy
	}
	d.armed = true
	d.deadline = deadline
	s := ktime.Setting{Enabled: true, Next: deadline}
	if deadline == ktime.MaxTime {
		s = ktime.Setting{}
	}

	// The clock may pass the deadline while the timer is being set, in
	// which case the expiry is delivered to NotifyTimer from this goroutine.
	// It is dropped there and reported as ErrBusy instead, since the caller
	// may hold locks the handler needs.
	d.programming = true
	d.mu.Unlock()
	d.timer.Set(s, nil)
	d.mu.Lock()
	d.programming = false
	if d.armed && !deadline.After(d.clock.Now()) {
		d.armed = false
		d.timer.Set(ktime.Setting{}, nil)
		return ErrBusy
	}
	d.programs++
	return nil
}

// Cancel implements Device.Cancel.
func (d *Synthetic) Cancel() {
	d.mu.Lock()
	d.armed = false
	d.mu.Unlock()
	d.timer.Set(ktime.Setting{}, nil)
}

// Now implements Device.Now.
func (d *Synthetic) Now() ktime.Time {
	return d.clock.Now()
}

// Deadline returns the armed deadline. ok is false if the device is
// cancelled.
func (d *Synthetic) Deadline() (deadline ktime.Time, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline, d.armed
}

// Programs returns the number of successful Program calls.
func (d *Synthetic) Programs() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.programs
}

// NotifyTimer implements ktime.Listener.NotifyTimer.
func (d *Synthetic) NotifyTimer(uint64) {
	d.mu.Lock()
	// Expirations racing with a Cancel or a later Program are stale.
	if d.programming || !d.armed || d.deadline.After(d.clock.Now()) {
		d.mu.Unlock()
		return
	}
	d.armed = false
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h()
	}
}

var _ Notifier = (*Synthetic)(nil)
