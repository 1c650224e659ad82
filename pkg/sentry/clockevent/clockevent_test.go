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
	"testing"
	"time"

	"gvisor.dev/dyntick/pkg/sentry/ktime"
)

func TestSyntheticProgramAndExpire(t *testing.T) {
	var c ktime.SyntheticClock
	d := NewSynthetic(&c)
	fired := 0
	d.SetHandler(func() { fired++ })

	if err := d.Program(ktime.FromSeconds(2)); err != nil {
		t.Fatalf("Program: %v", err)
	}
	c.Store(ktime.FromSeconds(1))
	if fired != 0 {
		t.Fatalf("fired %d times before deadline", fired)
	}
	c.Store(ktime.FromSeconds(2))
	if fired != 1 {
		t.Fatalf("fired %d times at deadline, want 1", fired)
	}
	if _, armed := d.Deadline(); armed {
		t.Errorf("device still armed after expiry")
	}
}

func TestSyntheticProgramPastDeadline(t *testing.T) {
	var c ktime.SyntheticClock
	c.Store(ktime.FromSeconds(5))
	d := NewSynthetic(&c)
	for _, deadline := range []ktime.Time{ktime.FromSeconds(4), ktime.FromSeconds(5)} {
		if err := d.Program(deadline); err != ErrBusy {
			t.Errorf("Program(%v) at %v = %v, want %v", deadline, c.Now(), err, ErrBusy)
		}
	}
	if d.Programs() != 0 {
		t.Errorf("Programs() = %d after rejected programs, want 0", d.Programs())
	}
}

func TestSyntheticCancelAndReprogram(t *testing.T) {
	var c ktime.SyntheticClock
	d := NewSynthetic(&c)
	fired := 0
	d.SetHandler(func() { fired++ })

	d.Program(ktime.FromSeconds(1))
	d.Cancel()
	c.Store(ktime.FromSeconds(1))
	if fired != 0 {
		t.Errorf("cancelled device fired")
	}

	d.Program(ktime.FromSeconds(2))
	d.Program(ktime.FromSeconds(4))
	c.Store(ktime.FromSeconds(3))
	if fired != 0 {
		t.Errorf("device fired at superseded deadline")
	}
	c.Store(ktime.FromSeconds(4))
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestSyntheticNeverDeadline(t *testing.T) {
	var c ktime.SyntheticClock
	d := NewSynthetic(&c)
	fired := false
	d.SetHandler(func() { fired = true })
	if err := d.Program(ktime.MaxTime); err != nil {
		t.Fatalf("Program(MaxTime): %v", err)
	}
	if _, ok := c.NextExpiration(); ok {
		t.Errorf("MaxTime deadline enqueued a timer")
	}
	c.Store(ktime.FromSeconds(1 << 20))
	if fired {
		t.Errorf("MaxTime deadline fired")
	}
}

func TestSyntheticHandlerReprograms(t *testing.T) {
	var c ktime.SyntheticClock
	d := NewSynthetic(&c)
	var at []ktime.Time
	d.SetHandler(func() {
		at = append(at, d.Now())
		if len(at) < 3 {
			if err := d.Program(d.Now().Add(time.Second)); err != nil {
				t.Errorf("Program from handler: %v", err)
			}
		}
	})
	d.Program(ktime.FromSeconds(1))
	for i := int64(1); i <= 4; i++ {
		c.Store(ktime.FromSeconds(i))
	}
	if len(at) != 3 {
		t.Errorf("handler ran %d times, want 3: %v", len(at), at)
	}
}

func TestHostExpires(t *testing.T) {
	h := NewHost()
	done := make(chan struct{})
	h.SetHandler(func() { close(done) })
	if err := h.Program(h.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("Program: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("host device did not fire")
	}
}

func TestHostCancel(t *testing.T) {
	h := NewHost()
	fired := make(chan struct{}, 1)
	h.SetHandler(func() { fired <- struct{}{} })
	if err := h.Program(h.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("Program: %v", err)
	}
	h.Cancel()
	select {
	case <-fired:
		t.Errorf("cancelled host device fired")
	case <-time.After(100 * time.Millisecond):
	}
	if err := h.Program(h.Now().Add(-time.Millisecond)); err != ErrBusy {
		t.Errorf("Program(past) = %v, want %v", err, ErrBusy)
	}
}
