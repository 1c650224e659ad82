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

// Package clockevent defines the one-shot timer device that drives a CPU's
// tick, and provides synthetic and host-backed implementations.
package clockevent

import (
	"errors"

	"gvisor.dev/dyntick/pkg/sentry/ktime"
)

// ErrBusy is returned by Device.Program when the requested deadline has
// already passed. Callers treat it as an immediate expiry.
var ErrBusy = errors.New("clock event deadline already passed")

// Device is a per-CPU one-shot timer.
type Device interface {
	// Program arms the device to expire at deadline, replacing any previous
	// deadline. It returns ErrBusy if deadline is not after Now.
	Program(deadline ktime.Time) error

	// Cancel disarms the device. A cancelled device never expires.
	Cancel()

	// Now returns the device's current time.
	Now() ktime.Time
}

// Notifier is implemented by devices that deliver expirations to a handler.
type Notifier interface {
	// SetHandler sets the function called on every expiry. The handler runs
	// without device locks held and may call Program or Cancel.
	SetHandler(func())
}
