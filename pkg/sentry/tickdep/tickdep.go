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

// Package tickdep tracks the reasons that require a CPU to keep its periodic
// tick running.
//
// Dependencies are recorded per scope: globally, per CPU, per task and per
// process. A CPU may stop its tick only when the union of the global mask,
// its own mask, and the masks of its current task and process is empty.
package tickdep

import (
	"fmt"
	"math/bits"
	"strings"

	"gvisor.dev/dyntick/pkg/atomicbitops"
	"gvisor.dev/dyntick/pkg/sync"
)

// Reason is a single tick dependency.
type Reason uint32

// Tick dependencies.
const (
	// PosixTimer is held while a CPU-time interval timer is armed.
	PosixTimer Reason = iota
	// PerfEvents is held while a perf event needs periodic sampling.
	PerfEvents
	// Sched is held while the scheduler needs to preempt.
	Sched
	// ClockUnstable is held while the clocksource is unreliable.
	ClockUnstable
	// RCU is held while RCU needs this CPU's quiescent state.
	RCU
	// RCUExp is held while an expedited RCU grace period needs this CPU.
	RCUExp

	numReasons
)

var reasonNames = [numReasons]string{
	PosixTimer:    "posix_timer",
	PerfEvents:    "perf_events",
	Sched:         "sched",
	ClockUnstable: "clock_unstable",
	RCU:           "rcu",
	RCUExp:        "rcu_exp",
}

// Reasons lists all reasons in bit order.
var Reasons = []Reason{PosixTimer, PerfEvents, Sched, ClockUnstable, RCU, RCUExp}

// String implements fmt.Stringer.
func (r Reason) String() string {
	if r < numReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", uint32(r))
}

// Mask returns r as a single-bit mask.
func (r Reason) Mask() Mask {
	if r >= numReasons {
		panic(fmt.Sprintf("invalid tick dependency %d", uint32(r)))
	}
	return 1 << r
}

// ParseReason returns the reason named s.
func ParseReason(s string) (Reason, error) {
	for r, name := range reasonNames {
		if name == s {
			return Reason(r), nil
		}
	}
	return 0, fmt.Errorf("unknown tick dependency %q", s)
}

// Mask is a set of reasons.
type Mask uint32

// Has reports whether r is in m.
func (m Mask) Has(r Reason) bool {
	return m&r.Mask() != 0
}

// String implements fmt.Stringer.
func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var names []string
	for rem := uint32(m); rem != 0; rem &= rem - 1 {
		names = append(names, Reason(bits.TrailingZeros32(rem)).String())
	}
	return strings.Join(names, "|")
}

// TaskID identifies a task. Zero means no task.
type TaskID uint64

// ProcessID identifies a process (thread group). Zero means no process.
type ProcessID uint64

// ScopeKind is the kind of entity a Scope refers to.
type ScopeKind int

// Scope kinds.
const (
	ScopeGlobal ScopeKind = iota
	ScopeCPU
	ScopeTask
	ScopeProcess
)

// String implements fmt.Stringer.
func (k ScopeKind) String() string {
	switch k {
	case ScopeGlobal:
		return "global"
	case ScopeCPU:
		return "cpu"
	case ScopeTask:
		return "task"
	case ScopeProcess:
		return "process"
	default:
		return fmt.Sprintf("ScopeKind(%d)", int(k))
	}
}

// Scope names the owner of a dependency mask.
type Scope struct {
	Kind ScopeKind

	// ID is the CPU, task or process ID for the corresponding kinds.
	ID uint64
}

// Global returns the system-wide scope.
func Global() Scope {
	return Scope{Kind: ScopeGlobal}
}

// OnCPU returns the scope of a CPU.
func OnCPU(cpu int) Scope {
	return Scope{Kind: ScopeCPU, ID: uint64(cpu)}
}

// OnTask returns the scope of a task.
func OnTask(tid TaskID) Scope {
	return Scope{Kind: ScopeTask, ID: uint64(tid)}
}

// OnProcess returns the scope of a process.
func OnProcess(pid ProcessID) Scope {
	return Scope{Kind: ScopeProcess, ID: uint64(pid)}
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	if s.Kind == ScopeGlobal {
		return "global"
	}
	return fmt.Sprintf("%v:%d", s.Kind, s.ID)
}

// Registry holds dependency masks for all scopes.
//
// All methods are safe for concurrent use and do not block.
type Registry struct {
	global atomicbitops.Uint32
	cpus   []atomicbitops.Uint32

	// tasks and procs map IDs to *atomicbitops.Uint32. Entries are created
	// on first Set and removed by Forget.
	tasks sync.Map
	procs sync.Map
}

// NewRegistry returns a registry for numCPUs CPUs.
func NewRegistry(numCPUs int) *Registry {
	return &Registry{cpus: make([]atomicbitops.Uint32, numCPUs)}
}

// maskFor returns the mask of s, creating it if create is set. It returns
// nil for a task or process without an entry when create is false.
func (r *Registry) maskFor(s Scope, create bool) *atomicbitops.Uint32 {
	switch s.Kind {
	case ScopeGlobal:
		return &r.global
	case ScopeCPU:
		if s.ID >= uint64(len(r.cpus)) {
			panic(fmt.Sprintf("tick dependency on invalid CPU %d", s.ID))
		}
		return &r.cpus[s.ID]
	case ScopeTask, ScopeProcess:
		if s.ID == 0 {
			panic(fmt.Sprintf("tick dependency on invalid %v", s))
		}
		m := &r.tasks
		if s.Kind == ScopeProcess {
			m = &r.procs
		}
		if v, ok := m.Load(s.ID); ok {
			return v.(*atomicbitops.Uint32)
		}
		if !create {
			return nil
		}
		v, _ := m.LoadOrStore(s.ID, new(atomicbitops.Uint32))
		return v.(*atomicbitops.Uint32)
	default:
		panic(fmt.Sprintf("invalid tick dependency scope %v", s))
	}
}

// Set adds reason to the mask of s. It reports whether the mask was empty
// before, in which case the caller must make affected CPUs re-evaluate their
// tick.
func (r *Registry) Set(s Scope, reason Reason) (wasZero bool) {
	bit := reason.Mask()
	return r.maskFor(s, true).Or(uint32(bit)) == 0
}

// Clear removes reason from the mask of s.
func (r *Registry) Clear(s Scope, reason Reason) {
	bit := reason.Mask()
	if m := r.maskFor(s, false); m != nil {
		m.And(^uint32(bit))
	}
}

// Mask returns the mask of s.
func (r *Registry) Mask(s Scope) Mask {
	if m := r.maskFor(s, false); m != nil {
		return Mask(m.Load())
	}
	return 0
}

// AnySet reports whether the mask of s is non-empty.
func (r *Registry) AnySet(s Scope) bool {
	return r.Mask(s) != 0
}

// Effective returns the union of masks that apply to cpu while it runs task
// of process proc. Zero IDs are skipped.
func (r *Registry) Effective(cpu int, task TaskID, proc ProcessID) Mask {
	m := r.Mask(Global()) | r.Mask(OnCPU(cpu))
	if task != 0 {
		m |= r.Mask(OnTask(task))
	}
	if proc != 0 {
		m |= r.Mask(OnProcess(proc))
	}
	return m
}

// Forget drops the entry of an exited task or process.
func (r *Registry) Forget(s Scope) {
	switch s.Kind {
	case ScopeTask:
		r.tasks.Delete(s.ID)
	case ScopeProcess:
		r.procs.Delete(s.ID)
	default:
		panic(fmt.Sprintf("cannot forget scope %v", s))
	}
}

// NumCPUs returns the number of per-CPU masks.
func (r *Registry) NumCPUs() int {
	return len(r.cpus)
}
