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

package atomicbitops

// Or atomically applies bitwise or operation to u with val, and returns the
// value that u held before the operation.
func (u *Uint32) Or(val uint32) uint32 {
	for {
		o := u.value.Load()
		if u.value.CompareAndSwap(o, o|val) {
			return o
		}
	}
}

// And atomically applies bitwise and operation to u with val, and returns
// the value that u held before the operation.
func (u *Uint32) And(val uint32) uint32 {
	for {
		o := u.value.Load()
		if u.value.CompareAndSwap(o, o&val) {
			return o
		}
	}
}

// Or atomically applies bitwise or operation to u with val, and returns the
// value that u held before the operation.
func (u *Uint64) Or(val uint64) uint64 {
	for {
		o := u.value.Load()
		if u.value.CompareAndSwap(o, o|val) {
			return o
		}
	}
}

// And atomically applies bitwise and operation to u with val, and returns
// the value that u held before the operation.
func (u *Uint64) And(val uint64) uint64 {
	for {
		o := u.value.Load()
		if u.value.CompareAndSwap(o, o&val) {
			return o
		}
	}
}
