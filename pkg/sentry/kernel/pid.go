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

package kernel

import (
	"errors"
	"math"

	"gvisor.dev/rvboot/pkg/atomicbitops"
)

// PID is a process identifier. PIDs double as address space identifiers, so
// they share the 16-bit ASID space.
type PID uint16

// InitPID is the first PID handed out. PID 0 is never used, leaving ASID 0
// to the kernel's own address space.
const InitPID PID = 1

// MaxPID is the largest PID.
const MaxPID PID = math.MaxUint16

// ErrPIDExhausted is returned once every PID has been handed out. PIDs are
// never reused, so this is permanent.
var ErrPIDExhausted = errors.New("process identifiers exhausted")

// PIDAllocator hands out monotonically increasing PIDs.
//
// The zero value is ready to use.
type PIDAllocator struct {
	// last is the most recently allocated PID, or zero.
	last atomicbitops.Uint32
}

// Allocate returns a PID strictly greater than every PID previously returned
// by a.
func (a *PIDAllocator) Allocate() (PID, error) {
	for {
		last := a.last.Load()
		if last >= uint32(MaxPID) {
			return 0, ErrPIDExhausted
		}
		if a.last.CompareAndSwap(last, last+1) {
			pidsAllocated.Increment()
			return PID(last + 1), nil
		}
	}
}

// Last returns the most recently allocated PID, or zero if none has been.
func (a *PIDAllocator) Last() PID {
	return PID(a.last.Load())
}

// skipTo makes the next allocation return pid. Used by tests to reach the
// end of the PID space quickly.
func (a *PIDAllocator) skipTo(pid PID) {
	a.last.Store(uint32(pid) - 1)
}
