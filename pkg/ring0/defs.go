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

// Package ring0 holds the state that the supervisor shares with the
// hardware on a privilege transition: trap frames, the paging control
// register and the translation cache it tags.
package ring0

import (
	"fmt"

	"gvisor.dev/rvboot/pkg/hostarch"
)

const (
	// UserspaceSize is the total size of the Sv39 user half.
	UserspaceSize = uintptr(1) << 38

	// MaximumUserAddress is the largest possible user page address.
	MaximumUserAddress = (UserspaceSize - 1) & ^uintptr(hostarch.PageSize-1)

	// KernelStartAddress is the starting kernel address.
	KernelStartAddress = ^uintptr(0) - (UserspaceSize - 1)
)

// PrivilegeMode is a RISC-V privilege level, as saved in a trap frame.
type PrivilegeMode uint64

// Privilege modes.
const (
	User       PrivilegeMode = 0
	Supervisor PrivilegeMode = 1
	Machine    PrivilegeMode = 3
)

// String implements fmt.Stringer.
func (m PrivilegeMode) String() string {
	switch m {
	case User:
		return "user"
	case Supervisor:
		return "supervisor"
	case Machine:
		return "machine"
	default:
		return fmt.Sprintf("PrivilegeMode(%d)", uint64(m))
	}
}

// IsUserAddress returns true if the range [addr, addr+length) lies entirely
// in the user half.
func IsUserAddress(addr hostarch.Addr, length uint64) bool {
	end, ok := addr.AddLength(length)
	return ok && uintptr(end) <= UserspaceSize
}
