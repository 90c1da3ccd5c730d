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

package ring0

import (
	"fmt"

	"gvisor.dev/rvboot/pkg/bits"
	"gvisor.dev/rvboot/pkg/hostarch"
)

// SATPMode is the paging mode field of the satp register.
type SATPMode uint8

// Paging modes.
const (
	SATPBare SATPMode = 0
	SATPSv39 SATPMode = 8
	SATPSv48 SATPMode = 9
)

// String implements fmt.Stringer.
func (m SATPMode) String() string {
	switch m {
	case SATPBare:
		return "bare"
	case SATPSv39:
		return "sv39"
	case SATPSv48:
		return "sv48"
	default:
		return fmt.Sprintf("SATPMode(%d)", uint8(m))
	}
}

// satp fields.
const (
	satpPPNShift  = 0
	satpPPNWidth  = 44
	satpASIDShift = 44
	satpASIDWidth = 16
	satpModeShift = 60
	satpModeWidth = 4
)

// SATP is a value of the supervisor address translation and protection
// register.
type SATP uint64

// MakeSATP packs a satp value. rootPhysical must be page aligned and
// addressable by a 44-bit PPN.
func MakeSATP(mode SATPMode, asid uint16, rootPhysical uintptr) SATP {
	if rootPhysical&(hostarch.PageSize-1) != 0 {
		panic(fmt.Sprintf("page table root %#x is not page aligned", rootPhysical))
	}
	ppn := uint64(rootPhysical) >> hostarch.PageShift
	if ppn>>satpPPNWidth != 0 {
		panic(fmt.Sprintf("page table root %#x is not addressable", rootPhysical))
	}
	if uint64(mode)>>satpModeWidth != 0 {
		panic(fmt.Sprintf("invalid paging mode %d", mode))
	}
	var v uint64
	v = bits.SetField(v, satpPPNShift, satpPPNWidth, ppn)
	v = bits.SetField(v, satpASIDShift, satpASIDWidth, uint64(asid))
	v = bits.SetField(v, satpModeShift, satpModeWidth, uint64(mode))
	return SATP(v)
}

// Mode returns the paging mode.
func (s SATP) Mode() SATPMode {
	return SATPMode(bits.Field(uint64(s), satpModeShift, satpModeWidth))
}

// ASID returns the address space identifier.
func (s SATP) ASID() uint16 {
	return uint16(bits.Field(uint64(s), satpASIDShift, satpASIDWidth))
}

// RootPhysical returns the physical address of the root page table.
func (s SATP) RootPhysical() uintptr {
	return uintptr(bits.Field(uint64(s), satpPPNShift, satpPPNWidth) << hostarch.PageShift)
}

// String implements fmt.Stringer.
func (s SATP) String() string {
	return fmt.Sprintf("%s asid=%d root=%#x", s.Mode(), s.ASID(), s.RootPhysical())
}
