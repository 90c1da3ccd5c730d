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
	"encoding/binary"
	"fmt"
)

// Register indices into TrapFrame.Regs.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegA0   = 10
)

// SizeOfTrapFrame is the size of a marshalled TrapFrame.
const SizeOfTrapFrame = 560

// TrapFrame is the per-process record the trap path saves to and restores
// from. Its layout is shared with the assembly trap vector:
//
//	0    regs[32]
//	256  fregs[32]
//	512  satp
//	520  pc
//	528  hartid
//	536  qm
//	544  pid
//	552  mode
//
// All fields are little endian.
type TrapFrame struct {
	// Regs are the general purpose registers x0-x31.
	Regs [32]uint64

	// FRegs are the floating point registers f0-f31.
	FRegs [32]uint64

	// SATP is loaded into satp on return to the process.
	SATP SATP

	// PC is the program counter to resume at.
	PC uint64

	// HartID is the hart the process last ran on.
	HartID uint64

	// QM is the scheduling quantum multiplier.
	QM uint64

	// PID is the owning process.
	PID uint64

	// Mode is the privilege mode to return to.
	Mode PrivilegeMode
}

// SizeBytes returns the marshalled size of t.
func (*TrapFrame) SizeBytes() int {
	return SizeOfTrapFrame
}

// MarshalBytes serializes t into dst and returns the remainder of dst.
func (t *TrapFrame) MarshalBytes(dst []byte) []byte {
	if len(dst) < SizeOfTrapFrame {
		panic(fmt.Sprintf("trap frame needs %d bytes, have %d", SizeOfTrapFrame, len(dst)))
	}
	for _, r := range t.Regs {
		binary.LittleEndian.PutUint64(dst, r)
		dst = dst[8:]
	}
	for _, r := range t.FRegs {
		binary.LittleEndian.PutUint64(dst, r)
		dst = dst[8:]
	}
	for _, v := range [...]uint64{uint64(t.SATP), t.PC, t.HartID, t.QM, t.PID, uint64(t.Mode)} {
		binary.LittleEndian.PutUint64(dst, v)
		dst = dst[8:]
	}
	return dst
}

// UnmarshalBytes deserializes t from src and returns the remainder of src.
func (t *TrapFrame) UnmarshalBytes(src []byte) []byte {
	if len(src) < SizeOfTrapFrame {
		panic(fmt.Sprintf("trap frame needs %d bytes, have %d", SizeOfTrapFrame, len(src)))
	}
	for i := range t.Regs {
		t.Regs[i] = binary.LittleEndian.Uint64(src)
		src = src[8:]
	}
	for i := range t.FRegs {
		t.FRegs[i] = binary.LittleEndian.Uint64(src)
		src = src[8:]
	}
	for _, p := range [...]*uint64{(*uint64)(&t.SATP), &t.PC, &t.HartID, &t.QM, &t.PID, (*uint64)(&t.Mode)} {
		*p = binary.LittleEndian.Uint64(src)
		src = src[8:]
	}
	return src
}

// StackPointer returns x2.
func (t *TrapFrame) StackPointer() uint64 {
	return t.Regs[RegSP]
}

// SetStackPointer sets x2.
func (t *TrapFrame) SetStackPointer(sp uint64) {
	t.Regs[RegSP] = sp
}

// Ready returns true if the fields the return path depends on have all
// been populated.
func (t *TrapFrame) Ready() bool {
	return t.PC != 0 && t.StackPointer() != 0 && t.SATP.Mode() != SATPBare && t.SATP.RootPhysical() != 0
}
