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
	"fmt"
	"time"

	"gvisor.dev/rvboot/pkg/atomicbitops"
	"gvisor.dev/rvboot/pkg/hostarch"
	"gvisor.dev/rvboot/pkg/ilist"
	"gvisor.dev/rvboot/pkg/ring0"
	"gvisor.dev/rvboot/pkg/ring0/pagetables"
	"gvisor.dev/rvboot/pkg/sync"
)

// ProcessState is the scheduling state of a process.
type ProcessState int

// Process states. Transitions are driven by the scheduler.
const (
	Running ProcessState = iota
	Sleeping
	Blocked
	Dead
)

// String implements fmt.Stringer.
func (s ProcessState) String() string {
	switch s {
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

// ErrBadLayout is returned by NewProcess when the program and stack regions
// overlap or leave the user half.
var ErrBadLayout = errors.New("invalid process memory layout")

// Region is a contiguous run of user pages backed by a single allocation.
type Region struct {
	// Virtual is the first virtual address of the region.
	Virtual hostarch.Addr

	// Physical is the start of the backing allocation.
	Physical uintptr

	// Pages is the number of pages.
	Pages uint64
}

// Range returns the virtual range covered by r.
func (r Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: r.Virtual,
		End:   r.Virtual + hostarch.Addr(r.Pages*hostarch.PageSize),
	}
}

// FileDescriptor is an open file.
type FileDescriptor struct {
	Device uint32
	Inode  uint32
	Offset uint64
}

// ProcessData is auxiliary per-process state owned by the filesystem layer.
type ProcessData struct {
	// CWD is the current working directory.
	CWD string

	// Files are the open files, by descriptor number.
	Files map[int]FileDescriptor
}

// ProcessConfig is the fully constructed state of a new process. Ownership
// of every allocation it names passes to the process.
type ProcessConfig struct {
	PID        PID
	TrapFrame  ring0.TrapFrame
	FrameAddr  uintptr
	PageTables *pagetables.PageTables
	Program    Region
	Stack      Region
	Data       ProcessData
}

// Process is a process control block.
type Process struct {
	// Entry links the process into a ProcessList. It is protected by
	// ProcessList.mu.
	ilist.Entry[*Process]

	// listed is true while the process is in a ProcessList.
	//
	// +checklocks:ProcessList.mu
	listed bool

	k   *Kernel
	pid PID

	// frameAddr is the physical frame holding the marshalled trap frame.
	frameAddr uintptr

	// pageTables is the address space. Its root is freed on Release.
	pageTables *pagetables.PageTables

	program Region
	stack   Region

	mu sync.Mutex

	// +checklocks:mu
	state ProcessState

	// +checklocks:mu
	sleepUntil time.Time

	// +checklocks:mu
	frame ring0.TrapFrame

	// +checklocks:mu
	data ProcessData

	released atomicbitops.Bool
}

// NewProcess creates a process from fully constructed state. The process is
// not scheduled until it is added to a ProcessList.
func (k *Kernel) NewProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.PID == 0 || cfg.PageTables == nil || cfg.FrameAddr == 0 {
		return nil, fmt.Errorf("incomplete process configuration for PID %d", cfg.PID)
	}
	prog, stack := cfg.Program.Range(), cfg.Stack.Range()
	if !prog.WellFormed() || !stack.WellFormed() || prog.Overlaps(stack) {
		return nil, fmt.Errorf("program %v and stack %v: %w", prog, stack, ErrBadLayout)
	}
	if !ring0.IsUserAddress(prog.Start, prog.Length()) || !ring0.IsUserAddress(stack.Start, stack.Length()) {
		return nil, fmt.Errorf("program %v and stack %v must be user addresses: %w", prog, stack, ErrBadLayout)
	}
	if cfg.Data.CWD == "" {
		cfg.Data.CWD = "/"
	}
	if cfg.Data.Files == nil {
		cfg.Data.Files = make(map[int]FileDescriptor)
	}
	return &Process{
		k:          k,
		pid:        cfg.PID,
		frameAddr:  cfg.FrameAddr,
		pageTables: cfg.PageTables,
		program:    cfg.Program,
		stack:      cfg.Stack,
		state:      Running,
		frame:      cfg.TrapFrame,
		data:       cfg.Data,
	}, nil
}

// PID returns the process identifier.
func (p *Process) PID() PID {
	return p.pid
}

// State returns the scheduling state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState sets the scheduling state.
func (p *Process) SetState(s ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	if s != Sleeping {
		p.sleepUntil = time.Time{}
	}
}

// Sleep puts the process to sleep until deadline.
func (p *Process) Sleep(deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Sleeping
	p.sleepUntil = deadline
}

// SleepUntil returns the wake-up deadline, or the zero time if the process
// is not sleeping.
func (p *Process) SleepUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sleepUntil
}

// TrapFrame returns a copy of the trap frame.
func (p *Process) TrapFrame() ring0.TrapFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

// SetTrapFrame updates the trap frame and writes it back to its frame.
func (p *Process) SetTrapFrame(tf ring0.TrapFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.k.WriteTrapFrame(p.frameAddr, &tf); err != nil {
		return err
	}
	p.frame = tf
	return nil
}

// FrameAddress returns the physical address of the trap frame.
func (p *Process) FrameAddress() uintptr {
	return p.frameAddr
}

// PageTables returns the address space.
func (p *Process) PageTables() *pagetables.PageTables {
	return p.pageTables
}

// Program returns the program region.
func (p *Process) Program() Region {
	return p.program
}

// Stack returns the stack region.
func (p *Process) Stack() Region {
	return p.stack
}

// Data returns a copy of the auxiliary data.
func (p *Process) Data() ProcessData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyData(p.data)
}

// Release frees every allocation owned by p: the page tables, the program
// and stack images and the trap frame. Release is idempotent.
//
// Precondition: p must not be in a ProcessList.
func (p *Process) Release() error {
	if p.released.Swap(true) {
		return nil
	}
	p.mu.Lock()
	p.state = Dead
	p.mu.Unlock()

	mf := p.k.MemoryFile()
	p.pageTables.Release()
	var errs []error
	for _, addr := range []uintptr{p.program.Physical, p.stack.Physical, p.frameAddr} {
		if addr == 0 {
			continue
		}
		if err := mf.Free(addr); err != nil {
			errs = append(errs, err)
		}
	}
	// Stale translations tagged with this PID must not outlive it.
	p.k.TLB().FenceASID(uint16(p.pid))
	return errors.Join(errs...)
}

// String implements fmt.Stringer.
func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.pid)
}
