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

// Package kernel holds the process table of the supervisor: process control
// blocks, the global process list and PID allocation.
//
// Lock order (outermost locks must be taken first):
//
//	ProcessList.mu
//	  Process.mu
//	    pgalloc.MemoryFile.mu
package kernel

import (
	"fmt"

	"gvisor.dev/rvboot/pkg/log"
	"gvisor.dev/rvboot/pkg/metric"
	"gvisor.dev/rvboot/pkg/ring0"
	"gvisor.dev/rvboot/pkg/ring0/pagetables"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
)

var (
	pidsAllocated    = metric.MustCreateNewUint64Metric("/kernel/pids_allocated", "Number of process identifiers allocated.")
	processesRetired = metric.MustCreateNewUint64Metric("/kernel/processes_retired", "Number of processes removed from the process list and released.")
)

// Kernel owns the machine-wide state that processes are created from.
type Kernel struct {
	// mf is the physical memory every process allocates from.
	mf *pgalloc.MemoryFile

	// allocator places page tables in frames of mf.
	allocator *pagetables.FrameAllocator

	// tlb is the translation cache shared by every hart.
	tlb *ring0.TLB

	// processes is the global process list.
	processes ProcessList

	// pids allocates process identifiers.
	pids PIDAllocator
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// MemoryFile is the physical memory the kernel allocates from.
	MemoryFile *pgalloc.MemoryFile
}

// Init initializes the Kernel with no processes.
func (k *Kernel) Init(args InitKernelArgs) error {
	if args.MemoryFile == nil {
		return fmt.Errorf("memory file is required")
	}
	k.mf = args.MemoryFile
	k.allocator = pagetables.NewFrameAllocator(k.mf)
	k.tlb = ring0.NewTLB(k.allocator)
	return nil
}

// MemoryFile returns the kernel's physical memory.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// PageTableAllocator returns the allocator used for page tables.
func (k *Kernel) PageTableAllocator() *pagetables.FrameAllocator {
	return k.allocator
}

// TLB returns the translation cache.
func (k *Kernel) TLB() *ring0.TLB {
	return k.tlb
}

// Processes returns the global process list.
func (k *Kernel) Processes() *ProcessList {
	return &k.processes
}

// PIDs returns the PID allocator.
func (k *Kernel) PIDs() *PIDAllocator {
	return &k.pids
}

// WriteTrapFrame marshals tf into the frame at addr.
func (k *Kernel) WriteTrapFrame(addr uintptr, tf *ring0.TrapFrame) error {
	buf, err := k.mf.Slice(addr, ring0.SizeOfTrapFrame)
	if err != nil {
		return fmt.Errorf("trap frame at %#x: %w", addr, err)
	}
	tf.MarshalBytes(buf)
	return nil
}

// ReadTrapFrame unmarshals the trap frame stored at addr.
func (k *Kernel) ReadTrapFrame(addr uintptr) (ring0.TrapFrame, error) {
	var tf ring0.TrapFrame
	buf, err := k.mf.Slice(addr, ring0.SizeOfTrapFrame)
	if err != nil {
		return tf, fmt.Errorf("trap frame at %#x: %w", addr, err)
	}
	tf.UnmarshalBytes(buf)
	return tf, nil
}

// Retire removes p from the process list, if it is listed, and releases
// everything it owns.
func (k *Kernel) Retire(p *Process) error {
	k.processes.With(func(q *ProcessQueue) {
		q.Remove(p)
	})
	if err := p.Release(); err != nil {
		log.Warningf("Releasing %v: %v", p, err)
		return err
	}
	processesRetired.Increment()
	log.Debugf("Retired %v", p)
	return nil
}

// Destroy retires every listed process.
func (k *Kernel) Destroy() {
	var ps []*Process
	k.processes.With(func(q *ProcessQueue) {
		for p := q.PopFront(); p != nil; p = q.PopFront() {
			ps = append(ps, p)
		}
	})
	for _, p := range ps {
		if err := k.Retire(p); err != nil {
			log.Warningf("Destroying kernel: %v", err)
		}
	}
}
