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

package pagetables

import (
	"fmt"

	"gvisor.dev/rvboot/pkg/log"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
	"gvisor.dev/rvboot/pkg/sentry/usage"
	"gvisor.dev/rvboot/pkg/sync"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if
	// physical does not hold a live table.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs returns a set of PTEs to the allocator.
	FreePTEs(ptes *PTEs)
}

// FrameAllocator is an Allocator that places page tables in frames of a
// pgalloc.MemoryFile.
type FrameAllocator struct {
	mf *pgalloc.MemoryFile

	mu sync.Mutex

	// physical maps each live table to its frame.
	//
	// +checklocks:mu
	physical map[*PTEs]uintptr
}

// NewFrameAllocator returns an allocator backed by mf.
func NewFrameAllocator(mf *pgalloc.MemoryFile) *FrameAllocator {
	return &FrameAllocator{
		mf:       mf,
		physical: make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *FrameAllocator) NewPTEs() (*PTEs, error) {
	addr, err := a.mf.Allocate(1, pgalloc.AllocOpts{Kind: usage.PageTables})
	if err != nil {
		return nil, fmt.Errorf("allocating page table: %w", err)
	}
	ptes := a.lookup(addr)
	a.mu.Lock()
	a.physical[ptes] = addr
	a.mu.Unlock()
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *FrameAllocator) PhysicalFor(ptes *PTEs) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.physical[ptes]
	if !ok {
		panic(fmt.Sprintf("page table %p was not allocated by this allocator", ptes))
	}
	return addr
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *FrameAllocator) LookupPTEs(physical uintptr) *PTEs {
	bs, err := a.mf.Slice(physical, pteSize)
	if err != nil {
		return nil
	}
	ptes := ptesFromBytes(bs)
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr, ok := a.physical[ptes]; !ok || addr != physical {
		return nil
	}
	return ptes
}

// lookup returns the table stored in the frame at physical.
func (a *FrameAllocator) lookup(physical uintptr) *PTEs {
	bs, err := a.mf.Slice(physical, pteSize)
	if err != nil {
		panic(fmt.Sprintf("page table at %#x: %v", physical, err))
	}
	return ptesFromBytes(bs)
}

// FreePTEs implements Allocator.FreePTEs.
func (a *FrameAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	addr, ok := a.physical[ptes]
	delete(a.physical, ptes)
	a.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("page table %p was not allocated by this allocator", ptes))
	}
	if err := a.mf.Free(addr); err != nil {
		log.Warningf("Freeing page table at %#x: %v", addr, err)
	}
}

// Tables returns the number of tables currently held.
func (a *FrameAllocator) Tables() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.physical)
}
