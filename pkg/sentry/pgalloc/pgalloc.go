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

// Package pgalloc contains the physical frame allocator.
//
// A MemoryFile owns an anonymous host mapping that stands in for physical
// memory. Frames are identified by their physical address, which is the
// MemoryFile's base plus the frame's offset into the mapping.
package pgalloc

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/rvboot/pkg/bitmap"
	"gvisor.dev/rvboot/pkg/bits"
	"gvisor.dev/rvboot/pkg/hostarch"
	"gvisor.dev/rvboot/pkg/log"
	"gvisor.dev/rvboot/pkg/metric"
	"gvisor.dev/rvboot/pkg/sentry/usage"
	"gvisor.dev/rvboot/pkg/sync"
)

// DefaultBase is the physical address of the first frame when
// MemoryFileOpts.Base is unset. It matches the start of DRAM on the RISC-V
// virt board.
const DefaultBase = 0x8000_0000

var (
	// ErrOutOfMemory is returned when no run of free frames is large enough
	// to satisfy an allocation.
	ErrOutOfMemory = errors.New("out of physical memory")

	// ErrNotHeld is returned by Free for an address that is not the start of
	// a live allocation.
	ErrNotHeld = errors.New("address is not held")

	// ErrBadAddress is returned for a physical range outside the file.
	ErrBadAddress = errors.New("physical range outside memory file")

	// ErrDestroyed is returned for any operation on a destroyed file.
	ErrDestroyed = errors.New("memory file destroyed")
)

var (
	allocationsMetric    = metric.MustCreateNewUint64Metric("/pgalloc/allocations", "Number of frame allocations, by kind.", metric.NewField("kind", usage.MemoryKindNames()...))
	allocatedPagesMetric = metric.MustCreateNewUint64Metric("/pgalloc/allocated_pages", "Number of frames allocated, by kind.", metric.NewField("kind", usage.MemoryKindNames()...))
	freedPagesMetric     = metric.MustCreateNewUint64Metric("/pgalloc/freed_pages", "Number of frames freed, by kind.", metric.NewField("kind", usage.MemoryKindNames()...))
	exhaustedMetric      = metric.MustCreateNewUint64Metric("/pgalloc/exhausted", "Number of allocations that failed for lack of frames.")
)

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Pages is the number of frames managed by the file.
	Pages uint64

	// Base is the physical address of the first frame. It must be page
	// aligned. If zero, DefaultBase is used.
	Base uintptr

	// DebugFree causes Free to panic, rather than return ErrNotHeld, when
	// passed an address that is not held.
	DebugFree bool
}

// AllocOpts are options used in MemoryFile.Allocate.
type AllocOpts struct {
	// Kind is the memory kind to be used for accounting.
	Kind usage.MemoryKind
}

// Allocation describes a live allocation.
type Allocation struct {
	// Start is the physical address of the first frame.
	Start uintptr

	// Pages is the number of frames.
	Pages uint64

	// Kind is the accounting kind given at allocation time.
	Kind usage.MemoryKind
}

// End returns the physical address one past the last byte of a.
func (a Allocation) End() uintptr {
	return a.Start + uintptr(a.Pages)*hostarch.PageSize
}

// MemoryFile is a simulated physical memory arena.
type MemoryFile struct {
	opts MemoryFileOpts

	// mapping is the host view of the arena. It is immutable until Destroy.
	mapping []byte

	// stats is the per-kind accounting.
	stats usage.MemoryStats

	mu sync.Mutex

	// used has one bit per frame, set while the frame is allocated.
	//
	// +checklocks:mu
	used bitmap.Bitmap

	// live indexes live allocations by start address.
	//
	// +checklocks:mu
	live *btree.BTreeG[Allocation]

	// +checklocks:mu
	destroyed bool
}

// NewMemoryFile creates a MemoryFile with opts.Pages frames.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Pages == 0 {
		return nil, fmt.Errorf("memory file must contain at least one page")
	}
	if opts.Pages > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("memory file of %d pages exceeds limit of %d", opts.Pages, bitmap.MaxBitEntryLimit)
	}
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	if !bits.IsAligned(uint64(opts.Base), hostarch.PageSize) {
		return nil, fmt.Errorf("memory file base %#x is not page aligned", opts.Base)
	}
	size := opts.Pages * hostarch.PageSize
	if end := uint64(opts.Base) + size; end < uint64(opts.Base) {
		return nil, fmt.Errorf("memory file [%#x, +%#x) overflows the address space", opts.Base, size)
	}
	mapping, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes of memory: %w", size, err)
	}
	log.Debugf("Memory file mapped: %d pages at physical %#x", opts.Pages, opts.Base)
	return &MemoryFile{
		opts:    opts,
		mapping: mapping,
		used:    bitmap.New(uint32(opts.Pages)),
		live: btree.NewG(8, func(a, b Allocation) bool {
			return a.Start < b.Start
		}),
	}, nil
}

// Base returns the physical address of the first frame.
func (f *MemoryFile) Base() uintptr {
	return f.opts.Base
}

// Allocate returns the physical address of pages contiguous frames. The
// frames are zeroed.
func (f *MemoryFile) Allocate(pages uint64, opts AllocOpts) (uintptr, error) {
	return f.allocate(pages, opts, true /* zero */)
}

// AllocateBytes returns a page-aligned kernel buffer of at least size bytes.
// Unlike Allocate, the contents are not guaranteed to be zero.
func (f *MemoryFile) AllocateBytes(size uint64, opts AllocOpts) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-length allocation")
	}
	return f.allocate(bits.DivRoundUp(size, hostarch.PageSize), opts, false /* zero */)
}

func (f *MemoryFile) allocate(pages uint64, opts AllocOpts, zero bool) (uintptr, error) {
	if pages == 0 {
		return 0, fmt.Errorf("zero-length allocation")
	}
	if opts.Kind < 0 || opts.Kind >= usage.NumMemoryKinds {
		panic(fmt.Sprintf("invalid memory kind %d", opts.Kind))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return 0, ErrDestroyed
	}
	if pages > uint64(f.used.Size()) {
		exhaustedMetric.Increment()
		return 0, fmt.Errorf("allocating %d pages: %w", pages, ErrOutOfMemory)
	}
	idx, err := f.used.FirstZeroRun(0, uint32(pages))
	if err != nil {
		exhaustedMetric.Increment()
		return 0, fmt.Errorf("allocating %d pages: %w", pages, ErrOutOfMemory)
	}
	f.used.SetRange(idx, idx+uint32(pages))

	a := Allocation{
		Start: f.opts.Base + uintptr(idx)*hostarch.PageSize,
		Pages: pages,
		Kind:  opts.Kind,
	}
	f.live.ReplaceOrInsert(a)
	f.stats.Inc(pages, opts.Kind)
	allocationsMetric.Increment(opts.Kind.String())
	allocatedPagesMetric.IncrementBy(pages, opts.Kind.String())

	if zero {
		off := uint64(idx) * hostarch.PageSize
		clear(f.mapping[off : off+pages*hostarch.PageSize])
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Allocated %d %s pages at %#x", pages, opts.Kind, a.Start)
	}
	return a.Start, nil
}

// Free releases the allocation starting at addr.
//
// Freeing an address that is not the start of a live allocation returns
// ErrNotHeld, or panics if the file was created with DebugFree.
func (f *MemoryFile) Free(addr uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return ErrDestroyed
	}
	a, ok := f.live.Delete(Allocation{Start: addr})
	if !ok {
		if f.opts.DebugFree {
			panic(fmt.Sprintf("free of unheld address %#x", addr))
		}
		return fmt.Errorf("freeing %#x: %w", addr, ErrNotHeld)
	}
	idx := uint32((a.Start - f.opts.Base) / hostarch.PageSize)
	f.used.ClearRange(idx, idx+uint32(a.Pages))
	f.stats.Dec(a.Pages, a.Kind)
	freedPagesMetric.IncrementBy(a.Pages, a.Kind.String())
	if log.IsLogging(log.Debug) {
		log.Debugf("Freed %d %s pages at %#x", a.Pages, a.Kind, a.Start)
	}
	return nil
}

// IsHeld returns true if addr is the start of a live allocation.
func (f *MemoryFile) IsHeld(addr uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live.Get(Allocation{Start: addr})
	return ok
}

// TotalPages returns the number of frames managed by f.
func (f *MemoryFile) TotalPages() uint64 {
	return f.opts.Pages
}

// UsedPages returns the number of frames currently allocated.
func (f *MemoryFile) UsedPages() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.used.GetNumOnes())
}

// FreePages returns the number of frames currently free.
func (f *MemoryFile) FreePages() uint64 {
	return f.TotalPages() - f.UsedPages()
}

// Usage returns the number of allocated frames, by kind.
func (f *MemoryFile) Usage() [usage.NumMemoryKinds]uint64 {
	return f.stats.Copy()
}

// Allocations returns the live allocations in address order.
func (f *MemoryFile) Allocations() []Allocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Allocation, 0, f.live.Len())
	f.live.Ascend(func(a Allocation) bool {
		out = append(out, a)
		return true
	})
	return out
}

// Slice returns the host view of the physical range [addr, addr+length).
// The returned slice aliases the arena and must not be used after Destroy.
func (f *MemoryFile) Slice(addr uintptr, length uint64) ([]byte, error) {
	f.mu.Lock()
	mapping, destroyed := f.mapping, f.destroyed
	f.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}
	size := uint64(len(mapping))
	if addr < f.opts.Base {
		return nil, fmt.Errorf("[%#x, +%#x): %w", addr, length, ErrBadAddress)
	}
	off := uint64(addr - f.opts.Base)
	if off > size || length > size-off {
		return nil, fmt.Errorf("[%#x, +%#x): %w", addr, length, ErrBadAddress)
	}
	return mapping[off : off+length : off+length], nil
}

// Destroy releases the arena. Any slices previously returned by Slice become
// invalid.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	if err := unix.Munmap(f.mapping); err != nil {
		log.Warningf("Failed to unmap memory file: %v", err)
	}
	f.mapping = nil
}
