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

// Package pagetables provides a generic implementation of Sv39 page tables.
//
// Tables live in frames handed out by an Allocator; every link between
// tables is a physical address, exactly as the hardware walker sees it.
package pagetables

import (
	"fmt"

	"gvisor.dev/rvboot/pkg/hostarch"
)

// PageTables is a set of page tables.
//
// PageTables are not safe for concurrent mutation.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr
}

// New returns new PageTables with a fresh root.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// FromRoot returns PageTables for an existing root, such as the one named by
// a SATP value, or nil if rootPhysical does not hold a live table.
func FromRoot(a Allocator, rootPhysical uintptr) *PageTables {
	root := a.LookupPTEs(rootPhysical)
	if root == nil {
		return nil
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: rootPhysical,
	}
}

// table returns the table a pointer entry refers to.
func (p *PageTables) table(physical uintptr) *PTEs {
	ptes := p.Allocator.LookupPTEs(physical)
	if ptes == nil {
		panic(fmt.Sprintf("pointer entry to %#x is not a page table", physical))
	}
	return ptes
}

// RootPhysical returns the physical address of the root table.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// checkRange panics if [addr, addr+length) is empty, wraps, or does not lie
// within a single canonical half of the Sv39 address space.
func checkRange(addr hostarch.Addr, length uintptr) {
	start := uintptr(addr)
	end := start + length
	if length == 0 || end < start {
		panic(fmt.Sprintf("invalid range [%#x, +%#x)", start, length))
	}
	if !(end <= lowerTop || start >= upperBottom) {
		panic(fmt.Sprintf("range [%#x, %#x) is outside the Sv39 address space", start, end))
	}
}

// mapVisitor is used for map.
type mapVisitor struct {
	start    uintptr     // Input.
	physical uintptr     // Input.
	opts     MapOpts     // Input.
	pt       *PageTables // Input.
	prev     bool        // Output.
}

// visit is used for map.
func (v *mapVisitor) visit(start uintptr, pte *PTE, level int) bool {
	if pte.Valid() {
		v.prev = true
		if !pte.IsLeaf() {
			// Finer mappings are replaced wholesale.
			v.pt.freeTable(v.pt.table(pte.Address()), level-1)
		}
	}
	pte.Set(v.physical+(start-v.start), v.opts)
	return true
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresSplit() bool { return true }
func (v *mapVisitor) leafLevel() int { return v.opts.Level }

// Map installs a mapping with the given physical address.
//
// Leaves are installed at opts.Level, so addr, length and physical must all
// be aligned to that level's page size. replaced is true if any part of the
// range was previously mapped; the old translation is silently replaced and
// the caller is responsible for fencing it. An error is returned only when a
// table could not be allocated, in which case the range may be partially
// mapped.
//
// Precondition: opts must describe a valid leaf. Violations are programming
// errors and panic.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) (replaced bool, err error) {
	checkRange(addr, length)
	if opts.Level < 0 || opts.Level > rootLevel {
		panic(fmt.Sprintf("invalid level %d", opts.Level))
	}
	size := levelSize(opts.Level)
	if uintptr(addr)&(size-1) != 0 || length&(size-1) != 0 || physical&(size-1) != 0 {
		panic(fmt.Sprintf("mapping [%#x, +%#x) -> %#x is not aligned to %#x", uintptr(addr), length, physical, size))
	}
	if physical+length < physical || physical+length > maxPhysical {
		panic(fmt.Sprintf("physical range [%#x, +%#x) is not addressable", physical, length))
	}
	if !opts.AccessType.Any() {
		panic(fmt.Sprintf("leaf mapping at %#x has no access", uintptr(addr)))
	}
	if opts.AccessType.Write && !opts.AccessType.Read {
		panic(fmt.Sprintf("leaf mapping at %#x is write-only", uintptr(addr)))
	}
	if uintptr(addr) < lowerTop && !opts.User {
		panic(fmt.Sprintf("mapping at %#x in the user half is not user accessible", uintptr(addr)))
	}

	v := &mapVisitor{
		start:    uintptr(addr),
		physical: physical,
		opts:     opts,
		pt:       p,
	}
	w := Walker{
		pageTables: p,
		visitor:    v,
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.prev, w.err
}

// MapPage maps a single page of the size given by opts.Level.
func (p *PageTables) MapPage(addr hostarch.Addr, physical uintptr, opts MapOpts) (bool, error) {
	return p.Map(addr, levelSize(opts.Level), opts, physical)
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	count int
}

// visit unmaps the given entry.
func (v *unmapVisitor) visit(start uintptr, pte *PTE, level int) bool {
	pte.Clear()
	v.count++
	return true
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) requiresSplit() bool { return true }
func (*unmapVisitor) leafLevel() int { return 0 }

// Unmap unmaps the given range.
//
// Leaves partially covered by the range are split first. Tables left empty
// are freed. True is returned iff there was a mapping in the range. An error
// is returned only when a split could not allocate a table.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) (bool, error) {
	checkRange(addr, length)
	if uintptr(addr)&(pteSize-1) != 0 || length&(pteSize-1) != 0 {
		panic(fmt.Sprintf("unmap of [%#x, +%#x) is not page aligned", uintptr(addr), length))
	}
	v := &unmapVisitor{}
	w := Walker{
		pageTables: p,
		visitor:    v,
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.count > 0, w.err
}

// lookupVisitor is used for lookup.
type lookupVisitor struct {
	target   uintptr // Input & Output.
	physical uintptr // Output.
	size     uintptr // Output.
	opts     MapOpts // Output.
}

// visit matches the given address.
func (v *lookupVisitor) visit(start uintptr, pte *PTE, level int) bool {
	if !pte.Valid() {
		return true
	}
	v.physical = pte.Address() + (v.target - start)
	v.size = levelSize(level)
	v.opts = pte.Opts()
	v.opts.Level = level
	return false
}

func (*lookupVisitor) requiresAlloc() bool { return false }
func (*lookupVisitor) requiresSplit() bool { return false }
func (*lookupVisitor) leafLevel() int { return 0 }

// Lookup returns the physical address for the given virtual address, the
// options of the leaf that maps it and the size of that leaf. ok is false if
// addr is not mapped.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, size uintptr, ok bool) {
	a := uintptr(addr)
	if !(a < lowerTop || a >= upperBottom) {
		return 0, MapOpts{}, 0, false
	}
	v := &lookupVisitor{target: a}
	w := Walker{
		pageTables: p,
		visitor:    v,
	}
	w.iterateRange(a, a+1)
	return v.physical, v.opts, v.size, v.size != 0
}

// Mapping describes one leaf.
type Mapping struct {
	// Virtual is the first mapped virtual address.
	Virtual hostarch.Addr

	// Physical is the physical address Virtual maps to.
	Physical uintptr

	// Size is the size of the leaf.
	Size uintptr

	// Opts are the leaf options, including its level.
	Opts MapOpts
}

// Mappings returns every leaf, in virtual address order.
func (p *PageTables) Mappings() []Mapping {
	var ms []Mapping
	p.collect(p.root, rootLevel, 0, &ms)
	return ms
}

func (p *PageTables) collect(entries *PTEs, level int, base uintptr, ms *[]Mapping) {
	for i := range entries {
		entry := &entries[i]
		if !entry.Valid() {
			continue
		}
		va := base + uintptr(i)<<levelShift(level)
		if level == rootLevel && i >= entriesPerPage/2 {
			va |= signExtension
		}
		if !entry.IsLeaf() {
			p.collect(p.table(entry.Address()), level-1, va, ms)
			continue
		}
		opts := entry.Opts()
		opts.Level = level
		*ms = append(*ms, Mapping{
			Virtual:  hostarch.Addr(va),
			Physical: entry.Address(),
			Size:     levelSize(level),
			Opts:     opts,
		})
	}
}

// freeTable frees the table at the given level and every table below it.
// Leaf frames are not freed; they belong to whoever mapped them.
func (p *PageTables) freeTable(entries *PTEs, level int) {
	if level > 0 {
		for i := range entries {
			entry := &entries[i]
			if entry.Valid() && !entry.IsLeaf() {
				p.freeTable(p.table(entry.Address()), level-1)
			}
		}
	}
	p.Allocator.FreePTEs(entries)
}

// Release frees every table, including the root. The PageTables must not be
// used afterwards.
func (p *PageTables) Release() {
	if p.root == nil {
		return
	}
	p.freeTable(p.root, rootLevel)
	p.root = nil
	p.rootPhysical = 0
}
