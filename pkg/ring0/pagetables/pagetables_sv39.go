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

	"gvisor.dev/rvboot/pkg/hostarch"
)

// Sv39 geometry.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift

	// rootLevel is the level of the root table. Level 0 holds 4KiB leaves.
	rootLevel = 2

	// entriesPerPage is the number of PTEs in one table.
	entriesPerPage = 512

	indexMask = entriesPerPage - 1

	// lowerTop is one past the highest user-half address.
	lowerTop = 0x0000_0040_0000_0000

	// upperBottom is the lowest kernel-half address. Addresses in
	// [lowerTop, upperBottom) are not canonical.
	upperBottom = 0xffff_ffc0_0000_0000

	// signExtension is ORed into addresses decoded from the upper half of
	// the root table.
	signExtension = 0xffff_ff80_0000_0000

	// maxPhysical is one past the highest physical address a PTE can hold.
	maxPhysical = 1 << 56
)

// PTE bits.
const (
	valid    = 1 << 0
	readable = 1 << 1
	writable = 1 << 2
	execute  = 1 << 3
	user     = 1 << 4
	global   = 1 << 5
	accessed = 1 << 6
	dirty    = 1 << 7

	ppnShift   = 10
	ppnMask    = ((1 << 44) - 1) << ppnShift
	leafBits   = readable | writable | execute
	optionMask = leafBits | user | global
)

// levelShift returns the binary log of the region covered by one entry at
// the given level.
func levelShift(level int) uint {
	return pteShift + 9*uint(level)
}

// levelSize returns the size of the region covered by one entry at the
// given level.
func levelSize(level int) uintptr {
	return 1 << levelShift(level)
}

// MapOpts are leaf options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// Level is the level of the leaves installed by Map: 0 for 4KiB pages,
	// 1 for 2MiB megapages and 2 for 1GiB gigapages. It is ignored by
	// operations other than Map and MapPage.
	Level int
}

// PTE is a page table entry.
type PTE uint64

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return *p&valid != 0
}

// IsLeaf returns true iff this entry maps memory rather than pointing to the
// next table. Only meaningful for valid entries.
func (p *PTE) IsLeaf() bool {
	return *p&leafBits != 0
}

// Opts returns the PTE options.
//
// The returned Level is always zero; the level of a leaf is a property of
// where it sits in the tree.
func (p *PTE) Opts() MapOpts {
	if !p.Valid() {
		return MapOpts{}
	}
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    *p&readable != 0,
			Write:   *p&writable != 0,
			Execute: *p&execute != 0,
		},
		Global: *p&global != 0,
		User:   *p&user != 0,
	}
}

// Address extracts the physical address from a PTE.
func (p *PTE) Address() uintptr {
	return uintptr((uint64(*p) & ppnMask) >> ppnShift << pteShift)
}

// Bits returns the raw flag bits of the entry.
func (p *PTE) Bits() uint8 {
	return uint8(*p)
}

// Set sets this PTE value as a leaf.
//
// The accessed bit is always set, and the dirty bit is set for writable
// leaves, so that the first access does not fault on hardware that does not
// manage A/D bits.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := PTE(uint64(addr)>>pteShift<<ppnShift) | valid | accessed
	if opts.AccessType.Read {
		v |= readable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if opts.AccessType.Execute {
		v |= execute
	}
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	*p = v
}

// setPageTable makes this PTE point at the given table. Pointer entries
// carry no permission bits.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&(pteSize-1) != 0 {
		panic(fmt.Sprintf("page table %#x is not page aligned", addr))
	}
	*p = PTE(uint64(addr)>>pteShift<<ppnShift) | valid
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	if !p.Valid() {
		return "invalid"
	}
	flags := []byte("--------")
	for i, c := range "vrwxugad" {
		if p&(1<<i) != 0 {
			flags[i] = byte(c)
		}
	}
	return fmt.Sprintf("%#x[%s]", p.Address(), flags)
}

// PTEs is a collection of entries, exactly one frame.
type PTEs [entriesPerPage]PTE

// IsEmpty returns true if no entry in the table is valid.
func (p *PTEs) IsEmpty() bool {
	for i := range p {
		if p[i].Valid() {
			return false
		}
	}
	return true
}
