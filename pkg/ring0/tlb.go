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
	"gvisor.dev/rvboot/pkg/hostarch"
	"gvisor.dev/rvboot/pkg/metric"
	"gvisor.dev/rvboot/pkg/ring0/pagetables"
	"gvisor.dev/rvboot/pkg/sync"
)

var (
	tlbFences = metric.MustCreateNewUint64Metric("/ring0/tlb_fences", "Number of translation cache fences, by scope.", metric.NewField("scope", "asid", "all"))
	tlbMisses = metric.MustCreateNewUint64Metric("/ring0/tlb_misses", "Number of translations that walked the page tables.")
)

// tlbKey tags a cached translation.
type tlbKey struct {
	asid uint16
	vpn  uint64
}

// tlbEntry is a cached translation of one base page.
type tlbEntry struct {
	physical uintptr
	opts     pagetables.MapOpts
}

// TLB is an ASID-tagged translation cache, behaving like the hardware's:
// entries survive a change of page tables until they are fenced.
type TLB struct {
	// allocator resolves the tables named by a satp value.
	allocator pagetables.Allocator

	mu sync.Mutex

	// +checklocks:mu
	entries map[tlbKey]tlbEntry
}

// NewTLB returns an empty TLB that walks tables through a.
func NewTLB(a pagetables.Allocator) *TLB {
	return &TLB{
		allocator: a,
		entries:   make(map[tlbKey]tlbEntry),
	}
}

// Translate returns the physical address va maps to under satp, using a
// cached translation if one exists. In bare mode addresses are not
// translated.
func (t *TLB) Translate(satp SATP, va hostarch.Addr) (uintptr, pagetables.MapOpts, bool) {
	if satp.Mode() == SATPBare {
		return uintptr(va), pagetables.MapOpts{AccessType: hostarch.AnyAccess}, true
	}
	key := tlbKey{asid: satp.ASID(), vpn: uint64(va) >> hostarch.PageShift}
	offset := uintptr(va.PageOffset())

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.physical + offset, e.opts, true
	}
	tlbMisses.Increment()
	pt := pagetables.FromRoot(t.allocator, satp.RootPhysical())
	if pt == nil {
		return 0, pagetables.MapOpts{}, false
	}
	physical, opts, _, ok := pt.Lookup(va.RoundDown())
	if !ok {
		return 0, pagetables.MapOpts{}, false
	}
	t.entries[key] = tlbEntry{physical: physical, opts: opts}
	return physical + offset, opts, true
}

// FenceASID drops every non-global translation tagged with asid, like
// sfence.vma zero, asid.
func (t *TLB) FenceASID(asid uint16) {
	tlbFences.Increment("asid")
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if k.asid == asid && !e.opts.Global {
			delete(t.entries, k)
		}
	}
}

// FenceAll drops every translation, like sfence.vma zero, zero.
func (t *TLB) FenceAll() {
	tlbFences.Increment("all")
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
