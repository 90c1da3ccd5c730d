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

// visitor is called for each entry at which a walk stops.
type visitor interface {
	// visit is called on each leaf, and for allocating visitors on each
	// entry at leafLevel. start is the virtual address of the entry's
	// region. Returning false stops the walk.
	visit(start uintptr, pte *PTE, level int) bool

	// requiresAlloc indicates that missing tables should be allocated.
	requiresAlloc() bool

	// requiresSplit indicates that leaves only partially covered by the
	// walked range, or larger than leafLevel, should be split.
	requiresSplit() bool

	// leafLevel is the level at which an allocating visitor installs
	// leaves.
	leafLevel() int
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the set of arguments.
	visitor visitor

	// err is the allocation error that stopped the walk, if any.
	err error
}

// addrEnd returns the end of the region of the given size containing addr,
// or end if that comes first. size is a power of two.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range. The range must lie within one canonical half.
func (w *Walker) iterateRange(start, end uintptr) bool {
	return w.walkEntries(w.pageTables.root, rootLevel, start, end)
}

// walkEntries iterates over the entries of a table at the given level that
// cover [start, end).
func (w *Walker) walkEntries(entries *PTEs, level int, start, end uintptr) bool {
	size := levelSize(level)
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[(start>>levelShift(level))&indexMask]
		base := start &^ (size - 1)

		if w.visitor.requiresAlloc() && level == w.visitor.leafLevel() {
			if !w.visitor.visit(base, entry, level) {
				return false
			}
			start = nextBoundary
			continue
		}

		var next *PTEs
		switch {
		case !entry.Valid():
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = nextBoundary
				continue
			}
			ptes, err := w.pageTables.Allocator.NewPTEs()
			if err != nil {
				w.err = err
				return false
			}
			next = ptes
			entry.setPageTable(w.pageTables, next)

		case entry.IsLeaf():
			partial := start != base || nextBoundary != base+size
			if level == 0 || !w.visitor.requiresSplit() || (!partial && !w.visitor.requiresAlloc()) {
				// A leaf to be checked directly.
				if !w.visitor.visit(base, entry, level) {
					return false
				}
				start = nextBoundary
				continue
			}
			// Install the relevant entries.
			ptes, err := w.pageTables.Allocator.NewPTEs()
			if err != nil {
				w.err = err
				return false
			}
			childSize := levelSize(level - 1)
			opts := entry.Opts()
			for index := uintptr(0); index < entriesPerPage; index++ {
				ptes[index].Set(entry.Address()+childSize*index, opts)
			}
			next = ptes
			entry.setPageTable(w.pageTables, next)

		default:
			if level == 0 {
				panic("pointer entry at the last level")
			}
			next = w.pageTables.table(entry.Address())
		}

		// Walk the next level, since this is valid.
		ok := w.walkEntries(next, level-1, start, nextBoundary)

		// Check if we no longer need this table.
		if next.IsEmpty() {
			entry.Clear()
			w.pageTables.Allocator.FreePTEs(next)
		}
		if !ok {
			return false
		}
		start = nextBoundary
	}
	return true
}
