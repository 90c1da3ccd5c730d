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

// Package usage tracks how physical memory is being used.
package usage

import (
	"fmt"

	"gvisor.dev/rvboot/pkg/atomicbitops"
)

// MemoryKind represents what a block of physical memory was allocated for.
type MemoryKind int

const (
	// PageTables represents root and intermediate page-table frames.
	PageTables MemoryKind = iota

	// TrapFrame represents per-process trap frames.
	TrapFrame

	// Program represents loaded program images.
	Program

	// Stack represents user stacks.
	Stack

	// Buffer represents transient kernel buffers, such as the buffer a
	// program image is read into.
	Buffer

	// NumMemoryKinds is the number of memory kinds.
	NumMemoryKinds
)

var memoryKindNames = [NumMemoryKinds]string{
	PageTables: "page_tables",
	TrapFrame:  "trap_frame",
	Program:    "program",
	Stack:      "stack",
	Buffer:     "buffer",
}

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	if k < 0 || k >= NumMemoryKinds {
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
	return memoryKindNames[k]
}

// MemoryKindNames returns the names of all memory kinds, in order.
func MemoryKindNames() []string {
	return memoryKindNames[:]
}

// MemoryStats tracks memory usage in pages, by kind. It is safe for
// concurrent use.
type MemoryStats struct {
	pages [NumMemoryKinds]atomicbitops.Uint64
}

// Inc adds pages to the given kind.
func (s *MemoryStats) Inc(pages uint64, kind MemoryKind) {
	s.pages[kind].Add(pages)
}

// Dec subtracts pages from the given kind.
func (s *MemoryStats) Dec(pages uint64, kind MemoryKind) {
	s.pages[kind].Add(^(pages - 1))
}

// Pages returns the number of pages currently accounted to kind.
func (s *MemoryStats) Pages(kind MemoryKind) uint64 {
	return s.pages[kind].Load()
}

// Copy returns a point-in-time copy of the per-kind counters.
func (s *MemoryStats) Copy() [NumMemoryKinds]uint64 {
	var out [NumMemoryKinds]uint64
	for k := range out {
		out[k] = s.pages[k].Load()
	}
	return out
}

// Total returns the sum over all kinds.
func (s *MemoryStats) Total() uint64 {
	var total uint64
	for k := range s.pages {
		total += s.pages[k].Load()
	}
	return total
}
