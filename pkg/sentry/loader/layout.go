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

package loader

import (
	"errors"
	"fmt"
	"strings"

	"gvisor.dev/rvboot/pkg/bits"
	"gvisor.dev/rvboot/pkg/hostarch"
	"gvisor.dev/rvboot/pkg/ring0"
)

// ErrInvalidLayout is returned by Layout.Validate.
var ErrInvalidLayout = errors.New("invalid memory layout")

// RoundingPolicy selects how a program's byte count is converted to pages.
type RoundingPolicy int

const (
	// RoundLegacy allocates n/pageSize+1 pages, one more than needed when n
	// is a multiple of the page size. Pre-built images are linked against
	// this layout.
	RoundLegacy RoundingPolicy = iota

	// RoundExact allocates ceil(n/pageSize) pages.
	RoundExact
)

// String implements fmt.Stringer.
func (r RoundingPolicy) String() string {
	switch r {
	case RoundLegacy:
		return "legacy"
	case RoundExact:
		return "exact"
	default:
		return fmt.Sprintf("RoundingPolicy(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r RoundingPolicy) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RoundingPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "legacy":
		*r = RoundLegacy
	case "exact":
		*r = RoundExact
	default:
		return fmt.Errorf("invalid rounding policy %q, must be legacy or exact", text)
	}
	return nil
}

// ProgramPages returns the number of pages allocated for a program of n
// bytes.
func ProgramPages(n, pageSize uint64, policy RoundingPolicy) uint64 {
	switch policy {
	case RoundLegacy:
		return n/pageSize + 1
	case RoundExact:
		return bits.DivRoundUp(n, pageSize)
	default:
		panic(fmt.Sprintf("unknown rounding policy %v", policy))
	}
}

// Layout describes where programs are loaded from and where they live in the
// user address space. Pre-built images are linked against these values, so
// they are not relocatable.
type Layout struct {
	// PageSize is the base page size. It must be hostarch.PageSize.
	PageSize uint64 `toml:"page_size" yaml:"page_size" json:"page_size"`

	// EntryBase is the virtual address of the first program byte and the
	// initial program counter.
	EntryBase hostarch.Addr `toml:"entry_base" yaml:"entry_base" json:"entry_base"`

	// StackBase is the lowest virtual address of the stack.
	StackBase hostarch.Addr `toml:"stack_base" yaml:"stack_base" json:"stack_base"`

	// StackPages is the stack size in pages.
	StackPages uint64 `toml:"stack_pages" yaml:"stack_pages" json:"stack_pages"`

	// ExpectedSize is the exact program size in bytes.
	ExpectedSize uint64 `toml:"expected_size" yaml:"expected_size" json:"expected_size"`

	// ReadBufferSize is the size of the kernel buffer programs are read into.
	ReadBufferSize uint64 `toml:"read_buffer_size" yaml:"read_buffer_size" json:"read_buffer_size"`

	// Device and Inode identify the program loaded by default.
	Device uint32 `toml:"device" yaml:"device" json:"device"`
	Inode  uint32 `toml:"inode" yaml:"inode" json:"inode"`

	// Rounding is the program page rounding policy.
	Rounding RoundingPolicy `toml:"rounding" yaml:"rounding" json:"rounding"`
}

// DefaultLayout returns the layout pre-built images are linked against.
func DefaultLayout() Layout {
	return Layout{
		PageSize:       hostarch.PageSize,
		EntryBase:      0x2000_0000,
		StackBase:      0x1_0000_0000,
		StackPages:     2,
		ExpectedSize:   12288,
		ReadBufferSize: 50 * 1024,
		Device:         8,
		Inode:          8,
		Rounding:       RoundLegacy,
	}
}

// ProgramPages returns the number of pages allocated for a program of
// ExpectedSize bytes.
func (l *Layout) ProgramPages() uint64 {
	return ProgramPages(l.ExpectedSize, l.PageSize, l.Rounding)
}

// ProgramRange returns the virtual range of the program image.
func (l *Layout) ProgramRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: l.EntryBase, End: l.EntryBase + hostarch.Addr(l.ProgramPages()*l.PageSize)}
}

// StackRange returns the virtual range of the stack.
func (l *Layout) StackRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: l.StackBase, End: l.StackBase + hostarch.Addr(l.StackPages*l.PageSize)}
}

// StackTop returns the initial stack pointer.
func (l *Layout) StackTop() hostarch.Addr {
	return l.StackRange().End
}

// Validate checks that the layout can be loaded.
func (l *Layout) Validate() error {
	switch {
	case l.PageSize != hostarch.PageSize:
		return fmt.Errorf("page size %d is not %d: %w", l.PageSize, hostarch.PageSize, ErrInvalidLayout)
	case l.Rounding != RoundLegacy && l.Rounding != RoundExact:
		return fmt.Errorf("%v: %w", l.Rounding, ErrInvalidLayout)
	case !l.EntryBase.IsPageAligned() || !l.StackBase.IsPageAligned():
		return fmt.Errorf("entry base %v and stack base %v must be page aligned: %w", l.EntryBase, l.StackBase, ErrInvalidLayout)
	case l.StackPages == 0:
		return fmt.Errorf("empty stack: %w", ErrInvalidLayout)
	case l.ExpectedSize == 0:
		return fmt.Errorf("empty program: %w", ErrInvalidLayout)
	case l.ExpectedSize > l.ReadBufferSize:
		return fmt.Errorf("program size %d exceeds read buffer size %d: %w", l.ExpectedSize, l.ReadBufferSize, ErrInvalidLayout)
	}
	prog, stack := l.ProgramRange(), l.StackRange()
	if !ring0.IsUserAddress(prog.Start, prog.Length()) || !ring0.IsUserAddress(stack.Start, stack.Length()) {
		return fmt.Errorf("program %v and stack %v must be user addresses: %w", prog, stack, ErrInvalidLayout)
	}
	if prog.Overlaps(stack) {
		return fmt.Errorf("program %v overlaps stack %v: %w", prog, stack, ErrInvalidLayout)
	}
	return nil
}
