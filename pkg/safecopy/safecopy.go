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

// Package safecopy provides bounded copies between owned buffers. Every copy
// validates its length and alignment preconditions before touching memory,
// so a bad caller gets an error rather than a silently truncated image.
package safecopy

import (
	"fmt"
)

// AlignmentError is returned when a safecopy function is passed an address
// that does not meet alignment requirements.
type AlignmentError struct {
	// Addr is the invalid address.
	Addr uintptr

	// Alignment is the required alignment.
	Alignment uintptr
}

// Error implements error.Error.
func (e AlignmentError) Error() string {
	return fmt.Sprintf("address %#x is not aligned to a %d-byte boundary", e.Addr, e.Alignment)
}

// BoundsError is returned when a copy would run past the end of its
// destination.
type BoundsError struct {
	// Want is the number of bytes the copy requires.
	Want int

	// Have is the number of bytes available in the destination.
	Have int
}

// Error implements error.Error.
func (e BoundsError) Error() string {
	return fmt.Sprintf("copy of %d bytes does not fit in %d-byte destination", e.Want, e.Have)
}

// CopyIn copies all of src into dst. It fails without copying anything if
// dst is shorter than src.
func CopyIn(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, BoundsError{Want: len(src), Have: len(dst)}
	}
	return copy(dst, src), nil
}

// CopyToAligned copies src into dst, where dst is the host view of the
// memory at address addr. addr must be aligned to alignment, which must be
// a power of two.
func CopyToAligned(dst []byte, addr uintptr, src []byte, alignment uintptr) (int, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("invalid alignment %d", alignment))
	}
	if addr&(alignment-1) != 0 {
		return 0, AlignmentError{Addr: addr, Alignment: alignment}
	}
	return CopyIn(dst, src)
}

// ZeroOut clears dst.
func ZeroOut(dst []byte) {
	clear(dst)
}
