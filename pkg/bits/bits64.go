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

// Package bits contains helpers for bit manipulation and power-of-two
// alignment over any unsigned integer type.
package bits

import (
	"golang.org/x/exp/constraints"
)

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T constraints.Unsigned](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T constraints.Unsigned](mask, bits T) bool {
	return mask&bits != 0
}

// Mask returns a T with all of the given bits set.
func Mask[T constraints.Unsigned](is ...int) T {
	ret := T(0)
	for _, i := range is {
		ret |= MaskOf[T](i)
	}
	return ret
}

// MaskOf is like Mask, but sets only a single bit (more efficiently).
func MaskOf[T constraints.Unsigned](i int) T {
	return T(1) << T(i)
}

// IsPowerOfTwo returns true if v is power of 2.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	if v == 0 {
		return false
	}
	return v&(v-1) == 0
}

// IsAligned returns true if v is aligned to alignment. alignment must be a
// power of two.
func IsAligned[T constraints.Unsigned](v, alignment T) bool {
	return v&(alignment-1) == 0
}

// AlignDown rounds v down to a multiple of alignment. alignment must be a
// power of two.
func AlignDown[T constraints.Unsigned](v, alignment T) T {
	return v &^ (alignment - 1)
}

// AlignUp rounds v up to a multiple of alignment. alignment must be a power of
// two. ok is false if rounding up wrapped around.
func AlignUp[T constraints.Unsigned](v, alignment T) (T, bool) {
	r := AlignDown(v+alignment-1, alignment)
	return r, r >= v
}

// DivRoundUp returns ceil(n / d). d must be non-zero.
func DivRoundUp[T constraints.Unsigned](n, d T) T {
	q := n / d
	if n%d != 0 {
		q++
	}
	return q
}

// Field extracts the width-bit field starting at bit shift.
func Field[T constraints.Unsigned](v T, shift, width int) T {
	return (v >> T(shift)) & (MaskOf[T](width) - 1)
}

// SetField returns v with the width-bit field starting at bit shift replaced
// by f. Bits of f beyond width are discarded.
func SetField[T constraints.Unsigned](v T, shift, width int, f T) T {
	m := (MaskOf[T](width) - 1) << T(shift)
	return (v &^ m) | ((f << T(shift)) & m)
}
