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

// Package bitmap provides a fixed-size occupancy bitmap with range
// operations, used to track physical frames.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap is a fixed-size set of bits. It does not grow: callers size it once
// for the resource it tracks.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of usable bits.
	size uint32

	// bitBlock holds the bits. Each uint64 holds 64 entries.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of usable bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// FirstZero returns the first unset bit from the range [start, size).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w) + i*64)
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// FirstOne returns the first set bit from the range [start, size).
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// FirstZeroRun returns the first bit of the lowest run of n consecutive unset
// bits at or after start.
func (b *Bitmap) FirstZeroRun(start, n uint32) (uint32, error) {
	if n == 0 {
		return MaxBitEntryLimit, fmt.Errorf("zero-length run requested")
	}
	for start < b.size {
		zero, err := b.FirstZero(start)
		if err != nil {
			return MaxBitEntryLimit, err
		}
		if uint64(zero)+uint64(n) > uint64(b.size) {
			break
		}
		one, err := b.FirstOne(zero)
		if err != nil || one-zero >= n {
			// No set bit follows, or the gap is wide enough.
			return zero, nil
		}
		start = one + 1
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no run of %d unset bits", n)
}

// countOnesForBlocks counts all 1 bits within the blocks holding begin and
// end, inclusive.
func (b *Bitmap) countOnesForBlocks(begin, end uint32) uint32 {
	ones := 0
	for i := begin / 64; i <= end/64; i++ {
		ones += bits.OnesCount64(b.bitBlock[i])
	}
	return uint32(ones)
}

// rangeMask returns the mask of bits in block blk that fall in [begin, end].
func rangeMask(blk, begin, end uint32) uint64 {
	lo, hi := uint32(0), uint32(63)
	if begin/64 == blk {
		lo = begin % 64
	}
	if end/64 == blk {
		hi = end % 64
	}
	return (^uint64(0) << lo) & (^uint64(0) >> (63 - hi))
}

// SetRange sets the bits in [begin, end).
func (b *Bitmap) SetRange(begin, end uint32) {
	if begin >= end {
		return
	}
	last := end - 1
	old := b.countOnesForBlocks(begin, last)
	for blk := begin / 64; blk <= last/64; blk++ {
		b.bitBlock[blk] |= rangeMask(blk, begin, last)
	}
	b.numOnes += b.countOnesForBlocks(begin, last) - old
}

// ClearRange clears the bits in [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	if begin >= end {
		return
	}
	last := end - 1
	old := b.countOnesForBlocks(begin, last)
	for blk := begin / 64; blk <= last/64; blk++ {
		b.bitBlock[blk] &^= rangeMask(blk, begin, last)
	}
	b.numOnes -= old - b.countOnesForBlocks(begin, last)
}

// AllSet returns true if every bit in [begin, end) is set.
func (b *Bitmap) AllSet(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	last := end - 1
	for blk := begin / 64; blk <= last/64; blk++ {
		m := rangeMask(blk, begin, last)
		if b.bitBlock[blk]&m != m {
			return false
		}
	}
	return true
}

// ToSlice transforms the Bitmap into a slice. For example, a bitmap of
// [0, 1, 0, 1] will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		// Iterate through all the numbers held by this bit block.
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			bitmapSlice = append(bitmapSlice, uint32(base+bits.OnesCount64(j-1)))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}
