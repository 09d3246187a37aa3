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

// Package bitmap provides a fixed-size bitmap used to track slot allocation.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits.
type Bitmap struct {
	// size is the number of bits.
	size uint32

	// numOnes is the number of set bits.
	numOnes uint32

	// blocks holds the bits, 64 per word, lowest bit first.
	blocks []uint64
}

// New returns an empty bitmap of size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:   size,
		blocks: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in b.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// NumOnes returns the number of set bits.
func (b *Bitmap) NumOnes() uint32 {
	return b.numOnes
}

// Test returns true if bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	b.check(i)
	return b.blocks[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.check(i)
	w, mask := &b.blocks[i/64], uint64(1)<<(i%64)
	if *w&mask == 0 {
		*w |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.check(i)
	w, mask := &b.blocks[i/64], uint64(1)<<(i%64)
	if *w&mask != 0 {
		*w &^= mask
		b.numOnes--
	}
}

// AddRange sets bits [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// ClearRange clears bits [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Remove(i)
	}
}

// FirstZero returns the first clear bit at or after start.
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	return b.first(start, ^uint64(0))
}

// FirstOne returns the first set bit at or after start.
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	return b.first(start, 0)
}

// first returns the first bit at or after start whose word, xored with flip,
// has it set.
func (b *Bitmap) first(start uint32, flip uint64) (uint32, error) {
	if start >= b.size {
		return b.size, fmt.Errorf("start %d beyond bitmap of %d bits", start, b.size)
	}
	i := start / 64
	w := (b.blocks[i] ^ flip) &^ (uint64(1)<<(start%64) - 1)
	for {
		if w != 0 {
			if bit := i*64 + uint32(bits.TrailingZeros64(w)); bit < b.size {
				return bit, nil
			}
			break
		}
		i++
		if int(i) == len(b.blocks) {
			break
		}
		w = b.blocks[i] ^ flip
	}
	return b.size, fmt.Errorf("no matching bit at or after %d", start)
}

// FirstZeroRun returns the first bit of the lowest run of n clear bits at or
// after start.
func (b *Bitmap) FirstZeroRun(start, n uint32) (uint32, bool) {
	if n == 0 {
		return start, start <= b.size
	}
	for {
		lo, err := b.FirstZero(start)
		if err != nil || lo+n > b.size {
			return 0, false
		}
		hi, err := b.FirstOne(lo)
		if err != nil || hi >= lo+n {
			return lo, true
		}
		start = hi
	}
}

// ToSlice returns the set bits in increasing order.
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.numOnes)
	for i, w := range b.blocks {
		for w != 0 {
			s = append(s, uint32(i*64+bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
	return s
}

func (b *Bitmap) check(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range (%d bits)", i, b.size))
	}
}
