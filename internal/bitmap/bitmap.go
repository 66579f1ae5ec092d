// Package bitmap is the tombstone bitmap of a frozen directory. Bit n
// marks directory slot n as deleted. The bitmap is sized in whole 64-bit
// words and bits past the requested count start out set, so a bitmap read
// back from disk never reports a phantom live slot.
package bitmap

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

const wordBits = 64

type Bitmap struct {
	set *bitset.BitSet
}

func roundUp(count uint) uint {
	return (count + wordBits - 1) / wordBits * wordBits
}

// New returns a bitmap for count slots with every slot clear.
func New(count int) *Bitmap {
	if count < 1 {
		count = 1
	}
	size := roundUp(uint(count))
	set := bitset.New(size)
	for i := uint(count); i < size; i++ {
		set.Set(i)
	}
	return &Bitmap{set: set}
}

// FromBytes rebuilds a bitmap serialized by Bytes.
func FromBytes(buf []byte) (*Bitmap, error) {
	if len(buf) == 0 || len(buf)%8 != 0 {
		return nil, fmt.Errorf("bitmap: invalid serialized size %d", len(buf))
	}
	words := make([]uint64, len(buf)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return &Bitmap{set: bitset.From(words)}, nil
}

// Size is the number of addressable bits, always a multiple of 64.
func (b *Bitmap) Size() int {
	return int(b.set.Len())
}

func (b *Bitmap) Get(n int) bool {
	return b.set.Test(uint(n))
}

func (b *Bitmap) Set(n int) {
	b.check(n)
	b.set.Set(uint(n))
}

func (b *Bitmap) Clear(n int) {
	b.check(n)
	b.set.Clear(uint(n))
}

// Count returns the number of set bits, padding included.
func (b *Bitmap) Count() int {
	return int(b.set.Count())
}

// Bytes serializes the bitmap as little-endian 64-bit words.
func (b *Bitmap) Bytes() []byte {
	words := b.set.Bytes()
	out := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

func (b *Bitmap) check(n int) {
	if n <= 0 || n >= b.Size() {
		panic(fmt.Sprintf("bitmap: bit %d out of range (size %d)", n, b.Size()))
	}
}
