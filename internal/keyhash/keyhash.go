package keyhash

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Size is the encoded length of a Hash.
const Size = 16

// Hash is a 128-bit key hash. Lo holds bits 0..63, Hi bits 64..127.
type Hash struct {
	Lo uint64
	Hi uint64
}

// Sum hashes a key.
func Sum(key []byte) Hash {
	h1, h2 := murmur3.Sum128(key)
	return Hash{Lo: h1, Hi: h2}
}

// Slice returns the 6-bit branch selector for the given trie level.
func (h Hash) Slice(level int) uint {
	shift := uint(level * 6)
	if shift >= 64 {
		return uint(h.Hi>>(shift-64)) & 0x3f
	}
	v := h.Lo >> shift
	if shift > 58 {
		v |= h.Hi << (64 - shift)
	}
	return uint(v & 0x3f)
}

func (h Hash) IsZero() bool {
	return h.Lo == 0 && h.Hi == 0
}

// Put writes h into b[:16] in little-endian order.
func (h Hash) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], h.Lo)
	binary.LittleEndian.PutUint64(b[8:16], h.Hi)
}

// Read decodes a hash written by Put.
func Read(b []byte) Hash {
	return Hash{
		Lo: binary.LittleEndian.Uint64(b[0:8]),
		Hi: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (h Hash) String() string {
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}
