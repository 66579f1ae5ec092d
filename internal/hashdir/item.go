// Package hashdir is the per-segment hash directory: a packed array of
// {key hash, offset, size, slot} items addressed by position.
//
// The newest segment owns an Active directory that grows in memory.
// Superseded segments own a Frozen directory backed by a memory-mapped
// working copy of the persisted file. Position 0 is reserved in both so
// that a zero position can mean "none".
package hashdir

import (
	"encoding/binary"
	"fmt"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/keyhash"
)

// ItemSize is the packed size of an Item: a 16-byte hash followed by a
// 72-bit field holding offset/32 (27 bits), size/32 (22 bits) and the
// tombstone slot (23 bits).
const ItemSize = keyhash.Size + 9

const (
	alignShift = 5
	offsetBits = 27
	sizeBits   = 22
	slotBits   = 23

	// MaxOffset is the largest record offset an item can carry.
	MaxOffset = (1<<offsetBits - 1) << alignShift
	// MaxSize is the largest record size an item can carry.
	MaxSize = (1<<sizeBits - 1) << alignShift
	// MaxPositions bounds the number of positions in a directory.
	MaxPositions = 1 << slotBits
)

// Item describes one live record of a segment.
type Item struct {
	Hash   keyhash.Hash
	Offset uint64
	Size   uint64
	Slot   uint32
}

// MoveFunc is told when the item with hash moved from oldPos to newPos.
type MoveFunc func(hash keyhash.Hash, newPos, oldPos int)

func putItem(b []byte, it Item) {
	if it.Offset%(1<<alignShift) != 0 || it.Offset > MaxOffset {
		panic(fmt.Sprintf("hashdir: offset %d not representable", it.Offset))
	}
	if it.Size%(1<<alignShift) != 0 || it.Size > MaxSize {
		panic(fmt.Sprintf("hashdir: size %d not representable", it.Size))
	}
	if it.Slot >= MaxPositions {
		panic(fmt.Sprintf("hashdir: slot %d not representable", it.Slot))
	}

	it.Hash.Put(b)
	lo := it.Offset>>alignShift |
		(it.Size>>alignShift)<<offsetBits |
		uint64(it.Slot&0x7fff)<<(offsetBits+sizeBits)
	binary.LittleEndian.PutUint64(b[keyhash.Size:], lo)
	b[keyhash.Size+8] = byte(it.Slot >> 15)
}

func getItem(b []byte) Item {
	lo := binary.LittleEndian.Uint64(b[keyhash.Size:])
	return Item{
		Hash:   keyhash.Read(b),
		Offset: (lo & (1<<offsetBits - 1)) << alignShift,
		Size:   (lo >> offsetBits & (1<<sizeBits - 1)) << alignShift,
		Slot:   uint32(lo>>(offsetBits+sizeBits)) | uint32(b[keyhash.Size+8])<<15,
	}
}

// table is the packed array shared by both directory variants.
type table struct {
	items []byte
	count int // positions in use, including the reserved one
	move  MoveFunc
}

func (t *table) at(pos int) []byte {
	return t.items[pos*ItemSize : (pos+1)*ItemSize]
}

func (t *table) checkPos(pos int) {
	if pos <= 0 || pos >= t.count {
		panic(fmt.Sprintf("hashdir: position %d out of range [1, %d)", pos, t.count))
	}
}

// Get returns the item at pos.
func (t *table) Get(pos int) Item {
	t.checkPos(pos)
	return getItem(t.at(pos))
}

// Positions is the number of positions in use, the reserved one included.
func (t *table) Positions() int {
	return t.count
}

// removeAt fills pos with the last item, reporting the move, and shrinks
// the table by one.
func (t *table) removeAt(pos int) Item {
	t.checkPos(pos)
	it := getItem(t.at(pos))

	last := t.count - 1
	if pos != last {
		copy(t.at(pos), t.at(last))
		if t.move != nil {
			t.move(keyhash.Read(t.at(pos)), pos, last)
		}
	}
	clear(t.at(last))
	t.count--
	return it
}

func (t *table) payload() []byte {
	return t.items[:t.count*ItemSize]
}
