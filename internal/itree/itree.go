// Package itree is the global index: a trie from key hash to the segment
// and directory position holding the live record.
//
// Trie items pack the segment's ring remainder in bits 23..38 and the
// directory position in bits 0..22. Hashes are not stored; the trie asks
// the owning directory for them.
package itree

import (
	"fmt"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/hashdir"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/keyhash"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/ohamt"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/ring"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/segment"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/stats"
)

const (
	posBits = 23
	remBits = 16

	// MaxRemainder bounds the ring window the packing can address.
	MaxRemainder = 1 << remBits
)

type Ring = ring.Ring[*segment.Segment]

func pack(rem uint64, pos int) uint64 {
	return rem<<posBits | uint64(pos)
}

func unpack(item uint64) (rem uint64, pos int) {
	return item >> posBits, int(item & (1<<posBits - 1))
}

type Tree struct {
	trie *ohamt.Trie
	ring *Ring
	used stats.StdDev
}

func New(r *Ring) *Tree {
	if r.Max() > MaxRemainder {
		panic(fmt.Sprintf("itree: ring window %d exceeds %d", r.Max(), MaxRemainder))
	}
	t := &Tree{ring: r}
	t.trie = ohamt.New(t.hash)
	return t
}

func (t *Tree) segment(rem uint64) *segment.Segment {
	seg, ok := t.ring.ByRemainder(rem)
	if !ok {
		panic(fmt.Sprintf("itree: no open segment for remainder %d", rem))
	}
	return seg
}

func (t *Tree) hash(item uint64) keyhash.Hash {
	rem, pos := unpack(item)
	return t.segment(rem).Get(pos).Hash
}

// Add indexes a new record of the newest segment, replacing any older
// record with the same hash.
func (t *Tree) Add(it hashdir.Item) {
	t.Del(it.Hash)

	newest, ok := t.ring.Newest()
	if !ok {
		panic("itree: add without an open segment")
	}
	pos := newest.Add(it)
	t.used.Add(int64(it.Size))
	t.insert(pack(t.ring.Remainder(newest), pos))
}

// AddIndexed indexes an item that is already in seg's directory.
func (t *Tree) AddIndexed(seg *segment.Segment, hash keyhash.Hash, pos int) {
	t.Del(hash)
	t.used.Add(int64(seg.Get(pos).Size))
	t.insert(pack(t.ring.Remainder(seg), pos))
}

func (t *Tree) insert(item uint64) {
	if found := t.trie.Insert(item); found != item {
		panic(fmt.Sprintf("itree: insert of %#x found %#x", item, found))
	}
}

// Del drops the record with hash from the index and its directory. It
// reports whether there was one.
func (t *Tree) Del(hash keyhash.Hash) bool {
	found := t.trie.Delete(hash)
	if found == ohamt.NotFound {
		return false
	}
	rem, pos := unpack(found)
	it := t.segment(rem).Del(pos)
	t.used.Remove(int64(it.Size))
	return true
}

// Moved follows an item that its directory moved from oldPos to newPos.
func (t *Tree) Moved(seg *segment.Segment, hash keyhash.Hash, newPos, oldPos int) {
	rem := t.ring.Remainder(seg)
	found := t.trie.Replace(pack(rem, newPos))
	if found == ohamt.NotFound {
		panic(fmt.Sprintf("itree: moved item %s of segment %x is not indexed", hash, seg.Number()))
	}
	if frem, fpos := unpack(found); frem != rem || fpos != oldPos {
		panic(fmt.Sprintf("itree: moved item %s expected at %d/%d, found %d/%d", hash, rem, oldPos, frem, fpos))
	}
}

// Get locates the record with hash.
func (t *Tree) Get(hash keyhash.Hash) (*segment.Segment, int, bool) {
	found := t.trie.Search(hash)
	if found == ohamt.NotFound {
		return nil, 0, false
	}
	rem, pos := unpack(found)
	return t.segment(rem), pos, true
}

// Len is the number of indexed keys.
func (t *Tree) Len() int {
	return t.trie.Len()
}

// Used is the size distribution of live records.
func (t *Tree) Used() stats.StdDev {
	return t.used
}

// MemStats reports trie node memory.
func (t *Tree) MemStats() (allocated, wasted uint64) {
	return t.trie.MemStats()
}

// Check validates the trie structure.
func (t *Tree) Check() error {
	return t.trie.Check()
}

// Close drops the whole index.
func (t *Tree) Close() {
	t.trie.Erase()
	t.used = stats.StdDev{}
}
