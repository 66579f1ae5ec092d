// Package slab is a size-class arena for trie nodes.
//
// A node with n slots occupies 8+5n bytes: the 64-bit branch mask followed
// by n packed 40-bit slot words. Nodes of the same slot count live in
// fixed-size pages of one class, so a node's bytes never move once
// allocated and freed nodes are reused before a new page is carved.
//
// Nodes are addressed by a Handle that fits the 39 bits a trie slot can
// carry: the slot count in bits 32..38 and the index within the class in
// bits 0..31. A zero Handle is never returned.
package slab

import "fmt"

const (
	// MaxSlots is the largest node the arena serves.
	MaxSlots = 64

	MaskSize = 8
	SlotSize = 5

	nodesPerPage = 1024
)

type Handle uint64

func makeHandle(slots int, index uint32) Handle {
	return Handle(uint64(slots)<<32 | uint64(index))
}

// Slots is the slot count the node was allocated with.
func (h Handle) Slots() int {
	return int(h >> 32)
}

func (h Handle) index() uint32 {
	return uint32(h)
}

// NodeSize is the byte size of a node with the given slot count.
func NodeSize(slots int) int {
	return MaskSize + SlotSize*slots
}

type class struct {
	nodeSize int
	pages    [][]byte
	free     []uint32
	next     uint32
	live     int
}

type Arena struct {
	classes [MaxSlots + 1]class
}

func New() *Arena {
	a := &Arena{}
	for n := 1; n <= MaxSlots; n++ {
		a.classes[n].nodeSize = NodeSize(n)
	}
	return a
}

// Alloc returns a zeroed node with room for slots entries.
func (a *Arena) Alloc(slots int) Handle {
	if slots < 1 || slots > MaxSlots {
		panic(fmt.Sprintf("slab: invalid slot count %d", slots))
	}
	c := &a.classes[slots]
	c.live++

	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		h := makeHandle(slots, idx)
		clear(a.Bytes(h))
		return h
	}

	idx := c.next
	c.next++
	if int(idx)/nodesPerPage == len(c.pages) {
		c.pages = append(c.pages, make([]byte, nodesPerPage*c.nodeSize))
	}
	return makeHandle(slots, idx)
}

// Free returns a node to its class.
func (a *Arena) Free(h Handle) {
	c := &a.classes[h.Slots()]
	c.live--
	c.free = append(c.free, h.index())
}

// Bytes exposes the node's storage. The slice stays valid until the
// node is freed.
func (a *Arena) Bytes(h Handle) []byte {
	c := &a.classes[h.Slots()]
	idx := int(h.index())
	page := c.pages[idx/nodesPerPage]
	off := (idx % nodesPerPage) * c.nodeSize
	return page[off : off+c.nodeSize : off+c.nodeSize]
}

// Reset drops every node.
func (a *Arena) Reset() {
	for n := 1; n <= MaxSlots; n++ {
		a.classes[n] = class{nodeSize: NodeSize(n)}
	}
}

// Stats reports reserved bytes and the part of it not holding a live node.
func (a *Arena) Stats() (allocated, wasted uint64) {
	for n := 1; n <= MaxSlots; n++ {
		c := &a.classes[n]
		reserved := uint64(len(c.pages)) * nodesPerPage * uint64(c.nodeSize)
		allocated += reserved
		wasted += reserved - uint64(c.live)*uint64(c.nodeSize)
	}
	return allocated, wasted
}

// Live is the number of allocated nodes.
func (a *Arena) Live() int {
	total := 0
	for n := 1; n <= MaxSlots; n++ {
		total += a.classes[n].live
	}
	return total
}
