// Package ohamt is a compact hash array mapped trie keyed by 128-bit hashes.
//
// The trie stores 39-bit items, not keys. Hashes are never kept in the
// trie: whenever a leaf's hash is needed it is recomputed through the
// HashFunc supplied by the owner, trading CPU for memory.
//
// Each level consumes 6 bits of the hash, so a node has up to 64 branches
// and the trie is at most 22 levels deep. A node is a 64-bit mask followed
// by one 40-bit slot per set bit. The low bit of a slot word tags a leaf
// (item<<1|1); otherwise the word is a node handle shifted left by one.
// Nodes are copy-on-write: adding or removing a branch allocates a node of
// the new size and frees the old one.
package ohamt

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/keyhash"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/slab"
)

// NotFound is the zero item. Valid items are never zero.
const NotFound uint64 = 0

// MaxItem is the largest item a slot can carry.
const MaxItem uint64 = 1<<39 - 1

// MaxLevels is the trie depth needed to exhaust a 128-bit hash.
const MaxLevels = 22

const leafBit = 1

type HashFunc func(item uint64) keyhash.Hash

// ref addresses a slot word: the root slot when node is zero, otherwise
// slot idx of node.
type ref struct {
	node slab.Handle
	idx  int
}

type state struct {
	level int
	ptr   [MaxLevels + 1]ref
}

type Trie struct {
	root  uint64
	count int
	arena *slab.Arena
	hash  HashFunc
}

func New(hash HashFunc) *Trie {
	return &Trie{arena: slab.New(), hash: hash}
}

func leafWord(item uint64) uint64 { return item<<1 | leafBit }

func nodeWord(h slab.Handle) uint64 { return uint64(h) << 1 }

func isLeaf(w uint64) bool { return w&leafBit != 0 }

func toItem(w uint64) uint64 { return w >> 1 }

func toHandle(w uint64) slab.Handle { return slab.Handle(w >> 1) }

func getMask(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putMask(b []byte, m uint64) {
	for i := 0; i < slab.MaskSize; i++ {
		b[i] = byte(m >> (8 * i))
	}
}

func getSlot(b []byte, i int) uint64 {
	o := slab.MaskSize + slab.SlotSize*i
	return uint64(b[o]) | uint64(b[o+1])<<8 | uint64(b[o+2])<<16 |
		uint64(b[o+3])<<24 | uint64(b[o+4])<<32
}

func putSlot(b []byte, i int, w uint64) {
	o := slab.MaskSize + slab.SlotSize*i
	for j := 0; j < slab.SlotSize; j++ {
		b[o+j] = byte(w >> (8 * j))
	}
}

// slotNumber is the index of the slot for slice within a node's slots.
func slotNumber(mask uint64, slice uint) int {
	return bits.OnesCount64(mask & (1<<slice - 1))
}

func (t *Trie) load(r ref) uint64 {
	if r.node == 0 {
		return t.root
	}
	return getSlot(t.arena.Bytes(r.node), r.idx)
}

func (t *Trie) store(r ref, w uint64) {
	if r.node == 0 {
		t.root = w
		return
	}
	putSlot(t.arena.Bytes(r.node), r.idx, w)
}

// search walks towards hash. On return s.ptr[s.level] is the last slot
// visited: the matching leaf, a leaf with a different hash, or the node
// lacking the branch.
func (t *Trie) search(hash keyhash.Hash, s *state) uint64 {
	for {
		w := t.load(s.ptr[s.level])
		if isLeaf(w) {
			item := toItem(w)
			if t.hash(item) == hash {
				return item
			}
			return NotFound
		}

		h := toHandle(w)
		mask := getMask(t.arena.Bytes(h))
		slice := hash.Slice(s.level)
		if mask&(1<<slice) == 0 {
			return NotFound
		}
		s.ptr[s.level+1] = ref{node: h, idx: slotNumber(mask, slice)}
		s.level++
	}
}

// Search finds the item whose hash equals hash.
func (t *Trie) Search(hash keyhash.Hash) uint64 {
	if t.root == 0 {
		return NotFound
	}
	var s state
	return t.search(hash, &s)
}

// Insert adds item unless an item with the same hash is present. It
// returns the item now associated with the hash.
func (t *Trie) Insert(item uint64) uint64 {
	if item == NotFound || item > MaxItem {
		panic(fmt.Sprintf("ohamt: item %#x out of range", item))
	}
	itemHash := t.hash(item)

	if t.root == 0 {
		t.root = leafWord(item)
		t.count++
		return item
	}

	var s state
	if found := t.search(itemHash, &s); found != NotFound {
		return found
	}

	w := t.load(s.ptr[s.level])
	if isLeaf(w) {
		leaf := toItem(w)
		t.insertLeaf(&s, itemHash, item, t.hash(leaf), leaf)
	} else {
		t.addSlot(s.ptr[s.level], toHandle(w), item, itemHash, s.level)
	}
	t.count++
	return item
}

func (t *Trie) addSlot(r ref, old slab.Handle, item uint64, hash keyhash.Hash, level int) {
	slice := hash.Slice(level)
	oldNode := t.arena.Bytes(old)
	oldMask := getMask(oldNode)
	oldSize := bits.OnesCount64(oldMask)

	h := t.arena.Alloc(oldSize + 1)
	node := t.arena.Bytes(h)
	mask := oldMask | 1<<slice
	putMask(node, mask)

	slot := slotNumber(mask, slice)
	split := slab.MaskSize + slab.SlotSize*slot
	copy(node[slab.MaskSize:split], oldNode[slab.MaskSize:split])
	copy(node[split+slab.SlotSize:], oldNode[split:])
	putSlot(node, slot, leafWord(item))

	t.store(r, nodeWord(h))
	t.arena.Free(old)
}

// insertLeaf replaces the leaf at s.ptr[s.level] with a chain of nodes
// deep enough to tell the two hashes apart.
func (t *Trie) insertLeaf(s *state, itemHash keyhash.Hash, item uint64, leafHash keyhash.Hash, leaf uint64) {
	for ; s.level < MaxLevels; s.level++ {
		leafSlice := leafHash.Slice(s.level)
		itemSlice := itemHash.Slice(s.level)

		if leafSlice != itemSlice {
			h := t.arena.Alloc(2)
			node := t.arena.Bytes(h)
			mask := uint64(1)<<leafSlice | uint64(1)<<itemSlice
			putMask(node, mask)
			putSlot(node, slotNumber(mask, itemSlice), leafWord(item))
			putSlot(node, slotNumber(mask, leafSlice), leafWord(leaf))
			t.store(s.ptr[s.level], nodeWord(h))
			return
		}

		h := t.arena.Alloc(1)
		putMask(t.arena.Bytes(h), uint64(1)<<itemSlice)
		t.store(s.ptr[s.level], nodeWord(h))
		s.ptr[s.level+1] = ref{node: h, idx: 0}
	}
	panic("ohamt: distinct hashes share every slice")
}

// Replace overwrites the item that has the same hash as newItem and
// returns the previous value, or NotFound if there is none.
func (t *Trie) Replace(newItem uint64) uint64 {
	if newItem == NotFound || newItem > MaxItem {
		panic(fmt.Sprintf("ohamt: item %#x out of range", newItem))
	}
	if t.root == 0 {
		return NotFound
	}

	var s state
	found := t.search(t.hash(newItem), &s)
	if found == NotFound {
		return NotFound
	}
	t.store(s.ptr[s.level], leafWord(newItem))
	return found
}

// Delete removes the item with the given hash and returns it.
func (t *Trie) Delete(hash keyhash.Hash) uint64 {
	if t.root == 0 {
		return NotFound
	}

	var s state
	found := t.search(hash, &s)
	if found == NotFound {
		return NotFound
	}
	t.delete(hash, &s)
	t.count--
	return found
}

func (t *Trie) delete(hash keyhash.Hash, s *state) {
	if s.level == 0 {
		t.root = 0
		return
	}

	foundIdx := s.ptr[s.level].idx
	s.level--

	h := toHandle(t.load(s.ptr[s.level]))
	node := t.arena.Bytes(h)
	mask := getMask(node)
	slice := hash.Slice(s.level)

	if bits.OnesCount64(mask) != 2 {
		t.store(s.ptr[s.level], nodeWord(t.delNode(h, slice)))
		return
	}

	other := getSlot(node, 1-foundIdx)
	if !isLeaf(other) {
		otherSlice := uint(bits.TrailingZeros64(mask &^ (1 << slice)))
		t.arena.Free(h)
		nh := t.arena.Alloc(1)
		nn := t.arena.Bytes(nh)
		putMask(nn, uint64(1)<<otherSlice)
		putSlot(nn, 0, other)
		t.store(s.ptr[s.level], nodeWord(nh))
		return
	}

	// The surviving sibling is a leaf: pull it up past every node that
	// would be left holding only this leaf.
	for {
		t.arena.Free(h)
		if s.level == 0 {
			t.root = other
			return
		}
		s.level--
		h = toHandle(t.load(s.ptr[s.level]))
		mask = getMask(t.arena.Bytes(h))
		if bits.OnesCount64(mask) != 1 {
			break
		}
	}
	slice = hash.Slice(s.level)
	putSlot(t.arena.Bytes(h), slotNumber(mask, slice), other)
}

func (t *Trie) delNode(old slab.Handle, slice uint) slab.Handle {
	oldNode := t.arena.Bytes(old)
	oldMask := getMask(oldNode)
	oldSize := bits.OnesCount64(oldMask)
	slot := slotNumber(oldMask, slice)

	h := t.arena.Alloc(oldSize - 1)
	node := t.arena.Bytes(h)
	putMask(node, oldMask&^(1<<slice))

	split := slab.MaskSize + slab.SlotSize*slot
	copy(node[slab.MaskSize:split], oldNode[slab.MaskSize:split])
	copy(node[split:], oldNode[split+slab.SlotSize:])

	t.arena.Free(old)
	return h
}

// Len is the number of items in the trie.
func (t *Trie) Len() int {
	return t.count
}

// Walk calls fn for every item in slice order.
func (t *Trie) Walk(fn func(item uint64)) {
	if t.root == 0 {
		return
	}
	t.walk(t.root, fn)
}

func (t *Trie) walk(w uint64, fn func(item uint64)) {
	if isLeaf(w) {
		fn(toItem(w))
		return
	}
	node := t.arena.Bytes(toHandle(w))
	n := bits.OnesCount64(getMask(node))
	for i := 0; i < n; i++ {
		t.walk(getSlot(node, i), fn)
	}
}

// Erase drops every item without visiting them.
func (t *Trie) Erase() {
	t.root = 0
	t.count = 0
	t.arena.Reset()
}

// MemStats reports bytes reserved for nodes and the unused part of it.
func (t *Trie) MemStats() (allocated, wasted uint64) {
	return t.arena.Stats()
}

var errShape = errors.New("ohamt: malformed trie")

// Check validates the structure: node sizes match their masks, every leaf
// sits on the path its hash selects, and no single-branch node holds a
// lone leaf.
func (t *Trie) Check() error {
	if t.root == 0 {
		if t.count != 0 {
			return fmt.Errorf("%w: empty root with %d items", errShape, t.count)
		}
		return nil
	}
	var path []uint
	n, err := t.check(t.root, 0, path)
	if err != nil {
		return err
	}
	if n != t.count {
		return fmt.Errorf("%w: counted %d items, expected %d", errShape, n, t.count)
	}
	return nil
}

func (t *Trie) check(w uint64, level int, path []uint) (int, error) {
	if isLeaf(w) {
		hash := t.hash(toItem(w))
		for l, slice := range path {
			if hash.Slice(l) != slice {
				return 0, fmt.Errorf("%w: item %#x misplaced at level %d", errShape, toItem(w), l)
			}
		}
		return 1, nil
	}
	if level >= MaxLevels {
		return 0, fmt.Errorf("%w: node below level %d", errShape, MaxLevels)
	}

	h := toHandle(w)
	node := t.arena.Bytes(h)
	mask := getMask(node)
	n := bits.OnesCount64(mask)
	if n == 0 || n != h.Slots() {
		return 0, fmt.Errorf("%w: mask %#x on node with %d slots", errShape, mask, h.Slots())
	}
	if n == 1 && isLeaf(getSlot(node, 0)) {
		return 0, fmt.Errorf("%w: single leaf node at level %d", errShape, level)
	}

	total := 0
	for i, m := 0, mask; m != 0; i, m = i+1, m&(m-1) {
		slice := uint(bits.TrailingZeros64(m))
		c, err := t.check(getSlot(node, i), level+1, append(path, slice))
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}
