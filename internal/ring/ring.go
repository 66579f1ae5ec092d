// Package ring tracks the window of open segments.
//
// Segment numbers in the window are contiguous and at most Max apart, so a
// number can be stored as its remainder modulo Max and recovered relative
// to the oldest open segment.
package ring

import (
	"fmt"

	"github.com/google/btree"
)

// Numbered is anything identified by a segment number.
type Numbered interface {
	Number() uint64
}

type entry[T Numbered] struct {
	number uint64
	seg    T
}

type Ring[T Numbered] struct {
	max    uint64
	tree   *btree.BTreeG[entry[T]]
	oldest *entry[T]
	newest *entry[T]
}

func New[T Numbered](window int) *Ring[T] {
	if window < 2 {
		panic(fmt.Sprintf("ring: window of %d segments", window))
	}
	less := func(a, b entry[T]) bool { return a.number < b.number }
	return &Ring[T]{max: uint64(window), tree: btree.NewG(8, less)}
}

// Max is the window size.
func (r *Ring[T]) Max() int {
	return int(r.max)
}

// NewNumber returns the number the next segment gets. It reports false
// when the window is full.
func (r *Ring[T]) NewNumber() (uint64, bool) {
	if r.oldest == nil {
		return 1, true
	}
	n := r.newest.number + 1
	if n >= r.oldest.number+r.max {
		return 0, false
	}
	return n, true
}

// Remainder is the short form of seg's number.
func (r *Ring[T]) Remainder(seg T) uint64 {
	return seg.Number() % r.max
}

// ByRemainder resolves a remainder against the oldest open segment.
func (r *Ring[T]) ByRemainder(rem uint64) (T, bool) {
	var zero T
	if r.oldest == nil {
		return zero, false
	}
	oldest := r.oldest.number
	base := oldest - oldest%r.max
	number := base + rem
	if rem < oldest%r.max {
		number += r.max
	}
	return r.Get(number)
}

func (r *Ring[T]) Get(number uint64) (T, bool) {
	e, ok := r.tree.Get(entry[T]{number: number})
	return e.seg, ok
}

// Add appends a segment. Numbers must increase.
func (r *Ring[T]) Add(seg T) {
	e := entry[T]{number: seg.Number(), seg: seg}
	if r.newest != nil && e.number <= r.newest.number {
		panic(fmt.Sprintf("ring: segment %x added after %x", e.number, r.newest.number))
	}
	if r.oldest != nil && e.number >= r.oldest.number+r.max {
		panic(fmt.Sprintf("ring: segment %x outside window starting at %x", e.number, r.oldest.number))
	}
	r.tree.ReplaceOrInsert(e)
	if r.oldest == nil {
		r.oldest = &e
	}
	r.newest = &e
}

// Del drops the oldest segment.
func (r *Ring[T]) Del(seg T) {
	if r.oldest == nil || r.oldest.number != seg.Number() {
		panic(fmt.Sprintf("ring: segment %x is not the oldest", seg.Number()))
	}
	r.tree.Delete(*r.oldest)

	if first, ok := r.tree.Min(); ok {
		r.oldest = &first
	} else {
		r.oldest = nil
		r.newest = nil
	}
}

func (r *Ring[T]) Oldest() (T, bool) {
	if r.oldest == nil {
		var zero T
		return zero, false
	}
	return r.oldest.seg, true
}

func (r *Ring[T]) Newest() (T, bool) {
	if r.newest == nil {
		var zero T
		return zero, false
	}
	return r.newest.seg, true
}

// Ascend visits segments from oldest to newest until fn returns false.
func (r *Ring[T]) Ascend(fn func(seg T) bool) {
	r.tree.Ascend(func(e entry[T]) bool {
		return fn(e.seg)
	})
}

func (r *Ring[T]) Len() int {
	return r.tree.Len()
}
