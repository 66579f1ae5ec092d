package core

import (
	"fmt"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/hashdir"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/record"
)

type batchEntry struct {
	kind   record.Kind
	offset uint64 // within the batch buffer
	size   uint64
	keyLen int
}

// Batch collects sets and deletes that are appended to the log in one
// write. A Batch is not safe for concurrent use.
type Batch struct {
	buf     []byte
	entries []batchEntry
	sets    int
	err     error
}

func NewBatch() *Batch {
	return &Batch{}
}

// Set queues key = value.
func (b *Batch) Set(key, value []byte) {
	b.add(record.Set(key, value))
}

// Delete queues the removal of key.
func (b *Batch) Delete(key []byte) {
	b.add(record.Delete(key))
}

func (b *Batch) add(rec record.Record) {
	size := record.PackedSize(len(rec.Key), len(rec.Value))
	if size > hashdir.MaxSize {
		if b.err == nil {
			b.err = fmt.Errorf("%w: record of %d bytes exceeds %d", dberr.ErrTooLarge, size, hashdir.MaxSize)
		}
		return
	}

	offset := uint64(len(b.buf))
	b.buf = record.AppendPacked(b.buf, rec)
	b.entries = append(b.entries, batchEntry{
		kind:   rec.Kind,
		offset: offset,
		size:   size,
		keyLen: len(rec.Key),
	})
	if rec.Kind == record.KindSet {
		b.sets++
	}
}

// Size is the number of bytes the batch appends.
func (b *Batch) Size() uint64 {
	return uint64(len(b.buf))
}

// Sets is the number of queued sets.
func (b *Batch) Sets() int {
	return b.sets
}

// Len is the number of queued records.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Err reports the first record the batch refused.
func (b *Batch) Err() error {
	return b.err
}

// Reset empties the batch, keeping its buffers.
func (b *Batch) Reset() {
	b.buf = b.buf[:0]
	b.entries = b.entries[:0]
	b.sets = 0
	b.err = nil
}

// each reports every record as if the batch had been written at base.
func (b *Batch) each(base uint64, fn func(kind record.Kind, key []byte, offset, size uint64)) {
	for _, e := range b.entries {
		key := b.buf[e.offset+record.HeaderSize : e.offset+record.HeaderSize+uint64(e.keyLen)]
		fn(e.kind, key, base+e.offset, e.size)
	}
}
