// Package core is the storage engine: an append-only log split into
// numbered segments, indexed in memory by a trie over 128-bit key hashes.
//
// A Store is driven by one goroutine at a time. Callers that share a
// Store between goroutines serialize access themselves, as Server does.
package core

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/keyhash"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/lock"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/segment"
)

type Store struct {
	dir      string
	lockFile *os.File
	base     *base
	scratch  []byte
}

// IterateFunc receives one live record. Key and value are only valid
// during the call. Returning an error stops the iteration.
type IterateFunc = segment.IterateFunc

// Open loads or creates a store in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	o := newOptions(opts)
	log := o.Logger.Sugar()

	if err := os.MkdirAll(filepath.Join(dir, segment.IndexDir), 0o755); err != nil {
		return nil, dberr.IO("create "+dir, err)
	}
	lf, err := lock.LockDirectory(dir)
	if err != nil {
		log.Errorf("Error locking directory %s: %v", dir, err)
		return nil, err
	}

	b := newBase(dir, o)
	if err := b.load(); err != nil {
		b.close()
		lock.UnlockDirectory(lf)
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	return &Store{dir: dir, lockFile: lf, base: b}, nil
}

// Close releases every segment and the directory lock.
func (s *Store) Close() error {
	if s.base == nil {
		return nil
	}
	err := s.base.close()
	s.base = nil
	lock.UnlockDirectory(s.lockFile)
	return err
}

// lookup reads the value of key. With reuse set the value aliases the
// store's scratch buffer.
func (s *Store) lookup(key []byte, reuse bool) ([]byte, error) {
	if s.base == nil {
		return nil, dberr.ErrNotReady
	}
	seg, pos, ok := s.base.tree.Get(keyhash.Sum(key))
	if !ok {
		return nil, dberr.ErrNotFound
	}
	var buf []byte
	if reuse {
		if size := seg.Get(pos).Size; uint64(cap(s.scratch)) < size {
			s.scratch = make([]byte, size)
		}
		buf = s.scratch
	}
	k, value, err := seg.Read(pos, buf)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(k, key) {
		s.base.log.Errorf("Congratulations! You just found a collision! Key %q has the same hash as %q.", key, k)
		return nil, dberr.ErrNotFound
	}
	return value, nil
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.lookup(key, false)
}

// GetInto copies the value stored under key into buf and returns its
// length. A value longer than buf fails with ErrBufferTooSmall.
func (s *Store) GetInto(key, buf []byte) (int, error) {
	value, err := s.lookup(key, true)
	if err != nil {
		return 0, err
	}
	if len(value) > len(buf) {
		return 0, fmt.Errorf("%w: value of %d bytes", dberr.ErrBufferTooSmall, len(value))
	}
	return copy(buf, value), nil
}

// Exists reports whether key has a value.
func (s *Store) Exists(key []byte) (bool, error) {
	_, err := s.lookup(key, true)
	if errors.Is(err, dberr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Set writes a single key.
func (s *Store) Set(key, value []byte, fsync bool) error {
	b := NewBatch()
	b.Set(key, value)
	_, err := s.Write(b, fsync)
	return err
}

// Delete removes a single key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte, fsync bool) error {
	b := NewBatch()
	b.Delete(key)
	_, err := s.Write(b, fsync)
	return err
}

// Write appends the batch atomically and applies it to the index. It
// returns the number of bytes appended.
func (s *Store) Write(b *Batch, fsync bool) (uint64, error) {
	if s.base == nil {
		return 0, dberr.ErrNotReady
	}
	return s.base.write(b, fsync)
}

// Sync makes every write so far durable.
func (s *Store) Sync() error {
	if s.base == nil || s.base.writer == nil {
		return dberr.ErrNotReady
	}
	return s.base.writer.Sync()
}

// Prefetch asks the kernel to read the records of keys ahead of use. It
// returns each record's size, -1 for missing keys.
func (s *Store) Prefetch(keys [][]byte) []int {
	sizes := make([]int, len(keys))
	for i, key := range keys {
		sizes[i] = -1
		if s.base == nil {
			continue
		}
		if seg, pos, ok := s.base.tree.Get(keyhash.Sum(key)); ok {
			sizes[i] = int(seg.Prefetch(pos))
		}
	}
	return sizes
}

// Iterate visits every live record, oldest segment first. Up to prefetch
// bytes are read ahead.
func (s *Store) Iterate(prefetch uint64, fn IterateFunc) error {
	if s.base == nil {
		return dberr.ErrNotReady
	}
	return s.base.iterate(prefetch, fn)
}

// Count is the number of live keys.
func (s *Store) Count() int {
	if s.base == nil {
		return 0
	}
	return s.base.tree.Len()
}

// Ratio is committed disk space over space used by live records. A
// ratio well above 1 means Roll would reclaim space.
func (s *Store) Ratio() float64 {
	if s.base == nil {
		return 0
	}
	return s.base.ratio()
}

// Roll runs one garbage collection round: live records of the oldest
// segment are rewritten until budget bytes were written. It returns the
// bytes written.
func (s *Store) Roll(budget uint64) (uint64, error) {
	if s.base == nil {
		return 0, dberr.ErrNotReady
	}
	return s.base.gc(budget)
}

// Stats logs segment, item, memory and disk statistics.
func (s *Store) Stats() {
	if s.base != nil {
		s.base.stats()
	}
}

func (s *Store) Dir() string {
	return s.dir
}
