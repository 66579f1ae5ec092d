// Package segment groups one numbered log file with its hash directory
// and its used-size statistics.
//
// The newest segment is opened in replay mode with an Active directory
// built from its records. Older segments are Frozen: their directory is
// loaded from the index directory, optionally with a tombstone bitmap from
// a snapshot, so opening them never touches the log file.
package segment

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/bitmap"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/hashdir"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/keyhash"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/stats"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
	"go.uber.org/zap"
)

const (
	LogSuffix   = ".log"
	IndexSuffix = ".idx"
	IndexDir    = "index"

	prefetchPage = 4096
)

// MoveFunc is told that an item of seg moved within its directory.
type MoveFunc func(seg *Segment, hash keyhash.Hash, newPos, oldPos int)

// Config locates segment files and carries the collaborators every
// segment shares.
type Config struct {
	Dir    string
	Move   MoveFunc
	Frozen *hashdir.List
	Log    *zap.SugaredLogger
}

func (c Config) LogPath(number uint64) string {
	return filepath.Join(c.Dir, utils.NumberedName(number, LogSuffix))
}

func (c Config) IndexPath(number uint64) string {
	return filepath.Join(c.Dir, IndexDir, utils.NumberedName(number, IndexSuffix))
}

type Segment struct {
	number uint64
	cfg    Config
	reader *Reader

	used stats.StdDev

	active *hashdir.Active
	frozen *hashdir.Frozen
}

func open(cfg Config, number uint64) (*Segment, error) {
	reader, err := OpenReader(cfg.LogPath(number), cfg.Log)
	if err != nil {
		return nil, err
	}
	return &Segment{number: number, cfg: cfg, reader: reader}, nil
}

// OpenReplay opens a segment with an empty active directory. The caller
// fills it, typically by replaying the log.
func OpenReplay(cfg Config, number uint64) (*Segment, error) {
	s, err := open(cfg, number)
	if err != nil {
		return nil, err
	}
	s.active = hashdir.NewActive(s.moved)
	return s, nil
}

// OpenFast opens a frozen segment from its persisted directory. Slots set
// in tombstones are treated as deleted.
func OpenFast(cfg Config, number uint64, tombstones *bitmap.Bitmap) (*Segment, error) {
	s, err := open(cfg, number)
	if err != nil {
		return nil, err
	}
	frozen, err := hashdir.Load(cfg.IndexPath(number), tombstones, s.moved, cfg.Log)
	if err != nil {
		s.reader.Close()
		return nil, fmt.Errorf("segment %x: %w", number, err)
	}
	s.setFrozen(frozen)
	return s, nil
}

func (s *Segment) setFrozen(f *hashdir.Frozen) {
	s.frozen = f
	s.active = nil
	s.used = stats.StdDev{}
	f.ForEach(func(_ int, it hashdir.Item) bool {
		s.used.Add(int64(it.Size))
		return true
	})
	if s.cfg.Frozen != nil {
		s.cfg.Frozen.Add(f)
	}
}

func (s *Segment) moved(hash keyhash.Hash, newPos, oldPos int) {
	if s.cfg.Move != nil {
		s.cfg.Move(s, hash, newPos, oldPos)
	}
}

// Replay feeds every record of the log file to fn.
func (s *Segment) Replay(fn ReplayFunc) error {
	return s.reader.Replay(fn)
}

func (s *Segment) Number() uint64 {
	return s.number
}

func (s *Segment) IsFrozen() bool {
	return s.frozen != nil
}

// Add records a new item in the active directory and returns its
// position.
func (s *Segment) Add(it hashdir.Item) int {
	if s.active == nil {
		panic(fmt.Sprintf("segment %x: add to a frozen segment", s.number))
	}
	s.used.Add(int64(it.Size))
	return s.active.Add(it)
}

// Del removes the item at pos from the directory.
func (s *Segment) Del(pos int) hashdir.Item {
	var it hashdir.Item
	if s.frozen != nil {
		it = s.frozen.Del(pos)
	} else {
		it = s.active.Del(pos)
	}
	s.used.Remove(int64(it.Size))
	return it
}

func (s *Segment) Get(pos int) hashdir.Item {
	if s.frozen != nil {
		return s.frozen.Get(pos)
	}
	return s.active.Get(pos)
}

// Positions is the number of directory positions in use, the reserved
// one included.
func (s *Segment) Positions() int {
	if s.frozen != nil {
		return s.frozen.Positions()
	}
	return s.active.Positions()
}

// Freeze persists the active directory and switches to the frozen one.
func (s *Segment) Freeze() error {
	if s.frozen != nil {
		return nil
	}
	path := s.cfg.IndexPath(s.number)
	if err := s.active.Freeze(path); err != nil {
		return fmt.Errorf("segment %x: %w", s.number, err)
	}
	// A working copy left by an earlier run describes a different layout.
	if err := utils.RemoveIfExists(hashdir.DirtyPath(path)); err != nil {
		return fmt.Errorf("segment %x: %w", s.number, err)
	}
	frozen, err := hashdir.Load(path, bitmap.New(s.active.Positions()), s.moved, s.cfg.Log)
	if err != nil {
		return fmt.Errorf("segment %x: %w", s.number, err)
	}
	s.setFrozen(frozen)
	return nil
}

// Save compacts queued deletions of a frozen directory.
func (s *Segment) Save() {
	if s.frozen == nil || s.frozen.Pending() == 0 {
		return
	}
	if err := s.frozen.Save(); err != nil {
		s.cfg.Log.Warnf("Unable to save index for segment %x: %v", s.number, err)
	}
}

// Tombstones is the frozen directory's bitmap, nil while active.
func (s *Segment) Tombstones() *bitmap.Bitmap {
	if s.frozen == nil {
		return nil
	}
	return s.frozen.Tombstones()
}

// ForEach visits live items until fn returns false.
func (s *Segment) ForEach(fn func(pos int, it hashdir.Item) bool) {
	if s.frozen != nil {
		s.frozen.ForEach(fn)
		return
	}
	s.active.ForEach(fn)
}

// SortedItems is a copy of the live items ordered by offset.
func (s *Segment) SortedItems() []hashdir.Item {
	if s.frozen != nil {
		return s.frozen.Sorted()
	}
	return s.active.Sorted()
}

// IterateFunc receives one live record. Returning an error stops the
// iteration.
type IterateFunc func(key, value []byte) error

// IterateSorted reads every live record in offset order. Up to prefetch
// bytes ahead of the cursor are announced to the kernel in contiguous
// page runs.
func (s *Segment) IterateSorted(prefetch uint64, fn IterateFunc) error {
	start := time.Now()
	items := s.SortedItems()
	s.cfg.Log.Infof("Sorting index in segment %x took %5d ms.", s.number, time.Since(start).Milliseconds())

	var buf []byte
	next := 0
	for i, it := range items {
		if i == next {
			next = s.prefetchRun(items, i, prefetch)
		}
		if uint64(cap(buf)) < it.Size {
			buf = make([]byte, it.Size)
		}
		key, value, err := s.reader.Read(it.Offset, it.Size, buf)
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// prefetchRun announces items[from:] until budget bytes are covered and
// returns the index of the first item not announced.
func (s *Segment) prefetchRun(items []hashdir.Item, from int, budget uint64) int {
	if budget < 2 {
		return len(items)
	}

	var runStart, runEnd uint64
	var done uint64
	i := from
	for ; i < len(items) && done < budget; i++ {
		it := items[i]
		first := it.Offset / prefetchPage
		last := (it.Offset + it.Size + prefetchPage - 1) / prefetchPage

		if i == from {
			runStart, runEnd = first, last
		} else if first > runEnd {
			s.reader.Prefetch(runStart*prefetchPage, (runEnd-runStart)*prefetchPage)
			runStart, runEnd = first, last
		} else if last > runEnd {
			runEnd = last
		}
		done += it.Size
	}
	if i > from {
		s.reader.Prefetch(runStart*prefetchPage, (runEnd-runStart)*prefetchPage)
	}
	return i
}

// Read decodes the record at pos. buf is used when large enough.
func (s *Segment) Read(pos int, buf []byte) (key, value []byte, err error) {
	it := s.Get(pos)
	if uint64(cap(buf)) < it.Size {
		buf = make([]byte, it.Size)
	}
	return s.reader.Read(it.Offset, it.Size, buf[:cap(buf)])
}

// Prefetch announces the record at pos and returns its size.
func (s *Segment) Prefetch(pos int) uint64 {
	it := s.Get(pos)
	s.reader.Prefetch(it.Offset, it.Size)
	return it.Size
}

// IsUnused reports whether no live item is left.
func (s *Segment) IsUnused() bool {
	return s.used.Count == 0
}

// DiskSize is the size of the log file.
func (s *Segment) DiskSize() uint64 {
	size, err := s.reader.Size()
	if err != nil {
		s.cfg.Log.Warnf("can't stat segment %x: %v", s.number, err)
	}
	return size
}

// UsedSize is the total size of live records.
func (s *Segment) UsedSize() uint64 {
	return uint64(s.used.Sum)
}

// Count is the number of live items.
func (s *Segment) Count() int {
	return int(s.used.Count)
}

func (s *Segment) Stats() stats.StdDev {
	return s.used
}

func (s *Segment) Close() error {
	var err error
	if s.frozen != nil {
		err = s.frozen.Close()
	}
	if cerr := s.reader.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove closes the segment and deletes its log, directory and working
// copy files.
func (s *Segment) Remove() {
	if err := s.Close(); err != nil {
		s.cfg.Log.Warnf("closing segment %x: %v", s.number, err)
	}
	idx := s.cfg.IndexPath(s.number)
	for _, path := range []string{s.cfg.LogPath(s.number), idx, hashdir.DirtyPath(idx)} {
		if err := utils.RemoveIfExists(path); err != nil {
			s.cfg.Log.Warnf("Can't unlink unused file %s: %v", path, err)
		}
	}
}
