package hashdir

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/bitmap"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/mmap"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
	"go.uber.org/zap"
)

// SaveThreshold is the pending deletion count from which a frozen
// directory compacts itself.
const SaveThreshold = 1024

var errBadDirectory = fmt.Errorf("%w: broken directory file", dberr.ErrCorrupt)

// Frozen is the directory of a superseded segment. The persisted file is
// never modified; a private ".dirty" copy is mapped read-write and
// deletions are compacted into it in bulk.
//
// Deleting an item only marks its slot in the tombstone bitmap and queues
// the position. Save later removes queued positions, moving the tail of
// the array into the holes.
type Frozen struct {
	table
	log *zap.SugaredLogger

	path      string
	dirtyPath string
	file      *os.File

	tombstones *bitmap.Bitmap
	pending    []int

	list      *List
	heapIndex int
}

// DirtyPath is the working copy name for a persisted directory file.
func DirtyPath(path string) string {
	return path + ".dirty"
}

// Load maps the working copy of the directory persisted at path. A
// missing or broken working copy is recreated from path. Items whose slot
// is set in tombstones are queued for removal without reporting them; a
// nil tombstones starts a fresh bitmap.
func Load(path string, tombstones *bitmap.Bitmap, move MoveFunc, log *zap.SugaredLogger) (*Frozen, error) {
	f := &Frozen{
		log:       log,
		path:      path,
		dirtyPath: DirtyPath(path),
		heapIndex: -1,
	}
	f.move = move

	var err error
	if utils.PathExists(f.dirtyPath) {
		if err = f.openDirty(); err != nil {
			log.Warnf("can't use %s: %v", f.dirtyPath, err)
			err = f.newDirty()
		}
	} else {
		err = f.newDirty()
	}
	if err != nil {
		return nil, err
	}

	if tombstones == nil {
		tombstones = bitmap.New(f.count)
	}
	f.tombstones = tombstones

	for pos := 1; pos < f.count; pos++ {
		slot := int(getItem(f.at(pos)).Slot)
		if slot <= 0 || slot >= tombstones.Size() {
			f.Close()
			return nil, fmt.Errorf("%w: %s position %d has slot %d outside bitmap of %d",
				dberr.ErrCorrupt, path, pos, slot, tombstones.Size())
		}
		if tombstones.Get(slot) {
			f.pending = append(f.pending, pos)
		}
	}
	return f, nil
}

func verifyDirectory(buf []byte) error {
	if len(buf) < 4 || (len(buf)-4)%ItemSize != 0 {
		return fmt.Errorf("%w: size %d", errBadDirectory, len(buf))
	}
	if !verifyChecksum(buf) {
		return fmt.Errorf("%w: checksum mismatch", errBadDirectory)
	}
	return nil
}

func (f *Frozen) openDirty() error {
	file, err := os.OpenFile(f.dirtyPath, os.O_RDWR, 0)
	if err != nil {
		return dberr.IO("open "+f.dirtyPath, err)
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return dberr.IO("stat "+f.dirtyPath, err)
	}
	if st.Size() < 4 {
		file.Close()
		return fmt.Errorf("%w: size %d", errBadDirectory, st.Size())
	}

	buf, err := mmap.Map(file, int(st.Size()), true)
	if err != nil {
		file.Close()
		return dberr.IO("map "+f.dirtyPath, err)
	}
	if err := verifyDirectory(buf); err != nil {
		mmap.Unmap(buf)
		file.Close()
		return err
	}

	f.file = file
	f.items = buf
	f.count = (len(buf) - 4) / ItemSize
	return nil
}

func (f *Frozen) newDirty() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return dberr.IO("read "+f.path, err)
	}
	if err := verifyDirectory(data); err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}

	file, err := os.OpenFile(f.dirtyPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return dberr.IO("create "+f.dirtyPath, err)
	}
	if err := file.Truncate(int64(len(data))); err != nil {
		file.Close()
		return dberr.IO("truncate "+f.dirtyPath, err)
	}
	buf, err := mmap.Map(file, len(data), true)
	if err != nil {
		file.Close()
		return dberr.IO("map "+f.dirtyPath, err)
	}
	copy(buf, data)
	if err := mmap.Sync(buf, false); err != nil {
		f.log.Warnf("can't schedule writeback of %s: %v", f.dirtyPath, err)
	}

	f.file = file
	f.items = buf
	f.count = (len(data) - 4) / ItemSize
	return nil
}

// Del tombstones the item at pos and queues it for removal. The item
// stays readable at pos until the next Save.
func (f *Frozen) Del(pos int) Item {
	it := f.Get(pos)
	if f.tombstones.Get(int(it.Slot)) {
		panic(fmt.Sprintf("hashdir: %s position %d deleted twice", f.path, pos))
	}
	f.tombstones.Set(int(it.Slot))
	f.pending = append(f.pending, pos)

	if len(f.pending) >= SaveThreshold && len(f.pending) >= f.count/8 {
		if err := f.Save(); err != nil {
			f.log.Errorf("can't compact directory %s: %v", f.path, err)
		}
	}
	if f.list != nil {
		f.list.incr(f)
	}
	return it
}

// Save removes every queued position, shrinks the working copy and
// refreshes its checksum. The moves are reported through the MoveFunc.
func (f *Frozen) Save() error {
	f.log.Infof("compacting directory %s: %d pending deletions, %d positions",
		f.path, len(f.pending), f.count)

	sort.Sort(sort.Reverse(sort.IntSlice(f.pending)))
	for _, pos := range f.pending {
		f.removeAt(pos)
	}
	f.pending = nil
	if f.list != nil {
		f.list.fix(f)
	}

	size := f.count*ItemSize + 4
	if err := f.file.Truncate(int64(size)); err != nil {
		return dberr.IO("truncate "+f.dirtyPath, err)
	}
	if err := mmap.Unmap(f.items); err != nil {
		return dberr.IO("unmap "+f.dirtyPath, err)
	}
	f.items = nil
	buf, err := mmap.Map(f.file, size, true)
	if err != nil {
		return dberr.IO("map "+f.dirtyPath, err)
	}
	f.items = buf
	putChecksum(buf)

	return mmap.Sync(buf, false)
}

// SyncDirty makes the working copy durable. It reopens the file by name,
// so it is safe to call from another goroutine while the mapping changes.
func SyncDirty(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()
	return file.Sync()
}

// Len is the number of live items.
func (f *Frozen) Len() int {
	return f.count - 1 - len(f.pending)
}

// Pending is the number of deletions waiting for Save.
func (f *Frozen) Pending() int {
	return len(f.pending)
}

func (f *Frozen) Path() string {
	return f.path
}

func (f *Frozen) DirtyPath() string {
	return f.dirtyPath
}

// Tombstones is the bitmap of deleted slots, as recorded in snapshots.
func (f *Frozen) Tombstones() *bitmap.Bitmap {
	return f.tombstones
}

func (f *Frozen) live(it Item) bool {
	return !f.tombstones.Get(int(it.Slot))
}

// ForEach visits live items in position order until fn returns false.
func (f *Frozen) ForEach(fn func(pos int, it Item) bool) {
	for pos := 1; pos < f.count; pos++ {
		it := getItem(f.at(pos))
		if !f.live(it) {
			continue
		}
		if !fn(pos, it) {
			return
		}
	}
}

// Sorted returns a copy of the live items ordered by offset.
func (f *Frozen) Sorted() []Item {
	items := make([]Item, 0, f.Len())
	f.ForEach(func(_ int, it Item) bool {
		items = append(items, it)
		return true
	})
	sortByOffset(items)
	return items
}

// Close releases the mapping. Queued deletions stay recorded in the
// tombstone bitmap only.
func (f *Frozen) Close() error {
	if f.list != nil {
		f.list.Remove(f)
	}
	err := mmap.Unmap(f.items)
	f.items = nil
	if f.file != nil {
		if cerr := f.file.Close(); err == nil {
			err = cerr
		}
		f.file = nil
	}
	return err
}
