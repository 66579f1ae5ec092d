package hashdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/record"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
)

const initialPositions = 128

// Active is the growable in-memory directory of the newest segment.
type Active struct {
	table
}

func NewActive(move MoveFunc) *Active {
	return &Active{table{
		items: make([]byte, initialPositions*ItemSize),
		count: 1,
		move:  move,
	}}
}

// Add appends an item and returns its position.
func (a *Active) Add(it Item) int {
	if a.count >= MaxPositions {
		panic("hashdir: directory is full")
	}
	if (a.count+1)*ItemSize > len(a.items) {
		grown := make([]byte, 2*len(a.items))
		copy(grown, a.items)
		a.items = grown
	}
	pos := a.count
	a.count++
	putItem(a.at(pos), it)
	return pos
}

// Del removes the item at pos. The last item takes its place.
func (a *Active) Del(pos int) Item {
	return a.removeAt(pos)
}

// Len is the number of live items.
func (a *Active) Len() int {
	return a.count - 1
}

// ForEach visits live items in position order until fn returns false.
func (a *Active) ForEach(fn func(pos int, it Item) bool) {
	for pos := 1; pos < a.count; pos++ {
		if !fn(pos, getItem(a.at(pos))) {
			return
		}
	}
}

// Sorted returns a copy of the live items ordered by offset.
func (a *Active) Sorted() []Item {
	items := make([]Item, 0, a.Len())
	a.ForEach(func(_ int, it Item) bool {
		items = append(items, it)
		return true
	})
	sortByOffset(items)
	return items
}

// Freeze stamps every item with its position as tombstone slot and
// persists the array with a checksum trailer to path.
func (a *Active) Freeze(path string) (err error) {
	for pos := 1; pos < a.count; pos++ {
		it := getItem(a.at(pos))
		it.Slot = uint32(pos)
		putItem(a.at(pos), it)
	}

	tmp := path + ".new"
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("freeze %s: %w", path, err)
	}

	payload := a.payload()
	buf := make([]byte, len(payload)+4)
	copy(buf, payload)
	putChecksum(buf)

	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("freeze %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("freeze %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("freeze %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("freeze %s: %w", path, err)
	}
	return utils.SyncDir(filepath.Dir(path))
}

func sortByOffset(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Offset < items[j].Offset })
}

// putChecksum writes the Adler-32 of buf[:len-4] into the last 4 bytes.
func putChecksum(buf []byte) {
	n := len(buf) - 4
	sum := record.Checksum(buf[:n])
	buf[n] = byte(sum)
	buf[n+1] = byte(sum >> 8)
	buf[n+2] = byte(sum >> 16)
	buf[n+3] = byte(sum >> 24)
}

func verifyChecksum(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	n := len(buf) - 4
	sum := uint32(buf[n]) | uint32(buf[n+1])<<8 | uint32(buf[n+2])<<16 | uint32(buf[n+3])<<24
	return record.ValidateChecksum(buf[:n], sum)
}
