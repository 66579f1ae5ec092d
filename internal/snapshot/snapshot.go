// Package snapshot reads and writes the list of frozen segments together
// with their tombstone bitmaps, so a restart can open them without
// replaying their logs.
//
// The file is a sequence of entries, each a little-endian header
// {magic u32, adler32 u32, number u64, bitmap length u32} followed by the
// serialized bitmap. It ends at EOF.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/bitmap"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
)

const (
	FileName = "snapshot.bin"

	magic      = 0x57A78A61
	headerSize = 20
)

var (
	ErrBadMagic = fmt.Errorf("%w: snapshot entry has bad magic", dberr.ErrCorrupt)
	ErrChecksum = fmt.Errorf("%w: snapshot entry checksum mismatch", dberr.ErrCorrupt)
	ErrTooShort = fmt.Errorf("%w: snapshot file too short", dberr.ErrCorrupt)
)

// Entry is one frozen segment.
type Entry struct {
	Number     uint64
	Tombstones *bitmap.Bitmap
}

// Writer builds a new snapshot next to the current one. Nothing is
// visible until Commit.
type Writer struct {
	file *os.File
	path string
	tmp  string
}

// Create starts a snapshot in dir.
func Create(dir string) (*Writer, error) {
	path := filepath.Join(dir, FileName)
	tmp := path + ".new"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, dberr.IO("create "+tmp, err)
	}
	return &Writer{file: f, path: path, tmp: tmp}, nil
}

func (w *Writer) Write(number uint64, tombstones *bitmap.Bitmap) error {
	bm := tombstones.Bytes()
	buf := make([]byte, headerSize+len(bm))
	binary.LittleEndian.PutUint32(buf[0:], magic)
	binary.LittleEndian.PutUint32(buf[4:], adler32.Checksum(bm))
	binary.LittleEndian.PutUint64(buf[8:], number)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(bm)))
	copy(buf[headerSize:], bm)

	if _, err := w.file.Write(buf); err != nil {
		return dberr.IO("write "+w.tmp, err)
	}
	return nil
}

// Commit makes the snapshot durable and moves it into place. The previous
// snapshot is kept with a ".bak" suffix.
func (w *Writer) Commit() error {
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return dberr.IO("sync "+w.tmp, err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmp)
		return dberr.IO("close "+w.tmp, err)
	}
	if err := utils.RenameWithBackup(w.tmp, w.path, w.path+".bak"); err != nil {
		return dberr.IO("rename "+w.tmp, err)
	}
	return nil
}

// Abort drops the unfinished snapshot.
func (w *Writer) Abort() {
	w.file.Close()
	os.Remove(w.tmp)
}

// Reader walks the entries of a snapshot file.
type Reader struct {
	path string
	buf  []byte
}

// Open loads the snapshot in dir. A missing snapshot returns an error
// matching os.ErrNotExist.
func Open(dir string) (*Reader, error) {
	path := filepath.Join(dir, FileName)
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, dberr.IO("read "+path, err)
	}
	return &Reader{path: path, buf: buf}, nil
}

func (r *Reader) Path() string {
	return r.path
}

// Next returns the following entry, or io.EOF after the last one.
func (r *Reader) Next() (Entry, error) {
	if len(r.buf) == 0 {
		return Entry{}, io.EOF
	}
	if len(r.buf) < headerSize {
		return Entry{}, ErrTooShort
	}
	if binary.LittleEndian.Uint32(r.buf[0:]) != magic {
		return Entry{}, ErrBadMagic
	}
	sum := binary.LittleEndian.Uint32(r.buf[4:])
	number := binary.LittleEndian.Uint64(r.buf[8:])
	size := int(binary.LittleEndian.Uint32(r.buf[16:]))
	if len(r.buf)-headerSize < size {
		return Entry{}, ErrTooShort
	}
	bm := r.buf[headerSize : headerSize+size]
	if adler32.Checksum(bm) != sum {
		return Entry{}, ErrChecksum
	}
	tombstones, err := bitmap.FromBytes(bm)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", dberr.ErrCorrupt, err)
	}
	r.buf = r.buf[headerSize+size:]
	return Entry{Number: number, Tombstones: tombstones}, nil
}
