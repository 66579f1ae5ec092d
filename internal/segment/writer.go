package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
)

// Writer appends to the newest segment file. A failed append is truncated
// back so the file always ends on a record boundary it had before.
type Writer struct {
	file   *os.File
	path   string
	size   uint64
	synced uint64
}

// NewWriter opens path for appending. With create set the file must not
// exist yet.
func NewWriter(path string, create bool) (*Writer, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, dberr.IO("open "+path, err)
	}

	var size uint64
	if !create {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, dberr.IO("stat "+path, err)
		}
		size = uint64(st.Size())
	}
	return &Writer{file: f, path: path, size: size, synced: size}, nil
}

// Write appends buf and returns the offset it was written at.
func (w *Writer) Write(buf []byte) (uint64, error) {
	offset := w.size
	n, err := w.file.WriteAt(buf, int64(offset))
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(buf))
	}
	if err != nil {
		if terr := utils.TruncateAt(w.file, int64(offset)); terr != nil {
			return 0, dberr.IO("write "+w.path, fmt.Errorf("%w (truncate back failed: %v)", err, terr))
		}
		return 0, dberr.IO("write "+w.path, err)
	}
	w.size += uint64(n)
	return offset, nil
}

// Size is the file size including every successful append.
func (w *Writer) Size() uint64 {
	return w.size
}

func (w *Writer) Path() string {
	return w.path
}

// Sync makes appended data and the file's directory entry durable.
func (w *Writer) Sync() error {
	if err := w.file.Sync(); err != nil {
		return dberr.IO("sync "+w.path, err)
	}
	if err := utils.SyncDir(filepath.Dir(w.path)); err != nil {
		return dberr.IO("sync dir of "+w.path, err)
	}
	w.synced = w.size
	return nil
}

// Synced is the file size as of the last successful Sync.
func (w *Writer) Synced() uint64 {
	return w.synced
}

func (w *Writer) Close() error {
	return w.file.Close()
}
