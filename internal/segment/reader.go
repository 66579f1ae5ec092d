package segment

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/mmap"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/record"
	"go.uber.org/zap"
)

var ErrNotSet = fmt.Errorf("%w: record is not a set", dberr.ErrCorrupt)

// CorruptTailError reports a segment whose records stop decoding before
// the end of the file. Truncating the file to ValidSize keeps every
// record before the damage.
type CorruptTailError struct {
	Path      string
	ValidSize uint64
	FileSize  uint64
	Err       error
}

func (e *CorruptTailError) Error() string {
	return fmt.Sprintf("%s: corrupt record at offset %d of %d: %v", e.Path, e.ValidSize, e.FileSize, e.Err)
}

func (e *CorruptTailError) Unwrap() error {
	return e.Err
}

// ReplayFunc receives every record of a segment in file order.
type ReplayFunc func(kind record.Kind, key []byte, offset, size uint64)

// Reader reads records of one segment file.
type Reader struct {
	file *os.File
	path string
	log  *zap.SugaredLogger
}

func OpenReader(path string, log *zap.SugaredLogger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dberr.IO("open "+path, err)
	}
	return &Reader{file: f, path: path, log: log}, nil
}

// Read decodes the Set record of the given size at offset into buf, which
// must hold at least size bytes. Key and value alias buf.
func (r *Reader) Read(offset, size uint64, buf []byte) (key, value []byte, err error) {
	if uint64(len(buf)) < size {
		return nil, nil, dberr.ErrBufferTooSmall
	}
	buf = buf[:size]
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: %w", record.ErrTooShort, err)
			r.logReadError(offset, err)
			return nil, nil, err
		}
		return nil, nil, dberr.IO(fmt.Sprintf("read %s#%d", r.path, offset), err)
	}

	rec, _, err := record.Unpack(buf)
	if err != nil {
		r.logReadError(offset, err)
		return nil, nil, fmt.Errorf("%s#%d: %w", r.path, offset, err)
	}
	if rec.Kind != record.KindSet {
		r.log.Errorf("%s#%d can't read record, it's not of type SET", r.path, offset)
		return nil, nil, fmt.Errorf("%s#%d: %w", r.path, offset, ErrNotSet)
	}
	return rec.Key, rec.Value, nil
}

func (r *Reader) logReadError(offset uint64, err error) {
	switch {
	case errors.Is(err, record.ErrBadMagic):
		r.log.Errorf("%s#%d can't read data, invalid magic", r.path, offset)
	case errors.Is(err, record.ErrTooShort):
		r.log.Errorf("%s#%d can't read data, record error or file truncated", r.path, offset)
	case errors.Is(err, record.ErrChecksum):
		r.log.Errorf("%s#%d can't read data, checksum error", r.path, offset)
	default:
		r.log.Errorf("%s#%d can't read data: %v", r.path, offset, err)
	}
}

// Replay maps the file and hands every record to fn. On the first record
// that fails to decode it returns a *CorruptTailError.
func (r *Reader) Replay(fn ReplayFunc) error {
	size, err := r.Size()
	if err != nil {
		return err
	}
	buf, err := mmap.Map(r.file, int(size), false)
	if err != nil {
		return dberr.IO("map "+r.path, err)
	}
	defer mmap.Unmap(buf)
	mmap.Sequential(buf)

	var offset uint64
	for offset < size {
		rec, n, err := record.Unpack(buf[offset:])
		if err != nil {
			r.logReadError(offset, err)
			lost := float64(size-offset) / (1024 * 1024)
			r.log.Errorf("In order to continue you may want to truncate the segment file %s to %d bytes. "+
				"In such case you will lose %.1f MB of data.", r.path, offset, lost)
			return &CorruptTailError{Path: r.path, ValidSize: offset, FileSize: size, Err: err}
		}
		fn(rec.Kind, rec.Key, offset, uint64(n))
		offset += uint64(n)
	}
	return nil
}

// Prefetch asks the kernel to read the range ahead of use.
func (r *Reader) Prefetch(offset, size uint64) {
	if err := mmap.WillNeed(r.file, int64(offset), int64(size)); err != nil {
		r.log.Debugf("prefetch %s#%d: %v", r.path, offset, err)
	}
}

// Size is the current length of the file.
func (r *Reader) Size() (uint64, error) {
	st, err := r.file.Stat()
	if err != nil {
		return 0, dberr.IO("stat "+r.path, err)
	}
	return uint64(st.Size()), nil
}

func (r *Reader) Path() string {
	return r.path
}

func (r *Reader) Close() error {
	return r.file.Close()
}
