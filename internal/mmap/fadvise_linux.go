package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// WillNeed asks the kernel to start reading the given file range.
func WillNeed(f *os.File, offset, length int64) error {
	return unix.Fadvise(int(f.Fd()), offset, length, unix.FADV_WILLNEED)
}
