//go:build unix && !linux

package mmap

import "os"

// WillNeed is a no-op where posix_fadvise is unavailable.
func WillNeed(f *os.File, offset, length int64) error {
	return nil
}
