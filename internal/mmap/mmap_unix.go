//go:build unix

// Package mmap wraps the memory mapping calls the storage layers need.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map maps the first size bytes of f. A writable mapping is shared, so
// stores reach the file.
func Map(f *os.File, size int, writable bool) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return b, nil
}

// Unmap releases a mapping returned by Map. Unmapping nil is a no-op.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Sync flushes a shared mapping. With wait unset the kernel only
// schedules the writeback.
func Sync(b []byte, wait bool) error {
	if len(b) == 0 {
		return nil
	}
	flags := unix.MS_ASYNC
	if wait {
		flags = unix.MS_SYNC
	}
	if err := unix.Msync(b, flags); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Sequential hints that the mapping will be read front to back.
func Sequential(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Madvise(b, unix.MADV_SEQUENTIAL)
}
