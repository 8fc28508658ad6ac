//go:build unix

// Package mmap wraps shared file mappings used for the data file, the lock
// file and the spill arena.
package mmap

import (
	"golang.org/x/sys/unix"
)

// Map is a shared mapping of a file region starting at offset 0.
// The mapping may be larger than the file; touching bytes past EOF faults.
type Map struct {
	data     []byte
	fd       int
	writable bool
}

// Error is returned for mapping failures.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
)

func prot(writable bool) int {
	if writable {
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_READ
}

// New maps length bytes of fd.
func New(fd int, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}
	data, err := unix.Mmap(fd, 0, length, prot(writable), unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}
	return &Map{data: data, fd: fd, writable: writable}, nil
}

// Data returns the mapped bytes. The slice is invalidated by Remap and Close.
func (m *Map) Data() []byte { return m.data }

// Len returns the mapped length.
func (m *Map) Len() int { return len(m.data) }

// Writable reports whether the mapping allows stores.
func (m *Map) Writable() bool { return m.writable }

// Remap changes the mapped length. The base address may move.
func (m *Map) Remap(length int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if length <= 0 {
		return ErrInvalidSize
	}
	if length == len(m.data) {
		return nil
	}
	if data, err := m.mremap(length); err == nil {
		m.data = data
		return nil
	}
	if err := unix.Munmap(m.data); err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	m.data = nil
	data, err := unix.Mmap(m.fd, 0, length, prot(m.writable), unix.MAP_SHARED)
	if err != nil {
		return &Error{Op: "remap", Err: err}
	}
	m.data = data
	return nil
}

// Sync flushes the whole mapping.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// SyncRange flushes [off, off+n). off is rounded down to the OS page.
func (m *Map) SyncRange(off, n int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if off < 0 || n < 0 || off+n > len(m.data) {
		return ErrInvalidRange
	}
	ps := unix.Getpagesize()
	start := off - off%ps
	return unix.Msync(m.data[start:off+n], unix.MS_SYNC)
}

// AdviseRandom disables kernel read-ahead for the mapping.
func (m *Map) AdviseRandom() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, unix.MADV_RANDOM)
}

// Close unmaps the region. It does not close the descriptor.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
