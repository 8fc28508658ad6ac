//go:build linux

package mmap

import "golang.org/x/sys/unix"

func (m *Map) mremap(length int) ([]byte, error) {
	return unix.Mremap(m.data, length, unix.MREMAP_MAYMOVE)
}
