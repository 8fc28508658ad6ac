//go:build unix && !linux

package mmap

import "errors"

var errNoMremap = errors.New("mremap unsupported")

func (m *Map) mremap(int) ([]byte, error) { return nil, errNoMremap }
