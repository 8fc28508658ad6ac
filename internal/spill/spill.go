//go:build unix

// Package spill is a file-backed arena of page-sized buffers. A write
// transaction can carve its dirty pages from it instead of the Go heap.
package spill

import (
	"errors"
	"os"
	"strconv"
	"sync"

	"github.com/Giulio2002/gmdb/internal/mmap"
)

const (
	// DefaultSegmentPages is the number of page slots per segment file.
	DefaultSegmentPages = 1024
	// MaxSegments bounds the number of segment files.
	MaxSegments = 256
)

// ErrFull is returned once MaxSegments segments are all in use.
var ErrFull = errors.New("spill: arena full")

type segment struct {
	file *os.File
	m    *mmap.Map
	path string
	bits *bitmap
}

// Slot identifies a buffer handed out by Alloc.
type Slot struct {
	seg  uint16
	slot uint32
}

// Arena hands out page-sized slices backed by mapped segment files.
// Slices stay valid until their slot is released or the arena closes.
type Arena struct {
	mu       sync.Mutex
	base     string
	pageSize int
	segPages uint32
	segs     []*segment
	cur      int
	inUse    int
}

// New creates an arena whose segment files start at path.
func New(path string, pageSize int, segPages uint32) (*Arena, error) {
	if segPages == 0 {
		segPages = DefaultSegmentPages
	}
	a := &Arena{base: path, pageSize: pageSize, segPages: segPages}
	if err := a.grow(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) grow() error {
	if len(a.segs) >= MaxSegments {
		return ErrFull
	}
	path := a.base
	if n := len(a.segs); n > 0 {
		path += "." + strconv.Itoa(n)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	size := int(a.segPages) * a.pageSize
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	m, err := mmap.New(int(f.Fd()), size, true)
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	a.segs = append(a.segs, &segment{file: f, m: m, path: path, bits: newBitmap(a.segPages)})
	a.cur = len(a.segs) - 1
	return nil
}

// Alloc returns a zeroed page buffer and its slot.
func (a *Arena) Alloc() ([]byte, Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		for a.cur < len(a.segs) {
			seg := a.segs[a.cur]
			if i, ok := seg.bits.take(); ok {
				a.inUse++
				off := int(i) * a.pageSize
				buf := seg.m.Data()[off : off+a.pageSize : off+a.pageSize]
				clear(buf)
				return buf, Slot{seg: uint16(a.cur), slot: i}, nil
			}
			a.cur++
		}
		if err := a.grow(); err != nil {
			return nil, Slot{}, err
		}
	}
}

// Release returns slots to the arena.
func (a *Arena) Release(slots ...Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range slots {
		if int(s.seg) >= len(a.segs) {
			continue
		}
		seg := a.segs[s.seg]
		if !seg.bits.used(s.slot) {
			continue
		}
		seg.bits.release(s.slot)
		a.inUse--
		if int(s.seg) < a.cur {
			a.cur = int(s.seg)
		}
	}
}

// InUse returns the number of slots currently handed out.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Capacity returns the number of slots across all segments.
func (a *Arena) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segs) * int(a.segPages)
}

// PageSize returns the slot size.
func (a *Arena) PageSize() int { return a.pageSize }

// Close unmaps every segment and removes the segment files.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for _, seg := range a.segs {
		for _, err := range []error{seg.m.Close(), seg.file.Close(), os.Remove(seg.path)} {
			if err != nil && first == nil {
				first = err
			}
		}
	}
	a.segs = nil
	return first
}
