package gmdb

import (
	"bytes"
	"cmp"
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Comparer defines a total order over keys or duplicate values.
// It is passed per database at OpenDBI and kept with the handle.
type Comparer interface {
	// Compare returns a negative number when a < b, zero when equal and a
	// positive number when a > b.
	Compare(a, b []byte) int
	// Name identifies the order, for diagnostics.
	Name() string
}

// CmpFunc is a comparison function for keys or values.
type CmpFunc = func(a, b []byte) int

// CompareFunc adapts a plain function to Comparer.
func CompareFunc(name string, fn CmpFunc) Comparer {
	return funcComparer{name: name, fn: fn}
}

type funcComparer struct {
	name string
	fn   CmpFunc
}

func (c funcComparer) Compare(a, b []byte) int { return c.fn(a, b) }
func (c funcComparer) Name() string            { return c.name }

type bitwise struct{}

func (bitwise) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bitwise) Name() string            { return "bitwise" }

type reverseBitwise struct{}

// Compare orders by bytes read from the end.
func (reverseBitwise) Compare(a, b []byte) int {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		if a[i] != b[j] {
			return cmp.Compare(a[i], b[j])
		}
		i--
		j--
	}
	return cmp.Compare(len(a), len(b))
}
func (reverseBitwise) Name() string { return "reverse-bitwise" }

type stringCmp struct{}

func (stringCmp) Compare(a, b []byte) int { return cmp.Compare(string(a), string(b)) }
func (stringCmp) Name() string            { return "string" }

type integer struct{}

// Compare treats 4 or 8 byte values as native unsigned integers. Values of
// other sizes fall back to length then bytes.
func (integer) Compare(a, b []byte) int {
	if len(a) == len(b) {
		switch len(a) {
		case 4:
			return cmp.Compare(binary.NativeEndian.Uint32(a), binary.NativeEndian.Uint32(b))
		case 8:
			return cmp.Compare(binary.NativeEndian.Uint64(a), binary.NativeEndian.Uint64(b))
		}
	}
	return lengthCmp{}.Compare(a, b)
}
func (integer) Name() string { return "integer" }

type lengthCmp struct{}

func (lengthCmp) Compare(a, b []byte) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return bytes.Compare(a, b)
}
func (lengthCmp) Name() string { return "length" }

type lengthOnly struct{}

// Compare considers only the length; values of equal length are equal.
func (lengthOnly) Compare(a, b []byte) int { return cmp.Compare(len(a), len(b)) }
func (lengthOnly) Name() string            { return "length-only" }

type hashCmp struct{}

// Compare orders by XXH3 hash, ties broken bytewise so distinct keys never
// compare equal.
func (hashCmp) Compare(a, b []byte) int {
	if c := cmp.Compare(xxh3.Hash(a), xxh3.Hash(b)); c != 0 {
		return c
	}
	return bytes.Compare(a, b)
}
func (hashCmp) Name() string { return "hash" }

type reversed struct{ c Comparer }

func (r reversed) Compare(a, b []byte) int { return r.c.Compare(b, a) }
func (r reversed) Name() string            { return "reverse-" + r.c.Name() }

// Built-in comparers.
var (
	BitwiseComparer           Comparer = bitwise{}
	ReverseBitwiseComparer    Comparer = reverseBitwise{}
	StringComparer            Comparer = stringCmp{}
	ReverseStringComparer     Comparer = reversed{stringCmp{}}
	IntegerComparer           Comparer = integer{}
	ReverseIntegerComparer    Comparer = reversed{integer{}}
	LengthComparer            Comparer = lengthCmp{}
	ReverseLengthComparer     Comparer = reversed{lengthCmp{}}
	LengthOnlyComparer        Comparer = lengthOnly{}
	ReverseLengthOnlyComparer Comparer = reversed{lengthOnly{}}
	HashComparer              Comparer = hashCmp{}
	ReverseHashComparer       Comparer = reversed{hashCmp{}}
)

// defaultKeyComparer picks the key order implied by database flags.
func defaultKeyComparer(flags uint) Comparer {
	switch {
	case flags&IntegerKey != 0:
		return IntegerComparer
	case flags&ReverseKey != 0:
		return ReverseBitwiseComparer
	}
	return BitwiseComparer
}

// defaultDupComparer picks the duplicate order implied by database flags.
func defaultDupComparer(flags uint) Comparer {
	switch {
	case flags&IntegerDup != 0:
		return IntegerComparer
	case flags&ReverseDup != 0:
		return ReverseBitwiseComparer
	}
	return BitwiseComparer
}
