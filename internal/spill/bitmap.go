package spill

import "math/bits"

// bitmap tracks slot occupancy, one bit per slot.
type bitmap struct {
	words []uint64
	n     uint32
	hint  uint32
}

func newBitmap(n uint32) *bitmap {
	return &bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// take marks and returns the lowest free slot at or after the hint.
func (b *bitmap) take() (uint32, bool) {
	nw := uint32(len(b.words))
	for i := uint32(0); i < nw; i++ {
		w := (b.hint/64 + i) % nw
		if b.words[w] == ^uint64(0) {
			continue
		}
		bit := uint32(bits.TrailingZeros64(^b.words[w]))
		slot := w*64 + bit
		if slot >= b.n {
			continue
		}
		b.words[w] |= 1 << bit
		b.hint = slot + 1
		return slot, true
	}
	return 0, false
}

func (b *bitmap) release(slot uint32) {
	if slot >= b.n {
		return
	}
	b.words[slot/64] &^= 1 << (slot % 64)
	if slot < b.hint {
		b.hint = slot
	}
}

func (b *bitmap) used(slot uint32) bool {
	return slot < b.n && b.words[slot/64]&(1<<(slot%64)) != 0
}

func (b *bitmap) count() uint32 {
	var c uint32
	for _, w := range b.words {
		c += uint32(bits.OnesCount64(w))
	}
	return c
}
