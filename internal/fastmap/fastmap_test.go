package fastmap

import (
	"math/rand"
	"testing"
)

func TestMapBasic(t *testing.T) {
	var m Map[[]byte]

	if _, ok := m.Get(1); ok {
		t.Error("expected miss on empty map")
	}
	if m.Delete(1) {
		t.Error("delete on empty map reported a hit")
	}

	m.Set(1, []byte("a"))
	m.Set(2, []byte("b"))
	m.Set(1, []byte("c"))

	if v, ok := m.Get(1); !ok || string(v) != "c" {
		t.Errorf("Get(1) = %q, %v", v, ok)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}

	// nil is a legal stored value and is distinct from a miss
	m.Set(3, nil)
	if v, ok := m.Get(3); !ok || v != nil {
		t.Errorf("Get(3) = %v, %v", v, ok)
	}

	m.Clear()
	if m.Len() != 0 {
		t.Error("Clear failed")
	}
	if _, ok := m.Get(2); ok {
		t.Error("Get after Clear should miss")
	}
}

func TestMapGrowth(t *testing.T) {
	var m Map[int]
	const n = 10000
	for i := 0; i < n; i++ {
		m.Set(uint32(i), i*10)
	}
	if m.Len() != n {
		t.Fatalf("Len = %d, want %d", m.Len(), n)
	}
	for i := 0; i < n; i++ {
		if v, ok := m.Get(uint32(i)); !ok || v != i*10 {
			t.Fatalf("Get(%d) = %d, %v", i, v, ok)
		}
	}
}

func TestMapDeleteKeepsProbeChains(t *testing.T) {
	var m Map[uint32]
	ref := make(map[uint32]uint32)
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50000; round++ {
		k := uint32(rng.Intn(2048))
		switch rng.Intn(3) {
		case 0, 1:
			m.Set(k, k+1)
			ref[k] = k + 1
		case 2:
			_, want := ref[k]
			if got := m.Delete(k); got != want {
				t.Fatalf("round %d: Delete(%d) = %v, want %v", round, k, got, want)
			}
			delete(ref, k)
		}
	}

	if m.Len() != len(ref) {
		t.Fatalf("Len = %d, want %d", m.Len(), len(ref))
	}
	for k, v := range ref {
		if got, ok := m.Get(k); !ok || got != v {
			t.Fatalf("Get(%d) = %d, %v; want %d", k, got, ok, v)
		}
	}
	seen := 0
	m.ForEach(func(k, v uint32) {
		if ref[k] != v {
			t.Fatalf("ForEach yielded %d=%d", k, v)
		}
		seen++
	})
	if seen != len(ref) || len(m.Keys()) != len(ref) {
		t.Fatalf("iteration saw %d entries, want %d", seen, len(ref))
	}
}

func BenchmarkMapSet(b *testing.B) {
	var m Map[[]byte]
	buf := make([]byte, 1)
	for i := 0; i < b.N; i++ {
		m.Set(uint32(i&0xffff), buf)
	}
}

func BenchmarkMapGet(b *testing.B) {
	var m Map[[]byte]
	for i := 0; i < 1<<16; i++ {
		m.Set(uint32(i), nil)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Get(uint32(i & 0xffff))
	}
}
