// Package fastmap provides an open-addressing hash map keyed by page number.
// Sequential keys are spread with fibonacci hashing.
package fastmap

// Fibonacci hash constant: 2^32 / golden ratio
const fibHash32 = 2654435769

type bucket[V any] struct {
	key   uint32
	value V
	used  bool
}

// Map is a hash map from uint32 to V using linear probing.
// Deletion shifts following entries back, so no tombstones are kept.
// The zero value is ready to use.
type Map[V any] struct {
	buckets []bucket[V]
	count   int
	mask    uint32
}

func (m *Map[V]) slot(key uint32) uint32 {
	return (key * fibHash32) & m.mask
}

// Get returns the value stored for key.
func (m *Map[V]) Get(key uint32) (V, bool) {
	var zero V
	if m.count == 0 {
		return zero, false
	}
	for i := m.slot(key); ; i = (i + 1) & m.mask {
		b := &m.buckets[i]
		if !b.used {
			return zero, false
		}
		if b.key == key {
			return b.value, true
		}
	}
}

// Set stores value for key, replacing any previous value.
func (m *Map[V]) Set(key uint32, value V) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket[V], 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}
	for i := m.slot(key); ; i = (i + 1) & m.mask {
		b := &m.buckets[i]
		if !b.used {
			b.key, b.value, b.used = key, value, true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
	}
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key uint32) bool {
	if m.count == 0 {
		return false
	}
	i := m.slot(key)
	for {
		b := &m.buckets[i]
		if !b.used {
			return false
		}
		if b.key == key {
			break
		}
		i = (i + 1) & m.mask
	}
	// Backward shift: pull later entries of the probe run into the hole.
	hole := i
	for j := (hole + 1) & m.mask; m.buckets[j].used; j = (j + 1) & m.mask {
		home := m.slot(m.buckets[j].key)
		if (j-home)&m.mask >= (j-hole)&m.mask {
			m.buckets[hole] = m.buckets[j]
			hole = j
		}
	}
	m.buckets[hole] = bucket[V]{}
	m.count--
	return true
}

func (m *Map[V]) grow() {
	old := m.buckets
	m.buckets = make([]bucket[V], len(old)*2)
	m.mask = uint32(len(m.buckets) - 1)
	m.count = 0
	for i := range old {
		if old[i].used {
			m.Set(old[i].key, old[i].value)
		}
	}
}

// ForEach calls fn for every entry in unspecified order.
func (m *Map[V]) ForEach(fn func(uint32, V)) {
	for i := range m.buckets {
		if m.buckets[i].used {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Keys returns all keys in unspecified order.
func (m *Map[V]) Keys() []uint32 {
	keys := make([]uint32, 0, m.count)
	m.ForEach(func(k uint32, _ V) { keys = append(keys, k) })
	return keys
}

// Clear removes all entries but keeps the backing array.
func (m *Map[V]) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map[V]) Len() int { return m.count }
