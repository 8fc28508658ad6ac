package gmdb

import (
	"slices"
	"sort"
)

// freeRecord lists pages released by the commit of txnid.
type freeRecord struct {
	txnid uint64
	pages []pgno
}

// freelist is the allocation state of one write transaction.
//
// Committed records are pulled into avail oldest first, and only while their
// txnid is below reclaimLimit. loose pages were allocated and released inside
// the same write chain, so no snapshot can reference them. freed pages were
// reachable from the last committed meta and become a new record at commit.
type freelist struct {
	records      []freeRecord // sorted by txnid, not yet pulled
	avail        []pgno       // sorted, reusable now
	maxPulled    uint64
	loose        []pgno
	freed        []pgno
	reclaimLimit uint64
	noPull       bool
}

// clone copies the state for a nested transaction.
func (f *freelist) clone() *freelist {
	return &freelist{
		records:      f.records,
		avail:        slices.Clone(f.avail),
		maxPulled:    f.maxPulled,
		loose:        slices.Clone(f.loose),
		freed:        slices.Clone(f.freed),
		reclaimLimit: f.reclaimLimit,
	}
}

// pull moves the oldest eligible record into avail.
func (f *freelist) pull() bool {
	if f.noPull || len(f.records) == 0 || f.records[0].txnid >= f.reclaimLimit {
		return false
	}
	r := f.records[0]
	f.records = f.records[1:]
	f.avail = mergePgnos(f.avail, r.pages)
	if r.txnid > f.maxPulled {
		f.maxPulled = r.txnid
	}
	return true
}

// takeRun removes the lowest run of n contiguous pages from avail.
func (f *freelist) takeRun(n int) (pgno, bool) {
	if len(f.avail) < n {
		return 0, false
	}
	run := 1
	for i := 0; i < len(f.avail); i++ {
		if i > 0 && f.avail[i] == f.avail[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run == n {
			start := i - n + 1
			pg := f.avail[start]
			f.avail = slices.Delete(f.avail, start, i+1)
			return pg, true
		}
	}
	return 0, false
}

// total counts pages the next commit will record.
func (f *freelist) total() int {
	n := len(f.avail) + len(f.loose) + len(f.freed)
	for _, r := range f.records {
		n += len(r.pages)
	}
	return n
}

// pending returns the records to persist for a commit by txnid.
func (f *freelist) pending(txnid uint64) []freeRecord {
	out := make([]freeRecord, 0, len(f.records)+2)
	if len(f.avail)+len(f.loose) > 0 {
		left := mergePgnos(slices.Clone(f.avail), sortedPgnos(f.loose))
		out = append(out, freeRecord{txnid: f.maxPulled, pages: left})
	}
	for _, r := range f.records {
		if n := len(out); n > 0 && out[n-1].txnid == r.txnid {
			out[n-1].pages = mergePgnos(out[n-1].pages, r.pages)
			continue
		}
		out = append(out, r)
	}
	if len(f.freed) > 0 {
		fr := sortedPgnos(f.freed)
		if n := len(out); n > 0 && out[n-1].txnid == txnid {
			out[n-1].pages = mergePgnos(out[n-1].pages, fr)
		} else {
			out = append(out, freeRecord{txnid: txnid, pages: fr})
		}
	}
	return out
}

func freelistEncodedSize(records []freeRecord) int {
	n := 4
	for _, r := range records {
		n += 12 + 4*len(r.pages)
	}
	return n
}

func encodeFreelist(b []byte, records []freeRecord) {
	le.PutUint32(b[0:], uint32(len(records)))
	off := 4
	for _, r := range records {
		le.PutUint64(b[off:], r.txnid)
		le.PutUint32(b[off+8:], uint32(len(r.pages)))
		off += 12
		for _, pg := range r.pages {
			le.PutUint32(b[off:], uint32(pg))
			off += 4
		}
	}
}

func decodeFreelist(b []byte, nextPgno pgno) ([]freeRecord, error) {
	if len(b) < 4 {
		return nil, corruptf("free list truncated")
	}
	count := int(le.Uint32(b[0:]))
	off := 4
	records := make([]freeRecord, 0, count)
	var last uint64
	for i := 0; i < count; i++ {
		if off+12 > len(b) {
			return nil, corruptf("free list record %d truncated", i)
		}
		r := freeRecord{txnid: le.Uint64(b[off:])}
		n := int(le.Uint32(b[off+8:]))
		off += 12
		if off+4*n > len(b) {
			return nil, corruptf("free list record %d truncated", i)
		}
		if i > 0 && r.txnid <= last {
			return nil, corruptf("free list records out of order")
		}
		last = r.txnid
		r.pages = make([]pgno, n)
		for j := range r.pages {
			pg := pgno(le.Uint32(b[off:]))
			if pg < NumMetas || pg >= nextPgno {
				return nil, corruptf("free list page %d out of range", pg)
			}
			r.pages[j] = pg
			off += 4
		}
		records = append(records, r)
	}
	return records, nil
}

func sortedPgnos(p []pgno) []pgno {
	out := slices.Clone(p)
	slices.Sort(out)
	return out
}

// mergePgnos merges sorted b into sorted a.
func mergePgnos(a, b []pgno) []pgno {
	if len(b) == 0 {
		return a
	}
	out := make([]pgno, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// insertPgno keeps avail sorted.
func insertPgno(s []pgno, pg pgno) []pgno {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= pg })
	return slices.Insert(s, i, pg)
}
