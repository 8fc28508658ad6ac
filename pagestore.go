package gmdb

import (
	"slices"
)

// lookupDirty searches the write chain for a dirty copy of pg. A nil buffer
// with ok set is a tombstone: the page was released inside the chain.
func (txn *Txn) lookupDirty(pg pgno) ([]byte, bool) {
	for t := txn; t != nil; t = t.parent {
		if buf, ok := t.dirty.Get(uint32(pg)); ok {
			return buf, true
		}
	}
	return nil, false
}

// ancestorDirty reports whether a strict ancestor holds a live copy of pg.
func (txn *Txn) ancestorDirty(pg pgno) bool {
	if txn.parent == nil {
		return false
	}
	buf, ok := txn.parent.lookupDirty(pg)
	return ok && buf != nil
}

// getPage returns one page as seen by this transaction.
func (txn *Txn) getPage(pg pgno) (page, error) {
	return txn.getRun(pg, 1)
}

// getRun returns n contiguous pages starting at pg.
func (txn *Txn) getRun(pg pgno, n int) (page, error) {
	if !txn.readOnly {
		if buf, ok := txn.lookupDirty(pg); ok {
			if buf == nil {
				return nil, corruptf("page %d used after release", pg)
			}
			return page(buf), nil
		}
	}
	if uint64(pg)+uint64(n) > uint64(txn.nextPgno) {
		return nil, WrapError(ErrPageNotFound, corruptf("page %d beyond end %d", pg, txn.nextPgno))
	}
	ps := txn.env.pageSize
	off := int(pg) * ps
	end := off + n*ps
	if end > len(txn.data) {
		return nil, NewError(ErrPageNotFound)
	}
	return page(txn.data[off:end:end]), nil
}

// newBuf returns a zeroed buffer for a dirty page run.
func (txn *Txn) newBuf(size int) ([]byte, error) {
	if a := txn.env.spill; a != nil && size == txn.env.pageSize {
		buf, slot, err := a.Alloc()
		if err == nil {
			txn.spillSlots = append(txn.spillSlots, slot)
			return buf, nil
		}
		txn.env.logger.Warnf("spill arena: %v, using heap", err)
	}
	return make([]byte, size), nil
}

// allocate reserves n contiguous page numbers: a loose page, then the lowest
// reclaimed run, then the end of the file.
func (txn *Txn) allocate(n int) (pgno, error) {
	fl := txn.fl
	if n == 1 && len(fl.loose) > 0 {
		pg := fl.loose[len(fl.loose)-1]
		fl.loose = fl.loose[:len(fl.loose)-1]
		return pg, nil
	}
	for {
		if pg, ok := fl.takeRun(n); ok {
			return pg, nil
		}
		if !fl.pull() {
			break
		}
	}
	if uint64(txn.nextPgno)+uint64(n) > txn.maxPgno {
		return 0, NewError(ErrMapFull)
	}
	pg := txn.nextPgno
	txn.nextPgno += pgno(n)
	return pg, nil
}

// allocPage allocates and formats a fresh branch or leaf page.
func (txn *Txn) allocPage(flags pageFlags) (page, pgno, error) {
	pg, err := txn.allocate(1)
	if err != nil {
		return nil, 0, err
	}
	buf, err := txn.newBuf(txn.env.pageSize)
	if err != nil {
		return nil, 0, err
	}
	p := initPage(buf, pg, flags, txn.id)
	txn.dirty.Set(uint32(pg), buf)
	return p, pg, nil
}

// allocLarge allocates a run holding a value of size bytes.
func (txn *Txn) allocLarge(size int) (page, pgno, int, error) {
	cnt := largePageCount(size, txn.env.pageSize)
	pg, err := txn.allocate(cnt)
	if err != nil {
		return nil, 0, 0, err
	}
	buf, err := txn.newBuf(cnt * txn.env.pageSize)
	if err != nil {
		return nil, 0, 0, err
	}
	p := initPage(buf, pg, pageLarge, txn.id)
	p.setCount(cnt)
	txn.dirty.Set(uint32(pg), buf)
	return p, pg, cnt, nil
}

// touch makes pg writable. A page dirty in this transaction is returned as is,
// a page dirty in an ancestor is copied under the same number, and a clean
// page is copied to a newly allocated number while the old one is released.
func (txn *Txn) touch(pg pgno) (page, pgno, error) {
	if buf, ok := txn.dirty.Get(uint32(pg)); ok {
		if buf == nil {
			return nil, 0, corruptf("page %d touched after release", pg)
		}
		return page(buf), pg, nil
	}
	if txn.parent != nil {
		if src, ok := txn.parent.lookupDirty(pg); ok {
			if src == nil {
				return nil, 0, corruptf("page %d touched after release", pg)
			}
			buf, err := txn.newBuf(len(src))
			if err != nil {
				return nil, 0, err
			}
			copy(buf, src)
			txn.dirty.Set(uint32(pg), buf)
			return page(buf), pg, nil
		}
	}
	src, err := txn.getPage(pg)
	if err != nil {
		return nil, 0, err
	}
	npg, err := txn.allocate(1)
	if err != nil {
		return nil, 0, err
	}
	buf, err := txn.newBuf(txn.env.pageSize)
	if err != nil {
		return nil, 0, err
	}
	copy(buf, src)
	p := page(buf)
	p.setPgno(npg)
	p.setTxnid(txn.id)
	txn.dirty.Set(uint32(npg), buf)
	txn.fl.freed = append(txn.fl.freed, pg)
	return p, npg, nil
}

// freeRun releases n pages starting at pg. Pages allocated inside the write
// chain become loose at once; committed pages wait for the free list.
func (txn *Txn) freeRun(pg pgno, n int) {
	if buf, ok := txn.lookupDirty(pg); ok && buf != nil {
		if txn.ancestorDirty(pg) {
			txn.dirty.Set(uint32(pg), nil)
		} else {
			txn.dirty.Delete(uint32(pg))
		}
		for i := 0; i < n; i++ {
			txn.fl.loose = append(txn.fl.loose, pg+pgno(i))
		}
		return
	}
	for i := 0; i < n; i++ {
		txn.fl.freed = append(txn.fl.freed, pg+pgno(i))
	}
}

func (txn *Txn) freePage(pg pgno) { txn.freeRun(pg, 1) }

// loadFreelist reads the committed free list of the snapshot.
func (txn *Txn) loadFreelist() ([]freeRecord, error) {
	m := &txn.meta
	if m.freelistPgno == invalidPgno || m.freelistPages == 0 {
		return nil, nil
	}
	p, err := txn.getRun(m.freelistPgno, int(m.freelistPages))
	if err != nil {
		return nil, err
	}
	if p.flags()&pageFreeList == 0 || p.count() != int(m.freelistPages) {
		return nil, corruptf("free list page %d: bad header", m.freelistPgno)
	}
	return decodeFreelist(p[PageHeaderSize:], txn.meta.nextPgno)
}

// saveFreelist persists the allocation state for the commit. Allocation
// here never pulls new records, so the encoded size cannot grow after the
// pages are reserved.
func (txn *Txn) saveFreelist() error {
	fl := txn.fl
	m := &txn.meta
	if m.freelistPgno != invalidPgno {
		for i := 0; i < int(m.freelistPages); i++ {
			fl.freed = append(fl.freed, m.freelistPgno+pgno(i))
		}
	}
	m.freelistPgno, m.freelistPages = invalidPgno, 0
	fl.noPull = true
	if fl.total() == 0 {
		return nil
	}
	ps := txn.env.pageSize
	size := PageHeaderSize + freelistEncodedSize(fl.pending(txn.id))
	cnt := (size + ps - 1) / ps
	pg, err := txn.allocate(cnt)
	if err != nil {
		return err
	}
	buf, err := txn.newBuf(cnt * ps)
	if err != nil {
		return err
	}
	p := initPage(buf, pg, pageFreeList, txn.id)
	p.setCount(cnt)
	encodeFreelist(buf[PageHeaderSize:], fl.pending(txn.id))
	txn.dirty.Set(uint32(pg), buf)
	m.freelistPgno, m.freelistPages = pg, uint32(cnt)
	return nil
}

// mergeInto folds a committed child's dirty pages into its parent.
func (txn *Txn) mergeInto(parent *Txn) {
	txn.dirty.ForEach(func(k uint32, buf []byte) {
		if buf == nil && !parent.ancestorDirty(pgno(k)) {
			parent.dirty.Delete(k)
			return
		}
		parent.dirty.Set(k, buf)
	})
	parent.spillSlots = append(parent.spillSlots, txn.spillSlots...)
	txn.spillSlots = nil
}

// dirtyPgnos lists the live dirty pages in file order.
func (txn *Txn) dirtyPgnos() []pgno {
	out := make([]pgno, 0, txn.dirty.Len())
	txn.dirty.ForEach(func(k uint32, buf []byte) {
		if buf != nil {
			out = append(out, pgno(k))
		}
	})
	slices.Sort(out)
	return out
}

// releaseSpill returns spill slots of this transaction to the arena.
func (txn *Txn) releaseSpill() {
	if len(txn.spillSlots) > 0 && txn.env.spill != nil {
		txn.env.spill.Release(txn.spillSlots...)
	}
	txn.spillSlots = nil
}
