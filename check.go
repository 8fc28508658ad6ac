package gmdb

import (
	"errors"
)

// CheckResult summarizes a successful Verify.
type CheckResult struct {
	Databases  int // named databases
	Items      uint64
	TreePages  uint64 // branch, leaf and large pages of all trees
	FreePages  uint64 // pages held by the free list
	TotalPages uint64 // pages in the snapshot, metas included
}

// verifier walks a snapshot marking every page it reaches.
type verifier struct {
	txn  *Txn
	seen []bool
	res  CheckResult
}

// Verify checks the structure of the snapshot of a read-only transaction:
// page headers, key order, tree statistics, and that every page is reachable
// exactly once from a tree, the free list or the metas.
func (txn *Txn) Verify() (*CheckResult, error) {
	if err := txn.checkReady(); err != nil {
		return nil, err
	}
	if !txn.readOnly {
		return nil, WrapError(ErrIncompatible, errors.New("verify needs a read-only transaction"))
	}
	v := &verifier{txn: txn, seen: make([]bool, txn.nextPgno)}
	v.res.TotalPages = uint64(txn.nextPgno)
	for i := 0; i < NumMetas; i++ {
		v.seen[i] = true
	}
	if err := v.freelist(); err != nil {
		return nil, err
	}
	main := txn.meta.main
	info := txn.env.dbiInfo(MainDBI)
	if err := v.tree("main", &main, info.cmp, info.dcmp, false); err != nil {
		return nil, err
	}
	for pg, ok := range v.seen {
		if !ok {
			return nil, corruptf("page %d is not reachable", pg)
		}
	}
	return &v.res, nil
}

func (v *verifier) mark(pg pgno, n int) error {
	if uint64(pg)+uint64(n) > uint64(len(v.seen)) {
		return corruptf("page %d+%d beyond end %d", pg, n, len(v.seen))
	}
	for i := 0; i < n; i++ {
		if v.seen[int(pg)+i] {
			return corruptf("page %d referenced twice", int(pg)+i)
		}
		v.seen[int(pg)+i] = true
	}
	return nil
}

func (v *verifier) freelist() error {
	m := &v.txn.meta
	if m.freelistPgno != invalidPgno {
		if err := v.mark(m.freelistPgno, int(m.freelistPages)); err != nil {
			return err
		}
	}
	records, err := v.txn.loadFreelist()
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.txnid > m.txnid {
			return corruptf("free list record of future txn %d", r.txnid)
		}
		for _, pg := range r.pages {
			if err := v.mark(pg, 1); err != nil {
				return err
			}
		}
		v.res.FreePages += uint64(len(r.pages))
	}
	return nil
}

// treeCount accumulates what a walk found for comparison with the record.
type treeCount struct {
	branch, leaf, large uint32
	items               uint64
	prev                []byte
}

func (v *verifier) tree(name string, t *tree, cmp, dcmp Comparer, nested bool) error {
	if t.isEmpty() {
		if t.items != 0 || t.height != 0 {
			return corruptf("%s: empty tree with %d items", name, t.items)
		}
		return nil
	}
	var tc treeCount
	if err := v.page(name, t, t.root, 1, nil, cmp, dcmp, nested, &tc); err != nil {
		return err
	}
	if tc.branch != t.branchPages || tc.leaf != t.leafPages || tc.large != t.largePages {
		return corruptf("%s: page counts %d/%d/%d, record says %d/%d/%d", name,
			tc.branch, tc.leaf, tc.large, t.branchPages, t.leafPages, t.largePages)
	}
	if tc.items != t.items {
		return corruptf("%s: %d items, record says %d", name, tc.items, t.items)
	}
	v.res.TreePages += uint64(tc.branch + tc.leaf + tc.large)
	if !nested {
		v.res.Items += tc.items
	}
	return nil
}

func (v *verifier) page(name string, t *tree, pg pgno, depth int, lo []byte, cmp, dcmp Comparer, nested bool, tc *treeCount) error {
	if depth > int(t.height) || depth > CursorStackSize {
		return corruptf("%s: page %d deeper than height %d", name, pg, t.height)
	}
	if err := v.mark(pg, 1); err != nil {
		return err
	}
	p, err := v.txn.getPage(pg)
	if err != nil {
		return err
	}
	if err := checkPage(p, pg, pageBranch|pageLeaf); err != nil {
		return err
	}
	n := p.numKeys()
	if n == 0 {
		return corruptf("%s: empty page %d", name, pg)
	}
	if p.isBranch() {
		tc.branch++
		for i := 0; i < n; i++ {
			childLo := lo
			if i > 0 {
				childLo = p.key(i)
				if i > 1 && cmp.Compare(p.key(i-1), childLo) >= 0 {
					return corruptf("%s: branch page %d out of order at %d", name, pg, i)
				}
			}
			if err := v.page(name, t, p.child(i), depth+1, childLo, cmp, dcmp, nested, tc); err != nil {
				return err
			}
		}
		return nil
	}

	if depth != int(t.height) {
		return corruptf("%s: leaf page %d at depth %d of %d", name, pg, depth, t.height)
	}
	tc.leaf++
	for i := 0; i < n; i++ {
		nd := p.node(i)
		key := nd.key()
		if lo != nil && cmp.Compare(key, lo) < 0 {
			return corruptf("%s: key on page %d below its separator", name, pg)
		}
		if tc.prev != nil && cmp.Compare(tc.prev, key) >= 0 {
			return corruptf("%s: keys out of order on page %d", name, pg)
		}
		tc.prev = key
		if nested {
			tc.items++
			continue
		}
		if err := v.node(name, nd, cmp, dcmp, tc); err != nil {
			return err
		}
	}
	return nil
}

func (v *verifier) node(name string, nd node, cmp, dcmp Comparer, tc *treeCount) error {
	switch {
	case nd.isBig():
		cnt := largePageCount(nd.dsize(), v.txn.env.pageSize)
		if err := v.mark(nd.bigPgno(), cnt); err != nil {
			return err
		}
		run, err := v.txn.getRun(nd.bigPgno(), cnt)
		if err != nil {
			return err
		}
		if !run.isLarge() || run.count() != cnt || run.pgno() != nd.bigPgno() {
			return corruptf("%s: bad large page %d", name, nd.bigPgno())
		}
		tc.large += uint32(cnt)
		tc.items++
	case nd.isDup() && nd.isTree():
		nt, err := decodeTree(nd.data())
		if err != nil {
			return err
		}
		if nt.items == 0 {
			return corruptf("%s: empty duplicate tree", name)
		}
		if err := v.tree(name, &nt, dcmp, dcmp, true); err != nil {
			return err
		}
		tc.items += nt.items
	case nd.isDup():
		sp := page(nd.data())
		if sp.flags() != pageLeaf|pageSub || len(sp) < PageHeaderSize {
			return corruptf("%s: bad duplicate sub-page", name)
		}
		vals := subPageValues(sp)
		for i := 1; i < len(vals); i++ {
			if dcmp.Compare(vals[i-1], vals[i]) >= 0 {
				return corruptf("%s: duplicates out of order", name)
			}
		}
		tc.items += uint64(len(vals))
	case nd.isTree():
		sub := string(nd.key())
		t, err := decodeTree(nd.data())
		if err != nil {
			return err
		}
		scmp, sdcmp := v.txn.env.comparers(sub, uint(t.flags))
		if err := v.tree(sub, &t, scmp, sdcmp, false); err != nil {
			return err
		}
		v.res.Databases++
		tc.items++
	default:
		tc.items++
	}
	return nil
}

// comparers returns the orders of an open handle named name, or the orders
// implied by flags.
func (e *Env) comparers(name string, flags uint) (Comparer, Comparer) {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	for i, info := range e.dbis {
		if i != int(MainDBI) && info != nil && info.name == name {
			return info.cmp, info.dcmp
		}
	}
	return defaultKeyComparer(flags), defaultDupComparer(flags)
}
