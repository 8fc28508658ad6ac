package gmdb

import (
	"slices"
)

// dupKind is how the values of one key are stored in a DupSort database.
type dupKind uint8

const (
	dupSingle dupKind = iota // plain node, one value
	dupSub                   // inline sub-page
	dupTree                  // nested tree
)

func nodeDupKind(n node) dupKind {
	switch {
	case !n.isDup():
		return dupSingle
	case n.isTree():
		return dupTree
	}
	return dupSub
}

// dupValues copies every value stored in a sub-page or single node.
func dupValues(n node) [][]byte {
	if !n.isDup() {
		return [][]byte{slices.Clone(n.data())}
	}
	vals := subPageValues(page(n.data()))
	for i, v := range vals {
		vals[i] = slices.Clone(v)
	}
	return vals
}

// searchValues finds the first value >= v.
func searchValues(vals [][]byte, v []byte, dcmp Comparer) (int, bool) {
	lo, hi := 0, len(vals)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if dcmp.Compare(vals[mid], v) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(vals) && dcmp.Compare(vals[lo], v) == 0
}

// dupNode builds the node holding vals for key: a plain node for one
// value, a sub-page while it fits, a nested tree beyond that.
func (txn *Txn) dupNode(key []byte, vals [][]byte, dcmp Comparer) ([]byte, error) {
	if len(vals) == 1 {
		return leafNode(key, vals[0], 0, len(vals[0])), nil
	}
	if sz := subPageSize(vals); leafNodeSize(len(key), sz) <= maxNodeSize(txn.env.pageSize) {
		sp := buildSubPage(vals)
		return leafNode(key, sp, nodeDup, len(sp)), nil
	}
	nt := emptyTree(0)
	sub := newTreeCursor(txn, &nt, dcmp)
	for _, v := range vals {
		if err := sub.appendKey(v); err != nil {
			return nil, err
		}
	}
	nt.items = uint64(len(vals))
	return leafNode(key, nt.bytes(), nodeDup|nodeTree, TreeRecordSize), nil
}

// appendKey adds a key-only node after every existing key.
func (c *treeCursor) appendKey(k []byte) error {
	raw := leafNode(k, nil, 0, 0)
	if c.tree.isEmpty() {
		if err := c.initRoot(); err != nil {
			return err
		}
		return c.insertAt(0, 0, raw, true)
	}
	if _, err := c.last(); err != nil {
		return err
	}
	if err := c.touch(); err != nil {
		return err
	}
	f := c.leaf()
	return c.insertAt(len(c.stack)-1, f.idx+1, raw, true)
}

// insertKey adds a key-only node in order. It reports false when the key
// already exists.
func (c *treeCursor) insertKey(k []byte, appendMode bool) (bool, error) {
	exact, err := c.seek(k)
	if err != nil || exact {
		return false, err
	}
	if c.tree.isEmpty() {
		if err := c.initRoot(); err != nil {
			return false, err
		}
	} else if err := c.touch(); err != nil {
		return false, err
	}
	f := c.leaf()
	return true, c.insertAt(len(c.stack)-1, f.idx, leafNode(k, nil, 0, 0), appendMode)
}

// countDups returns the number of values held by a leaf node.
func countDups(n node) (uint64, error) {
	switch nodeDupKind(n) {
	case dupSub:
		return uint64(page(n.data()).numKeys()), nil
	case dupTree:
		nt, err := decodeTree(n.data())
		return nt.items, err
	}
	return 1, nil
}

// putDup adds val to the values of key in a DupSort database.
func (txn *Txn) putDup(s *dbSlot, key, val []byte, flags uint) error {
	tc := newTreeCursor(txn, &s.tree, s.info.cmp)
	dcmp := s.info.dcmp
	var exact bool
	if flags&Append != 0 {
		ok, err := tc.last()
		if err != nil {
			return err
		}
		if ok {
			c := s.info.cmp.Compare(key, tc.key())
			if c < 0 {
				return NewError(ErrKeyExist)
			}
			exact = c == 0
			if !exact {
				tc.leaf().idx++
			}
		}
	} else {
		var err error
		if exact, err = tc.seek(key); err != nil {
			return err
		}
	}
	if !exact {
		raw := leafNode(key, val, 0, len(val))
		if err := txn.insertLeaf(tc, raw, flags&Append != 0); err != nil {
			return err
		}
		s.tree.items++
		return nil
	}
	if flags&NoOverwrite != 0 {
		return NewError(ErrKeyExist)
	}
	n := tc.node()
	if n.isTree() && !n.isDup() {
		return NewError(ErrIncompatible)
	}
	if nodeDupKind(n) == dupTree {
		return txn.putNested(s, tc, val, flags)
	}

	vals := dupValues(n)
	i, found := searchValues(vals, val, dcmp)
	if found {
		if flags&NoDupData != 0 {
			return NewError(ErrKeyExist)
		}
		return nil
	}
	if flags&AppendDup != 0 && i != len(vals) {
		return NewError(ErrKeyExist)
	}
	vals = slices.Insert(vals, i, slices.Clone(val))
	raw, err := txn.dupNode(key, vals, dcmp)
	if err != nil {
		return err
	}
	if err := tc.touch(); err != nil {
		return err
	}
	if err := tc.replace(raw); err != nil {
		return err
	}
	s.tree.items++
	return nil
}

// putNested inserts into the nested tree under the current node and writes
// the updated record back in place.
func (txn *Txn) putNested(s *dbSlot, tc *treeCursor, val []byte, flags uint) error {
	nt, err := decodeTree(tc.node().data())
	if err != nil {
		return err
	}
	sub := newTreeCursor(txn, &nt, s.info.dcmp)
	appendDup := false
	if flags&AppendDup != 0 {
		if _, err := sub.last(); err != nil {
			return err
		}
		if sub.valid() && s.info.dcmp.Compare(val, sub.key()) < 0 {
			return NewError(ErrKeyExist)
		}
		appendDup = true
	}
	added, err := sub.insertKey(val, appendDup)
	if err != nil {
		return err
	}
	if !added {
		if flags&NoDupData != 0 {
			return NewError(ErrKeyExist)
		}
		return nil
	}
	nt.items++
	if err := tc.touch(); err != nil {
		return err
	}
	nt.encode(tc.node().data())
	s.tree.items++
	return nil
}

// delDup removes one value of the key under tc.
func (txn *Txn) delDup(s *dbSlot, tc *treeCursor, key, val []byte) error {
	n := tc.node()
	dcmp := s.info.dcmp
	if nodeDupKind(n) == dupTree {
		nt, err := decodeTree(n.data())
		if err != nil {
			return err
		}
		sub := newTreeCursor(txn, &nt, dcmp)
		exact, err := sub.seek(val)
		if err != nil {
			return err
		}
		if !exact {
			return NewError(ErrNotFound)
		}
		if err := sub.touch(); err != nil {
			return err
		}
		if err := sub.deleteCurrent(); err != nil {
			return err
		}
		nt.items--
		if err := tc.touch(); err != nil {
			return err
		}
		if nt.items == 0 {
			if err := tc.deleteCurrent(); err != nil {
				return err
			}
		} else {
			nt.encode(tc.node().data())
		}
		s.tree.items--
		return nil
	}

	vals := dupValues(n)
	i, found := searchValues(vals, val, dcmp)
	if !found {
		return NewError(ErrNotFound)
	}
	vals = slices.Delete(vals, i, i+1)
	if err := tc.touch(); err != nil {
		return err
	}
	if len(vals) == 0 {
		if err := tc.deleteCurrent(); err != nil {
			return err
		}
	} else {
		raw, err := txn.dupNode(key, vals, dcmp)
		if err != nil {
			return err
		}
		if err := tc.replace(raw); err != nil {
			return err
		}
	}
	s.tree.items--
	return nil
}
