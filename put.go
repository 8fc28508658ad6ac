package gmdb

import (
	"errors"
)

var errReserveDupSort = errors.New("reserve on a DupSort database")

// checkPut validates sizes and flags before anything is touched.
func (txn *Txn) checkPut(s *dbSlot, key, val []byte, flags uint) error {
	maxKey := txn.env.MaxKeySize()
	if len(key) == 0 || len(key) > maxKey {
		return NewError(ErrBadValSize)
	}
	df := s.info.flags
	if df&IntegerKey != 0 && len(key) != 4 && len(key) != 8 {
		return NewError(ErrBadValSize)
	}
	if len(val) > MaxDataSize {
		return NewError(ErrBadValSize)
	}
	if df&DupSort == 0 {
		if flags&(NoDupData|AppendDup) != 0 {
			return NewError(ErrIncompatible)
		}
		return nil
	}
	if flags&Reserve != 0 {
		return WrapError(ErrIncompatible, errReserveDupSort)
	}
	if len(val) > maxKey {
		return NewError(ErrBadValSize)
	}
	if df&IntegerDup != 0 && len(val) != 4 && len(val) != 8 {
		return NewError(ErrBadValSize)
	}
	if df&DupFixed != 0 {
		if s.tree.dupfixSize == 0 {
			if len(val) == 0 {
				return NewError(ErrBadValSize)
			}
		} else if len(val) != int(s.tree.dupfixSize) {
			return NewError(ErrBadValSize)
		}
	}
	return nil
}

// insertLeaf adds raw at the position of tc, creating the root of an empty
// tree.
func (txn *Txn) insertLeaf(tc *treeCursor, raw []byte, appendMode bool) error {
	if tc.tree.isEmpty() {
		if err := tc.initRoot(); err != nil {
			return err
		}
		return tc.insertAt(0, 0, raw, appendMode)
	}
	if err := tc.touch(); err != nil {
		return err
	}
	return tc.insertAt(len(tc.stack)-1, tc.leaf().idx, raw, appendMode)
}

// valueNode builds the leaf node for key/val, moving large values to their
// own pages. It returns the writable value bytes when they live on large
// pages.
func (txn *Txn) valueNode(s *dbSlot, key, val []byte, flags uint) ([]byte, []byte, error) {
	if leafNodeSize(len(key), len(val)) <= maxNodeSize(txn.env.pageSize) {
		return leafNode(key, val, 0, len(val)), nil, nil
	}
	p, pg, cnt, err := txn.allocLarge(len(val))
	if err != nil {
		return nil, nil, err
	}
	data := p[PageHeaderSize : PageHeaderSize+len(val)]
	if flags&Reserve == 0 {
		copy(data, val)
	}
	s.tree.largePages += uint32(cnt)
	var ref [4]byte
	le.PutUint32(ref[:], uint32(pg))
	return leafNode(key, ref[:], nodeBig, len(val)), data, nil
}

// freeBig releases the large pages of n, if any.
func (txn *Txn) freeBig(s *dbSlot, n node) {
	if !n.isBig() {
		return
	}
	cnt := largePageCount(n.dsize(), txn.env.pageSize)
	txn.freeRun(n.bigPgno(), cnt)
	s.tree.largePages -= uint32(cnt)
}

// put stores key/val. With Reserve it returns the value bytes to fill.
func (txn *Txn) put(s *dbSlot, key, val []byte, flags uint) ([]byte, error) {
	if err := txn.checkPut(s, key, val, flags); err != nil {
		return nil, err
	}
	if s.info.flags&DupSort != 0 {
		if err := txn.putDup(s, key, val, flags); err != nil {
			return nil, err
		}
		if s.info.flags&DupFixed != 0 && s.tree.dupfixSize == 0 {
			s.tree.dupfixSize = uint32(len(val))
		}
		s.dirty = true
		return nil, nil
	}

	tc := newTreeCursor(txn, &s.tree, s.info.cmp)
	var exact bool
	if flags&Append != 0 {
		ok, err := tc.last()
		if err != nil {
			return nil, err
		}
		if ok {
			if s.info.cmp.Compare(key, tc.key()) <= 0 {
				return nil, NewError(ErrKeyExist)
			}
			tc.leaf().idx++
		}
	} else {
		var err error
		if exact, err = tc.seek(key); err != nil {
			return nil, err
		}
	}
	if exact {
		if flags&NoOverwrite != 0 {
			return nil, NewError(ErrKeyExist)
		}
		if tc.node().isTree() {
			return nil, NewError(ErrIncompatible)
		}
	}

	raw, large, err := txn.valueNode(s, key, val, flags)
	if err != nil {
		return nil, err
	}
	s.dirty = true
	if exact {
		if err := tc.touch(); err != nil {
			return nil, err
		}
		txn.freeBig(s, tc.node())
		if err := tc.replace(raw); err != nil {
			return nil, err
		}
	} else {
		if err := txn.insertLeaf(tc, raw, flags&Append != 0); err != nil {
			return nil, err
		}
		s.tree.items++
	}
	if flags&Reserve == 0 {
		return nil, nil
	}
	if large != nil {
		return large, nil
	}
	if ok, err := tc.seek(key); err != nil || !ok {
		return nil, errors.Join(err, corruptf("reserved key vanished"))
	}
	return tc.node().data(), nil
}

// del removes key, or a single duplicate when val is set on a DupSort
// database.
func (txn *Txn) del(s *dbSlot, key, val []byte) error {
	if len(key) == 0 || len(key) > txn.env.MaxKeySize() {
		return NewError(ErrBadValSize)
	}
	tc := newTreeCursor(txn, &s.tree, s.info.cmp)
	exact, err := tc.seek(key)
	if err != nil {
		return err
	}
	if !exact {
		return NewError(ErrNotFound)
	}
	n := tc.node()
	if n.isTree() && !n.isDup() {
		return NewError(ErrIncompatible)
	}
	s.dirty = true
	if s.info.flags&DupSort != 0 && val != nil {
		return txn.delDup(s, tc, key, val)
	}
	return txn.delNode(s, tc)
}

// delNode removes the node under tc with all of its values.
func (txn *Txn) delNode(s *dbSlot, tc *treeCursor) error {
	n := tc.node()
	cnt, err := countDups(n)
	if err != nil {
		return err
	}
	if nodeDupKind(n) == dupTree {
		nt, err := decodeTree(n.data())
		if err != nil {
			return err
		}
		if err := newTreeCursor(txn, &nt, s.info.dcmp).freeAll(); err != nil {
			return err
		}
	}
	if err := tc.touch(); err != nil {
		return err
	}
	txn.freeBig(s, tc.node())
	if err := tc.deleteCurrent(); err != nil {
		return err
	}
	s.tree.items -= cnt
	return nil
}
