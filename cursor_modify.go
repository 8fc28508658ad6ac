package gmdb

import (
	"slices"
)

// Put stores key/value and leaves the cursor on the stored item.
//
// With Current the item under the cursor is replaced; key must equal the
// current key. In a DupSort database Current swaps the current value for
// value. With Multiple, value holds several values of the database's fixed
// size laid out back to back.
func (c *Cursor) Put(key, value []byte, flags uint) error {
	if err := c.sync(); err != nil {
		return err
	}
	txn := c.txn
	if err := txn.checkWrite(); err != nil {
		return err
	}
	if flags&Multiple != 0 {
		size := int(c.s.tree.dupfixSize)
		if size == 0 {
			size = len(value)
		}
		return c.PutMulti(key, value, size, flags&^Multiple)
	}
	if flags&Current != 0 {
		return c.putCurrent(key, value, flags&^Current)
	}
	if _, err := txn.put(c.s, key, value, flags); err != nil {
		return txn.fail(err)
	}
	return c.settle(key, value)
}

// settle records the mutation and moves the cursor onto key/value.
func (c *Cursor) settle(key, value []byte) error {
	txn := c.txn
	txn.touched()
	var val []byte
	if c.isDupSort() {
		val = value
	}
	key = slices.Clone(key)
	val = slices.Clone(val)
	if _, err := c.restore(key, val); err != nil {
		return txn.fail(err)
	}
	c.seq = *txn.seq
	c.delKey = nil
	return nil
}

func (c *Cursor) putCurrent(key, value []byte, flags uint) error {
	txn := c.txn
	if c.state != cursorPointing || c.afterDelete {
		return NewError(ErrBadCursor)
	}
	cur := c.tc.key()
	if key != nil && c.s.info.cmp.Compare(key, cur) != 0 {
		return NewError(ErrKeyMismatch)
	}
	key = slices.Clone(cur)
	if !c.isDupSort() {
		if _, err := txn.put(c.s, key, value, flags&^(NoOverwrite|Append)); err != nil {
			return txn.fail(err)
		}
		return c.settle(key, value)
	}
	old, err := c.dupValue()
	if err != nil {
		return err
	}
	if c.s.info.dcmp.Compare(old, value) == 0 {
		return nil
	}
	old = slices.Clone(old)
	if err := txn.checkPut(c.s, key, value, flags); err != nil {
		return txn.fail(err)
	}
	tc := newTreeCursor(txn, &c.s.tree, c.s.info.cmp)
	if _, err := tc.seek(key); err != nil {
		return txn.fail(err)
	}
	if err := txn.delDup(c.s, tc, key, old); err != nil {
		return txn.fail(err)
	}
	if _, err := txn.put(c.s, key, value, flags&^(NoOverwrite|Append|AppendDup)); err != nil {
		return txn.fail(err)
	}
	return c.settle(key, value)
}

// PutReserve reserves n bytes for the value of key and returns them for the
// caller to fill before the next write.
func (c *Cursor) PutReserve(key []byte, n int, flags uint) ([]byte, error) {
	if err := c.sync(); err != nil {
		return nil, err
	}
	txn := c.txn
	if err := txn.checkWrite(); err != nil {
		return nil, err
	}
	buf, err := txn.put(c.s, key, make([]byte, n), flags|Reserve)
	if err != nil {
		return nil, txn.fail(err)
	}
	if err := c.settle(key, nil); err != nil {
		return nil, err
	}
	return buf, nil
}

// PutMulti stores the values packed in page, each stride bytes long, under
// key of a DupFixed database.
func (c *Cursor) PutMulti(key []byte, page []byte, stride int, flags uint) error {
	if err := c.sync(); err != nil {
		return err
	}
	txn := c.txn
	if err := txn.checkWrite(); err != nil {
		return err
	}
	if c.s.info.flags&DupFixed == 0 {
		return NewError(ErrIncompatible)
	}
	if stride <= 0 || len(page)%stride != 0 || len(page) == 0 {
		return txn.fail(NewError(ErrBadValSize))
	}
	var last []byte
	for off := 0; off < len(page); off += stride {
		last = page[off : off+stride]
		if _, err := txn.put(c.s, key, last, flags); err != nil {
			if isResult(err) {
				txn.touched()
			}
			return txn.fail(err)
		}
	}
	return c.settle(key, last)
}

// Del deletes the item under the cursor. With NoDupData (AllDups) every value
// of the current key goes. Afterwards the cursor sits on the item that
// followed, which the next Next returns.
func (c *Cursor) Del(flags uint) error {
	if err := c.sync(); err != nil {
		return err
	}
	txn := c.txn
	if err := txn.checkWrite(); err != nil {
		return err
	}
	switch c.state {
	case cursorUninitialized:
		return NewError(ErrBadCursor)
	case cursorEOF:
		return NewError(ErrNotFound)
	}
	key := slices.Clone(c.tc.key())
	var val []byte
	if c.isDupSort() && flags&NoDupData == 0 {
		v, err := c.dupValue()
		if err != nil {
			return txn.fail(err)
		}
		val = slices.Clone(v)
	}
	if err := txn.del(c.s, key, val); err != nil {
		return txn.fail(err)
	}
	txn.touched()
	if _, err := c.restore(key, val); err != nil {
		return txn.fail(err)
	}
	c.seq = *txn.seq
	c.afterDelete = c.state == cursorPointing
	c.delKey = key
	return nil
}
