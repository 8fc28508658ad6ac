package gmdb

import (
	"slices"
)

// Cursor operation constants (untyped uint)
const (
	// First positions at the first key
	First uint = iota
	// FirstDup positions at the first duplicate of current key
	FirstDup
	// GetBoth positions at exact key-value pair
	GetBoth
	// GetBothRange positions at key with value >= specified
	GetBothRange
	// GetCurrent returns current key-value
	GetCurrent
	// GetMultiple returns the values of the current key from the cursor on (DupFixed)
	GetMultiple
	// Last positions at the last key
	Last
	// LastDup positions at the last duplicate of current key
	LastDup
	// Next moves to the next key-value
	Next
	// NextDup moves to the next duplicate of current key
	NextDup
	// NextMultiple returns the next batch of values (DupFixed)
	NextMultiple
	// NextNoDup moves to the first value of next key
	NextNoDup
	// Prev moves to the previous key-value
	Prev
	// PrevDup moves to the previous duplicate of current key
	PrevDup
	// PrevNoDup moves to the last value of previous key
	PrevNoDup
	// Set positions at specified key
	Set
	// SetKey positions at key, returns key and value
	SetKey
	// SetRange positions at first key >= specified
	SetRange
)

// cursorState tracks cursor validity
type cursorState uint8

const (
	cursorUninitialized cursorState = iota
	cursorPointing                  // at a valid position
	cursorEOF                       // past the end
)

// dupState tracks the position within the values of a DupSort key.
type dupState struct {
	kind dupKind
	sub  page // inline sub-page
	idx  int  // index in sub
	nt   tree // nested tree record
	tc   treeCursor
}

// Cursor provides navigation through a database.
type Cursor struct {
	txn    *Txn
	dbi    DBI
	s      *dbSlot
	tc     treeCursor
	dup    dupState
	state  cursorState
	closed bool

	// afterDelete: the item under the cursor moved into the place of a
	// deleted one, so the next forward move returns it.
	afterDelete bool
	delKey      []byte

	// Saved position, used to find the place again after the pages under
	// the cursor changed.
	key []byte
	val []byte
	seq uint64
}

// OpenCursor opens a cursor on dbi.
func (txn *Txn) OpenCursor(dbi DBI) (*Cursor, error) {
	if err := txn.checkReady(); err != nil {
		return nil, err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return nil, err
	}
	c := &Cursor{txn: txn, dbi: dbi, s: s, seq: *txn.seq}
	c.tc = treeCursor{txn: txn, tree: &s.tree, cmp: s.info.cmp}
	txn.cursors = append(txn.cursors, c)
	return c, nil
}

// Txn returns the cursor's transaction.
func (c *Cursor) Txn() *Txn { return c.txn }

// DBI returns the cursor's database.
func (c *Cursor) DBI() DBI { return c.dbi }

// Close releases the cursor.
func (c *Cursor) Close() {
	if c == nil || c.closed {
		return
	}
	c.closed = true
	if c.txn != nil {
		c.txn.removeCursor(c)
	}
}

// Renew binds a cursor of a read-only transaction to another read-only
// transaction, keeping its database.
func (c *Cursor) Renew(txn *Txn) error {
	if c == nil || c.closed {
		return NewError(ErrBadCursor)
	}
	if err := txn.checkReady(); err != nil {
		return err
	}
	if !txn.readOnly || !c.txn.readOnly {
		return NewError(ErrIncompatible)
	}
	s, err := txn.db(c.dbi)
	if err != nil {
		return err
	}
	if c.txn != txn {
		c.txn.removeCursor(c)
		txn.cursors = append(txn.cursors, c)
	}
	c.txn = txn
	c.s = s
	c.tc = treeCursor{txn: txn, tree: &s.tree, cmp: s.info.cmp, stack: c.tc.stack[:0]}
	c.reset()
	c.seq = *txn.seq
	return nil
}

func (c *Cursor) reset() {
	c.state = cursorUninitialized
	c.tc.reset()
	c.dup = dupState{}
	c.afterDelete = false
}

func (c *Cursor) isDupSort() bool { return c.s.info.flags&DupSort != 0 }

// sync checks that the cursor is usable and restores its position when the
// transaction changed underneath it.
func (c *Cursor) sync() error {
	if c == nil || c.closed {
		return NewError(ErrBadCursor)
	}
	txn := c.txn
	if err := txn.checkReady(); err != nil {
		return err
	}
	s, err := txn.db(c.dbi)
	if err != nil {
		return err
	}
	c.s = s
	c.tc.txn = txn
	c.tc.tree = &s.tree
	c.tc.cmp = s.info.cmp
	if c.seq == *txn.seq {
		return nil
	}
	c.seq = *txn.seq
	if c.state == cursorUninitialized || txn.readOnly {
		c.reset()
		return nil
	}
	if c.state == cursorEOF {
		c.tc.reset()
		c.afterDelete = false
		return nil
	}
	after := c.afterDelete
	exact, err := c.restore(c.key, c.val)
	if err != nil {
		return err
	}
	c.afterDelete = after || !exact
	return nil
}

// restore positions at the first item >= (key, val).
func (c *Cursor) restore(key, val []byte) (bool, error) {
	c.dup = dupState{}
	c.afterDelete = false
	exact, ok, err := c.tc.seekGE(key)
	if err != nil {
		return false, err
	}
	if !ok {
		c.state = cursorEOF
		return false, nil
	}
	c.state = cursorPointing
	if err := c.loadDup(true); err != nil {
		return false, err
	}
	if !exact || val == nil || !c.isDupSort() {
		c.save()
		return exact, nil
	}
	dexact, dok, err := c.dupSeek(val)
	if err != nil {
		return false, err
	}
	if !dok {
		ok, err := c.tc.next()
		if err != nil {
			return false, err
		}
		if !ok {
			c.state = cursorEOF
			return false, nil
		}
		if err := c.loadDup(true); err != nil {
			return false, err
		}
	}
	c.save()
	return dexact, nil
}

// save remembers the current position of a write cursor.
func (c *Cursor) save() {
	if c.txn.readOnly || c.state != cursorPointing {
		return
	}
	c.key = append(c.key[:0], c.tc.key()...)
	if !c.isDupSort() {
		c.val = nil
		return
	}
	v, err := c.dupValue()
	if err != nil {
		c.val = nil
		return
	}
	c.val = append(c.val[:0], v...)
}

// loadDup prepares the duplicate position for the node under the cursor.
func (c *Cursor) loadDup(first bool) error {
	c.dup.kind = dupSingle
	if !c.isDupSort() {
		return nil
	}
	n := c.tc.node()
	switch nodeDupKind(n) {
	case dupSub:
		c.dup.kind = dupSub
		c.dup.sub = page(n.data())
		c.dup.idx = 0
		if !first {
			c.dup.idx = c.dup.sub.numKeys() - 1
		}
	case dupTree:
		nt, err := decodeTree(n.data())
		if err != nil {
			return err
		}
		c.dup.kind = dupTree
		c.dup.nt = nt
		c.dup.tc = treeCursor{txn: c.txn, tree: &c.dup.nt, cmp: c.s.info.dcmp, stack: c.dup.tc.stack[:0]}
		var ok bool
		if first {
			ok, err = c.dup.tc.first()
		} else {
			ok, err = c.dup.tc.last()
		}
		if err != nil {
			return err
		}
		if !ok {
			return corruptf("empty duplicate tree")
		}
	}
	return nil
}

// dupSeek moves to the first value >= v of the current key.
func (c *Cursor) dupSeek(v []byte) (exact, ok bool, err error) {
	dcmp := c.s.info.dcmp
	switch c.dup.kind {
	case dupSub:
		i, exact := searchLeaf(c.dup.sub, v, dcmp)
		if i >= c.dup.sub.numKeys() {
			return false, false, nil
		}
		c.dup.idx = i
		return exact, true, nil
	case dupTree:
		return c.dup.tc.seekGE(v)
	}
	cur := c.tc.node().data()
	r := dcmp.Compare(cur, v)
	return r == 0, r >= 0, nil
}

// dupValue returns the current value of a DupSort cursor.
func (c *Cursor) dupValue() ([]byte, error) {
	switch c.dup.kind {
	case dupSub:
		return c.dup.sub.key(c.dup.idx), nil
	case dupTree:
		return c.dup.tc.key(), nil
	}
	return c.txn.nodeValue(c.tc.node())
}

func (c *Cursor) current() ([]byte, []byte, error) {
	v, err := c.dupValue()
	if err != nil {
		return nil, nil, err
	}
	return c.tc.key(), v, nil
}

// positioned finishes a successful move.
func (c *Cursor) positioned(first bool) ([]byte, []byte, error) {
	c.state = cursorPointing
	c.afterDelete = false
	if err := c.loadDup(first); err != nil {
		return nil, nil, err
	}
	c.save()
	return c.current()
}

func (c *Cursor) notFound() ([]byte, []byte, error) {
	return nil, nil, NewError(ErrNotFound)
}

func (c *Cursor) eof() ([]byte, []byte, error) {
	c.state = cursorEOF
	c.afterDelete = false
	return c.notFound()
}

// Get positions the cursor according to op and returns the key and value
// found there. key and value are inputs for the Set* and GetBoth* ops.
func (c *Cursor) Get(key, value []byte, op uint) ([]byte, []byte, error) {
	if err := c.sync(); err != nil {
		return nil, nil, err
	}
	if isDupOp(op) && !c.isDupSort() {
		return nil, nil, NewError(ErrIncompatible)
	}
	switch op {
	case First:
		return c.first()
	case Last:
		return c.last()
	case Next:
		return c.next()
	case Prev:
		return c.prev()
	case GetCurrent:
		return c.getCurrent()
	case Set, SetKey:
		return c.set(key)
	case SetRange:
		return c.setRange(key)
	case FirstDup, LastDup:
		if c.state != cursorPointing {
			return nil, nil, NewError(ErrBadCursor)
		}
		return c.positioned(op == FirstDup)
	case NextDup:
		return c.nextDup()
	case PrevDup:
		return c.prevDup()
	case NextNoDup:
		return c.nextNoDup()
	case PrevNoDup:
		return c.prevNoDup()
	case GetBoth:
		return c.getBoth(key, value, true)
	case GetBothRange:
		return c.getBoth(key, value, false)
	case GetMultiple:
		return c.getMultiple()
	case NextMultiple:
		return c.nextMultiple()
	}
	return nil, nil, NewError(ErrInvalid)
}

// isDupOp reports whether op only makes sense on a DupSort database.
func isDupOp(op uint) bool {
	switch op {
	case FirstDup, LastDup, NextDup, PrevDup, NextNoDup, PrevNoDup, GetBoth, GetBothRange:
		return true
	}
	return false
}

func (c *Cursor) first() ([]byte, []byte, error) {
	ok, err := c.tc.first()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		c.reset()
		return c.notFound()
	}
	return c.positioned(true)
}

func (c *Cursor) last() ([]byte, []byte, error) {
	ok, err := c.tc.last()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		c.reset()
		return c.notFound()
	}
	return c.positioned(false)
}

func (c *Cursor) getCurrent() ([]byte, []byte, error) {
	switch c.state {
	case cursorUninitialized:
		return nil, nil, NewError(ErrBadCursor)
	case cursorEOF:
		return c.notFound()
	}
	return c.current()
}

// dupNext steps within the values of the current key.
func (c *Cursor) dupNext() (bool, error) {
	switch c.dup.kind {
	case dupSub:
		if c.dup.idx+1 < c.dup.sub.numKeys() {
			c.dup.idx++
			return true, nil
		}
	case dupTree:
		return c.dup.tc.next()
	}
	return false, nil
}

func (c *Cursor) dupPrev() (bool, error) {
	switch c.dup.kind {
	case dupSub:
		if c.dup.idx > 0 {
			c.dup.idx--
			return true, nil
		}
	case dupTree:
		return c.dup.tc.prev()
	}
	return false, nil
}

func (c *Cursor) next() ([]byte, []byte, error) {
	switch c.state {
	case cursorUninitialized:
		return c.first()
	case cursorEOF:
		return c.notFound()
	}
	if c.afterDelete {
		c.afterDelete = false
		return c.current()
	}
	ok, err := c.dupNext()
	if err != nil {
		return nil, nil, err
	}
	if ok {
		c.save()
		return c.current()
	}
	return c.nextKey()
}

func (c *Cursor) nextKey() ([]byte, []byte, error) {
	ok, err := c.tc.next()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return c.eof()
	}
	return c.positioned(true)
}

func (c *Cursor) prev() ([]byte, []byte, error) {
	switch c.state {
	case cursorUninitialized:
		return c.last()
	case cursorEOF:
		return c.prevKey()
	}
	c.afterDelete = false
	ok, err := c.dupPrev()
	if err != nil {
		return nil, nil, err
	}
	if ok {
		c.save()
		return c.current()
	}
	return c.prevKey()
}

func (c *Cursor) prevKey() ([]byte, []byte, error) {
	if c.state == cursorEOF && len(c.tc.stack) == 0 {
		return c.last()
	}
	ok, err := c.tc.prev()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		if c.state == cursorEOF {
			c.reset()
		}
		return c.notFound()
	}
	return c.positioned(false)
}

// sameAsDeleted reports whether the cursor sits on the key of the last Del.
func (c *Cursor) sameAsDeleted() bool {
	return c.delKey != nil && c.s.info.cmp.Compare(c.tc.key(), c.delKey) == 0
}

func (c *Cursor) nextDup() ([]byte, []byte, error) {
	switch c.state {
	case cursorUninitialized:
		return nil, nil, NewError(ErrBadCursor)
	case cursorEOF:
		return c.notFound()
	}
	if c.afterDelete {
		if !c.sameAsDeleted() {
			return c.notFound()
		}
		c.afterDelete = false
		return c.current()
	}
	ok, err := c.dupNext()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return c.notFound()
	}
	c.save()
	return c.current()
}

func (c *Cursor) prevDup() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrBadCursor)
	}
	if c.afterDelete {
		c.afterDelete = false
		if !c.sameAsDeleted() {
			return c.notFound()
		}
	}
	ok, err := c.dupPrev()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return c.notFound()
	}
	c.save()
	return c.current()
}

func (c *Cursor) nextNoDup() ([]byte, []byte, error) {
	switch c.state {
	case cursorUninitialized:
		return c.first()
	case cursorEOF:
		return c.notFound()
	}
	if c.afterDelete && !c.sameAsDeleted() {
		c.afterDelete = false
		return c.positioned(true)
	}
	return c.nextKey()
}

func (c *Cursor) prevNoDup() ([]byte, []byte, error) {
	switch c.state {
	case cursorUninitialized:
		return c.last()
	case cursorEOF:
		return c.prevKey()
	}
	c.afterDelete = false
	return c.prevKey()
}

func (c *Cursor) set(key []byte) ([]byte, []byte, error) {
	if len(key) == 0 {
		return nil, nil, NewError(ErrBadValSize)
	}
	exact, err := c.tc.seek(key)
	if err != nil {
		return nil, nil, err
	}
	if !exact {
		c.reset()
		return c.notFound()
	}
	return c.positioned(true)
}

func (c *Cursor) setRange(key []byte) ([]byte, []byte, error) {
	_, ok, err := c.tc.seekGE(key)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return c.eof()
	}
	return c.positioned(true)
}

// getBoth positions at key and the value equal to value, or with exact
// unset the first value >= value.
func (c *Cursor) getBoth(key, value []byte, exact bool) ([]byte, []byte, error) {
	if _, _, err := c.set(key); err != nil {
		return nil, nil, err
	}
	dexact, ok, err := c.dupSeek(value)
	if err != nil {
		return nil, nil, err
	}
	if !ok || (exact && !dexact) {
		c.reset()
		return c.notFound()
	}
	c.save()
	return c.current()
}

// batch collects the values of the current key from the cursor on, up to
// the end of the sub-page or nested leaf, and leaves the cursor on the last
// one returned.
func (c *Cursor) batch() ([]byte, error) {
	size := int(c.s.tree.dupfixSize)
	var out []byte
	switch c.dup.kind {
	case dupSub:
		sp := c.dup.sub
		n := sp.numKeys()
		out = make([]byte, 0, (n-c.dup.idx)*size)
		for i := c.dup.idx; i < n; i++ {
			out = append(out, sp.key(i)...)
		}
		c.dup.idx = n - 1
	case dupTree:
		f := c.dup.tc.leaf()
		n := f.p.numKeys()
		out = make([]byte, 0, (n-f.idx)*size)
		for i := f.idx; i < n; i++ {
			out = append(out, f.p.key(i)...)
		}
		f.idx = n - 1
	default:
		v, err := c.dupValue()
		if err != nil {
			return nil, err
		}
		out = slices.Clone(v)
	}
	c.save()
	return out, nil
}

func (c *Cursor) getMultiple() ([]byte, []byte, error) {
	if c.s.info.flags&DupFixed == 0 {
		return nil, nil, NewError(ErrIncompatible)
	}
	switch c.state {
	case cursorUninitialized:
		return nil, nil, NewError(ErrBadCursor)
	case cursorEOF:
		return c.notFound()
	}
	c.afterDelete = false
	vals, err := c.batch()
	if err != nil {
		return nil, nil, err
	}
	return c.tc.key(), vals, nil
}

func (c *Cursor) nextMultiple() ([]byte, []byte, error) {
	if c.s.info.flags&DupFixed == 0 {
		return nil, nil, NewError(ErrIncompatible)
	}
	switch c.state {
	case cursorUninitialized:
		if _, _, err := c.first(); err != nil {
			return nil, nil, err
		}
	case cursorEOF:
		return c.notFound()
	default:
		if c.afterDelete {
			c.afterDelete = false
		} else {
			ok, err := c.dupNext()
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				if _, _, err := c.nextKey(); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	vals, err := c.batch()
	if err != nil {
		return nil, nil, err
	}
	return c.tc.key(), vals, nil
}

// Count returns the number of values of the current key.
func (c *Cursor) Count() (uint64, error) {
	if err := c.sync(); err != nil {
		return 0, err
	}
	if !c.isDupSort() {
		return 0, NewError(ErrIncompatible)
	}
	switch c.state {
	case cursorUninitialized:
		return 0, NewError(ErrBadCursor)
	case cursorEOF:
		return 0, NewError(ErrNotFound)
	}
	return countDups(c.tc.node())
}

// EOF reports whether the cursor moved past the last item.
func (c *Cursor) EOF() bool { return c.state == cursorEOF }
