package gmdb

import (
	"time"

	"github.com/Giulio2002/gmdb/internal/fastmap"
	"github.com/Giulio2002/gmdb/internal/spill"
)

// txnState is the lifecycle state of a transaction.
type txnState uint8

const (
	txnReady txnState = iota
	txnReset
	txnCommitted
	txnAborted
	txnReleased
)

func (s txnState) String() string {
	switch s {
	case txnReady:
		return "ready"
	case txnReset:
		return "reset"
	case txnCommitted:
		return "committed"
	case txnAborted:
		return "aborted"
	case txnReleased:
		return "released"
	}
	return "unknown"
}

// Txn is a read-only snapshot or a read-write transaction.
//
// A Txn is not safe for concurrent use. Write transactions and their nested
// children must stay on one goroutine.
type Txn struct {
	env      *Env
	parent   *Txn
	child    *Txn
	flags    uint
	id       uint64
	state    txnState
	readOnly bool

	// Snapshot view. For writers meta is the working copy written at commit.
	meta     meta
	data     []byte
	nextPgno pgno
	maxPgno  uint64

	// Reader slot
	slot    *readerSlot
	slotIdx int

	// Write state
	dirty      fastmap.Map[[]byte]
	spillSlots []spill.Slot
	fl         *freelist

	dbs     []*dbSlot
	opened  []DBI
	cursors []*Cursor

	// seq changes on every mutation of the write chain; cursors use it to
	// notice their pages may have moved. Shared by nested transactions.
	seq *uint64
}

// Env returns the transaction's environment.
func (txn *Txn) Env() *Env { return txn.env }

// ID returns the transaction ID. A reader reports the ID of its snapshot.
func (txn *Txn) ID() uint64 { return txn.id }

// IsReadOnly returns true if this is a read-only transaction.
func (txn *Txn) IsReadOnly() bool { return txn.readOnly }

func (txn *Txn) checkReady() error {
	if txn == nil || txn.state != txnReady || txn.child != nil {
		return NewError(ErrBadTxn)
	}
	return nil
}

func (txn *Txn) checkWrite() error {
	if err := txn.checkReady(); err != nil {
		return err
	}
	if txn.readOnly {
		return NewError(ErrPermissionDenied)
	}
	return nil
}

// fail applies the error policy of write transactions: a failed mutation
// aborts the transaction, except for results and state errors which leave
// nothing half-applied. A nested transaction aborts alone.
func (txn *Txn) fail(err error) error {
	if err == nil || txn.readOnly || isResult(err) || IsInvalidState(err) {
		return err
	}
	if txn.state == txnReady {
		txn.env.logger.Debugf("txn %d aborted: %v", txn.id, err)
		txn.abort(txnAborted)
	}
	return err
}

// touched records a mutation for cursors of the write chain.
func (txn *Txn) touched() { *txn.seq++ }

// setSnapshot points a reader at the meta it pinned.
func (txn *Txn) setSnapshot(m *meta, data []byte) {
	txn.meta = *m
	txn.id = m.txnid
	txn.data = data
	txn.nextPgno = m.nextPgno
	txn.dbs = txn.dbs[:0]
	txn.dbs = append(txn.dbs, &dbSlot{tree: m.main, info: txn.env.dbiInfo(MainDBI)})
}

// CommitLatency contains timing information about a commit operation.
type CommitLatency struct {
	Preparation time.Duration
	Write       time.Duration
	Sync        time.Duration
	Ending      time.Duration
	Whole       time.Duration
}

// Commit makes the changes of a write transaction durable, or folds a
// nested transaction into its parent. Committing a read-only transaction
// releases it. A failed commit aborts the transaction.
func (txn *Txn) Commit() (CommitLatency, error) {
	var lat CommitLatency
	if txn == nil || txn.state != txnReady {
		return lat, NewError(ErrBadTxn)
	}
	start := time.Now()
	if txn.readOnly {
		txn.end(txnCommitted)
		lat.Whole = time.Since(start)
		return lat, nil
	}
	if txn.child != nil {
		if _, err := txn.child.Commit(); err != nil {
			txn.abort(txnAborted)
			return lat, err
		}
	}
	if txn.parent != nil {
		txn.commitChild()
		lat.Whole = time.Since(start)
		return lat, nil
	}
	if err := txn.commitRoot(&lat, start); err != nil {
		txn.env.logger.Errorf("commit of txn %d failed: %v", txn.id, err)
		txn.abort(txnAborted)
		return lat, err
	}
	txn.end(txnCommitted)
	lat.Ending = time.Since(start) - lat.Preparation - lat.Write - lat.Sync
	lat.Whole = time.Since(start)
	return lat, nil
}

// commitChild merges a nested transaction into its parent. No I/O happens.
func (txn *Txn) commitChild() {
	p := txn.parent
	txn.closeCursors()
	txn.mergeInto(p)
	p.fl = txn.fl
	p.nextPgno = txn.nextPgno
	p.meta = txn.meta
	p.dbs = txn.dbs
	p.opened = append(p.opened, txn.opened...)
	p.child = nil
	txn.dirty.Clear()
	txn.state = txnCommitted
	txn.touched()
}

func (txn *Txn) commitRoot(lat *CommitLatency, start time.Time) error {
	e := txn.env
	txn.closeCursors()
	if err := txn.persistDBs(); err != nil {
		return err
	}
	txn.meta.main = txn.dbs[MainDBI].tree
	if err := txn.saveFreelist(); err != nil {
		return err
	}
	lat.Preparation = time.Since(start)

	mark := time.Now()
	pgs := txn.dirtyPgnos()
	if err := e.writePages(txn, pgs); err != nil {
		return err
	}
	lat.Write = time.Since(mark)

	mark = time.Now()
	syncData, syncMeta := commitSyncs(e.getFlags() | txn.flags)
	if syncData {
		if err := e.syncData(); err != nil {
			return err
		}
	}
	m := &txn.meta
	m.txnid = txn.id
	m.nextPgno = txn.nextPgno
	m.mapSize = e.mapSize
	if err := e.writeMeta(m, syncMeta); err != nil {
		return err
	}
	lat.Sync = time.Since(mark)
	e.logger.Debugf("txn %d committed: %d pages written, next page %d", txn.id, len(pgs), txn.nextPgno)
	return nil
}

// commitSyncs reports which fsyncs a commit with flags performs. NoSync
// covers the meta page as well.
func commitSyncs(flags uint) (data, meta bool) {
	data = flags&NoSync == 0
	return data, data && flags&NoMetaSync == 0
}

// persistDBs writes the records of modified named databases into the main
// tree.
func (txn *Txn) persistDBs() error {
	for i := 1; i < len(txn.dbs); i++ {
		s := txn.dbs[i]
		if s == nil || !s.dirty {
			continue
		}
		if err := txn.writeDBRecord(s.info.name, &s.tree); err != nil {
			return err
		}
		s.dirty = false
	}
	return nil
}

// Abort discards the transaction. It never fails and is a no-op on a
// transaction that already ended.
func (txn *Txn) Abort() {
	if txn == nil {
		return
	}
	switch txn.state {
	case txnReady, txnReset:
		txn.abort(txnAborted)
	}
}

// Close releases the transaction, aborting it when still open.
func (txn *Txn) Close() {
	if txn == nil {
		return
	}
	switch txn.state {
	case txnReady, txnReset:
		txn.abort(txnReleased)
	}
}

func (txn *Txn) abort(state txnState) {
	if txn.child != nil {
		txn.child.abort(txnAborted)
	}
	if txn.parent != nil {
		txn.closeCursors()
		txn.releaseSpill()
		txn.env.closeDBIs(txn.opened)
		txn.dirty.Clear()
		txn.parent.child = nil
		txn.state = state
		txn.touched()
		return
	}
	txn.end(state)
}

// end releases the resources of a root transaction.
func (txn *Txn) end(state txnState) {
	e := txn.env
	txn.closeCursors()
	if txn.readOnly {
		if txn.state == txnReady {
			e.releaseMap()
		}
		if txn.slot != nil {
			e.lock.release(txn.slot, txn.slotIdx)
			txn.slot = nil
		}
	} else {
		txn.releaseSpill()
		if state != txnCommitted {
			e.closeDBIs(txn.opened)
		}
		txn.dirty.Clear()
		txn.fl = nil
		e.releaseMap()
		e.unlockWriter()
	}
	txn.opened = nil
	txn.data = nil
	txn.state = state
	e.openTxns.Add(-1)
}

// Reset releases the snapshot of a read-only transaction while keeping its
// reader slot, so Renew can start a new snapshot cheaply.
func (txn *Txn) Reset() {
	if txn == nil || !txn.readOnly || txn.state != txnReady {
		return
	}
	txn.slot.setSnapshot(noSnapshot)
	txn.env.releaseMap()
	txn.data = nil
	txn.state = txnReset
}

// Renew pins the newest snapshot on a reset read-only transaction. Cursors
// of the transaction must be renewed or positioned again.
func (txn *Txn) Renew() error {
	if txn == nil || !txn.readOnly || txn.state != txnReset {
		return NewError(ErrBadTxn)
	}
	if err := txn.env.pinSnapshot(txn); err != nil {
		return err
	}
	txn.state = txnReady
	txn.touched()
	return nil
}

// closeCursors invalidates the cursors of a write transaction. Cursors of a
// reader stay attached so they can be renewed.
func (txn *Txn) closeCursors() {
	if txn.readOnly {
		return
	}
	for _, c := range txn.cursors {
		c.closed = true
	}
	txn.cursors = txn.cursors[:0]
}

func (txn *Txn) removeCursor(c *Cursor) {
	for i, x := range txn.cursors {
		if x == c {
			txn.cursors = append(txn.cursors[:i], txn.cursors[i+1:]...)
			return
		}
	}
}

// Sub runs fn in a nested transaction, committing it when fn returns nil.
func (txn *Txn) Sub(fn TxnOp) error {
	child, err := txn.env.BeginTxn(txn, 0)
	if err != nil {
		return err
	}
	if err := fn(child); err != nil {
		child.Abort()
		return err
	}
	_, err = child.Commit()
	return err
}

// Get returns the value stored under key. For a DupSort database it is the
// first duplicate. The slice points into the map or a dirty page and is valid
// until the next write in this transaction or until it ends.
func (txn *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	if err := txn.checkReady(); err != nil {
		return nil, err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 || len(key) > txn.env.MaxKeySize() {
		return nil, NewError(ErrBadValSize)
	}
	tc := newTreeCursor(txn, &s.tree, s.info.cmp)
	exact, err := tc.seek(key)
	if err != nil {
		return nil, err
	}
	if !exact {
		return nil, NewError(ErrNotFound)
	}
	n := tc.node()
	if !n.isDup() {
		return txn.nodeValue(n)
	}
	if !n.isTree() {
		return page(n.data()).key(0), nil
	}
	nt, err := decodeTree(n.data())
	if err != nil {
		return nil, err
	}
	sub := newTreeCursor(txn, &nt, s.info.dcmp)
	ok, err := sub.first()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, corruptf("empty duplicate tree under key %x", key)
	}
	return sub.key(), nil
}

// nodeValue returns the data of a leaf node, following large pages.
func (txn *Txn) nodeValue(n node) ([]byte, error) {
	if !n.isBig() {
		return n.data(), nil
	}
	size := n.dsize()
	pg := n.bigPgno()
	cnt := largePageCount(size, txn.env.pageSize)
	p, err := txn.getRun(pg, cnt)
	if err != nil {
		return nil, err
	}
	if !p.isLarge() || p.pgno() != pg || p.count() != cnt {
		return nil, corruptf("large page %d: bad header", pg)
	}
	return p[PageHeaderSize : PageHeaderSize+size], nil
}

// Put stores a key/value pair.
func (txn *Txn) Put(dbi DBI, key, value []byte, flags uint) error {
	if err := txn.checkWrite(); err != nil {
		return err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return err
	}
	_, err = txn.put(s, key, value, flags)
	if err == nil {
		txn.touched()
	}
	return txn.fail(err)
}

// PutReserve reserves n bytes for the value of key and returns them for the
// caller to fill before the next write.
func (txn *Txn) PutReserve(dbi DBI, key []byte, n int, flags uint) ([]byte, error) {
	if err := txn.checkWrite(); err != nil {
		return nil, err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return nil, err
	}
	buf, err := txn.put(s, key, make([]byte, n), flags|Reserve)
	if err != nil {
		return nil, txn.fail(err)
	}
	txn.touched()
	return buf, nil
}

// Del deletes key. For a DupSort database a nil value deletes every
// duplicate, otherwise only the matching one. Other databases ignore value.
func (txn *Txn) Del(dbi DBI, key, value []byte) error {
	if err := txn.checkWrite(); err != nil {
		return err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return err
	}
	err = txn.del(s, key, value)
	if err == nil {
		txn.touched()
	}
	return txn.fail(err)
}

// Stat returns statistics of a database as seen by this transaction.
func (txn *Txn) Stat(dbi DBI) (*Stat, error) {
	if err := txn.checkReady(); err != nil {
		return nil, err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return nil, err
	}
	return s.tree.stat(txn.env.pageSize), nil
}

// Sequence returns the sequence counter of a database and adds increment to
// it. A non-zero increment requires a write transaction.
func (txn *Txn) Sequence(dbi DBI, increment uint64) (uint64, error) {
	if err := txn.checkReady(); err != nil {
		return 0, err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return 0, err
	}
	v := s.tree.sequence
	if increment == 0 {
		return v, nil
	}
	if txn.readOnly {
		return 0, NewError(ErrPermissionDenied)
	}
	if v+increment < v {
		return 0, txn.fail(WrapError(ErrBadValSize, errSequenceOverflow))
	}
	s.tree.sequence = v + increment
	s.dirty = true
	return v, nil
}

// Flags returns the persistent flags of a database.
func (txn *Txn) Flags(dbi DBI) (uint, error) {
	if err := txn.checkReady(); err != nil {
		return 0, err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return 0, err
	}
	return uint(s.tree.flags), nil
}

// Cmp compares two keys with the key order of dbi.
func (txn *Txn) Cmp(dbi DBI, a, b []byte) int {
	if info := txn.env.dbiInfo(dbi); info != nil {
		return info.cmp.Compare(a, b)
	}
	return BitwiseComparer.Compare(a, b)
}

// DCmp compares two values with the duplicate order of dbi.
func (txn *Txn) DCmp(dbi DBI, a, b []byte) int {
	if info := txn.env.dbiInfo(dbi); info != nil {
		return info.dcmp.Compare(a, b)
	}
	return BitwiseComparer.Compare(a, b)
}
