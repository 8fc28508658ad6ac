package gmdb

import (
	"errors"
)

// DBI is a database handle. Handles are shared by all transactions of an
// environment and stay valid until closed.
type DBI uint32

// dbiInfo describes an open handle.
type dbiInfo struct {
	name  string
	flags uint
	cmp   Comparer
	dcmp  Comparer
}

// dbSlot is the per-transaction state of one database.
type dbSlot struct {
	tree  tree
	info  *dbiInfo
	dirty bool
}

var errSequenceOverflow = errors.New("sequence overflow")

// dbiInfo returns the handle description, or nil when dbi is not open.
func (e *Env) dbiInfo(dbi DBI) *dbiInfo {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) >= len(e.dbis) {
		return nil
	}
	return e.dbis[dbi]
}

// closeDBIs forgets handles opened by a transaction that did not commit.
func (e *Env) closeDBIs(dbis []DBI) {
	if len(dbis) == 0 {
		return
	}
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()
	for _, dbi := range dbis {
		if dbi != MainDBI && int(dbi) < len(e.dbis) {
			e.dbis[dbi] = nil
		}
	}
}

// CloseDBI releases a handle. The caller must make sure no transaction or
// cursor still uses it. Closing the main database is a no-op.
func (e *Env) CloseDBI(dbi DBI) {
	e.closeDBIs([]DBI{dbi})
}

// CloseDBI is Env.CloseDBI.
func (txn *Txn) CloseDBI(dbi DBI) error {
	if txn.env.dbiInfo(dbi) == nil {
		return NewError(ErrBadDBI)
	}
	txn.env.CloseDBI(dbi)
	return nil
}

// db returns the state of dbi in this transaction, loading a named
// database record on first use.
func (txn *Txn) db(dbi DBI) (*dbSlot, error) {
	info := txn.env.dbiInfo(dbi)
	if info == nil {
		return nil, NewError(ErrBadDBI)
	}
	if int(dbi) < len(txn.dbs) {
		if s := txn.dbs[dbi]; s != nil {
			if s.info != info && dbi != MainDBI {
				return nil, NewError(ErrBadDBI)
			}
			return s, nil
		}
	}
	t, found, err := txn.readDBRecord(info.name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewError(ErrBadDBI)
	}
	if uint(t.flags) != info.flags&persistentDBFlags {
		return nil, WrapError(ErrIncompatible, errors.New("database flags changed"))
	}
	s := &dbSlot{tree: t, info: info}
	txn.setSlot(dbi, s)
	return s, nil
}

func (txn *Txn) setSlot(dbi DBI, s *dbSlot) {
	for int(dbi) >= len(txn.dbs) {
		txn.dbs = append(txn.dbs, nil)
	}
	txn.dbs[dbi] = s
}

// readDBRecord looks up the record of a named database in the main tree.
func (txn *Txn) readDBRecord(name string) (tree, bool, error) {
	main := txn.dbs[MainDBI]
	tc := newTreeCursor(txn, &main.tree, main.info.cmp)
	exact, err := tc.seek([]byte(name))
	if err != nil || !exact {
		return tree{}, false, err
	}
	n := tc.node()
	if !n.isTree() || n.isDup() {
		return tree{}, false, WrapError(ErrIncompatible, errors.New("key is not a database"))
	}
	t, err := decodeTree(n.data())
	return t, err == nil, err
}

// writeDBRecord stores the record of a named database in the main tree.
func (txn *Txn) writeDBRecord(name string, t *tree) error {
	main := txn.dbs[MainDBI]
	tc := newTreeCursor(txn, &main.tree, main.info.cmp)
	key := []byte(name)
	exact, err := tc.seek(key)
	if err != nil {
		return err
	}
	raw := leafNode(key, t.bytes(), nodeTree, TreeRecordSize)
	if main.tree.isEmpty() {
		if err := tc.initRoot(); err != nil {
			return err
		}
	} else if err := tc.touch(); err != nil {
		return err
	}
	if exact {
		if n := tc.node(); !n.isTree() || n.isDup() {
			return WrapError(ErrIncompatible, errors.New("key is not a database"))
		}
		copy(tc.node().data(), raw[NodeHeaderSize+len(key):])
		return nil
	}
	if err := tc.insertAt(len(tc.stack)-1, tc.leaf().idx, raw, false); err != nil {
		return err
	}
	main.tree.items++
	return nil
}

// OpenDBISimple opens a database with the default comparers.
func (txn *Txn) OpenDBISimple(name string, flags uint) (DBI, error) {
	return txn.OpenDBI(name, flags, nil, nil)
}

// OpenRoot opens the main database.
func (txn *Txn) OpenRoot(flags uint) (DBI, error) {
	return txn.OpenDBI("", flags, nil, nil)
}

// OpenDBI opens a database by name; the empty name is the main database.
// With Create a missing database is created. cmp and dcmp override the key
// and duplicate order; nil selects the order implied by flags. The
// comparers of the first open of a name are kept for the handle's life.
func (txn *Txn) OpenDBI(name string, flags uint, cmp, dcmp Comparer) (DBI, error) {
	if err := txn.checkReady(); err != nil {
		return 0, err
	}
	if name == "" {
		return MainDBI, txn.openMain(flags, cmp, dcmp)
	}
	return txn.openNamed(name, flags, cmp, dcmp)
}

// flagsAccepted applies the open rule: the requested persistent flags must
// match the stored ones, except that a plain open accepts whatever is stored.
func flagsAccepted(requested, stored uint) bool {
	req := requested & persistentDBFlags
	return req == stored || (req == 0 && requested&Create == 0)
}

func (txn *Txn) openMain(flags uint, cmp, dcmp Comparer) error {
	e := txn.env
	main := txn.dbs[MainDBI]
	stored := uint(main.tree.flags)
	req := flags & persistentDBFlags
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()
	info := e.dbis[MainDBI]
	if !flagsAccepted(flags, stored) {
		if !main.tree.isEmpty() || txn.readOnly || flags&Create == 0 {
			return NewError(ErrIncompatible)
		}
		main.tree.flags = uint16(req)
		info.flags = req
		info.cmp = defaultKeyComparer(req)
		info.dcmp = defaultDupComparer(req)
		txn.touched()
	}
	if cmp != nil {
		info.cmp = cmp
	}
	if dcmp != nil {
		info.dcmp = dcmp
	}
	return nil
}

func (txn *Txn) openNamed(name string, flags uint, cmp, dcmp Comparer) (DBI, error) {
	e := txn.env
	if e.maxDBs == 0 {
		return 0, NewError(ErrDBsFull)
	}
	e.dbisMu.RLock()
	for i, info := range e.dbis {
		if info != nil && i != int(MainDBI) && info.name == name {
			e.dbisMu.RUnlock()
			if !flagsAccepted(flags, info.flags) {
				return 0, NewError(ErrIncompatible)
			}
			if _, err := txn.db(DBI(i)); err != nil {
				if Code(err) == ErrBadDBI {
					return 0, NewError(ErrNotFound)
				}
				return 0, err
			}
			return DBI(i), nil
		}
	}
	e.dbisMu.RUnlock()

	t, found, err := txn.readDBRecord(name)
	if err != nil {
		return 0, err
	}
	created := false
	if found {
		if !flagsAccepted(flags, uint(t.flags)) {
			return 0, NewError(ErrIncompatible)
		}
	} else {
		if flags&Create == 0 {
			return 0, NewError(ErrNotFound)
		}
		if txn.readOnly {
			return 0, NewError(ErrPermissionDenied)
		}
		if err := txn.checkDBFlags(flags); err != nil {
			return 0, err
		}
		t = emptyTree(uint16(flags & persistentDBFlags))
		t.modTxnid = txn.id
		created = true
	}

	pf := uint(t.flags)
	info := &dbiInfo{name: name, flags: pf, cmp: cmp, dcmp: dcmp}
	if info.cmp == nil {
		info.cmp = defaultKeyComparer(pf)
	}
	if info.dcmp == nil {
		info.dcmp = defaultDupComparer(pf)
	}
	dbi, err := e.registerDBI(info)
	if err != nil {
		return 0, err
	}
	if !txn.readOnly {
		txn.opened = append(txn.opened, dbi)
	}
	if created {
		if err := txn.writeDBRecord(name, &t); err != nil {
			return 0, txn.fail(err)
		}
		txn.touched()
	}
	txn.setSlot(dbi, &dbSlot{tree: t, info: info, dirty: created})
	return dbi, nil
}

// checkDBFlags rejects flag combinations that have no meaning.
func (txn *Txn) checkDBFlags(flags uint) error {
	if flags&(DupFixed|IntegerDup|ReverseDup) != 0 && flags&DupSort == 0 {
		return WrapError(ErrIncompatible, errors.New("duplicate flags without DupSort"))
	}
	return nil
}

// registerDBI assigns a handle, reusing closed ones.
func (e *Env) registerDBI(info *dbiInfo) (DBI, error) {
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()
	for i := 1; i < len(e.dbis); i++ {
		if e.dbis[i] == nil {
			e.dbis[i] = info
			return DBI(i), nil
		}
	}
	if len(e.dbis) > e.maxDBs {
		return 0, NewError(ErrDBsFull)
	}
	e.dbis = append(e.dbis, info)
	return DBI(len(e.dbis) - 1), nil
}

// ListDBI returns the names of the named databases.
func (txn *Txn) ListDBI() ([]string, error) {
	if err := txn.checkReady(); err != nil {
		return nil, err
	}
	main := txn.dbs[MainDBI]
	tc := newTreeCursor(txn, &main.tree, main.info.cmp)
	var names []string
	ok, err := tc.first()
	for ; ok && err == nil; ok, err = tc.next() {
		if n := tc.node(); n.isTree() && !n.isDup() {
			names = append(names, string(n.key()))
		}
	}
	return names, err
}

// Drop empties a database. With del set the database is also deleted and
// its handle closed. The main database can only be emptied, and only while
// it holds no named databases.
func (txn *Txn) Drop(dbi DBI, del bool) error {
	if err := txn.checkWrite(); err != nil {
		return err
	}
	s, err := txn.db(dbi)
	if err != nil {
		return err
	}
	if dbi == MainDBI {
		names, err := txn.ListDBI()
		if err != nil {
			return txn.fail(err)
		}
		if len(names) > 0 {
			return NewError(ErrIncompatible)
		}
	}
	tc := newTreeCursor(txn, &s.tree, s.info.cmp)
	if err := tc.freeAll(); err != nil {
		return txn.fail(err)
	}
	s.dirty = true
	txn.touched()
	if !del || dbi == MainDBI {
		return nil
	}
	if err := txn.deleteDBRecord(s.info.name); err != nil {
		return txn.fail(err)
	}
	txn.dbs[dbi] = nil
	txn.env.CloseDBI(dbi)
	return nil
}

func (txn *Txn) deleteDBRecord(name string) error {
	main := txn.dbs[MainDBI]
	tc := newTreeCursor(txn, &main.tree, main.info.cmp)
	exact, err := tc.seek([]byte(name))
	if err != nil {
		return err
	}
	if !exact {
		return nil
	}
	if err := tc.touch(); err != nil {
		return err
	}
	if err := tc.deleteCurrent(); err != nil {
		return err
	}
	main.tree.items--
	return nil
}
