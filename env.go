//go:build unix

package gmdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Giulio2002/gmdb/internal/mmap"
	"github.com/Giulio2002/gmdb/internal/spill"
)

// Env represents a database environment: one data file mapped into memory,
// its lock file and the handles of its databases.
type Env struct {
	label Label
	path  string
	flags uint

	// mu guards the mapping, the meta pages and flags. wmu serializes write
	// transactions of this process; the lock file serializes processes.
	mu  sync.RWMutex
	wmu sync.Mutex

	file *os.File
	dm   *mmap.Map
	data []byte
	lock *lockFile

	// Configuration
	pageSize   int
	mapSize    uint64
	maxReaders int
	maxDBs     int
	logger     Logger
	spillDir   string
	spill      *spill.Arena
	guid       uuid.UUID

	// Database handles; index 0 is the main database.
	dbis   []*dbiInfo
	dbisMu sync.RWMutex

	// openTxns counts transactions not yet ended; Close refuses while any
	// exist. activeTxns counts those holding the mapping and is guarded by mu.
	openTxns   atomic.Int64
	activeTxns int
	tidSeq     atomic.Uint64
}

var (
	errEnvOpen     = errors.New("environment already open")
	errEnvNotOpen  = errors.New("environment not open")
	errBadPageSize = errors.New("page size must be a power of two between 512 and 65536")
)

// NewEnv creates a new environment handle. The environment must be opened
// with Open before use. label names the environment in log messages.
func NewEnv(label Label) (*Env, error) {
	return &Env{
		label:      label,
		pageSize:   defaultPageSize(),
		mapSize:    DefaultMapSize,
		maxReaders: DefaultMaxReaders,
		maxDBs:     DefaultMaxDBs,
		logger:     DiscardLogger,
	}, nil
}

// defaultPageSize is the OS page size clamped to the supported range.
func defaultPageSize() int {
	ps := os.Getpagesize()
	switch {
	case ps < MinPageSize:
		return MinPageSize
	case ps > MaxPageSize:
		return MaxPageSize
	}
	return ps
}

func (e *Env) isOpen() bool { return e.file != nil }

func (e *Env) configure(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isOpen() {
		return WrapError(ErrInvalid, errEnvOpen)
	}
	fn()
	return nil
}

// SetMaxDBs sets the maximum number of named databases. Must be called
// before Open.
func (e *Env) SetMaxDBs(n int) error {
	if n < 0 || n > MaxDBI {
		return NewError(ErrInvalid)
	}
	return e.configure(func() { e.maxDBs = n })
}

// SetMaxReaders sets the size of the reader table created by Open. An
// existing lock file keeps its own size.
func (e *Env) SetMaxReaders(n int) error {
	if n <= 0 {
		return NewError(ErrInvalid)
	}
	return e.configure(func() { e.maxReaders = n })
}

// SetPageSize sets the page size of a new data file. Existing files keep
// the size they were created with.
func (e *Env) SetPageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return WrapError(ErrInvalid, errBadPageSize)
	}
	return e.configure(func() { e.pageSize = size })
}

// SetLogger routes environment events to l. A nil logger discards them.
func (e *Env) SetLogger(l Logger) {
	if l == nil {
		l = DiscardLogger
	}
	e.mu.Lock()
	e.logger = l
	e.mu.Unlock()
}

// SetSpillDir makes write transactions keep dirty pages in a file-backed
// arena under dir instead of the Go heap. Must be called before Open.
func (e *Env) SetSpillDir(dir string) error {
	return e.configure(func() { e.spillDir = dir })
}

// SetMapSize sets the size of the memory map, which bounds the data file.
//
// Before Open it is the initial size. On an open environment it remaps at
// once and requires that no transaction of this process is active. The size
// is rounded up to whole pages and never drops below the space in use. The
// new size is recorded by the next commit, and other processes adopt it when
// they next begin a transaction.
func (e *Env) SetMapSize(size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isOpen() {
		e.mapSize = size
		return nil
	}
	if e.activeTxns > 0 {
		return NewError(ErrBusy)
	}
	m, err := e.readMetaLocked()
	if err != nil {
		return err
	}
	ps := uint64(e.pageSize)
	size = (size + ps - 1) / ps * ps
	if used := uint64(m.nextPgno) * ps; size < used {
		size = used
	}
	if size == e.mapSize {
		return nil
	}
	if err := e.remapLocked(size); err != nil {
		return err
	}
	e.logger.Infof("%s: map resized to %d bytes", e.label, size)
	return nil
}

// Open opens the environment at path, creating it unless ReadOnly is set.
// Without NoSubdir path is a directory holding the data and lock files.
func (e *Env) Open(path string, flags uint, mode os.FileMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isOpen() {
		return WrapError(ErrInvalid, errEnvOpen)
	}
	if mode == 0 {
		mode = 0644
	}
	dataPath, lockPath := path, path+LockSuffix
	if flags&NoSubdir == 0 {
		if flags&ReadOnly == 0 {
			if err := os.MkdirAll(path, mode|0700); err != nil {
				return WrapError(ErrInvalid, err)
			}
		}
		dataPath = filepath.Join(path, DataFileName)
		lockPath = filepath.Join(path, LockFileName)
	}
	e.path = path
	e.flags = flags

	lf, err := openLockFile(lockPath, e.maxReaders, flags)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.lock = lf
	if err := e.openData(dataPath, mode); err != nil {
		e.closeFiles()
		return err
	}
	if n := lf.cleanupStale(); n > 0 {
		e.logger.Infof("%s: cleared %d stale reader slots", e.label, n)
	}
	e.logger.Infof("%s: opened %s (page size %d, map size %d)", e.label, dataPath, e.pageSize, e.mapSize)
	return nil
}

// openData opens the data file, initializing an empty one, and maps it.
func (e *Env) openData(dataPath string, mode os.FileMode) error {
	ro := e.flags&ReadOnly != 0
	fileFlags := os.O_RDWR | os.O_CREATE
	if ro {
		fileFlags = os.O_RDONLY
	}
	f, err := os.OpenFile(dataPath, fileFlags, mode)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.file = f

	fi, err := f.Stat()
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	if fi.Size() == 0 {
		if ro {
			return WrapError(ErrInvalid, errors.New("empty data file"))
		}
		if err := e.initFile(); err != nil {
			return err
		}
		if fi, err = f.Stat(); err != nil {
			return WrapError(ErrInvalid, err)
		}
	}

	ps, err := e.detectPageSize()
	if err != nil {
		return err
	}
	e.pageSize = ps
	buf := make([]byte, NumMetas*ps)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return WrapError(ErrInvalid, err)
	}
	m, slot, err := pickMeta(page(buf[:ps]), page(buf[ps:]))
	if m == nil {
		return err
	}
	if err != nil {
		e.logger.Warnf("%s: meta page %d invalid (%v), using meta %d at txn %d", e.label, 1-slot, err, slot, m.txnid)
	}

	psz := uint64(ps)
	size := max(e.mapSize, m.mapSize, uint64(fi.Size()))
	size = (size + psz - 1) / psz * psz
	dm, err := mmap.New(int(f.Fd()), int(size), !ro && e.flags&WriteMap != 0)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.dm = dm
	e.data = dm.Data()
	e.mapSize = size
	if e.flags&NoReadAhead != 0 {
		if err := dm.AdviseRandom(); err != nil {
			e.logger.Warnf("%s: madvise: %v", e.label, err)
		}
	}
	e.guid = m.guid

	pf := uint(m.main.flags)
	e.dbis = []*dbiInfo{{flags: pf, cmp: defaultKeyComparer(pf), dcmp: defaultDupComparer(pf)}}

	if e.spillDir != "" && !ro {
		name := fmt.Sprintf("gmdb-%s-%d.spill", e.guid, os.Getpid())
		a, err := spill.New(filepath.Join(e.spillDir, name), ps, 0)
		if err != nil {
			return WrapError(ErrProblem, err)
		}
		e.spill = a
	}
	return nil
}

// initFile writes the two meta pages of a new data file. Both describe the
// same empty snapshot at txn 0.
func (e *Env) initFile() error {
	if err := e.lock.lockWriter(false); err != nil {
		return err
	}
	defer e.lock.unlockWriter()
	// Another process may have won the race.
	if fi, err := e.file.Stat(); err != nil || fi.Size() > 0 {
		return err
	}
	ps := e.pageSize
	m := &meta{
		pageSize:     uint32(ps),
		mapSize:      e.mapSize,
		nextPgno:     NumMetas,
		freelistPgno: invalidPgno,
		guid:         uuid.New(),
		main:         emptyTree(0),
	}
	buf := make([]byte, NumMetas*ps)
	for i := 0; i < NumMetas; i++ {
		m.encode(page(buf[i*ps:(i+1)*ps]), i)
	}
	if _, err := e.file.WriteAt(buf, 0); err != nil {
		return WrapError(ErrInvalid, err)
	}
	if err := e.file.Sync(); err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.logger.Infof("%s: initialized new data file with page size %d", e.label, ps)
	return nil
}

// detectPageSize reads the page size recorded in meta 0, or failing that
// probes for a readable meta 1.
func (e *Env) detectPageSize() (int, error) {
	var hdr [metaMinPageBytes]byte
	if _, err := e.file.ReadAt(hdr[:], 0); err != nil {
		return 0, WrapError(ErrInvalid, err)
	}
	if ps := int(metaPageSize(hdr[:])); ps >= MinPageSize && ps <= MaxPageSize && ps&(ps-1) == 0 {
		return ps, nil
	}
	for ps := MinPageSize; ps <= MaxPageSize; ps <<= 1 {
		if _, err := e.file.ReadAt(hdr[:], int64(ps)); err != nil {
			break
		}
		if int(metaPageSize(hdr[:])) == ps {
			return ps, nil
		}
	}
	return 0, NewError(ErrInvalid)
}

// Close unmaps the environment and closes its files. It fails with ErrBusy
// while transactions are still open. Closing a closed environment is a
// no-op.
func (e *Env) Close() error {
	if n := e.openTxns.Load(); n > 0 {
		return WrapError(ErrBusy, fmt.Errorf("%d transactions still open", n))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isOpen() {
		return nil
	}
	err := e.closeFiles()
	e.logger.Infof("%s: closed", e.label)
	return err
}

func (e *Env) closeFiles() error {
	var errs []error
	if e.spill != nil {
		errs = append(errs, e.spill.Close())
		e.spill = nil
	}
	if e.dm != nil {
		errs = append(errs, e.dm.Close())
		e.dm = nil
		e.data = nil
	}
	if e.file != nil {
		errs = append(errs, e.file.Close())
		e.file = nil
	}
	if e.lock != nil {
		errs = append(errs, e.lock.close())
		e.lock = nil
	}
	e.dbisMu.Lock()
	e.dbis = nil
	e.dbisMu.Unlock()
	return errors.Join(errs...)
}

// readMetaLocked returns the newest valid meta of the mapping.
func (e *Env) readMetaLocked() (*meta, error) {
	ps := e.pageSize
	m, _, err := pickMeta(page(e.data[:ps]), page(e.data[ps:2*ps]))
	if m == nil {
		return nil, err
	}
	return m, nil
}

func (e *Env) remapLocked(size uint64) error {
	if err := e.dm.Remap(int(size)); err != nil {
		return WrapError(ErrProblem, err)
	}
	e.data = e.dm.Data()
	e.mapSize = size
	return nil
}

// ensureMapLocked adopts a map size grown by another process. The mapping
// can only move while no transaction of this process reads through it.
func (e *Env) ensureMapLocked(size uint64) error {
	if size <= e.mapSize {
		return nil
	}
	if e.activeTxns > 0 {
		return NewError(ErrMapResized)
	}
	if err := e.remapLocked(size); err != nil {
		return err
	}
	e.logger.Infof("%s: adopted map size %d", e.label, size)
	return nil
}

func (e *Env) releaseMap() {
	e.mu.Lock()
	e.activeTxns--
	e.mu.Unlock()
}

// BeginTxn starts a transaction. With parent set it starts a nested write
// transaction; otherwise flags select a read-only (TxnReadOnly) or write
// transaction.
func (e *Env) BeginTxn(parent *Txn, flags uint) (*Txn, error) {
	e.mu.RLock()
	open := e.isOpen()
	e.mu.RUnlock()
	if !open {
		return nil, WrapError(ErrInvalid, errEnvNotOpen)
	}
	switch {
	case parent != nil:
		return e.beginChild(parent, flags)
	case flags&TxnReadOnly != 0:
		return e.beginRead(flags)
	}
	return e.beginWrite(flags)
}

func (e *Env) beginRead(flags uint) (*Txn, error) {
	txn := &Txn{env: e, flags: flags, readOnly: true, seq: new(uint64)}
	slot, idx, err := e.lock.acquire(e.tidSeq.Add(1))
	if err != nil {
		return nil, err
	}
	txn.slot, txn.slotIdx = slot, idx
	if err := e.pinSnapshot(txn); err != nil {
		e.lock.release(slot, idx)
		return nil, err
	}
	e.openTxns.Add(1)
	return txn, nil
}

// pinSnapshot publishes the newest meta in the reader slot of txn. The meta
// is read again after publishing; a commit in between means a writer may not
// have seen the slot, so the loop starts over.
func (e *Env) pinSnapshot(txn *Txn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		m, err := e.readMetaLocked()
		if err != nil {
			return err
		}
		if err := e.ensureMapLocked(m.mapSize); err != nil {
			return err
		}
		txn.slot.setSnapshot(m.txnid)
		again, err := e.readMetaLocked()
		if err != nil {
			txn.slot.setSnapshot(noSnapshot)
			return err
		}
		if again.txnid != m.txnid {
			txn.slot.setSnapshot(noSnapshot)
			continue
		}
		e.activeTxns++
		txn.setSnapshot(m, e.data)
		return nil
	}
}

func (e *Env) beginWrite(flags uint) (*Txn, error) {
	if e.flags&ReadOnly != 0 {
		return nil, NewError(ErrPermissionDenied)
	}
	try := flags&TxnTry != 0
	if try {
		if !e.wmu.TryLock() {
			return nil, NewError(ErrBusy)
		}
	} else {
		e.wmu.Lock()
	}
	if err := e.lock.lockWriter(try); err != nil {
		e.wmu.Unlock()
		return nil, err
	}

	e.mu.Lock()
	m, err := e.readMetaLocked()
	if err == nil {
		err = e.ensureMapLocked(m.mapSize)
	}
	if err != nil {
		e.mu.Unlock()
		e.unlockWriter()
		return nil, err
	}
	e.activeTxns++
	data, maxPgno := e.data, e.mapSize/uint64(e.pageSize)
	e.mu.Unlock()

	txn := &Txn{
		env:      e,
		flags:    flags,
		id:       m.txnid + 1,
		meta:     *m,
		data:     data,
		nextPgno: m.nextPgno,
		maxPgno:  maxPgno,
		seq:      new(uint64),
	}
	records, err := txn.loadFreelist()
	if err != nil {
		e.releaseMap()
		e.unlockWriter()
		return nil, err
	}
	txn.fl = &freelist{records: records, reclaimLimit: min(m.txnid, e.lock.oldest())}
	txn.dbs = []*dbSlot{{tree: m.main, info: e.dbiInfo(MainDBI)}}
	e.openTxns.Add(1)
	return txn, nil
}

func (e *Env) beginChild(parent *Txn, flags uint) (*Txn, error) {
	if flags&TxnReadOnly != 0 || parent.readOnly {
		return nil, NewError(ErrIncompatible)
	}
	if err := parent.checkReady(); err != nil {
		return nil, err
	}
	c := &Txn{
		env:      e,
		parent:   parent,
		flags:    parent.flags,
		id:       parent.id,
		meta:     parent.meta,
		data:     parent.data,
		nextPgno: parent.nextPgno,
		maxPgno:  parent.maxPgno,
		fl:       parent.fl.clone(),
		seq:      parent.seq,
	}
	c.dbs = make([]*dbSlot, len(parent.dbs))
	for i, s := range parent.dbs {
		if s != nil {
			cp := *s
			c.dbs[i] = &cp
		}
	}
	parent.child = c
	return c, nil
}

func (e *Env) unlockWriter() {
	if err := e.lock.unlockWriter(); err != nil {
		e.logger.Errorf("%s: %v", e.label, err)
	}
	e.wmu.Unlock()
}

// writePages extends the file to cover the transaction and writes its dirty
// pages in file order.
func (e *Env) writePages(txn *Txn, pgs []pgno) error {
	ps := int64(e.pageSize)
	want := int64(txn.nextPgno) * ps
	fi, err := e.file.Stat()
	if err != nil {
		return WrapError(ErrProblem, err)
	}
	if fi.Size() < want {
		if err := e.file.Truncate(want); err != nil {
			return WrapError(ErrProblem, err)
		}
	}
	writeMap := e.dm.Writable()
	for _, pg := range pgs {
		buf, _ := txn.dirty.Get(uint32(pg))
		off := int64(pg) * ps
		if writeMap {
			copy(e.data[off:], buf)
			continue
		}
		if _, err := e.file.WriteAt(buf, off); err != nil {
			return WrapError(ErrProblem, err)
		}
	}
	return nil
}

// syncData flushes data pages to stable storage.
func (e *Env) syncData() error {
	if e.dm.Writable() {
		if err := e.dm.Sync(); err != nil {
			return WrapError(ErrProblem, err)
		}
		return nil
	}
	if err := fdatasync(e.file); err != nil {
		return WrapError(ErrProblem, err)
	}
	return nil
}

// writeMeta stores m in meta slot txnid%2, the one not holding the newest
// snapshot.
func (e *Env) writeMeta(m *meta, sync bool) error {
	ps := e.pageSize
	slot := int(m.txnid % NumMetas)
	buf := make([]byte, ps)
	m.encode(page(buf), slot)

	e.mu.Lock()
	defer e.mu.Unlock()
	off := slot * ps
	if e.dm.Writable() {
		copy(e.data[off:off+ps], buf)
		if sync {
			if err := e.dm.SyncRange(off, ps); err != nil {
				return WrapError(ErrProblem, err)
			}
		}
		return nil
	}
	if _, err := e.file.WriteAt(buf, int64(off)); err != nil {
		return WrapError(ErrProblem, err)
	}
	if sync {
		if err := fdatasync(e.file); err != nil {
			return WrapError(ErrProblem, err)
		}
	}
	return nil
}

// Sync flushes committed data. Without force it does nothing when NoSync is
// set.
func (e *Env) Sync(force bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.isOpen() {
		return WrapError(ErrInvalid, errEnvNotOpen)
	}
	if e.flags&ReadOnly != 0 || (!force && e.flags&NoSync != 0) {
		return nil
	}
	return e.syncData()
}

// EnvInfo describes an open environment.
type EnvInfo struct {
	MapSize    uint64
	LastPgNo   uint64
	LastTxnID  uint64
	MaxReaders int
	NumReaders int
	PageSize   int
	GUID       uuid.UUID
	Flags      uint
	// FreePages counts pages held by the committed free list.
	FreePages uint64
}

// Stat returns statistics of the main database in the newest snapshot.
func (e *Env) Stat() (*Stat, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.isOpen() {
		return nil, WrapError(ErrInvalid, errEnvNotOpen)
	}
	m, err := e.readMetaLocked()
	if err != nil {
		return nil, err
	}
	return m.main.stat(e.pageSize), nil
}

// Info returns information about the environment.
func (e *Env) Info() (*EnvInfo, error) {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	var free uint64
	records, err := txn.loadFreelist()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		free += uint64(len(r.pages))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &EnvInfo{
		MapSize:    e.mapSize,
		LastPgNo:   uint64(txn.meta.nextPgno) - 1,
		LastTxnID:  txn.meta.txnid,
		MaxReaders: len(e.lock.slots),
		NumReaders: e.lock.numReaders() - 1, // without the reader of this call
		PageSize:   e.pageSize,
		GUID:       e.guid,
		Flags:      e.flags,
		FreePages:  free,
	}, nil
}

// Flags returns the environment flags.
func (e *Env) Flags() (uint, error) {
	return e.getFlags(), nil
}

func (e *Env) getFlags() uint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flags
}

// SetFlags sets runtime flags (NoSync, NoMetaSync, NoMemInit).
func (e *Env) SetFlags(flags uint) error {
	if flags&^runtimeFlags != 0 {
		return NewError(ErrIncompatible)
	}
	e.mu.Lock()
	e.flags |= flags
	e.mu.Unlock()
	return nil
}

// UnsetFlags clears runtime flags.
func (e *Env) UnsetFlags(flags uint) error {
	if flags&^runtimeFlags != 0 {
		return NewError(ErrIncompatible)
	}
	e.mu.Lock()
	e.flags &^= flags
	e.mu.Unlock()
	return nil
}

// ReaderList calls fn for every claimed reader slot.
func (e *Env) ReaderList(fn func(ReaderInfo) error) error {
	if e.lock == nil {
		return WrapError(ErrInvalid, errEnvNotOpen)
	}
	return e.lock.forEach(fn)
}

// ReaderCheck frees reader slots left behind by dead processes and returns
// how many it cleared.
func (e *Env) ReaderCheck() (int, error) {
	if e.lock == nil {
		return 0, WrapError(ErrInvalid, errEnvNotOpen)
	}
	n := e.lock.cleanupStale()
	if n > 0 {
		e.logger.Infof("%s: cleared %d stale reader slots", e.label, n)
	}
	return n, nil
}

// MaxKeySize returns the largest key (and DupSort value) the page size allows.
func (e *Env) MaxKeySize() int { return maxKeySize(e.pageSize) }

// MaxReaders returns the size of the reader table.
func (e *Env) MaxReaders() int {
	if e.lock != nil {
		return len(e.lock.slots)
	}
	return e.maxReaders
}

// MaxDBs returns the maximum number of named databases.
func (e *Env) MaxDBs() int { return e.maxDBs }

// Path returns the path passed to Open.
func (e *Env) Path() string { return e.path }

// GUID returns the identity stored in the data file.
func (e *Env) GUID() uuid.UUID { return e.guid }

// Label returns the environment label.
func (e *Env) Label() Label { return e.label }

// PageSize returns the page size of the data file.
func (e *Env) PageSize() int { return e.pageSize }
