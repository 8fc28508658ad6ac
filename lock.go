//go:build unix

package gmdb

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Giulio2002/gmdb/internal/mmap"
)

// cachedPID is the process ID, cached at init to avoid syscall overhead
var cachedPID = uint32(os.Getpid())

const (
	// readerSlotSize is the size of each reader slot
	readerSlotSize = 32

	// lockHeaderSize is the size of the lock file header
	lockHeaderSize = 64

	// noSnapshot marks a claimed slot that pins nothing
	noSnapshot = ^uint64(0)
)

// readerSlot is one entry of the reader table.
//
// Memory layout:
//
//	Offset  Size  Field
//	0       8     txnid (atomic, noSnapshot when idle)
//	8       4     pid (atomic, 0 when free)
//	12      4     reserved
//	16      8     tid (reader serial, diagnostics only)
//	24      8     reserved
type readerSlot struct {
	txnid uint64
	pid   uint32
	_     uint32
	tid   uint64
	_     uint64
}

func (s *readerSlot) snapshot() uint64      { return atomic.LoadUint64(&s.txnid) }
func (s *readerSlot) setSnapshot(id uint64) { atomic.StoreUint64(&s.txnid, id) }

// lockHeader is the lock file header.
type lockHeader struct {
	magic   uint64
	version uint32
	slots   uint32
	_       [48]byte
}

// lockFile manages the writer lock and the reader table.
type lockFile struct {
	file   *os.File
	m      *mmap.Map
	header *lockHeader
	slots  []readerSlot
	shared bool // false: table lives in process memory and flock is skipped

	// Slot freelist for fast acquisition (LIFO stack)
	freeSlots []int32
	freeMu    sync.Mutex
}

// openLockFile opens or creates the lock file at path. With NoLock, or when a
// read-only environment cannot create the file, the reader table is kept in
// memory and coordinates this process only.
func openLockFile(path string, maxReaders int, flags uint) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = DefaultMaxReaders
	}
	if flags&NoLock != 0 {
		return memLockFile(maxReaders), nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		if flags&ReadOnly != 0 && (errors.Is(err, os.ErrPermission) || errors.Is(err, unix.EROFS)) {
			return memLockFile(maxReaders), nil
		}
		return nil, &lockError{"open", err}
	}
	lf := &lockFile{file: f, shared: true}
	if err := lf.setup(maxReaders); err != nil {
		f.Close()
		return nil, err
	}
	return lf, nil
}

func memLockFile(maxReaders int) *lockFile {
	return &lockFile{
		header: &lockHeader{magic: LockMagic, version: LockVersion, slots: uint32(maxReaders)},
		slots:  make([]readerSlot, maxReaders),
	}
}

// setup initializes an empty lock file or adopts the slot count of an
// existing one, then maps it.
func (lf *lockFile) setup(maxReaders int) error {
	fi, err := lf.file.Stat()
	if err != nil {
		return &lockError{"stat", err}
	}
	if fi.Size() < lockHeaderSize {
		if err := lf.initialize(maxReaders); err != nil {
			return err
		}
	} else {
		var hdr [lockHeaderSize]byte
		if _, err := lf.file.ReadAt(hdr[:], 0); err != nil {
			return &lockError{"read header", err}
		}
		if le.Uint64(hdr[0:]) != LockMagic || le.Uint32(hdr[8:]) != LockVersion {
			return errLockInvalidFile
		}
		maxReaders = int(le.Uint32(hdr[12:]))
	}
	size := lockHeaderSize + maxReaders*readerSlotSize
	if fi, err = lf.file.Stat(); err != nil {
		return &lockError{"stat", err}
	}
	if fi.Size() < int64(size) {
		if err := lf.file.Truncate(int64(size)); err != nil {
			return &lockError{"truncate", err}
		}
	}
	m, err := mmap.New(int(lf.file.Fd()), size, true)
	if err != nil {
		return &lockError{"mmap", err}
	}
	data := m.Data()
	lf.m = m
	lf.header = (*lockHeader)(unsafe.Pointer(&data[0]))
	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&data[lockHeaderSize])), maxReaders)
	return nil
}

// initialize writes a fresh header.
func (lf *lockFile) initialize(maxReaders int) error {
	size := int64(lockHeaderSize + maxReaders*readerSlotSize)
	if err := lf.file.Truncate(size); err != nil {
		return &lockError{"truncate", err}
	}
	var hdr [lockHeaderSize]byte
	le.PutUint64(hdr[0:], LockMagic)
	le.PutUint32(hdr[8:], LockVersion)
	le.PutUint32(hdr[12:], uint32(maxReaders))
	if _, err := lf.file.WriteAt(hdr[:], 0); err != nil {
		return &lockError{"write header", err}
	}
	// Free slots are pid 0; idle slots have no snapshot.
	slots := make([]byte, maxReaders*readerSlotSize)
	for i := 0; i < maxReaders; i++ {
		le.PutUint64(slots[i*readerSlotSize:], noSnapshot)
	}
	if _, err := lf.file.WriteAt(slots, lockHeaderSize); err != nil {
		return &lockError{"write slots", err}
	}
	return nil
}

// close unmaps and closes the lock file.
func (lf *lockFile) close() error {
	var err error
	if lf.m != nil {
		err = lf.m.Close()
		lf.m = nil
	}
	lf.slots = nil
	if lf.file != nil {
		if cerr := lf.file.Close(); err == nil {
			err = cerr
		}
		lf.file = nil
	}
	return err
}

// lockWriter takes the cross-process writer lock. With try set it fails
// with ErrBusy instead of waiting.
func (lf *lockFile) lockWriter(try bool) error {
	if !lf.shared {
		return nil
	}
	how := unix.LOCK_EX
	if try {
		how |= unix.LOCK_NB
	}
	for {
		err := unix.Flock(int(lf.file.Fd()), how)
		switch {
		case err == nil:
			return nil
		case err == unix.EINTR:
			continue
		case try && err == unix.EWOULDBLOCK:
			return NewError(ErrBusy)
		}
		return WrapError(ErrProblem, &lockError{"acquire writer lock", err})
	}
}

// unlockWriter releases the writer lock.
func (lf *lockFile) unlockWriter() error {
	if !lf.shared {
		return nil
	}
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_UN); err != nil {
		return &lockError{"release writer lock", err}
	}
	return nil
}

// acquire claims a reader slot for this process.
func (lf *lockFile) acquire(tid uint64) (*readerSlot, int, error) {
	lf.freeMu.Lock()
	for len(lf.freeSlots) > 0 {
		idx := lf.freeSlots[len(lf.freeSlots)-1]
		lf.freeSlots = lf.freeSlots[:len(lf.freeSlots)-1]
		if s := lf.claim(int(idx), tid); s != nil {
			lf.freeMu.Unlock()
			return s, int(idx), nil
		}
	}
	lf.freeMu.Unlock()

	for i := range lf.slots {
		if atomic.LoadUint32(&lf.slots[i].pid) != 0 {
			continue
		}
		if s := lf.claim(i, tid); s != nil {
			return s, i, nil
		}
	}
	return nil, -1, NewError(ErrReadersFull)
}

func (lf *lockFile) claim(i int, tid uint64) *readerSlot {
	s := &lf.slots[i]
	if !atomic.CompareAndSwapUint32(&s.pid, 0, cachedPID) {
		return nil
	}
	atomic.StoreUint64(&s.txnid, noSnapshot)
	atomic.StoreUint64(&s.tid, tid)
	return s
}

// release frees a reader slot and adds it to the freelist.
func (lf *lockFile) release(s *readerSlot, idx int) {
	atomic.StoreUint64(&s.txnid, noSnapshot)
	atomic.StoreUint64(&s.tid, 0)
	atomic.StoreUint32(&s.pid, 0)

	lf.freeMu.Lock()
	lf.freeSlots = append(lf.freeSlots, int32(idx))
	lf.freeMu.Unlock()
}

// oldest returns the lowest snapshot pinned by any reader, or noSnapshot.
func (lf *lockFile) oldest() uint64 {
	oldest := noSnapshot
	for i := range lf.slots {
		s := &lf.slots[i]
		if atomic.LoadUint32(&s.pid) == 0 {
			continue
		}
		if id := s.snapshot(); id < oldest {
			oldest = id
		}
	}
	return oldest
}

// numReaders counts slots pinning a snapshot.
func (lf *lockFile) numReaders() int {
	n := 0
	for i := range lf.slots {
		s := &lf.slots[i]
		if atomic.LoadUint32(&s.pid) != 0 && s.snapshot() != noSnapshot {
			n++
		}
	}
	return n
}

// cleanupStale frees slots owned by dead processes.
func (lf *lockFile) cleanupStale() int {
	cleaned := 0
	for i := range lf.slots {
		s := &lf.slots[i]
		pid := atomic.LoadUint32(&s.pid)
		if pid == 0 || pid == cachedPID {
			continue
		}
		if processExists(int(pid)) {
			continue
		}
		atomic.StoreUint64(&s.txnid, noSnapshot)
		if atomic.CompareAndSwapUint32(&s.pid, pid, 0) {
			cleaned++
		}
	}
	return cleaned
}

// ReaderInfo describes one reader slot.
type ReaderInfo struct {
	Slot  int
	PID   uint32
	TID   uint64
	Txnid uint64 // 0 when the slot pins no snapshot
}

func (lf *lockFile) forEach(fn func(ReaderInfo) error) error {
	for i := range lf.slots {
		s := &lf.slots[i]
		pid := atomic.LoadUint32(&s.pid)
		if pid == 0 {
			continue
		}
		info := ReaderInfo{Slot: i, PID: pid, TID: atomic.LoadUint64(&s.tid)}
		if id := s.snapshot(); id != noSnapshot {
			info.Txnid = id
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// processExists checks if a process exists.
func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

var errLockInvalidFile = &lockError{"invalid lock file", nil}

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}
