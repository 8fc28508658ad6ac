package gmdb

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"slices"
)

// copyChunkPages bounds the pages written per call in a plain copy.
const copyChunkPages = 256

// Copy writes a consistent snapshot of the environment to path, which must
// not exist. Without NoSubdir on the environment, path is a directory that
// receives a data file. With CopyCompact only live pages are written,
// renumbered from the start of the file, and the copy has an empty free
// list. Copy runs in a read transaction and does not block writers.
func (e *Env) Copy(path string, flags uint) error {
	dst := path
	if e.getFlags()&NoSubdir == 0 {
		if err := os.MkdirAll(path, 0755); err != nil {
			return WrapError(ErrInvalid, err)
		}
		dst = filepath.Join(path, DataFileName)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	err = e.copyTo(f, flags)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	e.logger.Infof("%s: copied to %s", e.label, dst)
	return nil
}

func (e *Env) copyTo(f *os.File, flags uint) error {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return err
	}
	defer txn.Abort()

	ps := e.pageSize
	w := bufio.NewWriterSize(f, copyChunkPages*ps)
	if _, err := w.Write(make([]byte, NumMetas*ps)); err != nil {
		return err
	}
	m := txn.meta
	if flags&CopyCompact != 0 {
		c := &compactor{txn: txn, w: w, ps: ps, next: NumMetas}
		if err := c.copyTree(&m.main, 0); err != nil {
			return err
		}
		m.nextPgno = c.next
		m.freelistPgno, m.freelistPages = invalidPgno, 0
	} else {
		for pg := pgno(NumMetas); pg < m.nextPgno; pg += copyChunkPages {
			n := min(copyChunkPages, int(m.nextPgno-pg))
			run, err := txn.getRun(pg, n)
			if err != nil {
				return err
			}
			if _, err := w.Write(run); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	m.mapSize = max(m.mapSize, uint64(m.nextPgno)*uint64(ps))
	metas := make([]byte, NumMetas*ps)
	for i := 0; i < NumMetas; i++ {
		m.encode(page(metas[i*ps:(i+1)*ps]), i)
	}
	if _, err := f.WriteAt(metas, 0); err != nil {
		return err
	}
	return f.Sync()
}

// compactor rewrites trees into consecutive page numbers, children first.
type compactor struct {
	txn  *Txn
	w    *bufio.Writer
	ps   int
	next pgno
}

var errCopyTooDeep = errors.New("tree deeper than the cursor stack")

func (c *compactor) emit(buf []byte) (pgno, error) {
	pg := c.next
	page(buf).setPgno(pg)
	if _, err := c.w.Write(buf); err != nil {
		return 0, err
	}
	c.next += pgno(len(buf) / c.ps)
	return pg, nil
}

func (c *compactor) copyTree(t *tree, depth int) error {
	if t.isEmpty() {
		return nil
	}
	root, err := c.copyPage(t.root, depth)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func (c *compactor) copyPage(pg pgno, depth int) (pgno, error) {
	if depth >= 2*CursorStackSize {
		return 0, WrapError(ErrCursorFull, errCopyTooDeep)
	}
	src, err := c.txn.getPage(pg)
	if err != nil {
		return 0, err
	}
	if err := checkPage(src, pg, pageBranch|pageLeaf); err != nil {
		return 0, err
	}
	p := page(slices.Clone(src))
	for i := 0; i < p.numKeys(); i++ {
		if p.isBranch() {
			child, err := c.copyPage(p.child(i), depth+1)
			if err != nil {
				return 0, err
			}
			p.setChild(i, child)
			continue
		}
		n := p.node(i)
		switch {
		case n.isBig():
			cnt := largePageCount(n.dsize(), c.ps)
			run, err := c.txn.getRun(n.bigPgno(), cnt)
			if err != nil {
				return 0, err
			}
			npg, err := c.emit(slices.Clone(run))
			if err != nil {
				return 0, err
			}
			le.PutUint32(n.data(), uint32(npg))
		case n.isTree():
			t, err := decodeTree(n.data())
			if err != nil {
				return 0, err
			}
			if err := c.copyTree(&t, depth+1); err != nil {
				return 0, err
			}
			t.encode(n.data())
		}
	}
	return c.emit(p)
}
