package gmdb

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// meta is the decoded body of a meta page.
//
// Memory layout (after the page header, little-endian):
//
//	Offset  Size  Field
//	0       8     magic
//	8       4     version
//	12      4     page_size
//	16      8     txnid
//	24      8     map_size
//	32      4     next_pgno
//	36      4     freelist_pgno
//	40      4     freelist_pages
//	44      4     flags
//	48      16    guid
//	64      48    main tree
//	112     8     xxh3 checksum of bytes 0..112
type meta struct {
	pageSize      uint32
	txnid         uint64
	mapSize       uint64
	nextPgno      pgno
	freelistPgno  pgno
	freelistPages uint32
	flags         uint32
	guid          uuid.UUID
	main          tree
}

const (
	metaBodySize     = 120
	metaChecksumOff  = 112
	metaMinPageBytes = PageHeaderSize + metaBodySize
)

func (m *meta) encode(p page, slot int) {
	initPage(p[:PageHeaderSize], pgno(slot), pageMeta, m.txnid)
	b := p[PageHeaderSize : PageHeaderSize+metaBodySize]
	clear(b)
	le.PutUint64(b[0:], Magic)
	le.PutUint32(b[8:], DataVersion)
	le.PutUint32(b[12:], m.pageSize)
	le.PutUint64(b[16:], m.txnid)
	le.PutUint64(b[24:], m.mapSize)
	le.PutUint32(b[32:], uint32(m.nextPgno))
	le.PutUint32(b[36:], uint32(m.freelistPgno))
	le.PutUint32(b[40:], m.freelistPages)
	le.PutUint32(b[44:], m.flags)
	copy(b[48:64], m.guid[:])
	m.main.encode(b[64:112])
	le.PutUint64(b[metaChecksumOff:], xxh3.Hash(b[:metaChecksumOff]))
}

// decodeMeta parses and validates the meta stored in p.
func decodeMeta(p page) (*meta, error) {
	if len(p) < metaMinPageBytes {
		return nil, NewError(ErrInvalid)
	}
	b := p[PageHeaderSize : PageHeaderSize+metaBodySize]
	if le.Uint64(b[0:]) != Magic {
		return nil, NewError(ErrInvalid)
	}
	if sum := xxh3.Hash(b[:metaChecksumOff]); sum != le.Uint64(b[metaChecksumOff:]) {
		return nil, corruptf("meta page %d: checksum mismatch", p.pgno())
	}
	if v := le.Uint32(b[8:]); v != DataVersion {
		return nil, WrapError(ErrVersionMismatch, fmt.Errorf("data version %d", v))
	}
	if p.flags()&pageMeta == 0 {
		return nil, corruptf("meta page %d: flags %#x", p.pgno(), p.flags())
	}
	m := &meta{
		pageSize:      le.Uint32(b[12:]),
		txnid:         le.Uint64(b[16:]),
		mapSize:       le.Uint64(b[24:]),
		nextPgno:      pgno(le.Uint32(b[32:])),
		freelistPgno:  pgno(le.Uint32(b[36:])),
		freelistPages: le.Uint32(b[40:]),
		flags:         le.Uint32(b[44:]),
	}
	copy(m.guid[:], b[48:64])
	var err error
	if m.main, err = decodeTree(b[64:112]); err != nil {
		return nil, err
	}
	if m.pageSize < MinPageSize || m.pageSize > MaxPageSize || m.pageSize&(m.pageSize-1) != 0 {
		return nil, corruptf("meta: page size %d", m.pageSize)
	}
	if m.nextPgno < NumMetas {
		return nil, corruptf("meta: next page %d", m.nextPgno)
	}
	return m, nil
}

// pickMeta returns the newest valid meta among the two slots and the error
// of the slot that failed, if any.
func pickMeta(p0, p1 page) (*meta, int, error) {
	m0, err0 := decodeMeta(p0)
	m1, err1 := decodeMeta(p1)
	switch {
	case err0 == nil && err1 == nil:
		if m1.txnid > m0.txnid {
			return m1, 1, nil
		}
		return m0, 0, nil
	case err0 == nil:
		return m0, 0, err1
	case err1 == nil:
		return m1, 1, err0
	}
	if IsCorrupted(err0) || IsCorrupted(err1) {
		return nil, -1, WrapError(ErrCorrupted, err0)
	}
	return nil, -1, err0
}

// metaPageSize peeks at the page size recorded in a raw meta body without
// validating it.
func metaPageSize(b []byte) uint32 {
	if len(b) < metaMinPageBytes || le.Uint64(b[PageHeaderSize:]) != Magic {
		return 0
	}
	return le.Uint32(b[PageHeaderSize+12:])
}
