// Package dump writes and reads logical backups of a gmdb environment.
//
// A dump is independent of page size and file layout. It starts with an
// uncompressed preamble:
//
//	magic "GMDBDUMP" | version u8 | codec u8
//
// followed by the body, compressed with the codec. The body is a sequence of
// framed records:
//
//	type u8 | payload length uvarint | payload | xxh3 of the preceding bytes (u64 LE)
//
// Record types:
//
//	'H' header:    guid [16] | page size uvarint | txnid uvarint
//	'D' database:  name length uvarint | name | flags uvarint | sequence uvarint
//	'R' item:      key length uvarint | key | value
//	'E' end of db: item count uvarint
//	'T' trailer:   blake3 digest of every frame before it
//
// The main database comes first under the empty name; its records naming
// other databases are not written as items.
package dump

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Giulio2002/gmdb"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

// Magic opens every dump.
const Magic = "GMDBDUMP"

// Version is the dump format version.
const Version = 1

const (
	recHeader   = 'H'
	recDatabase = 'D'
	recItem     = 'R'
	recEnd      = 'E'
	recTrailer  = 'T'
)

// maxPayload bounds a record payload read back from a stream.
const maxPayload = gmdb.MaxDataSize + 1<<16

// dbFlags are the database flags carried by a dump.
const dbFlags = gmdb.ReverseKey | gmdb.DupSort | gmdb.IntegerKey | gmdb.DupFixed | gmdb.IntegerDup | gmdb.ReverseDup

var (
	ErrBadMagic = errors.New("dump: not a gmdb dump")
	ErrVersion  = errors.New("dump: unsupported version")
	ErrCodec    = errors.New("dump: unsupported codec")
	ErrChecksum = errors.New("dump: record checksum mismatch")
	ErrDigest   = errors.New("dump: stream digest mismatch")
	ErrFormat   = errors.New("dump: malformed stream")
)

// Summary describes a dump written or read.
type Summary struct {
	GUID      uuid.UUID // environment the dump was taken from
	PageSize  int
	TxnID     uint64 // snapshot the dump was taken at
	Codec     Codec
	Databases int // the main database included
	Items     uint64
}

// Option configures Export and Import.
type Option func(*options)

type comparers struct{ key, dup gmdb.Comparer }

type options struct {
	cmps map[string]comparers
}

// WithComparer sets the key and duplicate order of the database name, the
// empty name being the main database. A database created with custom
// comparers must be exported and imported with the same ones. nil keeps the
// order implied by the database flags.
func WithComparer(name string, cmp, dcmp gmdb.Comparer) Option {
	return func(o *options) {
		o.cmps[name] = comparers{key: cmp, dup: dcmp}
	}
}

func newOptions(opts []Option) *options {
	o := &options{cmps: make(map[string]comparers)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) open(txn *gmdb.Txn, name string, flags uint) (gmdb.DBI, error) {
	c := o.cmps[name]
	dbi, err := txn.OpenDBI(name, flags, c.key, c.dup)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", name, err)
	}
	return dbi, nil
}

// encoder frames records and feeds them to the digest.
type encoder struct {
	w   io.Writer
	h   *blake3.Hasher
	buf []byte
}

func (e *encoder) record(typ byte, payload []byte) error {
	e.buf = append(e.buf[:0], typ)
	e.buf = binary.AppendUvarint(e.buf, uint64(len(payload)))
	e.buf = append(e.buf, payload...)
	e.buf = binary.LittleEndian.AppendUint64(e.buf, xxh3.Hash(e.buf))
	if typ != recTrailer {
		e.h.Write(e.buf)
	}
	_, err := e.w.Write(e.buf)
	return err
}

// Export writes a dump of every database in a consistent snapshot of env
// to w. The snapshot is a read transaction, so writers are not blocked.
func Export(env *gmdb.Env, w io.Writer, codec Codec, opts ...Option) (*Summary, error) {
	o := newOptions(opts)
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Magic); err != nil {
		return nil, err
	}
	if _, err := bw.Write([]byte{Version, byte(codec)}); err != nil {
		return nil, err
	}
	cw, err := newWriter(codec, bw)
	if err != nil {
		return nil, err
	}
	sum := &Summary{GUID: env.GUID(), PageSize: env.PageSize(), Codec: codec}
	enc := &encoder{w: cw, h: blake3.New()}
	err = env.View(func(txn *gmdb.Txn) error {
		sum.TxnID = txn.ID()
		hdr := append([]byte(nil), sum.GUID[:]...)
		hdr = binary.AppendUvarint(hdr, uint64(sum.PageSize))
		hdr = binary.AppendUvarint(hdr, sum.TxnID)
		if err := enc.record(recHeader, hdr); err != nil {
			return err
		}
		names, err := txn.ListDBI()
		if err != nil {
			return err
		}
		skip := make(map[string]bool, len(names))
		for _, name := range names {
			skip[name] = true
		}
		main, err := o.open(txn, "", 0)
		if err != nil {
			return err
		}
		if err := exportDB(txn, enc, sum, "", main, skip); err != nil {
			return err
		}
		for _, name := range names {
			dbi, err := o.open(txn, name, 0)
			if err != nil {
				return err
			}
			if err := exportDB(txn, enc, sum, name, dbi, nil); err != nil {
				return err
			}
		}
		return enc.record(recTrailer, enc.h.Sum(nil))
	})
	if err != nil {
		cw.Close()
		return nil, err
	}
	if err := cw.Close(); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return sum, nil
}

func exportDB(txn *gmdb.Txn, enc *encoder, sum *Summary, name string, dbi gmdb.DBI, skip map[string]bool) error {
	flags, err := txn.Flags(dbi)
	if err != nil {
		return err
	}
	seq, err := txn.Sequence(dbi, 0)
	if err != nil {
		return err
	}
	p := binary.AppendUvarint(nil, uint64(len(name)))
	p = append(p, name...)
	p = binary.AppendUvarint(p, uint64(flags&dbFlags))
	p = binary.AppendUvarint(p, seq)
	if err := enc.record(recDatabase, p); err != nil {
		return err
	}

	cur, err := txn.OpenCursor(dbi)
	if err != nil {
		return err
	}
	defer cur.Close()
	var items uint64
	k, v, err := cur.Get(nil, nil, gmdb.First)
	for ; err == nil; k, v, err = cur.Get(nil, nil, gmdb.Next) {
		if skip[string(k)] {
			continue
		}
		p = binary.AppendUvarint(p[:0], uint64(len(k)))
		p = append(p, k...)
		p = append(p, v...)
		if err := enc.record(recItem, p); err != nil {
			return err
		}
		items++
	}
	if !gmdb.IsNotFound(err) {
		return fmt.Errorf("read %q: %w", name, err)
	}
	sum.Databases++
	sum.Items += items
	return enc.record(recEnd, binary.AppendUvarint(p[:0], items))
}
