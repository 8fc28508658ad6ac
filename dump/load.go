package dump

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Giulio2002/gmdb"
	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

// importBatchBytes bounds the data written by one import transaction.
const importBatchBytes = 64 << 20

// decoder reads framed records and verifies their checksums.
type decoder struct {
	r   *bufio.Reader
	h   *blake3.Hasher
	buf []byte
}

func (d *decoder) next() (byte, []byte, error) {
	typ, err := d.r.ReadByte()
	if err == io.EOF {
		return 0, nil, fmt.Errorf("%w: missing trailer", ErrFormat)
	}
	if err != nil {
		return 0, nil, err
	}
	n, err := binary.ReadUvarint(d.r)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: record length: %v", ErrFormat, err)
	}
	if n > maxPayload {
		return 0, nil, fmt.Errorf("%w: record of %d bytes", ErrFormat, n)
	}
	d.buf = append(d.buf[:0], typ)
	d.buf = binary.AppendUvarint(d.buf, n)
	hdr := len(d.buf)
	d.buf = append(d.buf, make([]byte, n+8)...)
	if _, err := io.ReadFull(d.r, d.buf[hdr:]); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated record: %v", ErrFormat, err)
	}
	body := d.buf[:len(d.buf)-8]
	if binary.LittleEndian.Uint64(d.buf[len(body):]) != xxh3.Hash(body) {
		return 0, nil, ErrChecksum
	}
	if typ != recTrailer {
		d.h.Write(d.buf)
	}
	return typ, body[hdr:], nil
}

func readUvarint(p []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(p)
	if n <= 0 {
		return 0, nil, fmt.Errorf("%w: bad varint", ErrFormat)
	}
	return v, p[n:], nil
}

func readBytes(p []byte) ([]byte, []byte, error) {
	n, p, err := readUvarint(p)
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(len(p)) {
		return nil, nil, fmt.Errorf("%w: short field", ErrFormat)
	}
	return p[:n], p[n:], nil
}

// ReadHeader reads the preamble of a dump and returns its codec.
func ReadHeader(r io.Reader) (Codec, error) {
	var pre [len(Magic) + 2]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(pre[:len(Magic)]) != Magic {
		return 0, ErrBadMagic
	}
	if pre[len(Magic)] != Version {
		return 0, fmt.Errorf("%w: %d", ErrVersion, pre[len(Magic)])
	}
	return Codec(pre[len(Magic)+1]), nil
}

// importer applies records to an environment in bounded transactions.
type importer struct {
	env     *gmdb.Env
	opts    *options
	txn     *gmdb.Txn
	dbi     gmdb.DBI
	pending int
}

func (im *importer) begin() error {
	txn, err := im.env.BeginTxn(nil, gmdb.TxnReadWrite)
	if err != nil {
		return err
	}
	im.txn = txn
	im.pending = 0
	return nil
}

func (im *importer) commit() error {
	_, err := im.txn.Commit()
	im.txn = nil
	return err
}

func (im *importer) put(key, val []byte) error {
	if im.pending >= importBatchBytes {
		if err := im.commit(); err != nil {
			return err
		}
		if err := im.begin(); err != nil {
			return err
		}
	}
	im.pending += len(key) + len(val)
	return im.txn.Put(im.dbi, key, val, 0)
}

func (im *importer) openDB(name string, flags uint, seq uint64) error {
	if name != "" || flags != 0 {
		flags |= gmdb.Create
	}
	var err error
	if im.dbi, err = im.opts.open(im.txn, name, flags); err != nil {
		return err
	}
	cur, err := im.txn.Sequence(im.dbi, 0)
	if err != nil {
		return err
	}
	if seq > cur {
		_, err = im.txn.Sequence(im.dbi, seq-cur)
	}
	return err
}

// Import reads a dump from r and stores its databases in env, creating the
// ones that do not exist. Items are added to whatever the databases already
// hold. Data is committed in batches; on error the batches already
// committed stay.
func Import(env *gmdb.Env, r io.Reader, opts ...Option) (*Summary, error) {
	codec, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	cr, err := newReader(codec, r)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	sum := &Summary{Codec: codec}
	dec := &decoder{r: bufio.NewReader(cr), h: blake3.New()}
	im := &importer{env: env, opts: newOptions(opts)}
	if err := im.begin(); err != nil {
		return nil, err
	}
	defer func() {
		if im.txn != nil {
			im.txn.Abort()
		}
	}()
	if err := load(dec, im, sum); err != nil {
		return nil, err
	}
	if err := im.commit(); err != nil {
		return nil, err
	}
	return sum, nil
}

func load(dec *decoder, im *importer, sum *Summary) error {
	typ, p, err := dec.next()
	if err != nil {
		return err
	}
	if typ != recHeader || len(p) < 16 {
		return fmt.Errorf("%w: missing header", ErrFormat)
	}
	copy(sum.GUID[:], p[:16])
	ps, p, err := readUvarint(p[16:])
	if err != nil {
		return err
	}
	sum.PageSize = int(ps)
	if sum.TxnID, _, err = readUvarint(p); err != nil {
		return err
	}

	inDB := false
	var items uint64
	for {
		typ, p, err := dec.next()
		if err != nil {
			return err
		}
		switch typ {
		case recDatabase:
			if inDB {
				return fmt.Errorf("%w: nested database", ErrFormat)
			}
			name, rest, err := readBytes(p)
			if err != nil {
				return err
			}
			flags, rest, err := readUvarint(rest)
			if err != nil {
				return err
			}
			seq, _, err := readUvarint(rest)
			if err != nil {
				return err
			}
			if err := im.openDB(string(name), uint(flags)&dbFlags, seq); err != nil {
				return err
			}
			inDB, items = true, 0
		case recItem:
			if !inDB {
				return fmt.Errorf("%w: item outside a database", ErrFormat)
			}
			key, val, err := readBytes(p)
			if err != nil {
				return err
			}
			if err := im.put(key, val); err != nil {
				return err
			}
			items++
		case recEnd:
			want, _, err := readUvarint(p)
			if err != nil {
				return err
			}
			if !inDB || want != items {
				return fmt.Errorf("%w: database ends after %d of %d items", ErrFormat, items, want)
			}
			inDB = false
			sum.Databases++
			sum.Items += items
		case recTrailer:
			if inDB {
				return fmt.Errorf("%w: trailer inside a database", ErrFormat)
			}
			if !bytes.Equal(p, dec.h.Sum(nil)) {
				return ErrDigest
			}
			return nil
		default:
			return fmt.Errorf("%w: record type %q", ErrFormat, typ)
		}
	}
}
