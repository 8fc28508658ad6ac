package gmdb

import (
	"encoding/binary"
)

// pgno is a page number (32-bit)
type pgno uint32

// page is a view over one page (or one run of large pages).
//
// Memory layout (little-endian):
//
//	Offset  Size  Field
//	0       8     txnid
//	8       2     dupfix_ksize
//	10      2     flags
//	12      2     lower (or pages[0:2] for large/free-list pages)
//	14      2     upper (or pages[2:4] for large/free-list pages)
//	16      4     pgno
//	20      ...   entry offsets, free space, nodes
//
// lower and upper are relative to the end of the header: lower is the size
// of the entry offset array, upper the start of the node area.
type page []byte

var le = binary.LittleEndian

func (p page) txnid() uint64        { return le.Uint64(p[0:]) }
func (p page) setTxnid(id uint64)   { le.PutUint64(p[0:], id) }
func (p page) flags() pageFlags     { return pageFlags(le.Uint16(p[10:])) }
func (p page) setFlags(f pageFlags) { le.PutUint16(p[10:], uint16(f)) }
func (p page) lower() int           { return int(le.Uint16(p[12:])) }
func (p page) upper() int           { return int(le.Uint16(p[14:])) }
func (p page) setLower(v int)       { le.PutUint16(p[12:], uint16(v)) }
func (p page) setUpper(v int)       { le.PutUint16(p[14:], uint16(v)) }
func (p page) pgno() pgno           { return pgno(le.Uint32(p[16:])) }
func (p page) setPgno(pg pgno)      { le.PutUint32(p[16:], uint32(pg)) }

// count is the page run length of large and free-list pages.
func (p page) count() int     { return int(le.Uint32(p[12:])) }
func (p page) setCount(n int) { le.PutUint32(p[12:], uint32(n)) }
func (p page) isBranch() bool { return p.flags()&pageBranch != 0 }
func (p page) isLeaf() bool   { return p.flags()&pageLeaf != 0 }
func (p page) isLarge() bool  { return p.flags()&pageLarge != 0 }
func (p page) numKeys() int   { return p.lower() >> 1 }
func (p page) freeSpace() int { return p.upper() - p.lower() }
func (p page) body() []byte   { return p[PageHeaderSize:] }
func (p page) bodySize() int  { return len(p) - PageHeaderSize }
func (p page) usedSpace() int { return p.bodySize() - p.freeSpace() }

// initPage formats buf as an empty page of the given kind.
func initPage(buf []byte, pg pgno, flags pageFlags, txnid uint64) page {
	p := page(buf)
	clear(p[:PageHeaderSize])
	p.setTxnid(txnid)
	p.setFlags(flags)
	p.setPgno(pg)
	if flags&(pageLarge|pageFreeList|pageMeta) == 0 {
		p.setLower(0)
		p.setUpper(p.bodySize())
	}
	return p
}

func (p page) entryOffset(i int) int {
	return int(le.Uint16(p[PageHeaderSize+2*i:]))
}

func (p page) setEntryOffset(i, off int) {
	le.PutUint16(p[PageHeaderSize+2*i:], uint16(off))
}

// node returns the node at index i.
func (p page) node(i int) node {
	return node(p[PageHeaderSize+p.entryOffset(i):])
}

// key returns the key of node i.
func (p page) key(i int) []byte { return p.node(i).key() }

// child returns the child page of branch node i.
func (p page) child(i int) pgno { return p.node(i).child() }

func (p page) setChild(i int, pg pgno) { p.node(i).setChild(pg) }

// rawNode returns the on-page bytes of node i, padding excluded.
func (p page) rawNode(i int) []byte {
	n := p.node(i)
	return n[:n.size(p.isBranch())]
}

// rawNodes copies every node out of the page.
func (p page) rawNodes() [][]byte {
	n := p.numKeys()
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = append([]byte(nil), p.rawNode(i)...)
	}
	return out
}

// insertNode places raw at index i. The caller checks that it fits.
func (p page) insertNode(i int, raw []byte) {
	sz := align2(len(raw))
	n := p.numKeys()
	lower, upper := p.lower(), p.upper()
	off := upper - sz
	copy(p[PageHeaderSize+off:], raw)
	if sz > len(raw) {
		p[PageHeaderSize+off+len(raw)] = 0
	}
	ptrs := p[PageHeaderSize:]
	copy(ptrs[2*(i+1):2*(n+1)], ptrs[2*i:2*n])
	p.setEntryOffset(i, off)
	p.setLower(lower + 2)
	p.setUpper(off)
}

// fits reports whether a node of rawLen bytes fits without a split.
func (p page) fits(rawLen int) bool {
	return align2(rawLen)+2 <= p.freeSpace()
}

// removeNode deletes node i and compacts the node area.
func (p page) removeNode(i int) {
	n := p.numKeys()
	off := p.entryOffset(i)
	sz := align2(len(p.rawNode(i)))
	upper := p.upper()
	b := p.body()
	copy(b[upper+sz:off+sz], b[upper:off])
	for j := 0; j < n; j++ {
		if o := p.entryOffset(j); o < off {
			p.setEntryOffset(j, o+sz)
		}
	}
	copy(b[2*i:2*(n-1)], b[2*(i+1):2*n])
	p.setLower(p.lower() - 2)
	p.setUpper(upper + sz)
}

// rebuild replaces the page contents with nodes.
func (p page) rebuild(nodes [][]byte) {
	p.setLower(0)
	p.setUpper(p.bodySize())
	for i, raw := range nodes {
		p.insertNode(i, raw)
	}
}

func align2(n int) int { return (n + 1) &^ 1 }

// node is a view starting at a node header.
//
//	Offset  Size  Field
//	0       4     dsize (child pgno on branch pages)
//	4       1     flags
//	5       1     extra
//	6       2     ksize
//	8       ...   key, then data
type node []byte

func (n node) dsize() int       { return int(le.Uint32(n[0:])) }
func (n node) child() pgno      { return pgno(le.Uint32(n[0:])) }
func (n node) setChild(pg pgno) { le.PutUint32(n[0:], uint32(pg)) }
func (n node) flags() nodeFlags { return nodeFlags(n[4]) }
func (n node) ksize() int       { return int(le.Uint16(n[6:])) }
func (n node) key() []byte      { return n[NodeHeaderSize : NodeHeaderSize+n.ksize()] }
func (n node) isBig() bool      { return n.flags()&nodeBig != 0 }
func (n node) isDup() bool      { return n.flags()&nodeDup != 0 }
func (n node) isTree() bool     { return n.flags()&nodeTree != 0 }

// dataLen is the number of data bytes stored on the page.
func (n node) dataLen() int {
	if n.isBig() {
		return 4
	}
	return n.dsize()
}

// data returns the on-page data. For big nodes it holds the large page number.
func (n node) data() []byte {
	start := NodeHeaderSize + n.ksize()
	return n[start : start+n.dataLen()]
}

// bigPgno returns the first large page of a big node.
func (n node) bigPgno() pgno { return pgno(le.Uint32(n.data())) }

func (n node) size(branch bool) int {
	if branch {
		return NodeHeaderSize + n.ksize()
	}
	return NodeHeaderSize + n.ksize() + n.dataLen()
}

// leafNode builds a leaf node. data is the on-page data; dsize is the logical
// value length, which differs from len(data) only for big nodes.
func leafNode(key, data []byte, flags nodeFlags, dsize int) []byte {
	raw := make([]byte, NodeHeaderSize+len(key)+len(data))
	le.PutUint32(raw[0:], uint32(dsize))
	raw[4] = byte(flags)
	le.PutUint16(raw[6:], uint16(len(key)))
	copy(raw[NodeHeaderSize:], key)
	copy(raw[NodeHeaderSize+len(key):], data)
	return raw
}

// branchNode builds a branch node pointing at child.
func branchNode(key []byte, child pgno) []byte {
	raw := make([]byte, NodeHeaderSize+len(key))
	le.PutUint32(raw[0:], uint32(child))
	le.PutUint16(raw[6:], uint16(len(key)))
	copy(raw[NodeHeaderSize:], key)
	return raw
}

func leafNodeSize(ksize, dsize int) int { return NodeHeaderSize + ksize + dsize }

// largePageCount returns how many pages hold a value of n bytes.
func largePageCount(n, pageSize int) int {
	return (PageHeaderSize + n + pageSize - 1) / pageSize
}

// maxNodeSize is the largest leaf node stored inline: two nodes always fit a page.
func maxNodeSize(pageSize int) int {
	return ((pageSize-PageHeaderSize)/2 - 2) &^ 1
}

// maxKeySize leaves room for a tree record next to the key.
func maxKeySize(pageSize int) int {
	return maxNodeSize(pageSize) - NodeHeaderSize - TreeRecordSize
}

// subPage is an inline duplicate set: a leaf page holding keys only, sized
// exactly to its contents.
func buildSubPage(values [][]byte) []byte {
	buf := make([]byte, subPageSize(values))
	p := initPage(buf, 0, pageLeaf|pageSub, 0)
	for i, v := range values {
		p.insertNode(i, leafNode(v, nil, 0, 0))
	}
	return buf
}

func subPageSize(values [][]byte) int {
	size := PageHeaderSize
	for _, v := range values {
		size += 2 + align2(NodeHeaderSize+len(v))
	}
	return size
}

// subPageValues lists the values of an inline duplicate set.
func subPageValues(sp page) [][]byte {
	n := sp.numKeys()
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = sp.key(i)
	}
	return out
}

// checkPage validates the header of a page reached through the tree.
func checkPage(p page, pg pgno, want pageFlags) error {
	if p.pgno() != pg {
		return corruptf("page %d: header claims page %d", pg, p.pgno())
	}
	f := p.flags()
	if f&want == 0 {
		return corruptf("page %d: unexpected flags %#x", pg, f)
	}
	if f&(pageBranch|pageLeaf) != 0 {
		if p.lower() > p.upper() || p.upper() > p.bodySize() || p.lower()&1 != 0 {
			return corruptf("page %d: bad bounds %d/%d", pg, p.lower(), p.upper())
		}
		if p.isBranch() && p.numKeys() == 0 {
			return corruptf("page %d: empty branch", pg)
		}
	}
	return nil
}
