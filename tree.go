package gmdb

// tree is the persistent record of one B+tree: the main database, a named
// database, or the nested tree of a large duplicate set.
//
// Memory layout (48 bytes, little-endian):
//
//	Offset  Size  Field
//	0       2     flags
//	2       2     height
//	4       4     dupfix_size
//	8       4     root
//	12      4     branch_pages
//	16      4     leaf_pages
//	20      4     large_pages
//	24      8     sequence
//	32      8     items
//	40      8     mod_txnid
type tree struct {
	flags       uint16
	height      uint16
	dupfixSize  uint32
	root        pgno
	branchPages uint32
	leafPages   uint32
	largePages  uint32
	sequence    uint64
	items       uint64
	modTxnid    uint64
}

func emptyTree(flags uint16) tree {
	return tree{flags: flags, root: invalidPgno}
}

func (t *tree) isEmpty() bool { return t.root == invalidPgno }

// reset empties the tree, keeping its flags and sequence.
func (t *tree) reset() {
	*t = tree{flags: t.flags, dupfixSize: t.dupfixSize, sequence: t.sequence, root: invalidPgno}
}

func (t *tree) encode(b []byte) {
	le.PutUint16(b[0:], t.flags)
	le.PutUint16(b[2:], t.height)
	le.PutUint32(b[4:], t.dupfixSize)
	le.PutUint32(b[8:], uint32(t.root))
	le.PutUint32(b[12:], t.branchPages)
	le.PutUint32(b[16:], t.leafPages)
	le.PutUint32(b[20:], t.largePages)
	le.PutUint64(b[24:], t.sequence)
	le.PutUint64(b[32:], t.items)
	le.PutUint64(b[40:], t.modTxnid)
}

func (t *tree) bytes() []byte {
	b := make([]byte, TreeRecordSize)
	t.encode(b)
	return b
}

func decodeTree(b []byte) (tree, error) {
	if len(b) != TreeRecordSize {
		return tree{}, corruptf("tree record of %d bytes", len(b))
	}
	return tree{
		flags:       le.Uint16(b[0:]),
		height:      le.Uint16(b[2:]),
		dupfixSize:  le.Uint32(b[4:]),
		root:        pgno(le.Uint32(b[8:])),
		branchPages: le.Uint32(b[12:]),
		leafPages:   le.Uint32(b[16:]),
		largePages:  le.Uint32(b[20:]),
		sequence:    le.Uint64(b[24:]),
		items:       le.Uint64(b[32:]),
		modTxnid:    le.Uint64(b[40:]),
	}, nil
}

// Stat holds database statistics.
type Stat struct {
	PageSize    uint32 // Page size in bytes
	Depth       uint32 // Tree depth
	BranchPages uint64 // Number of branch pages
	LeafPages   uint64 // Number of leaf pages
	LargePages  uint64 // Number of overflow pages
	Entries     uint64 // Number of entries (duplicates counted individually)
	Root        uint32 // Root page number (for debugging)
	ModTxnID    uint64 // Last modification transaction ID
	Sequence    uint64
}

func (t *tree) stat(pageSize int) *Stat {
	return &Stat{
		PageSize:    uint32(pageSize),
		Depth:       uint32(t.height),
		BranchPages: uint64(t.branchPages),
		LeafPages:   uint64(t.leafPages),
		LargePages:  uint64(t.largePages),
		Entries:     t.items,
		Root:        uint32(t.root),
		ModTxnID:    t.modTxnid,
		Sequence:    t.sequence,
	}
}
