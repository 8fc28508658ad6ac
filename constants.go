package gmdb

// On-disk format identity.
const (
	// Magic identifies gmdb data files ("GMDB" plus format marker).
	Magic uint64 = 0x424D_4447_0A1A_0D01

	// DataVersion is the data file format version.
	DataVersion = 1

	// LockMagic identifies gmdb lock files.
	LockMagic uint64 = 0x4B43_4C47_0A1A_0D01

	// LockVersion is the lock file format version.
	LockVersion = 1
)

// Page size constraints
const (
	MinPageSize     = 512
	MaxPageSize     = 65536
	DefaultPageSize = 4096
)

// Fixed layout sizes
const (
	// PageHeaderSize is the fixed page header size (20 bytes)
	PageHeaderSize = 20

	// NodeHeaderSize is the fixed node header size (8 bytes)
	NodeHeaderSize = 8

	// TreeRecordSize is the encoded size of a tree record (48 bytes)
	TreeRecordSize = 48

	// NumMetas is the number of meta pages
	NumMetas = 2
)

// Limits and defaults
const (
	DefaultMapSize    = 100 << 20
	DefaultMaxReaders = 126
	DefaultMaxDBs     = 16

	// MaxDBI bounds SetMaxDBs.
	MaxDBI = 32765

	// MaxDataSize is the maximum size of a value.
	MaxDataSize = 0x7fff0000

	// CursorStackSize is the maximum tree depth supported
	CursorStackSize = 32
)

// MainDBI is the handle of the unnamed database.
const MainDBI DBI = 0

// invalidPgno marks an empty tree.
const invalidPgno pgno = 0xFFFFFFFF

// pageFlags define page kinds
type pageFlags uint16

const (
	pageBranch   pageFlags = 0x01
	pageLeaf     pageFlags = 0x02
	pageLarge    pageFlags = 0x04
	pageMeta     pageFlags = 0x08
	pageSub      pageFlags = 0x40
	pageFreeList pageFlags = 0x80
)

// nodeFlags define node kinds within a leaf page
type nodeFlags uint8

const (
	// nodeBig: data lives on large pages, node data holds the first pgno
	nodeBig nodeFlags = 0x01
	// nodeTree: data is a tree record
	nodeTree nodeFlags = 0x02
	// nodeDup: data holds duplicates (sub-page, or with nodeTree a nested tree)
	nodeDup nodeFlags = 0x04
)

// Environment flags
const (
	EnvDefaults uint = 0

	// NoSubdir means the path is a filename, not a directory
	NoSubdir uint = 0x4000

	// NoSync skips fsync of data pages and the meta page at commit
	NoSync uint = 0x10000

	// ReadOnly opens the environment in read-only mode
	ReadOnly uint = 0x20000

	// NoMetaSync skips fsync of the meta page at commit
	NoMetaSync uint = 0x40000

	// WriteMap commits through a writable mapping
	WriteMap uint = 0x80000

	// NoTLS is accepted for compatibility; reader slots are already per transaction
	NoTLS uint = 0x200000

	// NoLock disables the lock file; the caller coordinates access
	NoLock uint = 0x400000

	// NoReadAhead disables OS readahead on the map
	NoReadAhead uint = 0x800000

	// NoMemInit skips zeroing freshly allocated page buffers
	NoMemInit uint = 0x1000000

	// UtterlyNoSync skips all syncs
	UtterlyNoSync = NoSync | NoMetaSync
)

// runtimeFlags may be toggled on an open environment.
const runtimeFlags = NoSync | NoMetaSync | NoMemInit

// Transaction flags
const (
	TxnReadWrite uint = 0

	// TxnReadOnly creates a read-only transaction
	TxnReadOnly uint = 0x20000

	// TxnTry fails with ErrBusy instead of waiting for the writer lock
	TxnTry uint = 0x10000000

	// TxnNoSync skips data and meta sync for this commit
	TxnNoSync uint = 0x10000

	// TxnNoMetaSync skips meta sync for this commit
	TxnNoMetaSync uint = 0x40000
)

// Database flags
const (
	DBDefaults uint = 0

	// ReverseKey compares keys from the last byte backwards
	ReverseKey uint = 0x02

	// DupSort allows multiple sorted values per key
	DupSort uint = 0x04

	// IntegerKey compares 4 or 8 byte keys as native unsigned integers
	IntegerKey uint = 0x08

	// DupFixed requires all values of a DupSort database to share one size
	DupFixed uint = 0x10

	// IntegerDup compares values as native unsigned integers
	IntegerDup uint = 0x20

	// ReverseDup compares values from the last byte backwards
	ReverseDup uint = 0x40

	// Create creates the database if it does not exist
	Create uint = 0x40000
)

// persistentDBFlags are stored in the tree record.
const persistentDBFlags = ReverseKey | DupSort | IntegerKey | DupFixed | IntegerDup | ReverseDup

// Put flags
const (
	Upsert uint = 0

	// NoOverwrite fails with ErrKeyExist if the key exists
	NoOverwrite uint = 0x10

	// NoDupData fails with ErrKeyExist if the key/value pair exists (DupSort).
	// On Cursor.Del it deletes every value of the current key.
	NoDupData uint = 0x20

	// Current replaces the value at the cursor position
	Current uint = 0x40

	// AllDups is an alias of NoDupData for Cursor.Del
	AllDups uint = NoDupData

	// Reserve reserves space and returns it for the caller to fill
	Reserve uint = 0x10000

	// Append requires the key to sort after every existing key
	Append uint = 0x20000

	// AppendDup requires the value to sort after every value of the key
	AppendDup uint = 0x40000

	// Multiple stores several fixed-size values at once (DupFixed)
	Multiple uint = 0x80000
)

// Copy flags
const (
	CopyDefaults uint = 0

	// CopyCompact writes live pages only, renumbered, with an empty free list
	CopyCompact uint = 0x01
)

// File names
const (
	DataFileName = "gmdb.dat"
	LockFileName = "gmdb.lck"
	LockSuffix   = "-lck"
)
