// Package gmdb is a pure Go embedded transactional key-value store: a
// memory-mapped, copy-on-write B+tree with one writer and many readers.
//
// Key features:
//   - MVCC snapshots: readers never block the writer and never see its
//     uncommitted pages
//   - Two meta pages written alternately, so a torn commit falls back to the
//     previous snapshot without a log
//   - Nested write transactions that commit into or abort out of their parent
//   - Named databases with sorted duplicates, integer and reverse orders, and
//     caller supplied comparers
//   - A reader table shared between processes through a lock file
//
// Basic usage:
//
//	env, err := gmdb.NewEnv(gmdb.Default)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := env.SetMapSize(1 << 30); err != nil {
//	    log.Fatal(err)
//	}
//	if err := env.Open("/path/to/db", 0, 0644); err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	err = env.Update(func(txn *gmdb.Txn) error {
//	    dbi, err := txn.OpenDBISimple("users", gmdb.Create)
//	    if err != nil {
//	        return err
//	    }
//	    return txn.Put(dbi, []byte("key"), []byte("value"), 0)
//	})
//
// Slices returned by Get and cursors point into the map or into pages of the
// write transaction. They stay valid until the next write in the same
// transaction or until it ends; copy them to keep them longer.
package gmdb
