// Package benchmarks compares gmdb with bbolt and libmdbx (through mdbx-go)
// on the same workloads.
package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/Giulio2002/gmdb"
	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	bolt "go.etcd.io/bbolt"
)

// Databases built once per run and shared by every benchmark that needs them.
var (
	cacheMu  sync.Mutex
	benchDir string
	gmdbEnvs = make(map[string]*gmdb.Env)
	boltDBs  = make(map[string]*bolt.DB)
	mdbxEnvs = make(map[string]*mdbxgo.Env)
)

const (
	benchTable   = "bench"
	benchMapSize = 4 << 30
	benchValSize = 32
)

func cacheDir(b *testing.B) string {
	if benchDir == "" {
		dir, err := os.MkdirTemp("", "gmdb-bench-*")
		if err != nil {
			b.Fatal(err)
		}
		benchDir = dir
	}
	return benchDir
}

func benchKey(buf []byte, i int) []byte {
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

// openBenchEnv opens a fresh gmdb environment under the benchmark's own
// temporary directory.
func openBenchEnv(b *testing.B, flags uint) *gmdb.Env {
	b.Helper()
	env, err := gmdb.NewEnv(gmdb.Label("bench"))
	if err != nil {
		b.Fatal(err)
	}
	env.SetMaxDBs(10)
	if err := env.SetMapSize(benchMapSize); err != nil {
		b.Fatal(err)
	}
	path := filepath.Join(b.TempDir(), "bench.gmdb")
	if err := env.Open(path, gmdb.NoSubdir|flags, 0644); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { env.Close() })
	return env
}

// openBenchBolt opens a fresh bbolt database with a bench bucket.
func openBenchBolt(b *testing.B, noSync bool) *bolt.DB {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.bolt")
	db, err := bolt.Open(path, 0644, &bolt.Options{NoSync: noSync, InitialMmapSize: 1 << 30})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(benchTable))
		return err
	})
	if err != nil {
		b.Fatal(err)
	}
	return db
}

// getCachedPlainEnv returns a gmdb environment holding size keys in the
// bench table, building it on first use.
func getCachedPlainEnv(b *testing.B, size int) *gmdb.Env {
	return getCachedEnv(b, fmt.Sprintf("plain_%d", size), 0, func(txn *gmdb.Txn, dbi gmdb.DBI) error {
		key := make([]byte, 8)
		val := make([]byte, benchValSize)
		for i := 0; i < size; i++ {
			binary.BigEndian.PutUint64(val, uint64(i))
			if err := txn.Put(dbi, benchKey(key, i), val, gmdb.Append); err != nil {
				return err
			}
		}
		return nil
	})
}

// getCachedDupSortEnv returns a gmdb environment with numKeys keys of
// valsPerKey sorted duplicates each.
func getCachedDupSortEnv(b *testing.B, numKeys, valsPerKey int) *gmdb.Env {
	name := fmt.Sprintf("dupsort_%d_%d", numKeys, valsPerKey)
	return getCachedEnv(b, name, gmdb.DupSort, func(txn *gmdb.Txn, dbi gmdb.DBI) error {
		key := make([]byte, 8)
		val := make([]byte, 8)
		for i := 0; i < numKeys; i++ {
			for j := 0; j < valsPerKey; j++ {
				binary.BigEndian.PutUint64(val, uint64(j))
				if err := txn.Put(dbi, benchKey(key, i), val, gmdb.AppendDup); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func getCachedEnv(b *testing.B, name string, flags uint, fill func(*gmdb.Txn, gmdb.DBI) error) *gmdb.Env {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if env, ok := gmdbEnvs[name]; ok {
		return env
	}
	env, err := gmdb.NewEnv(gmdb.Label("bench"))
	if err != nil {
		b.Fatal(err)
	}
	env.SetMaxDBs(10)
	if err := env.SetMapSize(benchMapSize); err != nil {
		b.Fatal(err)
	}
	path := filepath.Join(cacheDir(b), name+".gmdb")
	if err := env.Open(path, gmdb.NoSubdir|gmdb.NoMetaSync|gmdb.NoSync, 0644); err != nil {
		b.Fatal(err)
	}
	b.Logf("Creating gmdb %s...", name)
	err = env.Update(func(txn *gmdb.Txn) error {
		dbi, err := txn.OpenDBISimple(benchTable, gmdb.Create|flags)
		if err != nil {
			return err
		}
		return fill(txn, dbi)
	})
	if err != nil {
		env.Close()
		b.Fatal(err)
	}
	gmdbEnvs[name] = env
	return env
}

// getCachedBoltDB returns a bbolt database with the same contents as
// getCachedPlainEnv.
func getCachedBoltDB(b *testing.B, size int) *bolt.DB {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	name := fmt.Sprintf("plain_%d", size)
	if db, ok := boltDBs[name]; ok {
		return db
	}
	path := filepath.Join(cacheDir(b), name+".bolt")
	db, err := bolt.Open(path, 0644, &bolt.Options{NoSync: true, InitialMmapSize: 1 << 30})
	if err != nil {
		b.Fatal(err)
	}
	b.Logf("Creating bolt %s...", name)
	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(benchTable))
		if err != nil {
			return err
		}
		bucket.FillPercent = 1.0
		for i := 0; i < size; i++ {
			key := make([]byte, 8)
			val := make([]byte, benchValSize)
			binary.BigEndian.PutUint64(val, uint64(i))
			if err := bucket.Put(benchKey(key, i), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		b.Fatal(err)
	}
	boltDBs[name] = db
	return db
}

// getCachedMdbxPlainEnv returns an mdbx environment with the same contents
// as getCachedPlainEnv.
func getCachedMdbxPlainEnv(b *testing.B, size int) *mdbxgo.Env {
	return getCachedMdbxEnv(b, fmt.Sprintf("plain_%d", size), 0, func(txn *mdbxgo.Txn, dbi mdbxgo.DBI) error {
		key := make([]byte, 8)
		val := make([]byte, benchValSize)
		for i := 0; i < size; i++ {
			binary.BigEndian.PutUint64(val, uint64(i))
			if err := txn.Put(dbi, benchKey(key, i), val, mdbxgo.Upsert); err != nil {
				return err
			}
		}
		return nil
	})
}

// getCachedMdbxDupSortEnv mirrors getCachedDupSortEnv.
func getCachedMdbxDupSortEnv(b *testing.B, numKeys, valsPerKey int) *mdbxgo.Env {
	name := fmt.Sprintf("dupsort_%d_%d", numKeys, valsPerKey)
	return getCachedMdbxEnv(b, name, mdbxgo.DupSort, func(txn *mdbxgo.Txn, dbi mdbxgo.DBI) error {
		key := make([]byte, 8)
		val := make([]byte, 8)
		for i := 0; i < numKeys; i++ {
			for j := 0; j < valsPerKey; j++ {
				binary.BigEndian.PutUint64(val, uint64(j))
				if err := txn.Put(dbi, benchKey(key, i), val, mdbxgo.Upsert); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func getCachedMdbxEnv(b *testing.B, name string, flags uint, fill func(*mdbxgo.Txn, mdbxgo.DBI) error) *mdbxgo.Env {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if env, ok := mdbxEnvs[name]; ok {
		return env
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env, err := mdbxgo.NewEnv(mdbxgo.Label("bench"))
	if err != nil {
		b.Fatal(err)
	}
	env.SetOption(mdbxgo.OptMaxDB, 10)
	env.SetGeometry(-1, -1, benchMapSize, -1, -1, 4096)
	path := filepath.Join(cacheDir(b), name+".mdbx")
	if err := env.Open(path, mdbxgo.NoSubdir|mdbxgo.NoMetaSync|mdbxgo.WriteMap, 0644); err != nil {
		b.Fatal(err)
	}
	b.Logf("Creating mdbx %s...", name)
	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		env.Close()
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBI(benchTable, mdbxgo.Create|flags, nil, nil)
	if err == nil {
		err = fill(txn, dbi)
	}
	if err != nil {
		txn.Abort()
		env.Close()
		b.Fatal(err)
	}
	if _, err := txn.Commit(); err != nil {
		env.Close()
		b.Fatal(err)
	}
	mdbxEnvs[name] = env
	return env
}

// randomOrder is a fixed permutation of [0, n).
func randomOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	x := uint64(0x9E3779B97F4A7C15)
	for i := len(order) - 1; i > 0; i-- {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		j := int(x % uint64(i+1))
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func formatSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dK", n/1_000)
	}
	return fmt.Sprintf("%d", n)
}
