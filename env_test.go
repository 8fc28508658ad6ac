package gmdb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envOption func(t *testing.T, env *Env)

func withMapSize(size uint64) envOption {
	return func(t *testing.T, env *Env) { require.NoError(t, env.SetMapSize(size)) }
}

func withMaxDBs(n int) envOption {
	return func(t *testing.T, env *Env) { require.NoError(t, env.SetMaxDBs(n)) }
}

func withPageSize(ps int) envOption {
	return func(t *testing.T, env *Env) { require.NoError(t, env.SetPageSize(ps)) }
}

// openTestEnv opens an environment in a fresh directory. It is closed when
// the test ends.
func openTestEnv(t *testing.T, opts ...envOption) (*Env, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "env")
	return reopenTestEnv(t, path, 0, opts...), path
}

func reopenTestEnv(t *testing.T, path string, flags uint, opts ...envOption) *Env {
	t.Helper()
	env, err := NewEnv(Default)
	require.NoError(t, err)
	require.NoError(t, env.SetMaxDBs(8))
	for _, opt := range opts {
		opt(t, env)
	}
	require.NoError(t, env.Open(path, flags, 0644))
	t.Cleanup(func() { env.Close() })
	return env
}

func mustPut(t *testing.T, env *Env, dbi DBI, kv ...string) {
	t.Helper()
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i+1 < len(kv); i += 2 {
			if err := txn.Put(dbi, []byte(kv[i]), []byte(kv[i+1]), 0); err != nil {
				return err
			}
		}
		return nil
	}))
}

func getString(t *testing.T, env *Env, dbi DBI, key string) (string, error) {
	t.Helper()
	var out string
	err := env.View(func(txn *Txn) error {
		v, err := txn.Get(dbi, []byte(key))
		if err != nil {
			return err
		}
		out = string(v)
		return nil
	})
	return out, err
}

func TestConcreteScenario(t *testing.T) {
	env, path := openTestEnv(t, withMapSize(10<<20), withMaxDBs(4))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenRoot(Create)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dbi, []byte("a"), []byte("1"), 0))
	require.NoError(t, txn.Put(dbi, []byte("b"), []byte("2"), 0))
	_, err = txn.Commit()
	require.NoError(t, err)

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	v, err := rtxn.Get(dbi, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	_, err = rtxn.Get(dbi, []byte("c"))
	assert.True(t, IsNotFound(err))
	rtxn.Abort()

	require.NoError(t, env.Close())

	env = reopenTestEnv(t, path, 0, withMaxDBs(4))
	got, err := getString(t, env, MainDBI, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	got, err = getString(t, env, MainDBI, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestEnvLifecycle(t *testing.T) {
	env, _ := openTestEnv(t)

	assert.Error(t, env.SetMaxDBs(2), "configuring an open environment")
	assert.Error(t, env.Open(env.Path(), 0, 0644))

	txn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	err = env.Close()
	require.Error(t, err)
	assert.Equal(t, ErrBusy, Code(err))
	txn.Abort()

	require.NoError(t, env.Close())
	require.NoError(t, env.Close())
	_, err = env.BeginTxn(nil, TxnReadOnly)
	assert.Error(t, err)
}

func TestEnvInfo(t *testing.T) {
	env, _ := openTestEnv(t, withPageSize(4096), withMapSize(1<<20))
	mustPut(t, env, MainDBI, "k1", "v1", "k2", "v2")

	info, err := env.Info()
	require.NoError(t, err)
	assert.Equal(t, 4096, info.PageSize)
	assert.Equal(t, uint64(1<<20), info.MapSize)
	assert.Equal(t, uint64(1), info.LastTxnID)
	assert.Equal(t, env.GUID(), info.GUID)
	assert.NotEqual(t, [16]byte{}, [16]byte(info.GUID))
	assert.GreaterOrEqual(t, info.LastPgNo, uint64(NumMetas))

	st, err := env.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Entries)
	assert.Equal(t, uint32(1), st.Depth)
	assert.Equal(t, uint64(1), st.LeafPages)

	assert.Equal(t, maxKeySize(4096), env.MaxKeySize())
	assert.Equal(t, 8, env.MaxDBs())
}

func TestReadOnlyEnv(t *testing.T) {
	env, path := openTestEnv(t)
	mustPut(t, env, MainDBI, "x", "y")
	require.NoError(t, env.Close())

	ro := reopenTestEnv(t, path, ReadOnly)
	got, err := getString(t, ro, MainDBI, "x")
	require.NoError(t, err)
	assert.Equal(t, "y", got)
	_, err = ro.BeginTxn(nil, TxnReadWrite)
	assert.Equal(t, ErrPermissionDenied, Code(err))
}

func TestNoSubdir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.gmdb")
	env := reopenTestEnv(t, path, NoSubdir)
	mustPut(t, env, MainDBI, "k", "v")
	assert.FileExists(t, path)
	assert.FileExists(t, path+LockSuffix)
}

func TestCrashFallsBackToOlderMeta(t *testing.T) {
	env, path := openTestEnv(t, withPageSize(4096))
	mustPut(t, env, MainDBI, "a", "old")
	mustPut(t, env, MainDBI, "a", "new", "b", "only-new")
	info, err := env.Info()
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.LastTxnID)
	require.NoError(t, env.Close())

	// Damage the meta written by the last commit.
	dataPath := filepath.Join(path, DataFileName)
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0)
	require.NoError(t, err)
	slot := int64(info.LastTxnID % NumMetas)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, slot*4096+PageHeaderSize+20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var logs bytes.Buffer
	var mu sync.Mutex
	env, err = NewEnv(Default)
	require.NoError(t, err)
	env.SetLogger(LoggerFunc(func(lvl LogLvl, msg string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(&logs, "%s %s\n", lvl, msg)
	}))
	require.NoError(t, env.Open(path, 0, 0644))
	defer env.Close()

	got, err := getString(t, env, MainDBI, "a")
	require.NoError(t, err)
	assert.Equal(t, "old", got)
	_, err = getString(t, env, MainDBI, "b")
	assert.True(t, IsNotFound(err))

	mu.Lock()
	assert.Contains(t, logs.String(), "WARN")
	mu.Unlock()

	// The next commit goes to the damaged slot and repairs it.
	mustPut(t, env, MainDBI, "c", "after")
	info, err = env.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.LastTxnID)
	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.Verify()
		return err
	}))
}

func TestBothMetasDamaged(t *testing.T) {
	env, path := openTestEnv(t, withPageSize(4096))
	mustPut(t, env, MainDBI, "a", "1")
	require.NoError(t, env.Close())

	dataPath := filepath.Join(path, DataFileName)
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0)
	require.NoError(t, err)
	for slot := int64(0); slot < NumMetas; slot++ {
		_, err = f.WriteAt([]byte{0xff, 0xff}, slot*4096+PageHeaderSize+30)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	env, err = NewEnv(Default)
	require.NoError(t, err)
	err = env.Open(path, 0, 0644)
	require.Error(t, err)
	assert.True(t, IsCorrupted(err))
}

func TestMapFull(t *testing.T) {
	env, _ := openTestEnv(t, withPageSize(4096), withMapSize(64*4096))
	val := bytes.Repeat([]byte{'v'}, 1000)

	committed := 0
	var fullErr error
	for batch := 0; batch < 100 && fullErr == nil; batch++ {
		err := env.Update(func(txn *Txn) error {
			for i := 0; i < 20; i++ {
				key := []byte(fmt.Sprintf("key-%06d", batch*20+i))
				if err := txn.Put(MainDBI, key, val, 0); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			fullErr = err
			break
		}
		committed += 20
	}
	require.Error(t, fullErr)
	assert.True(t, IsMapFull(fullErr), "got %v", fullErr)
	assert.True(t, IsResourceExhausted(fullErr))
	require.Greater(t, committed, 0)

	// Committed data survives and the tree is intact.
	require.NoError(t, env.View(func(txn *Txn) error {
		st, err := txn.Stat(MainDBI)
		require.NoError(t, err)
		assert.Equal(t, uint64(committed), st.Entries)
		_, err = txn.Verify()
		return err
	}))

	// Growing the map lets the same batch through.
	require.NoError(t, env.SetMapSize(1<<20))
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i < 20; i++ {
			key := []byte(fmt.Sprintf("key-%06d", committed+i))
			if err := txn.Put(MainDBI, key, val, 0); err != nil {
				return err
			}
		}
		return nil
	}))
	info, err := env.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), info.MapSize)
}

func TestSetMapSizeWhileActive(t *testing.T) {
	env, _ := openTestEnv(t)
	txn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	assert.Equal(t, ErrBusy, Code(env.SetMapSize(1<<30)))
	txn.Abort()
	assert.NoError(t, env.SetMapSize(1<<30))
}

func TestTxnTry(t *testing.T) {
	env, _ := openTestEnv(t)
	w, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	_, err = env.BeginTxn(nil, TxnReadWrite|TxnTry)
	assert.Equal(t, ErrBusy, Code(err))
	w.Abort()

	w2, err := env.BeginTxn(nil, TxnReadWrite|TxnTry)
	require.NoError(t, err)
	w2.Abort()
}

func TestWriterBlocksWriter(t *testing.T) {
	env, _ := openTestEnv(t)
	w, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- env.Update(func(txn *Txn) error {
			return txn.Put(MainDBI, []byte("second"), []byte("2"), 0)
		})
	}()
	require.NoError(t, w.Put(MainDBI, []byte("first"), []byte("1"), 0))
	_, err = w.Commit()
	require.NoError(t, err)
	require.NoError(t, <-done)

	info, err := env.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.LastTxnID)
}

func TestReaders(t *testing.T) {
	env, _ := openTestEnv(t)
	mustPut(t, env, MainDBI, "a", "1")

	r1, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer r1.Abort()

	var readers []ReaderInfo
	require.NoError(t, env.ReaderList(func(ri ReaderInfo) error {
		readers = append(readers, ri)
		return nil
	}))
	require.Len(t, readers, 1)
	assert.Equal(t, uint32(os.Getpid()), readers[0].PID)
	assert.Equal(t, uint64(1), readers[0].Txnid)

	n, err := env.ReaderCheck()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	info, err := env.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, info.NumReaders)
}

func TestRuntimeFlags(t *testing.T) {
	env, _ := openTestEnv(t)
	require.NoError(t, env.SetFlags(NoSync|NoMetaSync))
	flags, err := env.Flags()
	require.NoError(t, err)
	assert.Equal(t, NoSync|NoMetaSync, flags&(NoSync|NoMetaSync))

	require.NoError(t, env.UnsetFlags(NoSync))
	flags, err = env.Flags()
	require.NoError(t, err)
	assert.Zero(t, flags&NoSync)

	assert.Equal(t, ErrIncompatible, Code(env.SetFlags(WriteMap)))

	mustPut(t, env, MainDBI, "k", "v")
	require.NoError(t, env.Sync(true))
}

func TestWriteMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	env := reopenTestEnv(t, path, WriteMap)
	for i := 0; i < 50; i++ {
		mustPut(t, env, MainDBI, fmt.Sprintf("k%03d", i), fmt.Sprintf("v%03d", i))
	}
	require.NoError(t, env.Close())

	env = reopenTestEnv(t, path, 0)
	got, err := getString(t, env, MainDBI, "k049")
	require.NoError(t, err)
	assert.Equal(t, "v049", got)
}

func TestSpillDir(t *testing.T) {
	env, err := NewEnv(Default)
	require.NoError(t, err)
	require.NoError(t, env.SetSpillDir(t.TempDir()))
	require.NoError(t, env.Open(filepath.Join(t.TempDir(), "env"), 0, 0644))
	defer env.Close()

	val := bytes.Repeat([]byte{1}, 200)
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i < 5000; i++ {
			if err := txn.Put(MainDBI, []byte(fmt.Sprintf("%08d", i)), val, 0); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		st, err := txn.Stat(MainDBI)
		require.NoError(t, err)
		assert.Equal(t, uint64(5000), st.Entries)
		_, err = txn.Verify()
		return err
	}))
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLogger(&buf, LogLvlWarn)
	l.Debugf("hidden %d", 1)
	l.Warnf("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "WARN shown 2")

	l.SetLevel(LogLvlDebug)
	l.Debugf("now %s", "visible")
	assert.Contains(t, buf.String(), "DEBUG now visible")
}

func TestErrorKinds(t *testing.T) {
	for code, msg := range errorMessages {
		assert.Equal(t, msg, NewError(code).Message, "code %d", code)
	}
	for _, code := range []ErrorCode{ErrMapFull, ErrDBsFull, ErrReadersFull, ErrBadValSize} {
		assert.True(t, IsResourceExhausted(NewError(code)), "code %d", code)
	}
	assert.False(t, IsResourceExhausted(NewError(ErrIncompatible)))

	// codes of conditions gmdb cannot reach are not declared
	for _, code := range []ErrorCode{-30795, -30788, -30783} {
		_, ok := errorMessages[code]
		assert.False(t, ok, "code %d", code)
		assert.Contains(t, NewError(code).Message, "unknown error code")
	}
}
