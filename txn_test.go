package gmdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	env, _ := openTestEnv(t)
	rng := rand.New(rand.NewSource(1))
	want := make(map[string][]byte)

	for round := 0; round < 5; round++ {
		require.NoError(t, env.Update(func(txn *Txn) error {
			for i := 0; i < 400; i++ {
				key := make([]byte, 1+rng.Intn(40))
				rng.Read(key)
				val := make([]byte, rng.Intn(600))
				rng.Read(val)
				if err := txn.Put(MainDBI, key, val, 0); err != nil {
					return err
				}
				want[string(key)] = val
			}
			return nil
		}))
	}

	require.NoError(t, env.View(func(txn *Txn) error {
		for k, v := range want {
			got, err := txn.Get(MainDBI, []byte(k))
			require.NoError(t, err)
			require.True(t, bytes.Equal(v, got), "key %x", k)
		}
		st, err := txn.Stat(MainDBI)
		require.NoError(t, err)
		assert.Equal(t, uint64(len(want)), st.Entries)
		return nil
	}))
}

func TestIsolation(t *testing.T) {
	env, _ := openTestEnv(t)
	mustPut(t, env, MainDBI, "k", "before")

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer reader.Abort()

	writer, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	require.NoError(t, writer.Put(MainDBI, []byte("k"), []byte("after"), 0))
	require.NoError(t, writer.Put(MainDBI, []byte("new"), []byte("x"), 0))

	v, err := writer.Get(MainDBI, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "after", string(v))

	_, err = writer.Commit()
	require.NoError(t, err)

	// Several more commits must not reclaim pages the reader still sees.
	for i := 0; i < 20; i++ {
		mustPut(t, env, MainDBI, "k", fmt.Sprintf("v%d", i))
	}

	v, err = reader.Get(MainDBI, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "before", string(v))
	_, err = reader.Get(MainDBI, []byte("new"))
	assert.True(t, IsNotFound(err))

	got, err := getString(t, env, MainDBI, "k")
	require.NoError(t, err)
	assert.Equal(t, "v19", got)
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	env, _ := openTestEnv(t)
	const keys = 200
	val := make([]byte, 8)
	write := func(gen uint64) error {
		return env.Update(func(txn *Txn) error {
			binary.BigEndian.PutUint64(val, gen)
			for i := 0; i < keys; i++ {
				if err := txn.Put(MainDBI, []byte(fmt.Sprintf("key-%04d", i)), val, 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, write(0))

	stop := make(chan struct{})
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				err := env.View(func(txn *Txn) error {
					first, err := txn.Get(MainDBI, []byte("key-0000"))
					if err != nil {
						return err
					}
					for i := 1; i < keys; i++ {
						v, err := txn.Get(MainDBI, []byte(fmt.Sprintf("key-%04d", i)))
						if err != nil {
							return err
						}
						if !bytes.Equal(v, first) {
							return fmt.Errorf("key %d: generation %x, key 0 has %x", i, v, first)
						}
					}
					return nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for gen := uint64(1); gen <= 100; gen++ {
		require.NoError(t, write(gen))
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.Verify()
		return err
	}))
}

func TestNestedTxn(t *testing.T) {
	env, _ := openTestEnv(t)
	mustPut(t, env, MainDBI, "base", "0")

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	defer txn.Abort()

	// First child commits.
	require.NoError(t, txn.Sub(func(child *Txn) error {
		return child.Put(MainDBI, []byte("kept"), []byte("1"), 0)
	}))

	// Second child aborts.
	child, err := env.BeginTxn(txn, 0)
	require.NoError(t, err)
	require.NoError(t, child.Put(MainDBI, []byte("dropped"), []byte("2"), 0))
	require.NoError(t, child.Del(MainDBI, []byte("base"), nil))
	require.NoError(t, child.Put(MainDBI, []byte("kept"), []byte("changed"), 0))
	_, err = txn.Get(MainDBI, []byte("base"))
	assert.Equal(t, ErrBadTxn, Code(err), "parent is unusable while a child is open")
	child.Abort()

	v, err := txn.Get(MainDBI, []byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	_, err = txn.Get(MainDBI, []byte("dropped"))
	assert.True(t, IsNotFound(err))
	v, err = txn.Get(MainDBI, []byte("base"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(v))

	// A grandchild inside a committed child.
	require.NoError(t, txn.Sub(func(child *Txn) error {
		if err := child.Put(MainDBI, []byte("outer"), []byte("o"), 0); err != nil {
			return err
		}
		err := child.Sub(func(gc *Txn) error {
			if err := gc.Put(MainDBI, []byte("inner"), []byte("i"), 0); err != nil {
				return err
			}
			return errors.New("roll back")
		})
		assert.EqualError(t, err, "roll back")
		return nil
	}))

	_, err = txn.Commit()
	require.NoError(t, err)

	for k, want := range map[string]string{"base": "0", "kept": "1", "outer": "o"} {
		got, err := getString(t, env, MainDBI, k)
		require.NoError(t, err)
		assert.Equal(t, want, got, k)
	}
	for _, k := range []string{"dropped", "inner"} {
		_, err := getString(t, env, MainDBI, k)
		assert.True(t, IsNotFound(err), k)
	}
}

func TestNestedTxnNamedDB(t *testing.T) {
	env, _ := openTestEnv(t)
	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	defer txn.Abort()

	child, err := env.BeginTxn(txn, 0)
	require.NoError(t, err)
	dbi, err := child.OpenDBISimple("temp", Create)
	require.NoError(t, err)
	require.NoError(t, child.Put(dbi, []byte("a"), []byte("b"), 0))
	child.Abort()

	_, err = txn.OpenDBISimple("temp", 0)
	assert.True(t, IsNotFound(err))
	names, err := txn.ListDBI()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReadOnlyChildRejected(t *testing.T) {
	env, _ := openTestEnv(t)
	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()
	_, err = env.BeginTxn(rtxn, 0)
	assert.Equal(t, ErrIncompatible, Code(err))
}

func TestWriteErrorAbortsTxn(t *testing.T) {
	env, _ := openTestEnv(t)
	mustPut(t, env, MainDBI, "a", "1")

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	defer txn.Abort()
	require.NoError(t, txn.Put(MainDBI, []byte("b"), []byte("2"), 0))

	// Results leave the transaction usable.
	_, err = txn.Get(MainDBI, []byte("missing"))
	assert.True(t, IsNotFound(err))
	err = txn.Put(MainDBI, []byte("a"), []byte("x"), NoOverwrite)
	assert.True(t, IsKeyExist(err))
	assert.True(t, IsNotFound(txn.Del(MainDBI, []byte("missing"), nil)))
	require.NoError(t, txn.Put(MainDBI, []byte("c"), []byte("3"), 0))

	// A key longer than the page allows is a failure.
	big := bytes.Repeat([]byte{'k'}, env.MaxKeySize()+1)
	err = txn.Put(MainDBI, big, []byte("v"), 0)
	assert.Equal(t, ErrBadValSize, Code(err))

	err = txn.Put(MainDBI, []byte("d"), []byte("4"), 0)
	assert.Equal(t, ErrBadTxn, Code(err))
	_, err = txn.Commit()
	assert.Equal(t, ErrBadTxn, Code(err))

	for _, k := range []string{"b", "c"} {
		_, err := getString(t, env, MainDBI, k)
		assert.True(t, IsNotFound(err), k)
	}
}

func TestGetKeySize(t *testing.T) {
	env, _ := openTestEnv(t)
	mustPut(t, env, MainDBI, "a", "1")

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	defer txn.Abort()
	_, err = txn.Get(MainDBI, nil)
	assert.Equal(t, ErrBadValSize, Code(err))
	_, err = txn.Get(MainDBI, []byte{})
	assert.Equal(t, ErrBadValSize, Code(err))
	_, err = txn.Get(MainDBI, bytes.Repeat([]byte{'k'}, env.MaxKeySize()+1))
	assert.Equal(t, ErrBadValSize, Code(err))

	// a rejected lookup leaves the writer usable
	v, err := txn.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	require.NoError(t, txn.Put(MainDBI, []byte("b"), []byte("2"), 0))
}

func TestCommitSyncs(t *testing.T) {
	tests := []struct {
		flags      uint
		data, meta bool
	}{
		{0, true, true},
		{NoMetaSync, true, false},
		{NoSync, false, false},
		{UtterlyNoSync, false, false},
		{TxnNoSync, false, false},
		{TxnNoMetaSync, true, false},
	}
	for _, tt := range tests {
		data, meta := commitSyncs(tt.flags)
		assert.Equal(t, tt.data, data, "flags %#x", tt.flags)
		assert.Equal(t, tt.meta, meta, "flags %#x", tt.flags)
	}

	env, _ := openTestEnv(t)
	require.NoError(t, env.SetFlags(NoSync))
	mustPut(t, env, MainDBI, "k", "v")
	got, err := getString(t, env, MainDBI, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestTxnStateErrors(t *testing.T) {
	env, _ := openTestEnv(t)
	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	_, err = txn.Get(MainDBI, []byte("a"))
	assert.True(t, IsInvalidState(err))
	assert.True(t, IsInvalidState(txn.Put(MainDBI, []byte("a"), nil, 0)))
	txn.Abort()

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()
	assert.Equal(t, ErrPermissionDenied, Code(rtxn.Put(MainDBI, []byte("a"), []byte("b"), 0)))
	_, err = rtxn.Get(DBI(7), []byte("a"))
	assert.Equal(t, ErrBadDBI, Code(err))
}

func TestResetRenew(t *testing.T) {
	env, _ := openTestEnv(t)
	mustPut(t, env, MainDBI, "k", "1")

	rtxn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer rtxn.Abort()
	cur, err := rtxn.OpenCursor(MainDBI)
	require.NoError(t, err)
	defer cur.Close()

	_, v, err := cur.Get([]byte("k"), nil, Set)
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	// Renew is only valid after Reset.
	assert.Equal(t, ErrBadTxn, Code(rtxn.Renew()))
	rtxn.Reset()
	_, err = rtxn.Get(MainDBI, []byte("k"))
	assert.True(t, IsInvalidState(err))

	mustPut(t, env, MainDBI, "k", "2")

	require.NoError(t, rtxn.Renew())
	require.NoError(t, cur.Renew(rtxn))
	_, v, err = cur.Get([]byte("k"), nil, Set)
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
	assert.Equal(t, uint64(2), rtxn.ID())
}

func TestDrop(t *testing.T) {
	env, _ := openTestEnv(t)
	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple("items", Create)
		if err != nil {
			return err
		}
		for i := 0; i < 1000; i++ {
			if err := txn.Put(dbi, []byte(fmt.Sprintf("%05d", i)), bytes.Repeat([]byte{1}, 100), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	// Empty keeps the database.
	require.NoError(t, env.Update(func(txn *Txn) error { return txn.Drop(dbi, false) }))
	require.NoError(t, env.View(func(txn *Txn) error {
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Zero(t, st.Entries)
		names, err := txn.ListDBI()
		require.NoError(t, err)
		assert.Equal(t, []string{"items"}, names)
		return nil
	}))

	// The main database cannot be emptied while it holds named databases.
	require.NoError(t, env.Update(func(txn *Txn) error {
		assert.Equal(t, ErrIncompatible, Code(txn.Drop(MainDBI, false)))
		return nil
	}))

	require.NoError(t, env.Update(func(txn *Txn) error { return txn.Drop(dbi, true) }))
	require.NoError(t, env.View(func(txn *Txn) error {
		names, err := txn.ListDBI()
		require.NoError(t, err)
		assert.Empty(t, names)
		_, err = txn.OpenDBISimple("items", 0)
		assert.True(t, IsNotFound(err))
		_, err = txn.Verify()
		return err
	}))
}

func TestOpenDBIFlags(t *testing.T) {
	env, _ := openTestEnv(t, withMaxDBs(2))
	require.NoError(t, env.Update(func(txn *Txn) error {
		_, err := txn.OpenDBISimple("dups", Create|DupSort)
		require.NoError(t, err)
		_, err = txn.OpenDBISimple("plain", Create)
		require.NoError(t, err)

		// A plain open accepts the stored flags; a different request does not.
		dbi, err := txn.OpenDBISimple("dups", 0)
		require.NoError(t, err)
		flags, err := txn.Flags(dbi)
		require.NoError(t, err)
		assert.Equal(t, DupSort, flags)
		_, err = txn.OpenDBISimple("plain", Create|DupSort)
		assert.Equal(t, ErrIncompatible, Code(err))

		_, err = txn.OpenDBISimple("third", Create)
		assert.Equal(t, ErrDBsFull, Code(err))
		return nil
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		_, err := txn.OpenDBISimple("bad", Create|DupFixed)
		assert.Equal(t, ErrIncompatible, Code(err))
		return nil
	}))
}

func TestSequence(t *testing.T) {
	env, _ := openTestEnv(t)
	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple("seq", Create)
		require.NoError(t, err)
		v, err := txn.Sequence(dbi, 5)
		require.NoError(t, err)
		assert.Zero(t, v)
		v, err = txn.Sequence(dbi, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), v)
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		v, err := txn.Sequence(dbi, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), v)
		_, err = txn.Sequence(dbi, 1)
		assert.Equal(t, ErrPermissionDenied, Code(err))
		return nil
	}))
}

func TestLargeValues(t *testing.T) {
	env, _ := openTestEnv(t, withPageSize(4096))
	sizes := []int{4000, 4096, 10000, 100000, 1 << 20}
	vals := make([][]byte, len(sizes))
	for i, n := range sizes {
		vals[i] = bytes.Repeat([]byte{byte(i + 1)}, n)
	}
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i, v := range vals {
			if err := txn.Put(MainDBI, []byte(fmt.Sprintf("big-%d", i)), v, 0); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		for i, v := range vals {
			got, err := txn.Get(MainDBI, []byte(fmt.Sprintf("big-%d", i)))
			require.NoError(t, err)
			require.True(t, bytes.Equal(v, got), "value %d", i)
		}
		st, err := txn.Stat(MainDBI)
		require.NoError(t, err)
		assert.Greater(t, st.LargePages, uint64(256))
		return nil
	}))

	// Shrink one value in place of a large one and delete another.
	require.NoError(t, env.Update(func(txn *Txn) error {
		if err := txn.Put(MainDBI, []byte("big-4"), []byte("small"), 0); err != nil {
			return err
		}
		return txn.Del(MainDBI, []byte("big-3"), nil)
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		got, err := txn.Get(MainDBI, []byte("big-4"))
		require.NoError(t, err)
		assert.Equal(t, "small", string(got))
		res, err := txn.Verify()
		require.NoError(t, err)
		assert.Greater(t, res.FreePages, uint64(0))
		return nil
	}))
}

func TestPutReserve(t *testing.T) {
	env, _ := openTestEnv(t)
	require.NoError(t, env.Update(func(txn *Txn) error {
		buf, err := txn.PutReserve(MainDBI, []byte("r"), 16, 0)
		require.NoError(t, err)
		require.Len(t, buf, 16)
		copy(buf, "0123456789abcdef")
		return nil
	}))
	got, err := getString(t, env, MainDBI, "r")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", got)
}

func TestAppend(t *testing.T) {
	env, _ := openTestEnv(t)
	require.NoError(t, env.Update(func(txn *Txn) error {
		key := make([]byte, 8)
		for i := 0; i < 5000; i++ {
			binary.BigEndian.PutUint64(key, uint64(i))
			if err := txn.Put(MainDBI, key, key, Append); err != nil {
				return err
			}
		}
		binary.BigEndian.PutUint64(key, 10)
		assert.True(t, IsKeyExist(txn.Put(MainDBI, key, key, Append)))
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

func TestFreePagesAreReused(t *testing.T) {
	env, _ := openTestEnv(t, withPageSize(4096))
	val := bytes.Repeat([]byte{7}, 100)
	write := func() {
		require.NoError(t, env.Update(func(txn *Txn) error {
			for i := 0; i < 300; i++ {
				if err := txn.Put(MainDBI, []byte(fmt.Sprintf("%04d", i)), val, 0); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	for i := 0; i < 5; i++ {
		write()
	}
	info, err := env.Info()
	require.NoError(t, err)
	settled := info.LastPgNo

	for i := 0; i < 100; i++ {
		write()
	}
	info, err = env.Info()
	require.NoError(t, err)
	assert.LessOrEqual(t, info.LastPgNo, settled+16, "file keeps growing although pages are freed")

	// A long-lived reader holds its snapshot's pages back.
	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		write()
	}
	pinned, err := env.Info()
	require.NoError(t, err)
	assert.Greater(t, pinned.LastPgNo, info.LastPgNo)
	v, err := reader.Get(MainDBI, []byte("0000"))
	require.NoError(t, err)
	assert.Equal(t, val, v)
	reader.Abort()

	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.Verify()
		return err
	}))
}
