package gmdb

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDupDB(t *testing.T, env *Env, name string, flags uint) DBI {
	t.Helper()
	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple(name, Create|DupSort|flags)
		return err
	}))
	return dbi
}

func dupValuesOf(t *testing.T, txn *Txn, dbi DBI, key string) []string {
	t.Helper()
	cur, err := txn.OpenCursor(dbi)
	require.NoError(t, err)
	defer cur.Close()
	var out []string
	_, v, err := cur.Get([]byte(key), nil, Set)
	for ; err == nil; _, v, err = cur.Get(nil, nil, NextDup) {
		out = append(out, string(v))
	}
	require.True(t, IsNotFound(err), "walk ended with %v", err)
	return out
}

func be64(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func TestDupBasics(t *testing.T) {
	env, _ := openTestEnv(t)
	dbi := openDupDB(t, env, "dups", 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v2"), 0))
		require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v1"), 0))
		// an existing pair is accepted silently
		require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v1"), 0))
		err := txn.Put(dbi, []byte("k"), []byte("v1"), NoDupData)
		assert.True(t, IsKeyExist(err))
		err = txn.Put(dbi, []byte("k"), []byte("v3"), NoOverwrite)
		assert.True(t, IsKeyExist(err))

		v, err := txn.Get(dbi, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "v1", string(v))
		assert.Equal(t, []string{"v1", "v2"}, dupValuesOf(t, txn, dbi, "k"))

		cur, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cur.Close()
		_, _, err = cur.Get([]byte("k"), nil, Set)
		require.NoError(t, err)
		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)
		return nil
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		require.NoError(t, txn.Del(dbi, []byte("k"), []byte("v1")))
		assert.Equal(t, []string{"v2"}, dupValuesOf(t, txn, dbi, "k"))
		assert.True(t, IsNotFound(txn.Del(dbi, []byte("k"), []byte("v9"))))
		require.NoError(t, txn.Put(dbi, []byte("k"), []byte("v3"), 0))
		require.NoError(t, txn.Del(dbi, []byte("k"), nil))
		_, err := txn.Get(dbi, []byte("k"))
		assert.True(t, IsNotFound(err))
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Zero(t, st.Entries)
		return nil
	}))
}

func TestDupNavigation(t *testing.T) {
	env, _ := openTestEnv(t)
	dbi := openDupDB(t, env, "nav", 0)
	require.NoError(t, env.Update(func(txn *Txn) error {
		for _, kv := range [][2]string{{"a", "1"}, {"a", "2"}, {"b", "1"}, {"c", "1"}, {"c", "2"}, {"c", "3"}} {
			if err := txn.Put(dbi, []byte(kv[0]), []byte(kv[1]), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		cur, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cur.Close()

		var keys []string
		k, _, err := cur.Get(nil, nil, NextNoDup)
		for ; err == nil; k, _, err = cur.Get(nil, nil, NextNoDup) {
			keys = append(keys, string(k))
		}
		require.True(t, IsNotFound(err))
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		k, v, err := cur.Get(nil, nil, Last)
		require.NoError(t, err)
		assert.Equal(t, "c3", string(k)+string(v))
		k, v, err = cur.Get(nil, nil, PrevNoDup)
		require.NoError(t, err)
		assert.Equal(t, "b1", string(k)+string(v))
		k, v, err = cur.Get(nil, nil, PrevNoDup)
		require.NoError(t, err)
		// the last value of the previous key
		assert.Equal(t, "a2", string(k)+string(v))
		_, v, err = cur.Get(nil, nil, FirstDup)
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))
		_, _, err = cur.Get(nil, nil, PrevDup)
		assert.True(t, IsNotFound(err))

		_, v, err = cur.Get([]byte("c"), []byte("2"), GetBoth)
		require.NoError(t, err)
		assert.Equal(t, "2", string(v))
		_, _, err = cur.Get([]byte("c"), []byte("25"), GetBoth)
		assert.True(t, IsNotFound(err))
		_, v, err = cur.Get([]byte("c"), []byte("25"), GetBothRange)
		require.NoError(t, err)
		assert.Equal(t, "3", string(v))
		_, _, err = cur.Get([]byte("c"), []byte("4"), GetBothRange)
		assert.True(t, IsNotFound(err))
		return nil
	}))
}

// Enough values to push the key into a nested tree several levels deep.
func TestDupNestedTree(t *testing.T) {
	env, _ := openTestEnv(t, withPageSize(1024))
	dbi := openDupDB(t, env, "big", 0)
	const n = 3000

	require.NoError(t, env.Update(func(txn *Txn) error {
		for _, i := range rand.New(rand.NewSource(3)).Perm(n) {
			if err := txn.Put(dbi, []byte("key"), be64(uint64(i)), 0); err != nil {
				return err
			}
		}
		require.NoError(t, txn.Put(dbi, []byte("after"), []byte("x"), 0))
		require.NoError(t, txn.Put(dbi, []byte("zzz"), []byte("y"), 0))
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		cur, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cur.Close()
		_, v, err := cur.Get([]byte("key"), nil, Set)
		require.NoError(t, err)
		assert.Equal(t, be64(0), v)
		cnt, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, uint64(n), cnt)

		i := uint64(1)
		for _, v, err = cur.Get(nil, nil, NextDup); err == nil; _, v, err = cur.Get(nil, nil, NextDup) {
			require.Equal(t, be64(i), v)
			i++
		}
		require.True(t, IsNotFound(err))
		assert.Equal(t, uint64(n), i)

		_, v, err = cur.Get(nil, nil, LastDup)
		require.NoError(t, err)
		assert.Equal(t, be64(n-1), v)
		_, v, err = cur.Get(nil, nil, PrevDup)
		require.NoError(t, err)
		assert.Equal(t, be64(n-2), v)

		k, _, err := cur.Get(nil, nil, NextNoDup)
		require.NoError(t, err)
		assert.Equal(t, "zzz", string(k))

		_, v, err = cur.Get([]byte("key"), be64(1234), GetBoth)
		require.NoError(t, err)
		assert.Equal(t, be64(1234), v)
		_, _, err = cur.Get([]byte("key"), be64(n+5), GetBothRange)
		assert.True(t, IsNotFound(err))

		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Equal(t, uint64(n+2), st.Entries)
		_, err = txn.Verify()
		return err
	}))

	// Drop the odd values, then all but one.
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 1; i < n; i += 2 {
			if err := txn.Del(dbi, []byte("key"), be64(uint64(i))); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		vals := dupValuesOf(t, txn, dbi, "key")
		require.Len(t, vals, n/2)
		assert.Equal(t, string(be64(2)), vals[1])
		_, err := txn.Verify()
		return err
	}))
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i < n-2; i += 2 {
			if err := txn.Del(dbi, []byte("key"), be64(uint64(i))); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		assert.Equal(t, []string{string(be64(n - 2))}, dupValuesOf(t, txn, dbi, "key"))
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), st.Entries)
		_, err = txn.Verify()
		return err
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Del(dbi, []byte("key"), nil)
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.Get(dbi, []byte("key"))
		assert.True(t, IsNotFound(err))
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), st.Entries)
		res, err := txn.Verify()
		require.NoError(t, err)
		assert.Equal(t, 1, res.Databases)
		return nil
	}))
}

func TestDupCursorDelete(t *testing.T) {
	env, _ := openTestEnv(t)
	dbi := openDupDB(t, env, "cd", 0)
	require.NoError(t, env.Update(func(txn *Txn) error {
		for _, k := range []string{"a", "b", "c"} {
			for i := 0; i < 4; i++ {
				if err := txn.Put(dbi, []byte(k), []byte(fmt.Sprint(i)), 0); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		cur, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cur.Close()

		_, _, err = cur.Get([]byte("a"), []byte("1"), GetBoth)
		require.NoError(t, err)
		require.NoError(t, cur.Del(0))
		k, v, err := cur.Get(nil, nil, GetCurrent)
		require.NoError(t, err)
		assert.Equal(t, "a2", string(k)+string(v))
		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, uint64(3), n)

		_, _, err = cur.Get([]byte("b"), nil, Set)
		require.NoError(t, err)
		require.NoError(t, cur.Del(NoDupData))
		k, v, err = cur.Get(nil, nil, Next)
		require.NoError(t, err)
		assert.Equal(t, "c0", string(k)+string(v))
		_, err = txn.Get(dbi, []byte("b"))
		assert.True(t, IsNotFound(err))
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		assert.Equal(t, []string{"0", "2", "3"}, dupValuesOf(t, txn, dbi, "a"))
		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), st.Entries)
		return nil
	}))
}

func TestDupReplaceCurrent(t *testing.T) {
	env, _ := openTestEnv(t)
	dbi := openDupDB(t, env, "rc", 0)
	require.NoError(t, env.Update(func(txn *Txn) error {
		for _, v := range []string{"a", "c", "e"} {
			require.NoError(t, txn.Put(dbi, []byte("k"), []byte(v), 0))
		}
		cur, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cur.Close()
		_, _, err = cur.Get([]byte("k"), []byte("c"), GetBoth)
		require.NoError(t, err)
		require.NoError(t, cur.Put([]byte("k"), []byte("f"), Current))
		_, v, err := cur.Get(nil, nil, GetCurrent)
		require.NoError(t, err)
		assert.Equal(t, "f", string(v))
		assert.Equal(t, []string{"a", "e", "f"}, dupValuesOf(t, txn, dbi, "k"))
		return nil
	}))
}

func TestDupFixedMultiple(t *testing.T) {
	env, _ := openTestEnv(t, withPageSize(1024))
	dbi := openDupDB(t, env, "fixed", DupFixed)
	const n = 1000

	packed := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		packed = append(packed, be64(uint64(i*3))...)
	}
	require.NoError(t, env.Update(func(txn *Txn) error {
		cur, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cur.Close()
		require.NoError(t, cur.PutMulti([]byte("k"), packed, 8, 0))
		return cur.Put([]byte("m"), be64(7), 0)
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		cur, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cur.Close()
		_, _, err = cur.Get([]byte("k"), nil, Set)
		require.NoError(t, err)
		k, batch, err := cur.Get(nil, nil, GetMultiple)
		require.NoError(t, err)
		assert.Equal(t, "k", string(k))
		require.NotEmpty(t, batch)
		require.Zero(t, len(batch)%8)

		got := append([]byte(nil), batch...)
		for {
			k, batch, err = cur.Get(nil, nil, NextMultiple)
			if err != nil || string(k) != "k" {
				break
			}
			got = append(got, batch...)
		}
		require.NoError(t, err)
		assert.Equal(t, "m", string(k))
		assert.Equal(t, be64(7), batch)
		assert.Equal(t, packed, got)
		m := WrapMulti(got, 8)
		assert.Equal(t, n, m.Len())
		assert.Equal(t, be64(3), m.Val(1))
		assert.Nil(t, m.Val(n))
		assert.Len(t, m.Vals(), n)

		_, _, err = cur.Get(nil, nil, NextMultiple)
		assert.True(t, IsNotFound(err))

		st, err := txn.Stat(dbi)
		require.NoError(t, err)
		assert.Equal(t, uint64(n+1), st.Entries)
		_, err = txn.Verify()
		return err
	}))
}

func TestDupMultipleNeedsDupFixed(t *testing.T) {
	env, _ := openTestEnv(t)
	dbi := openDupDB(t, env, "plain", 0)
	mustPut(t, env, dbi, "k", "v")
	require.NoError(t, env.View(func(txn *Txn) error {
		cur, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cur.Close()
		_, _, err = cur.Get(nil, nil, First)
		require.NoError(t, err)
		_, _, err = cur.Get(nil, nil, GetMultiple)
		assert.Equal(t, ErrIncompatible, Code(err))
		return nil
	}))
}

func TestDupFixedRejectsOtherSizes(t *testing.T) {
	env, _ := openTestEnv(t)
	dbi := openDupDB(t, env, "sized", DupFixed)
	mustPut(t, env, dbi, "k", "12345678")

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	defer txn.Abort()
	err = txn.Put(dbi, []byte("k"), []byte("short"), 0)
	assert.Equal(t, ErrBadValSize, Code(err))
	// a failed write ends the transaction
	assert.True(t, IsInvalidState(txn.Put(dbi, []byte("k"), []byte("87654321"), 0)))

	txn2, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	defer txn2.Abort()
	cur, err := txn2.OpenCursor(dbi)
	require.NoError(t, err)
	err = cur.PutMulti([]byte("k"), make([]byte, 12), 8, 0)
	assert.Equal(t, ErrBadValSize, Code(err))
}
