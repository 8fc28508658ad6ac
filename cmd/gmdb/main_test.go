package main

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/gmdb"
)

func createEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src")
	env, err := gmdb.NewEnv(gmdb.Default)
	require.NoError(t, err)
	require.NoError(t, env.SetMaxDBs(4))
	require.NoError(t, env.Open(path, 0, 0644))
	defer env.Close()
	require.NoError(t, env.Update(func(txn *gmdb.Txn) error {
		dbi, err := txn.OpenDBISimple("accounts", gmdb.Create)
		if err != nil {
			return err
		}
		for i := 0; i < 100; i++ {
			if err := txn.Put(dbi, []byte(fmt.Sprintf("acct-%03d", i)), []byte("balance"), 0); err != nil {
				return err
			}
		}
		return nil
	}))
	return path
}

func countItems(t *testing.T, path, name string) int {
	t.Helper()
	env, err := openEnv(path, gmdb.ReadOnly)
	require.NoError(t, err)
	defer env.Close()
	n := 0
	require.NoError(t, env.View(func(txn *gmdb.Txn) error {
		dbi, err := txn.OpenDBISimple(name, 0)
		if err != nil {
			return err
		}
		st, err := txn.Stat(dbi)
		if err != nil {
			return err
		}
		n = int(st.Entries)
		return nil
	}))
	return n
}

func TestDumpLoadCopy(t *testing.T) {
	CLI.MaxDBs = 8
	src := createEnv(t)
	dir := t.TempDir()
	backup := filepath.Join(dir, "backup.gmdbdump")

	require.NoError(t, (&DumpCmd{Path: src, Out: backup, Codec: "snappy"}).Run())
	// the output file is never overwritten
	assert.Error(t, (&DumpCmd{Path: src, Out: backup, Codec: "snappy"}).Run())

	dst := filepath.Join(dir, "restored")
	require.NoError(t, (&LoadCmd{Path: dst, In: backup}).Run())
	assert.Equal(t, 100, countItems(t, dst, "accounts"))
	require.NoError(t, (&CheckCmd{Path: dst}).Run())

	compact := filepath.Join(dir, "compact")
	require.NoError(t, (&CopyCmd{Path: dst, Dest: compact, Compact: true}).Run())
	assert.Equal(t, 100, countItems(t, compact, "accounts"))
	require.NoError(t, (&DBsCmd{Path: compact}).Run())
	require.NoError(t, (&StatCmd{Path: compact}).Run())
	require.NoError(t, (&ReadersCmd{Path: compact, Check: true}).Run())
}

func TestResize(t *testing.T) {
	CLI.MaxDBs = 8
	src := createEnv(t)
	require.NoError(t, (&ResizeCmd{Path: src, Size: "256MiB"}).Run())

	env, err := openEnv(src, gmdb.ReadOnly)
	require.NoError(t, err)
	defer env.Close()
	info, err := env.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(256<<20), info.MapSize)

	assert.Error(t, (&ResizeCmd{Path: src, Size: "lots"}).Run())
}

func TestParseArgs(t *testing.T) {
	src := createEnv(t)
	parser, err := kong.New(&CLI, kong.Name("gmdb"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)

	ctx, err := parser.Parse([]string{"--max-dbs", "16", "check", src})
	require.NoError(t, err)
	assert.Equal(t, "check <path>", ctx.Command())
	assert.Equal(t, 16, CLI.MaxDBs)
	require.NoError(t, ctx.Run())

	_, err = parser.Parse([]string{"dump", "--codec", "brotli", src})
	assert.Error(t, err)
}
