// Command gmdb inspects and maintains gmdb environments.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/Giulio2002/gmdb"
	"github.com/Giulio2002/gmdb/dump"
)

// CLI defines the command-line interface.
var CLI struct {
	NoSubdir   bool   `name:"no-subdir" help:"Path names the data file rather than a directory"`
	MaxDBs     int    `name:"max-dbs" default:"128" help:"Maximum number of named databases"`
	MaxReaders int    `name:"max-readers" help:"Reader table size when creating the lock file"`
	PageSize   int    `name:"page-size" help:"Page size for a new environment"`
	MapSize    string `name:"map-size" help:"Map size, e.g. 1GiB; defaults to the size stored in the file"`
	Verbose    bool   `short:"v" help:"Log environment events to stderr"`

	Stat    StatCmd    `cmd:"" help:"Print environment information and main database statistics"`
	DBs     DBsCmd     `cmd:"" name:"dbs" help:"List named databases"`
	Dump    DumpCmd    `cmd:"" help:"Write a logical backup"`
	Load    LoadCmd    `cmd:"" help:"Load a logical backup"`
	Copy    CopyCmd    `cmd:"" help:"Copy the environment"`
	Readers ReadersCmd `cmd:"" help:"List reader slots"`
	Check   CheckCmd   `cmd:"" help:"Verify the structure of the newest snapshot"`
	Resize  ResizeCmd  `cmd:"" help:"Change the map size"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// openEnv opens the environment at path with the global options.
func openEnv(path string, flags uint) (*gmdb.Env, error) {
	env, err := gmdb.NewEnv(gmdb.Label(path))
	if err != nil {
		return nil, err
	}
	if CLI.Verbose {
		env.SetLogger(gmdb.NewStdLogger(os.Stderr, gmdb.LogLvlDebug))
	}
	if err := env.SetMaxDBs(CLI.MaxDBs); err != nil {
		return nil, err
	}
	if CLI.MaxReaders > 0 {
		if err := env.SetMaxReaders(CLI.MaxReaders); err != nil {
			return nil, err
		}
	}
	if CLI.PageSize > 0 {
		if err := env.SetPageSize(CLI.PageSize); err != nil {
			return nil, err
		}
	}
	if CLI.MapSize != "" {
		size, err := humanize.ParseBytes(CLI.MapSize)
		if err != nil {
			return nil, fmt.Errorf("map size: %w", err)
		}
		if err := env.SetMapSize(size); err != nil {
			return nil, err
		}
	}
	if CLI.NoSubdir {
		flags |= gmdb.NoSubdir
	}
	if err := env.Open(path, flags, 0644); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return env, nil
}

func closeEnv(env *gmdb.Env, err *error) {
	if cerr := env.Close(); *err == nil {
		*err = cerr
	}
}

func pages(n uint64, ps int) string {
	return fmt.Sprintf("%s (%s)", humanize.Comma(int64(n)), humanize.IBytes(n*uint64(ps)))
}

// StatCmd prints environment information.
type StatCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
}

func (c *StatCmd) Run() (err error) {
	env, err := openEnv(c.Path, gmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer closeEnv(env, &err)
	info, err := env.Info()
	if err != nil {
		return err
	}
	st, err := env.Stat()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "GUID:\t%s\n", info.GUID)
	fmt.Fprintf(w, "Page size:\t%s\n", humanize.IBytes(uint64(info.PageSize)))
	fmt.Fprintf(w, "Map size:\t%s\n", humanize.IBytes(info.MapSize))
	fmt.Fprintf(w, "Used:\t%s\n", pages(info.LastPgNo+1, info.PageSize))
	fmt.Fprintf(w, "Free pages:\t%s\n", pages(info.FreePages, info.PageSize))
	fmt.Fprintf(w, "Last txn:\t%d\n", info.LastTxnID)
	fmt.Fprintf(w, "Readers:\t%d/%d\n", info.NumReaders, info.MaxReaders)
	fmt.Fprintf(w, "Main depth:\t%d\n", st.Depth)
	fmt.Fprintf(w, "Main entries:\t%s\n", humanize.Comma(int64(st.Entries)))
	fmt.Fprintf(w, "Main pages:\t%s branch, %s leaf, %s large\n",
		humanize.Comma(int64(st.BranchPages)), humanize.Comma(int64(st.LeafPages)), humanize.Comma(int64(st.LargePages)))
	return w.Flush()
}

// DBsCmd lists named databases with their statistics.
type DBsCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
}

func (c *DBsCmd) Run() (err error) {
	env, err := openEnv(c.Path, gmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer closeEnv(env, &err)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENTRIES\tDEPTH\tSIZE\tFLAGS")
	err = env.View(func(txn *gmdb.Txn) error {
		names, err := txn.ListDBI()
		if err != nil {
			return err
		}
		for _, name := range names {
			dbi, err := txn.OpenDBISimple(name, 0)
			if err != nil {
				return fmt.Errorf("open %q: %w", name, err)
			}
			st, err := txn.Stat(dbi)
			if err != nil {
				return err
			}
			flags, err := txn.Flags(dbi)
			if err != nil {
				return err
			}
			size := (st.BranchPages + st.LeafPages + st.LargePages) * uint64(st.PageSize)
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", name, humanize.Comma(int64(st.Entries)),
				st.Depth, humanize.IBytes(size), flagNames(flags))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

func flagNames(flags uint) string {
	var names []string
	for _, f := range []struct {
		flag uint
		name string
	}{
		{gmdb.ReverseKey, "reversekey"},
		{gmdb.DupSort, "dupsort"},
		{gmdb.IntegerKey, "integerkey"},
		{gmdb.DupFixed, "dupfixed"},
		{gmdb.IntegerDup, "integerdup"},
		{gmdb.ReverseDup, "reversedup"},
	} {
		if flags&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

// DumpCmd writes a logical backup.
type DumpCmd struct {
	Path  string `arg:"" help:"Environment path" type:"path"`
	Out   string `short:"o" help:"Output file; stdout when empty" type:"path"`
	Codec string `short:"c" default:"zstd" enum:"none,snappy,zstd,lz4" help:"Compression (none, snappy, zstd, lz4)"`
}

func (c *DumpCmd) Run() (err error) {
	codec, err := dump.ParseCodec(c.Codec)
	if err != nil {
		return err
	}
	env, err := openEnv(c.Path, gmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer closeEnv(env, &err)

	var w io.Writer = os.Stdout
	if c.Out != "" {
		f, err := os.OpenFile(c.Out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	sum, err := dump.Export(env, w, codec)
	if err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok && f != os.Stdout {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "dumped %s items in %d databases at txn %d (%s)\n",
		humanize.Comma(int64(sum.Items)), sum.Databases, sum.TxnID, sum.Codec)
	return nil
}

// LoadCmd loads a logical backup into an environment, creating it if needed.
type LoadCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
	In   string `short:"i" help:"Input file; stdin when empty" type:"existingfile"`
}

func (c *LoadCmd) Run() (err error) {
	var r io.Reader = os.Stdin
	if c.In != "" {
		f, err := os.Open(c.In)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	env, err := openEnv(c.Path, 0)
	if err != nil {
		return err
	}
	defer closeEnv(env, &err)
	sum, err := dump.Import(env, bufio.NewReaderSize(r, 1<<20))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "loaded %s items in %d databases from %s (txn %d)\n",
		humanize.Comma(int64(sum.Items)), sum.Databases, sum.GUID, sum.TxnID)
	return nil
}

// CopyCmd copies the environment from a read snapshot.
type CopyCmd struct {
	Path    string `arg:"" help:"Environment path" type:"path"`
	Dest    string `arg:"" help:"Destination; must not exist" type:"path"`
	Compact bool   `help:"Write live pages only and drop the free list"`
}

func (c *CopyCmd) Run() (err error) {
	env, err := openEnv(c.Path, gmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer closeEnv(env, &err)
	flags := gmdb.CopyDefaults
	if c.Compact {
		flags |= gmdb.CopyCompact
	}
	return env.Copy(c.Dest, flags)
}

// ReadersCmd lists reader slots.
type ReadersCmd struct {
	Path  string `arg:"" help:"Environment path" type:"path"`
	Check bool   `help:"Release slots of dead processes first"`
}

func (c *ReadersCmd) Run() (err error) {
	env, err := openEnv(c.Path, gmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer closeEnv(env, &err)
	if c.Check {
		n, err := env.ReaderCheck()
		if err != nil {
			return err
		}
		fmt.Printf("released %d stale slots\n", n)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tPID\tTID\tTXN")
	err = env.ReaderList(func(ri gmdb.ReaderInfo) error {
		txn := "-"
		if ri.Txnid != 0 {
			txn = fmt.Sprint(ri.Txnid)
		}
		_, err := fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", ri.Slot, ri.PID, ri.TID, txn)
		return err
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

// CheckCmd verifies the newest snapshot.
type CheckCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
}

func (c *CheckCmd) Run() (err error) {
	env, err := openEnv(c.Path, gmdb.ReadOnly)
	if err != nil {
		return err
	}
	defer closeEnv(env, &err)
	var res *gmdb.CheckResult
	err = env.View(func(txn *gmdb.Txn) error {
		res, err = txn.Verify()
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("ok: %d databases, %s items, %s tree pages, %s free pages of %s\n",
		res.Databases, humanize.Comma(int64(res.Items)), humanize.Comma(int64(res.TreePages)),
		humanize.Comma(int64(res.FreePages)), humanize.Comma(int64(res.TotalPages)))
	return nil
}

// ResizeCmd sets a new map size. It cannot shrink below the used pages.
type ResizeCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
	Size string `arg:"" help:"New map size, e.g. 4GiB"`
}

func (c *ResizeCmd) Run() (err error) {
	size, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	env, err := openEnv(c.Path, 0)
	if err != nil {
		return err
	}
	defer closeEnv(env, &err)
	if err := env.SetMapSize(size); err != nil {
		return err
	}
	// The new size is persisted by the next commit.
	if err := env.Update(func(txn *gmdb.Txn) error { return nil }); err != nil {
		return err
	}
	info, err := env.Info()
	if err != nil {
		return err
	}
	fmt.Printf("map size %s\n", humanize.IBytes(info.MapSize))
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	v := gmdb.GetVersionInfo()
	fmt.Printf("%s, lock format %d\n", gmdb.Version(), v.LockVersion)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("gmdb"),
		kong.Description("Inspect and maintain gmdb environments"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
