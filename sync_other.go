//go:build unix && !linux

package gmdb

import "os"

func fdatasync(f *os.File) error { return f.Sync() }
