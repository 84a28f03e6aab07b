// Package walk lists the regular files of a job directory.
package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Entry is a regular file found under a root. Name is slash separated and
// relative to the root, Path is the file on disk.
type Entry struct {
	Name string
	Path string
	Info fs.FileInfo

	root fs.FS
}

func (e Entry) Open() (io.ReadCloser, error) {
	return e.root.Open(e.Name)
}

// Root walks root recursively and yields every regular file. Symlinks and
// other special files are skipped; an error yielded for one entry does not
// stop the walk. Cancelling ctx ends it.
func Root(ctx context.Context, root *os.Root) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}
	return FS(ctx, root.FS(), root.Name())
}

// FS is Root for an arbitrary fs.FS; name prefixes every Entry.Path.
func FS(ctx context.Context, fsys fs.FS, name string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			entry := Entry{
				Name: path,
				Path: filepath.Join(name, filepath.FromSlash(path)),
				root: fsys,
			}
			if err != nil {
				if !yield(entry, err) {
					return fs.SkipAll
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			entry.Info, err = d.Info()
			if !yield(entry, err) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(fsys, ".", fn)
	}
}
