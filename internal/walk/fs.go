package walk

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Entry is a regular file found by the walker
type Entry interface {
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Roots is a convenience wrapper around FS for os.Root. See FS for details.
func Roots(ctx context.Context, roots ...*os.Root) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, root := range roots {
			for entry, err := range FS(ctx, root.FS(), root.Name()) {
				if !yield(entry, err) {
					return
				}
			}
		}
	}
}

// FS lists the top level of the filesystem root and returns a handle for every
// regular file found, or an error if file information retrieval fails.
// Plugin folders are not recursive. Each Entry's Path() is prefixed with name
// of a filesystem, in most cases it'll be an absolute path to the file.
// Symlinks are followed.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		dirents, err := fs.ReadDir(root, ".")
		if err != nil {
			yield(fsEntry{root: root, abspath: name, infoErr: err}, err)
			return
		}
		for _, d := range dirents {
			if ctx.Err() != nil {
				return
			}
			var entry = fsEntry{
				root:    root,
				abspath: filepath.Join(name, d.Name()),
				path:    d.Name(),
			}
			info, err := fs.Stat(root, d.Name())
			if err != nil {
				entry.infoErr = err
				if !yield(entry, err) {
					return
				}
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			entry.info = info
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Options filters the files found in plugin folders
type Options struct {
	// Extensions without a leading dot, nil means every file
	Extensions []string
	// Forbidden names are never executed, compared case-insensitively
	Forbidden []string
}

// Files returns absolute paths of regular files inside folders, in folder
// order. Missing folders are skipped, other errors are returned joined
// along with the files found. Only the first file of a given name is kept.
func Files(ctx context.Context, folders []string, opts Options) ([]string, error) {
	var roots []*os.Root
	var errs []error
	for _, dir := range folders {
		abs, err := filepath.Abs(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		root, err := os.OpenRoot(abs)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		roots = append(roots, root)
	}
	defer func() {
		for _, root := range roots {
			_ = root.Close()
		}
	}()

	seen := make(map[string]struct{})
	var ret []string
	for entry, err := range Roots(ctx, roots...) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		path := entry.Path()
		base := filepath.Base(path)
		if !allowedExtension(base, opts.Extensions) || forbidden(base, opts.Forbidden) {
			continue
		}
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		ret = append(ret, path)
	}
	return ret, errors.Join(errs...)
}

func allowedExtension(name string, exts []string) bool {
	if exts == nil {
		return true
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return slices.Contains(exts, ext)
}

func forbidden(name string, names []string) bool {
	return slices.ContainsFunc(names, func(n string) bool {
		return strings.EqualFold(n, name)
	})
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

// returns the absolute path to the file
func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
