// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
)

// Prefix of the temporary files that hold the contents of files that are
// being written; they're renamed into place when complete.
const diskTempPrefix = ".tmp-"

// Implements the FileStorage interface to store files in a directory in
// the local filesystem.
type disk struct {
	root string
}

// NewDisk returns a FileStorage that stores files under the given root
// directory, which is created if it doesn't already exist.
func NewDisk(root string) (FileStorage, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Trace(err)
	}
	stat, err := os.Stat(root)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !stat.IsDir() {
		return nil, errors.Errorf("%s: is a regular file", root)
	}
	return &disk{root: root}, nil
}

func (d *disk) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

func (d *disk) String() string {
	return "disk: " + d.root
}

func (d *disk) Create(ctx context.Context, name string) (FileWriter, error) {
	p := d.path(name)
	dir := filepath.Dir(p)
	if stat, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Annotatef(ErrNotExist, "%s: parent directory", name)
		}
		return nil, err
	} else if !stat.IsDir() {
		return nil, errors.Errorf("%s: not a directory", dir)
	}

	f, err := os.CreateTemp(dir, diskTempPrefix+filepath.Base(p)+"-*")
	if err != nil {
		return nil, err
	}
	return &diskWriter{f: f, path: p}, nil
}

// diskWriter writes to a temporary file in the same directory as the
// final file and then renames it into place. Since the rename is atomic,
// a reader never sees a partially-written file.
type diskWriter struct {
	f    *os.File
	path string
}

func (w *diskWriter) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

func (w *diskWriter) Close() error {
	tmp := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (w *diskWriter) Abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}

func (d *disk) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(name))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	return f, err
}

func (d *disk) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(d.path(name))
	if err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d *disk) Mkdir(ctx context.Context, name string) error {
	return os.MkdirAll(d.path(name), 0700)
}

func (d *disk) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(d.path(dir))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	} else if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), diskTempPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *disk) Remove(ctx context.Context, name string) error {
	if err := os.Remove(d.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
