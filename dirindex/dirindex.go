// dirindex/dirindex.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package dirindex provides an index stored in a local directory whose
// commit points can be reserved for backups. Each commit point is a
// file named segments_<N> that lists, one per line, the files that make
// up the commit; the commit with the largest N is the latest.
package dirindex

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/mmp/shardbk/backup"
	"github.com/mmp/shardbk/storage"
	u "github.com/mmp/shardbk/util"
)

const (
	SegmentsPrefix = "segments_"

	// ErrPinned is returned when removing a file that belongs to a
	// reserved commit point.
	ErrPinned = errors.ConstError("file is in use by a reserved commit")
	// ErrNotReserved is returned when releasing a commit that isn't
	// reserved.
	ErrNotReserved = errors.ConstError("commit is not reserved")
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Commit is a commit point of an Index.
type Commit struct {
	gen   int64
	files []string
}

func (c *Commit) Generation() int64 {
	return c.gen
}

// Files returns the files of the commit, including its segments file.
func (c *Commit) Files() []string {
	return append([]string(nil), c.files...)
}

// SegmentsFile returns the name of the file that defines the commit.
func (c *Commit) SegmentsFile() string {
	return SegmentsFileName(c.gen)
}

func SegmentsFileName(gen int64) string {
	return SegmentsPrefix + strconv.FormatInt(gen, 10)
}

// ParseSegmentsFileName returns the generation of a segments file; ok is
// false if name isn't one.
func ParseSegmentsFileName(name string) (gen int64, ok bool) {
	if !strings.HasPrefix(name, SegmentsPrefix) {
		return 0, false
	}
	g, err := strconv.ParseInt(strings.TrimPrefix(name, SegmentsPrefix), 10, 64)
	if err != nil || g < 0 {
		return 0, false
	}
	return g, true
}

// Index is a directory of index files. It implements backup.Index.
type Index struct {
	dir string

	mu       sync.Mutex
	reserved map[int64]int
}

var _ backup.Index = (*Index)(nil)

// Open returns the Index for the given directory, which must exist.
func Open(dir string) (*Index, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Trace(err)
	} else if !fi.IsDir() {
		return nil, errors.Errorf("%s: not a directory", dir)
	}
	return &Index{dir: dir, reserved: make(map[int64]int)}, nil
}

func (ix *Index) Name() string {
	return ix.dir
}

func (ix *Index) Directory() storage.Directory {
	return storage.LocalDir(ix.dir)
}

// Generations returns the generations of the index's commit points in
// increasing order.
func (ix *Index) Generations() ([]int64, error) {
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var gens []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if g, ok := ParseSegmentsFileName(e.Name()); ok {
			gens = append(gens, g)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// ReadCommit reads the commit point with the given generation.
func (ix *Index) ReadCommit(gen int64) (*Commit, error) {
	name := SegmentsFileName(gen)
	f, err := os.Open(filepath.Join(ix.dir, name))
	if os.IsNotExist(err) {
		return nil, errors.Annotatef(storage.ErrNotExist, "%s", filepath.Join(ix.dir, name))
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()

	c := &Commit{gen: gen}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			c.files = append(c.files, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Annotatef(err, "%s", name)
	}
	c.files = append(c.files, name)
	return c, nil
}

// Latest returns the most recent commit point of the index, or
// backup.ErrNoCommit if there isn't one.
func (ix *Index) Latest() (*Commit, error) {
	gens, err := ix.Generations()
	if err != nil {
		return nil, err
	}
	if len(gens) == 0 {
		return nil, errors.Annotatef(backup.ErrNoCommit, "%s", ix.dir)
	}
	return ix.ReadCommit(gens[len(gens)-1])
}

func (ix *Index) ReserveLatestSnapshot(ctx context.Context) (backup.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Hold the lock so that the latest commit can't be superseded and
	// then removed before it's reserved.
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, err := ix.Latest()
	if err != nil {
		return nil, err
	}
	ix.reserved[c.gen]++
	log.Debug("%s: reserved commit %d (%d reservations)", ix.dir, c.gen, ix.reserved[c.gen])
	return c, nil
}

func (ix *Index) ReleaseSnapshot(s backup.Snapshot) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	gen := s.Generation()
	n, ok := ix.reserved[gen]
	if !ok {
		return errors.Annotatef(ErrNotReserved, "%s: commit %d", ix.dir, gen)
	}
	if n == 1 {
		delete(ix.reserved, gen)
	} else {
		ix.reserved[gen] = n - 1
	}
	log.Debug("%s: released commit %d", ix.dir, gen)
	return nil
}

// Reserved reports whether the commit with the given generation is
// currently reserved.
func (ix *Index) Reserved(gen int64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.reserved[gen] > 0
}

// Commit writes a new commit point consisting of the given files, which
// must all be present in the directory.
func (ix *Index) Commit(files []string) (*Commit, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	seen := make(map[string]bool)
	var members []string
	for _, f := range files {
		if f == "" || filepath.Base(f) != f {
			return nil, errors.Errorf("%s: invalid file name %q", ix.dir, f)
		}
		if _, ok := ParseSegmentsFileName(f); ok {
			return nil, errors.Errorf("%s: segments file %s can't be a member of a commit", ix.dir, f)
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		if _, err := os.Stat(filepath.Join(ix.dir, f)); err != nil {
			return nil, errors.Trace(err)
		}
		members = append(members, f)
	}
	sort.Strings(members)

	gens, err := ix.Generations()
	if err != nil {
		return nil, err
	}
	var gen int64 = 1
	if len(gens) > 0 {
		gen = gens[len(gens)-1] + 1
	}

	name := SegmentsFileName(gen)
	if err := writeSegments(filepath.Join(ix.dir, name), members); err != nil {
		return nil, err
	}
	log.Verbose("%s: wrote commit %d with %d files", ix.dir, gen, len(members))
	return &Commit{gen: gen, files: append(members, name)}, nil
}

// CommitDirectory writes a new commit point that includes all of the
// regular files currently in the directory.
func (ix *Index) CommitDirectory() (*Commit, error) {
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, ok := ParseSegmentsFileName(e.Name()); ok {
			continue
		}
		files = append(files, e.Name())
	}
	return ix.Commit(files)
}

// Remove deletes the named file from the directory. It's an error
// (ErrPinned) to remove a file that's part of a reserved commit.
func (ix *Index) Remove(name string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for gen := range ix.reserved {
		c, err := ix.ReadCommit(gen)
		if err != nil {
			return err
		}
		for _, f := range c.files {
			if f == name {
				return errors.Annotatef(ErrPinned, "%s: %s (commit %d)", ix.dir, name, gen)
			}
		}
	}
	return errors.Trace(os.Remove(filepath.Join(ix.dir, name)))
}

func writeSegments(path string, files []string) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Trace(err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriter(f)
	for _, name := range files {
		fmt.Fprintln(w, name)
	}
	if err := w.Flush(); err != nil {
		return errors.Trace(err)
	}
	if err := f.Sync(); err != nil {
		return errors.Trace(err)
	}
	if err := f.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return errors.Trace(err)
	}
	committed = true
	return nil
}
