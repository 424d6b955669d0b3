// dirindex/dirindex_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package dirindex_test

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"github.com/mmp/shardbk/backup"
	"github.com/mmp/shardbk/dirindex"
	"github.com/mmp/shardbk/storage"
)

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), b, 0644); err != nil {
		t.Fatal(err)
	}
}

func openIndex(t *testing.T) (*dirindex.Index, string) {
	dir := t.TempDir()
	ix, err := dirindex.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return ix, dir
}

func TestSegmentsFileName(t *testing.T) {
	if n := dirindex.SegmentsFileName(12); n != "segments_12" {
		t.Errorf("got %s", n)
	}
	for name, want := range map[string]int64{"segments_0": 0, "segments_7": 7, "segments_123": 123} {
		if g, ok := dirindex.ParseSegmentsFileName(name); !ok || g != want {
			t.Errorf("%s: got %d, %v", name, g, ok)
		}
	}
	for _, name := range []string{"segments_", "segments_x", "segments_-1", "_0.cfs", "segments"} {
		if _, ok := dirindex.ParseSegmentsFileName(name); ok {
			t.Errorf("%s: parsed as a segments file", name)
		}
	}
}

func TestCommits(t *testing.T) {
	ix, dir := openIndex(t)

	if _, err := ix.Latest(); !errors.Is(err, backup.ErrNoCommit) {
		t.Errorf("expected ErrNoCommit, got %v", err)
	}
	if _, err := ix.ReserveLatestSnapshot(context.Background()); !errors.Is(err, backup.ErrNoCommit) {
		t.Errorf("expected ErrNoCommit, got %v", err)
	}

	writeFile(t, dir, "_0.cfs", 100)
	writeFile(t, dir, "_0.si", 10)
	c, err := ix.CommitDirectory()
	if err != nil {
		t.Fatal(err)
	}
	if c.Generation() != 1 {
		t.Errorf("first commit has generation %d", c.Generation())
	}
	if diff := cmp.Diff([]string{"_0.cfs", "_0.si", "segments_1"}, c.Files()); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	writeFile(t, dir, "_1.cfs", 50)
	c2, err := ix.Commit([]string{"_1.cfs", "_0.cfs", "_1.cfs"})
	if err != nil {
		t.Fatal(err)
	}
	latest, err := ix.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.Generation() != 2 || c2.Generation() != 2 {
		t.Errorf("got generations %d, %d", latest.Generation(), c2.Generation())
	}
	if diff := cmp.Diff([]string{"_0.cfs", "_1.cfs", "segments_2"}, latest.Files()); diff != "" {
		t.Errorf("latest files mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range [][]string{{"missing"}, {"../x"}, {"segments_1"}, {""}} {
		if _, err := ix.Commit(bad); err == nil {
			t.Errorf("%v: expected commit to fail", bad)
		}
	}
	if gens, _ := ix.Generations(); len(gens) != 2 {
		t.Errorf("failed commits left generations %v", gens)
	}

	if _, err := dirindex.Open(filepath.Join(dir, "_0.cfs")); err == nil {
		t.Errorf("opened a file as an index")
	}
}

func TestReservations(t *testing.T) {
	ctx := context.Background()
	ix, dir := openIndex(t)
	writeFile(t, dir, "_0.cfs", 100)
	if _, err := ix.CommitDirectory(); err != nil {
		t.Fatal(err)
	}

	s1, err := ix.ReserveLatestSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := ix.ReserveLatestSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// A newer commit doesn't affect the reserved one.
	writeFile(t, dir, "_1.cfs", 100)
	if _, err := ix.Commit([]string{"_1.cfs"}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Remove("_0.cfs"); !errors.Is(err, dirindex.ErrPinned) {
		t.Errorf("expected ErrPinned, got %v", err)
	}
	if err := ix.Remove("segments_1"); !errors.Is(err, dirindex.ErrPinned) {
		t.Errorf("expected ErrPinned, got %v", err)
	}

	if err := ix.ReleaseSnapshot(s1); err != nil {
		t.Fatal(err)
	}
	if !ix.Reserved(1) {
		t.Errorf("commit unreserved with an outstanding reservation")
	}
	if err := ix.Remove("_0.cfs"); !errors.Is(err, dirindex.ErrPinned) {
		t.Errorf("expected ErrPinned, got %v", err)
	}

	if err := ix.ReleaseSnapshot(s2); err != nil {
		t.Fatal(err)
	}
	if ix.Reserved(1) {
		t.Errorf("commit still reserved")
	}
	if err := ix.ReleaseSnapshot(s2); !errors.Is(err, dirindex.ErrNotReserved) {
		t.Errorf("expected ErrNotReserved, got %v", err)
	}
	for _, f := range []string{"_0.cfs", "segments_1"} {
		if err := ix.Remove(f); err != nil {
			t.Errorf("%s: %v", f, err)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := ix.ReserveLatestSnapshot(cctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestShardBackup(t *testing.T) {
	ctx := context.Background()
	ix, dir := openIndex(t)
	backend := storage.NewBackend(storage.NewMemory(), storage.BackendOptions{})
	paths := backup.NewFilePaths(backend, "backups/coll")
	if err := paths.CreateIncrementalBackupFolders(ctx); err != nil {
		t.Fatal(err)
	}

	run := func(prev, cur string) *backup.Result {
		t.Helper()
		res, err := backup.NewShardBackup(backup.ShardBackupParams{
			Backend:        backend,
			Index:          ix,
			Paths:          paths,
			Shard:          "shard1",
			PrevRecordFile: prev,
			RecordFile:     cur,
		}).Run(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	writeFile(t, dir, "_0.cfs", 5000)
	writeFile(t, dir, "_0.si", 100)
	if _, err := ix.CommitDirectory(); err != nil {
		t.Fatal(err)
	}
	res := run("", "md_shard1_0.json")
	if res.IndexFileCount != 3 || res.UploadedIndexFileCount != 3 {
		t.Errorf("first backup: %+v", res)
	}

	// Files written after the last commit aren't included.
	writeFile(t, dir, "_1.cfs", 700)
	res = run("md_shard1_0.json", "md_shard1_1.json")
	if res.IndexFileCount != 3 || res.UploadedIndexFileCount != 0 {
		t.Errorf("unchanged backup: %+v", res)
	}

	if _, err := ix.CommitDirectory(); err != nil {
		t.Fatal(err)
	}
	res = run("md_shard1_1.json", "md_shard1_2.json")
	// The new segment and segments file are copied.
	if res.IndexFileCount != 4 || res.UploadedIndexFileCount != 2 {
		t.Errorf("incremental backup: %+v", res)
	}
	if ix.Reserved(2) {
		t.Errorf("commit still reserved after backup")
	}

	restored := filepath.Join(t.TempDir(), "restored")
	rec, err := backup.RestoreShard(ctx, backend, paths, "md_shard1_2.json", restored)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range rec.Files() {
		orig, _ := os.ReadFile(filepath.Join(dir, f.OriginalFilename))
		got, err := os.ReadFile(filepath.Join(restored, f.OriginalFilename))
		if err != nil {
			t.Errorf("%s: %v", f.OriginalFilename, err)
		} else if string(orig) != string(got) {
			t.Errorf("%s: restored contents differ", f.OriginalFilename)
		}
	}
}
