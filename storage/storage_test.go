// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/mmp/shardbk/rdso"
)

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		simple := []byte{0, 1, 2, 3, 4, 5}
		if err := backend.WriteFile(ctx, "simple", simple); err != nil {
			t.Fatalf("%s: write: %v", backend, err)
		}
		b, err := backend.ReadFile(ctx, "simple")
		if err != nil {
			t.Fatalf("%s: read: %v", backend, err)
		}
		if !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", backend, simple, b)
		}

		// WriteFile replaces existing contents.
		if err := backend.WriteFile(ctx, "simple", []byte("replaced")); err != nil {
			t.Fatalf("%s: rewrite: %v", backend, err)
		}
		if b, err := backend.ReadFile(ctx, "simple"); err != nil || string(b) != "replaced" {
			t.Errorf("%s: got %q / %v after rewrite", backend, b, err)
		}

		if _, err := backend.ReadFile(ctx, "missing"); !errors.Is(err, ErrNotExist) {
			t.Errorf("%s: expected ErrNotExist, got %v", backend, err)
		}
	}
}

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		dir := backend.Resolve("backups", "shard1", "index")
		if dir != "backups/shard1/index" {
			t.Errorf("%s: unexpected resolved path %q", backend, dir)
		}

		if ok, err := backend.Exists(ctx, dir); err != nil || ok {
			t.Errorf("%s: %s exists (%v) before creation", backend, dir, err)
		}
		if err := backend.WriteFile(ctx, backend.Resolve(dir, "x"), nil); err == nil {
			t.Errorf("%s: expected error writing into missing directory", backend)
		}

		if err := backend.CreateDirectory(ctx, dir); err != nil {
			t.Fatalf("%s: mkdir: %v", backend, err)
		}
		for _, d := range []string{"backups", "backups/shard1", dir} {
			if ok, err := backend.Exists(ctx, d); err != nil || !ok {
				t.Errorf("%s: %s doesn't exist (%v) after creation", backend, d, err)
			}
		}

		for _, n := range []string{"c", "a", "b"} {
			if err := backend.WriteFile(ctx, backend.Resolve(dir, n), []byte(n)); err != nil {
				t.Fatalf("%s: %v", backend, err)
			}
		}
		names, err := backend.List(ctx, dir)
		if err != nil {
			t.Fatalf("%s: list: %v", backend, err)
		}
		if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
			t.Errorf("%s: list mismatch (-want +got):\n%s", backend, diff)
		}

		// Subdirectories aren't included.
		names, err = backend.List(ctx, "backups")
		if err != nil || len(names) != 0 {
			t.Errorf("%s: got %v / %v listing backups/", backend, names, err)
		}

		if _, err := backend.List(ctx, "nope"); !errors.Is(err, ErrNotExist) {
			t.Errorf("%s: expected ErrNotExist listing missing dir, got %v", backend, err)
		}
	}
}

func TestChecksum(t *testing.T) {
	ctx := context.Background()
	local := LocalDir(t.TempDir())
	data := genRandom(100000)
	writeLocal(t, local, "a", data)
	writeLocal(t, local, "b", data)
	writeLocal(t, local, "c", append(dupe(data[:len(data)-1]), data[len(data)-1]+1))

	for _, backend := range getStorage(t) {
		ca, err := backend.Checksum(ctx, local, "a")
		if err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if ca != ChecksumBytes(data) {
			t.Errorf("%s: checksum %s doesn't match ChecksumBytes %s", backend, ca,
				ChecksumBytes(data))
		}
		if ca.Size != int64(len(data)) {
			t.Errorf("%s: got size %d, expected %d", backend, ca.Size, len(data))
		}

		cb, _ := backend.Checksum(ctx, local, "b")
		cc, _ := backend.Checksum(ctx, local, "c")
		if ca != cb {
			t.Errorf("%s: same contents, different checksums", backend)
		}
		if ca == cc {
			t.Errorf("%s: different contents, same checksum", backend)
		}

		if _, err := backend.Checksum(ctx, local, "missing"); !errors.Is(err, ErrNotExist) {
			t.Errorf("%s: expected ErrNotExist, got %v", backend, err)
		}
	}
}

func TestChecksummerIncremental(t *testing.T) {
	data := genRandom(5000)
	c := NewChecksummer()
	_, _ = c.Write(data[:1000])
	first := c.Sum()
	if first != ChecksumBytes(data[:1000]) {
		t.Errorf("partial sum mismatch")
	}
	_, _ = c.Write(data[1000:])
	if c.Sum() != ChecksumBytes(data) {
		t.Errorf("sum after further writes mismatch")
	}

	var h Hash
	if err := h.UnmarshalText([]byte(first.Digest.String())); err != nil || h != first.Digest {
		t.Errorf("hash text round trip failed: %v", err)
	}
	if err := h.UnmarshalText([]byte("abc")); err == nil {
		t.Errorf("expected error for short hash")
	}
}

func TestCopyFileFrom(t *testing.T) {
	ctx := context.Background()
	local := LocalDir(t.TempDir())
	data := genRandom(1 << 20)
	writeLocal(t, local, "_0.cfs", data)

	for _, backend := range getStorage(t) {
		if err := backend.CreateDirectory(ctx, "index"); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if err := backend.CopyFileFrom(ctx, local, "_0.cfs", "index", "blob"); err != nil {
			t.Fatalf("%s: copy: %v", backend, err)
		}
		b, err := backend.ReadFile(ctx, "index/blob")
		if err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if !bytes.Equal(b, data) {
			t.Errorf("%s: copied contents mismatch", backend)
		}

		// Stored blobs are never overwritten.
		err = backend.CopyFileFrom(ctx, local, "_0.cfs", "index", "blob")
		if !errors.Is(err, ErrExist) {
			t.Errorf("%s: expected ErrExist, got %v", backend, err)
		}

		err = backend.CopyFileFrom(ctx, local, "missing", "index", "blob2")
		if !errors.Is(err, ErrNotExist) {
			t.Errorf("%s: expected ErrNotExist, got %v", backend, err)
		}
		if ok, _ := backend.Exists(ctx, "index/blob2"); ok {
			t.Errorf("%s: failed copy left a file behind", backend)
		}

		backend.LogStats()
	}
}

func TestCopyCancelled(t *testing.T) {
	local := LocalDir(t.TempDir())
	writeLocal(t, local, "f", genRandom(1000))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, backend := range getStorage(t) {
		err := backend.CopyFileFrom(ctx, local, "f", ".", "f")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("%s: expected context.Canceled, got %v", backend, err)
		}
		if ok, _ := backend.Exists(context.Background(), "f"); ok {
			t.Errorf("%s: cancelled copy left a file behind", backend)
		}
	}
}

func TestParity(t *testing.T) {
	ctx := context.Background()
	p := ParityOptions{DataShards: 5, ParityShards: 2, HashRate: 1024}
	data := genRandom(20000)

	for _, fs := range []FileStorage{NewMemory(), newDisk(t)} {
		backend := NewBackend(fs, BackendOptions{Parity: &p})
		if err := backend.WriteFile(ctx, "md_shard1_0.json", data); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if ok, _ := backend.Exists(ctx, "md_shard1_0.json"+ParitySuffix); !ok {
			t.Fatalf("%s: no parity sidecar written", backend)
		}
		names, _ := backend.List(ctx, ".")
		if diff := cmp.Diff([]string{"md_shard1_0.json"}, names); diff != "" {
			t.Errorf("%s: parity sidecars should be hidden (-want +got):\n%s", backend, diff)
		}

		if err := backend.CheckFile(ctx, "md_shard1_0.json"); err != nil {
			t.Errorf("%s: check of intact file: %v", backend, err)
		}

		corrupt(t, fs, "md_shard1_0.json", 17)
		corrupt(t, fs, "md_shard1_0.json", 12000)
		if err := backend.CheckFile(ctx, "md_shard1_0.json"); !errors.Is(err, rdso.ErrFileCorrupt) {
			t.Errorf("%s: expected ErrFileCorrupt, got %v", backend, err)
		}

		if err := backend.RepairFile(ctx, "md_shard1_0.json"); err != nil {
			t.Fatalf("%s: repair: %v", backend, err)
		}
		if err := backend.CheckFile(ctx, "md_shard1_0.json"); err != nil {
			t.Errorf("%s: check after repair: %v", backend, err)
		}
		if b, _ := backend.ReadFile(ctx, "md_shard1_0.json"); !bytes.Equal(b, data) {
			t.Errorf("%s: repaired contents don't match original", backend)
		}
	}
}

func TestNoParity(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend(NewMemory(), BackendOptions{})
	if err := backend.WriteFile(ctx, "f", []byte("hi")); err != nil {
		t.Fatal(err)
	}
	// Nothing to check against.
	if err := backend.CheckFile(ctx, "f"); err != nil {
		t.Errorf("check: %v", err)
	}
	if err := backend.RepairFile(ctx, "f"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist repairing without parity, got %v", err)
	}
}

func TestBandwidth(t *testing.T) {
	ctx := context.Background()
	data := genRandom(64 * 1024)

	var unlimited *Bandwidth
	if r := unlimited.UploadReader(ctx, bytes.NewReader(data)); r == nil {
		t.Fatalf("nil reader")
	}

	bw := NewBandwidth(1<<20, 0)
	b, err := io.ReadAll(bw.UploadReader(ctx, bytes.NewReader(data)))
	if err != nil || !bytes.Equal(b, data) {
		t.Errorf("rate-limited read mismatch: %v", err)
	}
	// Download is unlimited and should be passed through untouched.
	r := bytes.NewReader(data)
	if bw.DownloadReader(ctx, r) != io.Reader(r) {
		t.Errorf("expected unlimited download reader to be passed through")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	slow := NewBandwidth(1024, 0)
	if _, err := io.ReadAll(slow.UploadReader(cctx, bytes.NewReader(data))); err == nil {
		t.Errorf("expected error from cancelled rate-limited read")
	}
}

func TestUploadWriter(t *testing.T) {
	ctx := context.Background()
	data := genRandom(300000)

	var unlimited *Bandwidth
	var direct bytes.Buffer
	if unlimited.UploadWriter(ctx, &direct) != io.Writer(&direct) {
		t.Errorf("expected unlimited upload writer to be passed through")
	}

	bw := NewBandwidth(1<<20, 0)
	var rec recordingWriter
	n, err := bw.UploadWriter(ctx, &rec).Write(data)
	if err != nil || n != len(data) {
		t.Fatalf("rate-limited write: %d, %v", n, err)
	}
	if !bytes.Equal(rec.buf.Bytes(), data) {
		t.Errorf("rate-limited write mismatch")
	}
	// Writes go through in pieces no bigger than a burst.
	burst := bw.up.Burst()
	if len(rec.sizes) != (len(data)+burst-1)/burst {
		t.Errorf("got %d writes of %v, expected pieces of %d bytes", len(rec.sizes), rec.sizes, burst)
	}
	for _, sz := range rec.sizes {
		if sz > burst {
			t.Errorf("write of %d bytes exceeds burst %d", sz, burst)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	slow := NewBandwidth(1024, 0)
	if _, err := slow.UploadWriter(cctx, &rec).Write(data); err == nil {
		t.Errorf("expected error from cancelled rate-limited write")
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	for _, fs := range []FileStorage{NewMemory(), newDisk(t)} {
		overwriteFile(t, fs, "f", []byte("contents"))
		if err := fs.Remove(ctx, "f"); err != nil {
			t.Fatalf("%s: %v", fs, err)
		}
		if ok, _ := fs.Exists(ctx, "f"); ok {
			t.Errorf("%s: file still present after remove", fs)
		}
		// Removing something that isn't there is fine.
		if err := fs.Remove(ctx, "f"); err != nil {
			t.Errorf("%s: removing missing file: %v", fs, err)
		}
	}
}

func TestCopyRetry(t *testing.T) {
	ctx := context.Background()
	local := LocalDir(t.TempDir())
	data := genRandom(100000)
	writeLocal(t, local, "_0.cfs", data)

	fs := &flakyStorage{FileStorage: NewMemory(), failures: 2}
	clk := testclock.NewClock(time.Now())
	backend := NewBackend(fs, BackendOptions{Clock: clk})

	errc := make(chan error, 1)
	go func() {
		errc <- backend.CopyFileFrom(ctx, local, "_0.cfs", ".", "blob")
	}()
	// Each failed attempt waits on the clock before the next one.
	for i := 0; i < 2; i++ {
		if err := clk.WaitAdvance(maxRetryDelay, 10*time.Second, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("copy: %v", err)
	}
	if fs.attempts != 3 {
		t.Errorf("got %d attempts, expected 3", fs.attempts)
	}
	if b, err := backend.ReadFile(ctx, "blob"); err != nil || !bytes.Equal(b, data) {
		t.Errorf("copied contents mismatch: %v", err)
	}
}

func TestRetryAttempts(t *testing.T) {
	ctx := context.Background()
	local := LocalDir(t.TempDir())
	writeLocal(t, local, "f", genRandom(1000))

	fs := &flakyStorage{FileStorage: NewMemory(), failures: -1}
	backend := NewBackend(fs, BackendOptions{RetryAttempts: 3, RetryDelay: time.Millisecond})
	if err := backend.CopyFileFrom(ctx, local, "f", ".", "f"); !errors.Is(err, errFlaky) {
		t.Errorf("expected errFlaky, got %v", err)
	}
	if fs.attempts != 3 {
		t.Errorf("got %d attempts, expected 3", fs.attempts)
	}
	if ok, _ := fs.Exists(ctx, "f"); ok {
		t.Errorf("failed copy left a file behind")
	}

	// Missing files aren't worth retrying.
	fs.attempts = 0
	if err := backend.CopyFileFrom(ctx, local, "missing", ".", "g"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if _, err := backend.ReadFile(ctx, "missing"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if fs.attempts != 0 {
		t.Errorf("got %d attempts for a missing file", fs.attempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	local := LocalDir(t.TempDir())
	writeLocal(t, local, "f", genRandom(1000))

	failed := make(chan struct{}, 1)
	fs := &flakyStorage{FileStorage: NewMemory(), failures: -1, failed: failed}
	backend := NewBackend(fs, BackendOptions{RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- backend.CopyFileFrom(ctx, local, "f", ".", "f")
	}()
	<-failed
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("copy still retrying after its context was cancelled")
	}
	if fs.attempts != 1 {
		t.Errorf("got %d attempts, expected 1", fs.attempts)
	}
}

func TestWriteFileSidecar(t *testing.T) {
	ctx := context.Background()
	p := ParityOptions{DataShards: 4, ParityShards: 2, HashRate: 64}
	const name = "md_shard1_0.json"

	for _, base := range []FileStorage{NewMemory(), newDisk(t)} {
		fs := &flakyStorage{FileStorage: base}
		backend := NewBackend(fs, BackendOptions{Parity: &p, RetryAttempts: 1})
		v1, v2, v3 := genRandom(1000), genRandom(1500), genRandom(800)
		if err := backend.WriteFile(ctx, name, v1); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}

		// The sidecar write fails: the new contents are in place, with no
		// sidecar at all rather than the old one.
		fs.setFailures(-1, func(n string) bool { return strings.HasSuffix(n, ParitySuffix) })
		if err := backend.WriteFile(ctx, name, v2); !errors.Is(err, errFlaky) {
			t.Errorf("%s: expected errFlaky, got %v", backend, err)
		}
		if b, _ := backend.ReadFile(ctx, name); !bytes.Equal(b, v2) {
			t.Errorf("%s: contents not updated", backend)
		}
		if ok, _ := base.Exists(ctx, name+ParitySuffix); ok {
			t.Errorf("%s: stale sidecar left behind", backend)
		}
		if err := backend.CheckFile(ctx, name); err != nil {
			t.Errorf("%s: check: %v", backend, err)
		}

		// Restore the sidecar, then fail the write of the file itself.
		fs.setFailures(0, nil)
		if err := backend.WriteFile(ctx, name, v2); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		fs.setFailures(-1, func(n string) bool { return !strings.HasSuffix(n, ParitySuffix) })
		if err := backend.WriteFile(ctx, name, v3); !errors.Is(err, errFlaky) {
			t.Errorf("%s: expected errFlaky, got %v", backend, err)
		}
		if b, _ := backend.ReadFile(ctx, name); !bytes.Equal(b, v2) {
			t.Errorf("%s: failed write changed the contents", backend)
		}
		if err := backend.CheckFile(ctx, name); err != nil {
			t.Errorf("%s: check after failed write: %v", backend, err)
		}

		// A good write brings back full protection.
		fs.setFailures(0, nil)
		if err := backend.WriteFile(ctx, name, v3); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		corrupt(t, base, name, 100)
		if err := backend.CheckFile(ctx, name); !errors.Is(err, rdso.ErrFileCorrupt) {
			t.Errorf("%s: expected ErrFileCorrupt, got %v", backend, err)
		}
		if err := backend.RepairFile(ctx, name); err != nil {
			t.Fatalf("%s: repair: %v", backend, err)
		}
		if b, _ := backend.ReadFile(ctx, name); !bytes.Equal(b, v3) {
			t.Errorf("%s: repaired contents don't match", backend)
		}
	}
}

func TestDiskWriterAbort(t *testing.T) {
	ctx := context.Background()
	fs := newDisk(t)
	w, err := fs.Create(ctx, "f")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	// Nothing is visible until Close.
	if ok, _ := fs.Exists(ctx, "f"); ok {
		t.Errorf("file visible before close")
	}
	w.Abort()
	if ok, _ := fs.Exists(ctx, "f"); ok {
		t.Errorf("file visible after abort")
	}
	if names, _ := fs.List(ctx, "."); len(names) != 0 {
		t.Errorf("temporary files left behind: %v", names)
	}
}

///////////////////////////////////////////////////////////////////////////

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func writeLocal(t *testing.T, dir LocalDir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(string(dir), name), data, 0600); err != nil {
		t.Fatal(err)
	}
}

func newDisk(t *testing.T) FileStorage {
	t.Helper()
	fs, err := NewDisk(filepath.Join(t.TempDir(), "backups"))
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

// corrupt flips the bits of the byte at the given offset of a stored
// file.
func corrupt(t *testing.T, fs FileStorage, name string, offset int) {
	t.Helper()
	switch s := fs.(type) {
	case *memory:
		s.mu.Lock()
		s.files[clean(name)][offset] ^= 0xff
		s.mu.Unlock()
	case *disk:
		f, err := os.OpenFile(s.path(name), os.O_RDWR, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		b := make([]byte, 1)
		if _, err := f.ReadAt(b, int64(offset)); err != nil {
			t.Fatal(err)
		}
		b[0] ^= 0xff
		if _, err := f.WriteAt(b, int64(offset)); err != nil {
			t.Fatal(err)
		}
	default:
		t.Fatalf("%s: can't corrupt files", fs)
	}
}

func overwriteFile(t *testing.T, fs FileStorage, name string, data []byte) {
	t.Helper()
	w, err := fs.Create(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// recordingWriter keeps track of the sizes of the writes made to it.
type recordingWriter struct {
	buf   bytes.Buffer
	sizes []int
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.sizes = append(w.sizes, len(b))
	return w.buf.Write(b)
}

var errFlaky = errors.ConstError("flaky storage")

// flakyStorage wraps a FileStorage so that closing the writers it returns
// fails the first few times. A negative failure count means that they
// always fail.
type flakyStorage struct {
	FileStorage

	mu       sync.Mutex
	failures int
	// If non-nil, only files it returns true for fail.
	match    func(name string) bool
	attempts int
	failed   chan struct{}
}

func (f *flakyStorage) setFailures(n int, match func(string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures, f.match = n, match
}

func (f *flakyStorage) Create(ctx context.Context, name string) (FileWriter, error) {
	w, err := f.FileStorage.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyWriter{FileWriter: w, f: f, name: name}, nil
}

func (f *flakyStorage) fail(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures == 0 || (f.match != nil && !f.match(name)) {
		return false
	}
	if f.failures > 0 {
		f.failures--
	}
	if f.failed != nil {
		select {
		case f.failed <- struct{}{}:
		default:
		}
	}
	return true
}

type flakyWriter struct {
	FileWriter
	f    *flakyStorage
	name string
}

func (w *flakyWriter) Close() error {
	if w.f.fail(w.name) {
		w.FileWriter.Abort()
		return errFlaky
	}
	return w.FileWriter.Close()
}

func getStorage(t *testing.T) []Backend {
	return []Backend{
		NewBackend(NewMemory(), BackendOptions{}),
		NewBackend(newDisk(t), BackendOptions{}),
	}
}
