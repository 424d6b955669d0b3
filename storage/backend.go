// storage/backend.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/mmp/shardbk/rdso"
	u "github.com/mmp/shardbk/util"
)

// ParitySuffix is appended to the name of a file to get the name of its
// Reed-Solomon parity sidecar.
const ParitySuffix = ".rs"

// ParityOptions configures the Reed-Solomon sidecars that WriteFile
// stores next to each file it writes.
type ParityOptions struct {
	DataShards   int
	ParityShards int
	HashRate     int
}

// DefaultParity gives sidecars that are about 20% of the size of small
// metadata files and can repair a few damaged regions.
var DefaultParity = ParityOptions{DataShards: 17, ParityShards: 3, HashRate: 4096}

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 100 * time.Millisecond
	maxRetryDelay        = 5 * time.Second
)

type BackendOptions struct {
	// If non-nil, files written with WriteFile get parity sidecars.
	Parity *ParityOptions

	// Failed storage operations are tried up to RetryAttempts times in
	// all, waiting RetryDelay (doubling each time) in between. Zero
	// values give the defaults.
	RetryAttempts int
	RetryDelay    time.Duration
	// Optional; clock.WallClock is used if nil.
	Clock clock.Clock
}

// fileBackend implements the Backend interface, but depends on an
// implementation of the FileStorage interface to handle the mechanics of
// storing and retrieving files. In turn, functionality that's common
// between the disk, memory, GCS, and S3 storage lives in a single place.
type fileBackend struct {
	fs     FileStorage
	parity *ParityOptions
	start  time.Time

	retryAttempts int
	retryDelay    time.Duration
	clock         clock.Clock

	// mu protects the statistics variables.
	mu                            sync.Mutex
	bytesCopied, bytesChecksummed int64
	numCopies, numChecksums       int
	bytesRead                     int64
	numReads                      int
}

// NewBackend returns a Backend that stores its files in the given
// FileStorage.
func NewBackend(fs FileStorage, opts BackendOptions) Backend {
	b := &fileBackend{
		fs:            fs,
		parity:        opts.Parity,
		start:         time.Now(),
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		clock:         opts.Clock,
	}
	if b.retryAttempts <= 0 {
		b.retryAttempts = defaultRetryAttempts
	}
	if b.retryDelay <= 0 {
		b.retryDelay = defaultRetryDelay
	}
	if b.clock == nil {
		b.clock = clock.WallClock
	}
	return b
}

// retry calls f until it succeeds, it fails with an error that retrying
// won't help with, the attempts run out, or ctx is done.
func (b *fileBackend) retry(ctx context.Context, what string, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: f,
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || errors.Is(err, ErrNotExist) || errors.Is(err, ErrExist) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt < b.retryAttempts {
				log.Warning("%s: attempt %d failed, retrying: %s", what, attempt, err)
			}
		},
		Attempts:    b.retryAttempts,
		Delay:       b.retryDelay,
		MaxDelay:    maxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.clock,
		Stop:        ctx.Done(),
	})
	if retry.IsRetryStopped(err) || retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	if err != nil && ctx.Err() != nil {
		return errors.Annotatef(ctx.Err(), "%s: %s", what, err)
	}
	return err
}

func (b *fileBackend) String() string {
	return b.fs.String()
}

func (b *fileBackend) LogStats() {
	b.mu.Lock()
	defer b.mu.Unlock()

	delta := time.Since(b.start)
	if b.numChecksums > 0 {
		log.Print("checksummed %s in %d files", u.FmtBytes(b.bytesChecksummed),
			b.numChecksums)
	}
	if b.numCopies > 0 {
		upBytesPerSec := float64(b.bytesCopied) / delta.Seconds()
		log.Print("copied %s in %d files (avg %s, %s/s)",
			u.FmtBytes(b.bytesCopied), b.numCopies,
			u.FmtBytes(b.bytesCopied/int64(b.numCopies)),
			u.FmtBytes(int64(upBytesPerSec)))
	}
	if b.numReads > 0 {
		log.Print("read %s in %d reads", u.FmtBytes(b.bytesRead), b.numReads)
	}
}

func (b *fileBackend) Resolve(base string, elems ...string) string {
	return path.Join(append([]string{base}, elems...)...)
}

func (b *fileBackend) Exists(ctx context.Context, uri string) (bool, error) {
	ok, err := b.fs.Exists(ctx, uri)
	return ok, errors.Annotatef(err, "%s", uri)
}

func (b *fileBackend) CreateDirectory(ctx context.Context, uri string) error {
	log.Debug("%s: creating directory", uri)
	return errors.Annotatef(b.fs.Mkdir(ctx, uri), "%s", uri)
}

func (b *fileBackend) List(ctx context.Context, dir string) ([]string, error) {
	names, err := b.fs.List(ctx, dir)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", dir)
	}

	// Parity sidecars are an implementation detail.
	var ret []string
	for _, n := range names {
		if !strings.HasSuffix(n, ParitySuffix) {
			ret = append(ret, n)
		}
	}
	return ret, nil
}

func (b *fileBackend) Checksum(ctx context.Context, dir Directory, name string) (Checksum, error) {
	r, err := dir.Open(name)
	if err != nil {
		return Checksum{}, errors.Annotatef(err, "%s: %s", dir, name)
	}
	defer r.Close()

	cs, err := ChecksumReader(ctxReader{ctx, r})
	if err != nil {
		return Checksum{}, errors.Annotatef(err, "%s: %s", dir, name)
	}

	b.mu.Lock()
	b.numChecksums++
	b.bytesChecksummed += cs.Size
	b.mu.Unlock()

	return cs, nil
}

func (b *fileBackend) CopyFileFrom(ctx context.Context, dir Directory, name, destDir, destName string) error {
	dest := b.Resolve(destDir, destName)
	if ok, err := b.fs.Exists(ctx, dest); err != nil {
		return errors.Annotatef(err, "%s", dest)
	} else if ok {
		return errors.Annotatef(ErrExist, "%s", dest)
	}

	// Each attempt starts over from the beginning of the local file.
	var n int64
	err := b.retry(ctx, dest, func() error {
		var err error
		n, err = b.copyFile(ctx, dir, name, dest)
		return err
	})
	if err != nil {
		return err
	}
	log.Debug("%s: copied %s to %s", name, u.FmtBytes(n), dest)

	b.mu.Lock()
	b.numCopies++
	b.bytesCopied += n
	b.mu.Unlock()

	return nil
}

func (b *fileBackend) copyFile(ctx context.Context, dir Directory, name, dest string) (int64, error) {
	r, err := dir.Open(name)
	if err != nil {
		return 0, errors.Annotatef(err, "%s: %s", dir, name)
	}
	defer r.Close()

	w, err := b.fs.Create(ctx, dest)
	if err != nil {
		return 0, errors.Annotatef(err, "%s", dest)
	}
	n, err := io.Copy(w, ctxReader{ctx, r})
	if err != nil {
		w.Abort()
		return 0, errors.Annotatef(err, "%s: copying to %s", name, dest)
	}
	if err := w.Close(); err != nil {
		return 0, errors.Annotatef(err, "%s", dest)
	}
	return n, nil
}

func (b *fileBackend) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := b.retry(ctx, uri, func() error {
		var err error
		r, err = b.fs.Open(ctx, uri)
		return err
	})
	if err != nil {
		return nil, errors.Annotatef(err, "%s", uri)
	}
	return r, nil
}

func (b *fileBackend) ReadFile(ctx context.Context, uri string) ([]byte, error) {
	var data []byte
	err := b.retry(ctx, uri, func() error {
		r, err := b.fs.Open(ctx, uri)
		if err != nil {
			return err
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		return nil, errors.Annotatef(err, "%s", uri)
	}

	b.mu.Lock()
	b.numReads++
	b.bytesRead += int64(len(data))
	b.mu.Unlock()

	return data, nil
}

func (b *fileBackend) WriteFile(ctx context.Context, uri string, data []byte) error {
	if strings.HasSuffix(uri, ParitySuffix) {
		return b.writeFile(ctx, uri, data)
	}

	var rs []byte
	if p := b.parity; p != nil {
		var buf bytes.Buffer
		if err := rdso.Encode(bytes.NewReader(data), int64(len(data)), &buf,
			p.DataShards, p.ParityShards, p.HashRate); err != nil {
			return errors.Annotatef(err, "%s: parity encoding", uri)
		}
		rs = buf.Bytes()
	}
	return b.writeWithParity(ctx, uri, data, rs)
}

// writeWithParity replaces the contents of uri and of its parity sidecar;
// there's no sidecar afterward if rs is nil. The old sidecar is removed
// before the file is replaced, so a failure partway through never leaves
// a file next to a sidecar that describes different contents.
func (b *fileBackend) writeWithParity(ctx context.Context, uri string, data, rs []byte) error {
	rsURI := uri + ParitySuffix
	if err := b.retry(ctx, rsURI, func() error { return b.fs.Remove(ctx, rsURI) }); err != nil {
		return errors.Annotatef(err, "%s", rsURI)
	}
	if err := b.writeFile(ctx, uri, data); err != nil {
		return err
	}
	if rs == nil {
		return nil
	}
	return b.writeFile(ctx, rsURI, rs)
}

func (b *fileBackend) writeFile(ctx context.Context, uri string, data []byte) error {
	err := b.retry(ctx, uri, func() error {
		w, err := b.fs.Create(ctx, uri)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			w.Abort()
			return err
		}
		return w.Close()
	})
	return errors.Annotatef(err, "%s", uri)
}

// readWithParity returns the contents of uri and of its parity sidecar;
// a nil sidecar is returned if there isn't one.
func (b *fileBackend) readWithParity(ctx context.Context, uri string) (data, rs []byte, err error) {
	data, err = b.ReadFile(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	rs, err = b.ReadFile(ctx, uri+ParitySuffix)
	if errors.Is(err, ErrNotExist) {
		return data, nil, nil
	}
	return data, rs, err
}

func (b *fileBackend) CheckFile(ctx context.Context, uri string) error {
	data, rs, err := b.readWithParity(ctx, uri)
	if err != nil || rs == nil {
		return err
	}
	return rdso.Check(bytes.NewReader(data), bytes.NewReader(rs), log)
}

func (b *fileBackend) RepairFile(ctx context.Context, uri string) error {
	data, rs, err := b.readWithParity(ctx, uri)
	if err != nil {
		return err
	}
	if rs == nil {
		return errors.Annotatef(ErrNotExist, "%s: no parity information", uri+ParitySuffix)
	}
	if err := rdso.Check(bytes.NewReader(data), bytes.NewReader(rs), nil); err == nil {
		log.Verbose("%s: no repair needed", uri)
		return nil
	}

	var restored, restoredRs bytes.Buffer
	if err := rdso.Restore(bytes.NewReader(data), bytes.NewReader(rs), int64(len(data)),
		&restored, &restoredRs, log); err != nil {
		return errors.Annotatef(err, "%s: restoring", uri)
	}
	if err := b.writeWithParity(ctx, uri, restored.Bytes(), restoredRs.Bytes()); err != nil {
		return err
	}
	log.Verbose("%s: repaired", uri)
	return nil
}
