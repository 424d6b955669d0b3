// backup/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/mmp/shardbk/storage"
	u "github.com/mmp/shardbk/util"
	"golang.org/x/sync/errgroup"
)

// maxRestoreParallelism limits the number of files that are restored
// concurrently; we'd like multiple storage accesses to be in flight to
// hide latency, but don't want to hit rate limits or run out of open
// files.
const maxRestoreParallelism = 16

// RestoreShard copies the files of the given shard backup record into the
// local directory dest, which is created if necessary. Each file's
// contents are checked against the checksum in the record; a file is only
// given its final name once it has been completely written and verified.
func RestoreShard(ctx context.Context, backend storage.Backend, paths *FilePaths,
	recordFile, dest string) (*Record, error) {
	rec, err := LoadRecord(ctx, backend, paths.ShardBackupMetadataDir(), recordFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0700); err != nil {
		return nil, errors.Trace(err)
	}

	log.Verbose("%s: restoring %d files (%s) to %s", recordFile, rec.Len(),
		u.FmtBytes(rec.Size()), dest)

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(maxRestoreParallelism)
	for _, f := range rec.Files() {
		eg.Go(func() error {
			return restoreFile(ectx, backend, paths.IndexDir(), f, dest)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return rec, nil
}

func restoreFile(ctx context.Context, backend storage.Backend, indexDir string,
	f BackedFile, dest string) error {
	// Records come from storage; don't let one write outside of dest.
	if f.OriginalFilename != filepath.Base(f.OriginalFilename) ||
		strings.ContainsAny(f.OriginalFilename, `/\`) ||
		f.OriginalFilename == "." || f.OriginalFilename == ".." {
		return errors.Annotatef(ErrRecordCorrupt, "%q: invalid file name", f.OriginalFilename)
	}
	log.Debug("%s: restoring from %s", f.OriginalFilename, f.StoredName)

	r, err := backend.Open(ctx, backend.Resolve(indexDir, f.StoredName))
	if err != nil {
		return err
	}
	rr := &u.ReportingReader{R: r, Msg: f.OriginalFilename, Log: log}
	defer rr.Close()

	tmp, err := os.CreateTemp(dest, ".restore-"+f.OriginalFilename+"-*")
	if err != nil {
		return errors.Trace(err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	cs := storage.NewChecksummer()
	if _, err := io.Copy(io.MultiWriter(tmp, cs), rr); err != nil {
		return errors.Annotatef(err, "%s", f.OriginalFilename)
	}
	if got := cs.Sum(); got != f.Checksum {
		return errors.Annotatef(ErrChecksumMismatch, "%s (blob %s): got %s, expected %s",
			f.OriginalFilename, f.StoredName, got, f.Checksum)
	}

	if err := tmp.Sync(); err != nil {
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dest, f.OriginalFilename)); err != nil {
		return errors.Trace(err)
	}
	committed = true
	return nil
}
