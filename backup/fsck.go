// backup/fsck.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/mmp/shardbk/rdso"
	"github.com/mmp/shardbk/storage"
)

// FsckReport summarizes the result of checking a repository. Problems
// holds a description of each inconsistency found; a consistent
// repository has none.
type FsckReport struct {
	Generations int
	Records     int
	Blobs       int
	Problems    []string
}

func (r *FsckReport) problem(f string, args ...interface{}) {
	s := fmt.Sprintf(f, args...)
	log.Error("%s", s)
	r.Problems = append(r.Problems, s)
}

// Fsck checks the consistency of the repository at the given location:
// that every generation's properties file and every shard backup record
// can be parsed and matches its parity information, that every record a
// generation refers to is present, and that every blob a record refers
// to exists. If deep is true, the contents of the blobs are also checked
// against the checksums in the records.
//
// Problems with the repository's contents are reported in the returned
// FsckReport; an error is only returned if the repository couldn't be
// read at all.
func Fsck(ctx context.Context, backend storage.Backend, location string, deep bool) (*FsckReport, error) {
	paths := NewFilePaths(backend, location)
	report := &FsckReport{}

	ids, err := ListGenerations(ctx, backend, location)
	if err != nil {
		return nil, err
	}
	mdDir := paths.ShardBackupMetadataDir()
	for _, id := range ids {
		report.Generations++
		uri := backend.Resolve(location, id.PropsName())
		checkParity(ctx, backend, uri, report)

		props, err := ReadProperties(ctx, backend, location, id)
		if err != nil {
			report.problem("%s: %s", uri, err)
			continue
		}
		if props.BackupID != id {
			report.problem("%s: backupId %d doesn't match file name", uri, props.BackupID)
		}
		for _, shard := range props.Shards() {
			name := props.ShardRecords[shard]
			ok, err := backend.Exists(ctx, backend.Resolve(mdDir, name))
			if err != nil {
				return nil, err
			} else if !ok {
				report.problem("%s: shard %s: record %s missing", uri, shard, name)
			}
		}
	}

	names, err := backend.List(ctx, mdDir)
	if errors.Is(err, storage.ErrNotExist) {
		names = nil
	} else if err != nil {
		return nil, err
	}

	// Blobs are shared between records; only check each one once.
	checked := make(map[string]bool)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		uri := backend.Resolve(mdDir, name)
		if _, err := ParseShardBackupFilename(name); err != nil {
			log.Warning("%s: unexpected file in metadata directory", uri)
			continue
		}
		report.Records++
		checkParity(ctx, backend, uri, report)

		rec, err := LoadRecord(ctx, backend, mdDir, name)
		if err != nil {
			report.problem("%s", err)
			continue
		}
		for _, f := range rec.Files() {
			if checked[f.StoredName] {
				continue
			}
			checked[f.StoredName] = true
			report.Blobs++
			if err := checkBlob(ctx, backend, paths.IndexDir(), f, deep); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil, err
				}
				report.problem("%s: %s: %s", name, f.OriginalFilename, err)
			}
		}
	}

	log.Verbose("%s: checked %d generations, %d records, %d blobs; %d problems",
		location, report.Generations, report.Records, report.Blobs, len(report.Problems))
	return report, nil
}

func checkParity(ctx context.Context, backend storage.Backend, uri string, report *FsckReport) {
	err := backend.CheckFile(ctx, uri)
	if errors.Is(err, rdso.ErrFileCorrupt) {
		report.problem("%s: doesn't match parity information; try repair", uri)
	} else if err != nil {
		report.problem("%s: checking parity: %s", uri, err)
	}
}

func checkBlob(ctx context.Context, backend storage.Backend, indexDir string, f BackedFile,
	deep bool) error {
	uri := backend.Resolve(indexDir, f.StoredName)
	if !deep {
		ok, err := backend.Exists(ctx, uri)
		if err != nil {
			return err
		} else if !ok {
			return errors.Annotatef(storage.ErrNotExist, "blob %s", f.StoredName)
		}
		return nil
	}

	r, err := backend.Open(ctx, uri)
	if err != nil {
		return err
	}
	defer r.Close()
	cs, err := storage.ChecksumReader(r)
	if err != nil {
		return errors.Annotatef(err, "blob %s", f.StoredName)
	}
	if cs != f.Checksum {
		return errors.Annotatef(ErrChecksumMismatch, "blob %s: got %s, expected %s",
			f.StoredName, cs, f.Checksum)
	}
	return nil
}

// Repair uses parity information to repair any damaged generation
// properties files and shard backup records at the location. It returns
// the names of the files that were repaired.
func Repair(ctx context.Context, backend storage.Backend, location string) ([]string, error) {
	paths := NewFilePaths(backend, location)
	var uris []string

	ids, err := ListGenerations(ctx, backend, location)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		uris = append(uris, backend.Resolve(location, id.PropsName()))
	}
	names, err := backend.List(ctx, paths.ShardBackupMetadataDir())
	if err != nil && !errors.Is(err, storage.ErrNotExist) {
		return nil, err
	}
	for _, n := range names {
		if strings.HasSuffix(n, recordSuffix) {
			uris = append(uris, backend.Resolve(paths.ShardBackupMetadataDir(), n))
		}
	}

	var repaired []string
	for _, uri := range uris {
		err := backend.CheckFile(ctx, uri)
		if err == nil {
			continue
		} else if !errors.Is(err, rdso.ErrFileCorrupt) {
			return repaired, err
		}
		log.Warning("%s: damaged; repairing", uri)
		if err := backend.RepairFile(ctx, uri); err != nil {
			return repaired, errors.Annotatef(err, "%s", uri)
		}
		repaired = append(repaired, uri)
	}
	return repaired, nil
}
