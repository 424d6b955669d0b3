// backup/incremental.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/mmp/shardbk/storage"
)

type ShardBackupParams struct {
	Backend storage.Backend
	Index   Index
	Paths   *FilePaths

	// Shard is reported in the Result if non-empty.
	Shard string
	// PrevRecordFile names the record of the previous backup of the
	// shard in the metadata directory; files it lists that haven't
	// changed aren't copied again. Empty if there is no previous backup.
	PrevRecordFile string
	// RecordFile is the name the new record is stored under.
	RecordFile string

	// Optional; defaults are the wall clock, UUIDGenerator, and no
	// metrics.
	Clock   clock.Clock
	IDs     IDGenerator
	Metrics *Metrics
}

// ShardBackup backs up the latest commit point of a shard's index,
// copying only the files that aren't already stored in the previous
// backup.
type ShardBackup struct {
	ShardBackupParams
}

// Result summarizes a shard backup.
type Result struct {
	StartTime              time.Time `json:"startTime"`
	EndTime                time.Time `json:"endTime"`
	IndexFileCount         int       `json:"indexFileCount"`
	UploadedIndexFileCount int       `json:"uploadedIndexFileCount"`
	IndexSizeMB            float64   `json:"indexSizeMB"`
	UploadedIndexFileMB    float64   `json:"uploadedIndexFileMB"`
	Shard                  string    `json:"shard,omitempty"`
	ShardBackupID          string    `json:"shardBackupId"`

	// Unrounded sizes.
	Stats Stats `json:"-"`
}

func NewShardBackup(p ShardBackupParams) *ShardBackup {
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.IDs == nil {
		p.IDs = UUIDGenerator{}
	}
	return &ShardBackup{p}
}

// Run performs the backup. The new record is stored only after all of
// the files it refers to have been copied, so an interrupted backup
// leaves at most some unreferenced blobs behind.
func (b *ShardBackup) Run(ctx context.Context) (res *Result, err error) {
	defer func() { b.Metrics.shardBackup(b.Shard, err) }()

	snap, err := b.Index.ReserveLatestSnapshot(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", b.Index.Name())
	} else if snap == nil {
		return nil, errors.Annotatef(ErrNoCommit, "%s", b.Index.Name())
	}
	log.Debug("%s: using latest commit: generation=%d", b.Index.Name(), snap.Generation())

	defer func() {
		if rerr := b.Index.ReleaseSnapshot(snap); rerr != nil {
			if err == nil {
				res, err = nil, errors.Annotatef(rerr, "%s: releasing commit %d",
					b.Index.Name(), snap.Generation())
			} else {
				log.Warning("%s: releasing commit %d: %s", b.Index.Name(),
					snap.Generation(), rerr)
			}
		}
	}()

	return b.backup(ctx, snap)
}

func (b *ShardBackup) backup(ctx context.Context, snap Snapshot) (*Result, error) {
	location := b.Paths.BackupLocation()
	log.Verbose("%s: creating backup snapshot, record %s", location, b.RecordFile)
	res := &Result{StartTime: b.Clock.Now().UTC()}

	stats, err := b.incrementalCopy(ctx, snap.Files())
	if err != nil {
		return nil, err
	}

	res.IndexFileCount = stats.FileCount
	res.UploadedIndexFileCount = stats.UploadedFileCount
	res.IndexSizeMB = stats.IndexSizeMB()
	res.UploadedIndexFileMB = stats.UploadedMB()
	res.Stats = stats
	res.Shard = b.Shard
	res.EndTime = b.Clock.Now().UTC()
	res.ShardBackupID = b.RecordFile
	log.Verbose("%s: done creating backup snapshot, record %s (%d files, %d uploaded)",
		location, b.RecordFile, stats.FileCount, stats.UploadedFileCount)
	return res, nil
}

func (b *ShardBackup) prevRecord(ctx context.Context) (*Record, error) {
	if b.PrevRecordFile == "" {
		return EmptyRecord(), nil
	}
	return LoadRecord(ctx, b.Backend, b.Paths.ShardBackupMetadataDir(), b.PrevRecordFile)
}

func (b *ShardBackup) incrementalCopy(ctx context.Context, files []string) (Stats, error) {
	var stats Stats
	prev, err := b.prevRecord(ctx)
	if err != nil {
		return stats, err
	}

	cur := EmptyRecord()
	indexDir := b.Paths.IndexDir()
	dir := b.Index.Directory()

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		cs, err := b.Backend.Checksum(ctx, dir, name)
		if err != nil {
			return stats, err
		}

		if bf, ok := prev.Lookup(name); ok && bf.Checksum == cs {
			log.Debug("%s: unchanged, reusing %s", name, bf.StoredName)
			cur.AddBackedFile(bf)
			stats.Skipped(cs)
			b.Metrics.file(b.Shard, resultSkipped, cs.Size)
			continue
		}

		stored := b.IDs.NewID()
		if err := b.Backend.CopyFileFrom(ctx, dir, name, indexDir, stored); err != nil {
			return stats, err
		}
		log.Debug("%s: stored as %s", name, stored)
		cur.AddBackedFile(BackedFile{
			StoredName:       stored,
			OriginalFilename: name,
			Checksum:         cs,
		})
		stats.Uploaded(cs)
		b.Metrics.file(b.Shard, resultUploaded, cs.Size)
	}

	err = cur.Store(ctx, b.Backend, b.Paths.ShardBackupMetadataDir(), b.RecordFile)
	return stats, err
}
