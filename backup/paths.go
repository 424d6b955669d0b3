// backup/paths.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"

	"github.com/juju/errors"
	"github.com/mmp/shardbk/storage"
)

const (
	indexDirName    = "index"
	metadataDirName = "shard_backup_ids"
)

// FilePaths gives the locations of the parts of an incremental backup
// repository.
type FilePaths struct {
	backend  storage.Backend
	location string
}

func NewFilePaths(backend storage.Backend, location string) *FilePaths {
	return &FilePaths{backend: backend, location: location}
}

// BackupLocation returns the root of the repository.
func (p *FilePaths) BackupLocation() string {
	return p.location
}

// IndexDir returns the directory that holds the contents of the files of
// all of the backups at the location.
func (p *FilePaths) IndexDir() string {
	return p.backend.Resolve(p.location, indexDirName)
}

// ShardBackupMetadataDir returns the directory that holds the per-shard
// backup records.
func (p *FilePaths) ShardBackupMetadataDir() string {
	return p.backend.Resolve(p.location, metadataDirName)
}

// CreateIncrementalBackupFolders creates any of the repository's
// directories that don't already exist.
func (p *FilePaths) CreateIncrementalBackupFolders(ctx context.Context) error {
	for _, dir := range []string{p.location, p.IndexDir(), p.ShardBackupMetadataDir()} {
		ok, err := p.backend.Exists(ctx, dir)
		if err != nil {
			return errors.Trace(err)
		}
		if ok {
			continue
		}
		if err := p.backend.CreateDirectory(ctx, dir); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
