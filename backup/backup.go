// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup implements incremental, deduplicated backups of the
// files of search index shards. Each shard backup records, for every file
// of the shard's latest commit, the name of the blob in the repository's
// index/ directory that holds its contents; files whose contents are
// unchanged since the previous backup reuse the earlier blob rather than
// being copied again.
//
// A repository ("backup location") is laid out as:
//
//	<location>/index/<uuid>                      file contents
//	<location>/shard_backup_ids/md_<shard>_<id>.json  per-shard records
//	<location>/backup_<id>.properties            one per generation
package backup

import (
	"github.com/juju/errors"
	u "github.com/mmp/shardbk/util"
)

const (
	// ErrNoCommit is returned when the index being backed up has no
	// commit point to back up.
	ErrNoCommit = errors.ConstError("index does not yet have any commits")
	// ErrRecordNotFound is returned when a shard backup record doesn't
	// exist in the repository.
	ErrRecordNotFound = errors.ConstError("shard backup record not found")
	// ErrRecordCorrupt is returned for records (and properties files)
	// that can't be parsed.
	ErrRecordCorrupt = errors.ConstError("shard backup record corrupt")
	// ErrInvalidIdentifier is returned for malformed shard backup ids.
	ErrInvalidIdentifier = errors.ConstError("invalid shard backup identifier")
	// ErrChecksumMismatch is returned when stored contents don't match
	// the checksum recorded for them.
	ErrChecksumMismatch = errors.ConstError("checksum mismatch")
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}
