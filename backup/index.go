// backup/index.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"

	"github.com/mmp/shardbk/storage"
)

// Snapshot is an immutable list of the files that make up one commit
// point of an index.
type Snapshot interface {
	Generation() int64
	Files() []string
}

// Index is the interface to a shard's index that backups need.
type Index interface {
	Name() string

	// ReserveLatestSnapshot returns the index's most recent commit point
	// and guarantees that none of its files will be deleted until it's
	// released. ErrNoCommit is returned if there is no commit point.
	ReserveLatestSnapshot(ctx context.Context) (Snapshot, error)

	// ReleaseSnapshot undoes a reservation made by ReserveLatestSnapshot.
	ReleaseSnapshot(s Snapshot) error

	// Directory gives access to the contents of the index's files.
	Directory() storage.Directory
}
