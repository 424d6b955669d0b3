// backup/idgen.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import "github.com/google/uuid"

// IDGenerator provides names for newly-stored blobs. Names must never
// repeat within a repository.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator names blobs with random (version 4) UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}
