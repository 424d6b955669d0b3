// backup/shardbackupid.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	shardBackupIDPrefix = "md"
	recordSuffix        = ".json"
)

// ShardBackupID identifies the backup of one shard in one generation. Its
// string form, md_<shard>_<id>, names the shard's record.
type ShardBackupID struct {
	Shard  string
	Backup BackupID
}

// Shard names end up in record filenames and as part of keys in the
// properties files, so they're limited to characters that need no
// escaping in either; '_' separates the fields of the identifier.
var shardNameRegexp = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// ValidShardName reports whether the name can be used in a ShardBackupID.
func ValidShardName(shard string) bool {
	return shard != "." && shard != ".." && shardNameRegexp.MatchString(shard)
}

func (s ShardBackupID) String() string {
	return fmt.Sprintf("%s_%s_%d", shardBackupIDPrefix, s.Shard, s.Backup)
}

// Filename returns the name of the file that holds the record.
func (s ShardBackupID) Filename() string {
	return s.String() + recordSuffix
}

// ParseShardBackupID is the inverse of ShardBackupID.String.
func ParseShardBackupID(s string) (ShardBackupID, error) {
	tokens := strings.Split(s, "_")
	if len(tokens) != 3 || tokens[0] != shardBackupIDPrefix || tokens[1] == "" {
		return ShardBackupID{}, errors.Annotatef(ErrInvalidIdentifier, "%q", s)
	}
	id, err := strconv.Atoi(tokens[2])
	// Only the canonical form round-trips; reject "+1", "007", etc.
	if err != nil || strconv.Itoa(id) != tokens[2] {
		return ShardBackupID{}, errors.Annotatef(ErrInvalidIdentifier, "%q: bad backup id", s)
	}
	return ShardBackupID{Shard: tokens[1], Backup: BackupID(id)}, nil
}

// ParseShardBackupFilename is the inverse of ShardBackupID.Filename.
func ParseShardBackupFilename(name string) (ShardBackupID, error) {
	if !strings.HasSuffix(name, recordSuffix) {
		return ShardBackupID{}, errors.Annotatef(ErrInvalidIdentifier, "%q: no %s suffix",
			name, recordSuffix)
	}
	return ParseShardBackupID(strings.TrimSuffix(name, recordSuffix))
}
