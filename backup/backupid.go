// backup/backupid.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// BackupID numbers the generations of backups at a location. Incremental
// backups are numbered 0, 1, 2, ...; TraditionalBackup identifies the
// single backup stored by the legacy (non-incremental) layout.
type BackupID int

const TraditionalBackup BackupID = -1

const (
	legacyPropsFile = "backup.properties"
	zkStateDir      = "zk_state"
)

var backupPropsPattern = regexp.MustCompile(`^backup_([0-9]+)\.properties$`)

// PropsName returns the name of the top-level properties file for the
// backup.
func (id BackupID) PropsName() string {
	if id == TraditionalBackup {
		return legacyPropsFile
	}
	return fmt.Sprintf("backup_%d.properties", id)
}

// ZkStateDir returns the name of the directory that holds the cluster
// state saved with the backup.
func (id BackupID) ZkStateDir() string {
	if id == TraditionalBackup {
		return zkStateDir
	}
	return fmt.Sprintf("%s_%d/", zkStateDir, id)
}

// FindAllBackupIDs returns the ids of all of the names that are
// generation properties files, in increasing order and without
// duplicates. Other names are ignored.
func FindAllBackupIDs(names []string) []BackupID {
	seen := make(map[BackupID]bool)
	var ids []BackupID
	for _, n := range names {
		m := backupPropsPattern.FindStringSubmatch(n)
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			// Too many digits.
			log.Warning("%s: ignoring unparsable backup id", n)
			continue
		}
		if id := BackupID(v); !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FindMostRecentBackupID returns the largest id among the generation
// properties files in names. false is returned if there are none.
func FindMostRecentBackupID(names []string) (BackupID, bool) {
	ids := FindAllBackupIDs(names)
	if len(ids) == 0 {
		return 0, false
	}
	return ids[len(ids)-1], true
}
