// backup/properties.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Properties describes a complete backup generation: it's stored in the
// backup_<id>.properties file at the root of the repository. The file is
// written once all of the generation's shard backups have been stored, so
// its presence marks the generation as complete.
type Properties struct {
	Collection     string
	BackupID       BackupID
	StartTime      time.Time
	EndTime        time.Time
	IndexFileCount int
	IndexSizeMB    float64
	// From shard name to the filename of its record.
	ShardRecords map[string]string
}

const shardKeyPrefix = "shard."
const shardKeySuffix = ".md"

// Marshal returns the properties in Java properties file syntax:
// one key=value pair per line, '#' for comments.
func (p *Properties) Marshal() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "#Backup properties\n")
	fmt.Fprintf(&b, "#%s\n", p.EndTime.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "collection=%s\n", escapeProperty(p.Collection))
	fmt.Fprintf(&b, "backupId=%d\n", p.BackupID)
	fmt.Fprintf(&b, "startTime=%s\n", p.StartTime.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "endTime=%s\n", p.EndTime.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "indexFileCount=%d\n", p.IndexFileCount)
	fmt.Fprintf(&b, "indexSizeMB=%s\n", strconv.FormatFloat(p.IndexSizeMB, 'f', -1, 64))

	for _, s := range p.Shards() {
		fmt.Fprintf(&b, "%s%s%s=%s\n", shardKeyPrefix, s, shardKeySuffix,
			escapeProperty(p.ShardRecords[s]))
	}
	return b.Bytes()
}

// Shards returns the names of the shards in the generation, sorted.
func (p *Properties) Shards() []string {
	var shards []string
	for s := range p.ShardRecords {
		shards = append(shards, s)
	}
	sort.Strings(shards)
	return shards
}

// ParseProperties parses the contents of a generation properties file.
// Unknown keys are ignored.
func ParseProperties(data []byte) (*Properties, error) {
	p := &Properties{ShardRecords: make(map[string]string)}
	var err error
	sawID := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasPrefix(l, "#") || strings.HasPrefix(l, "!") {
			continue
		}
		eq := strings.IndexAny(l, "=:")
		if eq < 0 {
			return nil, errors.Annotatef(ErrRecordCorrupt, "line %d: no '=' in %q", line, l)
		}
		key := strings.TrimSpace(l[:eq])
		value := unescapeProperty(strings.TrimSpace(l[eq+1:]))

		switch {
		case key == "collection":
			p.Collection = value
		case key == "backupId":
			var id int
			id, err = strconv.Atoi(value)
			p.BackupID = BackupID(id)
			sawID = true
		case key == "startTime":
			p.StartTime, err = time.Parse(time.RFC3339Nano, value)
		case key == "endTime":
			p.EndTime, err = time.Parse(time.RFC3339Nano, value)
		case key == "indexFileCount":
			p.IndexFileCount, err = strconv.Atoi(value)
		case key == "indexSizeMB":
			p.IndexSizeMB, err = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(key, shardKeyPrefix) && strings.HasSuffix(key, shardKeySuffix):
			shard := strings.TrimSuffix(strings.TrimPrefix(key, shardKeyPrefix), shardKeySuffix)
			if !ValidShardName(shard) {
				err = errors.Errorf("invalid shard name %q", shard)
			}
			p.ShardRecords[shard] = value
		}
		if err != nil {
			return nil, errors.Annotatef(ErrRecordCorrupt, "line %d: %s: %s", line, key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if !sawID {
		return nil, errors.Annotatef(ErrRecordCorrupt, "no backupId")
	}
	return p, nil
}

var propertyEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "=", `\=`, ":", `\:`)
var propertyUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\=`, "=", `\:`, ":")

func escapeProperty(s string) string {
	return propertyEscaper.Replace(s)
}

func unescapeProperty(s string) string {
	return propertyUnescaper.Replace(s)
}
