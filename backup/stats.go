// backup/stats.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"github.com/mmp/shardbk/storage"
	u "github.com/mmp/shardbk/util"
)

// Stats accumulates the sizes of the files in a shard backup.
type Stats struct {
	FileCount         int
	UploadedFileCount int
	IndexSize         int64
	UploadedBytes     int64
}

// Skipped records a file whose contents were already stored.
func (s *Stats) Skipped(cs storage.Checksum) {
	s.FileCount++
	s.IndexSize += cs.Size
}

// Uploaded records a file that was copied to the repository.
func (s *Stats) Uploaded(cs storage.Checksum) {
	s.FileCount++
	s.UploadedFileCount++
	s.IndexSize += cs.Size
	s.UploadedBytes += cs.Size
}

// IndexSizeMB returns the total size of the index in MB, rounded to three
// decimal places.
func (s *Stats) IndexSizeMB() float64 {
	return u.BytesToMB(s.IndexSize)
}

// UploadedMB returns the amount of data that was copied in MB, rounded to
// three decimal places.
func (s *Stats) UploadedMB() float64 {
	return u.BytesToMB(s.UploadedBytes)
}
