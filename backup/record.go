// backup/record.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/mmp/shardbk/storage"
)

// BackedFile describes a single file of a shard backup: the name of the
// blob in the index/ directory that holds its contents, the file's name
// in the index, and the checksum of its contents.
type BackedFile struct {
	StoredName       string           `json:"storedName"`
	OriginalFilename string           `json:"originalFilename"`
	Checksum         storage.Checksum `json:"checksum"`
}

// Record is the metadata for one shard backup: the set of files it
// contains, in the order they were added. There is at most one entry for
// each original filename.
type Record struct {
	files []BackedFile
	// From OriginalFilename to index in files.
	index map[string]int
}

type recordJSON struct {
	Files []BackedFile `json:"files"`
}

// EmptyRecord returns a Record with no files; it's the predecessor of the
// first backup of a shard.
func EmptyRecord() *Record {
	return &Record{index: make(map[string]int)}
}

// Lookup returns the entry for the given original filename, if there is
// one.
func (r *Record) Lookup(filename string) (BackedFile, bool) {
	i, ok := r.index[filename]
	if !ok {
		return BackedFile{}, false
	}
	return r.files[i], true
}

// AddBackedFile adds the given file to the record. If the record already
// has an entry for the file's original name, it's replaced in place.
func (r *Record) AddBackedFile(f BackedFile) {
	if i, ok := r.index[f.OriginalFilename]; ok {
		r.files[i] = f
		return
	}
	r.index[f.OriginalFilename] = len(r.files)
	r.files = append(r.files, f)
}

// Files returns the record's entries in insertion order.
func (r *Record) Files() []BackedFile {
	return append([]BackedFile(nil), r.files...)
}

func (r *Record) Len() int {
	return len(r.files)
}

// Size returns the total size of the files in the record.
func (r *Record) Size() int64 {
	var n int64
	for _, f := range r.files {
		n += f.Checksum.Size
	}
	return n
}

func (r *Record) MarshalJSON() ([]byte, error) {
	files := r.files
	if files == nil {
		files = []BackedFile{}
	}
	return json.Marshal(recordJSON{Files: files})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	// Even an empty record has a "files" array; null or {} is damage.
	var rj struct {
		Files *[]BackedFile `json:"files"`
	}
	if err := json.Unmarshal(b, &rj); err != nil {
		return err
	}
	if rj.Files == nil {
		return errors.New("missing files list")
	}

	nr := EmptyRecord()
	for _, f := range *rj.Files {
		if f.StoredName == "" || f.OriginalFilename == "" {
			return errors.New("entry with empty file name")
		}
		if _, ok := nr.index[f.OriginalFilename]; ok {
			return errors.Errorf("%s: repeated file", f.OriginalFilename)
		}
		nr.AddBackedFile(f)
	}
	*r = *nr
	return nil
}

// LoadRecord reads the named record from the given directory of the
// repository.
func LoadRecord(ctx context.Context, backend storage.Backend, dir, filename string) (*Record, error) {
	uri := backend.Resolve(dir, filename)
	b, err := backend.ReadFile(ctx, uri)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, errors.Annotatef(ErrRecordNotFound, "%s", uri)
	} else if err != nil {
		return nil, err
	}

	r := EmptyRecord()
	if err := json.Unmarshal(b, r); err != nil {
		return nil, errors.Annotatef(ErrRecordCorrupt, "%s: %s", uri, err)
	}
	return r, nil
}

// Store writes the record to the given directory of the repository. The
// write is atomic: readers either see the complete record or no record.
func (r *Record) Store(ctx context.Context, backend storage.Backend, dir, filename string) error {
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Trace(err)
	}
	uri := backend.Resolve(dir, filename)
	log.Debug("%s: storing record with %d files", uri, len(r.files))
	return backend.WriteFile(ctx, uri, b)
}
