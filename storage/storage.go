// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	u "github.com/mmp/shardbk/util"
	"golang.org/x/crypto/sha3"
)

const (
	// ErrNotExist is returned (possibly annotated) when a named file
	// isn't present in storage.
	ErrNotExist = errors.ConstError("file does not exist")
	// ErrExist is returned when asked to create a file that's already
	// present; stored files are never overwritten.
	ErrExist = errors.ConstError("file already exists")
	// ErrCRCMismatch is returned when a remote store reports a different
	// checksum for an upload than the one computed locally.
	ErrCRCMismatch = errors.ConstError("upload checksum mismatch")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Checksums

// HashSize is the number of bytes in the digests used to identify file
// contents.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != HashSize {
		return fmt.Errorf("hash %q: expected %d hex digits", b, 2*HashSize)
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// Checksum summarizes a file's contents: its SHAKE256 digest and its size
// in bytes. Two files are considered to have the same contents if and
// only if their Checksums are equal (==).
type Checksum struct {
	Digest Hash  `json:"digest"`
	Size   int64 `json:"size"`
}

func (c Checksum) String() string {
	return fmt.Sprintf("%s/%d", c.Digest, c.Size)
}

// Checksummer is an io.Writer that computes the Checksum of everything
// written to it.
type Checksummer struct {
	shake sha3.ShakeHash
	n     int64
}

func NewChecksummer() *Checksummer {
	return &Checksummer{shake: sha3.NewShake256()}
}

func (c *Checksummer) Write(b []byte) (int, error) {
	n, err := c.shake.Write(b)
	c.n += int64(n)
	return n, err
}

// Sum returns the Checksum of the bytes written so far.
func (c *Checksummer) Sum() Checksum {
	cs := Checksum{Size: c.n}
	// Reading from a clone leaves c usable for further writes.
	_, _ = c.shake.Clone().Read(cs.Digest[:])
	return cs
}

// ChecksumBytes returns the Checksum of the given byte slice.
func ChecksumBytes(b []byte) Checksum {
	c := NewChecksummer()
	_, _ = c.Write(b)
	return c.Sum()
}

// ChecksumReader returns the Checksum of all of the bytes provided by r.
func ChecksumReader(r io.Reader) (Checksum, error) {
	c := NewChecksummer()
	if _, err := io.Copy(c, r); err != nil {
		return Checksum{}, err
	}
	return c.Sum(), nil
}

///////////////////////////////////////////////////////////////////////////
// Local files

// Directory provides read access to the files of a local index; it's
// where backed-up bytes come from.
type Directory interface {
	// Open returns a reader for the named file in the directory.
	Open(name string) (io.ReadCloser, error)
	String() string
}

// LocalDir is a Directory for a path in the local filesystem.
type LocalDir string

func (d LocalDir) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(string(d), name))
	if os.IsNotExist(err) {
		return nil, errors.Annotatef(ErrNotExist, "%s", filepath.Join(string(d), name))
	}
	return f, err
}

func (d LocalDir) String() string {
	return string(d)
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage systems

// FileWriter is returned by FileStorage.Create. Nothing is visible under
// the file's name until Close returns successfully; Abort discards
// everything written.
type FileWriter interface {
	io.Writer
	Close() error
	Abort()
}

// FileStorage is a simple abstraction for a storage system holding named
// files. Names are slash-separated paths relative to the storage root.
type FileStorage interface {
	String() string

	// Create returns a FileWriter for a file with the given name. The
	// file's contents appear atomically when the writer is closed,
	// replacing any existing file with that name.
	Create(ctx context.Context, name string) (FileWriter, error)

	// Open returns the contents of the given file; ErrNotExist is
	// returned if there is no such file.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Exists reports whether name is either a file or a directory
	// holding at least one file (or created with Mkdir).
	Exists(ctx context.Context, name string) (bool, error)

	// Mkdir creates the given directory; it's a no-op for storage
	// systems without real directories.
	Mkdir(ctx context.Context, name string) error

	// List returns the names of the files directly inside the given
	// directory, sorted.
	List(ctx context.Context, dir string) ([]string, error)

	// Remove deletes the given file. It's not an error if there is no
	// such file.
	Remove(ctx context.Context, name string) error
}

// Backend is the interface to a backup repository that backups are
// built on: existence checks, directory creation, checksums and copies of
// local files, and atomic reads and writes of small metadata files.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// LogStats reports any statistics that the Backend may have gathered
	// during the course of its operation.
	LogStats()

	// Resolve returns the location of the given child path under base.
	Resolve(base string, elems ...string) string

	Exists(ctx context.Context, uri string) (bool, error)
	CreateDirectory(ctx context.Context, uri string) error

	// List returns the names of the files in the given directory.
	List(ctx context.Context, dir string) ([]string, error)

	// Checksum computes the Checksum of the named file in the local
	// directory.
	Checksum(ctx context.Context, dir Directory, name string) (Checksum, error)

	// CopyFileFrom copies the named local file to destName in destDir.
	// It's an error (ErrExist) for destName to already exist.
	CopyFileFrom(ctx context.Context, dir Directory, name, destDir, destName string) error

	Open(ctx context.Context, uri string) (io.ReadCloser, error)
	ReadFile(ctx context.Context, uri string) ([]byte, error)

	// WriteFile atomically replaces the contents of the given file;
	// readers see either the old contents or the new ones in full.
	WriteFile(ctx context.Context, uri string, data []byte) error

	// CheckFile verifies the given file against its parity sidecar, if
	// it has one. rdso.ErrFileCorrupt is returned for damaged files.
	CheckFile(ctx context.Context, uri string) error

	// RepairFile reconstructs the given file (and its parity sidecar)
	// from the parity information.
	RepairFile(ctx context.Context, uri string) error
}

///////////////////////////////////////////////////////////////////////////

// ctxReader fails reads once its context has been cancelled, so that
// long copies stop promptly.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(b []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(b)
}

// readCloser pairs a wrapped reader with the Close method of the stream
// it reads from.
type readCloser struct {
	io.Reader
	io.Closer
}
