// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"hash"
	"hash/crc32"
	"io"
	"path"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/juju/errors"
	"google.golang.org/api/iterator"
)

// Implements the FileStorage interface to store files in Google Cloud
// Storage.
type gcsFileStorage struct {
	client    *gcs.Client
	bucket    *gcs.BucketHandle
	name      string
	prefix    string
	bandwidth *Bandwidth
}

type GCSOptions struct {
	BucketName string
	// Optional; all object names are prefixed with it.
	Prefix    string
	ProjectId string
	// Optional. Will use "us-central1" if not specified.
	Location string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

func NewGCS(ctx context.Context, options GCSOptions) (FileStorage, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	g := &gcsFileStorage{
		client: client,
		bucket: client.Bucket(options.BucketName),
		name:   options.BucketName,
		prefix: strings.Trim(options.Prefix, "/"),
		bandwidth: NewBandwidth(options.MaxUploadBytesPerSecond,
			options.MaxDownloadBytesPerSecond),
	}

	// Create the bucket if it doesn't exist.
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if options.ProjectId == "" {
			return nil, errors.Errorf("%s: project id required to create bucket",
				options.BucketName)
		}
		if err := g.bucket.Create(ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, errors.Trace(err)
		}
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	return g, nil
}

func (g *gcsFileStorage) String() string {
	return "gs://" + path.Join(g.name, g.prefix)
}

func (g *gcsFileStorage) object(name string) string {
	return strings.TrimPrefix(path.Join(g.prefix, name), "/")
}

func (g *gcsFileStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	log.Debug("%s: starting gcs download", name)

	r, err := g.bucket.Object(g.object(name)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotExist
	} else if err != nil {
		return nil, err
	}
	return readCloser{g.bandwidth.DownloadReader(ctx, r), r}, nil
}

func (g *gcsFileStorage) Exists(ctx context.Context, name string) (bool, error) {
	_, err := g.bucket.Object(g.object(name)).Attrs(ctx)
	if err == nil {
		return true, nil
	} else if err != gcs.ErrObjectNotExist {
		return false, err
	}

	// GCS doesn't have directories; a "directory" exists if there's an
	// object with it as a prefix.
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: g.object(name) + "/"})
	_, err = it.Next()
	if err == iterator.Done {
		return false, nil
	}
	return err == nil, err
}

// Mkdir creates an empty placeholder object for the directory, so that
// Exists reports it even before any files have been stored in it.
func (g *gcsFileStorage) Mkdir(ctx context.Context, name string) error {
	w := g.bucket.Object(g.object(name) + "/").NewWriter(ctx)
	return w.Close()
}

func (g *gcsFileStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := g.object(dir) + "/"
	if prefix == "./" || prefix == "/" {
		prefix = ""
	}
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: "/"})
	var names []string
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, err
		}
		// Skip "subdirectories" and the directory placeholder itself.
		if obj.Prefix != "" || obj.Name == prefix {
			continue
		}
		names = append(names, strings.TrimPrefix(obj.Name, prefix))
	}
	sort.Strings(names)
	return names, nil
}

func (g *gcsFileStorage) Remove(ctx context.Context, name string) error {
	err := g.bucket.Object(g.object(name)).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

// Create starts an upload to a temporary object; Close checks its CRC and
// then copies it to its final name. Object copies are atomic, so the
// final object is never visible with partial contents.
func (g *gcsFileStorage) Create(ctx context.Context, name string) (FileWriter, error) {
	log.Verbose("%s: starting upload", name)

	wctx, cancel := context.WithCancel(ctx)
	tmp := g.bucket.Object(g.object(name) + ".tmp")
	w := tmp.NewWriter(wctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	w.ContentType = "application/octet-stream"

	return &gcsWriter{
		ctx:    ctx,
		cancel: cancel,
		name:   name,
		g:      g,
		tmp:    tmp,
		w:      w,
		up:     g.bandwidth.UploadWriter(ctx, w),
		crc:    crc32.New(castagnoliTable),
	}, nil
}

// gcsWriter implements FileWriter. Data is sent to GCS as it's written;
// at most one chunk is buffered.
type gcsWriter struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string
	g      *gcsFileStorage
	tmp    *gcs.ObjectHandle
	w      *gcs.Writer
	up     io.Writer
	crc    hash.Hash32
}

func (gw *gcsWriter) Write(b []byte) (int, error) {
	n, err := gw.up.Write(b)
	gw.crc.Write(b[:n])
	return n, err
}

// Abort cancels the upload; GCS never creates the temporary object.
func (gw *gcsWriter) Abort() {
	gw.cancel()
	_ = gw.w.Close()
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (gw *gcsWriter) Close() error {
	defer gw.cancel()
	if err := gw.w.Close(); err != nil {
		return err
	}
	defer gw.tmp.Delete(gw.ctx)

	log.Verbose("%s: finished upload", gw.name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	localCrc := gw.crc.Sum32()
	gcsCrc := gw.w.Attrs().CRC32C
	if localCrc != gcsCrc {
		return errors.Annotatef(ErrCRCMismatch, "%s: local %d, GCS %d", gw.name,
			localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one.
	copier := gw.g.bucket.Object(gw.g.object(gw.name)).CopierFrom(gw.tmp)
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(gw.ctx)
	return err
}
