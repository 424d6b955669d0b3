// storage/s3.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

type S3Options struct {
	Bucket string
	// Optional; all object keys are prefixed with it.
	Prefix string
	Region string
	// Optional; set to use an S3-compatible service (MinIO, etc.).
	Endpoint     string
	UsePathStyle bool

	// If empty, the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// Implements the FileStorage interface to store files in Amazon S3 or a
// compatible object store.
type s3FileStorage struct {
	client    *s3.Client
	bucket    string
	prefix    string
	bandwidth *Bandwidth
}

func NewS3(ctx context.Context, options S3Options) (FileStorage, error) {
	var opts []func(*config.LoadOptions) error
	if options.Region != "" {
		opts = append(opts, config.WithRegion(options.Region))
	}
	if options.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKeyID,
				options.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading AWS configuration")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = options.UsePathStyle
		if options.Endpoint != "" {
			o.BaseEndpoint = aws.String(options.Endpoint)
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(options.Bucket),
	}); err != nil {
		return nil, errors.Annotatef(err, "s3://%s", options.Bucket)
	}

	return &s3FileStorage{
		client: client,
		bucket: options.Bucket,
		prefix: strings.Trim(options.Prefix, "/"),
		bandwidth: NewBandwidth(options.MaxUploadBytesPerSecond,
			options.MaxDownloadBytesPerSecond),
	}, nil
}

func (s *s3FileStorage) String() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}

func (s *s3FileStorage) key(name string) string {
	k := strings.TrimPrefix(path.Join(s.prefix, name), "/")
	if k == "." {
		return ""
	}
	return k
}

// isNotFound reports whether err is S3's way of saying that there's no
// such object.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

func (s *s3FileStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	log.Debug("%s: starting s3 download", name)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if isNotFound(err) {
		return nil, ErrNotExist
	} else if err != nil {
		return nil, err
	}
	return readCloser{s.bandwidth.DownloadReader(ctx, out.Body), out.Body}, nil
}

func (s *s3FileStorage) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err == nil {
		return true, nil
	} else if !isNotFound(err) {
		return false, err
	}

	// As with GCS, a "directory" exists if some key has it as a prefix.
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(name) + "/"),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (s *s3FileStorage) Mkdir(ctx context.Context, name string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name) + "/"),
		Body:   bytes.NewReader(nil),
	})
	return err
}

func (s *s3FileStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.key(dir)
	if prefix != "" {
		prefix += "/"
	}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var names []string
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				continue
			}
			names = append(names, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *s3FileStorage) Remove(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *s3FileStorage) Create(ctx context.Context, name string) (FileWriter, error) {
	log.Verbose("%s: starting upload", name)
	u := &s3Upload{
		ctx:      ctx,
		client:   s.client,
		bucket:   s.bucket,
		key:      s.key(name),
		partSize: s3PartSize,
	}
	return &s3Writer{u: u, up: s.bandwidth.UploadWriter(ctx, u), name: name}, nil
}

// Files are uploaded in parts of this size; with S3's limit of 10,000
// parts, that allows files of up to 160 GiB.
const s3PartSize = 16 << 20

// s3UploadAPI is the part of *s3.Client that uploads use.
type s3UploadAPI interface {
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput,
		...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput,
		...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput,
		...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// s3Writer implements FileWriter. S3 makes an object visible only once
// its upload has completed.
type s3Writer struct {
	u    *s3Upload
	up   io.Writer
	name string
}

func (sw *s3Writer) Write(b []byte) (int, error) {
	return sw.up.Write(b)
}

func (sw *s3Writer) Abort() {
	sw.u.abort()
}

func (sw *s3Writer) Close() error {
	if err := sw.u.finish(); err != nil {
		sw.u.abort()
		return err
	}
	log.Verbose("%s: finished upload", sw.name)
	return nil
}

// s3Upload buffers at most one part of the file in memory. Files that
// fit in a single part are stored with PutObject; larger ones use a
// multipart upload that's started when the first part fills up.
type s3Upload struct {
	ctx         context.Context
	client      s3UploadAPI
	bucket, key string
	partSize    int

	buf      []byte
	uploadID *string
	parts    []types.CompletedPart
}

func (u *s3Upload) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		if len(u.buf) == u.partSize {
			if err := u.flush(); err != nil {
				return written, err
			}
		}
		n := min(len(b), u.partSize-len(u.buf))
		u.buf = append(u.buf, b[:n]...)
		written += n
		b = b[n:]
	}
	return written, nil
}

// flush uploads the buffered data as the next part.
func (u *s3Upload) flush() error {
	if u.uploadID == nil {
		out, err := u.client.CreateMultipartUpload(u.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(u.key),
		})
		if err != nil {
			return err
		}
		u.uploadID = out.UploadId
	}

	num := aws.Int32(int32(len(u.parts) + 1))
	out, err := u.client.UploadPart(u.ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(u.key),
		UploadId:      u.uploadID,
		PartNumber:    num,
		Body:          bytes.NewReader(u.buf),
		ContentLength: aws.Int64(int64(len(u.buf))),
	})
	if err != nil {
		return err
	}
	u.parts = append(u.parts, types.CompletedPart{ETag: out.ETag, PartNumber: num})
	u.buf = u.buf[:0]
	return nil
}

func (u *s3Upload) finish() error {
	if u.uploadID == nil {
		_, err := u.client.PutObject(u.ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(u.key),
			Body:   bytes.NewReader(u.buf),
		})
		return err
	}

	if len(u.buf) > 0 {
		if err := u.flush(); err != nil {
			return err
		}
	}
	_, err := u.client.CompleteMultipartUpload(u.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(u.key),
		UploadId:        u.uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: u.parts},
	})
	if err == nil {
		u.uploadID = nil
	}
	return err
}

// abort discards the parts uploaded so far, even if the upload's context
// has been cancelled.
func (u *s3Upload) abort() {
	u.buf = nil
	if u.uploadID == nil {
		return
	}
	_, err := u.client.AbortMultipartUpload(context.WithoutCancel(u.ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: u.uploadID,
	})
	if err != nil {
		log.Warning("%s: aborting multipart upload: %s", u.key, err)
	}
	u.uploadID = nil
}
