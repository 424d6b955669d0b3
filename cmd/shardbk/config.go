// cmd/shardbk/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/mmp/shardbk/storage"
	"gopkg.in/yaml.v3"
)

// Config describes the repository that shardbk works with. It's read
// from the YAML file given with --config or $SHARDBK_CONFIG.
type Config struct {
	// One of "disk", "gcs", or "s3".
	Backend string `yaml:"backend"`
	// Location of the repository within the storage backend.
	Location string `yaml:"location"`

	Disk struct {
		Dir string `yaml:"dir"`
	} `yaml:"disk"`

	GCS struct {
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		ProjectID string `yaml:"project_id"`
		Location  string `yaml:"location"`
	} `yaml:"gcs"`

	S3 struct {
		Bucket          string `yaml:"bucket"`
		Prefix          string `yaml:"prefix"`
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		UsePathStyle    bool   `yaml:"use_path_style"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
	} `yaml:"s3"`

	// zero -> unlimited
	MaxUploadBytesPerSecond   int `yaml:"max_upload_bytes_per_second"`
	MaxDownloadBytesPerSecond int `yaml:"max_download_bytes_per_second"`

	Parity ParityConfig `yaml:"parity"`
}

type ParityConfig struct {
	// Parity sidecars are written unless this is explicitly false.
	Enabled      *bool `yaml:"enabled"`
	DataShards   int   `yaml:"data_shards"`
	ParityShards int   `yaml:"parity_shards"`
	HashRate     int   `yaml:"hash_rate"`
}

// ParseConfig parses YAML configuration, filling in defaults and
// checking that the result is usable.
func ParseConfig(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Annotate(err, "parsing configuration")
	}
	if c.Backend == "" {
		c.Backend = "disk"
	}
	if c.Location == "" {
		return nil, errors.NotValidf("configuration without location")
	}

	switch c.Backend {
	case "disk":
		if c.Disk.Dir == "" {
			return nil, errors.NotValidf("disk backend without dir")
		}
	case "gcs":
		if c.GCS.Bucket == "" || c.GCS.ProjectID == "" {
			return nil, errors.NotValidf("gcs backend without bucket and project_id")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return nil, errors.NotValidf("s3 backend without bucket")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return nil, errors.NotValidf("s3 credentials with only one of access_key_id and secret_access_key")
		}
	default:
		return nil, errors.NotValidf("backend %q", c.Backend)
	}

	if c.MaxUploadBytesPerSecond < 0 || c.MaxDownloadBytesPerSecond < 0 {
		return nil, errors.NotValidf("negative bandwidth limit")
	}

	p := &c.Parity
	if p.DataShards == 0 {
		p.DataShards = storage.DefaultParity.DataShards
	}
	if p.ParityShards == 0 {
		p.ParityShards = storage.DefaultParity.ParityShards
	}
	if p.HashRate == 0 {
		p.HashRate = storage.DefaultParity.HashRate
	}
	if p.DataShards < 0 || p.ParityShards < 0 || p.HashRate < 0 ||
		p.DataShards+p.ParityShards > 256 {
		return nil, errors.NotValidf("parity configuration %d+%d/%d", p.DataShards,
			p.ParityShards, p.HashRate)
	}
	return &c, nil
}

// ReadConfig reads the configuration from the given file.
func ReadConfig(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c, err := ParseConfig(b)
	return c, errors.Annotatef(err, "%s", filename)
}

func (c *Config) BackendOptions() storage.BackendOptions {
	if c.Parity.Enabled != nil && !*c.Parity.Enabled {
		return storage.BackendOptions{}
	}
	return storage.BackendOptions{Parity: &storage.ParityOptions{
		DataShards:   c.Parity.DataShards,
		ParityShards: c.Parity.ParityShards,
		HashRate:     c.Parity.HashRate,
	}}
}

// FileStorage returns the FileStorage that the configuration describes.
func (c *Config) FileStorage(ctx context.Context) (storage.FileStorage, error) {
	switch c.Backend {
	case "disk":
		return storage.NewDisk(c.Disk.Dir)
	case "gcs":
		return storage.NewGCS(ctx, storage.GCSOptions{
			BucketName:                c.GCS.Bucket,
			Prefix:                    c.GCS.Prefix,
			ProjectId:                 c.GCS.ProjectID,
			Location:                  c.GCS.Location,
			MaxUploadBytesPerSecond:   c.MaxUploadBytesPerSecond,
			MaxDownloadBytesPerSecond: c.MaxDownloadBytesPerSecond,
		})
	case "s3":
		return storage.NewS3(ctx, storage.S3Options{
			Bucket:                    c.S3.Bucket,
			Prefix:                    c.S3.Prefix,
			Region:                    c.S3.Region,
			Endpoint:                  c.S3.Endpoint,
			UsePathStyle:              c.S3.UsePathStyle,
			AccessKeyID:               c.S3.AccessKeyID,
			SecretAccessKey:           c.S3.SecretAccessKey,
			MaxUploadBytesPerSecond:   c.MaxUploadBytesPerSecond,
			MaxDownloadBytesPerSecond: c.MaxDownloadBytesPerSecond,
		})
	default:
		return nil, fmt.Errorf("%s: unknown backend", c.Backend)
	}
}

// OpenBackend returns the storage Backend for the configured repository.
func (c *Config) OpenBackend(ctx context.Context) (storage.Backend, error) {
	fs, err := c.FileStorage(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewBackend(fs, c.BackendOptions()), nil
}
