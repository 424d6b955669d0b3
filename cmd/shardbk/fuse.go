// cmd/shardbk/fuse.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Additional infrastructure to allow accessing backups via FUSE.

import (
	"os"
	"strconv"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/shardbk/backup"
	"github.com/mmp/shardbk/storage"
	"golang.org/x/net/context"
)

// repoView holds what the FUSE filesystem needs to find its way around
// a repository.
type repoView struct {
	backend storage.Backend
	paths   *backup.FilePaths
}

// mountFUSE exports a read-only FUSE filesystem at dir where the first
// two levels of the directory hierarchy are the generation id and the
// shard name. Below that are the shard's files as of that generation.
func mountFUSE(dir string, rv *repoView) {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("shardbkfs"),
		fuse.Subtype("shardbkfs"),
		fuse.VolumeName("shard backups"),
		fuse.ReadOnly(),
	)
	log.CheckError(err)
	defer conn.Close()

	err = fs.Serve(conn, &rootDir{rv})
	log.CheckError(err)

	<-conn.Ready
	if err := conn.MountError; err != nil {
		log.CheckError(err)
	}
}

// rootDir lists one directory per generation.
type rootDir struct {
	*repoView
}

func (r *rootDir) Root() (fs.Node, error) {
	return r, nil
}

func (r *rootDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (r *rootDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	id, err := strconv.Atoi(name)
	if err != nil || strconv.Itoa(id) != name {
		return nil, fuse.ENOENT
	}
	props, err := backup.ReadProperties(ctx, r.backend, r.paths.BackupLocation(), backup.BackupID(id))
	if err != nil {
		log.Debug("%s: %s", name, err)
		return nil, fuse.ENOENT
	}
	return &generationDir{r.repoView, props}, nil
}

// Implements fuse.fs.HandleReadDirAller
func (r *rootDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	ids, err := backup.ListGenerations(ctx, r.backend, r.paths.BackupLocation())
	if err != nil {
		log.Error("%s", err)
		return nil, fuse.EIO
	}
	var de []fuse.Dirent
	for _, id := range ids {
		de = append(de, fuse.Dirent{Name: strconv.Itoa(int(id)), Type: fuse.DT_Dir})
	}
	return de, nil
}

// generationDir lists the shards backed up in a generation.
type generationDir struct {
	*repoView
	props *backup.Properties
}

func (g *generationDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	a.Mtime = g.props.EndTime
	return nil
}

func (g *generationDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	recordFile, ok := g.props.ShardRecords[name]
	if !ok {
		return nil, fuse.ENOENT
	}
	rec, err := backup.LoadRecord(ctx, g.backend, g.paths.ShardBackupMetadataDir(), recordFile)
	if err != nil {
		log.Error("%s", err)
		return nil, fuse.EIO
	}
	return &shardDir{g.repoView, rec, g.props}, nil
}

func (g *generationDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, s := range g.props.Shards() {
		de = append(de, fuse.Dirent{Name: s, Type: fuse.DT_Dir})
	}
	return de, nil
}

// shardDir lists the files in a shard backup record.
type shardDir struct {
	*repoView
	rec   *backup.Record
	props *backup.Properties
}

func (s *shardDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	a.Mtime = s.props.EndTime
	return nil
}

func (s *shardDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	f, ok := s.rec.Lookup(name)
	if !ok {
		return nil, fuse.ENOENT
	}
	return &backedFile{s.repoView, f, s.props}, nil
}

func (s *shardDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, f := range s.rec.Files() {
		de = append(de, fuse.Dirent{Name: f.OriginalFilename, Type: fuse.DT_File})
	}
	return de, nil
}

type backedFile struct {
	*repoView
	f     backup.BackedFile
	props *backup.Properties
}

func (b *backedFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0400
	a.Size = uint64(b.f.Checksum.Size)
	a.Mtime = b.props.EndTime
	return nil
}

// Implements fuse.fs.HandleReadAller
func (b *backedFile) ReadAll(ctx context.Context) ([]byte, error) {
	uri := b.backend.Resolve(b.paths.IndexDir(), b.f.StoredName)
	data, err := b.backend.ReadFile(ctx, uri)
	if err != nil {
		log.Error("%s: %s", uri, err)
		return nil, fuse.EIO
	}
	if storage.ChecksumBytes(data) != b.f.Checksum {
		log.Error("%s: %s: contents don't match checksum", uri, b.f.OriginalFilename)
		return nil, fuse.EIO
	}
	return data, nil
}
