// backup/generation.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/mmp/shardbk/storage"
	u "github.com/mmp/shardbk/util"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism is the number of shards that are backed up
// concurrently if GenerationParams.Parallelism isn't set.
const DefaultParallelism = 4

type GenerationParams struct {
	Backend    storage.Backend
	Location   string
	Collection string
	// From shard name to its index.
	Shards map[string]Index

	Parallelism int
	Clock       clock.Clock
	IDs         IDGenerator
	Metrics     *Metrics
}

// Generation backs up all of the shards of a collection as a new
// generation at a backup location; each shard's backup is incremental
// with respect to the shard's backup in the previous generation.
type Generation struct {
	GenerationParams
}

// GenerationResult summarizes a generation; the Results are sorted by
// shard name.
type GenerationResult struct {
	BackupID   BackupID
	Properties *Properties
	Results    []*Result
}

func NewGeneration(p GenerationParams) *Generation {
	if p.Parallelism <= 0 {
		p.Parallelism = DefaultParallelism
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.IDs == nil {
		p.IDs = UUIDGenerator{}
	}
	return &Generation{p}
}

func (g *Generation) Run(ctx context.Context) (*GenerationResult, error) {
	if len(g.Shards) == 0 {
		return nil, errors.New("no shards to back up")
	}
	var shards []string
	for s := range g.Shards {
		if !ValidShardName(s) {
			return nil, errors.Errorf("%q: invalid shard name", s)
		}
		shards = append(shards, s)
	}
	sort.Strings(shards)

	paths := NewFilePaths(g.Backend, g.Location)
	if err := paths.CreateIncrementalBackupFolders(ctx); err != nil {
		return nil, err
	}

	names, err := g.Backend.List(ctx, g.Location)
	if err != nil {
		return nil, err
	}
	prev, hasPrev := FindMostRecentBackupID(names)
	id := BackupID(0)
	if hasPrev {
		id = prev + 1
	}
	log.Verbose("%s: starting backup generation %d of %d shards", g.Location, id, len(shards))

	start := g.Clock.Now().UTC()
	var mu sync.Mutex
	results := make(map[string]*Result)

	prevFiles := make(map[string]string)
	for _, shard := range shards {
		if prevFiles[shard], err = g.prevRecordFile(ctx, paths, shard, prev, hasPrev); err != nil {
			return nil, err
		}
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.Parallelism)
	for _, shard := range shards {
		eg.Go(func() error {
			sb := NewShardBackup(ShardBackupParams{
				Backend:        g.Backend,
				Index:          g.Shards[shard],
				Paths:          paths,
				Shard:          shard,
				PrevRecordFile: prevFiles[shard],
				RecordFile:     ShardBackupID{Shard: shard, Backup: id}.Filename(),
				Clock:          g.Clock,
				IDs:            g.IDs,
				Metrics:        g.Metrics,
			})
			res, err := sb.Run(ectx)
			if err != nil {
				return errors.Annotatef(err, "shard %s", shard)
			}
			mu.Lock()
			results[shard] = res
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	props := &Properties{
		Collection:   g.Collection,
		BackupID:     id,
		StartTime:    start,
		ShardRecords: make(map[string]string),
	}
	gr := &GenerationResult{BackupID: id, Properties: props}
	var size int64
	for _, shard := range shards {
		res := results[shard]
		gr.Results = append(gr.Results, res)
		props.ShardRecords[shard] = res.ShardBackupID
		props.IndexFileCount += res.IndexFileCount
		size += res.Stats.IndexSize
	}
	props.IndexSizeMB = u.BytesToMB(size)
	props.EndTime = g.Clock.Now().UTC()

	// The properties file goes last; until it exists, the generation is
	// incomplete and later generations won't chain from it.
	propsPath := g.Backend.Resolve(g.Location, id.PropsName())
	if err := g.Backend.WriteFile(ctx, propsPath, props.Marshal()); err != nil {
		return nil, err
	}
	log.Verbose("%s: backup generation %d complete", g.Location, id)
	return gr, nil
}

// prevRecordFile returns the filename of the shard's record in the
// previous generation, or the empty string if there wasn't a previous
// generation or the shard wasn't in it.
func (g *Generation) prevRecordFile(ctx context.Context, paths *FilePaths, shard string,
	prev BackupID, hasPrev bool) (string, error) {
	if !hasPrev {
		return "", nil
	}
	name := ShardBackupID{Shard: shard, Backup: prev}.Filename()
	ok, err := g.Backend.Exists(ctx, g.Backend.Resolve(paths.ShardBackupMetadataDir(), name))
	if err != nil || !ok {
		return "", err
	}
	return name, nil
}

// ListGenerations returns the ids of the complete backup generations at
// the given location, in increasing order.
func ListGenerations(ctx context.Context, backend storage.Backend, location string) ([]BackupID, error) {
	names, err := backend.List(ctx, location)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return FindAllBackupIDs(names), nil
}

// ReadProperties reads the properties of the given backup generation.
func ReadProperties(ctx context.Context, backend storage.Backend, location string,
	id BackupID) (*Properties, error) {
	uri := backend.Resolve(location, id.PropsName())
	b, err := backend.ReadFile(ctx, uri)
	if err != nil {
		return nil, err
	}
	p, err := ParseProperties(b)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", uri)
	}
	return p, nil
}
