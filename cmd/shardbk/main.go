// cmd/shardbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// shardbk takes incremental, deduplicated backups of the shards of a
// search index collection and restores them.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/mmp/shardbk/backup"
	"github.com/mmp/shardbk/dirindex"
	"github.com/mmp/shardbk/storage"
	u "github.com/mmp/shardbk/util"
	"github.com/prometheus/client_golang/prometheus"
)

var log *u.Logger

func usage() {
	fmt.Printf(`usage: shardbk [--config file] [--verbose] [--debug] <command> ...
commands:
  backup [--collection c] [--parallel n] [--metrics-file f] <shard>=<dir>...
  restore [--generation n] --shard s <dest>
  list
  fsck [--deep]
  repair
  commit <dir>
  mount <dir>
  format
`)
	os.Exit(1)
}

func main() {
	configFile := flag.String("config", os.Getenv("SHARDBK_CONFIG"),
		"configuration file (default $SHARDBK_CONFIG)")
	verbose := flag.Bool("verbose", false, "verbose output")
	debug := flag.Bool("debug", false, "debugging output")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	log = u.NewLogger(*verbose, *debug)
	storage.SetLogger(log)
	backup.SetLogger(log)
	dirindex.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "commit":
		commit(args)
		return
	case "format":
		fmt.Print(formatText)
		return
	}

	if *configFile == "" {
		log.Fatal("no configuration file given with --config or $SHARDBK_CONFIG")
	}
	config, err := ReadConfig(*configFile)
	log.CheckError(err)
	backend, err := config.OpenBackend(ctx)
	log.CheckError(err)
	defer backend.LogStats()

	switch cmd {
	case "backup":
		backupShards(ctx, config, backend, args)
	case "restore":
		restore(ctx, config, backend, args)
	case "list":
		list(ctx, config, backend)
	case "fsck":
		fsck(ctx, config, backend, args)
	case "repair":
		repair(ctx, config, backend)
	case "mount":
		if len(args) != 1 {
			usage()
		}
		mountFUSE(args[0], &repoView{backend, backup.NewFilePaths(backend, config.Location)})
	default:
		usage()
	}
}

func backupShards(ctx context.Context, config *Config, backend storage.Backend, args []string) {
	flag := flag.NewFlagSet("backup", flag.ExitOnError)
	collection := flag.String("collection", path.Base(config.Location), "collection name")
	parallel := flag.Int("parallel", backup.DefaultParallelism, "number of shards to back up concurrently")
	metricsFile := flag.String("metrics-file", "", "file to write Prometheus metrics to")
	flag.Parse(args)
	if flag.NArg() == 0 {
		usage()
	}

	shards := make(map[string]backup.Index)
	for _, arg := range flag.Args() {
		name, dir, ok := strings.Cut(arg, "=")
		if !ok || !backup.ValidShardName(name) {
			log.Fatal("%s: expected <shard>=<dir>, with only letters, digits, '.' and '-' in the shard name", arg)
		}
		if _, ok := shards[name]; ok {
			log.Fatal("%s: shard given more than once", name)
		}
		ix, err := dirindex.Open(dir)
		log.CheckError(err)
		shards[name] = ix
	}

	reg := prometheus.NewRegistry()
	metrics, err := backup.NewMetrics(reg)
	log.CheckError(err)

	gr, err := backup.NewGeneration(backup.GenerationParams{
		Backend:     backend,
		Location:    config.Location,
		Collection:  *collection,
		Shards:      shards,
		Parallelism: *parallel,
		Metrics:     metrics,
	}).Run(ctx)

	if *metricsFile != "" {
		if merr := prometheus.WriteToTextfile(*metricsFile, reg); merr != nil {
			log.Error("%s: %s", *metricsFile, merr)
		}
	}
	log.CheckError(err)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, r := range gr.Results {
		log.CheckError(enc.Encode(r))
	}
	fmt.Printf("generation %d: %d files, %.3f MB\n", gr.BackupID,
		gr.Properties.IndexFileCount, gr.Properties.IndexSizeMB)
}

func restore(ctx context.Context, config *Config, backend storage.Backend, args []string) {
	flag := flag.NewFlagSet("restore", flag.ExitOnError)
	generation := flag.Int("generation", -1, "generation to restore from (default most recent)")
	shard := flag.String("shard", "", "shard to restore")
	flag.Parse(args)
	if flag.NArg() != 1 || *shard == "" {
		usage()
	}
	dest := flag.Arg(0)

	id := backup.BackupID(*generation)
	if id < 0 {
		ids, err := backup.ListGenerations(ctx, backend, config.Location)
		log.CheckError(err)
		if len(ids) == 0 {
			log.Fatal("%s: no backups", config.Location)
		}
		id = ids[len(ids)-1]
	}

	props, err := backup.ReadProperties(ctx, backend, config.Location, id)
	log.CheckError(err)
	recordFile, ok := props.ShardRecords[*shard]
	if !ok {
		log.Fatal("%s: not in generation %d", *shard, id)
	}

	start := time.Now()
	rec, err := backup.RestoreShard(ctx, backend, backup.NewFilePaths(backend, config.Location),
		recordFile, dest)
	log.CheckError(err)
	fmt.Printf("restored %d files (%s) to %s in %s\n", rec.Len(), u.FmtBytes(rec.Size()),
		dest, time.Since(start).Round(time.Millisecond))
}

func list(ctx context.Context, config *Config, backend storage.Backend) {
	ids, err := backup.ListGenerations(ctx, backend, config.Location)
	log.CheckError(err)
	for _, id := range ids {
		props, err := backup.ReadProperties(ctx, backend, config.Location, id)
		if err != nil {
			log.Error("%s", err)
			continue
		}
		fmt.Printf("%-6d %s  %-20s %6d files %12.3f MB  %s\n", id,
			props.EndTime.Local().Format("2006-01-02 15:04:05"), props.Collection,
			props.IndexFileCount, props.IndexSizeMB, strings.Join(props.Shards(), ","))
	}
}

func fsck(ctx context.Context, config *Config, backend storage.Backend, args []string) {
	flag := flag.NewFlagSet("fsck", flag.ExitOnError)
	deep := flag.Bool("deep", false, "check the contents of all blobs against their checksums")
	flag.Parse(args)

	report, err := backup.Fsck(ctx, backend, config.Location, *deep)
	log.CheckError(err)
	fmt.Printf("%d generations, %d records, %d blobs: %d problems\n", report.Generations,
		report.Records, report.Blobs, len(report.Problems))
	if len(report.Problems) > 0 {
		os.Exit(1)
	}
}

func repair(ctx context.Context, config *Config, backend storage.Backend) {
	repaired, err := backup.Repair(ctx, backend, config.Location)
	for _, uri := range repaired {
		fmt.Printf("%s: repaired\n", uri)
	}
	log.CheckError(err)
}

func commit(args []string) {
	if len(args) != 1 {
		usage()
	}
	ix, err := dirindex.Open(args[0])
	log.CheckError(err)
	c, err := ix.CommitDirectory()
	log.CheckError(err)
	fmt.Printf("%s: commit %d with %d files\n", args[0], c.Generation(), len(c.Files()))
}
