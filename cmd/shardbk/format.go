// cmd/shardbk/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var formatText = `

This document is an attempt to document the way that shardbk backs up
search index shards in sufficient detail so that (if ever necessary), it's
possible to restore a backup from a shardbk repository even without the
shardbk source code. We'll proceed in bottom-up fashion from the files
stored in the repository up to the generations that tie them together.

# Repository layout

A repository (the "location" in the configuration file) is a directory in
the storage backend (a local directory, a GCS bucket, or an S3 bucket)
with the following contents:

	index/                       one blob per backed-up file
	shard_backup_ids/            one record per shard backup
	backup_<N>.properties        one per generation

Nothing in the repository is ever modified once it has been written,
with the exception of a shard backup record or properties file whose
write was interrupted, which is rewritten in full.

# Blobs

Each file of a shard's index that is backed up is copied, byte for byte,
to a blob in the index/ directory. Blob names are random UUIDs and carry
no meaning; the shard backup records give the mapping from blob names to
the original file names. A blob may be referenced by many records: a file
whose contents haven't changed since the previous backup of the shard
reuses the previous backup's blob.

# Shard backup records

The record for a shard backup is stored in shard_backup_ids/ in a file
named md_<shard>_<N>.json, where <shard> is the shard name (made up of
ASCII letters, digits, '.' and '-' only) and <N> is the id of the
generation the backup belongs to. Records are JSON:

	{"files": [
	  {"storedName": "<blob name in index/>",
	   "originalFilename": "<name of the file in the index>",
	   "checksum": {"digest": "<hex>", "size": <bytes>}},
	  ...
	]}

The digest is 32 bytes of SHAKE256 of the file's contents, hex-encoded.
(An empty record is stored as {"files":[]}.) Restoring a shard backup is
a matter of copying each blob to its original file name and checking its
size and digest.

# Generations

A generation is a backup of all of a collection's shards taken together.
Its properties file, backup_<N>.properties, is written only after all of
its shard backup records have been; a generation without one is
incomplete and can be ignored. The file is in Java properties format:

	collection=<collection name>
	backupId=<N>
	startTime=<RFC 3339>
	endTime=<RFC 3339>
	indexFileCount=<files in all shards>
	indexSizeMB=<total size of those files in MiB>
	shard.<shard>.md=md_<shard>_<N>.json

Generation ids start at zero and increase by one; the most recent
generation is the one with the largest id. The backup of a shard in
generation N+1 is incremental with respect to its record in generation N.

Repositories may also have a backup.properties file without an id; it's
from an older, non-incremental backup format and is not used by shardbk.

# Reed-Solomon encoding

Properties files and shard backup records may be protected with
Reed-Solomon encoding (blobs are not: their checksums in the records
detect damage). The parity information is stored in a .rs file next to
each file. Its contents are encoded with the Go "gob" encoding package: a
header

type rsFileHeader struct {
	// Size of the original data
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

followed by one of these for each NDataShards*HashRate bytes of the file
(the last segment is zero-padded):

type rsFileSegment struct {
	Hashes       [][64]byte // SHAKE256 of each data shard, then each parity shard
	ParityShards [][]byte
}

Segments are split into NDataShards shards of HashRate bytes each; any
shard whose hash doesn't match can be reconstructed from the others
using github.com/klauspost/reedsolomon.

`
