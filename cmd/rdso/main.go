// cmd/rdso/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple tool to apply Reed-Solomon encoding to files. Provides facilities
// to check the integrity of encoded files and to recover corrupt files.
// The .rs files it works with are the same as the parity sidecars that
// shardbk stores next to its records and properties files.

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmp/shardbk/rdso"
	"github.com/mmp/shardbk/storage"
	u "github.com/mmp/shardbk/util"
)

func usage() {
	fmt.Printf("usage: rdso encode [--nshards n] [--nparity n] [--hashrate r] <files...>\n")
	fmt.Printf("usage: rdso <check,restore> <files...>\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	log := u.NewLogger(true /*verbose*/, false /*debug*/)

	switch os.Args[1] {
	case "encode":
		encode(os.Args[2:], log)
	case "check":
		for _, fn := range os.Args[2:] {
			if err := checkFile(fn, log); err != nil {
				log.Error("%s: %s", fn, err)
			}
		}
	case "restore":
		for _, fn := range os.Args[2:] {
			if err := restoreFile(fn, log); err != nil {
				log.Error("%s: %s", fn, err)
			}
		}
	default:
		usage()
	}
	if log.Errors() > 0 {
		os.Exit(1)
	}
}

func encode(args []string, log *u.Logger) {
	flag := flag.NewFlagSet("encode", flag.ContinueOnError)
	nShards := flag.Int("nshards", storage.DefaultParity.DataShards, "number of data shards")
	nParity := flag.Int("nparity", storage.DefaultParity.ParityShards, "number of parity shards")
	hashRate := flag.Int("hashrate", 1024*1024, "shard size in bytes")
	err := flag.Parse(args)
	if err != nil {
		os.Exit(1)
	}

	for _, fn := range flag.Args() {
		if strings.HasSuffix(fn, storage.ParitySuffix) {
			log.Warning("%s: skipping Reed-Solomon encoding of .rs file", fn)
			continue
		}
		if err := encodeFile(fn, *nShards, *nParity, *hashRate); err != nil {
			log.Error("%s: %s", fn, err)
			continue
		}
		log.Verbose("%s: created Reed-Solomon encoding file", fn+storage.ParitySuffix)
	}
}

func encodeFile(fn string, nShards, nParity, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	rs, err := os.Create(fn + storage.ParitySuffix)
	if err != nil {
		return err
	}
	if err := rdso.Encode(f, fi.Size(), rs, nShards, nParity, hashRate); err != nil {
		rs.Close()
		os.Remove(rs.Name())
		return err
	}
	return rs.Close()
}

func checkFile(fn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(fn + storage.ParitySuffix)
	if err != nil {
		return err
	}
	defer rs.Close()
	return rdso.Check(f, rs, log)
}

// restoreFile writes the repaired contents of fn to fn.recovered and the
// repaired parity information to fn.recovered.rs.
func restoreFile(fn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	rs, err := os.Open(fn + storage.ParitySuffix)
	if err != nil {
		return err
	}
	defer rs.Close()

	recovered := fn + ".recovered"
	w, err := os.Create(recovered)
	if err != nil {
		return err
	}
	defer w.Close()
	rsw, err := os.Create(recovered + storage.ParitySuffix)
	if err != nil {
		return err
	}
	defer rsw.Close()

	if err := rdso.Restore(f, rs, fi.Size(), w, rsw, log); err != nil {
		return err
	}
	log.Verbose("%s: wrote recovered file", recovered)
	if err := w.Close(); err != nil {
		return err
	}
	return rsw.Close()
}
