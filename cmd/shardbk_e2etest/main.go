// cmd/shardbk_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// shardbk_e2etest repeatedly modifies and commits a few shard
// directories, backs them up with the shardbk binary (randomly killing
// it partway through), restores them, and checks that the restored files
// match the committed ones.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const E2EDir = "/tmp/shardbk_e2e"

var shardNames = []string{"shard1", "shard2", "shard3"}

func main() {
	seed := os.Getpid()
	log.Printf("Seed %d", seed)
	rand.Seed(int64(seed))

	_ = os.RemoveAll(E2EDir)
	if err := os.Mkdir(E2EDir, 0700); err != nil {
		log.Fatal(err)
	}
	config := filepath.Join(E2EDir, "shardbk.yaml")
	cfg := fmt.Sprintf("location: coll\ndisk:\n  dir: %s\n", filepath.Join(E2EDir, "repo"))
	if randBool() {
		cfg += "parity:\n  enabled: false\n"
	}
	if err := os.WriteFile(config, []byte(cfg), 0600); err != nil {
		log.Fatal(err)
	}
	os.Setenv("SHARDBK_CONFIG", config)

	backupTest(randBool(), 20)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}

	killed := make(chan bool, 1)
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(12))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Printf("Will try to kill process in %s", wait)

		t := time.AfterFunc(wait, func() {
			if err := cmd.Process.Kill(); err != nil {
				log.Printf("Kill error! %v", err)
			} else {
				log.Printf("Killed process sucessfully")
				killed <- true
			}
		})
		defer t.Stop()
	}

	err := cmd.Wait()
	if err != nil {
		log.Printf("Wait result %v", err)
	}
	select {
	case <-killed:
		return nil, errKilled
	default:
		return out.Bytes(), err
	}
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var fileCounter = 0

func backupTest(randomlyKill bool, iters int) {
	var srcDirs []string
	for _, s := range shardNames {
		dir, err := os.MkdirTemp("", "shardbk-test-"+s)
		if err != nil {
			log.Fatalf("%s", err)
		}
		log.Printf("%s: local directory %s", s, dir)
		defer os.RemoveAll(dir)
		srcDirs = append(srcDirs, dir)
	}

	tmpDst, err := os.MkdirTemp("", "shardbk-test-dst")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local dst directory: %s", tmpDst)
	defer os.RemoveAll(tmpDst)

	for i := 0; i < iters; i++ {
		var shardArgs []string
		for j, dir := range srcDirs {
			if err := update(dir); err != nil {
				log.Fatalf("%s\n", err)
			}
			if _, err := runCommand("shardbk commit " + dir); err != nil {
				log.Fatalf("%s: commit: %s\n", dir, err)
			}
			shardArgs = append(shardArgs, shardNames[j]+"="+dir)
		}

		if err := backup(shardArgs, randomlyKill); err != nil {
			log.Fatalf("%s\n", err)
		}

		for j, dir := range srcDirs {
			// Restore to a fresh directory each time and compare with
			// the files of the latest commit.
			dst := filepath.Join(tmpDst, fmt.Sprintf("%s-%d", shardNames[j], i))
			if err := restore(shardNames[j], dst); err != nil {
				log.Fatalf("%s\n", err)
			}
			if err := compare(dir, dst); err != nil {
				log.Fatalf("%s", err)
			}
		}
	}

	if _, err := runCommand("shardbk fsck --deep"); err != nil {
		log.Fatalf("fsck: %s", err)
	}
}

// update adds a few new segment files to the directory and removes a
// few existing ones; existing files are never modified.
func update(dir string) error {
	log.Printf("Updating %s", dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "segments_") {
			continue
		}
		if rand.Intn(4) == 0 {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				return err
			}
			log.Printf("%s: removed", path)
		}
	}

	for n := rand.Intn(5); n >= 0; n-- {
		fileCounter++
		ext := []string{".cfs", ".si", ".doc", ".tim", ".pos"}[rand.Intn(5)]
		path := filepath.Join(dir, fmt.Sprintf("_%d%s", fileCounter, ext))
		buf := make([]byte, expSize())
		_, _ = rand.Read(buf)
		if err := os.WriteFile(path, buf, 0644); err != nil {
			return err
		}
		log.Printf("%s: created file. length %d", path, len(buf))
	}
	return nil
}

func backup(shardArgs []string, randomlyKill bool) error {
	log.Printf("Starting backup")
	for {
		cmd := "shardbk backup --parallel 2 " + strings.Join(shardArgs, " ")
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill(cmd)
		} else {
			_, err = runCommand(cmd)
		}

		if err != errKilled {
			return err
		}
	}
}

func restore(shard, dir string) error {
	log.Printf("Starting restore")
	_, err := runCommand("shardbk restore --shard " + shard + " " + dir)
	return err
}

// committedFiles returns the files listed in the latest segments file in
// dir, along with the segments file itself.
func committedFiles(dir string) ([]string, error) {
	segs, err := filepath.Glob(filepath.Join(dir, "segments_*"))
	if err != nil {
		return nil, err
	} else if len(segs) == 0 {
		return nil, fmt.Errorf("%s: no commits", dir)
	}
	latest := segs[0]
	for _, s := range segs[1:] {
		var a, b int
		fmt.Sscanf(filepath.Base(latest), "segments_%d", &a)
		fmt.Sscanf(filepath.Base(s), "segments_%d", &b)
		if b > a {
			latest = s
		}
	}

	contents, err := os.ReadFile(latest)
	if err != nil {
		return nil, err
	}
	files := append(strings.Fields(string(contents)), filepath.Base(latest))
	sort.Strings(files)
	return files, nil
}

func compare(src, dst string) error {
	want, err := committedFiles(src)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dst)
	if err != nil {
		return err
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	if strings.Join(want, " ") != strings.Join(got, " ") {
		return fmt.Errorf("%s: restored files %v, expected %v", dst, got, want)
	}

	mismatches := 0
	for _, name := range want {
		pa, pb := filepath.Join(src, name), filepath.Join(dst, name)
		a, err := os.ReadFile(pa)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(pb)
		if err != nil {
			return err
		}
		if !bytes.Equal(a, b) {
			log.Printf("%s and %s differ", pa, pb)
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
