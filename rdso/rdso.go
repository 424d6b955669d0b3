// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to streams of bytes, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded data and to recover corrupt data.
//
// The data is processed in segments of NDataShards*HashRate bytes (the
// last one zero-padded). Each segment is split into NDataShards shards of
// HashRate bytes, NParityShards parity shards are computed for it, and a
// hash of every shard is recorded. The .rs stream is a gob-encoded
// rsFileHeader followed by one rsFileSegment per segment; it holds
// everything but the data itself.

package rdso

import (
	"encoding/gob"
	"errors"
	"io"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/shardbk/util"
	"golang.org/x/crypto/sha3"
)

var ErrFileCorrupt = errors.New("file corrupt")

// hashSize is the number of bytes in the hash values used to detect
// corrupt shards.
const hashSize = 64

type hash [hashSize]byte

// hashBytes computes the SHAKE256 hash of the given byte slice.
func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	// Size of the original data
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	Hashes       []hash // First the data hashes, then the parity hashes.
	ParityShards [][]byte
}

// Encode reads size bytes from r and writes the corresponding
// Reed-Solomon parity information to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards,
	hashRate int) error {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return errors.New("invalid Reed-Solomon parameters")
	}
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	genc := gob.NewEncoder(w)
	if err := genc.Encode(h); err != nil {
		return err
	}

	for remaining := size; remaining > 0; remaining -= h.segmentSize() {
		shards, err := readSegment(r, h)
		if err != nil {
			return err
		}
		for i := 0; i < nParityShards; i++ {
			shards = append(shards, make([]byte, hashRate))
		}
		if err := enc.Encode(shards); err != nil {
			return err
		}

		if err := genc.Encode(rsFileSegment{
			Hashes:       hashShards(shards),
			ParityShards: shards[nDataShards:],
		}); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies the data provided by data against the parity information
// in rs. Any mismatches are reported via log (if non-nil) and cause
// ErrFileCorrupt to be returned.
func Check(data io.Reader, rs io.Reader, log *u.Logger) error {
	corrupt := 0
	seg := 0
	err := forEachSegment(data, rs, log,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			for _, s := range badShards(h, hashes, shards) {
				corrupt++
				if log == nil {
					continue
				}
				if s < h.NDataShards {
					log.Error("segment %d: data shard %d hash mismatch", seg, s)
				} else {
					log.Error("segment %d: parity shard %d hash mismatch", seg,
						s-h.NDataShards)
				}
			}
			seg++
			return nil
		})
	if err != nil {
		return err
	}
	if corrupt > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs corrupt shards of the data and of the parity
// information, writing size bytes of repaired data to w and a repaired
// parity stream to rsw.
func Restore(data io.Reader, rs io.Reader, size int64, w io.Writer,
	rsw io.Writer, log *u.Logger) error {
	var enc reedsolomon.Encoder
	var genc *gob.Encoder
	remaining := size
	seg := 0

	return forEachSegment(data, rs, log,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if enc == nil {
				var err error
				if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
					return err
				}
				genc = gob.NewEncoder(rsw)
				if err := genc.Encode(h); err != nil {
					return err
				}
			}

			bad := badShards(h, hashes, shards)
			if len(bad) > 0 {
				if log != nil {
					log.Warning("segment %d: reconstructing %d shards", seg, len(bad))
				}
				for _, s := range bad {
					shards[s] = nil
				}
				if err := enc.Reconstruct(shards); err != nil {
					return err
				}
			}
			seg++

			for _, s := range shards[:h.NDataShards] {
				if remaining <= 0 {
					break
				}
				if int64(len(s)) > remaining {
					s = s[:remaining]
				}
				n, err := w.Write(s)
				if err != nil {
					return err
				}
				remaining -= int64(n)
			}

			return genc.Encode(rsFileSegment{
				Hashes:       hashShards(shards),
				ParityShards: shards[h.NDataShards:],
			})
		})
}

// forEachSegment decodes the parity stream rs, pairs each of its segments
// with the corresponding segment of data, and calls f with the header,
// the stored hashes, and all of the segment's shards (data, then parity).
func forEachSegment(data io.Reader, rs io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return err
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 {
		return errors.New("invalid Reed-Solomon header")
	}

	for remaining := h.FileSize; remaining > 0; remaining -= h.segmentSize() {
		var s rsFileSegment
		if err := dec.Decode(&s); err != nil {
			return err
		}
		if len(s.Hashes) != h.NDataShards+h.NParityShards ||
			len(s.ParityShards) != h.NParityShards {
			if log != nil {
				log.Error("malformed segment in parity data")
			}
			return ErrFileCorrupt
		}

		shards, err := readSegment(data, h)
		if err != nil {
			return err
		}
		shards = append(shards, s.ParityShards...)
		if err := f(h, s.Hashes, shards); err != nil {
			return err
		}
	}
	return nil
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

// readSegment reads the next segment's worth of data and returns it split
// into shards, zero-padding the end of the last segment.
func readSegment(r io.Reader, h rsFileHeader) ([][]byte, error) {
	buf := make([]byte, h.segmentSize())
	_, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}

	var shards [][]byte
	for i := 0; i < h.NDataShards; i++ {
		shards = append(shards, buf[i*h.HashRate:(i+1)*h.HashRate])
	}
	return shards, nil
}

func hashShards(shards [][]byte) (hashes []hash) {
	for _, s := range shards {
		hashes = append(hashes, hashBytes(s))
	}
	return
}

// badShards returns the indices of the shards whose contents don't match
// their stored hashes.
func badShards(h rsFileHeader, hashes []hash, shards [][]byte) (bad []int) {
	for i, s := range shards {
		if len(s) != h.HashRate || hashBytes(s) != hashes[i] {
			bad = append(bad, i)
		}
	}
	return
}
