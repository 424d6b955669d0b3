// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/reedsolomon"
)

// recordPayload returns something that looks like a shard backup record
// with the given number of entries.
func recordPayload(entries int) []byte {
	var b bytes.Buffer
	b.WriteString(`{"files":[`)
	for i := 0; i < entries; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"storedName":"%08x-1111-4111-8111-%012x","originalFilename":"_%d.cfs",`+
			`"checksum":{"digest":"%064x","size":%d}}`, i, i*7, i, i*31, 1000+i*13)
	}
	b.WriteString(`]}`)
	return b.Bytes()
}

func encode(t *testing.T, data []byte, nData, nParity, rate int) []byte {
	t.Helper()
	var rs bytes.Buffer
	if err := Encode(bytes.NewReader(data), int64(len(data)), &rs, nData, nParity, rate); err != nil {
		t.Fatal(err)
	}
	return rs.Bytes()
}

// decodeRS splits an encoded parity stream into its header and segments.
func decodeRS(t *testing.T, rs []byte) (rsFileHeader, []rsFileSegment) {
	t.Helper()
	dec := gob.NewDecoder(bytes.NewReader(rs))
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		t.Fatal(err)
	}
	var segs []rsFileSegment
	for {
		var s rsFileSegment
		if err := dec.Decode(&s); err == io.EOF {
			return h, segs
		} else if err != nil {
			t.Fatal(err)
		}
		segs = append(segs, s)
	}
}

func encodeRS(t *testing.T, h rsFileHeader, segs []rsFileSegment) []byte {
	t.Helper()
	var b bytes.Buffer
	enc := gob.NewEncoder(&b)
	if err := enc.Encode(h); err != nil {
		t.Fatal(err)
	}
	for _, s := range segs {
		if err := enc.Encode(s); err != nil {
			t.Fatal(err)
		}
	}
	return b.Bytes()
}

func restore(data, rs []byte) ([]byte, []byte, error) {
	var w, rsw bytes.Buffer
	err := Restore(bytes.NewReader(data), bytes.NewReader(rs), int64(len(data)), &w, &rsw, nil)
	return w.Bytes(), rsw.Bytes(), err
}

func TestRecordParity(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	for _, c := range []struct {
		entries              int
		nData, nParity, rate int
	}{
		{1, 17, 3, 4096},
		{40, 17, 3, 4096},
		{900, 17, 3, 4096}, // several segments
		{25, 4, 2, 64},
		{3, 4, 2, 64},
		{60, 1, 1, 128},
	} {
		name := fmt.Sprintf("%d entries, %d/%d/%d", c.entries, c.nData, c.nParity, c.rate)
		data := recordPayload(c.entries)
		rs := encode(t, data, c.nData, c.nParity, c.rate)
		if err := Check(bytes.NewReader(data), bytes.NewReader(rs), nil); err != nil {
			t.Errorf("%s: check of pristine data: %v", name, err)
			continue
		}

		// Damage as many shards as the parity can cover in each segment,
		// splitting the damage between the data and the parity shards.
		h, segs := decodeRS(t, rs)
		bad := append([]byte(nil), data...)
		segSize := c.nData * c.rate
		for si := range segs {
			nDataBad := r.Intn(c.nParity + 1)
			for _, sh := range r.Perm(c.nData)[:nDataBad] {
				off := si*segSize + sh*c.rate + r.Intn(c.rate)
				if off < len(bad) {
					bad[off] ^= byte(1 + r.Intn(255))
				}
			}
			for _, p := range r.Perm(c.nParity)[:c.nParity-nDataBad] {
				segs[si].ParityShards[p][r.Intn(c.rate)] ^= 0x5a
			}
		}
		badRS := encodeRS(t, h, segs)

		if !bytes.Equal(bad, data) || !bytes.Equal(badRS, rs) {
			if err := Check(bytes.NewReader(bad), bytes.NewReader(badRS), nil); err != ErrFileCorrupt {
				t.Errorf("%s: got %v from check of damaged data, expected ErrFileCorrupt", name, err)
			}
		}

		got, gotRS, err := restore(bad, badRS)
		if err != nil {
			t.Errorf("%s: restore: %v", name, err)
			continue
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: restored data doesn't match the original", name)
		}
		if !bytes.Equal(gotRS, rs) {
			t.Errorf("%s: restored parity doesn't match the original", name)
		}
		if err := Check(bytes.NewReader(got), bytes.NewReader(gotRS), nil); err != nil {
			t.Errorf("%s: check after restore: %v", name, err)
		}
	}
}

func TestTooMuchDamage(t *testing.T) {
	data := recordPayload(30)
	rs := encode(t, data, 4, 2, 64)

	// Three of the four data shards of the first segment.
	bad := append([]byte(nil), data...)
	for _, sh := range []int{0, 1, 3} {
		bad[sh*64+5] ^= 0xff
	}
	if err := Check(bytes.NewReader(bad), bytes.NewReader(rs), nil); err != ErrFileCorrupt {
		t.Errorf("got %v, expected ErrFileCorrupt", err)
	}
	if _, _, err := restore(bad, rs); err != reedsolomon.ErrTooFewShards {
		t.Errorf("got %v, expected ErrTooFewShards", err)
	}
}

func TestMalformedParity(t *testing.T) {
	data := recordPayload(10)
	rs := encode(t, data, 4, 2, 64)

	h, segs := decodeRS(t, rs)
	segs[0].ParityShards = segs[0].ParityShards[:1]
	if err := Check(bytes.NewReader(data), bytes.NewReader(encodeRS(t, h, segs)), nil); err != ErrFileCorrupt {
		t.Errorf("short segment: got %v, expected ErrFileCorrupt", err)
	}

	// Missing segments.
	if err := Check(bytes.NewReader(data), bytes.NewReader(encodeRS(t, h, nil)), nil); err == nil {
		t.Errorf("expected error with truncated parity")
	}

	h.NDataShards = 0
	if err := Check(bytes.NewReader(data), bytes.NewReader(encodeRS(t, h, segs)), nil); err == nil {
		t.Errorf("expected error with invalid header")
	}
}

func TestEncodeEmptyAndInvalid(t *testing.T) {
	rs := encode(t, nil, 17, 3, 4096)
	if h, segs := decodeRS(t, rs); h.FileSize != 0 || len(segs) != 0 {
		t.Errorf("empty input: got header %+v and %d segments", h, len(segs))
	}
	if err := Check(bytes.NewReader(nil), bytes.NewReader(rs), nil); err != nil {
		t.Errorf("empty input: %v", err)
	}

	var b bytes.Buffer
	for _, p := range [][3]int{{0, 2, 16}, {4, 0, 16}, {4, 2, 0}} {
		if err := Encode(bytes.NewReader(nil), 0, &b, p[0], p[1], p[2]); err == nil {
			t.Errorf("%v: expected error for invalid parameters", p)
		}
	}
}
