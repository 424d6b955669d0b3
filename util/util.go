// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// ReportingReader

// Small wrapper around io.Reader that implements io.ReadCloser.
// Periodically logs how many bytes have been read and the rate of
// processing them in bytes / second.
type ReportingReader struct {
	R                        io.Reader
	Msg                      string
	Log                      *Logger
	start                    time.Time
	reportCounter, readBytes int64
}

const reportFrequency = 128 * 1024 * 1024

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		r.reportCounter = reportFrequency
		r.readBytes = 0
	}

	n, err := r.R.Read(buf)

	r.readBytes += int64(n)
	r.reportCounter -= int64(n)
	if r.reportCounter < 0 {
		r.report("")
		r.reportCounter += reportFrequency
	}

	return n, err
}

func (r *ReportingReader) report(prefix string) {
	delta := time.Since(r.start)
	if delta <= 0 {
		delta = time.Nanosecond
	}
	bytesPerSec := int64(float64(r.readBytes) / delta.Seconds())
	r.Log.Verbose("%s%s %s [%s/s]", prefix, r.Msg, FmtBytes(r.readBytes),
		FmtBytes(bytesPerSec))
}

// BytesRead returns the number of bytes that have passed through the
// reader so far.
func (r *ReportingReader) BytesRead() int64 {
	return r.readBytes
}

func (r *ReportingReader) Close() error {
	r.report("Finished. ")

	if rc, ok := r.R.(io.ReadCloser); ok {
		return rc.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n >= 1024*1024*1024*1024 {
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*
			1024.*1024.))
	} else if n >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*
			1024.))
	} else if n > 1024*1024 {
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	} else if n > 1024 {
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	} else {
		return fmt.Sprintf("%d B", n)
	}
}

// BytesToMB converts a byte count to megabytes (2^20 bytes), rounded
// half-up to three decimal places.
func BytesToMB(n int64) float64 {
	return RoundHalfUp(float64(n)/(1024*1024), 3)
}

// RoundHalfUp rounds v to the given number of decimal places, with ties
// going away from zero. Rounding is done on the shortest decimal
// representation of v rather than its exact binary value, so that
// 1.0005 rounds to 1.001.
func RoundHalfUp(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || places < 0 {
		return v
	}

	s := strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
	dot := strings.IndexByte(s, '.')
	if dot < 0 || len(s)-dot-1 <= places {
		return v
	}

	truncated, err := strconv.ParseFloat(s[:dot+1+places], 64)
	if err != nil {
		return v
	}
	if s[dot+1+places] >= '5' {
		truncated += math.Pow10(-places)
	}
	// Format and parse once more to drop the error introduced by the
	// addition above.
	r, err := strconv.ParseFloat(strconv.FormatFloat(truncated, 'f', places, 64), 64)
	if err != nil {
		return v
	}
	if v < 0 {
		return -r
	}
	return r
}
