// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader and io.Writer

// Bandwidth limits the rate at which data is uploaded to and downloaded
// from remote storage. A nil *Bandwidth, or a zero limit, means unlimited.
type Bandwidth struct {
	up, down *rate.Limiter
}

func NewBandwidth(uploadBytesPerSecond, downloadBytesPerSecond int) *Bandwidth {
	return &Bandwidth{
		up:   newLimiter(uploadBytesPerSecond),
		down: newLimiter(downloadBytesPerSecond),
	}
}

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	// The 94/100 factor adds some slop to account for TCP/IP overhead and
	// HTTP headers in an effort to have the actual bandwidth used not
	// exceed the desired limit. Bursts are 1/8th of a second's worth.
	limit := bytesPerSecond * 94 / 100
	burst := limit / 8
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

func (bw *Bandwidth) UploadReader(ctx context.Context, r io.Reader) io.Reader {
	if bw == nil || bw.up == nil {
		return r
	}
	return rateLimitedReader{ctx: ctx, R: r, limiter: bw.up}
}

// UploadWriter returns an io.Writer that passes writes along to w no
// faster than the upload limit allows.
func (bw *Bandwidth) UploadWriter(ctx context.Context, w io.Writer) io.Writer {
	if bw == nil || bw.up == nil {
		return w
	}
	return rateLimitedWriter{ctx: ctx, W: w, limiter: bw.up}
}

func (bw *Bandwidth) DownloadReader(ctx context.Context, r io.Reader) io.Reader {
	if bw == nil || bw.down == nil {
		return r
	}
	return rateLimitedReader{ctx: ctx, R: r, limiter: bw.down}
}

// rateLimitedReader is an io.Reader implementation that returns no more
// bytes than its limiter currently allows. As long as the upload and
// download paths wrap the underlying io.Readers for local files and
// downloads (respectively), we stay under the bandwidth per second limit.
type rateLimitedReader struct {
	ctx     context.Context
	R       io.Reader
	limiter *rate.Limiter
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	// Never ask for more than a single burst; WaitN fails otherwise.
	if n := lr.limiter.Burst(); len(dst) > n {
		dst = dst[:n]
	}

	read, err := lr.R.Read(dst)
	if read > 0 {
		if werr := lr.limiter.WaitN(lr.ctx, read); werr != nil {
			return read, werr
		}
	}
	return read, err
}

// rateLimitedWriter is the io.Writer counterpart of rateLimitedReader;
// writes are split into pieces of at most a burst's worth of bytes.
type rateLimitedWriter struct {
	ctx     context.Context
	W       io.Writer
	limiter *rate.Limiter
}

func (lw rateLimitedWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := len(b)
		if burst := lw.limiter.Burst(); n > burst {
			n = burst
		}
		if err := lw.limiter.WaitN(lw.ctx, n); err != nil {
			return written, err
		}
		nw, err := lw.W.Write(b[:n])
		written += nw
		if err != nil {
			return written, err
		}
		b = b[n:]
	}
	return written, nil
}
