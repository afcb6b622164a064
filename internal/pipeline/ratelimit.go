package pipeline

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// newBWLimiter creates a rate.Limiter capping throughput at bytesPerSec.
// The burst is capped at 1 MB so natural write sizes pass without stalling.
func newBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// limitedWriter throttles writes through a shared limiter. Writes larger
// than the burst are split so WaitN never exceeds it.
type limitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if burst := lw.limiter.Burst(); len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err := lw.limiter.WaitN(lw.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := lw.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
