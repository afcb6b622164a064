package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// writeStack is a writer chain plus the closers that flush it. Close runs
// innermost-first so each stage can finalize into the one beneath it.
type writeStack struct {
	io.Writer
	closers []io.Closer
}

func (ws *writeStack) Close() error {
	var firstErr error
	for i := len(ws.closers) - 1; i >= 0; i-- {
		if err := ws.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SenderWriter composes the sender stages over dst (the transport
// connection). Raw extent bytes written to the returned writer come out the
// far end of dst compressed, then encrypted, then throttled, matching the
// stage order. Close flushes every stage; it does not close dst.
func SenderWriter(ctx context.Context, dst io.Writer, stages []Stage) (io.WriteCloser, error) {
	ws := &writeStack{Writer: dst}

	// Walk outermost-first: the stage nearest the wire wraps dst directly.
	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		switch st.Kind {
		case Raw:
			// Identity.
		case RateLimit:
			ws.Writer = &limitedWriter{
				w:       ws.Writer,
				limiter: newBWLimiter(st.BytesPerSec),
				ctx:     ctx,
			}
		case Encrypt:
			sw, err := newSealWriter(ws.Writer, st.Key)
			if err != nil {
				return nil, err
			}
			ws.Writer = sw
			ws.closers = append(ws.closers, sw)
		case Compress:
			zw, err := zstd.NewWriter(ws.Writer,
				zstd.WithEncoderLevel(zstd.SpeedFastest),
				zstd.WithEncoderConcurrency(1),
			)
			if err != nil {
				return nil, fmt.Errorf("zstd encoder: %w", err)
			}
			ws.Writer = zw
			ws.closers = append(ws.closers, zw)
		default:
			return nil, fmt.Errorf("stage %s is not a sender stage", st.Kind)
		}
	}

	return ws, nil
}

type readStack struct {
	io.Reader
	decoder *zstd.Decoder
}

func (rs *readStack) Close() error {
	if rs.decoder != nil {
		rs.decoder.Close()
	}
	return nil
}

// ReceiverReader composes the receiver stages over src. Stages apply in
// list order: decrypt first, then decompress, the exact mirror of the
// sender. A mis-ordered list is a build bug and fails here.
func ReceiverReader(src io.Reader, stages []Stage) (io.ReadCloser, error) {
	rs := &readStack{Reader: src}

	for _, st := range stages {
		switch st.Kind {
		case Raw:
			// Identity.
		case Decrypt:
			or, err := newOpenReader(rs.Reader, st.Key)
			if err != nil {
				return nil, err
			}
			rs.Reader = or
		case Decompress:
			zr, err := zstd.NewReader(rs.Reader)
			if err != nil {
				return nil, fmt.Errorf("zstd decoder: %w", err)
			}
			rs.Reader = zr.IOReadCloser()
			rs.decoder = zr
		default:
			return nil, fmt.Errorf("stage %s is not a receiver stage", st.Kind)
		}
	}

	return rs, nil
}
