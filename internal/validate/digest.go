package validate

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/blockbeam/internal/extent"
)

// DigestReader computes the hex BLAKE3 digest of exactly n bytes from r.
func DigestReader(r io.Reader, n uint64) (string, error) {
	h := blake3.New()
	copied, err := io.CopyN(h, r, int64(n))
	if err != nil {
		return "", fmt.Errorf("digest after %d of %d bytes: %w", copied, n, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LocalDigestSource digests windows of a local extent.
type LocalDigestSource struct {
	ID string
}

func (l LocalDigestSource) WindowDigest(ctx context.Context, w Window) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r, err := extent.OpenRead(l.ID, w.Offset)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return DigestReader(r, w.Length)
}
