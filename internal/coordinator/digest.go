package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/bamsammich/blockbeam/internal/extent"
	"github.com/bamsammich/blockbeam/internal/remote"
	"github.com/bamsammich/blockbeam/internal/validate"
)

// remoteDigestSource computes window digests on the destination host by
// running the digest subcommand there, so validation moves digests over
// the wire instead of the sampled bytes themselves.
type remoteDigestSource struct {
	runner remote.Runner
	binary string
	id     string
}

func (r *remoteDigestSource) WindowDigest(ctx context.Context, w validate.Window) (string, error) {
	cmd := fmt.Sprintf("%s digest --source %s --offset %d --length %d",
		r.binary, extent.Quote(r.id), w.Offset, w.Length)

	out, exit, err := r.runner.Execute(ctx, cmd)
	if err != nil {
		return "", &TransportError{Op: "remote digest", Err: err}
	}
	if exit != 0 {
		return "", fmt.Errorf("remote digest exited %d: %s", exit, strings.TrimSpace(out))
	}

	digest := strings.TrimSpace(out)
	if len(digest) != 64 {
		return "", fmt.Errorf("malformed remote digest %q", digest)
	}
	return digest, nil
}
