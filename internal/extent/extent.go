// Package extent provides positioned, non-truncating access to fixed-size
// byte ranges: block devices or regular files addressed by path.
package extent

import (
	"fmt"
	"io"
	"os"
)

// Extent is a fixed-size byte range on a host, identified by its device or
// file path. Immutable once measured.
type Extent struct {
	ID         string
	ByteLength uint64
}

// Describe measures the extent at id on the local host.
func Describe(id string) (Extent, error) {
	size, err := Size(id)
	if err != nil {
		return Extent{}, err
	}
	return Extent{ID: id, ByteLength: size}, nil
}

// Size returns the byte length of the extent at id. Block devices are sized
// with the BLKGETSIZE64 ioctl; regular files fall back to stat.
func Size(id string) (uint64, error) {
	info, err := os.Stat(id)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", id, err)
	}

	if info.Mode()&os.ModeDevice != 0 {
		return deviceSize(id)
	}

	size := info.Size()
	if size < 0 {
		return 0, fmt.Errorf("negative size for %s", id)
	}
	return uint64(size), nil
}

// OpenRead opens the extent for reading positioned at offset bytes.
func OpenRead(id string, offset uint64) (io.ReadCloser, error) {
	f, err := os.Open(id)
	if err != nil {
		return nil, fmt.Errorf("open %s for read: %w", id, err)
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s to %d: %w", id, offset, err)
	}
	return f, nil
}

// WriteFile is a positioned, syncable write handle on an extent.
type WriteFile interface {
	io.WriteCloser
	Sync() error
}

// OpenWrite opens the extent for writing positioned at offset bytes. The
// open never truncates: bytes before offset are preserved, which is what
// makes resumed transfers byte-exact. A missing regular file is created.
func OpenWrite(id string, offset uint64) (WriteFile, error) {
	f, err := os.OpenFile(id, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s for write: %w", id, err)
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s to %d: %w", id, offset, err)
	}
	return f, nil
}
