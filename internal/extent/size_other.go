//go:build !linux

package extent

import (
	"fmt"
	"io"
	"os"
)

// deviceSize falls back to seeking to the end of the device. Linux uses the
// BLKGETSIZE64 ioctl instead; stat size is zero for device nodes.
func deviceSize(id string) (uint64, error) {
	f, err := os.Open(id)
	if err != nil {
		return 0, fmt.Errorf("open device %s: %w", id, err)
	}
	defer f.Close()

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek end of %s: %w", id, err)
	}
	return uint64(end), nil
}
