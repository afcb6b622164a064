package extent

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// deviceSize returns the byte length of a block device via BLKGETSIZE64.
func deviceSize(id string) (uint64, error) {
	f, err := os.Open(id)
	if err != nil {
		return 0, fmt.Errorf("open device %s: %w", id, err)
	}
	defer f.Close()

	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, fmt.Errorf("BLKGETSIZE64 %s: %w", id, err)
	}
	return uint64(size), nil
}
