package coordinator

import (
	"errors"
	"fmt"
)

// ErrMisalignedOffset is the sentinel for offset alignment failures.
var ErrMisalignedOffset = errors.New("misaligned resume offset")

// MisalignedOffsetError reports a resume offset that is not a whole number
// of blocks. Rounding would skip or duplicate bytes, so the coordinator
// fails fast instead.
type MisalignedOffsetError struct {
	Offset    uint64
	BlockSize uint64
}

func (e *MisalignedOffsetError) Error() string {
	return fmt.Sprintf("resume offset %d is not a multiple of block size %d", e.Offset, e.BlockSize)
}

func (e *MisalignedOffsetError) Unwrap() error { return ErrMisalignedOffset }

// ResumeMismatchError reports a checkpoint whose recorded total disagrees
// with the measured source extent.
type ResumeMismatchError struct {
	CheckpointTotal uint64
	SourceTotal     uint64
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("checkpoint recorded %d total bytes but source is %d", e.CheckpointTotal, e.SourceTotal)
}

// TransportError is fatal to the current attempt; the checkpoint is
// preserved so a later attempt can resume.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DependencyError means a required tool is missing on a host. Surfaced
// before anything destructive happens.
type DependencyError struct {
	Binary string
	Host   string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s not found on %s", e.Binary, e.Host)
}
