// Package validate gates and checks transfers: the capacity comparison that
// must pass before anything touches the network, and the post-transfer
// sampled digest comparison.
package validate

import (
	"errors"
	"fmt"

	"github.com/bamsammich/blockbeam/internal/extent"
)

// ErrInsufficientCapacity means the destination extent is smaller than the
// source. A configuration error: never retried.
var ErrInsufficientCapacity = errors.New("insufficient destination capacity")

// CapacityError carries both operand values for the report.
type CapacityError struct {
	SourceID    string
	DestID      string
	SourceBytes uint64
	DestBytes   uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("destination %s holds %d bytes, source %s needs %d",
		e.DestID, e.DestBytes, e.SourceID, e.SourceBytes)
}

func (e *CapacityError) Unwrap() error { return ErrInsufficientCapacity }

// CheckCapacity fails iff the destination is smaller than the source. A
// larger destination is fine. Pure; no side effects.
func CheckCapacity(src, dst extent.Extent) error {
	if dst.ByteLength < src.ByteLength {
		return &CapacityError{
			SourceID:    src.ID,
			DestID:      dst.ID,
			SourceBytes: src.ByteLength,
			DestBytes:   dst.ByteLength,
		}
	}
	return nil
}
