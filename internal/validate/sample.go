package validate

import (
	"context"
	"fmt"
	"strings"
)

// Position names one sampled validation window.
type Position int

const (
	Start Position = iota + 1
	Middle
	End
)

var positionNames = [...]string{
	Start:  "start",
	Middle: "middle",
	End:    "end",
}

func (p Position) String() string {
	if p > 0 && int(p) < len(positionNames) {
		return positionNames[p]
	}
	return "unknown"
}

// DefaultSampleSize is the length of each validation window.
const DefaultSampleSize = 1 << 30 // 1 GiB

// Window is one sampled byte range.
type Window struct {
	Position Position
	Offset   uint64
	Length   uint64
}

// DigestSource computes the content digest of a window on one side of the
// transfer.
type DigestSource interface {
	WindowDigest(ctx context.Context, w Window) (string, error)
}

// Mismatch records one failing window.
type Mismatch struct {
	Position     Position
	SourceDigest string
	DestDigest   string
}

// ValidationError aggregates every failing window of one pass. All windows
// are checked before this is built, so one invocation surfaces every
// failing section.
type ValidationError struct {
	Mismatches []Mismatch
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = fmt.Sprintf("%s window: source %s != dest %s", m.Position, m.SourceDigest, m.DestDigest)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Windows computes the sampled windows for an extent of totalBytes. Start
// sits at offset 0, Middle at totalBytes/2 aligned down to the sample size,
// End at totalBytes-sampleSize. The sample size is clamped to the extent,
// so an extent no larger than one sample yields a single full-coverage
// window. For small extents windows may overlap; overlapping windows are
// kept (redundant bytes are harmless), only ranges identical to an earlier
// window are dropped.
func Windows(totalBytes, sampleSize uint64) []Window {
	if totalBytes == 0 {
		return nil
	}
	if sampleSize == 0 || sampleSize > totalBytes {
		sampleSize = totalBytes
	}

	candidates := []Window{
		{Position: Start, Offset: 0, Length: sampleSize},
		{Position: Middle, Offset: alignDown(totalBytes/2, sampleSize), Length: sampleSize},
		{Position: End, Offset: totalBytes - sampleSize, Length: sampleSize},
	}

	var windows []Window
	for _, c := range candidates {
		if c.Offset+c.Length > totalBytes {
			c.Length = totalBytes - c.Offset
		}
		if c.Length == 0 || duplicatesAny(windows, c) {
			continue
		}
		windows = append(windows, c)
	}
	return windows
}

func alignDown(n, unit uint64) uint64 {
	if unit == 0 {
		return n
	}
	return n - n%unit
}

func duplicatesAny(windows []Window, c Window) bool {
	for _, w := range windows {
		if w.Offset == c.Offset && w.Length == c.Length {
			return true
		}
	}
	return false
}

// SampleValidate digests every window on both sides and compares. It never
// short-circuits: all windows are checked and every mismatch is reported in
// the aggregate error.
func SampleValidate(ctx context.Context, src, dst DigestSource, totalBytes, sampleSize uint64) error {
	var mismatches []Mismatch

	for _, w := range Windows(totalBytes, sampleSize) {
		srcDigest, err := src.WindowDigest(ctx, w)
		if err != nil {
			return fmt.Errorf("digest source %s window: %w", w.Position, err)
		}
		dstDigest, err := dst.WindowDigest(ctx, w)
		if err != nil {
			return fmt.Errorf("digest dest %s window: %w", w.Position, err)
		}
		if srcDigest != dstDigest {
			mismatches = append(mismatches, Mismatch{
				Position:     w.Position,
				SourceDigest: srcDigest,
				DestDigest:   dstDigest,
			})
		}
	}

	if len(mismatches) > 0 {
		return &ValidationError{Mismatches: mismatches}
	}
	return nil
}
