package progress

import (
	"io"
	"sync/atomic"
)

// CountingReader wraps the sender's source reader, maintaining an atomic
// count of consumed bytes and emitting structured events. The monitor reads
// the counter in-process instead of probing the sender externally.
type CountingReader struct {
	r      io.Reader
	n      atomic.Uint64
	events chan<- Event
}

// NewCountingReader wraps r. events may be nil.
func NewCountingReader(r io.Reader, events chan<- Event) *CountingReader {
	return &CountingReader{r: r, events: events}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		total := c.n.Add(uint64(n))
		Emit(c.events, Event{Type: BytesConsumed, Bytes: total})
	}
	return n, err
}

// Consumed reports the byte count and that an observation was possible.
func (c *CountingReader) Consumed() (uint64, bool) {
	return c.n.Load(), true
}
