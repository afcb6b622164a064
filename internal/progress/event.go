// Package progress observes the sender's consumed byte count and feeds the
// checkpoint store on a fixed interval.
package progress

import "time"

// EventType identifies the kind of transfer event.
type EventType int

const (
	TransferStarted EventType = iota + 1
	BytesConsumed
	TransferCompleted
	TransferFailed
)

var eventNames = [...]string{
	TransferStarted:   "TransferStarted",
	BytesConsumed:     "BytesConsumed",
	TransferCompleted: "TransferCompleted",
	TransferFailed:    "TransferFailed",
}

func (t EventType) String() string {
	if t > 0 && int(t) < len(eventNames) {
		return eventNames[t]
	}
	return "Unknown"
}

// Event is a structured progress event emitted by the sender pipeline.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Bytes     uint64 // bytes consumed so far, relative to the resume offset
	Total     uint64
	Err       error
}

// Emit sends e on ch without blocking; a slow or absent consumer drops
// events rather than stalling the data path.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
