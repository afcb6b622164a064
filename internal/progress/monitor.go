package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/bamsammich/blockbeam/internal/checkpoint"
)

// DefaultInterval is the checkpoint sampling period.
const DefaultInterval = 30 * time.Second

// Observer reports the sender's consumed byte count. The bool result is
// false when no observation is possible this tick.
type Observer interface {
	Consumed() (uint64, bool)
}

// Monitor periodically samples an Observer and persists a checkpoint. Ticks
// that cannot observe are skipped: a monitor that cannot see progress must
// never replace a good checkpoint with a worse one. Saved offsets are
// aligned down to BlockSize so every checkpoint is a valid resume point;
// the partial block is re-sent on resume rather than skipped.
type Monitor struct {
	Store     *checkpoint.Store
	Base      checkpoint.Record // offsets are Base.ByteOffset + observed count
	BlockSize uint64
	Observer  Observer
	Interval  time.Duration
	Log       *slog.Logger

	now func() time.Time
}

// Run samples until ctx is cancelled. The coordinator cancels it as soon as
// the sender terminates, so no checkpoint is written after the record may
// have been cleared.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := m.Log
	if log == nil {
		log = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(log)
		}
	}
}

func (m *Monitor) tick(log *slog.Logger) {
	consumed, ok := m.Observer.Consumed()
	if !ok {
		return
	}

	rec := m.Base
	rec.ByteOffset = m.Base.ByteOffset + consumed
	if rec.ByteOffset > rec.TotalBytes {
		rec.ByteOffset = rec.TotalBytes
	}
	if m.BlockSize > 0 {
		rec.ByteOffset -= rec.ByteOffset % m.BlockSize
	}
	rec.SavedAt = m.timeNow().Unix()

	if err := m.Store.Save(rec); err != nil {
		log.Warn("checkpoint save failed", "offset", rec.ByteOffset, "error", err)
		return
	}
	log.Debug("checkpoint saved", "offset", rec.ByteOffset, "total", rec.TotalBytes)
}

func (m *Monitor) timeNow() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}
