// Package checkpoint persists the single resume record for a transfer so an
// interrupted attempt can restart from the last durably observed byte
// offset instead of byte zero.
package checkpoint

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound means no checkpoint exists for the transfer.
	ErrNotFound = errors.New("no checkpoint found")

	// ErrStateMismatch means the stored record belongs to a different
	// (source, dest, host) triple than the one requested. Resuming the
	// wrong disk pair must fail, never return a record.
	ErrStateMismatch = errors.New("checkpoint state mismatch")

	// ErrLocked means another process holds the transfer guard for this
	// triple.
	ErrLocked = errors.New("transfer already in progress for this source/dest/host")
)

// Record is the persisted checkpoint. ByteOffset counts bytes durably
// consumed from the source; it never exceeds TotalBytes and is kept
// block-aligned by the writer.
type Record struct {
	SourceID   string
	DestID     string
	Host       string
	ByteOffset uint64
	TotalBytes uint64
	SavedAt    int64
}

// Store is a single-slot checkpoint store backed by SQLite. Each Save
// replaces the one record atomically; there is no log.
type Store struct {
	db     *sql.DB
	path   string
	lockFd int
}

// Open opens (or creates) the checkpoint store for a transfer triple. The
// DB lives at $XDG_RUNTIME_DIR/blockbeam/<job-id>.db with a /tmp fallback.
func Open(sourceID, destID, host string) (*Store, error) {
	dbPath := storePath(jobID(sourceID, destID, host))

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	s := &Store{db: db, path: dbPath, lockFd: -1}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint (
			slot        INTEGER PRIMARY KEY CHECK (slot = 1),
			source_id   TEXT    NOT NULL,
			dest_id     TEXT    NOT NULL,
			host        TEXT    NOT NULL,
			byte_offset INTEGER NOT NULL,
			total_bytes INTEGER NOT NULL,
			saved_at    INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Acquire takes an exclusive advisory lock for the triple, guarding against
// two coordinators driving the same transfer. Released by Close.
func (s *Store) Acquire() error {
	fd, err := unix.Open(s.path+".lock", unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	s.lockFd = fd
	return nil
}

// Save atomically replaces the checkpoint record. The single-row REPLACE
// commits as one transaction, so a crash mid-save leaves either the old or
// the new record, never a torn one.
func (s *Store) Save(rec Record) error {
	if rec.ByteOffset > rec.TotalBytes {
		return fmt.Errorf("checkpoint offset %d exceeds total %d", rec.ByteOffset, rec.TotalBytes)
	}
	if rec.SavedAt == 0 {
		rec.SavedAt = time.Now().Unix()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO checkpoint
			(slot, source_id, dest_id, host, byte_offset, total_bytes, saved_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)`,
		rec.SourceID, rec.DestID, rec.Host,
		int64(rec.ByteOffset), int64(rec.TotalBytes), rec.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the stored record after validating that its triple matches
// the requested one. A mismatch is ErrStateMismatch; an empty slot is
// ErrNotFound.
func (s *Store) Load(sourceID, destID, host string) (Record, error) {
	var rec Record
	var off, total int64
	err := s.db.QueryRow(`
		SELECT source_id, dest_id, host, byte_offset, total_bytes, saved_at
		FROM checkpoint WHERE slot = 1`,
	).Scan(&rec.SourceID, &rec.DestID, &rec.Host, &off, &total, &rec.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load checkpoint: %w", err)
	}
	rec.ByteOffset = uint64(off)
	rec.TotalBytes = uint64(total)

	if rec.SourceID != sourceID || rec.DestID != destID || rec.Host != host {
		return Record{}, fmt.Errorf(
			"%w: stored %s->%s@%s, requested %s->%s@%s",
			ErrStateMismatch,
			rec.SourceID, rec.DestID, rec.Host,
			sourceID, destID, host,
		)
	}
	return rec, nil
}

// Clear deletes the checkpoint record. Called once the transfer completes;
// a later Load reports ErrNotFound.
func (s *Store) Clear() error {
	if _, err := s.db.Exec("DELETE FROM checkpoint WHERE slot = 1"); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// Close releases the advisory lock and the database handle.
func (s *Store) Close() error {
	if s.lockFd >= 0 {
		unix.Flock(s.lockFd, unix.LOCK_UN)
		unix.Close(s.lockFd)
		s.lockFd = -1
	}
	return s.db.Close()
}

// Remove deletes the on-disk store.
func (s *Store) Remove() error {
	os.Remove(s.path + ".lock")
	return os.Remove(s.path)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// jobID derives a deterministic id from the transfer triple.
func jobID(sourceID, destID, host string) string {
	h := blake3.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(destID))
	h.Write([]byte{0})
	h.Write([]byte(host))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

func storePath(jobID string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "blockbeam", jobID+".db")
	}
	return filepath.Join(os.TempDir(), "blockbeam-"+jobID+".db")
}
