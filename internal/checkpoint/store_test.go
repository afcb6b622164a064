package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, src, dst, host string) *Store {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	s, err := Open(src, dst, host)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTest(t, "/dev/sda", "/dev/sdb", "backup01")

	rec := Record{
		SourceID:   "/dev/sda",
		DestID:     "/dev/sdb",
		Host:       "backup01",
		ByteOffset: 4096,
		TotalBytes: 1 << 20,
		SavedAt:    1700000000,
	}
	require.NoError(t, s.Save(rec))

	got, err := s.Load("/dev/sda", "/dev/sdb", "backup01")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestStore_LoadEmpty(t *testing.T) {
	s := openTest(t, "/dev/sda", "/dev/sdb", "backup01")

	_, err := s.Load("/dev/sda", "/dev/sdb", "backup01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_StateMismatch(t *testing.T) {
	s := openTest(t, "/dev/sda", "/dev/sdb", "backup01")

	require.NoError(t, s.Save(Record{
		SourceID: "/dev/sda", DestID: "/dev/sdb", Host: "backup01",
		ByteOffset: 100, TotalBytes: 1000,
	}))

	// Any differing field of the triple must refuse to return the record.
	tests := []struct{ src, dst, host string }{
		{"/dev/sdc", "/dev/sdb", "backup01"},
		{"/dev/sda", "/dev/sdc", "backup01"},
		{"/dev/sda", "/dev/sdb", "backup02"},
	}
	for _, tt := range tests {
		_, err := s.Load(tt.src, tt.dst, tt.host)
		assert.ErrorIs(t, err, ErrStateMismatch, "%s->%s@%s", tt.src, tt.dst, tt.host)
	}
}

func TestStore_SaveOverwritesSlot(t *testing.T) {
	s := openTest(t, "a", "b", "h")

	require.NoError(t, s.Save(Record{SourceID: "a", DestID: "b", Host: "h", ByteOffset: 100, TotalBytes: 1000}))
	require.NoError(t, s.Save(Record{SourceID: "a", DestID: "b", Host: "h", ByteOffset: 500, TotalBytes: 1000}))

	got, err := s.Load("a", "b", "h")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.ByteOffset, "single slot, latest save wins")
}

func TestStore_SaveRejectsOffsetBeyondTotal(t *testing.T) {
	s := openTest(t, "a", "b", "h")

	err := s.Save(Record{SourceID: "a", DestID: "b", Host: "h", ByteOffset: 1001, TotalBytes: 1000})
	require.Error(t, err)
}

func TestStore_ClearThenLoad(t *testing.T) {
	s := openTest(t, "a", "b", "h")

	require.NoError(t, s.Save(Record{SourceID: "a", DestID: "b", Host: "h", ByteOffset: 10, TotalBytes: 20}))
	require.NoError(t, s.Clear())

	_, err := s.Load("a", "b", "h")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AcquireExclusive(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	s1, err := Open("a", "b", "h")
	require.NoError(t, err)
	defer s1.Close()
	require.NoError(t, s1.Acquire())

	s2, err := Open("a", "b", "h")
	require.NoError(t, err)
	defer s2.Close()
	assert.ErrorIs(t, s2.Acquire(), ErrLocked)

	// Releasing the first lock frees the triple.
	require.NoError(t, s1.Close())
	s3, err := Open("a", "b", "h")
	require.NoError(t, err)
	defer s3.Close()
	assert.NoError(t, s3.Acquire())
}

func TestJobID_Deterministic(t *testing.T) {
	id1 := jobID("/dev/sda", "/dev/sdb", "h1")
	id2 := jobID("/dev/sda", "/dev/sdb", "h1")
	id3 := jobID("/dev/sda", "/dev/sdb", "h2")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}
