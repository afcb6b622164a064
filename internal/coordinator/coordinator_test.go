package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/blockbeam/internal/checkpoint"
	"github.com/bamsammich/blockbeam/internal/extent"
	"github.com/bamsammich/blockbeam/internal/progress"
	"github.com/bamsammich/blockbeam/internal/remote"
	"github.com/bamsammich/blockbeam/internal/validate"
)

// fakeSession runs the real Receive in-process, wired to the coordinator
// through pipes exactly like an SSH session's stdio.
type fakeSession struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitCh chan int
	once   sync.Once
}

func (s *fakeSession) Stdin() io.WriteCloser { return s.stdinW }
func (s *fakeSession) Stdout() io.Reader     { return s.stdoutR }
func (s *fakeSession) Stderr() io.Reader     { return s.stderrR }

func (s *fakeSession) Wait() (int, error) {
	return <-s.exitCh, nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		s.stdinR.Close()
		s.stdoutW.Close()
		s.stderrW.Close()
	})
	return nil
}

// fakeRunner simulates the destination host: recv and digest commands
// operate on local paths.
type fakeRunner struct {
	mu            sync.Mutex
	started       []string
	executed      []string
	binaryMissing bool
	corruptDigest map[uint64]string // window offset -> forced digest
}

func (r *fakeRunner) Execute(_ context.Context, command string) (string, int, error) {
	r.mu.Lock()
	r.executed = append(r.executed, command)
	r.mu.Unlock()

	switch {
	case strings.HasPrefix(command, "command -v"):
		if r.binaryMissing {
			return "", 1, nil
		}
		return "/usr/local/bin/blockbeam\n", 0, nil

	case strings.Contains(command, " digest "):
		args := parseArgs(command)
		offset, _ := strconv.ParseUint(args["--offset"], 10, 64)
		length, _ := strconv.ParseUint(args["--length"], 10, 64)
		if forced, ok := r.corruptDigest[offset]; ok {
			return forced + "\n", 0, nil
		}
		d, err := validate.LocalDigestSource{ID: args["--source"]}.WindowDigest(
			context.Background(),
			validate.Window{Offset: offset, Length: length},
		)
		if err != nil {
			return err.Error(), 1, nil
		}
		return d + "\n", 0, nil

	default:
		return "", 127, nil
	}
}

func (r *fakeRunner) Start(ctx context.Context, command string) (remote.Session, error) {
	r.mu.Lock()
	r.started = append(r.started, command)
	r.mu.Unlock()

	args := parseArgs(command)
	offset, _ := strconv.ParseUint(args["--offset"], 10, 64)
	total, _ := strconv.ParseUint(args["--total"], 10, 64)
	port, _ := strconv.Atoi(args["--port"])

	cfg := ReceiveConfig{
		DestID:     args["--dest"],
		Offset:     offset,
		TotalBytes: total,
		Port:       port,
		Compress:   strings.Contains(command, "--compress"),
		Encrypt:    strings.Contains(command, "--encrypt"),
	}

	s := &fakeSession{exitCh: make(chan int, 1)}
	s.stdinR, s.stdinW = io.Pipe()
	s.stdoutR, s.stdoutW = io.Pipe()
	s.stderrR, s.stderrW = io.Pipe()

	go func() {
		err := Receive(ctx, cfg, s.stdinR, s.stdoutW, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			fmt.Fprintln(s.stderrW, err)
		}
		s.stderrW.Close()
		if err != nil {
			s.exitCh <- 1
			return
		}
		s.exitCh <- 0
	}()

	return s, nil
}

func (r *fakeRunner) Close() error { return nil }

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

// parseArgs splits a recv/digest command into flag->value pairs, stripping
// shell quoting (test paths contain no metacharacters).
func parseArgs(command string) map[string]string {
	fields := strings.Fields(command)
	args := make(map[string]string)
	for i, f := range fields {
		if strings.HasPrefix(f, "--") && i+1 < len(fields) {
			args[f] = strings.Trim(fields[i+1], "'")
		}
	}
	return args
}

type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *fakeNotifier) Notify(_ context.Context, subject, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
}

func (n *fakeNotifier) last(t *testing.T) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.subjects)
	return n.subjects[len(n.subjects)-1]
}

type fixture struct {
	cfg      Config
	runner   *fakeRunner
	store    *checkpoint.Store
	notifier *fakeNotifier
	srcPath  string
	dstPath  string
	content  []byte
}

// newFixture creates a source extent with random content and a zero-filled
// destination of equal size.
func newFixture(t *testing.T, size int) *fixture {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	dir := t.TempDir()
	content := make([]byte, size)
	_, err := rand.New(rand.NewSource(42)).Read(content)
	require.NoError(t, err)

	srcPath := filepath.Join(dir, "src.img")
	dstPath := filepath.Join(dir, "dst.img")
	require.NoError(t, os.WriteFile(srcPath, content, 0o600))
	require.NoError(t, os.WriteFile(dstPath, make([]byte, size), 0o600))

	store, err := checkpoint.Open(srcPath, dstPath, "testhost")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{
		cfg: Config{
			Source:       extent.Extent{ID: srcPath, ByteLength: uint64(size)},
			Dest:         extent.Extent{ID: dstPath, ByteLength: uint64(size)},
			Host:         "127.0.0.1",
			BlockSize:    100,
			ReadyTimeout: 5 * time.Second,
			SampleSize:   256,
		},
		runner:   &fakeRunner{},
		store:    store,
		notifier: &fakeNotifier{},
		srcPath:  srcPath,
		dstPath:  dstPath,
		content:  content,
	}
}

func (f *fixture) run(t *testing.T) Result {
	t.Helper()
	c := New(f.cfg, Deps{
		Runner:   f.runner,
		Store:    f.store,
		Notifier: f.notifier,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return c.Run(context.Background())
}

func TestRun_CapacityFailureStartsNothing(t *testing.T) {
	f := newFixture(t, 1000)
	f.cfg.Dest.ByteLength = 999

	res := f.run(t)
	require.ErrorIs(t, res.Err, validate.ErrInsufficientCapacity)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, f.runner.startCount(), "listener must never start on capacity failure")
}

func TestRun_MisalignedOffsetRejectedBeforeIO(t *testing.T) {
	f := newFixture(t, 1000)
	f.cfg.ResumeOffset = 450
	f.cfg.OffsetSet = true

	res := f.run(t)
	require.ErrorIs(t, res.Err, ErrMisalignedOffset)

	var moErr *MisalignedOffsetError
	require.ErrorAs(t, res.Err, &moErr)
	assert.Equal(t, uint64(450), moErr.Offset)
	assert.Equal(t, uint64(100), moErr.BlockSize)

	assert.Zero(t, f.runner.startCount())
	assert.Empty(t, f.runner.executed, "no remote I/O before the alignment gate")
}

func TestRun_AlignedOffsetAccepted(t *testing.T) {
	f := newFixture(t, 1000)
	f.cfg.ResumeOffset = 500
	f.cfg.OffsetSet = true
	f.cfg.DryRun = true

	res := f.run(t)
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(500), res.Offset)
}

func TestRun_DryRunHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 1000)
	f.cfg.DryRun = true
	f.cfg.Compress = true
	f.cfg.Encrypt = true
	f.cfg.Validate = true

	res := f.run(t)
	require.NoError(t, res.Err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Zero(t, f.runner.startCount())
	assert.Empty(t, f.runner.executed)

	_, err := f.store.Load(f.srcPath, f.dstPath, "testhost")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound, "dry run must not write checkpoints")
	assert.Empty(t, f.notifier.subjects, "dry run must not notify")
}

func TestRun_MissingRemoteBinary(t *testing.T) {
	f := newFixture(t, 1000)
	f.runner.binaryMissing = true

	res := f.run(t)
	var depErr *DependencyError
	require.ErrorAs(t, res.Err, &depErr)
	assert.Zero(t, f.runner.startCount(), "dependency failures surface before anything destructive")
}

func TestRun_FullTransfer(t *testing.T) {
	f := newFixture(t, 50_000)
	f.cfg.Compress = true
	f.cfg.Encrypt = true
	f.cfg.Validate = true
	f.cfg.MonitorInterval = 10 * time.Millisecond

	res := f.run(t)
	require.NoError(t, res.Err)
	require.NoError(t, res.ValidationErr)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, uint64(50_000), res.BytesSent)

	got, err := os.ReadFile(f.dstPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(f.content, got), "destination must match source byte-for-byte")

	_, err = f.store.Load(f.srcPath, f.dstPath, "testhost")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound, "checkpoint cleared on success")
	assert.Equal(t, "blockbeam transfer complete", f.notifier.last(t))
}

func TestRun_ResumeProducesIdenticalContent(t *testing.T) {
	const size, k = 10_000, 4_000
	f := newFixture(t, size)

	// First pass delivered only the first k bytes; the rest of the
	// destination holds garbage that must be overwritten, while the
	// prefix must survive untouched.
	partial := make([]byte, size)
	copy(partial, f.content[:k])
	copy(partial[k:], bytes.Repeat([]byte{0xAA}, size-k))
	require.NoError(t, os.WriteFile(f.dstPath, partial, 0o600))

	f.cfg.ResumeOffset = k
	f.cfg.OffsetSet = true

	res := f.run(t)
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(size-k), res.BytesSent)

	got, err := os.ReadFile(f.dstPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(f.content, got),
		"resumed transfer must produce the same bytes as a single full pass")
}

func TestRun_ContinueUsesCheckpoint(t *testing.T) {
	f := newFixture(t, 1000)
	require.NoError(t, f.store.Save(checkpoint.Record{
		SourceID: f.srcPath, DestID: f.dstPath, Host: "testhost",
		ByteOffset: 400, TotalBytes: 1000,
	}))

	f.cfg.Continue = true
	f.cfg.DryRun = true

	res := f.run(t)
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(400), res.Offset)
}

func TestRun_ExplicitOffsetBeatsCheckpoint(t *testing.T) {
	f := newFixture(t, 1000)
	require.NoError(t, f.store.Save(checkpoint.Record{
		SourceID: f.srcPath, DestID: f.dstPath, Host: "testhost",
		ByteOffset: 400, TotalBytes: 1000,
	}))

	f.cfg.Continue = true
	f.cfg.ResumeOffset = 200
	f.cfg.OffsetSet = true
	f.cfg.DryRun = true

	res := f.run(t)
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(200), res.Offset)
}

type stubObserver struct {
	n uint64
}

func (o *stubObserver) Consumed() (uint64, bool) { return o.n, true }

func TestRun_ContinueAcceptsMonitorCheckpoint(t *testing.T) {
	f := newFixture(t, 10_000)

	// Let a real monitor write the checkpoint from a mid-block byte count,
	// the way an interrupted transfer leaves it behind.
	mctx, mcancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer mcancel()
	mon := &progress.Monitor{
		Store: f.store,
		Base: checkpoint.Record{
			SourceID: f.srcPath, DestID: f.dstPath, Host: "testhost",
			TotalBytes: 10_000,
		},
		BlockSize: 100,
		Observer:  &stubObserver{n: 4_250},
		Interval:  10 * time.Millisecond,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	mon.Run(mctx)

	rec, err := f.store.Load(f.srcPath, f.dstPath, "testhost")
	require.NoError(t, err)

	f.cfg.Continue = true
	f.cfg.DryRun = true

	res := f.run(t)
	require.NoError(t, res.Err, "a checkpoint the monitor wrote must be resumable")
	assert.Equal(t, uint64(4_200), res.Offset)
	assert.Equal(t, rec.ByteOffset, res.Offset)
}

func TestRun_ContinueRejectsChangedSource(t *testing.T) {
	f := newFixture(t, 1000)
	require.NoError(t, f.store.Save(checkpoint.Record{
		SourceID: f.srcPath, DestID: f.dstPath, Host: "testhost",
		ByteOffset: 400, TotalBytes: 2000,
	}))

	f.cfg.Continue = true
	f.cfg.DryRun = true

	res := f.run(t)
	var rmErr *ResumeMismatchError
	require.ErrorAs(t, res.Err, &rmErr)
	assert.Equal(t, uint64(2000), rmErr.CheckpointTotal)
	assert.Equal(t, uint64(1000), rmErr.SourceTotal)
}

func TestRun_ValidationMismatchIsDistinctFromFailure(t *testing.T) {
	f := newFixture(t, 10_000)
	f.cfg.Validate = true

	// Middle window starts at totalBytes/2 aligned down to the sample
	// size: 5000 -> 4864 for 256-byte samples.
	middleOffset := uint64(5000) - 5000%256
	f.runner.corruptDigest = map[uint64]string{
		middleOffset: strings.Repeat("0", 64),
	}

	res := f.run(t)
	require.NoError(t, res.Err, "transfer itself succeeded")

	var vErr *validate.ValidationError
	require.ErrorAs(t, res.ValidationErr, &vErr)
	require.Len(t, vErr.Mismatches, 1)
	assert.Equal(t, validate.Middle, vErr.Mismatches[0].Position)

	_, err := f.store.Load(f.srcPath, f.dstPath, "testhost")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound,
		"data is at rest, checkpoint cleared despite the mismatch")
	assert.Equal(t, "blockbeam validation failed", f.notifier.last(t))
}

func TestRun_SecondCoordinatorLockedOut(t *testing.T) {
	f := newFixture(t, 1000)
	require.NoError(t, f.store.Acquire())

	other, err := checkpoint.Open(f.srcPath, f.dstPath, "testhost")
	require.NoError(t, err)
	defer other.Close()

	c := New(f.cfg, Deps{
		Runner:   f.runner,
		Store:    other,
		Notifier: f.notifier,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	res := c.Run(context.Background())
	require.ErrorIs(t, res.Err, checkpoint.ErrLocked)
	assert.Zero(t, f.runner.startCount())
}

func TestAwaitReady(t *testing.T) {
	t.Run("ready line", func(t *testing.T) {
		port, err := awaitReady(context.Background(),
			strings.NewReader("READY 9321\n"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 9321, port)
	})

	t.Run("noise before ready", func(t *testing.T) {
		port, err := awaitReady(context.Background(),
			strings.NewReader("warming up\nREADY 8000\n"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 8000, port)
	})

	t.Run("exit without ready", func(t *testing.T) {
		_, err := awaitReady(context.Background(), strings.NewReader("boom\n"), time.Second)
		require.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()
		_, err := awaitReady(context.Background(), r, 50*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no READY")
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Completed", StateCompleted.String())
	assert.Equal(t, "Failed", StateFailed.String())
}
