// Package coordinator drives one transfer attempt end to end: capacity and
// alignment gates, checkpoint resolution, remote listener startup with an
// explicit readiness handshake, the local sender, progress checkpointing,
// and post-transfer sampled validation.
package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/blockbeam/internal/checkpoint"
	"github.com/bamsammich/blockbeam/internal/extent"
	"github.com/bamsammich/blockbeam/internal/notify"
	"github.com/bamsammich/blockbeam/internal/pipeline"
	"github.com/bamsammich/blockbeam/internal/progress"
	"github.com/bamsammich/blockbeam/internal/remote"
	"github.com/bamsammich/blockbeam/internal/validate"
)

// State is the coordinator's position in the transfer lifecycle.
type State int

const (
	StateIdle State = iota
	StateListenerStarting
	StateListenerReady
	StateSenderRunning
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "Idle",
	StateListenerStarting: "ListenerStarting",
	StateListenerReady:    "ListenerReady",
	StateSenderRunning:    "SenderRunning",
	StateCompleted:        "Completed",
	StateFailed:           "Failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// DefaultReadyTimeout bounds the readiness handshake. It replaces the old
// fixed grace sleep: the coordinator proceeds the moment the receiver
// reports READY, and fails if it never does.
const DefaultReadyTimeout = 30 * time.Second

// Config describes one transfer attempt. Built once from merged defaults,
// config file, and flags; read-only afterwards.
type Config struct {
	Source extent.Extent
	Dest   extent.Extent // ByteLength measured remotely before Run when zero
	Host   string

	BlockSize    uint64
	ResumeOffset uint64 // explicit --offset; wins over a loaded checkpoint
	OffsetSet    bool
	Continue     bool

	Compress    bool
	Encrypt     bool
	BytesPerSec int64

	Validate   bool
	SampleSize uint64

	DryRun bool

	Port            int // 0 = receiver picks an ephemeral port
	RemoteBinary    string
	ReadyTimeout    time.Duration
	MonitorInterval time.Duration
}

// Deps are the coordinator's collaborators. Tests substitute fakes.
type Deps struct {
	Runner   remote.Runner
	Store    *checkpoint.Store
	Keys     pipeline.KeySource
	Notifier notify.Notifier
	Log      *slog.Logger
	Events   chan<- progress.Event

	// Dial overrides the TCP dial for tests. Nil means net.Dialer.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Result is the outcome of one attempt. ValidationErr is reported apart
// from Err: validated data at rest is distinct from a failed transfer.
type Result struct {
	State         State
	TransferID    string
	Offset        uint64
	BytesSent     uint64
	Duration      time.Duration
	Err           error
	ValidationErr error
}

// Coordinator orchestrates a single transfer attempt.
type Coordinator struct {
	cfg   Config
	deps  Deps
	id    string
	state State
}

// New builds a coordinator. Zero-value optional deps are filled in.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.RemoteBinary == "" {
		cfg.RemoteBinary = "blockbeam"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.SampleSize == 0 {
		cfg.SampleSize = validate.DefaultSampleSize
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Keys == nil {
		deps.Keys = pipeline.EphemeralKeySource{}
	}
	if deps.Dial == nil {
		var d net.Dialer
		deps.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Coordinator{
		cfg:  cfg,
		deps: deps,
		id:   uuid.NewString(),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return c.state }

// Run executes the attempt and blocks until it reaches a terminal state.
func (c *Coordinator) Run(ctx context.Context) Result {
	start := time.Now()
	progress.Emit(c.deps.Events, progress.Event{
		Type:  progress.TransferStarted,
		Total: c.cfg.Source.ByteLength,
	})

	res := c.run(ctx)
	res.Duration = time.Since(start)
	res.TransferID = c.id
	res.State = c.state

	if res.Err != nil {
		progress.Emit(c.deps.Events, progress.Event{Type: progress.TransferFailed, Err: res.Err})
	} else {
		progress.Emit(c.deps.Events, progress.Event{
			Type:  progress.TransferCompleted,
			Bytes: res.BytesSent,
			Total: c.cfg.Source.ByteLength,
		})
	}

	c.notifyOutcome(ctx, res)
	return res
}

func (c *Coordinator) run(ctx context.Context) Result {
	cfg := c.cfg
	log := c.deps.Log.With("transfer", c.id)
	c.state = StateIdle

	// Capacity gates everything.
	if err := validate.CheckCapacity(cfg.Source, cfg.Dest); err != nil {
		return c.fail(err)
	}

	offset, err := c.resolveOffset()
	if err != nil {
		return c.fail(err)
	}

	senderStages, _, err := pipeline.Build(pipeline.Config{
		Compress:    cfg.Compress,
		Encrypt:     cfg.Encrypt,
		BytesPerSec: cfg.BytesPerSec,
	}, c.deps.Keys)
	if err != nil {
		return c.fail(err)
	}

	if cfg.DryRun {
		c.logPlan(log, offset, senderStages)
		c.state = StateCompleted
		return Result{Offset: offset}
	}

	if err := c.deps.Store.Acquire(); err != nil {
		return c.fail(err)
	}

	if err := c.probeRemoteBinary(ctx); err != nil {
		return c.fail(err)
	}

	// Start the remote listener.
	c.state = StateListenerStarting
	sess, err := c.deps.Runner.Start(ctx, c.receiveCommand(offset))
	if err != nil {
		return c.fail(&TransportError{Op: "start listener", Err: err})
	}
	defer sess.Close()

	var stderr bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		io.Copy(&stderr, sess.Stderr())
	}()

	if cfg.Encrypt {
		if err := c.sendKey(sess, senderStages); err != nil {
			return c.fail(err)
		}
	}

	port, err := awaitReady(ctx, sess.Stdout(), cfg.ReadyTimeout)
	if err != nil {
		return c.fail(&TransportError{Op: "readiness handshake", Err: err})
	}
	c.state = StateListenerReady
	log.Info("listener ready", "host", cfg.Host, "port", port)

	// Run the sender.
	c.state = StateSenderRunning
	sent, err := c.send(ctx, offset, port, senderStages)
	if err != nil {
		return c.fail(err)
	}

	exit, waitErr := sess.Wait()
	if waitErr != nil {
		return c.fail(&TransportError{Op: "await receiver", Err: waitErr})
	}
	if exit != 0 {
		<-stderrDone
		return c.fail(&TransportError{
			Op:  "receiver",
			Err: fmt.Errorf("exit %d: %s", exit, strings.TrimSpace(stderr.String())),
		})
	}
	log.Info("transfer complete", "bytes", sent, "offset", offset)

	res := Result{Offset: offset, BytesSent: sent}

	if cfg.Validate {
		res.ValidationErr = c.validateTransfer(ctx, log)
		var vErr *validate.ValidationError
		if res.ValidationErr != nil && !errors.As(res.ValidationErr, &vErr) {
			// Validation could not run at all; that is an attempt failure,
			// and the checkpoint survives for a retry.
			return c.fail(res.ValidationErr)
		}
	}

	// The data is at rest even when validation mismatched, so the
	// checkpoint is cleared either way.
	if err := c.deps.Store.Clear(); err != nil {
		log.Warn("checkpoint clear failed", "error", err)
	}

	c.state = StateCompleted
	return res
}

func (c *Coordinator) fail(err error) Result {
	c.state = StateFailed
	return Result{Err: err}
}

// resolveOffset applies precedence: explicit --offset beats a checkpoint;
// --continue loads and validates the stored record. The result must be
// block-aligned before any I/O happens.
func (c *Coordinator) resolveOffset() (uint64, error) {
	cfg := c.cfg
	offset := cfg.ResumeOffset

	if cfg.Continue && !cfg.OffsetSet {
		rec, err := c.deps.Store.Load(cfg.Source.ID, cfg.Dest.ID, cfg.Host)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			offset = 0
		case err != nil:
			return 0, err
		default:
			if rec.TotalBytes != cfg.Source.ByteLength {
				return 0, &ResumeMismatchError{
					CheckpointTotal: rec.TotalBytes,
					SourceTotal:     cfg.Source.ByteLength,
				}
			}
			offset = rec.ByteOffset
		}
	}

	if cfg.BlockSize == 0 {
		return 0, fmt.Errorf("block size must be positive")
	}
	if offset%cfg.BlockSize != 0 {
		return 0, &MisalignedOffsetError{Offset: offset, BlockSize: cfg.BlockSize}
	}
	if offset > cfg.Source.ByteLength {
		return 0, fmt.Errorf("resume offset %d beyond source length %d", offset, cfg.Source.ByteLength)
	}
	return offset, nil
}

func (c *Coordinator) probeRemoteBinary(ctx context.Context) error {
	cmd := "command -v " + extent.Quote(c.cfg.RemoteBinary)
	_, exit, err := c.deps.Runner.Execute(ctx, cmd)
	if err != nil {
		return &TransportError{Op: "probe remote binary", Err: err}
	}
	if exit != 0 {
		return &DependencyError{Binary: c.cfg.RemoteBinary, Host: c.cfg.Host}
	}
	return nil
}

// receiveCommand builds the remote listener invocation. Key material never
// appears here; it travels over the session's stdin.
func (c *Coordinator) receiveCommand(offset uint64) string {
	cfg := c.cfg
	var b strings.Builder
	fmt.Fprintf(&b, "%s recv --dest %s --offset %d --total %d --port %d",
		cfg.RemoteBinary, extent.Quote(cfg.Dest.ID), offset, cfg.Source.ByteLength, cfg.Port)
	if cfg.Compress {
		b.WriteString(" --compress")
	}
	if cfg.Encrypt {
		b.WriteString(" --encrypt")
	}
	return b.String()
}

func (c *Coordinator) sendKey(sess remote.Session, senderStages []pipeline.Stage) error {
	for _, st := range senderStages {
		if st.Kind != pipeline.Encrypt {
			continue
		}
		if _, err := io.WriteString(sess.Stdin(), st.Key.Hex()+"\n"); err != nil {
			return &TransportError{Op: "send key", Err: err}
		}
		return nil
	}
	return fmt.Errorf("encrypt requested but no encrypt stage built")
}

// awaitReady blocks until the receiver reports "READY <port>" on its
// stdout, or the timeout elapses.
func awaitReady(ctx context.Context, stdout io.Reader, timeout time.Duration) (int, error) {
	type readyResult struct {
		port int
		err  error
	}
	ch := make(chan readyResult, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if rest, ok := strings.CutPrefix(line, "READY "); ok {
				port, err := strconv.Atoi(strings.TrimSpace(rest))
				if err != nil {
					ch <- readyResult{err: fmt.Errorf("malformed READY line %q", line)}
					return
				}
				ch <- readyResult{port: port}
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = fmt.Errorf("receiver exited before reporting ready")
		}
		ch <- readyResult{err: err}
	}()

	select {
	case r := <-ch:
		return r.port, r.err
	case <-time.After(timeout):
		return 0, fmt.Errorf("no READY within %s", timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// send streams the source extent from offset through the sender pipeline
// into the receiver, checkpointing progress until the copy ends.
func (c *Coordinator) send(ctx context.Context, offset uint64, port int, stages []pipeline.Stage) (uint64, error) {
	cfg := c.cfg

	conn, err := c.deps.Dial(ctx, net.JoinHostPort(cfg.Host, strconv.Itoa(port)))
	if err != nil {
		return 0, &TransportError{Op: "dial receiver", Err: err}
	}
	defer conn.Close()

	src, err := extent.OpenRead(cfg.Source.ID, offset)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	counting := progress.NewCountingReader(src, c.deps.Events)

	mctx, mcancel := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		mon := &progress.Monitor{
			Store: c.deps.Store,
			Base: checkpoint.Record{
				SourceID:   cfg.Source.ID,
				DestID:     cfg.Dest.ID,
				Host:       cfg.Host,
				ByteOffset: offset,
				TotalBytes: cfg.Source.ByteLength,
			},
			BlockSize: cfg.BlockSize,
			Observer:  counting,
			Interval:  cfg.MonitorInterval,
			Log:       c.deps.Log,
		}
		mon.Run(mctx)
	}()
	// The monitor must be stopped, not abandoned, the moment the sender
	// terminates, so it cannot checkpoint after the record is cleared.
	defer func() {
		mcancel()
		<-monitorDone
	}()

	w, err := pipeline.SenderWriter(ctx, conn, stages)
	if err != nil {
		return 0, err
	}

	if _, err := io.Copy(w, counting); err != nil {
		return 0, &TransportError{Op: "send", Err: err}
	}
	if err := w.Close(); err != nil {
		return 0, &TransportError{Op: "flush pipeline", Err: err}
	}
	// Half-close so the receiver sees EOF while its exit status can still
	// travel back over the control channel.
	if tc, ok := conn.(interface{ CloseWrite() error }); ok {
		tc.CloseWrite()
	} else {
		conn.Close()
	}

	sent, _ := counting.Consumed()
	return sent, nil
}

func (c *Coordinator) validateTransfer(ctx context.Context, log *slog.Logger) error {
	cfg := c.cfg
	log.Info("validating transfer", "sample_size", cfg.SampleSize)
	return validate.SampleValidate(ctx,
		validate.LocalDigestSource{ID: cfg.Source.ID},
		&remoteDigestSource{
			runner: c.deps.Runner,
			binary: cfg.RemoteBinary,
			id:     cfg.Dest.ID,
		},
		cfg.Source.ByteLength,
		cfg.SampleSize,
	)
}

func (c *Coordinator) logPlan(log *slog.Logger, offset uint64, stages []pipeline.Stage) {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	log.Info("dry run",
		"source", c.cfg.Source.ID,
		"dest", c.cfg.Dest.ID,
		"host", c.cfg.Host,
		"offset", offset,
		"remaining", c.cfg.Source.ByteLength-offset,
		"stages", strings.Join(names, " -> "),
		"validate", c.cfg.Validate,
	)
}

func (c *Coordinator) notifyOutcome(ctx context.Context, res Result) {
	if c.cfg.DryRun {
		return
	}
	target := fmt.Sprintf("%s -> %s@%s", c.cfg.Source.ID, c.cfg.Dest.ID, c.cfg.Host)
	switch {
	case res.Err != nil:
		c.deps.Notifier.Notify(ctx, "blockbeam transfer failed",
			fmt.Sprintf("%s: %v (transfer %s)", target, res.Err, res.TransferID))
	case res.ValidationErr != nil:
		c.deps.Notifier.Notify(ctx, "blockbeam validation failed",
			fmt.Sprintf("%s: %v (transfer %s)", target, res.ValidationErr, res.TransferID))
	default:
		c.deps.Notifier.Notify(ctx, "blockbeam transfer complete",
			fmt.Sprintf("%s: %d bytes in %s (transfer %s)",
				target, res.BytesSent, res.Duration.Round(time.Millisecond), res.TransferID))
	}
}
