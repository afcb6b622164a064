package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/bamsammich/blockbeam/internal/extent"
	"github.com/bamsammich/blockbeam/internal/pipeline"
)

// ReceiveConfig describes the listener side of a transfer. The coordinator
// re-executes this binary on the destination host with these parameters.
type ReceiveConfig struct {
	DestID     string
	Offset     uint64
	TotalBytes uint64
	Port       int // 0 = ephemeral
	Compress   bool
	Encrypt    bool
}

// Receive binds the transfer listener, reports readiness on stdout, and
// pipes the single incoming connection through the receiver pipeline into
// the destination extent at the resume offset.
//
// When encryption is on, the key arrives as one hex line on stdin, the
// authenticated control channel, before the listener is announced.
func Receive(ctx context.Context, cfg ReceiveConfig, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	var key pipeline.KeyRef
	if cfg.Encrypt {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read transfer key: %w", err)
		}
		key, err = pipeline.KeyFromHex(line[:len(line)-1])
		if err != nil {
			return err
		}
	}

	_, stages, err := pipeline.Build(pipeline.Config{
		Compress: cfg.Compress,
		Encrypt:  cfg.Encrypt,
		Key:      key,
	}, nil)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("bind transfer port %d: %w", cfg.Port, err)
	}
	defer ln.Close()

	// Explicit readiness handshake: the sender side will not dial until it
	// has seen this line.
	port := ln.Addr().(*net.TCPAddr).Port
	if _, err := fmt.Fprintf(stdout, "READY %d\n", port); err != nil {
		return fmt.Errorf("report readiness: %w", err)
	}
	log.Info("listening", "port", port, "dest", cfg.DestID, "offset", cfg.Offset)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	ln.Close()

	dst, err := extent.OpenWrite(cfg.DestID, cfg.Offset)
	if err != nil {
		return err
	}
	defer dst.Close()

	r, err := pipeline.ReceiverReader(conn, stages)
	if err != nil {
		return err
	}
	defer r.Close()

	written, err := io.Copy(dst, r)
	if err != nil {
		return fmt.Errorf("receive into %s: %w", cfg.DestID, err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", cfg.DestID, err)
	}

	// A dropped connection shows up as a clean EOF on a plain stream, so
	// the expected byte count is the truncation check here.
	expected := cfg.TotalBytes - cfg.Offset
	if cfg.TotalBytes > 0 && uint64(written) != expected {
		return fmt.Errorf("short transfer: wrote %d of %d bytes", written, expected)
	}

	log.Info("receive complete", "bytes", written)
	return nil
}
