package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/blockbeam/internal/checkpoint"
	"github.com/bamsammich/blockbeam/internal/config"
	"github.com/bamsammich/blockbeam/internal/coordinator"
	"github.com/bamsammich/blockbeam/internal/extent"
	"github.com/bamsammich/blockbeam/internal/notify"
	"github.com/bamsammich/blockbeam/internal/progress"
	"github.com/bamsammich/blockbeam/internal/remote"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// target is the parsed [user@]host:path destination argument.
type target struct {
	user string
	host string
	path string
}

func parseTarget(s string) (target, error) {
	hostPart, path, ok := strings.Cut(s, ":")
	if !ok || hostPart == "" || path == "" {
		return target{}, fmt.Errorf("destination must be [user@]host:path, got %q", s)
	}
	t := target{host: hostPart, path: path}
	if user, host, ok := strings.Cut(hostPart, "@"); ok {
		if user == "" || host == "" {
			return target{}, fmt.Errorf("destination must be [user@]host:path, got %q", s)
		}
		t.user, t.host = user, host
	}
	return t, nil
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: main CLI entry point orchestrates all flag parsing and wiring
func run() int {
	var (
		showVersion   bool
		verbose       bool
		quiet         bool
		compress      bool
		encrypt       bool
		validateFlag  bool
		dryRun        bool
		yes           bool
		continueFlag  bool
		offsetStr     string
		blockSizeStr  string
		sampleSizeStr string
		bwLimitStr    string
		port          int
		sshUser       string
		sshPort       int
		sshKeyFile    string
		remoteBin     string
		readyTimeout  time.Duration
		saveInterval  time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "blockbeam [flags] <source> <[user@]host:dest>",
		Short: "Resumable block-level transfer of devices and images over SSH",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "blockbeam %s\n", version)
				return nil
			}

			// Configure logging before anything that might warn.
			logLevel := slog.LevelWarn
			if verbose {
				logLevel = slog.LevelDebug
			} else if !quiet {
				logLevel = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			}))
			slog.SetDefault(logger)

			tgt, err := parseTarget(args[1])
			if err != nil {
				return err
			}
			srcID := args[0]

			// Load optional config file.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg, &compress, &encrypt, &validateFlag, &port,
				&bwLimitStr, &blockSizeStr, &sampleSizeStr, &sshUser, &sshPort, &sshKeyFile)

			blockSize, err := config.ParseSize(blockSizeStr)
			if err != nil || blockSize <= 0 {
				return fmt.Errorf("invalid --block-size %q", blockSizeStr)
			}
			sampleSize, err := config.ParseSize(sampleSizeStr)
			if err != nil || sampleSize <= 0 {
				return fmt.Errorf("invalid --sample-size %q", sampleSizeStr)
			}
			var bwLimit int64
			if bwLimitStr != "" {
				bwLimit, err = config.ParseSize(bwLimitStr)
				if err != nil {
					return fmt.Errorf("invalid --bwlimit: %w", err)
				}
			}
			var offset int64
			if cmd.Flags().Changed("offset") {
				offset, err = config.ParseSize(offsetStr)
				if err != nil || offset < 0 {
					return fmt.Errorf("invalid --offset %q", offsetStr)
				}
			}

			src, err := extent.Describe(srcID)
			if err != nil {
				return fmt.Errorf("source %s: %w", srcID, err)
			}
			if src.ByteLength == 0 {
				return fmt.Errorf("source %s is empty", srcID)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner, err := remote.DialSSH(tgt.host, firstNonEmpty(tgt.user, sshUser), remote.SSHOpts{
				Port:    sshPort,
				KeyFile: sshKeyFile,
			})
			if err != nil {
				return err
			}
			defer runner.Close()

			dst, err := measureDest(ctx, runner, tgt.path, src.ByteLength)
			if err != nil {
				return err
			}

			if !yes && !dryRun {
				if !confirm(src, dst, tgt.host) {
					fmt.Fprintln(os.Stderr, "aborted")
					return nil
				}
			}

			store, err := checkpoint.Open(src.ID, dst.ID, tgt.host)
			if err != nil {
				return fmt.Errorf("open checkpoint store: %w", err)
			}
			defer store.Close()

			var notifier notify.Notifier = notify.Nop{}
			if cfg.Notify.WebhookURL != nil && *cfg.Notify.WebhookURL != "" {
				notifier = notify.NewWebhook(*cfg.Notify.WebhookURL, logger)
			}

			events := make(chan progress.Event, 256)
			go func() {
				for ev := range events {
					if ev.Type == progress.BytesConsumed {
						continue
					}
					slog.Debug("blockbeam.event", "type", ev.Type.String(),
						"bytes", ev.Bytes, "total", ev.Total)
				}
			}()
			defer close(events)

			c := coordinator.New(coordinator.Config{
				Source:          src,
				Dest:            dst,
				Host:            tgt.host,
				BlockSize:       uint64(blockSize),
				ResumeOffset:    uint64(offset),
				OffsetSet:       cmd.Flags().Changed("offset"),
				Continue:        continueFlag,
				Compress:        compress,
				Encrypt:         encrypt,
				BytesPerSec:     bwLimit,
				Validate:        validateFlag,
				SampleSize:      uint64(sampleSize),
				DryRun:          dryRun,
				Port:            port,
				RemoteBinary:    remoteBin,
				ReadyTimeout:    readyTimeout,
				MonitorInterval: saveInterval,
			}, coordinator.Deps{
				Runner:   runner,
				Store:    store,
				Notifier: notifier,
				Log:      logger,
				Events:   events,
			})

			res := c.Run(ctx)
			switch {
			case res.Err != nil:
				slog.Error("transfer failed", "error", res.Err, "transfer", res.TransferID)
				return &exitError{code: 1}
			case res.ValidationErr != nil:
				slog.Error("validation failed", "error", res.ValidationErr, "transfer", res.TransferID)
				return &exitError{code: 2}
			}

			if !quiet && !dryRun {
				fmt.Fprintf(os.Stderr, "transferred %d bytes to %s:%s in %s\n",
					res.BytesSent, tgt.host, dst.ID, res.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.Flags().BoolVarP(&compress, "compress", "z", false, "compress the stream (zstd)")
	rootCmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "encrypt the stream (ChaCha20-Poly1305)")
	rootCmd.Flags().BoolVar(&validateFlag, "validate", false, "verify sampled windows after transfer (BLAKE3)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the transfer plan without moving data")
	rootCmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.Flags().BoolVar(&continueFlag, "continue", false, "resume from the saved checkpoint")
	rootCmd.Flags().
		StringVar(&offsetStr, "offset", "", "resume from this byte offset (e.g. 4G); overrides --continue")
	rootCmd.Flags().StringVar(&blockSizeStr, "block-size", "1M", "transfer block size (e.g. 1M, 4M)")
	rootCmd.Flags().
		StringVar(&sampleSizeStr, "sample-size", "1G", "validation window size (e.g. 256M, 1G)")
	rootCmd.Flags().StringVar(&bwLimitStr, "bwlimit", "", "bandwidth limit (e.g. 100M, 1G)")
	rootCmd.Flags().IntVar(&port, "port", 0, "receiver data port (default: ephemeral)")
	rootCmd.Flags().StringVar(&sshUser, "ssh-user", "", "SSH user (default: current user)")
	rootCmd.Flags().IntVar(&sshPort, "ssh-port", 22, "SSH port")
	rootCmd.Flags().StringVar(&sshKeyFile, "ssh-key", "", "SSH private key file (default: auto-detect)")
	rootCmd.Flags().
		StringVar(&remoteBin, "remote-bin", "blockbeam", "blockbeam binary name on the destination host")
	rootCmd.Flags().
		DurationVar(&readyTimeout, "ready-timeout", coordinator.DefaultReadyTimeout, "max wait for the receiver to report ready")
	rootCmd.Flags().
		DurationVar(&saveInterval, "checkpoint-interval", progress.DefaultInterval, "interval between checkpoint saves")

	rootCmd.AddCommand(recvCmd)
	rootCmd.AddCommand(digestCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// measureDest probes the destination extent's capacity over SSH. A missing
// destination is fine for regular-file targets: the receiver creates it, so
// its capacity is whatever the source needs.
func measureDest(ctx context.Context, runner remote.Runner, path string, srcLen uint64) (extent.Extent, error) {
	out, exit, err := runner.Execute(ctx, extent.SizeCommand(path))
	if err != nil {
		return extent.Extent{}, fmt.Errorf("measure destination %s: %w", path, err)
	}
	if exit != 0 {
		slog.Debug("destination does not exist yet, receiver will create it", "dest", path)
		return extent.Extent{ID: path, ByteLength: srcLen}, nil
	}
	n, err := extent.ParseSizeOutput(out)
	if err != nil {
		return extent.Extent{}, fmt.Errorf("measure destination %s: %w", path, err)
	}
	return extent.Extent{ID: path, ByteLength: n}, nil
}

// confirm asks before overwriting the destination. Block transfers are
// destructive; there is no undo.
func confirm(src, dst extent.Extent, host string) bool {
	fmt.Fprintf(os.Stderr, "transfer %d bytes from %s to %s:%s (capacity %d), overwriting its contents? [y/N] ",
		src.ByteLength, src.ID, host, dst.ID, dst.ByteLength)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// applyConfigDefaults applies config file values for flags not explicitly
// set on the CLI.
//
//nolint:revive // argument-limit: one call site, mirrors the flag list
func applyConfigDefaults(
	cmd *cobra.Command,
	cfg config.Config,
	compress, encrypt, validateFlag *bool,
	port *int,
	bwLimit, blockSize, sampleSize *string,
	sshUser *string, sshPort *int, sshKeyFile *string,
) {
	d := cfg.Defaults
	if !cmd.Flags().Changed("compress") && d.Compress != nil {
		*compress = *d.Compress
	}
	if !cmd.Flags().Changed("encrypt") && d.Encrypt != nil {
		*encrypt = *d.Encrypt
	}
	if !cmd.Flags().Changed("validate") && d.Validate != nil {
		*validateFlag = *d.Validate
	}
	if !cmd.Flags().Changed("port") && d.Port != nil {
		*port = *d.Port
	}
	if !cmd.Flags().Changed("bwlimit") && d.BWLimit != nil {
		*bwLimit = *d.BWLimit
	}
	if !cmd.Flags().Changed("block-size") && d.BlockSize != nil {
		*blockSize = *d.BlockSize
	}
	if !cmd.Flags().Changed("sample-size") && d.SampleSize != nil {
		*sampleSize = *d.SampleSize
	}
	if !cmd.Flags().Changed("ssh-user") && cfg.SSH.User != nil {
		*sshUser = *cfg.SSH.User
	}
	if !cmd.Flags().Changed("ssh-port") && cfg.SSH.Port != nil {
		*sshPort = *cfg.SSH.Port
	}
	if !cmd.Flags().Changed("ssh-key") && cfg.SSH.KeyFile != nil {
		*sshKeyFile = *cfg.SSH.KeyFile
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
