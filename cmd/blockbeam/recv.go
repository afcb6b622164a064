package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/blockbeam/internal/coordinator"
)

// recvCmd is the listener side of a transfer. The sender re-executes this
// binary on the destination host over SSH; it is not meant to be invoked
// by hand.
var recvCmd = &cobra.Command{
	Use:           "recv",
	Short:         "Receive a transfer into a destination extent (internal)",
	Hidden:        true,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRecv,
}

func init() {
	recvCmd.Flags().String("dest", "", "destination extent path")
	recvCmd.Flags().Uint64("offset", 0, "resume offset in bytes")
	recvCmd.Flags().Uint64("total", 0, "total source length in bytes")
	recvCmd.Flags().Int("port", 0, "data port to bind (0 = ephemeral)")
	recvCmd.Flags().Bool("compress", false, "decompress the incoming stream")
	recvCmd.Flags().Bool("encrypt", false, "decrypt the incoming stream (key arrives on stdin)")
	_ = recvCmd.MarkFlagRequired("dest") //nolint:errcheck // flag name is hardcoded
}

func runRecv(cmd *cobra.Command, _ []string) error {
	dest, _ := cmd.Flags().GetString("dest")       //nolint:errcheck // flag name is hardcoded
	offset, _ := cmd.Flags().GetUint64("offset")   //nolint:errcheck // flag name is hardcoded
	total, _ := cmd.Flags().GetUint64("total")     //nolint:errcheck // flag name is hardcoded
	port, _ := cmd.Flags().GetInt("port")          //nolint:errcheck // flag name is hardcoded
	compress, _ := cmd.Flags().GetBool("compress") //nolint:errcheck // flag name is hardcoded
	encrypt, _ := cmd.Flags().GetBool("encrypt")   //nolint:errcheck // flag name is hardcoded

	// Stdout carries the readiness handshake, so logs go to stderr only.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return coordinator.Receive(ctx, coordinator.ReceiveConfig{
		DestID:     dest,
		Offset:     offset,
		TotalBytes: total,
		Port:       port,
		Compress:   compress,
		Encrypt:    encrypt,
	}, os.Stdin, os.Stdout, logger)
}
