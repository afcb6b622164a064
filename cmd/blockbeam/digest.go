package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/blockbeam/internal/extent"
	"github.com/bamsammich/blockbeam/internal/validate"
)

// digestCmd hashes one window of an extent. Validation runs it on the
// destination host so only digests cross the wire.
var digestCmd = &cobra.Command{
	Use:           "digest",
	Short:         "Print the BLAKE3 digest of an extent window (internal)",
	Hidden:        true,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDigest,
}

func init() {
	digestCmd.Flags().String("source", "", "extent path to hash")
	digestCmd.Flags().Uint64("offset", 0, "window start in bytes")
	digestCmd.Flags().Uint64("length", 0, "window length in bytes")
	_ = digestCmd.MarkFlagRequired("source") //nolint:errcheck // flag name is hardcoded
	_ = digestCmd.MarkFlagRequired("length") //nolint:errcheck // flag name is hardcoded
}

func runDigest(cmd *cobra.Command, _ []string) error {
	source, _ := cmd.Flags().GetString("source") //nolint:errcheck // flag name is hardcoded
	offset, _ := cmd.Flags().GetUint64("offset") //nolint:errcheck // flag name is hardcoded
	length, _ := cmd.Flags().GetUint64("length") //nolint:errcheck // flag name is hardcoded

	r, err := extent.OpenRead(source, offset)
	if err != nil {
		return err
	}
	defer r.Close()

	digest, err := validate.DigestReader(r, length)
	if err != nil {
		return fmt.Errorf("digest %s at %d: %w", source, offset, err)
	}
	fmt.Fprintln(os.Stdout, digest)
	return nil
}
