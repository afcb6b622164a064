package extent

import (
	"fmt"
	"strconv"
	"strings"
)

// SizeCommand returns a shell command that prints the byte length of the
// extent at id on a remote host. blockdev handles device nodes; stat covers
// regular files.
func SizeCommand(id string) string {
	q := Quote(id)
	return fmt.Sprintf("blockdev --getsize64 %s 2>/dev/null || stat -c %%s %s", q, q)
}

// ParseSizeOutput parses the stdout of SizeCommand.
func ParseSizeOutput(out string) (uint64, error) {
	s := strings.TrimSpace(out)
	if s == "" {
		return 0, fmt.Errorf("empty size output")
	}
	// blockdev may fail and leave stat's line as the only output; take the
	// last non-empty line.
	lines := strings.Fields(s)
	n, err := strconv.ParseUint(lines[len(lines)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse remote size %q: %w", s, err)
	}
	return n, nil
}

// Quote single-quotes s for safe interpolation into a remote command.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
