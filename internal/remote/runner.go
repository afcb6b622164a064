// Package remote runs commands on the destination host over SSH. The
// coordinator only sees the Runner interface, so tests substitute a fake.
package remote

import (
	"context"
	"io"
)

// Runner executes commands on a remote host.
type Runner interface {
	// Execute runs command to completion and returns its stdout and exit
	// code. A non-zero exit is not an error; err covers transport-level
	// failures only.
	Execute(ctx context.Context, command string) (stdout string, exitCode int, err error)

	// Start launches command and returns a live session for interacting
	// with its stdio.
	Start(ctx context.Context, command string) (Session, error)

	// Close tears down the connection.
	Close() error
}

// Session is one running remote command.
type Session interface {
	// Stdin is the command's standard input. Closing it signals EOF.
	Stdin() io.WriteCloser

	// Stdout is the command's standard output.
	Stdout() io.Reader

	// Stderr is the command's standard error.
	Stderr() io.Reader

	// Wait blocks until the command exits and returns its exit code.
	Wait() (int, error)

	// Close terminates the command if still running.
	Close() error
}
