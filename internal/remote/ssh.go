package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOpts configures SSH connection behavior.
type SSHOpts struct {
	Port     int    // 0 = default (22)
	KeyFile  string // override key file path; empty = try defaults
	Password string // for non-interactive; empty = skip password auth
}

// SSHRunner runs commands over one SSH connection.
type SSHRunner struct {
	client *ssh.Client
}

// DialSSH establishes an SSH connection to host as user.
//
// Auth methods are tried in order:
//  1. SSH agent (if SSH_AUTH_SOCK is set)
//  2. Key files (~/.ssh/id_ed25519, id_ecdsa, id_rsa) or SSHOpts.KeyFile
//  3. Password (if SSHOpts.Password is set)
func DialSSH(host, userName string, opts SSHOpts) (*SSHRunner, error) {
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("determine current user: %w", err)
		}
		userName = u.Username
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}

	authMethods := buildAuthMethods(opts)
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no SSH auth methods available (set SSH_AUTH_SOCK, provide a key, or password)")
	}

	hostKeyCallback, err := defaultHostKeyCallback()
	if err != nil {
		// Fall back to insecure if known_hosts can't be loaded.
		// This matches the behavior of most CLI tools on first connection.
		//nolint:gosec // fallback for systems without known_hosts
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	config := &ssh.ClientConfig{
		User:            userName,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	return &SSHRunner{client: client}, nil
}

// Execute runs command to completion.
func (r *SSHRunner) Execute(ctx context.Context, command string) (string, int, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", 0, fmt.Errorf("new ssh session: %w", err)
	}
	defer sess.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGKILL)
		case <-done:
		}
	}()

	out, err := sess.Output(command)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitStatus(), nil
		}
		return string(out), 0, fmt.Errorf("execute %q: %w", command, err)
	}
	return string(out), 0, nil
}

// Start launches command and hands back its stdio.
func (r *SSHRunner) Start(ctx context.Context, command string) (Session, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new ssh session: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}

	s := &sshSession{
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (r *SSHRunner) Close() error {
	return r.client.Close()
}

type sshSession struct {
	sess     *ssh.Session
	stdin    io.WriteCloser
	stdout   io.Reader
	stderr   io.Reader
	done     chan struct{}
	doneOnce sync.Once
}

func (s *sshSession) Stdin() io.WriteCloser { return s.stdin }
func (s *sshSession) Stdout() io.Reader     { return s.stdout }
func (s *sshSession) Stderr() io.Reader     { return s.stderr }

func (s *sshSession) Wait() (int, error) {
	defer s.markDone()
	err := s.sess.Wait()
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return 0, fmt.Errorf("wait: %w", err)
	}
	return 0, nil
}

func (s *sshSession) Close() error {
	defer s.markDone()
	s.sess.Signal(ssh.SIGKILL)
	return s.sess.Close()
}

func (s *sshSession) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func buildAuthMethods(opts SSHOpts) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	// 1. SSH agent.
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			agentClient := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(agentClient.Signers))
		}
	}

	// 2. Key files.
	if opts.KeyFile != "" {
		if m := keyFileAuth(opts.KeyFile); m != nil {
			methods = append(methods, m)
		}
	} else {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			home, err := os.UserHomeDir()
			if err != nil {
				continue
			}
			keyPath := filepath.Join(home, ".ssh", name)
			if m := keyFileAuth(keyPath); m != nil {
				methods = append(methods, m)
			}
		}
	}

	// 3. Password.
	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}

	return methods
}

func keyFileAuth(path string) ssh.AuthMethod {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return ssh.PublicKeys(signer)
}

func defaultHostKeyCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	knownHostsPath := filepath.Join(home, ".ssh", "known_hosts")
	return knownhosts.New(knownHostsPath)
}
