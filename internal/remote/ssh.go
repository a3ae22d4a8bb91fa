package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHDialer opens sessions over SSH with public key authentication.
type SSHDialer struct {
	logger *slog.Logger
}

// NewSSHDialer creates a dialer. A nil logger uses slog.Default().
func NewSSHDialer(logger *slog.Logger) *SSHDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHDialer{logger: logger}
}

// Dial connects and authenticates. The TCP connect and the SSH handshake are
// both bounded by the host's connect timeout.
func (d *SSHDialer) Dial(ctx context.Context, host Host) (Session, error) {
	addr := net.JoinHostPort(host.Address, strconv.Itoa(host.port()))
	if err := host.Validate(); err != nil {
		return nil, &ConnectionError{Host: addr, Err: err}
	}

	cfg, err := d.clientConfig(host)
	if err != nil {
		return nil, &ConnectionError{Host: addr, Err: err}
	}

	timeout := host.connectTimeout()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Host: addr, Err: err}
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Host: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	d.logger.Debug("ssh session opened", "host", addr, "user", host.User)
	return &sshSession{
		client: ssh.NewClient(c, chans, reqs),
		host:   host.Address,
		logger: d.logger,
	}, nil
}

func (d *SSHDialer) clientConfig(host Host) (*ssh.ClientConfig, error) {
	key := host.PrivateKey
	if len(key) == 0 {
		data, err := os.ReadFile(host.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		key = data
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if host.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(host.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		d.logger.Warn("host key verification disabled", "host", host.Address)
	}

	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         host.connectTimeout(),
	}, nil
}

type sshSession struct {
	client *ssh.Client
	host   string
	logger *slog.Logger

	sftpOnce sync.Once
	sftp     *sftp.Client
	sftpErr  error

	closeOnce sync.Once
	closeErr  error
}

func (s *sshSession) Host() string { return s.host }

func (s *sshSession) Exec(ctx context.Context, command string, opts ...ExecOption) (Result, error) {
	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}
	command = BuildCommand(command, opts...)

	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if o.stdin != nil {
		sess.Stdin = o.stdin
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return Result{ExitCode: -1}, ctx.Err()
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		return res, fmt.Errorf("run %q: %w", summarize(command), err)
	}
}

func (s *sshSession) sftpClient() (*sftp.Client, error) {
	s.sftpOnce.Do(func() {
		s.sftp, s.sftpErr = sftp.NewClient(s.client)
		if s.sftpErr != nil {
			s.sftpErr = fmt.Errorf("start sftp subsystem: %w", s.sftpErr)
		}
	})
	return s.sftp, s.sftpErr
}

func (s *sshSession) UploadTree(ctx context.Context, localPath, remotePath string, exclude ExcludeFunc) (UploadStats, error) {
	fc, err := s.sftpClient()
	if err != nil {
		return UploadStats{}, err
	}
	return uploadTree(ctx, sftpWriter{fc}, localPath, remotePath, exclude)
}

func (s *sshSession) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fc, err := s.sftpClient()
	if err != nil {
		return err
	}
	return sftpWriter{fc}.WriteFile(path, bytes.NewReader(data), mode)
}

func (s *sshSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fc, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := fc.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Close releases the SFTP subsystem and the SSH connection. Safe to call more
// than once.
func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		if s.sftp != nil {
			_ = s.sftp.Close()
		}
		s.closeErr = s.client.Close()
		s.logger.Debug("ssh session closed", "host", s.host)
	})
	return s.closeErr
}

// sftpWriter adapts an sftp client to the treeWriter used by uploads.
type sftpWriter struct {
	c *sftp.Client
}

func (w sftpWriter) MkdirAll(path string) error {
	return w.c.MkdirAll(path)
}

func (w sftpWriter) WriteFile(path string, r io.Reader, mode os.FileMode) error {
	f, err := w.c.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := w.c.Chmod(path, mode.Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// summarize shortens a command for error messages.
func summarize(command string) string {
	line, _, _ := strings.Cut(command, "\n")
	if len(line) > 80 {
		line = line[:77] + "..."
	}
	return line
}
