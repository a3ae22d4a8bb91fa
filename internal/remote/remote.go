// Package remote is the execution channel to the VM that hosts user projects.
//
// One Session is opened per logical operation and closed when that operation
// finishes. Sessions are never pooled: user actions can be minutes apart and
// a fresh connection avoids reusing one the VM has silently dropped.
package remote

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/gitgenie/genie/internal/project"
)

const (
	defaultSSHPort        = 22
	defaultConnectTimeout = 10 * time.Second
)

// Host identifies the remote machine and how to authenticate to it.
type Host struct {
	// Address is the hostname or IP of the VM. It is also the address
	// browsers and the proxy use to reach started projects.
	Address string
	Port    int
	User    string
	// KeyPath points at a PEM private key. PrivateKey takes precedence when set.
	KeyPath    string
	PrivateKey []byte
	// KnownHostsPath enables host key verification. Empty accepts any host key.
	KnownHostsPath string
	ConnectTimeout time.Duration
}

func (h Host) port() int {
	if h.Port <= 0 {
		return defaultSSHPort
	}
	return h.Port
}

func (h Host) connectTimeout() time.Duration {
	if h.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return h.ConnectTimeout
}

// Validate reports whether the host has enough information to connect.
func (h Host) Validate() error {
	if strings.TrimSpace(h.Address) == "" {
		return fmt.Errorf("remote host address is required")
	}
	if strings.TrimSpace(h.User) == "" {
		return fmt.Errorf("remote user is required")
	}
	if h.KeyPath == "" && len(h.PrivateKey) == 0 {
		return fmt.Errorf("remote private key is required (key_path or private_key)")
	}
	return nil
}

// ConnectionError is returned when the remote host cannot be reached or
// refuses authentication.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Result is the outcome of a remote command. A non-zero ExitCode is not an
// error: callers decide what an exit status means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited with status 0.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Output returns stdout and stderr joined, trimmed.
func (r Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

type execOptions struct {
	workDir string
	stdin   io.Reader
}

// ExecOption customizes a single Exec call.
type ExecOption func(*execOptions)

// WithWorkDir runs the command from dir.
func WithWorkDir(dir string) ExecOption {
	return func(o *execOptions) { o.workDir = dir }
}

// WithStdin feeds r to the command's standard input.
func WithStdin(r io.Reader) ExecOption {
	return func(o *execOptions) { o.stdin = r }
}

// BuildCommand applies the options that change the command line itself.
func BuildCommand(command string, opts ...ExecOption) string {
	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.workDir == "" {
		return command
	}
	return "cd " + Quote(o.workDir) + " && " + command
}

// Executor runs shell commands on the remote host.
type Executor interface {
	Exec(ctx context.Context, command string, opts ...ExecOption) (Result, error)
}

// UploadStats summarizes an UploadTree call.
type UploadStats struct {
	Files   int
	Dirs    int
	Skipped int
	Bytes   int64
}

// ExcludeFunc decides whether a local entry is left out of an upload. rel is
// the slash-separated path relative to the upload root.
type ExcludeFunc func(rel string, d fs.DirEntry) bool

// Session is one authenticated connection to the remote host.
type Session interface {
	Executor
	UploadTree(ctx context.Context, localPath, remotePath string, exclude ExcludeFunc) (UploadStats, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Host returns the address the session is connected to.
	Host() string
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, host Host) (Session, error)
}

// Quote wraps s in single quotes for POSIX shells.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// dependency caches never worth shipping to the VM; they are rebuilt there
var excludedDirs = map[string]bool{
	"node_modules": true,
	"venv":         true,
	"__pycache__":  true,
}

// DefaultExclude skips hidden entries and dependency caches. The run plan
// written by `genie init` at the project root is kept.
func DefaultExclude(rel string, d fs.DirEntry) bool {
	name := d.Name()
	if rel == project.PlanName && !d.IsDir() {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	return d.IsDir() && excludedDirs[name]
}
