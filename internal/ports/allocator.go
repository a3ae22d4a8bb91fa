package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gitgenie/genie/internal/remote"
)

const (
	DefaultRangeStart = 8000
	DefaultRangeEnd   = 9000
)

// ErrNoPortAvailable matches every NoPortAvailableError.
var ErrNoPortAvailable = errors.New("no port available")

// NoPortAvailableError is returned when every port in [Start, End] has a
// listener on the remote host.
type NoPortAvailableError struct {
	Start, End int
}

func (e *NoPortAvailableError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Start, e.End)
}

func (e *NoPortAvailableError) Is(target error) bool { return target == ErrNoPortAvailable }

// Allocator picks listening ports on the remote host.
type Allocator struct {
	Start  int
	End    int
	logger *slog.Logger
}

// NewAllocator creates an allocator for [start, end]. Zero bounds fall back to
// 8000 and 9000.
func NewAllocator(start, end int, logger *slog.Logger) *Allocator {
	if start <= 0 {
		start = DefaultRangeStart
	}
	if end <= 0 {
		end = DefaultRangeEnd
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{Start: start, End: end, logger: logger}
}

// ErrNoSocketTool is returned when the remote host has neither ss nor
// netstat, so listeners cannot be seen.
var ErrNoSocketTool = errors.New("neither ss nor netstat is installed on the remote host")

// SocketToolCheck succeeds when the remote host can list listening sockets.
const SocketToolCheck = "command -v ss >/dev/null 2>&1 || command -v netstat >/dev/null 2>&1"

const exitNoSocketTool = 3

// ListeningTest is a shell condition true when something listens on port.
func ListeningTest(port int) string {
	return fmt.Sprintf(
		"(ss -Htln 2>/dev/null || netstat -tln 2>/dev/null) | awk '{print $4}' | grep -Eq '[:.]%d$'",
		port)
}

// probeCommand exits 0 when something listens on port, 1 when nothing does
// and 3 when listeners cannot be listed.
func probeCommand(port int) string {
	return fmt.Sprintf("%s || exit %d; %s", SocketToolCheck, exitNoSocketTool, ListeningTest(port))
}

// InUse reports whether port has a listener on the remote host.
func InUse(ctx context.Context, exec remote.Executor, port int) (bool, error) {
	res, err := exec.Exec(ctx, probeCommand(port))
	if err != nil {
		return false, fmt.Errorf("probe port %d: %w", port, err)
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	case exitNoSocketTool:
		return false, fmt.Errorf("probe port %d: %w", port, ErrNoSocketTool)
	default:
		return false, fmt.Errorf("probe port %d: exit %d: %s", port, res.ExitCode, res.Output())
	}
}

// FindFreePort scans [start, end] in order and returns the first port with no
// listener. Nothing is cached between calls; the port is not reserved, so a
// concurrent launcher can still take it before it binds.
func (a *Allocator) FindFreePort(ctx context.Context, exec remote.Executor, start, end int) (int, error) {
	got, err := a.scan(ctx, exec, start, end, 1)
	if err != nil {
		return 0, err
	}
	return got[0], nil
}

// FindFreePorts returns n distinct free ports from the allocator's range in a
// single pass.
func (a *Allocator) FindFreePorts(ctx context.Context, exec remote.Executor, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	return a.scan(ctx, exec, a.Start, a.End, n)
}

// Allocate returns one free port from the allocator's range.
func (a *Allocator) Allocate(ctx context.Context, exec remote.Executor) (int, error) {
	return a.FindFreePort(ctx, exec, a.Start, a.End)
}

func (a *Allocator) scan(ctx context.Context, exec remote.Executor, start, end, n int) ([]int, error) {
	if start > end {
		return nil, &NoPortAvailableError{Start: start, End: end}
	}
	found := make([]int, 0, n)
	for port := start; port <= end; port++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		busy, err := InUse(ctx, exec, port)
		if err != nil {
			return nil, err
		}
		if busy {
			a.logger.Debug("port in use", "port", port)
			continue
		}
		found = append(found, port)
		if len(found) == n {
			a.logger.Debug("ports allocated", "ports", found)
			return found, nil
		}
	}
	return nil, &NoPortAvailableError{Start: start, End: end}
}

// Lease is the set of ports picked for one launch. Nothing reserves them on
// the remote host.
type Lease struct {
	Port    int `json:"port"`
	Backend int `json:"backend_port,omitempty"`
}

// Lease allocates the main port and, when withBackend is set, a distinct
// backend port.
func (a *Allocator) Lease(ctx context.Context, exec remote.Executor, withBackend bool) (Lease, error) {
	n := 1
	if withBackend {
		n = 2
	}
	got, err := a.FindFreePorts(ctx, exec, n)
	if err != nil {
		return Lease{}, err
	}
	l := Lease{Port: got[0]}
	if withBackend {
		l.Backend = got[1]
	}
	return l, nil
}
