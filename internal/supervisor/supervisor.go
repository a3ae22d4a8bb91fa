// Package supervisor starts, finds and stops project processes on the remote
// host. No process state is kept locally: every query is answered from the
// remote process table.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/project"
	"github.com/gitgenie/genie/internal/remote"
	"github.com/gitgenie/genie/internal/runscript"
)

const (
	DefaultStartupWait  = 15 * time.Second
	DefaultPollInterval = time.Second
	DefaultStopGrace    = 3 * time.Second
	defaultLogTailLines = 20
)

// Options tune process supervision.
type Options struct {
	// StartupWait bounds how long Start waits for the port to be bound.
	StartupWait  time.Duration
	PollInterval time.Duration
	// StopGrace is the time between TERM and KILL.
	StopGrace    time.Duration
	LogTailLines int
}

func (o Options) withDefaults() Options {
	if o.StartupWait <= 0 {
		o.StartupWait = DefaultStartupWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.LogTailLines <= 0 {
		o.LogTailLines = defaultLogTailLines
	}
	return o
}

// Handle is a running project as observed on the remote host.
type Handle struct {
	PID     int
	Port    int
	WorkDir string
	// PIDs are all processes whose working directory is inside WorkDir.
	PIDs []int
}

// Launch parameterizes one Start.
type Launch struct {
	Lease       ports.Lease
	SkipInstall bool
}

// Started reports how a launch went.
type Started struct {
	LauncherPID int
	// Bound is false when the startup wait ran out while the launcher was
	// still alive, typically during a long dependency install.
	Bound bool
}

// StartFailedError is returned when the launched process died before binding
// its port.
type StartFailedError struct {
	Project string
	Port    int
	// LogTail holds the last lines of the run and launch logs.
	LogTail string
}

func (e *StartFailedError) Error() string {
	msg := fmt.Sprintf("%s exited before listening on port %d", e.Project, e.Port)
	if e.LogTail != "" {
		msg += ":\n" + e.LogTail
	}
	return msg
}

// Supervisor controls project processes.
type Supervisor struct {
	opts      Options
	allocator *ports.Allocator
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// New creates a supervisor. The allocator is used by Restart.
func New(allocator *ports.Allocator, opts Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if allocator == nil {
		allocator = ports.NewAllocator(0, 0, logger)
	}
	return &Supervisor{
		opts:      opts.withDefaults(),
		allocator: allocator,
		logger:    logger,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func launchEnv(l Launch) string {
	backend := l.Lease.Backend
	if backend == 0 {
		backend = l.Lease.Port
	}
	env := fmt.Sprintf("PORT=%d FRONTEND_PORT=%d BACKEND_PORT=%d", l.Lease.Port, l.Lease.Port, backend)
	if l.SkipInstall {
		env += " " + runscript.SkipInstallVar + "=1"
	}
	return env
}

// Start runs scriptPath detached from the session and waits up to
// StartupWait for the leased port to be bound.
func (s *Supervisor) Start(ctx context.Context, sess remote.Session, projectPath, scriptPath string, l Launch) (Started, error) {
	paths := project.PathsIn(projectPath)
	cmd := fmt.Sprintf("rm -f %s; %s setsid nohup bash %s > %s 2>&1 < /dev/null & echo $!",
		remote.Quote(paths.PIDFile), launchEnv(l), remote.Quote(scriptPath), remote.Quote(paths.LaunchLog))

	res, err := sess.Exec(ctx, cmd)
	if err != nil {
		return Started{}, fmt.Errorf("launch %s: %w", scriptPath, err)
	}
	launcher, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil || !res.OK() {
		return Started{}, fmt.Errorf("launch %s: unexpected output %q", scriptPath, res.Output())
	}
	s.logger.Info("launcher started", "project", projectPath, "pid", launcher, "port", l.Lease.Port)

	started := Started{LauncherPID: launcher}
	deadline := s.now().Add(s.opts.StartupWait)
	for {
		st, err := s.probe(ctx, sess, paths, launcher, l.Lease.Port)
		if err != nil {
			return started, err
		}
		if st.bound {
			started.Bound = true
			s.logger.Info("project listening", "project", projectPath, "port", l.Lease.Port)
			return started, nil
		}
		if !st.launcher && !st.app {
			return started, &StartFailedError{
				Project: projectPath,
				Port:    l.Lease.Port,
				LogTail: s.logTail(ctx, sess, paths),
			}
		}
		if !s.now().Before(deadline) {
			s.logger.Warn("port not bound yet, leaving project starting",
				"project", projectPath, "port", l.Lease.Port, "waited", s.opts.StartupWait)
			return started, nil
		}
		if err := s.sleep(ctx, s.opts.PollInterval); err != nil {
			return started, err
		}
	}
}

type launchState struct {
	launcher bool
	app      bool
	bound    bool
}

func (s *Supervisor) probe(ctx context.Context, sess remote.Session, paths project.Paths, launcher, port int) (launchState, error) {
	cmd := fmt.Sprintf(
		`if kill -0 %d 2>/dev/null; then echo launcher=1; else echo launcher=0; fi; `+
			`p=$(cat %s 2>/dev/null); if [ -n "$p" ] && kill -0 "$p" 2>/dev/null; then echo app=1; else echo app=0; fi; `+
			`if ! { %s; }; then echo bound=unknown; elif %s; then echo bound=1; else echo bound=0; fi`,
		launcher, remote.Quote(paths.PIDFile), ports.SocketToolCheck, ports.ListeningTest(port))
	res, err := sess.Exec(ctx, cmd)
	if err != nil {
		return launchState{}, fmt.Errorf("check launch of %s: %w", paths.Dir, err)
	}
	kv := parseKeyValues(res.Stdout)
	if kv["bound"] == "unknown" {
		return launchState{}, fmt.Errorf("check launch of %s: %w", paths.Dir, ports.ErrNoSocketTool)
	}
	return launchState{
		launcher: kv["launcher"] == "1",
		app:      kv["app"] == "1",
		bound:    kv["bound"] == "1",
	}, nil
}

func (s *Supervisor) logTail(ctx context.Context, sess remote.Session, paths project.Paths) string {
	cmd := fmt.Sprintf("tail -n %d %s %s 2>/dev/null", s.opts.LogTailLines,
		remote.Quote(paths.RunLog), remote.Quote(paths.LaunchLog))
	res, err := sess.Exec(ctx, cmd)
	if err != nil {
		s.logger.Debug("could not read logs", "project", paths.Dir, "error", err)
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// findCommand lists pids whose cwd is projectPath or below, then the
// listening sockets with their owners, in one round trip.
func findCommand(projectPath string) string {
	return fmt.Sprintf(
		`dir=%s; for p in /proc/[0-9]*; do c=$(readlink "$p/cwd" 2>/dev/null) || continue; `+
			`case "$c" in "$dir"|"$dir"/*) echo "pid ${p#/proc/}";; esac; done; `+
			`echo %s; ss -Htlnp 2>/dev/null || netstat -tlnp 2>/dev/null || true`,
		remote.Quote(projectPath), processListSeparator)
}

// FindRunning reports the process serving projectPath, if any.
func (s *Supervisor) FindRunning(ctx context.Context, sess remote.Session, projectPath string) (Handle, bool, error) {
	res, err := sess.Exec(ctx, findCommand(projectPath))
	if err != nil {
		return Handle{}, false, fmt.Errorf("inspect processes of %s: %w", projectPath, err)
	}
	pids, listeners := parseProcessListing(res.Stdout)
	if len(pids) == 0 {
		return Handle{}, false, nil
	}
	pid, port := pickHandle(pids, listeners)
	return Handle{PID: pid, Port: port, WorkDir: projectPath, PIDs: pids}, true, nil
}

// Stop terminates every process of the project: TERM, a grace period, then
// KILL for whatever is left. It reports false when nothing was running.
func (s *Supervisor) Stop(ctx context.Context, sess remote.Session, projectPath string) (bool, error) {
	h, running, err := s.FindRunning(ctx, sess, projectPath)
	if err != nil || !running {
		return false, err
	}
	list := joinPIDs(h.PIDs)
	s.logger.Info("stopping project", "project", projectPath, "pids", list)

	if _, err := sess.Exec(ctx, "kill -TERM "+list+" 2>/dev/null; true"); err != nil {
		return false, fmt.Errorf("signal %s: %w", projectPath, err)
	}
	if err := s.sleep(ctx, s.opts.StopGrace); err != nil {
		return false, err
	}
	kill := fmt.Sprintf("for p in %s; do kill -0 $p 2>/dev/null && kill -KILL $p 2>/dev/null; done; rm -f %s; true",
		list, remote.Quote(project.PathsIn(projectPath).PIDFile))
	if _, err := sess.Exec(ctx, kill); err != nil {
		return false, fmt.Errorf("kill %s: %w", projectPath, err)
	}
	return true, nil
}

// Restart stops the project if it runs, leases fresh ports and starts it
// again. A stopped project is simply started.
func (s *Supervisor) Restart(ctx context.Context, sess remote.Session, projectPath, scriptPath string, withBackend, skipInstall bool) (ports.Lease, Started, error) {
	wasRunning, err := s.Stop(ctx, sess, projectPath)
	if err != nil {
		return ports.Lease{}, Started{}, err
	}
	if !wasRunning {
		s.logger.Info("project was not running", "project", projectPath)
	}
	lease, err := s.allocator.Lease(ctx, sess, withBackend)
	if err != nil {
		return ports.Lease{}, Started{}, err
	}
	started, err := s.Start(ctx, sess, projectPath, scriptPath, Launch{Lease: lease, SkipInstall: skipInstall})
	return lease, started, err
}

func joinPIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, " ")
}
