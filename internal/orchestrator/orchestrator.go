// Package orchestrator drives the lifecycle of a user project on the remote
// host: upload, run script generation, port allocation, launch, status,
// restart and stop. Each operation opens its own remote session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gitgenie/genie/internal/analyzer"
	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/project"
	"github.com/gitgenie/genie/internal/remote"
	"github.com/gitgenie/genie/internal/runscript"
	"github.com/gitgenie/genie/internal/secrets"
	"github.com/gitgenie/genie/internal/supervisor"
)

// DefaultRestartTimeout bounds RestartInPlace as seen by the caller.
const DefaultRestartTimeout = 30 * time.Second

// Operation names used in logs and metrics.
const (
	OpRun     = "run"
	OpStatus  = "status"
	OpRestart = "restart"
	OpStop    = "stop"
)

// ErrProjectNotFound is returned when the project directory does not exist
// on the remote host.
var ErrProjectNotFound = errors.New("project not found")

// UploadError is returned when the project source could not be copied to the
// remote host.
type UploadError struct {
	Project string
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Project, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// TimeoutError is returned when an operation did not finish within its
// deadline. The remote work it started may still complete.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s", e.Op, e.After)
}

// Observer is told about every finished operation.
type Observer interface {
	OperationFinished(op string, err error, d time.Duration)
}

// Options configure an Orchestrator.
type Options struct {
	// Owners maps application users to their project namespace. Without it
	// every project uses the legacy layout.
	Owners         project.OwnerKeyResolver
	RestartTimeout time.Duration
	// SkipInstallOnRestart relaunches without the install section of the
	// run script.
	SkipInstallOnRestart bool
	// SyncEnv copies the local .env files next to the uploaded source.
	SyncEnv     bool
	MaxLogLines int
	Exclude     remote.ExcludeFunc
	Observer    Observer
}

func (o Options) withDefaults() Options {
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = DefaultRestartTimeout
	}
	if o.MaxLogLines <= 0 {
		o.MaxLogLines = defaultMaxLogLines
	}
	if o.Exclude == nil {
		o.Exclude = remote.DefaultExclude
	}
	return o
}

// RunRequest asks for a local project to be deployed and started.
type RunRequest struct {
	UserID    string
	Name      string
	LocalPath string
}

// Result is returned by RunNewProject, RestartInPlace and StopProject, on
// success and on failure alike.
type Result struct {
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	VMIP        string             `json:"vm_ip,omitempty"`
	Port        int                `json:"port,omitempty"`
	BackendPort int                `json:"backend_port,omitempty"`
	URL         string             `json:"url,omitempty"`
	ProjectPath string             `json:"project_path,omitempty"`
	Reused      bool               `json:"reused_script"`
	Commands    []string           `json:"commands,omitempty"`
	Analysis    *analyzer.Analysis `json:"analysis,omitempty"`
	Logs        []string           `json:"logs"`
}

// Status describes a project as found in the remote process table.
type Status struct {
	IsRunning   bool   `json:"is_running"`
	PID         int    `json:"pid,omitempty"`
	Port        int    `json:"port,omitempty"`
	VMIP        string `json:"vm_ip"`
	URL         string `json:"url,omitempty"`
	ProjectPath string `json:"project_path"`
}

// Orchestrator runs project lifecycle operations against one remote host.
type Orchestrator struct {
	host       remote.Host
	dialer     remote.Dialer
	allocator  *ports.Allocator
	generator  *runscript.Generator
	supervisor *supervisor.Supervisor
	opts       Options
	logger     *slog.Logger
}

// New creates an orchestrator for host.
func New(host remote.Host, dialer remote.Dialer, allocator *ports.Allocator, generator *runscript.Generator,
	sup *supervisor.Supervisor, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if allocator == nil {
		allocator = ports.NewAllocator(0, 0, logger)
	}
	if sup == nil {
		sup = supervisor.New(allocator, supervisor.Options{}, logger)
	}
	return &Orchestrator{
		host:       host,
		dialer:     dialer,
		allocator:  allocator,
		generator:  generator,
		supervisor: sup,
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

// Host returns the remote host address projects are served from.
func (o *Orchestrator) Host() string { return o.host.Address }

func (o *Orchestrator) url(port int) string {
	if port == 0 {
		return ""
	}
	return "http://" + o.host.Address + ":" + strconv.Itoa(port)
}

func (o *Orchestrator) observe(op string, start time.Time, err error) {
	if o.opts.Observer != nil {
		o.opts.Observer.OperationFinished(op, err, time.Since(start))
	}
}

// locate validates name and resolves the project directory for userID. An
// owner key that cannot be resolved falls back to the legacy layout.
func (o *Orchestrator) locate(ctx context.Context, userID, name string, logs *LogBuffer) (project.Identity, string, error) {
	if err := project.ValidateName(name); err != nil {
		return project.Identity{}, "", err
	}
	id, err := project.ResolveIdentity(ctx, o.opts.Owners, userID, name)
	if err != nil {
		if logs != nil {
			logs.Warnf("owner key unavailable (%v), using legacy project path", err)
		} else {
			o.logger.Warn("owner key unavailable, using legacy project path", "project", name, "error", err)
		}
	}
	return id, project.Dir(o.host.User, id), nil
}

func (o *Orchestrator) dial(ctx context.Context) (remote.Session, error) {
	return o.dialer.Dial(ctx, o.host)
}

func (o *Orchestrator) newLogs(op, name string) *LogBuffer {
	return NewLogBuffer(o.opts.MaxLogLines, o.logger.With("op", op, "project", name))
}

// fail fills the failure fields of res.
func fail(res Result, logs *LogBuffer, err error) (Result, error) {
	logs.Errorf("%v", err)
	res.Success = false
	res.Message = err.Error()
	res.Logs = logs.Lines()
	return res, err
}

// RunNewProject uploads the project at req.LocalPath, generates or reuses its
// run script, allocates a port and starts it.
func (o *Orchestrator) RunNewProject(ctx context.Context, req RunRequest) (res Result, err error) {
	start := time.Now()
	defer func() { o.observe(OpRun, start, err) }()

	logs := o.newLogs(OpRun, req.Name)
	res = Result{VMIP: o.host.Address}

	_, dir, err := o.locate(ctx, req.UserID, req.Name, logs)
	if err != nil {
		return fail(res, logs, err)
	}
	res.ProjectPath = dir
	if info, statErr := os.Stat(req.LocalPath); statErr != nil || !info.IsDir() {
		return fail(res, logs, &UploadError{Project: req.Name, Err: fmt.Errorf("local path %q is not a directory", req.LocalPath)})
	}

	sess, err := o.dial(ctx)
	if err != nil {
		return fail(res, logs, err)
	}
	defer sess.Close()
	logs.Infof("connected to %s", sess.Host())

	if err := o.upload(ctx, sess, req, dir, logs); err != nil {
		return fail(res, logs, err)
	}

	script, err := o.generator.Generate(ctx, sess, dir, ports.Lease{})
	if err != nil {
		return fail(res, logs, err)
	}
	res.Reused = script.Reused
	res.Commands = script.Plan.Commands()
	res.Analysis = script.Analysis
	if script.Reused {
		logs.Infof("reusing existing run script %s", script.Path)
	} else {
		logs.Infof("generated run script %s", script.Path)
		o.checkEnv(req.LocalPath, script, logs)
	}

	lease, err := o.allocator.Lease(ctx, sess, script.Plan.Ports.Backend > 0)
	if err != nil {
		return fail(res, logs, err)
	}
	res.Port, res.BackendPort = lease.Port, lease.Backend
	logs.Infof("allocated port %d", lease.Port)

	started, err := o.supervisor.Start(ctx, sess, dir, script.Path, supervisor.Launch{Lease: lease})
	if err != nil {
		return fail(res, logs, err)
	}
	return o.succeed(res, logs, started, lease)
}

func (o *Orchestrator) succeed(res Result, logs *LogBuffer, started supervisor.Started, lease ports.Lease) (Result, error) {
	res.Port, res.BackendPort = lease.Port, lease.Backend
	res.URL = o.url(lease.Port)
	if started.Bound {
		logs.Infof("listening on %s", res.URL)
		res.Message = "project is running at " + res.URL
	} else {
		logs.Warnf("port %d not bound yet, the project is still starting", lease.Port)
		res.Message = "project is starting at " + res.URL
	}
	res.Success = true
	res.Logs = logs.Lines()
	return res, nil
}

func (o *Orchestrator) upload(ctx context.Context, sess remote.Session, req RunRequest, dir string, logs *LogBuffer) error {
	res, err := sess.Exec(ctx, "mkdir -p "+remote.Quote(dir))
	if err == nil && !res.OK() {
		err = fmt.Errorf("mkdir: %s", res.Output())
	}
	if err != nil {
		return &UploadError{Project: req.Name, Err: err}
	}

	stats, err := sess.UploadTree(ctx, req.LocalPath, dir, o.opts.Exclude)
	if err != nil {
		return &UploadError{Project: req.Name, Err: err}
	}
	logs.Infof("uploaded %d files in %d directories (%d bytes, %d skipped)", stats.Files, stats.Dirs, stats.Bytes, stats.Skipped)

	if !o.opts.SyncEnv {
		return nil
	}
	vars, err := secrets.Load(req.LocalPath)
	if err != nil {
		logs.Warnf("could not read local env files: %v", err)
		return nil
	}
	if len(vars) == 0 {
		return nil
	}
	if err := sess.WriteFile(ctx, project.PathsIn(dir).Env, secrets.Render(vars), 0o600); err != nil {
		return &UploadError{Project: req.Name, Err: err}
	}
	logs.Infof("copied %d environment variables", len(vars))
	return nil
}

// checkEnv warns about secrets the code reads that no env file defines.
func (o *Orchestrator) checkEnv(localPath string, script runscript.Script, logs *LogBuffer) {
	if script.Analysis == nil {
		return
	}
	found, err := secrets.Scan(localPath, script.Analysis.ProjectType)
	if err != nil {
		o.logger.Debug("env scan failed", "path", localPath, "error", err)
		return
	}
	defined, err := secrets.Load(localPath)
	if err != nil {
		o.logger.Debug("env files unreadable", "path", localPath, "error", err)
		return
	}
	for _, v := range secrets.Missing(found, defined) {
		logs.Warnf("%s is read in %s:%d but not defined in .env", v.Name, v.File, v.Line)
	}
}

// CheckStatus reports whether the project runs, from a single inspection of
// the remote process table. It never changes remote state.
func (o *Orchestrator) CheckStatus(ctx context.Context, userID, name string) (st Status, err error) {
	start := time.Now()
	defer func() { o.observe(OpStatus, start, err) }()

	_, dir, err := o.locate(ctx, userID, name, nil)
	if err != nil {
		return Status{}, err
	}
	st = Status{VMIP: o.host.Address, ProjectPath: dir}

	sess, err := o.dial(ctx)
	if err != nil {
		return st, err
	}
	defer sess.Close()

	h, running, err := o.supervisor.FindRunning(ctx, sess, dir)
	if err != nil || !running {
		return st, err
	}
	st.IsRunning = true
	st.PID = h.PID
	st.Port = h.Port
	st.URL = o.url(h.Port)
	return st, nil
}

type outcome struct {
	res Result
	err error
}

// RestartInPlace relaunches an uploaded project without uploading it again,
// on a freshly allocated port. The caller waits at most RestartTimeout; the
// remote work is not cancelled when the deadline passes.
func (o *Orchestrator) RestartInPlace(ctx context.Context, userID, name string) (res Result, err error) {
	start := time.Now()
	defer func() { o.observe(OpRestart, start, err) }()

	logs := o.newLogs(OpRestart, name)
	res = Result{VMIP: o.host.Address}
	_, dir, err := o.locate(ctx, userID, name, logs)
	if err != nil {
		return fail(res, logs, err)
	}
	res.ProjectPath = dir

	done := make(chan outcome, 1)
	work := context.WithoutCancel(ctx)
	go func() {
		r, err := o.restart(work, dir, res, logs)
		done <- outcome{r, err}
	}()

	timer := time.NewTimer(o.opts.RestartTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		return fail(res, logs, &TimeoutError{Op: OpRestart, After: o.opts.RestartTimeout})
	case <-ctx.Done():
		return fail(res, logs, ctx.Err())
	}
}

func (o *Orchestrator) restart(ctx context.Context, dir string, res Result, logs *LogBuffer) (Result, error) {
	sess, err := o.dial(ctx)
	if err != nil {
		return fail(res, logs, err)
	}
	defer sess.Close()

	check, err := sess.Exec(ctx, "test -d "+remote.Quote(dir))
	if err != nil {
		return fail(res, logs, err)
	}
	if !check.OK() {
		return fail(res, logs, fmt.Errorf("%w: %s", ErrProjectNotFound, dir))
	}

	script, err := o.generator.Generate(ctx, sess, dir, ports.Lease{})
	if err != nil {
		return fail(res, logs, err)
	}
	res.Reused = script.Reused
	res.Commands = script.Plan.Commands()
	res.Analysis = script.Analysis

	lease, started, err := o.supervisor.Restart(ctx, sess, dir, script.Path,
		script.Plan.Ports.Backend > 0, o.opts.SkipInstallOnRestart)
	if err != nil {
		res.Port, res.BackendPort = lease.Port, lease.Backend
		return fail(res, logs, err)
	}
	logs.Infof("restarted on port %d", lease.Port)
	return o.succeed(res, logs, started, lease)
}

// StopProject terminates the project's processes. Stopping a project that is
// not running is not an error: the result reports Success false.
func (o *Orchestrator) StopProject(ctx context.Context, userID, name string) (res Result, err error) {
	start := time.Now()
	defer func() { o.observe(OpStop, start, err) }()

	logs := o.newLogs(OpStop, name)
	res = Result{VMIP: o.host.Address}
	_, dir, err := o.locate(ctx, userID, name, logs)
	if err != nil {
		return fail(res, logs, err)
	}
	res.ProjectPath = dir

	sess, err := o.dial(ctx)
	if err != nil {
		return fail(res, logs, err)
	}
	defer sess.Close()

	stopped, err := o.supervisor.Stop(ctx, sess, dir)
	if err != nil {
		return fail(res, logs, err)
	}
	if !stopped {
		logs.Infof("no running process found")
		res.Message = "project is not running"
		res.Logs = logs.Lines()
		return res, nil
	}
	logs.Infof("project stopped")
	res.Success = true
	res.Message = "project stopped"
	res.Logs = logs.Lines()
	return res, nil
}
