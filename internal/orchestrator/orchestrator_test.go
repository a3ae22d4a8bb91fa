package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitgenie/genie/internal/analyzer"
	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/project"
	"github.com/gitgenie/genie/internal/remote"
	"github.com/gitgenie/genie/internal/remote/remotetest"
	"github.com/gitgenie/genie/internal/runscript"
	"github.com/gitgenie/genie/internal/supervisor"
)

const (
	vmIP      = "10.0.0.5"
	ownedDir  = "/home/genie/projects/k1/shop"
	legacyDir = "/home/genie/projects/shop"
)

type stubAnalyzer struct {
	a     analyzer.Analysis
	err   error
	calls int
}

func (s *stubAnalyzer) Analyze(ctx context.Context, fileTree, manifest string) (analyzer.Analysis, error) {
	s.calls++
	return s.a, s.err
}

func expressApp() analyzer.Analysis {
	return analyzer.Analysis{
		ProjectType:     "node",
		Framework:       "express",
		InstallCommands: []string{"npm install"},
		RunCommands:     []string{"node server.js"},
		Ports:           analyzer.Ports{Frontend: 3000},
	}
}

type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) OperationFinished(op string, err error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op+":"+Kind(err))
}

type fixture struct {
	orch     *Orchestrator
	session  *remotetest.FakeSession
	dialer   *remotetest.FakeDialer
	analyzer *stubAnalyzer
	observed *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := remotetest.NewFakeSession(vmIP)
	d := &remotetest.FakeDialer{Session: s}
	a := &stubAnalyzer{a: expressApp()}
	rec := &recorder{}

	alloc := ports.NewAllocator(8000, 9000, logger)
	sup := supervisor.New(alloc, supervisor.Options{
		StartupWait:  50 * time.Millisecond,
		PollInterval: time.Millisecond,
		StopGrace:    time.Millisecond,
	}, logger)
	if opts.Owners == nil {
		opts.Owners = project.StaticResolver{"user-1": "k1"}
	}
	opts.Observer = rec

	host := remote.Host{Address: vmIP, User: "genie", KeyPath: "/dev/null"}
	o := New(host, d, alloc, runscript.NewGenerator(a, logger), sup, opts, logger)
	return &fixture{orch: o, session: s, dialer: d, analyzer: a, observed: rec}
}

var probedPort = regexp.MustCompile(`\[:\.\](\d+)\$`)

// listening makes the port probe report the given ports as taken.
func (f *fixture) listening(busy ...string) {
	f.session.On("grep -Eq", func(command, _ string) (remote.Result, error) {
		m := probedPort.FindStringSubmatch(command)
		for _, b := range busy {
			if m != nil && m[1] == b {
				return remote.Result{}, nil
			}
		}
		return remote.Result{ExitCode: 1}, nil
	})
}

// launches makes every launch succeed and bind its port on the first probe.
func (f *fixture) launches() {
	f.session.OnResult("setsid nohup bash", remote.Result{Stdout: "4321\n"})
	f.session.OnResult("echo launcher=", remote.Result{Stdout: "launcher=1\napp=1\nbound=1\n"})
}

func localProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"package.json":                  `{"scripts":{"start":"node server.js"}}`,
		"server.js":                     "const key = process.env.STRIPE_API_KEY\napp.listen(3000)\n",
		".env":                          "GREETING=hello world\n",
		"node_modules/express/index.js": "module.exports = {}\n",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func TestRunNewProjectAllocatesPortInRange(t *testing.T) {
	f := newFixture(t, Options{SyncEnv: true})
	f.listening("8000")
	f.launches()

	res, err := f.orch.RunNewProject(context.Background(), RunRequest{UserID: "user-1", Name: "shop", LocalPath: localProject(t)})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 8001, res.Port)
	assert.Equal(t, "http://10.0.0.5:8001", res.URL)
	assert.Equal(t, vmIP, res.VMIP)
	assert.Equal(t, ownedDir, res.ProjectPath)
	assert.False(t, res.Reused)
	assert.Equal(t, []string{"npm install", "PORT=${PORT} node server.js"}, res.Commands)
	require.NotNil(t, res.Analysis)
	assert.NotEmpty(t, res.Logs)

	assert.True(t, f.session.HasFile(ownedDir+"/server.js"))
	assert.False(t, f.session.HasFile(ownedDir+"/node_modules/express/index.js"))
	assert.True(t, f.session.HasFile(ownedDir+"/genie-run.sh"))
	assert.Equal(t, "# Written by genie from the local .env files.\nGREETING='hello world'\n",
		string(f.session.Files[ownedDir+"/.env"]))
	assert.EqualValues(t, 0o600, f.session.Modes[ownedDir+"/.env"])

	assert.Equal(t, 1, f.session.Ran("mkdir -p '"+ownedDir+"'"))
	assert.Equal(t, 1, f.session.Ran("PORT=8001 FRONTEND_PORT=8001 BACKEND_PORT=8001 setsid"))
	assert.Equal(t, 1, f.session.Closed)
	assert.Contains(t, strings.Join(res.Logs, "\n"), "STRIPE_API_KEY is read in server.js:1")
	assert.Equal(t, []string{"run:ok"}, f.observed.ops)
}

func TestRunNewProjectReusesScript(t *testing.T) {
	f := newFixture(t, Options{})
	f.listening()
	f.launches()
	f.session.Files[ownedDir+"/genie-run.sh"] = []byte("#!/usr/bin/env bash\n")

	res, err := f.orch.RunNewProject(context.Background(), RunRequest{UserID: "user-1", Name: "shop", LocalPath: localProject(t)})
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Equal(t, 8000, res.Port)
	assert.Zero(t, f.analyzer.calls)
	assert.False(t, f.session.HasFile(ownedDir+"/.env"), "env sync is off")
}

func TestRunNewProjectUsesScriptFromInit(t *testing.T) {
	f := newFixture(t, Options{})
	f.analyzer.a.Ports.Backend = 5000
	f.listening()
	f.launches()
	dir := localProject(t)

	local, err := f.orch.generator.GenerateLocal(context.Background(), dir, false)
	require.NoError(t, err)
	require.Equal(t, 1, f.analyzer.calls)

	res, err := f.orch.RunNewProject(context.Background(), RunRequest{UserID: "user-1", Name: "shop", LocalPath: dir})
	require.NoError(t, err)

	assert.True(t, res.Reused)
	assert.Equal(t, 1, f.analyzer.calls, "the uploaded script is reused")
	assert.True(t, f.session.HasFile(ownedDir+"/"+project.PlanName))
	assert.Equal(t, local.Plan.Commands(), res.Commands)
	assert.NotEmpty(t, res.Commands)
	assert.Equal(t, 8000, res.Port)
	assert.Equal(t, 8001, res.BackendPort)
	assert.Equal(t, 1, f.session.Ran("PORT=8000 FRONTEND_PORT=8000 BACKEND_PORT=8001 setsid"))
}

func TestRunNewProjectUnreadableEnvFile(t *testing.T) {
	f := newFixture(t, Options{})
	var debug bytes.Buffer
	f.orch.logger = slog.New(slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.listening()
	f.launches()
	dir := localProject(t)
	require.NoError(t, os.Remove(filepath.Join(dir, ".env")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".env"), 0o755))

	res, err := f.orch.RunNewProject(context.Background(), RunRequest{UserID: "user-1", Name: "shop", LocalPath: dir})
	require.NoError(t, err)
	assert.Contains(t, debug.String(), "env files unreadable")
	assert.NotContains(t, strings.Join(res.Logs, "\n"), "STRIPE_API_KEY", "no warnings without the env files")
}

func TestRunNewProjectFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fixture)
		kind  string
		check func(*testing.T, error)
	}{
		{
			name:  "unreachable host",
			setup: func(f *fixture) { f.dialer.Err = &remote.ConnectionError{Host: vmIP, Err: errors.New("i/o timeout")} },
			kind:  KindConnection,
		},
		{
			name:  "upload fails",
			setup: func(f *fixture) { f.session.UploadErr = errors.New("sftp: permission denied") },
			kind:  KindUpload,
			check: func(t *testing.T, err error) {
				var ue *UploadError
				require.True(t, errors.As(err, &ue))
				assert.Equal(t, "shop", ue.Project)
			},
		},
		{
			name: "every port taken",
			setup: func(f *fixture) {
				f.orch.allocator.Start, f.orch.allocator.End = 8000, 8002
				f.listening("8000", "8001", "8002")
			},
			kind: KindNoPort,
			check: func(t *testing.T, err error) {
				var npe *ports.NoPortAvailableError
				require.True(t, errors.As(err, &npe))
				assert.Equal(t, 8002, npe.End)
			},
		},
		{
			name:  "analysis fails",
			setup: func(f *fixture) { f.analyzer.err = errors.New("unparseable reply") },
			kind:  KindGeneration,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, analyzer.ErrAnalysisFailed) },
		},
		{
			name: "process dies",
			setup: func(f *fixture) {
				f.session.OnResult("setsid nohup bash", remote.Result{Stdout: "4321\n"})
				f.session.OnResult("echo launcher=", remote.Result{Stdout: "launcher=0\napp=0\nbound=0\n"})
				f.session.OnResult("tail -n", remote.Result{Stdout: "SyntaxError: Unexpected token\n"})
			},
			kind: KindStartFailed,
			check: func(t *testing.T, err error) {
				var sfe *supervisor.StartFailedError
				require.True(t, errors.As(err, &sfe))
				assert.Contains(t, sfe.LogTail, "SyntaxError")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.listening()
			tt.setup(f)

			res, err := f.orch.RunNewProject(context.Background(), RunRequest{UserID: "user-1", Name: "shop", LocalPath: localProject(t)})
			require.Error(t, err)
			assert.Equal(t, tt.kind, Kind(err))
			assert.False(t, res.Success)
			assert.Equal(t, err.Error(), res.Message)
			assert.NotEmpty(t, res.Logs)
			assert.Equal(t, vmIP, res.VMIP)
			if tt.check != nil {
				tt.check(t, err)
			}
			assert.Equal(t, []string{"run:" + tt.kind}, f.observed.ops)
		})
	}
}

func TestRunNewProjectRejectsBadInput(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.orch.RunNewProject(context.Background(), RunRequest{UserID: "user-1", Name: "../etc", LocalPath: t.TempDir()})
	assert.ErrorIs(t, err, project.ErrInvalidName)
	assert.Equal(t, KindValidation, Kind(err))

	_, err = f.orch.RunNewProject(context.Background(), RunRequest{UserID: "user-1", Name: "shop", LocalPath: "/does/not/exist"})
	assert.Equal(t, KindUpload, Kind(err))
	assert.Zero(t, f.dialer.Dials)
}

func TestLegacyPathWhenOwnerUnknown(t *testing.T) {
	f := newFixture(t, Options{})
	f.listening()
	f.launches()

	res, err := f.orch.RunNewProject(context.Background(), RunRequest{UserID: "stranger", Name: "shop", LocalPath: localProject(t)})
	require.NoError(t, err)
	assert.Equal(t, legacyDir, res.ProjectPath)
	assert.Contains(t, strings.Join(res.Logs, "\n"), "using legacy project path")
}

func TestCheckStatusIsReadOnlyAndIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.session.OnResult("readlink", remote.Result{Stdout: "pid 900\n--listeners--\n" +
		`LISTEN 0 511 0.0.0.0:8004 0.0.0.0:* users:(("node",pid=900,fd=18))` + "\n"})

	for i := 0; i < 3; i++ {
		st, err := f.orch.CheckStatus(context.Background(), "user-1", "shop")
		require.NoError(t, err)
		assert.Equal(t, Status{IsRunning: true, PID: 900, Port: 8004, VMIP: vmIP,
			URL: "http://10.0.0.5:8004", ProjectPath: ownedDir}, st)
	}
	assert.Len(t, f.session.Commands, 3, "one round trip per status")
	assert.Zero(t, f.session.Ran("kill"))
}

func TestCheckStatusNotRunning(t *testing.T) {
	f := newFixture(t, Options{})
	f.session.OnResult("readlink", remote.Result{Stdout: "--listeners--\n"})

	st, err := f.orch.CheckStatus(context.Background(), "user-1", "shop")
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
	assert.Empty(t, st.URL)
	assert.Equal(t, ownedDir, st.ProjectPath)
}

func TestStopProjectNothingRunning(t *testing.T) {
	f := newFixture(t, Options{})
	f.session.OnResult("readlink", remote.Result{Stdout: "--listeners--\n"})

	res, err := f.orch.StopProject(context.Background(), "user-1", "shop")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "project is not running", res.Message)
	assert.NotEmpty(t, res.Logs)
	assert.Zero(t, f.session.Ran("kill -TERM"))
}

func TestStopProject(t *testing.T) {
	f := newFixture(t, Options{})
	f.session.OnResult("readlink", remote.Result{Stdout: "pid 900\npid 901\n--listeners--\n"})

	res, err := f.orch.StopProject(context.Background(), "user-1", "shop")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.session.Ran("kill -TERM 900 901"))
}

func TestRestartInPlaceFromStopped(t *testing.T) {
	f := newFixture(t, Options{SkipInstallOnRestart: true})
	f.session.Files[ownedDir+"/genie-run.sh"] = []byte("#!/usr/bin/env bash\n")
	f.session.OnResult("readlink", remote.Result{Stdout: "--listeners--\n"})
	f.listening("8000", "8001")
	f.launches()

	res, err := f.orch.RestartInPlace(context.Background(), "user-1", "shop")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 8002, res.Port)
	assert.Equal(t, "http://10.0.0.5:8002", res.URL)
	assert.True(t, res.Reused)
	assert.Empty(t, f.session.Uploads, "restart never uploads")
	assert.Zero(t, f.session.Ran("kill -TERM"))
	assert.Equal(t, 1, f.session.Ran("GENIE_SKIP_INSTALL=1 setsid"))
}

func TestRestartInPlaceMissingProject(t *testing.T) {
	f := newFixture(t, Options{})
	f.session.OnResult("test -d", remote.Result{ExitCode: 1})

	res, err := f.orch.RestartInPlace(context.Background(), "user-1", "shop")
	assert.ErrorIs(t, err, ErrProjectNotFound)
	assert.Equal(t, KindNotFound, Kind(err))
	assert.False(t, res.Success)
}

func TestRestartInPlaceTimesOut(t *testing.T) {
	f := newFixture(t, Options{RestartTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	f.session.On("test -d", func(string, string) (remote.Result, error) {
		<-release
		return remote.Result{}, nil
	})

	start := time.Now()
	res, err := f.orch.RestartInPlace(context.Background(), "user-1", "shop")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, OpRestart, te.Op)
	assert.Equal(t, KindTimeout, Kind(err))

	var sfe *supervisor.StartFailedError
	assert.False(t, errors.As(err, &sfe))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "did not finish within 20ms")
}

func TestRestartInPlaceCallerCancel(t *testing.T) {
	f := newFixture(t, Options{})
	release := make(chan struct{})
	defer close(release)
	f.session.On("test -d", func(string, string) (remote.Result, error) {
		<-release
		return remote.Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.RestartInPlace(ctx, "user-1", "shop")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLogBufferKeepsLastLines(t *testing.T) {
	lb := NewLogBuffer(2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	lb.now = func() time.Time { return time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC) }
	lb.Infof("one")
	lb.Warnf("two")
	lb.Errorf("three %d", 3)
	assert.Equal(t, []string{"[09:30:00] warning: two", "[09:30:00] error: three 3"}, lb.Lines())
	assert.Equal(t, 2, lb.Len())
}
