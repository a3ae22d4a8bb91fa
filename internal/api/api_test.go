package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitgenie/genie/internal/config"
	"github.com/gitgenie/genie/internal/metrics"
	"github.com/gitgenie/genie/internal/orchestrator"
	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/proxy"
	"github.com/gitgenie/genie/internal/remote"
	"github.com/gitgenie/genie/internal/runscript"
	"github.com/gitgenie/genie/internal/supervisor"
)

type call struct {
	op, user, name, path string
}

type fakeLifecycle struct {
	mu     sync.Mutex
	calls  []call
	result orchestrator.Result
	status orchestrator.Status
	err    error
}

func (f *fakeLifecycle) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeLifecycle) RunNewProject(ctx context.Context, req orchestrator.RunRequest) (orchestrator.Result, error) {
	f.record(call{"run", req.UserID, req.Name, req.LocalPath})
	return f.result, f.err
}

func (f *fakeLifecycle) CheckStatus(ctx context.Context, userID, name string) (orchestrator.Status, error) {
	f.record(call{op: "status", user: userID, name: name})
	return f.status, f.err
}

func (f *fakeLifecycle) RestartInPlace(ctx context.Context, userID, name string) (orchestrator.Result, error) {
	f.record(call{op: "restart", user: userID, name: name})
	return f.result, f.err
}

func (f *fakeLifecycle) StopProject(ctx context.Context, userID, name string) (orchestrator.Result, error) {
	f.record(call{op: "stop", user: userID, name: name})
	return f.result, f.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Security.RateLimit = 0
	return cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, lc *fakeLifecycle) (*Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	px := proxy.New(lc, proxy.DefaultMount, quietLogger())
	return New(testConfig(t), lc, px, m, quietLogger()), m
}

func do(t *testing.T, s *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRunProject(t *testing.T) {
	lc := &fakeLifecycle{result: orchestrator.Result{
		Success: true,
		Message: "project is running at http://10.0.0.5:8001",
		VMIP:    "10.0.0.5",
		Port:    8001,
		URL:     "http://10.0.0.5:8001",
		Logs:    []string{"[10:00:00] uploaded 3 files"},
	}}
	s, _ := newTestServer(t, lc)

	rec := do(t, s, http.MethodPost, "/api/v1/projects/shop/run", `{"local_path":"/tmp/shop"}`,
		map[string]string{UserHeader: "user-1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 8001, body["port"])
	assert.Equal(t, "http://10.0.0.5:8001", body["url"])
	assert.Equal(t, []any{"[10:00:00] uploaded 3 files"}, body["logs"])
	assert.Equal(t, []call{{"run", "user-1", "shop", "/tmp/shop"}}, lc.calls)
}

func TestRunProjectValidation(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		field  string
	}{
		{"missing local path", "/api/v1/projects/shop/run", `{}`, "local_path"},
		{"hidden name", "/api/v1/projects/.hidden/run", `{"local_path":"/tmp/x"}`, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := &fakeLifecycle{}
			s, _ := newTestServer(t, lc)
			rec := do(t, s, http.MethodPost, tt.target, tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, orchestrator.KindValidation, body["kind"])
			assert.Contains(t, body["field_errors"], tt.field)
			assert.Empty(t, lc.calls)
		})
	}
}

func TestRunProjectRejectsNonJSON(t *testing.T) {
	s, _ := newTestServer(t, &fakeLifecycle{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/shop/run", strings.NewReader("local_path=/tmp"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"connection", &remote.ConnectionError{Host: "vm", Err: errors.New("refused")}, http.StatusBadGateway, orchestrator.KindConnection},
		{"upload", &orchestrator.UploadError{Project: "shop", Err: errors.New("disk full")}, http.StatusInternalServerError, orchestrator.KindUpload},
		{"no port", &ports.NoPortAvailableError{Start: 8000, End: 9000}, http.StatusServiceUnavailable, orchestrator.KindNoPort},
		{"generation", &runscript.GenerationError{Project: "shop", Err: errors.New("no run command")}, http.StatusUnprocessableEntity, orchestrator.KindGeneration},
		{"start failed", &supervisor.StartFailedError{Project: "shop", Port: 8001}, http.StatusInternalServerError, orchestrator.KindStartFailed},
		{"timeout", &orchestrator.TimeoutError{Op: "restart", After: time.Second}, http.StatusGatewayTimeout, orchestrator.KindTimeout},
		{"not found", fmt.Errorf("shop: %w", orchestrator.ErrProjectNotFound), http.StatusNotFound, orchestrator.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := &fakeLifecycle{
				result: orchestrator.Result{Message: tt.err.Error(), Logs: []string{"[10:00:00] error: boom"}},
				err:    tt.err,
			}
			s, _ := newTestServer(t, lc)
			rec := do(t, s, http.MethodPost, "/api/v1/projects/shop/restart", "", nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantKind, body["kind"])
			assert.Equal(t, tt.err.Error(), body["message"])
			assert.Equal(t, []any{"[10:00:00] error: boom"}, body["logs"])
			if tt.wantKind == orchestrator.KindNoPort {
				assert.Equal(t, "10", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestUnclassifiedErrorIsHidden(t *testing.T) {
	lc := &fakeLifecycle{err: errors.New("secret detail")}
	s, _ := newTestServer(t, lc)
	rec := do(t, s, http.MethodPost, "/api/v1/projects/shop/stop", "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret detail")
	assert.Equal(t, []any{}, decode(t, rec)["logs"])
}

func TestProjectStatus(t *testing.T) {
	lc := &fakeLifecycle{status: orchestrator.Status{
		IsRunning:   true,
		PID:         4242,
		Port:        8001,
		VMIP:        "10.0.0.5",
		URL:         "http://10.0.0.5:8001",
		ProjectPath: "/home/genie/projects/k1/shop",
	}}
	s, _ := newTestServer(t, lc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/shop/status", nil)
	req.AddCookie(&http.Cookie{Name: UserCookie, Value: "user-2"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["is_running"])
	assert.EqualValues(t, 4242, body["pid"])
	assert.Equal(t, "10.0.0.5", body["vm_ip"])
	assert.Equal(t, "project is running", body["message"])
	assert.Equal(t, []call{{op: "status", user: "user-2", name: "shop"}}, lc.calls)
}

func TestStopNothingRunning(t *testing.T) {
	lc := &fakeLifecycle{result: orchestrator.Result{Message: "project is not running"}}
	s, _ := newTestServer(t, lc)
	rec := do(t, s, http.MethodPost, "/api/v1/projects/shop/stop", "", map[string]string{UserHeader: "user-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "project is not running", body["message"])
	assert.Equal(t, []any{}, body["logs"])
}

func TestProxyRoute(t *testing.T) {
	var gotQuery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<a href="/next">next</a>`)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	lc := &fakeLifecycle{status: orchestrator.Status{IsRunning: true, VMIP: host, Port: port}}
	s, _ := newTestServer(t, lc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proxy/form?project=shop&q=1", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(UserHeader, "user-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "q=1", gotQuery)
	assert.Equal(t, "a=b", gotBody)
	assert.Empty(t, rec.Header().Values("X-Frame-Options"))
	assert.Equal(t, "frame-ancestors *", rec.Header().Get("Content-Security-Policy"))
	assert.Contains(t, rec.Body.String(), `href="/api/v1/proxy/next?project=shop&port=`+portStr+`"`)
	assert.Equal(t, []call{{op: "status", user: "user-1", name: "shop"}}, lc.calls)
}

func TestProxyRouteErrors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		status     orchestrator.Status
		wantStatus int
	}{
		{"missing project", "/api/v1/proxy/", orchestrator.Status{}, http.StatusBadRequest},
		{"bad port", "/api/v1/proxy/?project=shop&port=70000", orchestrator.Status{}, http.StatusBadRequest},
		{"not running", "/api/v1/proxy/?project=shop", orchestrator.Status{VMIP: "10.0.0.5"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, &fakeLifecycle{status: tt.status})
			rec := do(t, s, http.MethodGet, tt.target, "", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, false, decode(t, rec)["success"])
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s, m := newTestServer(t, &fakeLifecycle{})

	rec := do(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "resources")

	rec = do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "genie_api_http_requests_total")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var routes []string
	for _, f := range families {
		if f.GetName() != "genie_api_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "route" {
					routes = append(routes, l.GetValue())
				}
			}
		}
	}
	assert.Contains(t, routes, "/health")
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name            string
		origins         []string
		wantOrigin      string
		wantCredentials string
	}{
		{"disabled by default", nil, "", ""},
		{"wildcard without credentials", []string{"*"}, "*", ""},
		{"explicit origin with credentials", []string{"https://app.example.com"}, "https://app.example.com", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			if tt.origins != nil {
				cfg.Security.AllowedOrigins = tt.origins
			}
			lc := &fakeLifecycle{}
			s := New(cfg, lc, proxy.New(lc, proxy.DefaultMount, quietLogger()), metrics.New(), quietLogger())

			rec := do(t, s, http.MethodGet, "/health", "", map[string]string{"Origin": "https://app.example.com"})
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredentials, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
