package proxy

import (
	"context"
	"encoding/json"
	"errors"
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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitgenie/genie/internal/orchestrator"
)

type fakeStatus struct {
	mu    sync.Mutex
	st    orchestrator.Status
	err   error
	calls int
}

func (f *fakeStatus) CheckStatus(ctx context.Context, userID, name string) (orchestrator.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.st, f.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// upstream starts a project server and a status checker pointing at it.
func upstream(t *testing.T, h http.HandlerFunc) (*fakeStatus, int) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &fakeStatus{st: orchestrator.Status{IsRunning: true, VMIP: host, Port: port}}, port
}

const page = `<html><head>
<link rel="stylesheet" href="/static/app.css">
<script src='main.js'></script>
</head><body>
<a href="https://example.com/docs">docs</a>
<a href="//cdn.example.com/x.js">cdn</a>
<a href="#top">top</a>
<a href="../up.html?x=1#s">up</a>
<img src="data:image/png;base64,AAAA">
<a href="mailto:me@example.com">mail</a>
<form action="/login" method="post"></form>
<a href=/plain>plain</a>
<img srcset="hero.png 1x, /img/hero@2x.png 2x">
</body></html>`

func TestForwardRewritesHTML(t *testing.T) {
	var gotPath, gotQuery, gotEncoding string
	status, port := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		gotEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = io.WriteString(w, page)
	})
	p := New(status, "/api/v1/proxy", quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/proxy/app/index.html?project=shop&port="+strconv.Itoa(port)+"&tab=2", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	require.NoError(t, p.Forward(rec, req, Target{UserID: "u1", Project: "shop", Port: port}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/app/index.html", gotPath)
	assert.Equal(t, "tab=2", gotQuery)
	assert.Empty(t, gotEncoding)
	assert.Empty(t, rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "frame-ancestors *", rec.Header().Get("Content-Security-Policy"))

	body := rec.Body.String()
	suffix := "project=shop&port=" + strconv.Itoa(port)
	assert.Contains(t, body, `href="/api/v1/proxy/static/app.css?`+suffix+`"`)
	assert.Contains(t, body, `src='/api/v1/proxy/app/main.js?`+suffix+`'`)
	assert.Contains(t, body, `href="/api/v1/proxy/up.html?x=1&`+suffix+`#s"`)
	assert.Contains(t, body, `action="/api/v1/proxy/login?`+suffix+`"`)
	assert.Contains(t, body, `href="/api/v1/proxy/plain?`+suffix+`"`)
	assert.Contains(t, body, `srcset="/api/v1/proxy/app/hero.png?`+suffix+` 1x, /api/v1/proxy/img/hero@2x.png?`+suffix+` 2x"`)
	assert.Contains(t, body, `href="https://example.com/docs"`)
	assert.Contains(t, body, `href="//cdn.example.com/x.js"`)
	assert.Contains(t, body, `href="#top"`)
	assert.Contains(t, body, `src="data:image/png;base64,AAAA"`)
	assert.Contains(t, body, `href="mailto:me@example.com"`)
	assert.Equal(t, strconv.Itoa(len(body)), rec.Header().Get("Content-Length"))
	assert.Equal(t, 1, status.calls)
}

func TestForwardRewritesRedirects(t *testing.T) {
	var self string
	status, port := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		targets := map[string]string{
			"/account":  "/login?next=%2Faccount",
			"/home":     "http://" + self + "/dashboard",
			"/external": "https://example.com/x",
		}
		http.Redirect(w, r, targets[r.URL.Path], http.StatusFound)
	})
	self = net.JoinHostPort(status.st.VMIP, strconv.Itoa(port))
	p := New(status, "/api/v1/proxy", quietLogger())
	suffix := "project=shop&port=" + strconv.Itoa(port)

	tests := []struct {
		path, want string
	}{
		{"/account", "/api/v1/proxy/login?next=%2Faccount&" + suffix},
		{"/home", "/api/v1/proxy/dashboard?" + suffix},
		{"/external", "https://example.com/x"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/proxy"+tt.path+"?project=shop", nil)
			require.NoError(t, p.Forward(rec, req, Target{Project: "shop", Port: port}))
			assert.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Location"))
		})
	}
}

func TestForwardPassesNonHTMLThrough(t *testing.T) {
	status, port := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"method":"` + r.Method + `","echo":` + string(body) + `,"href":"/x"}`))
	})
	p := New(status, "", quietLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proxy/api/items?project=shop", strings.NewReader(`{"n":1}`))
	rec := httptest.NewRecorder()
	require.NoError(t, p.Forward(rec, req, Target{Project: "shop", Port: port}))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"method":"POST","echo":{"n":1},"href":"/x"}`, rec.Body.String())
	assert.Equal(t, "frame-ancestors *", rec.Header().Get("Content-Security-Policy"))
}

func TestForwardDefaultsToStatusPort(t *testing.T) {
	status, _ := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	p := New(status, "/proxy", quietLogger())

	rec := httptest.NewRecorder()
	require.NoError(t, p.Forward(rec, httptest.NewRequest(http.MethodGet, "/proxy/", nil), Target{Project: "shop"}))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestForwardUnavailable(t *testing.T) {
	tests := []struct {
		name string
		st   orchestrator.Status
	}{
		{"not running", orchestrator.Status{VMIP: "10.0.0.5"}},
		{"no address", orchestrator.Status{IsRunning: true, Port: 8001}},
		{"no port", orchestrator.Status{IsRunning: true, VMIP: "10.0.0.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&fakeStatus{st: tt.st}, "", quietLogger())
			rec := httptest.NewRecorder()
			err := p.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/v1/proxy/", nil), Target{Project: "shop"})

			var tue *TargetUnavailableError
			require.True(t, errors.As(err, &tue))
			assert.Equal(t, "shop", tue.Project)
			assert.Zero(t, rec.Body.Len(), "nothing is written on unavailability")
		})
	}
}

func TestForwardStatusError(t *testing.T) {
	boom := errors.New("ssh: handshake failed")
	p := New(&fakeStatus{err: boom}, "", quietLogger())
	err := p.Forward(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/proxy/", nil), Target{Project: "shop"})
	assert.ErrorIs(t, err, boom)
}

func TestForwardUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().(*net.TCPAddr)
	srv.Close()

	p := New(&fakeStatus{st: orchestrator.Status{IsRunning: true, VMIP: "127.0.0.1", Port: addr.Port}}, "", quietLogger())
	rec := httptest.NewRecorder()
	require.NoError(t, p.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/v1/proxy/", nil), Target{Project: "shop"}))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "proxy request to 127.0.0.1:"+strconv.Itoa(addr.Port))
}

func TestShouldRewrite(t *testing.T) {
	tests := map[string]bool{
		"text/html":                 true,
		"text/html; charset=utf-8":  true,
		"TEXT/HTML":                 true,
		"application/json":          false,
		"text/plain":                false,
		"application/xhtml+xml":     false,
		"":                          false,
		"text/html;;charset=broken": true,
	}
	for ct, want := range tests {
		assert.Equal(t, want, ShouldRewrite(ct), ct)
	}
}

func TestRewriterURL(t *testing.T) {
	rw := Rewriter{Mount: "/proxy", Project: "my app", Port: 8003, BasePath: "/docs/guide/index.html"}
	q := "project=my+app&port=8003"
	tests := []struct {
		in, want string
	}{
		{"/x", "/proxy/x?" + q},
		{"x", "/proxy/docs/guide/x?" + q},
		{"./x", "/proxy/docs/guide/x?" + q},
		{"../x", "/proxy/docs/x?" + q},
		{"../../../../x", "/proxy/x?" + q},
		{"/search?q=go", "/proxy/search?q=go&" + q},
		{"?page=2", "/proxy/docs/guide/index.html?page=2&" + q},
		{"/a b", "/proxy/a%20b?" + q},
		{"http://example.com/x", "http://example.com/x"},
		{"HTTPS://example.com", "HTTPS://example.com"},
		{"//cdn.example.com/x", "//cdn.example.com/x"},
		{"#frag", "#frag"},
		{"javascript:void(0)", "javascript:void(0)"},
		{"tel:+15551234", "tel:+15551234"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rw.URL(tt.in), tt.in)
	}
}
