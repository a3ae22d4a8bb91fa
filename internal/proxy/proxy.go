// Package proxy forwards browser requests to a project running on the remote
// host and rewrites links in the HTML it returns so that navigation stays
// inside the proxy.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gitgenie/genie/internal/orchestrator"
)

// Query parameters consumed by the proxy and never forwarded upstream.
const (
	ProjectParam = "project"
	PortParam    = "port"
)

// DefaultMount is where the API serves the proxy.
const DefaultMount = "/api/v1/proxy"

const maxRewriteBytes = 16 << 20

// StatusChecker reports where a project runs.
type StatusChecker interface {
	CheckStatus(ctx context.Context, userID, name string) (orchestrator.Status, error)
}

// Target selects the project a request is forwarded to. A zero Port means
// the port the project is currently listening on.
type Target struct {
	UserID  string
	Project string
	Port    int
}

// TargetUnavailableError is returned when the project is not running.
type TargetUnavailableError struct {
	Project string
	Reason  string
}

func (e *TargetUnavailableError) Error() string {
	return fmt.Sprintf("project %s is unavailable: %s", e.Project, e.Reason)
}

// Proxy forwards requests to running projects.
type Proxy struct {
	status    StatusChecker
	mount     string
	transport http.RoundTripper
	logger    *slog.Logger
}

// New creates a proxy served under mount.
func New(status StatusChecker, mount string, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	if mount == "" {
		mount = DefaultMount
	}
	return &Proxy{
		status:    status,
		mount:     "/" + strings.Trim(mount, "/"),
		transport: newTransport(),
		logger:    logger,
	}
}

// newTransport never asks upstream for compressed bodies, so HTML arrives
// rewritable and other content is relayed as sent.
func newTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableCompression = true
	return t
}

// Mount returns the path prefix the proxy is served under.
func (p *Proxy) Mount() string { return p.mount }

// Forward checks that the target runs and proxies r to it. Errors are
// returned only before anything was written to w; upstream failures are
// answered with a 500 JSON body.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, t Target) error {
	st, err := p.status.CheckStatus(r.Context(), t.UserID, t.Project)
	if err != nil {
		return err
	}
	if !st.IsRunning {
		return &TargetUnavailableError{Project: t.Project, Reason: "not running"}
	}
	if st.VMIP == "" {
		return &TargetUnavailableError{Project: t.Project, Reason: "no host address"}
	}
	port := t.Port
	if port == 0 {
		port = st.Port
	}
	if port == 0 {
		return &TargetUnavailableError{Project: t.Project, Reason: "not listening on any port"}
	}

	upstream := p.upstreamURL(r, st.VMIP, port)
	rw := Rewriter{Mount: p.mount, Project: t.Project, Port: port, BasePath: upstream.Path}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = upstream
			pr.Out.Host = upstream.Host
			pr.Out.Header.Del("Accept-Encoding")
			pr.SetXForwarded()
		},
		Transport:      p.transport,
		ModifyResponse: func(resp *http.Response) error { return p.modifyResponse(resp, rw) },
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warn("upstream request failed", "project", t.Project, "upstream", upstream.String(), "error", err)
			writeError(w, http.StatusInternalServerError,
				fmt.Sprintf("proxy request to %s failed: %v", upstream.Host, err))
		},
	}
	rp.ServeHTTP(w, r)
	return nil
}

// upstreamURL maps the request path below the mount and the query without
// the proxy's own parameters onto the project address.
func (p *Proxy) upstreamURL(r *http.Request, host string, port int) *url.URL {
	rest := strings.TrimPrefix(r.URL.Path, p.mount)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	q := r.URL.Query()
	q.Del(ProjectParam)
	q.Del(PortParam)
	return &url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     rest,
		RawQuery: q.Encode(),
	}
}

func (p *Proxy) modifyResponse(resp *http.Response, rw Rewriter) error {
	resp.Header.Del("X-Frame-Options")
	resp.Header.Set("Content-Security-Policy", "frame-ancestors *")
	if loc := resp.Header.Get("Location"); loc != "" {
		host := ""
		if resp.Request != nil {
			host = resp.Request.URL.Host
		}
		resp.Header.Set("Location", rw.Location(loc, host))
	}

	if !ShouldRewrite(resp.Header.Get("Content-Type")) || resp.Body == nil {
		return nil
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRewriteBytes+1))
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}
	if len(body) > maxRewriteBytes {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil
	}
	resp.Body.Close()

	out := rw.HTML(body)
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

type errorBody struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Logs    []string `json:"logs"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Message: msg, Logs: []string{}})
}
