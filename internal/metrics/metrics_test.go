package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitgenie/genie/internal/orchestrator"
)

func TestOperationFinished(t *testing.T) {
	m := New()
	m.OperationFinished(orchestrator.OpRun, nil, 2*time.Second)
	m.OperationFinished(orchestrator.OpRestart, &orchestrator.TimeoutError{Op: "restart", After: 30 * time.Second}, 30*time.Second)
	m.OperationFinished(orchestrator.OpRestart, errors.New("boom"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationTotal.WithLabelValues("run", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationTotal.WithLabelValues("restart", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationTotal.WithLabelValues("restart", "internal")))
}

func TestHandlerExposesRequests(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, "/api/v1/projects/:name/status", http.StatusOK, 30*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `genie_api_http_requests_total{method="GET",route="/api/v1/projects/:name/status",status="200"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
