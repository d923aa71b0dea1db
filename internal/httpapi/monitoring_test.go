package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xguard/internal/controlplane"
	"github.com/omeyang/xguard/pkg/observability/xhealth"
	"github.com/omeyang/xguard/pkg/observability/xmonitor"
)

type endpointJSON struct {
	Key        string  `json:"key"`
	Method     string  `json:"method"`
	Path       string  `json:"path"`
	Count      int64   `json:"count"`
	ErrorCount int64   `json:"errorCount"`
	AvgTime    float64 `json:"avgTime"`
}

func TestMonitoring_Endpoints(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	cp.Monitor.RecordEndpoint("/api/users", http.MethodGet, 20*time.Millisecond, false)
	cp.Monitor.RecordEndpoint("/api/users/7", http.MethodGet, 40*time.Millisecond, true)
	cp.Monitor.RecordEndpoint("/api/users", http.MethodPost, 10*time.Millisecond, false)
	cp.Monitor.RecordEndpoint("/other", http.MethodGet, time.Millisecond, false)

	_, resp := do(t, s, http.MethodGet, "/monitoring/endpoints", "")
	assert.Len(t, decodeData[[]endpointJSON](t, resp), 4)

	_, resp = do(t, s, http.MethodGet, "/monitoring/endpoints/get/api/users", "")
	got := decodeData[[]endpointJSON](t, resp)
	require.Len(t, got, 2)
	for _, m := range got {
		assert.Equal(t, http.MethodGet, m.Method)
		assert.Contains(t, m.Path, "/api/users")
	}

	_, resp = do(t, s, http.MethodGet, "/monitoring/endpoints/POST/api", "")
	got = decodeData[[]endpointJSON](t, resp)
	require.Len(t, got, 1)
	assert.Equal(t, "POST /api/users", got[0].Key)
	assert.InDelta(t, 10.0, got[0].AvgTime, 1e-9)
}

func TestMonitoring_CacheAndDatabase(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	cp.Monitor.RecordCacheHit(time.Millisecond)
	cp.Monitor.RecordCacheMiss(3 * time.Millisecond)
	cp.Monitor.RecordDatabaseQuery(10*time.Millisecond, false)

	_, resp := do(t, s, http.MethodGet, "/monitoring/cache", "")
	cache := decodeData[map[string]float64](t, resp)
	assert.InDelta(t, 0.5, cache["hitRate"], 1e-9)
	assert.InDelta(t, 2.0, cache["avgResponseTime"], 1e-9)

	_, resp = do(t, s, http.MethodGet, "/monitoring/database", "")
	db := decodeData[map[string]map[string]float64](t, resp)
	assert.EqualValues(t, 1, db["metrics"]["queries"])
	assert.NotContains(t, db, "probe")
}

func TestMonitoring_System(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	rec, resp := do(t, s, http.MethodGet, "/monitoring/system", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeData[[]map[string]any](t, resp))

	for _, q := range []string{"abc", "0", "-3"} {
		rec, _ = do(t, s, http.MethodGet, "/monitoring/system?limit="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMonitoring_Alerts(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	cp.Monitor.RecordEndpoint("/slow", http.MethodGet, 2*time.Second, true)

	rec, resp := do(t, s, http.MethodGet, "/monitoring/alerts?errorRate=0.5&p95Time=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeData[struct {
		Alerts     []xmonitor.Alert   `json:"alerts"`
		Thresholds map[string]float64 `json:"thresholds"`
	}](t, resp)

	require.Len(t, out.Alerts, 2)
	types := map[string]xmonitor.Severity{}
	for _, a := range out.Alerts {
		assert.Equal(t, "GET /slow", a.Target)
		types[a.Type] = a.Severity
	}
	assert.Equal(t, map[string]xmonitor.Severity{
		"error_rate":  xmonitor.SeverityWarning,
		"p95_latency": xmonitor.SeverityCritical,
	}, types)
	assert.InDelta(t, 500.0, out.Thresholds["p95Time"], 1e-9)
	assert.InDelta(t, 10.0, out.Thresholds["slowQueries"], 1e-9)

	for _, q := range []string{"errorRate=high", "p95Time=-1", "slowQueries=1.5", "memory=x"} {
		rec, _ = do(t, s, http.MethodGet, "/monitoring/alerts?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMonitoring_TextOutputs(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	cp.Monitor.RecordEndpoint("/api", http.MethodGet, 5*time.Millisecond, false)

	rec, _ := do(t, s, http.MethodGet, "/monitoring/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xmonitor.PrometheusContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `xguard_http_requests_total{method="GET",path="/api"} 1`)

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "xguard_uptime_seconds")

	rec, _ = do(t, s, http.MethodGet, "/monitoring/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Performance Report")
	assert.Contains(t, rec.Body.String(), "GET /api")
}

func TestMonitoring_DashboardSummaryReset(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	cp.Monitor.RecordEndpoint("/api", http.MethodGet, 5*time.Millisecond, true)

	_, resp := do(t, s, http.MethodGet, "/monitoring/dashboard", "")
	dash := decodeData[struct {
		Totals struct {
			Requests int64 `json:"requests"`
			Errors   int64 `json:"errors"`
		} `json:"totals"`
		TopSlowest []endpointJSON `json:"topSlowest"`
	}](t, resp)
	assert.EqualValues(t, 1, dash.Totals.Requests)
	assert.EqualValues(t, 1, dash.Totals.Errors)
	require.Len(t, dash.TopSlowest, 1)

	rec, _ := do(t, s, http.MethodPost, "/monitoring/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, resp = do(t, s, http.MethodGet, "/monitoring/summary", "")
	sum := decodeData[xmonitor.Summary](t, resp)
	// reset 请求本身在处理器返回后才被记录。
	assert.EqualValues(t, 1, sum.Requests)
	assert.Zero(t, sum.Errors)
}

func TestMonitoring_Health(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	rec, resp := do(t, s, http.MethodGet, "/monitoring/health", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	overall := decodeData[xhealth.Overall](t, resp)
	assert.Contains(t, overall.Checks, "memory")
	assert.Contains(t, overall.Checks, "disk")

	sick, _ := newTestServer(t, testConfig(),
		controlplane.WithChecks(namedCheck{name: "queue", status: xhealth.StatusUnhealthy}))
	rec, resp = do(t, sick, http.MethodGet, "/monitoring/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
	overall = decodeData[xhealth.Overall](t, resp)
	assert.Equal(t, xhealth.StatusUnhealthy, overall.Status)
}
