package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xguard/internal/controlplane"
	"github.com/omeyang/xguard/pkg/observability/xhealth"
	"github.com/omeyang/xguard/pkg/observability/xlog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// testConfig 放宽内置内存与磁盘检查的阈值，使其结果不受宿主机影响。
func testConfig() controlplane.Config {
	cfg := controlplane.DefaultConfig()
	cfg.Health.MemoryThreshold = 100
	cfg.Health.DiskDegraded = 100
	cfg.Health.DiskCritical = 100
	return cfg
}

func newTestServer(t *testing.T, cfg controlplane.Config, opts ...controlplane.Option) (*Server, *controlplane.ControlPlane) {
	t.Helper()
	l, _, err := xlog.New().SetOutput(io.Discard).Build()
	require.NoError(t, err)
	base := []controlplane.Option{controlplane.WithLogger(l), controlplane.WithClock(func() time.Time { return epoch })}
	cp, err := controlplane.New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, cp.Close()) })
	return New(cp, WithClock(func() time.Time { return epoch })), cp
}

type response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Detail    string          `json:"detail"`
	RequestID string          `json:"requestId"`
	Timestamp time.Time       `json:"timestamp"`
}

func do(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func decodeData[T any](t *testing.T, resp response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v), string(resp.Data))
	return v
}

// namedCheck 返回固定状态的检查。
type namedCheck struct {
	name   string
	status xhealth.Status
}

func (c namedCheck) Name() string { return c.name }

func (c namedCheck) Check(context.Context) xhealth.Result {
	return xhealth.Result{Status: c.status, Timestamp: time.Now()}
}

func TestEnvelope_Success(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	rec, resp := do(t, s, http.MethodGet, "/ha/liveness", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, epoch, resp.Timestamp)
	assert.Empty(t, resp.Error)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	live := decodeData[map[string]any](t, resp)
	assert.Equal(t, true, live["alive"])
}

func TestNotFound(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	rec, resp := do(t, s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "route not found", resp.Error)
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nope", http.NoBody)
		req.Header.Set(HeaderRequestID, "req-42")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
		var resp response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "req-42", resp.RequestID)
	})

	t.Run("oversized replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ha/liveness", http.NoBody)
		req.Header.Set(HeaderRequestID, strings.Repeat("x", maxRequestIDLen+1))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		id := rec.Header().Get(HeaderRequestID)
		assert.NotEmpty(t, id)
		assert.LessOrEqual(t, len(id), maxRequestIDLen)
	})
}

func TestErrorDetail_HiddenInProduction(t *testing.T) {
	const target = "/resilience/rate-limits/reset?scope=galaxy"

	dev, _ := newTestServer(t, testConfig())
	rec, resp := do(t, dev, http.MethodDelete, target, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, resp.Detail)

	cfg := testConfig()
	cfg.Env = controlplane.EnvProduction
	prod, _ := newTestServer(t, cfg)
	rec, resp = do(t, prod, http.MethodDelete, target, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, resp.Detail)
	assert.NotEmpty(t, resp.Error)
}

func TestRecoverer(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	h := requestID(s.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.Contains(t, resp.Detail, "boom")
	assert.NotEmpty(t, resp.RequestID)
}

func TestRecoverer_AbortHandlerRepanics(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	h := s.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	})
}

func TestMonitorMiddleware_RecordsResponses(t *testing.T) {
	s, cp := newTestServer(t, testConfig())

	do(t, s, http.MethodGet, "/ha/liveness", "")
	do(t, s, http.MethodGet, "/ha/liveness", "")
	do(t, s, http.MethodGet, "/nope", "")

	m, ok := cp.Monitor.Endpoint(http.MethodGet, "/ha/liveness")
	require.True(t, ok)
	assert.EqualValues(t, 2, m.Count)
	assert.EqualValues(t, 0, m.ErrorCount)

	m, ok = cp.Monitor.Endpoint(http.MethodGet, "/nope")
	require.True(t, ok)
	assert.EqualValues(t, 1, m.ErrorCount)
}

func TestMonitorMiddleware_PanicCountsAsError(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	s.mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec, _ := do(t, s, http.MethodGet, "/boom", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	m, ok := cp.Monitor.Endpoint(http.MethodGet, "/boom")
	require.True(t, ok)
	assert.EqualValues(t, 1, m.Count)
	assert.EqualValues(t, 1, m.ErrorCount)
}

func TestMonitorMiddleware_AbortHandlerRecorded(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	h := s.monitor(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", http.NoBody))
	})

	m, ok := cp.Monitor.Endpoint(http.MethodGet, "/abort")
	require.True(t, ok)
	assert.EqualValues(t, 1, m.ErrorCount)
}

func TestMonitorMiddleware_GroupsByRoutePattern(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	do(t, s, http.MethodGet, "/ha/load-balancer/nodes/a", "")
	do(t, s, http.MethodGet, "/ha/load-balancer/nodes/b", "")

	m, ok := cp.Monitor.Endpoint(http.MethodGet, "/ha/load-balancer/nodes/{nodeId}")
	require.True(t, ok)
	assert.EqualValues(t, 2, m.Count)
	assert.EqualValues(t, 2, m.ErrorCount)
	_, ok = cp.Monitor.Endpoint(http.MethodGet, "/ha/load-balancer/nodes/a")
	assert.False(t, ok)
}

func TestMetrics_InvalidUTF8Path(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	rec, _ := do(t, s, http.MethodGet, "/%ff", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/monitoring/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "path=\"/\uFFFD\"")

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_Order(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.IP.MaxTokens = 1
	cfg.Limits.IP.RefillRate = 0.5
	cfg.Limits.Endpoint.MaxTokens = 1
	cfg.Limits.Endpoint.RefillRate = 0.5
	s, cp := newTestServer(t, cfg)

	rec, _ := do(t, s, http.MethodGet, "/ha/liveness", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", rec.Header().Get("X-EndpointRateLimit-Limit"))

	rec, _ = do(t, s, http.MethodGet, "/ha/liveness", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	// IP 限流在外层，拒绝后不再触达端点限流器。
	assert.Empty(t, rec.Header().Get("X-EndpointRateLimit-Limit"))

	var body struct {
		Success    bool   `json:"success"`
		Error      string `json:"error"`
		RetryAfter int64  `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Contains(t, body.Error, "IP")
	assert.EqualValues(t, 2, body.RetryAfter)

	m, ok := cp.Monitor.Endpoint(http.MethodGet, "/ha/liveness")
	require.True(t, ok)
	assert.EqualValues(t, 1, m.ErrorCount)
}

func TestRateLimit_UserHeader(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.User.MaxTokens = 1
	cfg.Limits.User.RefillRate = 0.5
	s, _ := newTestServer(t, cfg)

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ha/liveness", http.NoBody)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("alice").Code)
	assert.Equal(t, http.StatusOK, send("bob").Code)
	assert.Equal(t, http.StatusOK, send("").Code)
}

func TestHTTPServer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:9999"
	s, _ := newTestServer(t, cfg)

	srv := s.HTTPServer()
	assert.Equal(t, "127.0.0.1:9999", srv.Addr)
	assert.Equal(t, cfg.Server.ReadTimeout, srv.ReadTimeout)
	assert.Equal(t, cfg.Server.WriteTimeout, srv.WriteTimeout)
	assert.NotNil(t, srv.ErrorLog)
	assert.NotNil(t, srv.Handler)
}
