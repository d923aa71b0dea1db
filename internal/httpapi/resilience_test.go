package httpapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xguard/pkg/resilience/xbreaker"
	"github.com/omeyang/xguard/pkg/resilience/xlimit"
)

// httptest.NewRequest 的默认客户端地址。
const testClientIP = "192.0.2.1"

func TestRateLimits_ListAndStatus(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	do(t, s, http.MethodGet, "/ha/liveness", "")

	rec, resp := do(t, s, http.MethodGet, "/resilience/rate-limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decodeData[map[string]struct {
		Scope   string          `json:"scope"`
		Tracked int             `json:"tracked"`
		Keys    []xlimit.Result `json:"keys"`
	}](t, resp)
	require.Len(t, views, 3)
	assert.Equal(t, 1, views["ip"].Tracked)
	assert.Equal(t, 0, views["user"].Tracked)

	_, resp = do(t, s, http.MethodGet, "/resilience/rate-limits/ip/"+testClientIP, "")
	st := decodeData[xlimit.Result](t, resp)
	assert.Equal(t, testClientIP, st.Key)
	assert.Equal(t, 100, st.Limit)
	// 此前的两个请求与当前请求各消耗一个令牌。
	assert.Equal(t, 97, st.Remaining)

	_, resp = do(t, s, http.MethodGet, "/resilience/rate-limits/ip/198.51.100.7", "")
	st = decodeData[xlimit.Result](t, resp)
	assert.Equal(t, 100, st.Remaining)

	_, resp = do(t, s, http.MethodGet, "/resilience/rate-limits/endpoint", "")
	ep := decodeData[struct {
		Scope   string `json:"scope"`
		Tracked int    `json:"tracked"`
	}](t, resp)
	assert.Equal(t, "endpoint", ep.Scope)
	assert.Equal(t, 5, ep.Tracked)
}

func TestRateLimits_Reset(t *testing.T) {
	s, cp := newTestServer(t, testConfig())
	do(t, s, http.MethodGet, "/ha/liveness", "")

	rec, _ := do(t, s, http.MethodDelete, "/resilience/rate-limits/reset?scope=ip&identifier="+testClientIP, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodDelete, "/resilience/rate-limits/reset?scope=ip&identifier=203.0.113.9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Positive(t, cp.Limiters.Endpoint.Len())
	rec, resp := do(t, s, http.MethodDelete, "/resilience/rate-limits/reset?scope=endpoint", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeData[map[string]any](t, resp)
	assert.Positive(t, out["reset"])
	// 本次请求在处理器之后不会再写入端点桶。
	assert.Equal(t, 0, cp.Limiters.Endpoint.Len())

	rec, resp = do(t, s, http.MethodDelete, "/resilience/rate-limits/reset", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func tripBreaker(t *testing.T, b *xbreaker.Breaker) {
	t.Helper()
	for range b.Config().FailureThreshold {
		_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	require.Equal(t, xbreaker.StateOpen, b.State())
}

func TestCircuitBreakers(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	s, cp := newTestServer(t, cfg)

	tripBreaker(t, cp.Breakers.Get("payments"))
	cp.Breakers.Get("search")

	rec, resp := do(t, s, http.MethodGet, "/resilience/circuit-breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snaps := decodeData[[]xbreaker.Snapshot](t, resp)
	require.Len(t, snaps, 2)

	rec, resp = do(t, s, http.MethodGet, "/resilience/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health := decodeData[map[string]any](t, resp)
	assert.EqualValues(t, 1, health["openCircuits"])

	rec, resp = do(t, s, http.MethodPost, "/resilience/circuit-breakers/payments/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeData[xbreaker.Snapshot](t, resp)
	assert.Equal(t, xbreaker.StateName(xbreaker.StateClosed), snap.State)
	assert.Zero(t, snap.TotalFailures)

	rec, _ = do(t, s, http.MethodGet, "/resilience/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/resilience/circuit-breakers/missing/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	tripBreaker(t, cp.Breakers.Get("search"))
	rec, resp = do(t, s, http.MethodPost, "/resilience/circuit-breakers/reset-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"reset": 2}, decodeData[map[string]int](t, resp))
	assert.Zero(t, cp.Breakers.OpenCount())
}

func TestResilienceSummary(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	s, cp := newTestServer(t, cfg)
	tripBreaker(t, cp.Breakers.Get("payments"))
	cp.Breakers.Get("search")

	_, resp := do(t, s, http.MethodGet, "/resilience/summary", "")
	sum := decodeData[struct {
		CircuitBreakers breakerCounts  `json:"circuitBreakers"`
		RateLimits      map[string]int `json:"rateLimits"`
	}](t, resp)
	assert.Equal(t, breakerCounts{Total: 2, Closed: 1, Open: 1}, sum.CircuitBreakers)
	assert.Equal(t, 1, sum.RateLimits["ip"])
}

func TestStrategies(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	_, resp := do(t, s, http.MethodGet, "/resilience/strategies", "")
	out := decodeData[struct {
		Resilience    []strategyInfo `json:"resilience"`
		LoadBalancing []string       `json:"loadBalancing"`
		Active        string         `json:"active"`
	}](t, resp)

	names := make([]string, 0, len(out.Resilience))
	for _, st := range out.Resilience {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"rate-limit", "circuit-breaker", "retry", "timeout", "fallback", "bulkhead"}, names)
	assert.Equal(t, []string{"round-robin", "least-connections", "weighted", "ip-hash"}, out.LoadBalancing)
	assert.Equal(t, "round-robin", out.Active)
}
