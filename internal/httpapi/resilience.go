package httpapi

import (
	"net/http"

	"github.com/omeyang/xguard/pkg/ha/xbalance"
	"github.com/omeyang/xguard/pkg/resilience/xbreaker"
	"github.com/omeyang/xguard/pkg/resilience/xlimit"
)

func (s *Server) routeResilience() {
	s.mux.HandleFunc("GET /resilience/rate-limits", s.listRateLimits)
	s.mux.HandleFunc("GET /resilience/rate-limits/ip/{ip}", s.ipRateLimit)
	s.mux.HandleFunc("GET /resilience/rate-limits/endpoint", s.endpointRateLimits)
	s.mux.HandleFunc("DELETE /resilience/rate-limits/reset", s.resetRateLimit)
	s.mux.HandleFunc("GET /resilience/circuit-breakers", s.listBreakers)
	s.mux.HandleFunc("POST /resilience/circuit-breakers/{name}/reset", s.resetBreaker)
	s.mux.HandleFunc("POST /resilience/circuit-breakers/reset-all", s.resetAllBreakers)
	s.mux.HandleFunc("GET /resilience/summary", s.resilienceSummary)
	s.mux.HandleFunc("GET /resilience/health", s.resilienceHealth)
	s.mux.HandleFunc("GET /resilience/strategies", s.strategies)
}

type limiterView struct {
	Scope   xlimit.Scope    `json:"scope"`
	Config  xlimit.Config   `json:"config"`
	Tracked int             `json:"tracked"`
	Keys    []xlimit.Result `json:"keys"`
}

func viewOf(l *xlimit.Scoped) limiterView {
	return limiterView{Scope: l.Scope(), Config: l.Config(), Tracked: l.Len(), Keys: l.List()}
}

func (s *Server) listRateLimits(w http.ResponseWriter, _ *http.Request) {
	out := make(map[xlimit.Scope]limiterView, 3)
	for _, l := range s.cp.Limiters.All() {
		out[l.Scope()] = viewOf(l)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) ipRateLimit(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	res := s.cp.Limiters.IP.Status(ip)
	res.Key = ip
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) endpointRateLimits(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, viewOf(s.cp.Limiters.Endpoint))
}

// resetRateLimit identifier 为空时清空该作用域的全部桶。
func (s *Server) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, err := xlimit.ParseScope(q.Get("scope"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "scope must be one of ip, endpoint, user", err)
		return
	}
	l, _ := s.cp.Limiters.Get(scope)
	id := q.Get("identifier")
	if id == "" {
		n := l.Len()
		l.Bucket().ResetAll()
		s.writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "reset": n})
		return
	}
	if !l.Reset(id) {
		s.writeError(w, r, http.StatusNotFound, "no rate limit state for identifier", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "identifier": id, "reset": 1})
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cp.Breakers.Snapshots())
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.cp.Breakers.Reset(name) {
		s.writeError(w, r, http.StatusNotFound, "circuit breaker not found", nil)
		return
	}
	b, _ := s.cp.Breakers.Lookup(name)
	s.writeJSON(w, http.StatusOK, b.Snapshot())
}

func (s *Server) resetAllBreakers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"reset": s.cp.Breakers.ResetAll()})
}

type breakerCounts struct {
	Total    int `json:"total"`
	Closed   int `json:"closed"`
	Open     int `json:"open"`
	HalfOpen int `json:"halfOpen"`
}

func (s *Server) breakerCounts() breakerCounts {
	var c breakerCounts
	for _, snap := range s.cp.Breakers.Snapshots() {
		c.Total++
		switch snap.State {
		case xbreaker.StateName(xbreaker.StateOpen):
			c.Open++
		case xbreaker.StateName(xbreaker.StateHalfOpen):
			c.HalfOpen++
		default:
			c.Closed++
		}
	}
	return c
}

func (s *Server) resilienceSummary(w http.ResponseWriter, _ *http.Request) {
	tracked := make(map[xlimit.Scope]int, 3)
	for _, l := range s.cp.Limiters.All() {
		tracked[l.Scope()] = l.Len()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rateLimits":      tracked,
		"circuitBreakers": s.breakerCounts(),
		"healthRuns":      s.cp.HealthRuns.Stats(),
	})
}

// resilienceHealth 任一熔断器处于 OPEN 时返回 503。
func (s *Server) resilienceHealth(w http.ResponseWriter, _ *http.Request) {
	c := s.breakerCounts()
	data := map[string]any{"status": "healthy", "openCircuits": c.Open, "circuitBreakers": c}
	if c.Open > 0 {
		data["status"] = "degraded"
		s.encode(w, http.StatusServiceUnavailable, envelope{Success: false, Data: data,
			Error: "circuit breakers open", Timestamp: s.now().UTC()})
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

type strategyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Config      any    `json:"config,omitempty"`
}

func (s *Server) strategies(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cp.Config
	s.writeJSON(w, http.StatusOK, map[string]any{
		"resilience": []strategyInfo{
			{Name: "rate-limit", Description: "token bucket per IP, endpoint and user", Config: cfg.Limits},
			{Name: "circuit-breaker", Description: "CLOSED/OPEN/HALF_OPEN state machine per named dependency", Config: cfg.Breaker},
			{Name: "retry", Description: "exponential backoff for retryable errors", Config: cfg.Retry},
			{Name: "timeout", Description: "deadline per call, adaptive timeout doubles on consecutive timeouts"},
			{Name: "fallback", Description: "ordered or parallel alternatives with a default value"},
			{Name: "bulkhead", Description: "FIFO concurrency gate", Config: s.cp.HealthRuns.Stats()},
		},
		"loadBalancing": xbalance.Strategies(),
		"active":        s.cp.Balancer.Strategy(),
	})
}
