package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/omeyang/xguard/pkg/observability/xhealth"
	"github.com/omeyang/xguard/pkg/observability/xmonitor"
)

// defaultSystemLimit /monitoring/system 默认返回的样本数。
const defaultSystemLimit = 100

func (s *Server) routeMonitoring() {
	s.mux.HandleFunc("GET /monitoring/metrics", s.prometheusMetrics)
	s.mux.HandleFunc("GET /monitoring/dashboard", s.dashboard)
	s.mux.HandleFunc("GET /monitoring/health", s.monitoringHealth)
	s.mux.HandleFunc("GET /monitoring/endpoints", s.endpoints)
	s.mux.HandleFunc("GET /monitoring/endpoints/{method}/{path...}", s.endpointsByPrefix)
	s.mux.HandleFunc("GET /monitoring/cache", s.cacheMetrics)
	s.mux.HandleFunc("GET /monitoring/database", s.databaseMetrics)
	s.mux.HandleFunc("GET /monitoring/system", s.systemMetrics)
	s.mux.HandleFunc("GET /monitoring/report", s.report)
	s.mux.HandleFunc("GET /monitoring/alerts", s.alerts)
	s.mux.HandleFunc("POST /monitoring/reset", s.resetMetrics)
	s.mux.HandleFunc("GET /monitoring/summary", s.monitoringSummary)
}

func (s *Server) prometheusMetrics(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.cp.Monitor.WritePrometheus(&buf); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to export metrics", err)
		return
	}
	s.writeText(w, xmonitor.PrometheusContentType, buf.String())
}

func (s *Server) dashboard(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cp.Monitor.Dashboard())
}

// monitoringHealth 执行全部检查，UNHEALTHY 时返回 503。
func (s *Server) monitoringHealth(w http.ResponseWriter, r *http.Request) {
	overall := s.cp.Health.Overall(r.Context())
	if overall.Status == xhealth.StatusUnhealthy {
		s.encode(w, http.StatusServiceUnavailable, envelope{Success: false, Data: overall,
			Error: "service unhealthy", Timestamp: s.now().UTC()})
		return
	}
	s.writeJSON(w, http.StatusOK, overall)
}

func (s *Server) endpoints(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cp.Monitor.Endpoints())
}

func (s *Server) endpointsByPrefix(w http.ResponseWriter, r *http.Request) {
	method := strings.ToUpper(r.PathValue("method"))
	prefix := "/" + r.PathValue("path")
	s.writeJSON(w, http.StatusOK, s.cp.Monitor.EndpointsWithPrefix(method, prefix))
}

func (s *Server) cacheMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cp.Monitor.Cache())
}

func (s *Server) databaseMetrics(w http.ResponseWriter, _ *http.Request) {
	data := map[string]any{"metrics": s.cp.Monitor.Database()}
	if stats, ok := s.cp.MongoStats(); ok {
		data["probe"] = stats
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) systemMetrics(w http.ResponseWriter, r *http.Request) {
	limit := defaultSystemLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.cp.Monitor.System(limit))
}

func (s *Server) report(w http.ResponseWriter, _ *http.Request) {
	s.writeText(w, "text/plain; charset=utf-8", s.cp.Monitor.Report())
}

// alerts 查询参数覆盖默认阈值：errorRate 为 0~1 的比例，p95Time 为毫秒，
// memory 为堆使用率百分比，slowQueries 为次数。
func (s *Server) alerts(w http.ResponseWriter, r *http.Request) {
	th, err := parseThresholds(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid alert threshold", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": s.cp.Monitor.Alerts(th),
		"thresholds": map[string]any{
			"errorRate":   th.ErrorRate,
			"p95Time":     millis(th.P95),
			"memory":      th.MemoryPct,
			"slowQueries": th.SlowQueries,
		},
	})
}

func parseThresholds(r *http.Request) (xmonitor.Thresholds, error) {
	th := xmonitor.DefaultThresholds()
	q := r.URL.Query()
	float := func(name string, dst *float64) error {
		v := q.Get(name)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("%w: %s=%q", errBadRequest, name, v)
		}
		*dst = f
		return nil
	}
	if err := float("errorRate", &th.ErrorRate); err != nil {
		return th, err
	}
	if err := float("memory", &th.MemoryPct); err != nil {
		return th, err
	}
	p95 := millis(th.P95)
	if err := float("p95Time", &p95); err != nil {
		return th, err
	}
	th.P95 = time.Duration(p95 * float64(time.Millisecond))
	if v := q.Get("slowQueries"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return th, fmt.Errorf("%w: slowQueries=%q", errBadRequest, v)
		}
		th.SlowQueries = n
	}
	return th, nil
}

func (s *Server) resetMetrics(w http.ResponseWriter, r *http.Request) {
	s.cp.Monitor.Reset()
	s.logger.Info(r.Context(), "monitoring metrics reset")
	s.writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) monitoringSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cp.Monitor.Summary())
}
