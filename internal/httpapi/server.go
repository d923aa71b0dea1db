package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/omeyang/xguard/internal/controlplane"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/resilience/xlimit"
)

// Option Server 配置项。
type Option func(*Server)

// WithClock 注入时钟，用于响应时间戳与耗时统计。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server 管理接口。
type Server struct {
	cp      *controlplane.ControlPlane
	mux     *http.ServeMux
	handler http.Handler
	logger  xlog.Logger
	now     func() time.Time
	started time.Time
}

// New 创建 Server 并注册全部路由。
func New(cp *controlplane.ControlPlane, opts ...Option) *Server {
	s := &Server{
		cp:     cp,
		mux:    http.NewServeMux(),
		logger: cp.Logger.With(xlog.Component("httpapi")),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.started = s.now()

	s.routeResilience()
	s.routeMonitoring()
	s.routeHA()
	s.mux.Handle("GET /metrics", cp.Monitor.Handler())
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "route not found", nil)
	})

	s.handler = chain(s.mux,
		requestID,
		s.monitor,
		s.recoverer,
		xlimit.Chain(cp.Limiters.All()...),
	)
	return s
}

// Handler 带全部中间件的根处理器。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// HTTPServer 按配置创建 *http.Server，交给 xrun.HTTPServer 管理生命周期。
func (s *Server) HTTPServer() *http.Server {
	cfg := s.cp.Config.Server
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(xlog.Slog(s.logger).Handler(), slog.LevelWarn),
	}
}
