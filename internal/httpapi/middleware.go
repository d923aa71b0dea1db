package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// HeaderRequestID 请求 ID 头，缺失时自动生成。
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen 超长的上游请求 ID 被替换。
const maxRequestIDLen = 128

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(xlog.WithRequestID(r.Context(), id)))
	})
}

// statusRecorder 记录最终状态码。
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status, r.wroteHeader = code, true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.status, r.wroteHeader = http.StatusOK, true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// monitor 将每个响应的耗时与是否出错（状态码 >= 400）记入 Collector。
// 处理器 panic 按 500 记录后继续向外抛出。
func (s *Server) monitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			v := recover()
			status := rec.status
			if v != nil {
				status = http.StatusInternalServerError
			}
			d := s.now().Sub(start)
			path := routePath(r)
			s.cp.Monitor.RecordEndpoint(path, r.Method, d, status >= http.StatusBadRequest)
			s.logger.Debug(r.Context(), "request served",
				xlog.Method(r.Method), xlog.Path(path), xlog.StatusCode(status), xlog.Duration(d))
			if v != nil {
				panic(v)
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

// routePath 优先取匹配到的路由模式，带 ID 的路径归并为一个端点。
// 未匹配任何路由时取原始路径。
func routePath(r *http.Request) string {
	p := r.Pattern
	if i := strings.IndexByte(p, ' '); i >= 0 {
		p = p[i+1:]
	}
	if p == "" || p == "/" {
		return r.URL.Path
	}
	return p
}

// recoverer 将处理器 panic 转为 500。
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler { //nolint:errorlint // net/http 以哨兵值比较
				panic(v)
			}
			s.logger.Error(r.Context(), "handler panic", xlog.Path(r.URL.Path),
				xlog.Err(fmt.Errorf("%v", v)), slog.String("stack", string(debug.Stack())))
			s.writeError(w, r, http.StatusInternalServerError, "internal server error", fmt.Errorf("panic: %v", v))
		}()
		next.ServeHTTP(w, r)
	})
}

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
