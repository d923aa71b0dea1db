package xlimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

type deniedBody struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// Middleware 返回 HTTP 限流中间件。
//
// 无论是否放行都写出 X-<prefix>-Limit/Remaining/Reset；
// 拒绝时返回 429、Retry-After 与 JSON 错误体，不调用 next。
func Middleware(s *Scoped) func(http.Handler) http.Handler {
	prefix := s.scope.headerPrefix()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, limited := s.Check(r)
			res.SetHeaders(w, prefix)
			if !limited || res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := res.RetryAfterSeconds()
			s.logger.Warn(r.Context(), "rate limit exceeded",
				xlog.Method(r.Method),
				xlog.Path(r.URL.Path),
				xlog.Key(res.Key),
				xlog.Duration(res.RetryAfter),
			)
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(deniedBody{
				Success:    false,
				Error:      s.scope.deniedMessage(),
				RetryAfter: retryAfter,
			})
		})
	}
}

// Chain 按给定顺序串联多个限流器，前者在外层；nil 被跳过。
func Chain(limiters ...*Scoped) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := next
		for i := len(limiters) - 1; i >= 0; i-- {
			if limiters[i] == nil {
				continue
			}
			h = Middleware(limiters[i])(h)
		}
		return h
	}
}
