package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// errBadRequest 请求参数错误的统一前缀。
var errBadRequest = errors.New("bad request")

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	s.encode(w, status, envelope{Success: true, Data: data, Timestamp: s.now().UTC()})
}

// writeError 写出错误信封。err 仅在非生产环境作为 detail 输出。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	env := envelope{
		Success:   false,
		Error:     msg,
		RequestID: xlog.RequestID(r.Context()),
		Timestamp: s.now().UTC(),
	}
	if err != nil && !s.cp.Config.Production() {
		env.Detail = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), msg,
			xlog.Method(r.Method), xlog.Path(r.URL.Path), xlog.StatusCode(status), xlog.Err(err))
	}
	s.encode(w, status, env)
}

func (s *Server) encode(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // 连接已断开时无从补救
}

func (s *Server) writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body)) //nolint:errcheck // 同 encode
}

// decodeBody 解码 JSON 请求体，拒绝未知字段。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
