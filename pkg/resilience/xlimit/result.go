package xlimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Result 一次限流检查的结果。
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetTime"`
	// RetryAfter 仅在拒绝时有值，表示凑够所需令牌还需等待的时长。
	RetryAfter time.Duration `json:"-"`
	Key        string        `json:"key,omitempty"`
	// Exceeded 请求的令牌数超过桶容量，等待多久都不会放行，调用方不应重试。
	Exceeded bool `json:"exceeded,omitempty"`
}

// RetryAfterSeconds 向上取整的等待秒数，拒绝时至少为 1。
func (r Result) RetryAfterSeconds() int64 {
	if r.Allowed {
		return 0
	}
	return max(int64(math.Ceil(r.RetryAfter.Seconds())), 1)
}

// SetHeaders 写出 X-<prefix>-Limit/Remaining/Reset，Reset 为 unix 秒。
func (r Result) SetHeaders(w http.ResponseWriter, prefix string) {
	h := w.Header()
	h.Set("X-"+prefix+"-Limit", strconv.Itoa(r.Limit))
	h.Set("X-"+prefix+"-Remaining", strconv.Itoa(r.Remaining))
	h.Set("X-"+prefix+"-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
}
