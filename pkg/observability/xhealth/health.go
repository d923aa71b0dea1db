package xhealth

import (
	"context"
	"encoding/json"
	"time"
)

// Status 健康状态。
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worst 返回最差的状态，空输入为 HEALTHY。未知状态按 UNHEALTHY 处理。
func Worst(statuses ...Status) Status {
	worst := StatusHealthy
	for _, s := range statuses {
		if s.rank() > worst.rank() {
			worst = s
		}
	}
	if worst.rank() == 2 {
		return StatusUnhealthy
	}
	return worst
}

// Result 单次检查结果。
type Result struct {
	Status       Status         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Checks       map[string]any `json:"checks,omitempty"`
	ResponseTime time.Duration  `json:"-"`
}

// MarshalJSON 附加毫秒单位的 responseTime。
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ResponseTimeMs float64 `json:"responseTime"`
	}{plain(r), float64(r.ResponseTime) / float64(time.Millisecond)})
}

// Check 可注册到 Aggregator 的健康检查。
//
// 失败通过 Result.Status 表达而不是 panic，Aggregator 仍会把 panic 隔离为 UNHEALTHY。
type Check interface {
	Name() string
	Check(ctx context.Context) Result
}

func newResult(status Status, start time.Time, checks map[string]any) Result {
	now := time.Now()
	return Result{Status: status, Timestamp: now, Checks: checks, ResponseTime: now.Sub(start)}
}
