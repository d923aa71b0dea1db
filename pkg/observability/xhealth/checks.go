package xhealth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omeyang/xguard/pkg/util/xsys"
)

// DefaultHTTPTimeout HTTPCheck 默认超时。
const DefaultHTTPTimeout = 5 * time.Second

// HTTPCheck 对 URL 发起 GET，2xx 为 HEALTHY，其余状态码与传输错误为 UNHEALTHY。
type HTTPCheck struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
}

// HTTPOption HTTPCheck 配置项。
type HTTPOption func(*HTTPCheck)

// WithHTTPTimeout 请求超时，通过 ctx 取消在途请求。
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPCheck) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient 替换默认的 http.Client。
func WithHTTPClient(cl *http.Client) HTTPOption {
	return func(c *HTTPCheck) {
		if cl != nil {
			c.client = cl
		}
	}
}

// NewHTTPCheck 创建 HTTP 检查。
func NewHTTPCheck(name, url string, opts ...HTTPOption) *HTTPCheck {
	c := &HTTPCheck{name: name, url: url, timeout: DefaultHTTPTimeout, client: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPCheck) Name() string { return c.name }

func (c *HTTPCheck) Check(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	checks := map[string]any{"url": c.url}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		checks["error"] = err.Error()
		return newResult(StatusUnhealthy, start, checks)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		checks["error"] = err.Error()
		return newResult(StatusUnhealthy, start, checks)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // 只为复用连接
	_ = resp.Body.Close()                                         //nolint:errcheck // 读端关闭

	checks["status_code"] = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return newResult(StatusHealthy, start, checks)
	}
	return newResult(StatusUnhealthy, start, checks)
}

// DefaultMemoryThreshold MemoryCheck 默认阈值（百分比）。
const DefaultMemoryThreshold = 90.0

// MemoryCheck 堆使用率或 RSS 占比超过阈值时为 DEGRADED，从不返回 UNHEALTHY。
type MemoryCheck struct {
	threshold float64
	snapshot  func(ctx context.Context) (xsys.ProcessStats, error)
}

// NewMemoryCheck 创建内存检查，threshold 为百分比，非正时取默认值。
func NewMemoryCheck(threshold float64) *MemoryCheck {
	if threshold <= 0 {
		threshold = DefaultMemoryThreshold
	}
	return &MemoryCheck{threshold: threshold, snapshot: xsys.Snapshot}
}

func (*MemoryCheck) Name() string { return "memory" }

func (c *MemoryCheck) Check(ctx context.Context) Result {
	start := time.Now()
	s, err := c.snapshot(ctx)
	heapPct, rssPct := s.HeapPercent(), s.RSSPercent()
	checks := map[string]any{
		"heap_used":    s.HeapAlloc,
		"heap_total":   s.HeapSys,
		"heap_percent": heapPct,
		"rss":          s.RSS,
		"rss_percent":  rssPct,
		"threshold":    c.threshold,
	}
	if err != nil {
		// 部分数据缺失不影响按已有数据判断。
		checks["error"] = err.Error()
	}
	if heapPct > c.threshold || rssPct > c.threshold {
		return newResult(StatusDegraded, start, checks)
	}
	return newResult(StatusHealthy, start, checks)
}

// 磁盘默认阈值（百分比）。
const (
	DefaultDiskDegraded = 80.0
	DefaultDiskCritical = 95.0
)

// DiskCheck 按文件系统使用率分级：≥ degraded 为 DEGRADED，≥ critical 或查询失败为 UNHEALTHY。
type DiskCheck struct {
	path     string
	degraded float64
	critical float64
	usage    func(ctx context.Context, path string) (xsys.DiskStats, error)
}

// NewDiskCheck 创建磁盘检查，阈值非正时取默认值。
func NewDiskCheck(path string, degraded, critical float64) *DiskCheck {
	if degraded <= 0 {
		degraded = DefaultDiskDegraded
	}
	if critical <= 0 {
		critical = DefaultDiskCritical
	}
	return &DiskCheck{path: path, degraded: degraded, critical: critical, usage: xsys.DiskUsage}
}

func (*DiskCheck) Name() string { return "disk" }

func (c *DiskCheck) Check(ctx context.Context) Result {
	start := time.Now()
	u, err := c.usage(ctx, c.path)
	if err != nil {
		return newResult(StatusUnhealthy, start, map[string]any{"path": c.path, "error": err.Error()})
	}
	checks := map[string]any{
		"path":         u.Path,
		"total":        u.Total,
		"used":         u.Used,
		"free":         u.Free,
		"used_percent": u.UsedPercent,
	}
	switch {
	case u.UsedPercent >= c.critical:
		return newResult(StatusUnhealthy, start, checks)
	case u.UsedPercent >= c.degraded:
		return newResult(StatusDegraded, start, checks)
	default:
		return newResult(StatusHealthy, start, checks)
	}
}

//go:generate mockgen -source=checks.go -destination=mock_prober_test.go -package=xhealth

// Prober 连接探测，返回 true 表示可用。
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ProbeFunc 函数形式的 Prober。
type ProbeFunc func(ctx context.Context) (bool, error)

func (f ProbeFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// DatabaseCheck 包装连接探测：true 为 HEALTHY，false、错误或 panic 为 UNHEALTHY。
type DatabaseCheck struct {
	name   string
	prober Prober
}

// NewDatabaseCheck 创建数据库检查，name 为空时为 "database"。
func NewDatabaseCheck(name string, p Prober) *DatabaseCheck {
	if name == "" {
		name = "database"
	}
	return &DatabaseCheck{name: name, prober: p}
}

func (c *DatabaseCheck) Name() string { return c.name }

func (c *DatabaseCheck) Check(ctx context.Context) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = newResult(StatusUnhealthy, start, map[string]any{"error": fmt.Sprintf("probe panic: %v", r)})
		}
	}()
	if c.prober == nil {
		return newResult(StatusUnhealthy, start, map[string]any{"error": "no probe configured"})
	}
	ok, err := c.prober.Probe(ctx)
	switch {
	case err != nil:
		return newResult(StatusUnhealthy, start, map[string]any{"connected": false, "error": err.Error()})
	case !ok:
		return newResult(StatusUnhealthy, start, map[string]any{"connected": false})
	default:
		return newResult(StatusHealthy, start, map[string]any{"connected": true})
	}
}

var (
	_ Check = (*HTTPCheck)(nil)
	_ Check = (*MemoryCheck)(nil)
	_ Check = (*DiskCheck)(nil)
	_ Check = (*DatabaseCheck)(nil)
)
