package xmonitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/omeyang/xguard/pkg/util/xsys"
)

// Totals 全部端点的汇总。
type Totals struct {
	Endpoints       int           `json:"endpoints"`
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	ErrorRate       float64       `json:"errorRate"`
	AvgResponseTime time.Duration `json:"-"`
	AvgResponseMs   float64       `json:"avgResponseTime"`
}

func totalsOf(eps []EndpointMetrics) Totals {
	t := Totals{Endpoints: len(eps)}
	var total time.Duration
	for _, m := range eps {
		t.Requests += m.Count
		t.Errors += m.ErrorCount
		total += m.TotalTime
	}
	if t.Requests > 0 {
		t.ErrorRate = float64(t.Errors) / float64(t.Requests)
		t.AvgResponseTime = total / time.Duration(t.Requests)
		t.AvgResponseMs = ms(t.AvgResponseTime)
	}
	return t
}

// Dashboard 面板视图。
type Dashboard struct {
	GeneratedAt time.Time          `json:"generatedAt"`
	Uptime      time.Duration      `json:"-"`
	UptimeSecs  float64            `json:"uptime"`
	Totals      Totals             `json:"totals"`
	TopSlowest  []EndpointMetrics  `json:"topSlowest"`
	Endpoints   []EndpointMetrics  `json:"endpoints"`
	Cache       CacheMetrics       `json:"cache"`
	Database    DatabaseMetrics    `json:"database"`
	System      *xsys.ProcessStats `json:"system,omitempty"`
}

// Dashboard 返回全部指标及平均耗时最高的 10 个端点。
func (c *Collector) Dashboard() Dashboard {
	c.mu.Lock()
	defer c.mu.Unlock()
	eps := c.endpointsLocked()
	d := Dashboard{
		GeneratedAt: c.opts.now(),
		Uptime:      c.opts.now().Sub(c.started),
		UptimeSecs:  c.opts.now().Sub(c.started).Seconds(),
		Totals:      totalsOf(eps),
		Endpoints:   eps,
		TopSlowest:  topSlowestOf(append([]EndpointMetrics(nil), eps...), topSlowest),
		Cache:       c.cache,
		Database:    c.db,
	}
	if s, ok := c.latestSystemLocked(); ok {
		d.System = &s
	}
	return d
}

// Summary 精简概况。
type Summary struct {
	Uptime          time.Duration `json:"-"`
	UptimeSeconds   float64       `json:"uptime"`
	Requests        int64         `json:"totalRequests"`
	Errors          int64         `json:"totalErrors"`
	ErrorRate       float64       `json:"errorRate"`
	AvgResponseTime float64       `json:"avgResponseTime"`
	Endpoints       int           `json:"endpoints"`
	CacheHitRate    float64       `json:"cacheHitRate"`
	DatabaseQueries int64         `json:"databaseQueries"`
	SlowQueries     int64         `json:"slowQueries"`
	HeapUsed        uint64        `json:"heapUsed"`
	RSS             uint64        `json:"rss"`
}

// Summary 返回精简概况。
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := totalsOf(c.endpointsLocked())
	up := c.opts.now().Sub(c.started)
	s := Summary{
		Uptime:          up,
		UptimeSeconds:   up.Seconds(),
		Requests:        t.Requests,
		Errors:          t.Errors,
		ErrorRate:       t.ErrorRate,
		AvgResponseTime: ms(t.AvgResponseTime),
		Endpoints:       t.Endpoints,
		CacheHitRate:    c.cache.HitRate,
		DatabaseQueries: c.db.Queries,
		SlowQueries:     c.db.SlowQueries,
	}
	if sys, ok := c.latestSystemLocked(); ok {
		s.HeapUsed, s.RSS = sys.HeapAlloc, sys.RSS
	}
	return s
}

// Report 纯文本报告。
func (c *Collector) Report() string {
	d := c.Dashboard()
	var b strings.Builder
	fmt.Fprintf(&b, "Performance Report (%s)\n", d.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Uptime: %s\n\n", d.Uptime.Truncate(time.Second))

	b.WriteString("Requests\n")
	fmt.Fprintf(&b, "  total: %d  errors: %d  error rate: %.2f%%  avg: %.2fms\n\n",
		d.Totals.Requests, d.Totals.Errors, d.Totals.ErrorRate*100, ms(d.Totals.AvgResponseTime))

	b.WriteString("Slowest endpoints\n")
	if len(d.TopSlowest) == 0 {
		b.WriteString("  (none)\n")
	}
	for i, m := range d.TopSlowest {
		fmt.Fprintf(&b, "  %2d. %-40s avg %.2fms  p95 %.2fms  max %.2fms  count %d\n",
			i+1, m.Key, ms(m.AvgTime), ms(m.P95Time), ms(m.MaxTime), m.Count)
	}

	b.WriteString("\nCache\n")
	fmt.Fprintf(&b, "  hits: %d  misses: %d  hit rate: %.2f%%\n",
		d.Cache.Hits, d.Cache.Misses, d.Cache.HitRate*100)

	b.WriteString("\nDatabase\n")
	fmt.Fprintf(&b, "  queries: %d  slow: %d  avg: %.2fms\n",
		d.Database.Queries, d.Database.SlowQueries, ms(d.Database.AvgTime))

	if d.System != nil {
		b.WriteString("\nSystem\n")
		fmt.Fprintf(&b, "  heap: %s / %s  rss: %s  cpu: %.1f%%  goroutines: %d\n",
			bytesHuman(d.System.HeapAlloc), bytesHuman(d.System.HeapSys),
			bytesHuman(d.System.RSS), d.System.CPUPercent, d.System.Goroutines)
	}
	return b.String()
}

func bytesHuman(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Thresholds 告警阈值，零值字段不参与判断。
type Thresholds struct {
	ErrorRate   float64       // 0~1
	P95         time.Duration // 端点 p95 耗时
	MemoryPct   float64       // 堆使用率百分比
	SlowQueries int64
}

// DefaultThresholds 默认告警阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{ErrorRate: 0.05, P95: time.Second, MemoryPct: 90, SlowQueries: 10}
}

// Severity 告警级别。
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 一条告警。
type Alert struct {
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	Target    string   `json:"target,omitempty"`
	Message   string   `json:"message"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
}

// Alerts 按阈值检查当前指标。超过阈值两倍的为 critical。
func (c *Collector) Alerts(th Thresholds) []Alert {
	d := c.Dashboard()
	alerts := []Alert{}

	if th.ErrorRate > 0 {
		for _, m := range d.Endpoints {
			if m.ErrorRate > th.ErrorRate {
				alerts = append(alerts, Alert{
					Type:      "error_rate",
					Severity:  severity(m.ErrorRate, th.ErrorRate),
					Target:    m.Key,
					Message:   fmt.Sprintf("error rate %.2f%% exceeds %.2f%%", m.ErrorRate*100, th.ErrorRate*100),
					Value:     m.ErrorRate,
					Threshold: th.ErrorRate,
				})
			}
		}
	}
	if th.P95 > 0 {
		for _, m := range d.Endpoints {
			if m.P95Time > th.P95 {
				alerts = append(alerts, Alert{
					Type:      "p95_latency",
					Severity:  severity(ms(m.P95Time), ms(th.P95)),
					Target:    m.Key,
					Message:   fmt.Sprintf("p95 %.2fms exceeds %.2fms", ms(m.P95Time), ms(th.P95)),
					Value:     ms(m.P95Time),
					Threshold: ms(th.P95),
				})
			}
		}
	}
	if th.MemoryPct > 0 && d.System != nil {
		if pct := d.System.HeapPercent(); pct > th.MemoryPct {
			alerts = append(alerts, Alert{
				Type:      "memory",
				Severity:  severity(pct, th.MemoryPct),
				Message:   fmt.Sprintf("heap usage %.1f%% exceeds %.1f%%", pct, th.MemoryPct),
				Value:     pct,
				Threshold: th.MemoryPct,
			})
		}
	}
	if th.SlowQueries > 0 && d.Database.SlowQueries > th.SlowQueries {
		alerts = append(alerts, Alert{
			Type:      "slow_queries",
			Severity:  severity(float64(d.Database.SlowQueries), float64(th.SlowQueries)),
			Message:   fmt.Sprintf("%d slow queries exceed %d", d.Database.SlowQueries, th.SlowQueries),
			Value:     float64(d.Database.SlowQueries),
			Threshold: float64(th.SlowQueries),
		})
	}
	return alerts
}

func severity(value, threshold float64) Severity {
	if value > 2*threshold {
		return SeverityCritical
	}
	return SeverityWarning
}
