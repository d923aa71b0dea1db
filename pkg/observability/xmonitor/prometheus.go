package xmonitor

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "xguard"

var (
	descRequests = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "http", "requests_total"),
		"Total HTTP requests by method and path.",
		[]string{"method", "path"}, nil)
	descErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "http", "request_errors_total"),
		"Total HTTP requests that ended in an error.",
		[]string{"method", "path"}, nil)
	descDuration = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "http", "request_duration_seconds"),
		"HTTP request duration; the 0.95 quantile covers recent requests only.",
		[]string{"method", "path"}, nil)
	descCacheHits = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "hits_total"),
		"Total cache hits.", nil, nil)
	descCacheMisses = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "misses_total"),
		"Total cache misses.", nil, nil)
	descCacheRatio = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "hit_ratio"),
		"Cache hit ratio between 0 and 1.", nil, nil)
	descDBQueries = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "db", "query_duration_seconds"),
		"Database query duration.", nil, nil)
	descDBSlow = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "db", "slow_queries_total"),
		"Total slow database queries.", nil, nil)
	descHeap = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "heap_bytes"),
		"Heap bytes in use at the last system sample.", nil, nil)
	descRSS = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "resident_memory_bytes"),
		"Resident memory at the last system sample.", nil, nil)
	descCPU = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "cpu_percent"),
		"Process CPU percent at the last system sample.", nil, nil)
	descGoroutines = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "goroutines"),
		"Goroutines at the last system sample.", nil, nil)
	descFDLimit = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "open_files_limit"),
		"File descriptor limit at the last system sample.",
		[]string{"kind"}, nil)
	descUptime = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "uptime_seconds"),
		"Seconds since the collector started or was reset.", nil, nil)
)

// exporter 将 Collector 的快照转换为 Prometheus 常量指标。
type exporter struct {
	c *Collector
}

func (e exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descRequests, descErrors, descDuration,
		descCacheHits, descCacheMisses, descCacheRatio,
		descDBQueries, descDBSlow,
		descHeap, descRSS, descCPU, descGoroutines, descFDLimit, descUptime,
	} {
		ch <- d
	}
}

func (e exporter) Collect(ch chan<- prometheus.Metric) {
	d := e.c.Dashboard()
	for _, m := range d.Endpoints {
		ch <- constMetric(descRequests, prometheus.CounterValue, float64(m.Count), m.Method, m.Path)
		ch <- constMetric(descErrors, prometheus.CounterValue, float64(m.ErrorCount), m.Method, m.Path)
		ch <- constSummary(descDuration, uint64(m.Count), m.TotalTime.Seconds(),
			map[float64]float64{0.95: m.P95Time.Seconds()}, m.Method, m.Path)
	}

	ch <- constMetric(descCacheHits, prometheus.CounterValue, float64(d.Cache.Hits))
	ch <- constMetric(descCacheMisses, prometheus.CounterValue, float64(d.Cache.Misses))
	ch <- constMetric(descCacheRatio, prometheus.GaugeValue, d.Cache.HitRate)

	ch <- constSummary(descDBQueries, uint64(d.Database.Queries), d.Database.TotalTime.Seconds(), nil)
	ch <- constMetric(descDBSlow, prometheus.CounterValue, float64(d.Database.SlowQueries))

	if s := d.System; s != nil {
		ch <- constMetric(descHeap, prometheus.GaugeValue, float64(s.HeapAlloc))
		ch <- constMetric(descRSS, prometheus.GaugeValue, float64(s.RSS))
		ch <- constMetric(descCPU, prometheus.GaugeValue, s.CPUPercent)
		ch <- constMetric(descGoroutines, prometheus.GaugeValue, float64(s.Goroutines))
		if s.FileLimitSoft > 0 {
			ch <- constMetric(descFDLimit, prometheus.GaugeValue, float64(s.FileLimitSoft), "soft")
			ch <- constMetric(descFDLimit, prometheus.GaugeValue, float64(s.FileLimitHard), "hard")
		}
	}
	ch <- constMetric(descUptime, prometheus.GaugeValue, d.Uptime.Seconds())
}

// constMetric 构造失败时返回 InvalidMetric，由 Gather 汇报错误而不是 panic。
func constMetric(desc *prometheus.Desc, vt prometheus.ValueType, v float64, labels ...string) prometheus.Metric {
	m, err := prometheus.NewConstMetric(desc, vt, v, labels...)
	if err != nil {
		return prometheus.NewInvalidMetric(desc, err)
	}
	return m
}

func constSummary(desc *prometheus.Desc, count uint64, sum float64, quantiles map[float64]float64, labels ...string) prometheus.Metric {
	m, err := prometheus.NewConstSummary(desc, count, sum, quantiles, labels...)
	if err != nil {
		return prometheus.NewInvalidMetric(desc, err)
	}
	return m
}

// Collector 返回可注册到外部 Registry 的 prometheus.Collector。
func (c *Collector) Collector() prometheus.Collector { return exporter{c: c} }

// registry 懒加载的私有 Registry，包含本 Collector 与 Go 运行时指标。
type registry struct {
	once sync.Once
	reg  *prometheus.Registry
}

func (c *Collector) registry() *prometheus.Registry {
	c.prom.once.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(exporter{c: c}, collectors.NewGoCollector())
		c.prom.reg = reg
	})
	return c.prom.reg
}

// PrometheusContentType text exposition 格式的 Content-Type。
var PrometheusContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// WritePrometheus 以 Prometheus text exposition 格式写出全部指标。
func (c *Collector) WritePrometheus(w io.Writer) error {
	mfs, err := c.registry().Gather()
	if err != nil {
		return fmt.Errorf("xmonitor: gather: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("xmonitor: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler 按 Accept 协商格式的 /metrics 处理器。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry(), promhttp.HandlerOpts{})
}
