package xmonitor

import (
	"cmp"
	"context"
	"encoding/json"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/util/xlru"
	"github.com/omeyang/xguard/pkg/util/xsys"
)

// 默认容量。
const (
	DefaultEndpointCapacity = 10_000
	DefaultSystemHistory    = 1000
	DefaultReservoirSize    = 256
	topSlowest              = 10
)

// EndpointMetrics 单个 "METHOD path" 的累计指标。
//
// AvgTime 恒等于 TotalTime/Count，ErrorRate 恒等于 ErrorCount/Count。
type EndpointMetrics struct {
	Key         string
	Method      string
	Path        string
	Count       int64
	TotalTime   time.Duration
	AvgTime     time.Duration
	MinTime     time.Duration
	MaxTime     time.Duration
	P95Time     time.Duration
	ErrorCount  int64
	ErrorRate   float64
	LastUpdated time.Time
}

// MarshalJSON 耗时以毫秒输出。
func (m EndpointMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key         string    `json:"key"`
		Method      string    `json:"method"`
		Path        string    `json:"path"`
		Count       int64     `json:"count"`
		TotalTime   float64   `json:"totalTime"`
		AvgTime     float64   `json:"avgTime"`
		MinTime     float64   `json:"minTime"`
		MaxTime     float64   `json:"maxTime"`
		P95Time     float64   `json:"p95Time"`
		ErrorCount  int64     `json:"errorCount"`
		ErrorRate   float64   `json:"errorRate"`
		LastUpdated time.Time `json:"lastUpdated"`
	}{
		m.Key, m.Method, m.Path, m.Count,
		ms(m.TotalTime), ms(m.AvgTime), ms(m.MinTime), ms(m.MaxTime), ms(m.P95Time),
		m.ErrorCount, m.ErrorRate, m.LastUpdated,
	})
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// endpointState 调用方持有 Collector.mu。
type endpointState struct {
	metrics EndpointMetrics
	recent  []time.Duration // 环形缓冲，最近的若干次耗时
	next    int
}

func (s *endpointState) observe(d time.Duration, limit int) {
	if len(s.recent) < limit {
		s.recent = append(s.recent, d)
		return
	}
	s.recent[s.next] = d
	s.next = (s.next + 1) % limit
}

func (s *endpointState) snapshot() EndpointMetrics {
	m := s.metrics
	m.P95Time = percentile(s.recent, 0.95)
	return m
}

// percentile 最近邻法分位数，空输入为 0。
func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	idx := int(math.Ceil(float64(len(sorted))*q)) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

// CacheMetrics 缓存命中统计。
type CacheMetrics struct {
	Hits            int64         `json:"hits"`
	Misses          int64         `json:"misses"`
	HitRate         float64       `json:"hitRate"`
	TotalTime       time.Duration `json:"-"`
	AvgResponseTime time.Duration `json:"-"`
}

// MarshalJSON 耗时以毫秒输出。
func (m CacheMetrics) MarshalJSON() ([]byte, error) {
	type plain CacheMetrics
	return json.Marshal(struct {
		plain
		AvgResponseTime float64 `json:"avgResponseTime"`
	}{plain(m), ms(m.AvgResponseTime)})
}

// DatabaseMetrics 数据库查询统计。
type DatabaseMetrics struct {
	Queries     int64         `json:"queries"`
	SlowQueries int64         `json:"slowQueries"`
	TotalTime   time.Duration `json:"-"`
	AvgTime     time.Duration `json:"-"`
}

// MarshalJSON 耗时以毫秒输出。
func (m DatabaseMetrics) MarshalJSON() ([]byte, error) {
	type plain DatabaseMetrics
	return json.Marshal(struct {
		plain
		AvgTime float64 `json:"avgTime"`
	}{plain(m), ms(m.AvgTime)})
}

type options struct {
	capacity  int
	history   int
	reservoir int
	now       func() time.Time
	sample    func(ctx context.Context) (xsys.ProcessStats, error)
	logger    xlog.Logger
}

// Option Collector 配置项。
type Option func(*options)

// WithEndpointCapacity 最多跟踪的端点数，超出后淘汰最久未更新者。
func WithEndpointCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithSystemHistory 系统快照保留条数。
func WithSystemHistory(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.history = n
		}
	}
}

// WithReservoirSize 每个端点用于计算 p95 的最近样本数。
func WithReservoirSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.reservoir = n
		}
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSampler 替换系统快照来源，默认 xsys.Snapshot。
func WithSampler(fn func(ctx context.Context) (xsys.ProcessStats, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.sample = fn
		}
	}
}

// WithLogger 指定日志。
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Collector 进程内的请求、缓存、数据库与系统指标。并发安全。
type Collector struct {
	mu        sync.Mutex
	endpoints *xlru.Cache[string, *endpointState]
	cache     CacheMetrics
	db        DatabaseMetrics
	system    []xsys.ProcessStats // 环形缓冲
	sysNext   int
	started   time.Time
	opts      options

	prom registry

	samplerMu sync.Mutex
	sampler   *sampler
}

// New 创建 Collector。
func New(opts ...Option) (*Collector, error) {
	o := options{
		capacity:  DefaultEndpointCapacity,
		history:   DefaultSystemHistory,
		reservoir: DefaultReservoirSize,
		now:       time.Now,
		sample:    xsys.Snapshot,
		logger:    xlog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	eps, err := xlru.New[string, *endpointState](xlru.Config{Size: o.capacity}, nil)
	if err != nil {
		return nil, err
	}
	return &Collector{endpoints: eps, started: o.now(), opts: o}, nil
}

// Close 停止采样并释放端点表。
func (c *Collector) Close() {
	c.StopSampler()
	c.endpoints.Close()
}

// EndpointKey 端点键 "METHOD path"。
func EndpointKey(method, path string) string { return validUTF8(method) + " " + validUTF8(path) }

// validUTF8 路径与方法会成为 Prometheus 标签，非法字节替换为 U+FFFD。
func validUTF8(s string) string { return strings.ToValidUTF8(s, "\uFFFD") }

// RecordEndpoint 记录一次请求。
func (c *Collector) RecordEndpoint(path, method string, d time.Duration, isError bool) {
	if d < 0 {
		d = 0
	}
	path, method = validUTF8(path), validUTF8(method)
	key := EndpointKey(method, path)
	now := c.opts.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	st, _ := c.endpoints.GetOrAdd(key, func() *endpointState {
		return &endpointState{metrics: EndpointMetrics{Key: key, Method: method, Path: path, MinTime: d, MaxTime: d}}
	})
	m := &st.metrics
	m.Count++
	m.TotalTime += d
	m.AvgTime = m.TotalTime / time.Duration(m.Count)
	m.MinTime = min(m.MinTime, d)
	m.MaxTime = max(m.MaxTime, d)
	if isError {
		m.ErrorCount++
	}
	m.ErrorRate = float64(m.ErrorCount) / float64(m.Count)
	m.LastUpdated = now
	st.observe(d, c.opts.reservoir)
}

// Endpoint 查询单个端点。
func (c *Collector) Endpoint(method, path string) (EndpointMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.endpoints.Peek(EndpointKey(method, path))
	if !ok {
		return EndpointMetrics{}, false
	}
	return st.snapshot(), true
}

// EndpointsWithPrefix 路径以 prefix 开头且方法匹配的端点，method 为空时不限方法。
func (c *Collector) EndpointsWithPrefix(method, prefix string) []EndpointMetrics {
	all := c.Endpoints()
	out := make([]EndpointMetrics, 0, len(all))
	for _, m := range all {
		if method != "" && m.Method != method {
			continue
		}
		if strings.HasPrefix(m.Path, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Endpoints 全部端点，按键排序。
func (c *Collector) Endpoints() []EndpointMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointsLocked()
}

func (c *Collector) endpointsLocked() []EndpointMetrics {
	states := c.endpoints.Values()
	out := make([]EndpointMetrics, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	slices.SortFunc(out, func(a, b EndpointMetrics) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

// TopSlowest 平均耗时最高的 n 个端点。
func (c *Collector) TopSlowest(n int) []EndpointMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return topSlowestOf(c.endpointsLocked(), n)
}

func topSlowestOf(all []EndpointMetrics, n int) []EndpointMetrics {
	slices.SortStableFunc(all, func(a, b EndpointMetrics) int { return cmp.Compare(b.AvgTime, a.AvgTime) })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// RecordCacheHit 记录一次缓存命中。
func (c *Collector) RecordCacheHit(d time.Duration) { c.recordCache(true, d) }

// RecordCacheMiss 记录一次缓存未命中。
func (c *Collector) RecordCacheMiss(d time.Duration) { c.recordCache(false, d) }

func (c *Collector) recordCache(hit bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.cache.Hits++
	} else {
		c.cache.Misses++
	}
	total := c.cache.Hits + c.cache.Misses
	c.cache.TotalTime += d
	c.cache.AvgResponseTime = c.cache.TotalTime / time.Duration(total)
	c.cache.HitRate = float64(c.cache.Hits) / float64(total)
}

// Cache 缓存统计副本。
func (c *Collector) Cache() CacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache
}

// RecordDatabaseQuery 记录一次数据库查询，slow 为 true 时计入慢查询。
func (c *Collector) RecordDatabaseQuery(d time.Duration, slow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db.Queries++
	c.db.TotalTime += d
	c.db.AvgTime = c.db.TotalTime / time.Duration(c.db.Queries)
	if slow {
		c.db.SlowQueries++
	}
}

// Database 数据库统计副本。
func (c *Collector) Database() DatabaseMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// RecordSystem 采集一次系统快照并写入历史，超出容量时覆盖最旧的一条。
// 采样部分失败时仍写入已得到的数据，并返回该错误。
func (c *Collector) RecordSystem(ctx context.Context) (xsys.ProcessStats, error) {
	s, err := c.opts.sample(ctx)
	if s.CollectedAt.IsZero() {
		s.CollectedAt = c.opts.now()
	}

	c.mu.Lock()
	if len(c.system) < c.opts.history {
		c.system = append(c.system, s)
	} else {
		c.system[c.sysNext] = s
		c.sysNext = (c.sysNext + 1) % c.opts.history
	}
	c.mu.Unlock()

	if err != nil {
		c.opts.logger.Debug(ctx, "system sample incomplete", xlog.Component("xmonitor"), xlog.Err(err))
	}
	return s, err
}

// System 最近 limit 条系统快照，按时间先后；limit 非正时返回全部。
func (c *Collector) System(limit int) []xsys.ProcessStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemLocked(limit)
}

func (c *Collector) systemLocked(limit int) []xsys.ProcessStats {
	n := len(c.system)
	ordered := make([]xsys.ProcessStats, 0, n)
	ordered = append(ordered, c.system[c.sysNext:]...)
	ordered = append(ordered, c.system[:c.sysNext]...)
	if limit > 0 && limit < n {
		ordered = ordered[n-limit:]
	}
	return ordered
}

func (c *Collector) latestSystemLocked() (xsys.ProcessStats, bool) {
	if len(c.system) == 0 {
		return xsys.ProcessStats{}, false
	}
	i := c.sysNext - 1
	if i < 0 {
		i = len(c.system) - 1
	}
	return c.system[i], true
}

// Uptime Collector 创建以来的时长。
func (c *Collector) Uptime() time.Duration { return c.opts.now().Sub(c.started) }

// Reset 清空全部指标，采样器保持运行。
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints.Clear()
	c.cache = CacheMetrics{}
	c.db = DatabaseMetrics{}
	c.system = nil
	c.sysNext = 0
	c.started = c.opts.now()
}
