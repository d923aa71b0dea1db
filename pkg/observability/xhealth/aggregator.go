package xhealth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xguard/pkg/lifecycle/xrun"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/observability/xmetrics"
)

// DefaultCheckTimeout 单项检查的默认超时。
const DefaultCheckTimeout = 10 * time.Second

var (
	// ErrNilCheck 注册了 nil 检查。
	ErrNilCheck = errors.New("xhealth: nil check")

	// ErrEmptyName 检查名为空。
	ErrEmptyName = errors.New("xhealth: check name is required")
)

// Overall 汇总结果。
type Overall struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Result `json:"checks"`
}

type aggOptions struct {
	timeout  time.Duration
	logger   xlog.Logger
	observer xmetrics.Observer
}

// AggregatorOption Aggregator 配置项。
type AggregatorOption func(*aggOptions)

// WithCheckTimeout 单项检查超时。
func WithCheckTimeout(d time.Duration) AggregatorOption {
	return func(o *aggOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger 指定日志。
func WithLogger(l xlog.Logger) AggregatorOption {
	return func(o *aggOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver 为每次检查记录 span。
func WithObserver(obs xmetrics.Observer) AggregatorOption {
	return func(o *aggOptions) { o.observer = obs }
}

// Aggregator 管理一组检查并归并为整体状态。
//
// 单项检查的 panic 被隔离为该项的 UNHEALTHY，不会中断其余检查。
type Aggregator struct {
	mu      sync.RWMutex
	checks  map[string]Check
	last    map[string]Result
	daemons map[string]*xrun.Daemon

	// 周期检查运行中时非空，之后注册的检查自动加入调度。
	periodicCtx      context.Context
	periodicInterval time.Duration

	opts aggOptions
}

// NewAggregator 创建聚合器。
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	o := aggOptions{timeout: DefaultCheckTimeout, logger: xlog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Aggregator{
		checks:  make(map[string]Check),
		last:    make(map[string]Result),
		daemons: make(map[string]*xrun.Daemon),
		opts:    o,
	}
}

// Register 注册检查，同名检查被替换。
func (a *Aggregator) Register(c Check) error {
	if c == nil {
		return ErrNilCheck
	}
	name := c.Name()
	if name == "" {
		return ErrEmptyName
	}
	a.mu.Lock()
	old := a.daemons[name]
	delete(a.daemons, name)
	a.checks[name] = c
	ctx, interval := a.periodicCtx, a.periodicInterval
	a.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if ctx != nil {
		a.schedule(ctx, name, c, interval)
	}
	return nil
}

// Unregister 移除检查及其缓存结果。
func (a *Aggregator) Unregister(name string) bool {
	a.mu.Lock()
	_, ok := a.checks[name]
	d := a.daemons[name]
	delete(a.checks, name)
	delete(a.daemons, name)
	delete(a.last, name)
	a.mu.Unlock()

	if d != nil {
		d.Stop()
	}
	return ok
}

// Names 已注册的检查名，已排序。
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Sorted(maps.Keys(a.checks))
}

// Run 执行单项检查并缓存结果。
func (a *Aggregator) Run(ctx context.Context, name string) (Result, bool) {
	a.mu.RLock()
	c, ok := a.checks[name]
	a.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	return a.runOne(ctx, name, c), true
}

// RunAll 并行执行全部检查，返回并缓存每项结果。
func (a *Aggregator) RunAll(ctx context.Context) map[string]Result {
	a.mu.RLock()
	checks := maps.Clone(a.checks)
	a.mu.RUnlock()

	var mu sync.Mutex
	out := make(map[string]Result, len(checks))
	var g errgroup.Group
	for name, c := range checks {
		g.Go(func() error {
			res := a.runOne(ctx, name, c)
			mu.Lock()
			out[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // runOne 不返回错误
	return out
}

// Overall 执行全部检查并归并：任一 UNHEALTHY 为 UNHEALTHY，否则任一 DEGRADED 为 DEGRADED。
func (a *Aggregator) Overall(ctx context.Context) Overall {
	return summarize(a.RunAll(ctx))
}

// LastResults 最近一次的各项结果，不触发检查。
func (a *Aggregator) LastResults() map[string]Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.last)
}

// LastOverall 基于缓存结果归并整体状态。
func (a *Aggregator) LastOverall() Overall {
	return summarize(a.LastResults())
}

func summarize(results map[string]Result) Overall {
	statuses := make([]Status, 0, len(results))
	for _, r := range results {
		statuses = append(statuses, r.Status)
	}
	if results == nil {
		results = map[string]Result{}
	}
	return Overall{Status: Worst(statuses...), Timestamp: time.Now(), Checks: results}
}

// StartPeriodic 为每项检查启动独立的周期循环，立即执行一次。
// 已在运行时先停止旧循环。
func (a *Aggregator) StartPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return xrun.ErrInvalidInterval
	}
	a.Stop()

	a.mu.Lock()
	a.periodicCtx, a.periodicInterval = ctx, interval
	checks := maps.Clone(a.checks)
	a.mu.Unlock()

	for name, c := range checks {
		a.schedule(ctx, name, c, interval)
	}
	return nil
}

func (a *Aggregator) schedule(ctx context.Context, name string, c Check, interval time.Duration) {
	d := &xrun.Daemon{}
	a.mu.Lock()
	if a.checks[name] != c || a.daemons[name] != nil {
		a.mu.Unlock()
		return
	}
	a.daemons[name] = d
	a.mu.Unlock()

	d.Start(ctx, xrun.Ticker(interval, true, func(ctx context.Context) error {
		a.runOne(ctx, name, c)
		return nil
	}))
}

// Stop 停止全部周期循环并等待退出，可重复调用。
func (a *Aggregator) Stop() {
	a.mu.Lock()
	daemons := a.daemons
	a.daemons = make(map[string]*xrun.Daemon)
	a.periodicCtx, a.periodicInterval = nil, 0
	a.mu.Unlock()

	for _, d := range daemons {
		d.Stop()
	}
}

// Running 是否有周期检查在运行。
func (a *Aggregator) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.periodicCtx != nil
}

func (a *Aggregator) runOne(ctx context.Context, name string, c Check) Result {
	ctx, span := xmetrics.Start(ctx, a.opts.observer, xmetrics.SpanOptions{
		Component: "xhealth",
		Operation: "check",
		Kind:      xmetrics.KindInternal,
		Attrs:     []xmetrics.Attr{xmetrics.String("check", name)},
	})
	ctx, cancel := context.WithTimeout(ctx, a.opts.timeout)
	defer cancel()

	res := safeCheck(ctx, c)
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}
	if res.Status == "" {
		res.Status = StatusUnhealthy
	}

	var spanErr error
	if res.Status != StatusHealthy {
		spanErr = fmt.Errorf("check %s: %s", name, res.Status)
		a.opts.logger.Warn(ctx, "health check not healthy",
			xlog.Component("xhealth"),
			xlog.Name(name),
			xlog.State(string(res.Status)),
		)
	}
	span.End(xmetrics.Result{
		Err:   spanErr,
		Attrs: []xmetrics.Attr{
			xmetrics.String("status", string(res.Status)),
			xmetrics.Float64("response_time_ms", float64(res.ResponseTime)/float64(time.Millisecond)),
		},
	})

	a.mu.Lock()
	if a.checks[name] == c {
		a.last[name] = res
	}
	a.mu.Unlock()
	return res
}

func safeCheck(ctx context.Context, c Check) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = newResult(StatusUnhealthy, start, map[string]any{"error": fmt.Sprintf("check panic: %v", r)})
		}
	}()
	res = c.Check(ctx)
	if res.ResponseTime == 0 {
		res.ResponseTime = time.Since(start)
	}
	return res
}
