package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/omeyang/xguard/pkg/config/xconf"
	"github.com/omeyang/xguard/pkg/ha/xbalance"
	"github.com/omeyang/xguard/pkg/ha/xcluster"
	"github.com/omeyang/xguard/pkg/ha/xregistry"
	"github.com/omeyang/xguard/pkg/lifecycle/xrun"
	"github.com/omeyang/xguard/pkg/observability/xhealth"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/observability/xmetrics"
	"github.com/omeyang/xguard/pkg/observability/xmonitor"
	"github.com/omeyang/xguard/pkg/observability/xrotate"
	"github.com/omeyang/xguard/pkg/resilience/xbreaker"
	"github.com/omeyang/xguard/pkg/resilience/xbulkhead"
	"github.com/omeyang/xguard/pkg/resilience/xlimit"
	"github.com/omeyang/xguard/pkg/storage/xmongo"
)

// MongoBreaker 数据库探测使用的熔断器名。
const MongoBreaker = "mongo"

type options struct {
	logger   xlog.LoggerWithLevel
	observer xmetrics.Observer
	clock    func() time.Time
	checks   []xhealth.Check
	mongo    xmongo.Pinger
}

// Option ControlPlane 配置项。
type Option func(*options)

// WithLogger 使用已构建的 Logger，不再按 Config.Log 创建。
func WithLogger(l xlog.LoggerWithLevel) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver 为熔断、舱壁与健康检查记录 span。
func WithObserver(obs xmetrics.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock 注入时钟，作用于限流、注册表、集群与指标。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithChecks 追加健康检查。
func WithChecks(checks ...xhealth.Check) Option {
	return func(o *options) { o.checks = append(o.checks, checks...) }
}

// WithMongoPinger 替换数据库连接，用于测试。设置后不再按 Config.Mongo 建立连接。
func WithMongoPinger(p xmongo.Pinger) Option {
	return func(o *options) { o.mongo = p }
}

// Limiters 三级限流器，按 IP、端点、用户的顺序生效。
type Limiters struct {
	IP       *xlimit.Scoped
	Endpoint *xlimit.Scoped
	User     *xlimit.Scoped
}

// Get 按作用域取限流器。
func (l Limiters) Get(scope xlimit.Scope) (*xlimit.Scoped, bool) {
	switch scope {
	case xlimit.ScopeIP:
		return l.IP, l.IP != nil
	case xlimit.ScopeEndpoint:
		return l.Endpoint, l.Endpoint != nil
	case xlimit.ScopeUser:
		return l.User, l.User != nil
	default:
		return nil, false
	}
}

// All 按生效顺序返回。
func (l Limiters) All() []*xlimit.Scoped { return []*xlimit.Scoped{l.IP, l.Endpoint, l.User} }

// ControlPlane 进程内唯一的组件容器，替代各组件的全局单例。
//
// 由 New 构建，Services 返回需要随进程运行的后台循环，Close 释放资源。
type ControlPlane struct {
	Config   Config
	Logger   xlog.LoggerWithLevel
	Limiters Limiters
	Breakers *xbreaker.Manager
	Balancer xbalance.Balancer
	Registry *xregistry.Registry
	Cluster  *xcluster.Manager
	Health   *xhealth.Aggregator
	Monitor  *xmonitor.Collector
	// HealthRuns 限制按需触发的全量健康检查并发。
	HealthRuns *xbulkhead.Bulkhead

	mongo     *mongo.Client
	mongoStat *xmongo.Prober
	cleanups  []func() error
}

// New 按配置构建全部组件。失败时已创建的资源被释放。
func New(cfg Config, opts ...Option) (cp *ControlPlane, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{observer: xmetrics.NoopObserver{}, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	cp = &ControlPlane{Config: cfg}
	built := cp
	defer func() {
		if err != nil {
			_ = built.Close() //nolint:errcheck // 返回构建错误
		}
	}()

	if o.logger == nil {
		l, cleanup, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		o.logger = l
		cp.cleanups = append(cp.cleanups, cleanup)
	}
	cp.Logger = o.logger

	if cp.Monitor, err = xmonitor.New(
		xmonitor.WithEndpointCapacity(cfg.Monitor.EndpointCapacity),
		xmonitor.WithSystemHistory(cfg.Monitor.SystemHistory),
		xmonitor.WithClock(o.clock),
		xmonitor.WithLogger(cp.Logger),
	); err != nil {
		return nil, err
	}
	if cp.Limiters, err = newLimiters(cfg.Limits, o.clock, cp.Logger); err != nil {
		return nil, err
	}

	cp.Breakers = xbreaker.NewManager(
		xbreaker.WithDefaults(cfg.Breaker),
		xbreaker.WithBreakerOptions(xbreaker.WithLogger(cp.Logger), xbreaker.WithObserver(o.observer)),
	)
	if cp.Balancer, err = newBalancer(cfg.Balancer); err != nil {
		return nil, err
	}
	cp.Registry = xregistry.New(
		xregistry.WithHeartbeatTimeout(cfg.Registry.HeartbeatTimeout),
		xregistry.WithClock(o.clock),
		xregistry.WithLogger(cp.Logger),
	)
	if cp.Cluster, err = xcluster.New(xcluster.Member{
		ID:     cfg.Cluster.NodeID,
		NodeID: cfg.Cluster.NodeID,
		Host:   cfg.Cluster.Host,
		Port:   cfg.Cluster.Port,
	}, cfg.Cluster.Config, xcluster.WithClock(o.clock), xcluster.WithLogger(cp.Logger)); err != nil {
		return nil, err
	}
	if cp.HealthRuns, err = xbulkhead.New(max(cfg.Health.MaxConcurrent, 1),
		xbulkhead.WithName("health-runs"), xbulkhead.WithObserver(o.observer)); err != nil {
		return nil, err
	}

	cp.Health = xhealth.NewAggregator(
		xhealth.WithCheckTimeout(cfg.Health.CheckTimeout),
		xhealth.WithLogger(cp.Logger),
		xhealth.WithObserver(o.observer),
	)
	if err := cp.registerChecks(o); err != nil {
		return nil, err
	}
	return cp, nil
}

// NewLogger 按配置构建 Logger。
func NewLogger(cfg LogConfig) (xlog.LoggerWithLevel, func() error, error) {
	b := xlog.New().SetLevelString(cfg.Level).SetFormat(cfg.Format)
	if cfg.File != "" {
		b = b.SetRotation(cfg.File, xrotate.WithMaxSize(cfg.MaxSizeMB), xrotate.WithMaxBackups(cfg.MaxBackups))
	}
	return b.Build()
}

func newLimiters(cfg LimitsConfig, now func() time.Time, logger xlog.Logger) (Limiters, error) {
	opts := []xlimit.Option{
		xlimit.WithClock(now),
		xlimit.WithCapacity(cfg.Capacity),
		xlimit.WithIdleTTL(cfg.IdleTTL),
		xlimit.WithTrustProxy(cfg.TrustProxy),
		xlimit.WithUserHeader(cfg.UserHeader),
		xlimit.WithWhitelist(cfg.Whitelist...),
		xlimit.WithLogger(logger),
	}
	var l Limiters
	var err error
	if l.IP, err = xlimit.NewIPLimiter(cfg.IP, opts...); err != nil {
		return l, fmt.Errorf("ip limiter: %w", err)
	}
	if l.Endpoint, err = xlimit.NewEndpointLimiter(cfg.Endpoint, opts...); err != nil {
		l.IP.Close()
		return Limiters{}, fmt.Errorf("endpoint limiter: %w", err)
	}
	if l.User, err = xlimit.NewUserLimiter(cfg.User, opts...); err != nil {
		l.IP.Close()
		l.Endpoint.Close()
		return Limiters{}, fmt.Errorf("user limiter: %w", err)
	}
	return l, nil
}

// newBalancer 配置中的节点以健康状态加入。
func newBalancer(cfg BalancerConfig) (xbalance.Balancer, error) {
	b, err := xbalance.New(xbalance.Strategy(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	for _, n := range cfg.Nodes {
		n.Healthy = true
		if err := b.AddNode(n); err != nil {
			return nil, fmt.Errorf("balancer node %q: %w", n.ID, err)
		}
	}
	return b, nil
}

func (cp *ControlPlane) registerChecks(o options) error {
	h := cp.Config.Health
	checks := []xhealth.Check{
		xhealth.NewMemoryCheck(h.MemoryThreshold),
		xhealth.NewDiskCheck(h.DiskPath, h.DiskDegraded, h.DiskCritical),
	}
	for _, hc := range h.HTTP {
		checks = append(checks, xhealth.NewHTTPCheck(hc.Name, hc.URL, xhealth.WithHTTPTimeout(hc.Timeout)))
	}

	pinger := o.mongo
	if pinger == nil && cp.Config.Mongo.URI != "" {
		client, err := xmongo.Connect(cp.Config.Mongo, cp.Monitor)
		if err != nil {
			return err
		}
		cp.mongo = client
		pinger = client
	}
	if pinger != nil {
		cp.mongoStat = xmongo.NewProber(pinger, cp.Config.Mongo.HealthTimeout)
		breaker := cp.Breakers.Get(MongoBreaker)
		checks = append(checks, xhealth.NewDatabaseCheck("database", xhealth.ProbeFunc(
			func(ctx context.Context) (bool, error) {
				return xbreaker.Do(ctx, breaker, cp.mongoStat.Probe)
			})))
	}

	for _, c := range append(checks, o.checks...) {
		if err := cp.Health.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MongoStats 数据库探测统计，未配置数据库时 ok 为 false。
func (cp *ControlPlane) MongoStats() (stats xmongo.Stats, ok bool) {
	if cp.mongoStat == nil {
		return xmongo.Stats{}, false
	}
	return cp.mongoStat.Stats(), true
}

// Services 需要随进程运行的后台循环，交给 xrun.Run 或 xrun.Group。
// 每个循环在 ctx 取消后停止并返回 ctx.Err()。
func (cp *ControlPlane) Services() map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		"registry-heartbeats": func(ctx context.Context) error {
			return cp.Registry.Run(ctx, cp.Config.Registry.CheckInterval)
		},
		"cluster-health": func(ctx context.Context) error {
			cp.Cluster.StartHealthChecks(ctx)
			<-ctx.Done()
			cp.Cluster.StopHealthChecks()
			return ctx.Err()
		},
		"health-checks": func(ctx context.Context) error {
			if err := cp.Health.StartPeriodic(ctx, cp.Config.Health.Interval); err != nil {
				return err
			}
			<-ctx.Done()
			cp.Health.Stop()
			return ctx.Err()
		},
		"system-sampler": func(ctx context.Context) error {
			if err := cp.Monitor.StartSampler(ctx, cp.Config.Monitor.SampleSchedule); err != nil {
				return err
			}
			<-ctx.Done()
			cp.Monitor.StopSampler()
			return ctx.Err()
		},
	}
}

// Run 运行后台循环与 extra 中的服务，直到 ctx 取消、收到退出信号或任一服务失败。
func (cp *ControlPlane) Run(ctx context.Context, extra map[string]func(ctx context.Context) error, opts ...xrun.Option) error {
	services := cp.Services()
	maps.Copy(services, extra)
	base := []xrun.Option{xrun.WithLogger(cp.Logger), xrun.WithName("xguard")}
	return xrun.Run(ctx, append(base, opts...), services)
}

// Watch 配置文件变更时热更新日志级别。其余参数需重启生效。
func (cp *ControlPlane) Watch(src *xconf.Config) (*xconf.Watcher, error) {
	return xconf.Watch(src, func(src *xconf.Config, err error) {
		ctx := context.Background()
		if err == nil {
			var cfg Config
			if cfg, err = decode(src); err == nil {
				err = cp.ApplyLogLevel(cfg.Log.Level)
			}
		}
		if err != nil {
			cp.Logger.Warn(ctx, "config reload rejected", xlog.Component("controlplane"), xlog.Err(err))
			return
		}
		cp.Logger.Info(ctx, "config reloaded", xlog.Component("controlplane"),
			slog.String("level", cp.Logger.GetLevel().String()))
	}, 0)
}

// ApplyLogLevel 修改运行中的日志级别，Config 保持启动时的值。
func (cp *ControlPlane) ApplyLogLevel(level string) error {
	l, err := xlog.ParseLevel(level)
	if err != nil {
		return err
	}
	cp.Logger.SetLevel(l)
	return nil
}

// Close 停止后台循环并释放连接，可重复调用。
func (cp *ControlPlane) Close() error {
	if cp.Health != nil {
		cp.Health.Stop()
	}
	if cp.Cluster != nil {
		cp.Cluster.StopHealthChecks()
	}
	if cp.Monitor != nil {
		cp.Monitor.Close()
	}
	for _, l := range cp.Limiters.All() {
		if l != nil {
			l.Close()
		}
	}
	cp.Limiters = Limiters{}

	var errs []error
	if cp.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, cp.mongo.Disconnect(ctx))
		cancel()
		cp.mongo = nil
	}
	for _, fn := range cp.cleanups {
		errs = append(errs, fn())
	}
	cp.cleanups = nil
	return errors.Join(errs...)
}
