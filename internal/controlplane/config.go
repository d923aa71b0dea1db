package controlplane

import (
	"errors"
	"fmt"
	"time"

	"github.com/omeyang/xguard/pkg/config/xconf"
	"github.com/omeyang/xguard/pkg/ha/xbalance"
	"github.com/omeyang/xguard/pkg/ha/xcluster"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/resilience/xbreaker"
	"github.com/omeyang/xguard/pkg/resilience/xlimit"
	"github.com/omeyang/xguard/pkg/resilience/xretry"
	"github.com/omeyang/xguard/pkg/storage/xmongo"
)

// EnvProduction 生产环境名，错误响应不暴露细节。
const EnvProduction = "production"

// ErrInvalidConfig 配置校验失败。
var ErrInvalidConfig = errors.New("controlplane: invalid config")

// Config 进程全部可调参数。
type Config struct {
	Env      string          `koanf:"env"`
	Server   ServerConfig    `koanf:"server"`
	Log      LogConfig       `koanf:"log"`
	Limits   LimitsConfig    `koanf:"limits"`
	Breaker  xbreaker.Config `koanf:"breaker"`
	Retry    xretry.Options  `koanf:"retry"`
	Balancer BalancerConfig  `koanf:"balancer"`
	Registry RegistryConfig  `koanf:"registry"`
	Cluster  ClusterConfig   `koanf:"cluster"`
	Health   HealthConfig    `koanf:"health"`
	Monitor  MonitorConfig   `koanf:"monitor"`
	Mongo    xmongo.Config   `koanf:"mongo"`
}

// ServerConfig HTTP 服务。
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig 日志。File 非空时输出到轮转文件。
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
}

// LimitsConfig 三级限流。
type LimitsConfig struct {
	IP         xlimit.Config `koanf:"ip"`
	Endpoint   xlimit.Config `koanf:"endpoint"`
	User       xlimit.Config `koanf:"user"`
	Capacity   int           `koanf:"capacity"`
	IdleTTL    time.Duration `koanf:"idle_ttl"`
	TrustProxy bool          `koanf:"trust_proxy"`
	UserHeader string        `koanf:"user_header"`
	Whitelist  []string      `koanf:"whitelist"`
}

// BalancerConfig 负载均衡策略与初始节点。
type BalancerConfig struct {
	Strategy string          `koanf:"strategy"`
	Nodes    []xbalance.Node `koanf:"nodes"`
}

// RegistryConfig 服务注册表。
type RegistryConfig struct {
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`
	CheckInterval    time.Duration `koanf:"check_interval"`
}

// ClusterConfig 本节点身份与集群心跳。
type ClusterConfig struct {
	xcluster.Config `koanf:",squash"`

	NodeID string `koanf:"node_id"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// HTTPCheckConfig 一个 HTTP 依赖检查。
type HTTPCheckConfig struct {
	Name    string        `koanf:"name"`
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// HealthConfig 健康检查。
type HealthConfig struct {
	Interval        time.Duration     `koanf:"interval"`
	CheckTimeout    time.Duration     `koanf:"check_timeout"`
	MemoryThreshold float64           `koanf:"memory_threshold"`
	DiskPath        string            `koanf:"disk_path"`
	DiskDegraded    float64           `koanf:"disk_degraded"`
	DiskCritical    float64           `koanf:"disk_critical"`
	MaxConcurrent   int               `koanf:"max_concurrent_runs"`
	HTTP            []HTTPCheckConfig `koanf:"http"`
}

// MonitorConfig 指标采集。
type MonitorConfig struct {
	EndpointCapacity int    `koanf:"endpoint_capacity"`
	SystemHistory    int    `koanf:"system_history"`
	SampleSchedule   string `koanf:"sample_schedule"`
}

// DefaultConfig 返回全部默认值。
func DefaultConfig() Config {
	return Config{
		Env: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5},
		Limits: LimitsConfig{
			IP:         xlimit.Config{MaxTokens: 100, RefillRate: 10},
			Endpoint:   xlimit.Config{MaxTokens: 50, RefillRate: 5},
			User:       xlimit.Config{MaxTokens: 200, RefillRate: 20},
			Capacity:   xlimit.DefaultCapacity,
			UserHeader: xlimit.DefaultUserHeader,
		},
		Breaker:  xbreaker.DefaultConfig(),
		Retry:    xretry.DefaultOptions(),
		Balancer: BalancerConfig{Strategy: string(xbalance.StrategyRoundRobin)},
		Registry: RegistryConfig{HeartbeatTimeout: 30 * time.Second, CheckInterval: 10 * time.Second},
		Cluster: ClusterConfig{
			Config: xcluster.Config{HeartbeatInterval: xcluster.DefaultHeartbeatInterval},
			Host:   "localhost",
			Port:   8080,
		},
		Health: HealthConfig{
			Interval:        30 * time.Second,
			CheckTimeout:    10 * time.Second,
			MemoryThreshold: 90,
			DiskPath:        "/",
			DiskDegraded:    80,
			DiskCritical:    95,
			MaxConcurrent:   1,
		},
		Monitor: MonitorConfig{
			EndpointCapacity: 10_000,
			SystemHistory:    1000,
			SampleSchedule:   "@every 30s",
		},
		Mongo: xmongo.Config{
			HealthTimeout: xmongo.DefaultHealthTimeout,
			SlowThreshold: xmongo.DefaultSlowThreshold,
		},
	}
}

// Production 是否为生产环境。
func (c Config) Production() bool { return c.Env == EnvProduction }

// Validate 校验配置。
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if _, err := xlog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for name, lc := range map[string]xlimit.Config{"ip": c.Limits.IP, "endpoint": c.Limits.Endpoint, "user": c.Limits.User} {
		if err := lc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("limits.%s: %w", name, err))
		}
	}
	if _, err := xbalance.New(xbalance.Strategy(c.Balancer.Strategy)); err != nil {
		errs = append(errs, err)
	}
	if c.Cluster.Host == "" {
		errs = append(errs, errors.New("cluster.host is required"))
	}
	for i, h := range c.Health.HTTP {
		if h.Name == "" || h.URL == "" {
			errs = append(errs, fmt.Errorf("health.http[%d]: name and url are required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig 在默认值之上叠加 path 中的配置。path 为空时只返回默认值，src 为 nil。
func LoadConfig(path string) (cfg Config, src *xconf.Config, err error) {
	cfg = DefaultConfig()
	if path == "" {
		return cfg, nil, cfg.Validate()
	}
	src, err = xconf.New(path)
	if err != nil {
		return cfg, nil, err
	}
	if cfg, err = decode(src); err != nil {
		return cfg, nil, err
	}
	return cfg, src, nil
}

func decode(src *xconf.Config) (Config, error) {
	cfg := DefaultConfig()
	if err := src.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
