package xregistry

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/xguard/pkg/lifecycle/xrun"
	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// DefaultHeartbeatTimeout 超过该时长未收到心跳的实例被标记为不健康。
const DefaultHeartbeatTimeout = 30 * time.Second

// ErrInvalidInstance 缺少服务名或地址。
var ErrInvalidInstance = errors.New("xregistry: service name and host are required")

// Instance 服务实例。
type Instance struct {
	ID            string            `json:"id"`
	ServiceName   string            `json:"serviceName"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Healthy       bool              `json:"healthy"`
	RegisteredAt  time.Time         `json:"registeredAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (i Instance) clone() Instance {
	i.Tags = slices.Clone(i.Tags)
	i.Metadata = maps.Clone(i.Metadata)
	return i
}

type options struct {
	now     func() time.Time
	timeout time.Duration
	logger  xlog.Logger
}

// Option 注册表配置项。
type Option func(*options)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHeartbeatTimeout 心跳超时，默认 DefaultHeartbeatTimeout。
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
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

// Registry 按服务名分组的实例表。
//
// 心跳超时的实例只标记为不健康，仍保留在表中，直到显式 Deregister。
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]*Instance
	opts     options
}

// New 创建注册表。
func New(opts ...Option) *Registry {
	o := options{now: time.Now, timeout: DefaultHeartbeatTimeout, logger: xlog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{services: make(map[string]map[string]*Instance), opts: o}
}

// HeartbeatTimeout 当前心跳超时。
func (r *Registry) HeartbeatTimeout() time.Duration { return r.opts.timeout }

// Register 注册或覆盖实例并返回其副本。
// ID 为空时生成 UUID；RegisteredAt 与 LastHeartbeat 记为当前时间，Healthy 置为 true。
func (r *Registry) Register(inst Instance) (Instance, error) {
	if inst.ServiceName == "" || inst.Host == "" {
		return Instance{}, ErrInvalidInstance
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	now := r.opts.now()
	inst = inst.clone()
	inst.RegisteredAt = now
	inst.LastHeartbeat = now
	inst.Healthy = true

	r.mu.Lock()
	svc, ok := r.services[inst.ServiceName]
	if !ok {
		svc = make(map[string]*Instance)
		r.services[inst.ServiceName] = svc
	}
	svc[inst.ID] = &inst
	out := inst.clone()
	r.mu.Unlock()

	r.opts.logger.Info(context.Background(), "instance registered",
		xlog.Component("xregistry"),
		xlog.Name(inst.ServiceName),
		xlog.Key(inst.ID),
	)
	return out, nil
}

// Heartbeat 刷新心跳并恢复健康，实例不存在时返回 false。
func (r *Registry) Heartbeat(service, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.services[service][id]
	if !ok {
		return false
	}
	inst.LastHeartbeat = r.opts.now()
	inst.Healthy = true
	return true
}

// Deregister 移除实例，服务下没有实例时一并移除服务。
func (r *Registry) Deregister(service, id string) bool {
	r.mu.Lock()
	svc, ok := r.services[service]
	if ok {
		_, ok = svc[id]
	}
	if ok {
		delete(svc, id)
		if len(svc) == 0 {
			delete(r.services, service)
		}
	}
	r.mu.Unlock()

	if ok {
		r.opts.logger.Info(context.Background(), "instance deregistered",
			xlog.Component("xregistry"),
			xlog.Name(service),
			xlog.Key(id),
		)
	}
	return ok
}

// CheckHeartbeats 将心跳超时的健康实例标记为不健康，返回本次新标记的数量。
func (r *Registry) CheckHeartbeats() int {
	type entry struct{ service, id string }
	now := r.opts.now()
	var stale []entry

	r.mu.Lock()
	for _, svc := range r.services {
		for _, inst := range svc {
			if inst.Healthy && now.Sub(inst.LastHeartbeat) > r.opts.timeout {
				inst.Healthy = false
				stale = append(stale, entry{inst.ServiceName, inst.ID})
			}
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.opts.logger.Warn(context.Background(), "instance heartbeat expired",
			xlog.Component("xregistry"),
			xlog.Name(e.service),
			xlog.Key(e.id),
		)
	}
	return len(stale)
}

// Instances 服务的全部实例，按 ID 排序。服务不存在时返回空切片。
func (r *Registry) Instances(service string) []Instance {
	return r.collect(service, false)
}

// HealthyInstances 服务的健康实例，按 ID 排序。
func (r *Registry) HealthyInstances(service string) []Instance {
	return r.collect(service, true)
}

func (r *Registry) collect(service string, healthyOnly bool) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc := r.services[service]
	out := make([]Instance, 0, len(svc))
	for _, inst := range svc {
		if healthyOnly && !inst.Healthy {
			continue
		}
		out = append(out, inst.clone())
	}
	slices.SortFunc(out, func(a, b Instance) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Lookup 查找单个实例。
func (r *Registry) Lookup(service, id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.services[service][id]
	if !ok {
		return Instance{}, false
	}
	return inst.clone(), true
}

// Services 已注册的服务名，已排序。
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.services))
}

// ServiceSummary 单个服务的实例计数。
type ServiceSummary struct {
	Name      string `json:"name"`
	Instances int    `json:"instances"`
	Healthy   int    `json:"healthy"`
}

// Summary 各服务的实例计数，按服务名排序。
func (r *Registry) Summary() []ServiceSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceSummary, 0, len(r.services))
	for _, name := range slices.Sorted(maps.Keys(r.services)) {
		s := ServiceSummary{Name: name, Instances: len(r.services[name])}
		for _, inst := range r.services[name] {
			if inst.Healthy {
				s.Healthy++
			}
		}
		out = append(out, s)
	}
	return out
}

// Run 每隔 interval 执行一次 CheckHeartbeats，阻塞到 ctx 取消。
// interval 非正时返回 xrun.ErrInvalidInterval。
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	return xrun.Ticker(interval, false, func(context.Context) error {
		r.CheckHeartbeats()
		return nil
	})(ctx)
}
