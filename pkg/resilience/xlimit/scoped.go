package xlimit

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sort"

	"go4.org/netipx"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// Scope 限流作用域。
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
	ScopeUser     Scope = "user"
)

// ParseScope 解析作用域名称。
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeIP, ScopeEndpoint, ScopeUser:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
	}
}

// headerPrefix 响应头前缀，X-<prefix>-Limit 等。
func (s Scope) headerPrefix() string {
	switch s {
	case ScopeEndpoint:
		return "EndpointRateLimit"
	case ScopeUser:
		return "UserRateLimit"
	default:
		return "RateLimit"
	}
}

func (s Scope) deniedMessage() string {
	switch s {
	case ScopeEndpoint:
		return "Too many requests to this endpoint, please try again later."
	case ScopeUser:
		return "Too many requests for this user, please try again later."
	default:
		return "Too many requests from this IP, please try again later."
	}
}

// Scoped 绑定作用域的令牌桶限流器。
type Scoped struct {
	bucket     *Bucket
	scope      Scope
	trustProxy bool
	userHeader string
	whitelist  *netipx.IPSet
	logger     xlog.Logger
	counter    *requestCounter
}

// NewScoped 创建作用域限流器。
func NewScoped(scope Scope, cfg Config, opts ...Option) (*Scoped, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	set, err := buildIPSet(o.whitelist)
	if err != nil {
		return nil, err
	}
	counter, err := newRequestCounter(o.meterProvider)
	if err != nil {
		return nil, err
	}
	bucket, err := newBucket(cfg, o)
	if err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = xlog.Default()
	}
	return &Scoped{
		bucket:     bucket,
		scope:      scope,
		trustProxy: o.trustProxy,
		userHeader: o.userHeader,
		whitelist:  set,
		logger:     logger.With(xlog.Component("xlimit"), xlog.Name(string(scope))),
		counter:    counter,
	}, nil
}

// NewIPLimiter 按客户端 IP 限流。
func NewIPLimiter(cfg Config, opts ...Option) (*Scoped, error) {
	return NewScoped(ScopeIP, cfg, opts...)
}

// NewEndpointLimiter 按 "ip:METHOD path" 限流。
func NewEndpointLimiter(cfg Config, opts ...Option) (*Scoped, error) {
	return NewScoped(ScopeEndpoint, cfg, opts...)
}

// NewUserLimiter 按用户标识限流，未携带用户标识的请求直接放行。
func NewUserLimiter(cfg Config, opts ...Option) (*Scoped, error) {
	return NewScoped(ScopeUser, cfg, opts...)
}

// Scope 作用域。
func (s *Scoped) Scope() Scope { return s.scope }

// Bucket 底层令牌桶。
func (s *Scoped) Bucket() *Bucket { return s.bucket }

// Key 计算请求的限流 key，ok 为 false 表示该请求不受此限流器约束。
func (s *Scoped) Key(r *http.Request) (key string, ok bool) {
	ip := ClientIP(r, s.trustProxy)
	if s.whitelisted(ip) {
		return "", false
	}
	switch s.scope {
	case ScopeEndpoint:
		return ip + ":" + r.Method + " " + r.URL.Path, true
	case ScopeUser:
		user := r.Header.Get(s.userHeader)
		if user == "" {
			return "", false
		}
		return user, true
	default:
		return ip, true
	}
}

// Check 对请求消耗一个令牌。请求不受约束时返回满桶结果且 limited 为 false。
func (s *Scoped) Check(r *http.Request) (res Result, limited bool) {
	key, ok := s.Key(r)
	if !ok {
		return s.bucket.Status(""), false
	}
	res = s.bucket.Allow(key)
	s.counter.record(r.Context(), s.scope, res.Allowed)
	return res, true
}

// Allow 直接按 key 消耗一个令牌，用于非 HTTP 场景。
func (s *Scoped) Allow(ctx context.Context, key string) error {
	res := s.bucket.Allow(key)
	s.counter.record(ctx, s.scope, res.Allowed)
	if res.Allowed {
		return nil
	}
	return &LimitError{Scope: s.scope, Key: key, Limit: res.Limit, RetryAfter: res.RetryAfter}
}

// Status 查询 identifier 的令牌状态，不消耗。
func (s *Scoped) Status(identifier string) Result { return s.bucket.Status(identifier) }

// Reset 重置 identifier 的桶。
func (s *Scoped) Reset(identifier string) bool { return s.bucket.Reset(identifier) }

// List 全部已跟踪 key 的当前状态，按 key 排序。
func (s *Scoped) List() []Result {
	keys := s.bucket.Keys()
	sort.Strings(keys)
	out := make([]Result, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.bucket.Status(k))
	}
	return out
}

// Len 已跟踪的 key 数量。
func (s *Scoped) Len() int { return s.bucket.Len() }

// Config 桶参数。
func (s *Scoped) Config() Config { return s.bucket.Config() }

// Close 释放后台资源。
func (s *Scoped) Close() { s.bucket.Close() }

func (s *Scoped) whitelisted(ip string) bool {
	if s.whitelist == nil {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return s.whitelist.Contains(a)
}
