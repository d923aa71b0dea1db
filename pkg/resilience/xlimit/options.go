package xlimit

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go4.org/netipx"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// 默认值。
const (
	DefaultCapacity   = 100_000
	DefaultUserHeader = "X-User-ID"
	minIdleTTL        = 10 * time.Minute
)

type options struct {
	now           func() time.Time
	capacity      int
	idleTTL       time.Duration
	trustProxy    bool
	userHeader    string
	whitelist     []string
	logger        xlog.Logger
	meterProvider metric.MeterProvider
}

// Option 限流器配置项。
type Option func(*options)

func defaultOptions() *options {
	return &options{
		now:        time.Now,
		capacity:   DefaultCapacity,
		userHeader: DefaultUserHeader,
	}
}

// WithClock 注入时钟，用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCapacity 最多跟踪的 key 数量。
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithIdleTTL 桶的空闲淘汰时间，小于补满时间的 3 倍时自动抬高。
func WithIdleTTL(d time.Duration) Option {
	return func(o *options) { o.idleTTL = d }
}

// WithTrustProxy 是否信任 X-Forwarded-For / X-Real-IP。
func WithTrustProxy(on bool) Option {
	return func(o *options) { o.trustProxy = on }
}

// WithUserHeader 读取用户标识的请求头，默认 X-User-ID。
func WithUserHeader(name string) Option {
	return func(o *options) {
		if name != "" {
			o.userHeader = name
		}
	}
}

// WithWhitelist 免限流的 IP 或 CIDR。
func WithWhitelist(entries ...string) Option {
	return func(o *options) { o.whitelist = append(o.whitelist, entries...) }
}

// WithLogger 拒绝时的日志输出。
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeterProvider 开启 OTel 计数。
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = p }
}

// buildIPSet 将 IP/CIDR 列表构建为 netipx.IPSet。
func buildIPSet(entries []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("%w: whitelist %q: %w", ErrInvalidConfig, e, err)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("%w: whitelist %q: %w", ErrInvalidConfig, e, err)
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}
