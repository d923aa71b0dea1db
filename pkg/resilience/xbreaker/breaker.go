package xbreaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/observability/xmetrics"
)

// 默认配置。
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 60 * time.Second
)

// Config 熔断参数。
type Config struct {
	// FailureThreshold CLOSED 状态下触发熔断的连续失败次数。
	FailureThreshold int `koanf:"failure_threshold" json:"failureThreshold"`
	// SuccessThreshold HALF_OPEN 状态下恢复所需的连续成功次数，
	// 同时也是半开期间允许放行的探测请求上限。
	SuccessThreshold int `koanf:"success_threshold" json:"successThreshold"`
	// Timeout OPEN 状态持续时间，到期后下一次调用进入 HALF_OPEN。
	Timeout time.Duration `koanf:"timeout" json:"timeout"`
}

// DefaultConfig 返回 {5, 2, 60s}。
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		Timeout:          DefaultTimeout,
	}
}

// withDefaults 非正值字段使用默认值。
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

type options struct {
	logger        xlog.Logger
	observer      xmetrics.Observer
	isSuccessful  func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time
}

// Option 熔断器配置项。
type Option func(*options)

// WithLogger 状态变化日志。
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver 为每次执行记录 span 与耗时。
func WithObserver(obs xmetrics.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithSuccessPolicy 自定义成功判定，默认 err == nil 为成功。
// 例如调用方主动取消不应计入失败：
//
//	xbreaker.WithSuccessPolicy(func(err error) bool {
//		return err == nil || errors.Is(err, context.Canceled)
//	})
func WithSuccessPolicy(f func(error) bool) Option {
	return func(o *options) { o.isSuccessful = f }
}

// WithOnStateChange 状态变化回调，在熔断器内部锁中执行，不得回调同一熔断器。
func WithOnStateChange(f func(name string, from, to State)) Option {
	return func(o *options) { o.onStateChange = f }
}

// Breaker 命名熔断器，基于 gobreaker 状态机。
//
// 状态机：
//   - CLOSED：连续失败达到 FailureThreshold 转 OPEN，任一成功清零连续失败
//   - OPEN：Timeout 内直接拒绝且不调用 fn，到期后下一次调用转 HALF_OPEN 并执行
//   - HALF_OPEN：连续成功达到 SuccessThreshold 转 CLOSED，任一失败立即回到 OPEN
type Breaker struct {
	name string
	cfg  Config
	opts options

	cb  atomic.Pointer[gobreaker.CircuitBreaker[any]]
	gen atomic.Uint64

	totalRequests atomic.Uint64
	totalFailures atomic.Uint64

	mu          sync.Mutex
	lastFailure time.Time
	nextAttempt time.Time
}

// New 创建熔断器，cfg 中非正值字段使用默认值。
func New(name string, cfg Config, opts ...Option) *Breaker {
	o := options{
		logger:   xlog.Default(),
		observer: xmetrics.NoopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.isSuccessful == nil {
		o.isSuccessful = func(err error) bool { return err == nil }
	}
	b := &Breaker{name: name, cfg: cfg.withDefaults(), opts: o}
	b.opts.logger = o.logger.With(xlog.Component("xbreaker"), xlog.Name(name))
	b.cb.Store(b.build())
	return b
}

func (b *Breaker) build() *gobreaker.CircuitBreaker[any] {
	gen := b.gen.Add(1)
	threshold := uint32(b.cfg.FailureThreshold)
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: uint32(b.cfg.SuccessThreshold),
		Interval:    0,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: b.opts.isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			// Reset 之后旧实例的回调直接丢弃。
			if b.gen.Load() != gen {
				return
			}
			b.stateChanged(name, from, to)
		},
	})
}

func (b *Breaker) stateChanged(name string, from, to State) {
	now := b.opts.now()
	b.mu.Lock()
	if to == StateOpen {
		b.nextAttempt = now.Add(b.cfg.Timeout)
	} else {
		b.nextAttempt = time.Time{}
	}
	b.mu.Unlock()

	if to == StateOpen {
		b.opts.logger.Warn(context.Background(), "circuit breaker opened",
			xlog.State(StateName(to)), xlog.Duration(b.cfg.Timeout))
	} else {
		b.opts.logger.Info(context.Background(), "circuit breaker state changed",
			xlog.State(StateName(to)))
	}
	if b.opts.onStateChange != nil {
		b.opts.onStateChange(name, from, to)
	}
}

// Name 熔断器名称。
func (b *Breaker) Name() string { return b.name }

// Config 生效的配置。
func (b *Breaker) Config() Config { return b.cfg }

// State 当前状态。OPEN 到期后读取状态即会转为 HALF_OPEN。
func (b *Breaker) State() State { return b.cb.Load().State() }

// Counts 当前状态周期内的统计。
func (b *Breaker) Counts() Counts { return b.cb.Load().Counts() }

// Execute 执行受保护的调用。
//
// ctx 已结束时直接返回 ctx.Err()，不计入统计；被拒绝时返回 *BreakerError。
// fn 的错误原样返回。
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNilFunc
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := xmetrics.Start(ctx, b.opts.observer, xmetrics.SpanOptions{
		Component: "xbreaker",
		Operation: "execute",
		Attrs:     []xmetrics.Attr{xmetrics.String("breaker", b.name)},
	})

	cb := b.cb.Load()
	_, err := cb.Execute(func() (any, error) {
		b.totalRequests.Add(1)
		ferr := fn(ctx)
		if !b.opts.isSuccessful(ferr) {
			b.totalFailures.Add(1)
			b.mu.Lock()
			b.lastFailure = b.opts.now()
			b.mu.Unlock()
		}
		return nil, ferr
	})
	err = wrapBreakerError(err, b.name)

	span.End(xmetrics.Result{
		Err:   err,
		Attrs: []xmetrics.Attr{
			xmetrics.String("state", StateName(cb.State())),
			xmetrics.Bool("rejected", IsBreakerError(err)),
		},
	})
	return err
}

// Do 泛型版本的 Execute，出错时返回零值。
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if fn == nil {
		return out, ErrNilFunc
	}
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Snapshot 熔断器状态快照。
type Snapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	Failures             uint32    `json:"failures"`
	ConsecutiveSuccesses uint32    `json:"consecutiveSuccesses"`
	TotalRequests        uint64    `json:"totalRequests"`
	TotalFailures        uint64    `json:"totalFailures"`
	LastFailure          time.Time `json:"lastFailureTime,omitzero"`
	NextAttempt          time.Time `json:"nextAttemptTime,omitzero"`
	Config               Config    `json:"config"`
}

// Snapshot 返回当前状态快照。
func (b *Breaker) Snapshot() Snapshot {
	cb := b.cb.Load()
	// 先读状态：可能触发 OPEN→HALF_OPEN 回调，回调内会获取 b.mu。
	state := cb.State()
	counts := cb.Counts()

	b.mu.Lock()
	last, next := b.lastFailure, b.nextAttempt
	b.mu.Unlock()
	if state != StateOpen {
		next = time.Time{}
	}

	return Snapshot{
		Name:                 b.name,
		State:                StateName(state),
		Failures:             counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		TotalRequests:        b.totalRequests.Load(),
		TotalFailures:        b.totalFailures.Load(),
		LastFailure:          last,
		NextAttempt:          next,
		Config:               b.cfg,
	}
}

// Reset 回到 CLOSED 并清空统计。
func (b *Breaker) Reset() {
	b.cb.Store(b.build())
	b.totalRequests.Store(0)
	b.totalFailures.Store(0)
	b.mu.Lock()
	b.lastFailure = time.Time{}
	b.nextAttempt = time.Time{}
	b.mu.Unlock()
	b.opts.logger.Info(context.Background(), "circuit breaker reset")
}
