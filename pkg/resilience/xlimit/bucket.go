package xlimit

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/omeyang/xguard/pkg/util/xlru"
)

// Config 令牌桶参数。
type Config struct {
	// MaxTokens 桶容量，同时也是空闲后可连续放行的请求数。
	MaxTokens int `koanf:"max_tokens" json:"maxTokens"`
	// RefillRate 每秒补充的令牌数。
	RefillRate float64 `koanf:"refill_rate" json:"refillRate"`
}

// Validate 校验参数。
func (c Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalidConfig, c.MaxTokens)
	}
	if c.RefillRate <= 0 || math.IsNaN(c.RefillRate) || math.IsInf(c.RefillRate, 0) {
		return fmt.Errorf("%w: refill rate must be positive, got %v", ErrInvalidConfig, c.RefillRate)
	}
	return nil
}

// FullRefill 从空桶补满所需时间。
func (c Config) FullRefill() time.Duration {
	return time.Duration(float64(c.MaxTokens) / c.RefillRate * float64(time.Second))
}

// Bucket 按 key 隔离的令牌桶集合，并发安全。
//
// 每个 key 对应一个 rate.Limiter，Limiter 内部加锁，
// 保证同一 key 的令牌数始终在 [0, MaxTokens] 内。
type Bucket struct {
	cfg     Config
	now     func() time.Time
	buckets *xlru.Cache[string, *rate.Limiter]
}

// NewBucket 创建令牌桶集合。
func NewBucket(cfg Config, opts ...Option) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return newBucket(cfg, o)
}

func newBucket(cfg Config, o *options) (*Bucket, error) {
	ttl := max(o.idleTTL, minIdleTTL, 3*cfg.FullRefill())
	cache, err := xlru.New[string, *rate.Limiter](xlru.Config{Size: o.capacity, TTL: ttl}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Bucket{cfg: cfg, now: o.now, buckets: cache}, nil
}

// Config 返回桶参数。
func (b *Bucket) Config() Config { return b.cfg }

// Allow 消耗一个令牌。
func (b *Bucket) Allow(key string) Result { return b.AllowN(key, 1) }

// AllowN 令牌充足时消耗 n 个并放行，否则拒绝且不改变令牌数。
// 首次出现的 key 以满桶开始。n <= 0 视为 1。
// n 超过 MaxTokens 时始终拒绝，结果的 Exceeded 为 true 且 RetryAfter 为 0。
func (b *Bucket) AllowN(key string, n int) Result {
	if n <= 0 {
		n = 1
	}
	now := b.now()
	lim, _ := b.buckets.GetOrAdd(key, b.newLimiter)
	allowed := lim.AllowN(now, n)
	return b.result(key, lim.TokensAt(now), now, allowed, n)
}

// Status 计算当前令牌数但不消耗。
func (b *Bucket) Status(key string) Result {
	now := b.now()
	tokens := float64(b.cfg.MaxTokens)
	if lim, ok := b.buckets.Peek(key); ok {
		tokens = lim.TokensAt(now)
	}
	return b.result(key, tokens, now, tokens >= 1, 1)
}

// Reset 删除 key 的桶，下次访问以满桶开始。
func (b *Bucket) Reset(key string) bool { return b.buckets.Delete(key) }

// ResetAll 删除全部桶。
func (b *Bucket) ResetAll() { b.buckets.Clear() }

// Len 当前跟踪的 key 数量。
func (b *Bucket) Len() int { return b.buckets.Len() }

// Keys 当前跟踪的 key，从最久未访问到最近访问。
func (b *Bucket) Keys() []string { return b.buckets.Keys() }

// Close 释放后台资源。
func (b *Bucket) Close() { b.buckets.Close() }

func (b *Bucket) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(b.cfg.RefillRate), b.cfg.MaxTokens)
}

func (b *Bucket) result(key string, tokens float64, now time.Time, allowed bool, n int) Result {
	tokens = min(max(tokens, 0), float64(b.cfg.MaxTokens))
	r := Result{
		Allowed:   allowed,
		Limit:     b.cfg.MaxTokens,
		Remaining: int(math.Floor(tokens)),
		ResetAt:   now.Add(b.durationFor(float64(b.cfg.MaxTokens) - tokens)),
		Key:       key,
	}
	switch {
	case allowed:
	case n > b.cfg.MaxTokens:
		r.Exceeded = true
	default:
		r.RetryAfter = b.durationFor(float64(n) - tokens)
	}
	return r
}

func (b *Bucket) durationFor(tokens float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	// 按微秒向上取整，吸收浮点误差。
	us := math.Ceil(tokens / b.cfg.RefillRate * 1e6)
	return time.Duration(us) * time.Microsecond
}
