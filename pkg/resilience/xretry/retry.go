package xretry

import (
	"context"
	"math"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/omeyang/xguard/pkg/resilience/xtimeout"
)

// Options 重试参数。
type Options struct {
	// MaxRetries 首次失败后的最大重试次数，总尝试次数为 MaxRetries+1。
	MaxRetries int `koanf:"max_retries" json:"maxRetries"`
	// Delay 第一次重试前的等待时间。
	Delay time.Duration `koanf:"delay" json:"delay"`
	// BackoffMultiplier 每次重试后延迟的放大倍数，< 1 视为 1。
	BackoffMultiplier float64 `koanf:"backoff_multiplier" json:"backoffMultiplier"`
	// MaxDelay 延迟上限，<= 0 表示不设上限。
	MaxDelay time.Duration `koanf:"max_delay" json:"maxDelay"`

	// Retryable 判定错误是否可重试，nil 时使用 IsRetryable。
	Retryable func(error) bool `koanf:"-" json:"-"`
	// OnRetry 每次决定重试时调用，attempt 从 1 开始。
	OnRetry func(attempt int, err error) `koanf:"-" json:"-"`
}

// DefaultOptions 3 次重试，1s 起步，倍数 2，上限 30s。
func DefaultOptions() Options {
	return Options{
		MaxRetries:        3,
		Delay:             time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
}

// DelayFor 第 k 次重试（从 1 开始）前的等待：min(Delay × mult^(k-1), MaxDelay)。
func (o Options) DelayFor(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	mult := o.BackoffMultiplier
	if mult < 1 || math.IsNaN(mult) {
		mult = 1
	}
	d := float64(o.Delay) * math.Pow(mult, float64(k-1))
	if o.MaxDelay > 0 && d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (o Options) build(ctx context.Context) []retry.Option {
	retryable := o.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(max(o.MaxRetries, 0)) + 1),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && retryable(err)
		}),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return o.DelayFor(int(min(n, math.MaxInt32)))
		}),
	}
	if o.OnRetry != nil {
		opts = append(opts, retry.OnRetry(func(n uint, err error) {
			// retry-go 的 n 从 0 开始。
			o.OnRetry(int(min(n, math.MaxInt32))+1, err)
		}))
	}
	return opts
}

// Do 按 opts 重试 fn，只返回最后一次错误。ctx 结束时停止重试。
func Do(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	if fn == nil {
		return ErrNilFunc
	}
	return retry.New(opts.build(ctx)...).Do(func() error {
		return fn(ctx)
	})
}

// DoWithData 带返回值的 Do。
func DoWithData[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	if fn == nil {
		var zero T
		return zero, ErrNilFunc
	}
	return retry.NewWithData[T](opts.build(ctx)...).Do(func() (T, error) {
		return fn(ctx)
	})
}

// WithTimeout 每次尝试都受 timeout 约束，超时按可重试处理。
func WithTimeout(ctx context.Context, fn func(ctx context.Context) error, opts Options, timeout xtimeout.Options) error {
	if fn == nil {
		return ErrNilFunc
	}
	return Do(ctx, func(ctx context.Context) error {
		return xtimeout.Do(ctx, fn, timeout)
	}, opts)
}

// Unrecoverable 包装后的错误不再重试，无论 Retryable 如何判定。
func Unrecoverable(err error) error { return retry.Unrecoverable(err) }
